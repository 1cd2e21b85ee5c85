// Package service implements the device-session authority: admission, reconciliation, heartbeat,
// revocation watching and logout over the session and account stores.
package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"session-authority/internal/audit"
	authoritydomain "session-authority/internal/authority/domain"
	"session-authority/internal/geo"
	"session-authority/internal/logging"
	"session-authority/internal/policy/engine"
	sessiondomain "session-authority/internal/session/domain"
	"session-authority/internal/telemetry"
	telemetrydomain "session-authority/internal/telemetry/domain"
	userdomain "session-authority/internal/user/domain"
)

const instrumentationName = "session-authority/internal/authority"

// SessionStore is the session record accessor the authority needs.
type SessionStore interface {
	GetByID(ctx context.Context, id string) (*sessiondomain.Record, error)
	FindActiveByUser(ctx context.Context, userID string) ([]sessiondomain.Record, error)
	FindByUserAndDevice(ctx context.Context, userID, deviceID string) ([]sessiondomain.Record, error)
	Create(ctx context.Context, r *sessiondomain.Record) (string, error)
	Update(ctx context.Context, id string, p sessiondomain.Patch) error
	Subscribe(ctx context.Context, userID, deviceID string) (<-chan sessiondomain.Snapshot, error)
}

// AccountStore is the account counter accessor the authority needs.
type AccountStore interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
	SetActiveSessions(ctx context.Context, userID string, n int) error
	IncrementActiveSessions(ctx context.Context, userID string, delta int) error
	MarkRedFlag(ctx context.Context, userID, reason string) error
	RecordLogin(ctx context.Context, userID, email, displayName, ip string) error
}

// BlockList answers whether a device id is on the global blocked list.
type BlockList interface {
	IsBlocked(ctx context.Context, deviceID string) (bool, error)
}

// DevicePolicy layers extra deny rules over the blocked list.
type DevicePolicy interface {
	EvaluateDevice(ctx context.Context, in engine.DeviceInput) (engine.Decision, error)
}

// AdmissionLocker serializes admissions per user. Without one, concurrent first logins of the same
// account may race past the device ceiling.
type AdmissionLocker interface {
	Lock(ctx context.Context, userID string) (unlock func(), err error)
}

// Config tunes the authority.
type Config struct {
	// MaxDevices is the ceiling of active sessions per account; zero means DefaultMaxDevices.
	MaxDevices int
}

// Deps are the collaborators of the Service. Sessions, Accounts and BlockList are required; the
// rest may be nil.
type Deps struct {
	Sessions  SessionStore
	Accounts  AccountStore
	BlockList BlockList
	Policy    DevicePolicy
	Geo       geo.Resolver
	Locker    AdmissionLocker
	Audit     audit.AuditLogger
	Events    telemetry.EventEmitter
	Log       logrus.FieldLogger
	Tracer    trace.Tracer
	Meter     metric.Meter
	// Now is the local clock used to order pending timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Service is the device-session authority.
type Service struct {
	sessions SessionStore
	accounts AccountStore
	blocked  BlockList
	policy   DevicePolicy
	geo      geo.Resolver
	locker   AdmissionLocker
	audit    audit.AuditLogger
	events   telemetry.EventEmitter
	log      logrus.FieldLogger
	tracer   trace.Tracer
	metrics  *metrics
	validate *validator.Validate
	now      func() time.Time

	maxDevices int
}

// New returns a Service. It panics if a required dependency is missing, since that is a wiring bug.
func New(deps Deps, cfg Config) *Service {
	if deps.Sessions == nil || deps.Accounts == nil || deps.BlockList == nil {
		panic("authority: Sessions, Accounts and BlockList are required")
	}
	if cfg.MaxDevices <= 0 {
		cfg.MaxDevices = authoritydomain.DefaultMaxDevices
	}
	s := &Service{
		sessions:   deps.Sessions,
		accounts:   deps.Accounts,
		blocked:    deps.BlockList,
		policy:     deps.Policy,
		geo:        deps.Geo,
		locker:     deps.Locker,
		audit:      deps.Audit,
		events:     deps.Events,
		log:        deps.Log,
		tracer:     deps.Tracer,
		validate:   validator.New(),
		now:        deps.Now,
		maxDevices: cfg.MaxDevices,
	}
	if s.geo == nil {
		s.geo = geo.Static(geo.Unknown)
	}
	if s.log == nil {
		s.log = logging.Discard()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(instrumentationName)
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	s.metrics = newMetrics(meter, s.log)
	return s
}

// MaxDevices returns the configured ceiling.
func (s *Service) MaxDevices() int {
	return s.maxDevices
}

func (s *Service) auditEvent(ctx context.Context, userID, action, resource string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	b, _ := json.Marshal(meta)
	s.audit.LogEvent(ctx, userID, action, resource, string(b))
}

func (s *Service) emit(ctx context.Context, eventType, userID, deviceID, sessionID string, meta map[string]any) {
	if s.events == nil {
		return
	}
	b, _ := json.Marshal(meta)
	telemetry.EmitAsync(s.events, ctx, &telemetrydomain.Event{
		UserID:    userID,
		DeviceID:  deviceID,
		SessionID: sessionID,
		EventType: eventType,
		Source:    "authority",
		Metadata:  b,
	})
}

type metrics struct {
	admissions   metric.Int64Counter
	drift        metric.Int64Counter
	logouts      metric.Int64Counter
	watchers     metric.Int64UpDownCounter
	heartbeats   metric.Int64Counter
	admitLatency metric.Float64Histogram
}

func newMetrics(meter metric.Meter, log logrus.FieldLogger) *metrics {
	m := &metrics{}
	var err error
	warn := func(name string, err error) {
		if err != nil {
			log.WithError(err).WithField("instrument", name).Warn("authority: metric registration failed")
		}
	}
	m.admissions, err = meter.Int64Counter("session_authority.admissions",
		metric.WithDescription("Admission attempts by result"))
	warn("admissions", err)
	m.drift, err = meter.Int64Counter("session_authority.counter_drift",
		metric.WithDescription("Reconciliations that corrected a drifted activeSessions counter"))
	warn("counter_drift", err)
	m.logouts, err = meter.Int64Counter("session_authority.logouts")
	warn("logouts", err)
	m.watchers, err = meter.Int64UpDownCounter("session_authority.watchers",
		metric.WithDescription("Open revocation watch subscriptions"))
	warn("watchers", err)
	m.heartbeats, err = meter.Int64Counter("session_authority.heartbeats")
	warn("heartbeats", err)
	m.admitLatency, err = meter.Float64Histogram("session_authority.admit.duration",
		metric.WithUnit("ms"))
	warn("admit.duration", err)
	return m
}

func (m *metrics) admission(ctx context.Context, result string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("result", result))
	if m.admissions != nil {
		m.admissions.Add(ctx, 1, attrs)
	}
	if m.admitLatency != nil {
		m.admitLatency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
}

func (m *metrics) add(ctx context.Context, c metric.Int64Counter, n int64) {
	if c != nil {
		c.Add(ctx, n)
	}
}

func (m *metrics) watching(ctx context.Context, n int64) {
	if m.watchers != nil {
		m.watchers.Add(ctx, n)
	}
}
