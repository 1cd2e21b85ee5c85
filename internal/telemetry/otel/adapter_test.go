package otel

import (
	"context"
	"testing"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"session-authority/internal/telemetry/domain"
)

type recordCapture struct {
	records []otellog.Record
}

func (r *recordCapture) Emit(ctx context.Context, rec otellog.Record) {
	r.records = append(r.records, rec)
}

func (r *recordCapture) last(t *testing.T) otellog.Record {
	t.Helper()
	if len(r.records) == 0 {
		t.Fatal("no record emitted")
	}
	return r.records[len(r.records)-1]
}

func attributes(rec otellog.Record) map[string]string {
	attrs := make(map[string]string)
	rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		attrs[kv.Key] = kv.Value.AsString()
		return true
	})
	return attrs
}

func TestNewEventEmitter_NilProvider(t *testing.T) {
	em := NewEventEmitter(nil)
	if err := em.Emit(context.Background(), &domain.Event{UserID: "u1"}); err != nil {
		t.Errorf("noop Emit: %v", err)
	}
}

func TestNewEventEmitter_Provider(t *testing.T) {
	provider := sdklog.NewLoggerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()
	em := NewEventEmitter(provider)
	if err := em.Emit(context.Background(), nil); err != nil {
		t.Errorf("Emit(nil): %v", err)
	}
	if err := em.Emit(context.Background(), &domain.Event{EventType: domain.EventSessionAdmitted}); err != nil {
		t.Errorf("Emit: %v", err)
	}
}

func TestEmit_AdmittedEvent(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap)
	created := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	err := em.Emit(context.Background(), &domain.Event{
		UserID:    "user1",
		DeviceID:  "dev1",
		SessionID: "sess1",
		EventType: domain.EventSessionAdmitted,
		Source:    "authority",
		Metadata:  []byte(`{"country":"NL"}`),
		CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	rec := cap.last(t)
	if rec.EventName() != domain.EventSessionAdmitted {
		t.Errorf("event name = %q", rec.EventName())
	}
	if rec.Severity() != otellog.SeverityInfo {
		t.Errorf("severity = %v, want info", rec.Severity())
	}
	if got := rec.Body().AsString(); got != `{"country":"NL"}` {
		t.Errorf("body = %q", got)
	}
	if !rec.Timestamp().Equal(created) {
		t.Errorf("timestamp = %v, want %v", rec.Timestamp(), created)
	}
	attrs := attributes(rec)
	for k, v := range map[string]string{
		"session_authority.user_id":    "user1",
		"session_authority.device_id":  "dev1",
		"session_authority.session_id": "sess1",
		"session_authority.source":     "authority",
	} {
		if attrs[k] != v {
			t.Errorf("attr %q = %q, want %q", k, attrs[k], v)
		}
	}
}

func TestEmit_Severity(t *testing.T) {
	tests := []struct {
		eventType string
		want      otellog.Severity
	}{
		{domain.EventSessionBlocked, otellog.SeverityWarn},
		{domain.EventSessionRevoked, otellog.SeverityWarn},
		{domain.EventSessionLoggedOut, otellog.SeverityInfo},
		{domain.EventCounterReconciled, otellog.SeverityDebug},
	}
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap)
	for _, tt := range tests {
		if err := em.Emit(context.Background(), &domain.Event{EventType: tt.eventType}); err != nil {
			t.Fatalf("Emit: %v", err)
		}
		rec := cap.last(t)
		if got := rec.Severity(); got != tt.want {
			t.Errorf("%s severity = %v, want %v", tt.eventType, got, tt.want)
		}
	}
}

func TestEmit_SparseEvent(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap)
	before := time.Now().UTC()
	if err := em.Emit(context.Background(), &domain.Event{EventType: "ping"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	rec := cap.last(t)
	if !rec.Body().Empty() {
		t.Error("body should be empty without metadata")
	}
	if rec.Timestamp().Before(before) {
		t.Errorf("timestamp = %v, want now", rec.Timestamp())
	}
	attrs := attributes(rec)
	if len(attrs) != 1 || attrs["session_authority.event_type"] != "ping" {
		t.Errorf("attributes = %v", attrs)
	}
}
