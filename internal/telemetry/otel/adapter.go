package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"session-authority/internal/telemetry"
	"session-authority/internal/telemetry/domain"
)

// EventScope is the instrumentation scope of session event log records.
const EventScope = "session_authority.events"

// recordEmitter is the part of an OTel logger the emitter needs.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewEventEmitter returns an EventEmitter that writes session events as OTel log records. A nil
// provider gives a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: provider.Logger(EventScope)}
}

// NewEventEmitterWithLogger returns an emitter writing to logger.
func NewEventEmitterWithLogger(logger recordEmitter) telemetry.EventEmitter {
	return &otelEmitter{logger: logger}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *domain.Event) error { return nil }

type otelEmitter struct {
	logger recordEmitter
}

// severityOf ranks refusals and revocations above routine lifecycle events.
func severityOf(eventType string) otellog.Severity {
	switch eventType {
	case domain.EventSessionBlocked, domain.EventSessionRevoked:
		return otellog.SeverityWarn
	case domain.EventCounterReconciled, domain.EventGRPCRequest:
		return otellog.SeverityDebug
	default:
		return otellog.SeverityInfo
	}
}

func (e *otelEmitter) Emit(ctx context.Context, event *domain.Event) error {
	if event == nil {
		return nil
	}
	var rec otellog.Record
	ts := event.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetObservedTimestamp(time.Now().UTC())
	rec.SetEventName(event.EventType)
	sev := severityOf(event.EventType)
	rec.SetSeverity(sev)
	rec.SetSeverityText(sev.String())
	if len(event.Metadata) > 0 {
		rec.SetBody(otellog.StringValue(string(event.Metadata)))
	}

	attrs := make([]otellog.KeyValue, 0, 5)
	for _, kv := range [...]struct{ key, value string }{
		{"session_authority.user_id", event.UserID},
		{"session_authority.device_id", event.DeviceID},
		{"session_authority.session_id", event.SessionID},
		{"session_authority.event_type", event.EventType},
		{"session_authority.source", event.Source},
	} {
		if kv.value != "" {
			attrs = append(attrs, otellog.String(kv.key, kv.value))
		}
	}
	rec.AddAttributes(attrs...)
	e.logger.Emit(ctx, rec)
	return nil
}
