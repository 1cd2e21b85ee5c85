package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"session-authority/internal/logging"
	"session-authority/internal/telemetry/domain"
)

// emitTimeout bounds one background emit. Request cancellation does not shorten it.
const emitTimeout = 5 * time.Second

// DefaultMaxInFlight caps concurrent background emits per Dispatcher.
const DefaultMaxInFlight = 256

// ErrBacklogFull is returned by Dispatcher.Emit when the event was dropped.
var ErrBacklogFull = errors.New("telemetry: emit backlog full")

// Dispatcher emits events in the background so admission and heartbeat latency never include the
// event sinks. Events beyond maxInFlight are dropped; Drain waits for the rest at shutdown.
type Dispatcher struct {
	next  EventEmitter
	slots chan struct{}
	wg    sync.WaitGroup
	log   logrus.FieldLogger
}

// NewDispatcher wraps next. maxInFlight <= 0 selects DefaultMaxInFlight.
func NewDispatcher(next EventEmitter, maxInFlight int, log logrus.FieldLogger) *Dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Dispatcher{next: next, slots: make(chan struct{}, maxInFlight), log: log}
}

// Emit stamps CreatedAt and hands the event to a goroutine. It only fails when the backlog is full.
func (d *Dispatcher) Emit(_ context.Context, event *domain.Event) error {
	if d.next == nil || event == nil {
		return nil
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	select {
	case d.slots <- struct{}{}:
	default:
		d.log.WithField("event_type", event.EventType).Warn("telemetry: backlog full, event dropped")
		return ErrBacklogFull
	}
	d.wg.Add(1)
	go func() {
		defer func() {
			<-d.slots
			d.wg.Done()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := d.next.Emit(ctx, event); err != nil {
			d.log.WithError(err).WithField("event_type", event.EventType).Warn("telemetry: emit failed")
		}
	}()
	return nil
}

// Drain blocks until every accepted event has been emitted or ctx ends.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EmitAsync emits without blocking the caller. A Dispatcher already runs in the background; any
// other emitter gets a detached goroutine of its own. Errors are logged, never returned.
func EmitAsync(emitter EventEmitter, ctx context.Context, event *domain.Event) {
	if emitter == nil || event == nil {
		return
	}
	if d, ok := emitter.(*Dispatcher); ok {
		_ = d.Emit(ctx, event)
		return
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	go func() {
		emitCtx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := emitter.Emit(emitCtx, event); err != nil {
			logrus.WithError(err).WithField("event_type", event.EventType).Warn("telemetry: async emit failed")
		}
	}()
}
