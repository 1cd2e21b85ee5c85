package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"session-authority/internal/telemetry/domain"
	"session-authority/internal/telemetry/repository"
)

// memReader serves queued messages, then blocks until ctx is done.
type memReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	readErrs  int
	committed []int64
	drained   chan struct{}
}

func newMemReader(msgs ...kafka.Message) *memReader {
	return &memReader{queue: msgs, drained: make(chan struct{})}
}

func (r *memReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.readErrs > 0 {
		r.readErrs--
		r.mu.Unlock()
		return kafka.Message{}, errors.New("broker unavailable")
	}
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *memReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	if len(r.queue) == 0 {
		select {
		case <-r.drained:
		default:
			close(r.drained)
		}
	}
	return nil
}

func (r *memReader) Close() error { return nil }

type memPusher struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (p *memPusher) PushEventJSON(ctx context.Context, raw []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, string(raw))
	return p.err
}

func eventMessage(t *testing.T, offset int64, ev domain.Event) kafka.Message {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	return kafka.Message{Offset: offset, Value: b, Time: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func runUntilDrained(t *testing.T, c *Consumer, r *memReader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	select {
	case <-r.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain the queue")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestConsumer_PushesAndStores(t *testing.T) {
	reader := newMemReader(
		eventMessage(t, 1, domain.Event{ID: 99, UserID: "alice", DeviceID: "d1", EventType: domain.EventSessionAdmitted, Source: "authority"}),
		eventMessage(t, 2, domain.Event{UserID: "alice", EventType: domain.EventSessionLoggedOut, Source: "authority", CreatedAt: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)}),
	)
	reader.readErrs = 1
	loki := &memPusher{}
	events := repository.NewMemoryRepository()
	c := newConsumer(reader, loki, events, nil)

	runUntilDrained(t, c, reader)

	if len(loki.lines) != 2 {
		t.Errorf("loki lines = %d, want 2", len(loki.lines))
	}
	if len(reader.committed) != 2 {
		t.Errorf("committed = %v", reader.committed)
	}
	stored, _ := events.ListByUser(context.Background(), "alice", 10, 0)
	if len(stored) != 2 {
		t.Fatalf("stored = %d, want 2", len(stored))
	}
	// newest first
	if stored[0].EventType != domain.EventSessionLoggedOut {
		t.Errorf("stored[0] = %+v", stored[0])
	}
	admitted := stored[1]
	if admitted.ID == 99 || !admitted.CreatedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("admitted event = %+v, want repository id and message time", admitted)
	}
}

func TestConsumer_SinkFailuresStillCommit(t *testing.T) {
	reader := newMemReader(
		kafka.Message{Offset: 7, Value: []byte("not json")},
		eventMessage(t, 8, domain.Event{UserID: "bob", EventType: domain.EventSessionBlocked}),
	)
	loki := &memPusher{err: errors.New("loki down")}
	events := repository.NewMemoryRepository()
	c := newConsumer(reader, loki, events, nil)

	runUntilDrained(t, c, reader)

	if len(reader.committed) != 2 || reader.committed[0] != 7 {
		t.Errorf("committed = %v, want both offsets", reader.committed)
	}
	if stored, _ := events.ListByUser(context.Background(), "bob", 10, 0); len(stored) != 1 {
		t.Errorf("stored = %d, want 1", len(stored))
	}
}

func TestConsumer_OptionalSinks(t *testing.T) {
	reader := newMemReader(eventMessage(t, 1, domain.Event{EventType: domain.EventSessionRevoked}))
	c := newConsumer(reader, nil, nil, nil)
	runUntilDrained(t, c, reader)
	if len(reader.committed) != 1 {
		t.Errorf("committed = %v", reader.committed)
	}
}
