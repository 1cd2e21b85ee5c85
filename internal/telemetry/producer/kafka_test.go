package producer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"

	"session-authority/internal/telemetry/domain"
)

type memWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *memWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error {
	w.closed = true
	return nil
}

func TestNewKafkaProducer_Disabled(t *testing.T) {
	if p := NewKafkaProducer(nil, "events", nil); p != nil {
		t.Error("no brokers should disable the producer")
	}
	if p := NewKafkaProducer([]string{"localhost:9092"}, "", nil); p != nil {
		t.Error("empty topic should disable the producer")
	}
	var p *KafkaProducer
	if err := p.Emit(context.Background(), &domain.Event{}); err != nil {
		t.Errorf("nil producer Emit: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("nil producer Close: %v", err)
	}
}

func TestKafkaProducer_EmitKeysByUser(t *testing.T) {
	w := &memWriter{}
	p := newKafkaProducer(w, "session-events", nil)
	ev := &domain.Event{UserID: "u1", DeviceID: "d1", EventType: domain.EventSessionAdmitted, Source: "authority"}
	if err := p.Emit(context.Background(), ev); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "u1" {
		t.Errorf("key = %q, want %q", w.msgs[0].Key, "u1")
	}
	var got domain.Event
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.EventType != domain.EventSessionAdmitted || got.DeviceID != "d1" {
		t.Errorf("payload = %+v", got)
	}
	hs := map[string]string{}
	for _, h := range w.msgs[0].Headers {
		hs[h.Key] = string(h.Value)
	}
	if hs[HeaderEventType] != domain.EventSessionAdmitted || hs[HeaderSource] != "authority" || hs[HeaderDeviceID] != "d1" {
		t.Errorf("headers = %v", hs)
	}
	if err := p.Close(); err != nil || !w.closed {
		t.Errorf("Close: err=%v closed=%v", err, w.closed)
	}
}

func TestKafkaProducer_EmitError(t *testing.T) {
	w := &memWriter{err: errors.New("broker down")}
	p := newKafkaProducer(w, "session-events", nil)
	if err := p.Emit(context.Background(), &domain.Event{EventType: "x"}); err == nil {
		t.Error("Emit should return the write error")
	}
}

func TestPartitionKey_Anonymous(t *testing.T) {
	if k := partitionKey(&domain.Event{EventType: domain.EventGRPCRequest}); k != nil {
		t.Errorf("key = %q, want nil", k)
	}
	if hs := headers(&domain.Event{EventType: "x", Source: "s"}); len(hs) != 2 {
		t.Errorf("headers = %v, want no device_id header", hs)
	}
}
