// Package producer publishes session lifecycle events to a broker.
package producer

import (
	"github.com/segmentio/kafka-go"

	"session-authority/internal/telemetry"
	"session-authority/internal/telemetry/domain"
)

// Message headers set on every event so consumers can route without decoding the value.
const (
	HeaderEventType = "event_type"
	HeaderSource    = "source"
	HeaderDeviceID  = "device_id"
)

// Producer emits session events and owns the broker connection.
type Producer interface {
	telemetry.EventEmitter
	Close() error
}

var _ Producer = (*KafkaProducer)(nil)

// partitionKey keeps one user's events in order: admissions and logouts share the counter.
func partitionKey(event *domain.Event) []byte {
	if event.UserID == "" {
		return nil
	}
	return []byte(event.UserID)
}

func headers(event *domain.Event) []kafka.Header {
	hs := []kafka.Header{
		{Key: HeaderEventType, Value: []byte(event.EventType)},
		{Key: HeaderSource, Value: []byte(event.Source)},
	}
	if event.DeviceID != "" {
		hs = append(hs, kafka.Header{Key: HeaderDeviceID, Value: []byte(event.DeviceID)})
	}
	return hs
}
