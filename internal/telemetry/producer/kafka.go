package producer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"session-authority/internal/logging"
	"session-authority/internal/telemetry/domain"
)

const writeTimeout = 5 * time.Second

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer implements Producer using segmentio/kafka-go.
type KafkaProducer struct {
	writer messageWriter
	topic  string
	log    logrus.FieldLogger
}

// NewKafkaProducer creates a producer that writes events to topic. Returns nil when brokers or topic is
// empty so callers can treat Kafka as optional.
func NewKafkaProducer(brokers []string, topic string, log logrus.FieldLogger) *KafkaProducer {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafkaProducer(writer, topic, log)
}

func newKafkaProducer(w messageWriter, topic string, log logrus.FieldLogger) *KafkaProducer {
	if log == nil {
		log = logging.Discard()
	}
	return &KafkaProducer{writer: w, topic: topic, log: log}
}

// Emit writes the event as JSON, keyed by user id.
func (p *KafkaProducer) Emit(ctx context.Context, event *domain.Event) error {
	if p == nil || p.writer == nil || event == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	msg := kafka.Message{Key: partitionKey(event), Value: payload, Headers: headers(event)}
	if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
		p.log.WithError(err).WithField("topic", p.topic).Warn("telemetry: kafka emit failed")
		return err
	}
	return nil
}

// Close closes the Kafka writer. Safe to call on a nil producer.
func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
