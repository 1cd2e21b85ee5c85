// Package consumer drains session events from Kafka into Loki and the events table.
package consumer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"session-authority/internal/logging"
	"session-authority/internal/telemetry/domain"
	"session-authority/internal/telemetry/repository"
)

const pushTimeout = 10 * time.Second

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// LogPusher ships a raw event line to a log store (e.g. the Loki client).
type LogPusher interface {
	PushEventJSON(ctx context.Context, rawJSON []byte) error
}

// Consumer reads events from one topic. Each sink is optional; failures in a sink are logged and the
// message is still committed, so one bad sink cannot stall the topic.
type Consumer struct {
	reader messageReader
	loki   LogPusher
	events repository.Sink
	log    logrus.FieldLogger
}

// NewKafkaConsumer returns a consumer for topic in consumer group groupID.
func NewKafkaConsumer(brokers []string, topic, groupID string, loki LogPusher, events repository.Sink, log logrus.FieldLogger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  time.Second,
	})
	return newConsumer(reader, loki, events, log)
}

func newConsumer(r messageReader, loki LogPusher, events repository.Sink, log logrus.FieldLogger) *Consumer {
	if log == nil {
		log = logging.Discard()
	}
	return &Consumer{reader: r, loki: loki, events: events, log: log}
}

// Run consumes until ctx is cancelled. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.WithError(err).Warn("consumer: kafka read error")
			continue
		}
		c.handle(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.WithError(err).WithField("offset", msg.Offset).Warn("consumer: commit failed")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	if c.loki != nil {
		if err := c.loki.PushEventJSON(pushCtx, msg.Value); err != nil {
			c.log.WithError(err).Warn("consumer: loki push failed")
		}
	}
	if c.events == nil {
		return
	}
	var ev domain.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil || ev.EventType == "" {
		c.log.WithField("offset", msg.Offset).Warn("consumer: skipping malformed event")
		return
	}
	ev.ID = 0
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = msg.Time.UTC()
	}
	if err := c.events.Save(pushCtx, &ev); err != nil {
		c.log.WithError(err).WithField("event_type", ev.EventType).Warn("consumer: save event failed")
	}
}

// Close closes the Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
