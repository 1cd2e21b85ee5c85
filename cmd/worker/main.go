// Worker consumes session events from Kafka, pushes them to Loki and stores them in the events table.
// Set KAFKA_BROKERS and at least one of LOKI_URL or DATABASE_URL.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	"session-authority/internal/config"
	"session-authority/internal/db"
	"session-authority/internal/logging"
	"session-authority/internal/telemetry/consumer"
	"session-authority/internal/telemetry/loki"
	"session-authority/internal/telemetry/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").WithError(err).Fatal("config")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 {
		log.Fatal("worker: KAFKA_BROKERS is required")
	}
	if cfg.LokiURL == "" && cfg.DatabaseURL == "" {
		log.Fatal("worker: LOKI_URL or DATABASE_URL is required")
	}

	var pusher consumer.LogPusher
	if cfg.LokiURL != "" {
		pusher = loki.NewClient(cfg.LokiURL, nil)
	}
	var events repository.Sink
	var conn *sql.DB
	if cfg.DatabaseURL != "" {
		conn, err = db.Open(cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("worker: database")
		}
		defer conn.Close()
		events = repository.NewPostgresRepository(conn)
	}

	c := consumer.NewKafkaConsumer(brokers, cfg.SessionEventsTopic, cfg.KafkaGroupID, pusher, events, log)
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithField("topic", cfg.SessionEventsTopic).
		WithField("group", cfg.KafkaGroupID).
		WithField("loki", cfg.LokiURL != "").
		WithField("store", conn != nil).
		Info("worker: consuming")
	if err := c.Run(ctx); err != nil {
		log.WithError(err).Error("worker: stopped with error")
		return
	}
	log.Info("worker: stopped")
}
