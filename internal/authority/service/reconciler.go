package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	telemetrydomain "session-authority/internal/telemetry/domain"
)

// Reconcile counts userID's active session records and overwrites the cached counter with that value.
// It returns the true count. A failed counter write is returned as an error alongside the count.
func (s *Service) Reconcile(ctx context.Context, userID string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "authority.Reconcile", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	n, err := s.countActive(ctx, userID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	if err := s.writeCounter(ctx, userID, n); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return n, err
	}
	span.SetAttributes(attribute.Int("sessions.active", n))
	return n, nil
}

func (s *Service) countActive(ctx context.Context, userID string) (int, error) {
	active, err := s.sessions.FindActiveByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("find active sessions: %w", err)
	}
	return len(active), nil
}

// writeCounter stores n unconditionally. The previous value is read only to report drift.
func (s *Service) writeCounter(ctx context.Context, userID string, n int) error {
	var (
		cached int
		known  bool
	)
	if u, err := s.accounts.GetByID(ctx, userID); err == nil && u != nil {
		cached, known = u.ActiveSessions, true
	}
	if err := s.accounts.SetActiveSessions(ctx, userID, n); err != nil {
		return fmt.Errorf("set active sessions: %w", err)
	}
	if known && cached != n {
		s.metrics.add(ctx, s.metrics.drift, 1)
		s.log.WithFields(logrus.Fields{"user_id": userID, "cached": cached, "actual": n}).
			Info("authority: corrected active session counter")
		s.emit(ctx, telemetrydomain.EventCounterReconciled, userID, "", "", map[string]any{"cached": cached, "actual": n})
	}
	return nil
}
