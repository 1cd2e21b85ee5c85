package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	auditdomain "session-authority/internal/audit/domain"
	sessiondomain "session-authority/internal/session/domain"
	telemetrydomain "session-authority/internal/telemetry/domain"
)

// Logout deactivates the device's active session, stamps loggedOutAt and decrements the account
// counter. It is best-effort: failures are logged and the caller signs out locally regardless.
// The client's device id is left untouched.
func (s *Service) Logout(ctx context.Context, userID, deviceID string) {
	log := s.log.WithFields(logrus.Fields{"user_id": userID, "device_id": deviceID})
	if userID == "" || deviceID == "" {
		log.Warn("authority: logout without user or device id ignored")
		return
	}
	ctx, span := s.tracer.Start(ctx, "authority.Logout")
	defer span.End()

	rec, err := s.currentActive(ctx, userID, deviceID)
	if err != nil {
		log.WithError(err).Warn("authority: logout lookup failed")
		return
	}
	if rec == nil {
		log.Debug("authority: logout found no active session")
		return
	}
	if err := s.deactivate(ctx, log, rec); err != nil {
		return
	}
	s.metrics.add(ctx, s.metrics.logouts, 1)
	s.auditEvent(ctx, userID, auditdomain.ActionLogout, auditdomain.ResourceSession, map[string]any{"session_id": rec.ID, "device_id": deviceID})
	s.emit(ctx, telemetrydomain.EventSessionLoggedOut, userID, deviceID, rec.ID, nil)
}

// Revoke ends the session with recordID on behalf of revokedBy. The device's watcher sees the change
// and its next auto-check admission fails with ErrSessionRevoked. Revoking an inactive session is a no-op.
func (s *Service) Revoke(ctx context.Context, recordID, revokedBy string) (*sessiondomain.Record, error) {
	rec, err := s.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if !rec.IsActive {
		return rec, nil
	}
	log := s.log.WithFields(logrus.Fields{"user_id": rec.UserID, "device_id": rec.DeviceID, "revoked_by": revokedBy})
	if err := s.deactivate(ctx, log, rec); err != nil {
		return nil, err
	}
	rec.IsActive = false
	rec.LoggedOutAt = sessiondomain.PendingTimestamp()
	log.WithField("session_id", rec.ID).Info("authority: session revoked")
	s.auditEvent(ctx, revokedBy, auditdomain.ActionRevoke, auditdomain.ResourceSession, map[string]any{"session_id": rec.ID, "user_id": rec.UserID, "device_id": rec.DeviceID})
	s.emit(ctx, telemetrydomain.EventSessionRevoked, rec.UserID, rec.DeviceID, rec.ID, map[string]any{"revoked_by": revokedBy})
	return rec, nil
}

// Get returns the session record with recordID, or ErrSessionNotFound.
func (s *Service) Get(ctx context.Context, recordID string) (*sessiondomain.Record, error) {
	rec, err := s.sessions.GetByID(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if rec == nil {
		return nil, ErrSessionNotFound
	}
	return rec, nil
}

// ListActive returns userID's active sessions.
func (s *Service) ListActive(ctx context.Context, userID string) ([]sessiondomain.Record, error) {
	return s.sessions.FindActiveByUser(ctx, userID)
}

func (s *Service) deactivate(ctx context.Context, log logrus.FieldLogger, rec *sessiondomain.Record) error {
	err := s.sessions.Update(ctx, rec.ID, sessiondomain.Patch{
		IsActive:    sessiondomain.Bool(false),
		StampLogout: true,
	})
	if err != nil {
		log.WithError(err).WithField("session_id", rec.ID).Warn("authority: deactivate failed")
		return fmt.Errorf("deactivate session: %w", err)
	}
	if err := s.accounts.IncrementActiveSessions(ctx, rec.UserID, -1); err != nil {
		log.WithError(err).Warn("authority: counter decrement failed; next reconcile corrects it")
	}
	return nil
}
