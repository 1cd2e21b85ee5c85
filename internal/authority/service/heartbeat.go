package service

import (
	"context"
	"errors"
	"fmt"

	sessiondomain "session-authority/internal/session/domain"
	sessionrepo "session-authority/internal/session/repository"
)

// Heartbeat touches lastActive on the current active record of (userID, deviceID). It never creates
// records or changes isActive, and is a no-op when no active record exists.
func (s *Service) Heartbeat(ctx context.Context, userID, deviceID string) error {
	if userID == "" || deviceID == "" {
		return fmt.Errorf("%w: user id and device id are required", ErrInvalidRequest)
	}
	rec, err := s.currentActive(ctx, userID, deviceID)
	if err != nil {
		if errors.Is(err, sessionrepo.ErrPermissionDenied) {
			return nil
		}
		return err
	}
	if rec == nil {
		return nil
	}
	if err := s.sessions.Update(ctx, rec.ID, sessiondomain.Patch{TouchActive: true}); err != nil {
		if errors.Is(err, sessionrepo.ErrPermissionDenied) {
			return nil
		}
		return fmt.Errorf("touch session: %w", err)
	}
	s.metrics.add(ctx, s.metrics.heartbeats, 1)
	return nil
}

// currentActive returns the most recent active record of the lineage, or nil.
func (s *Service) currentActive(ctx context.Context, userID, deviceID string) (*sessiondomain.Record, error) {
	records, err := s.sessions.FindByUserAndDevice(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	active := records[:0]
	for _, r := range records {
		if r.IsActive && !r.IsBlocked {
			active = append(active, r)
		}
	}
	return sessiondomain.MostRecent(active, s.now()), nil
}
