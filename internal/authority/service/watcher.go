package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	authoritydomain "session-authority/internal/authority/domain"
	sessiondomain "session-authority/internal/session/domain"
	sessionrepo "session-authority/internal/session/repository"
)

// Watch subscribes to the (userID, deviceID) session lineage and calls onStatusChange after every
// change with the status of the most recent record. Permission errors from the store are expected
// once the session is logged out and are dropped silently. The subscription ends when stop is called
// or ctx is done; stop may be called from inside onStatusChange and more than once.
func (s *Service) Watch(ctx context.Context, userID, deviceID string, onStatusChange func(authoritydomain.Status)) (stop func(), err error) {
	if userID == "" || deviceID == "" {
		return nil, fmt.Errorf("%w: user id and device id are required", ErrInvalidRequest)
	}
	ctx, cancel := context.WithCancel(ctx)
	updates, err := s.sessions.Subscribe(ctx, userID, deviceID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	log := s.log.WithFields(logrus.Fields{"user_id": userID, "device_id": deviceID})
	s.metrics.watching(ctx, 1)

	go func() {
		defer s.metrics.watching(context.Background(), -1)
		for snap := range updates {
			if ctx.Err() != nil {
				continue
			}
			if snap.Err != nil {
				if !errors.Is(snap.Err, sessionrepo.ErrPermissionDenied) {
					log.WithError(snap.Err).Warn("authority: session watch error")
				}
				continue
			}
			status, ok := s.statusOf(snap.Records)
			if !ok {
				continue
			}
			onStatusChange(status)
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

// statusOf reports the status of the most recent record; false when there is none.
func (s *Service) statusOf(records []sessiondomain.Record) (authoritydomain.Status, bool) {
	latest := sessiondomain.MostRecent(records, s.now())
	if latest == nil {
		return "", false
	}
	if latest.Revoked() {
		return authoritydomain.StatusRevoked, true
	}
	return authoritydomain.StatusActive, true
}

// Status reads the current status of the (userID, deviceID) lineage once. A lineage with no records
// reports revoked.
func (s *Service) Status(ctx context.Context, userID, deviceID string) (authoritydomain.Status, error) {
	records, err := s.sessions.FindByUserAndDevice(ctx, userID, deviceID)
	if err != nil {
		if errors.Is(err, sessionrepo.ErrPermissionDenied) {
			return authoritydomain.StatusRevoked, nil
		}
		return "", err
	}
	status, ok := s.statusOf(records)
	if !ok {
		return authoritydomain.StatusRevoked, nil
	}
	return status, nil
}
