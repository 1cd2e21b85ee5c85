package repository

import (
	"context"
	"errors"

	"session-authority/internal/session/domain"
)

// ErrPermissionDenied is returned (or pushed on a subscription) when the store refuses access to the
// records, which is the expected state of a subscription after its session was logged out.
var ErrPermissionDenied = errors.New("session store: permission denied")

// ErrBlockedActive is returned when a write would leave a blocked record active.
var ErrBlockedActive = errors.New("session store: blocked record cannot be active")

// Repository defines persistence for session records. Implementations do not promise read-after-write
// visibility across calls.
type Repository interface {
	// GetByID returns the record for id, or nil if not found.
	GetByID(ctx context.Context, id string) (*domain.Record, error)
	// FindActiveByUser returns all records for userID with IsActive set.
	FindActiveByUser(ctx context.Context, userID string) ([]domain.Record, error)
	// FindByUserAndDevice returns every record of the (userID, deviceID) lineage in no particular order.
	FindByUserAndDevice(ctx context.Context, userID, deviceID string) ([]domain.Record, error)
	// Create persists r with server-assigned LoginTime and LastActive and returns the new id.
	Create(ctx context.Context, r *domain.Record) (string, error)
	// Update applies p to the record with id as a single-document write.
	Update(ctx context.Context, id string, p domain.Patch) error
	// Subscribe pushes the current (userID, deviceID) records once and again after every change
	// until ctx is done. The channel is closed when the subscription ends.
	Subscribe(ctx context.Context, userID, deviceID string) (<-chan domain.Snapshot, error)
}
