package repository

import (
	"context"

	"session-authority/internal/user/domain"
)

// Repository defines persistence for account counters. Writes create the account row on first use.
type Repository interface {
	// GetByID returns the account for id, or nil if not found.
	GetByID(ctx context.Context, id string) (*domain.User, error)
	// SetActiveSessions overwrites the cached counter.
	SetActiveSessions(ctx context.Context, userID string, n int) error
	// IncrementActiveSessions atomically adds delta to the cached counter.
	IncrementActiveSessions(ctx context.Context, userID string, delta int) error
	// MarkRedFlag sets the red flag with a reason.
	MarkRedFlag(ctx context.Context, userID, reason string) error
	// RecordLogin stores the last login ip and server time, refreshing the email/display name snapshot.
	RecordLogin(ctx context.Context, userID, email, displayName, ip string) error
}
