package repository

import (
	"context"

	"session-authority/internal/device/domain"
)

// Repository defines persistence for the global blocked-device list.
type Repository interface {
	// IsBlocked reports whether deviceID is on the list.
	IsBlocked(ctx context.Context, deviceID string) (bool, error)
	// Get returns the entry for deviceID, or nil if the device is not blocked.
	Get(ctx context.Context, deviceID string) (*domain.BlockedDevice, error)
	// Block adds deviceID; blocking an already blocked device updates the reason.
	Block(ctx context.Context, deviceID, reason, blockedBy string) error
	// Unblock removes deviceID. Unblocking an unknown device is not an error.
	Unblock(ctx context.Context, deviceID string) error
	List(ctx context.Context) ([]*domain.BlockedDevice, error)
}
