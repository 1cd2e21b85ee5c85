package service

import (
	"errors"
	"fmt"
)

// The three named outcomes are non-retriable; transports surface them distinctly.
var (
	// ErrDeviceBlocked means the device is on the blocked list or denied by device policy.
	ErrDeviceBlocked = errors.New("device is blocked")
	// ErrSessionRevoked means the device's session was ended elsewhere; the client must sign in again.
	ErrSessionRevoked = errors.New("session was revoked")
	// ErrDeviceLimit means the account already has the maximum number of active devices.
	ErrDeviceLimit = errors.New("device limit reached")

	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrSessionNotFound is returned by Revoke for an unknown record id.
	ErrSessionNotFound = errors.New("session not found")
)

// DeviceLimitError carries the ceiling so callers can tell the user how many devices are allowed.
type DeviceLimitError struct {
	MaxDevices     int
	ActiveSessions int
	// RecordID is the blocked audit record written for the attempt; empty if the write failed.
	RecordID string
}

func (e *DeviceLimitError) Error() string {
	return fmt.Sprintf("device limit reached: %d of %d devices active", e.ActiveSessions, e.MaxDevices)
}

// Is makes errors.Is(err, ErrDeviceLimit) true.
func (e *DeviceLimitError) Is(target error) bool {
	return target == ErrDeviceLimit
}

// BlockedError carries the reasons a device was denied.
type BlockedError struct {
	Reasons []string
}

func (e *BlockedError) Error() string {
	if len(e.Reasons) == 0 {
		return ErrDeviceBlocked.Error()
	}
	return fmt.Sprintf("%s: %s", ErrDeviceBlocked.Error(), e.Reasons[0])
}

// Is makes errors.Is(err, ErrDeviceBlocked) true.
func (e *BlockedError) Is(target error) bool {
	return target == ErrDeviceBlocked
}
