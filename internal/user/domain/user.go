package domain

import "time"

// User is the account record carrying the denormalized session counter.
// ActiveSessions is a cache of the number of active session records and may drift until reconciled.
type User struct {
	ID             string
	Email          string
	DisplayName    string
	ActiveSessions int
	RedFlag        bool
	RedFlagReason  string
	LastLoginIP    string
	LastLoginTime  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
