package domain

import (
	"time"

	devicedomain "session-authority/internal/device/domain"
)

// Record is one device's login lineage for one account. A record is updated in place while it is
// active; a login after it went inactive creates a new record. Blocked records are audit-only and
// never become active.
type Record struct {
	ID string `json:"id"`

	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`

	DeviceID            string `json:"device_id"`
	DeviceFingerprint   string `json:"device_fingerprint"`
	RecoveryFingerprint string `json:"recovery_fingerprint,omitempty"`

	IP      string `json:"ip"`
	City    string `json:"city"`
	Country string `json:"country"`
	Region  string `json:"region"`

	Metadata devicedomain.Metadata `json:"metadata"`

	LoginTime   Timestamp `json:"login_time"`
	LastActive  Timestamp `json:"last_active"`
	LoggedOutAt Timestamp `json:"logged_out_at"`

	IsActive         bool   `json:"is_active"`
	IsBlocked        bool   `json:"is_blocked"`
	BlockReason      string `json:"block_reason,omitempty"`
	IsRedFlagSession bool   `json:"is_red_flag_session"`
}

// Revoked reports whether the record no longer represents a live session.
func (r *Record) Revoked() bool {
	return r.IsBlocked || !r.IsActive
}

// Patch is a single-document field update. Nil fields are left unchanged.
// LastActive and LoggedOutAt are stamped by the store with server time when their Touch/Stamp flag is set.
type Patch struct {
	IsActive    *bool
	DeviceID    *string
	IP          *string
	City        *string
	Country     *string
	Region      *string
	TouchActive bool
	StampLogout bool
}

// Snapshot is one push from a change subscription: the current records matching the query.
// Err is set when the subscription observed an error (e.g. the records became inaccessible).
type Snapshot struct {
	Records []Record
	Err     error
}

// MostRecent returns the record with the greatest LoginTime, or nil for an empty slice.
// Pending login times order as now; ties keep the first record seen.
func MostRecent(records []Record, now time.Time) *Record {
	var best *Record
	for i := range records {
		r := &records[i]
		if best == nil || r.LoginTime.Compare(best.LoginTime, now) > 0 {
			best = r
		}
	}
	return best
}

// Bool returns a pointer to b, for building patches.
func Bool(b bool) *bool { return &b }

// String returns a pointer to s, for building patches.
func String(s string) *string { return &s }
