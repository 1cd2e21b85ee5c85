package domain

import (
	"encoding/json"
	"time"
)

// TimestampState says whether a server-assigned timestamp is known.
type TimestampState int

const (
	// Absent means the field was never written.
	Absent TimestampState = iota
	// Pending means a server timestamp was requested but the write has not been observed yet.
	Pending
	// Resolved means the server time is known.
	Resolved
)

// Timestamp is a server-assigned time that may still be propagating through the store.
//
// Ordering rules: Resolved compares by its time, Pending compares as "now" (a write still in flight
// is never older than it is), Absent compares as the zero instant (older than everything).
type Timestamp struct {
	state TimestampState
	t     time.Time
}

// At returns a resolved timestamp.
func At(t time.Time) Timestamp {
	return Timestamp{state: Resolved, t: t.UTC()}
}

// PendingTimestamp returns a timestamp whose server value is not yet known.
func PendingTimestamp() Timestamp {
	return Timestamp{state: Pending}
}

// State returns the timestamp state.
func (ts Timestamp) State() TimestampState {
	return ts.state
}

// IsResolved reports whether the server time is known.
func (ts Timestamp) IsResolved() bool {
	return ts.state == Resolved
}

// Time returns the resolved time and true, or the zero time and false.
func (ts Timestamp) Time() (time.Time, bool) {
	if ts.state != Resolved {
		return time.Time{}, false
	}
	return ts.t, true
}

// Effective returns the instant used for ordering, with now standing in for a pending write.
func (ts Timestamp) Effective(now time.Time) time.Time {
	switch ts.state {
	case Resolved:
		return ts.t
	case Pending:
		return now
	default:
		return time.Time{}
	}
}

// Compare returns -1, 0 or +1 as ts orders before, equal to or after other, evaluated at now.
func (ts Timestamp) Compare(other Timestamp, now time.Time) int {
	return ts.Effective(now).Compare(other.Effective(now))
}

// Ptr returns a pointer to the resolved time, or nil. Used by SQL repositories.
func (ts Timestamp) Ptr() *time.Time {
	if ts.state != Resolved {
		return nil
	}
	t := ts.t
	return &t
}

// FromPtr maps a nullable time to Resolved or Absent.
func FromPtr(t *time.Time) Timestamp {
	if t == nil {
		return Timestamp{}
	}
	return At(*t)
}

// MarshalJSON encodes Resolved as RFC3339Nano, Pending as "pending" and Absent as null.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	switch ts.state {
	case Resolved:
		return json.Marshal(ts.t.Format(time.RFC3339Nano))
	case Pending:
		return json.Marshal("pending")
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	var s *string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch {
	case s == nil:
		*ts = Timestamp{}
	case *s == "pending":
		*ts = PendingTimestamp()
	default:
		t, err := time.Parse(time.RFC3339Nano, *s)
		if err != nil {
			return err
		}
		*ts = At(t)
	}
	return nil
}
