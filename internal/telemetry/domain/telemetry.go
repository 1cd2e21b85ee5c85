package domain

import (
	"encoding/json"
	"time"
)

// Event types emitted by the session authority.
const (
	EventSessionAdmitted   = "session_admitted"
	EventSessionAttached   = "session_attached"
	EventSessionBlocked    = "session_blocked"
	EventSessionRevoked    = "session_revoked"
	EventSessionLoggedOut  = "session_logged_out"
	EventCounterReconciled = "counter_reconciled"
	EventGRPCRequest       = "grpc_request"
)

// Event is a session lifecycle event. It is the JSON value of each Kafka message and the Loki log line.
type Event struct {
	ID        int64           `json:"id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	DeviceID  string          `json:"device_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	EventType string          `json:"event_type"`
	Source    string          `json:"source"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
