package domain

import "time"

// Resources named in audit entries.
const (
	ResourceSession = "session"
	ResourceDevice  = "device"
	ResourcePolicy  = "policy"
)

// Actions recorded by the authority itself. RPC-level entries use the verb derived from the method.
const (
	ActionAdmit        = "admit"
	ActionAdmitBlocked = "admit_blocked"
	ActionAdmitLimit   = "admit_limit"
	ActionRecover      = "recover"
	ActionLogout       = "logout"
	ActionRevoke       = "revoke"
	ActionBlock        = "block"
	ActionUnblock      = "unblock"
	ActionCreate       = "create"
	ActionEnable       = "enable"
	ActionDisable      = "disable"
	ActionDelete       = "delete"
)

// MaxMetadataLen caps the stored metadata; longer values are cut.
const MaxMetadataLen = 4096

// AuditLog is one audit entry. UserID is the acting user: the account owner for admissions and
// logouts, the admin for block and revoke. Metadata is usually a JSON object.
type AuditLog struct {
	ID        string
	UserID    string
	Action    string
	Resource  string
	IP        string
	Metadata  string
	CreatedAt time.Time
}

// Refusal reports whether the entry records a refused admission.
func (a *AuditLog) Refusal() bool {
	return a.Action == ActionAdmitBlocked || a.Action == ActionAdmitLimit
}
