// Package domain holds the request and outcome types of the session authority.
package domain

import (
	devicedomain "session-authority/internal/device/domain"
	"session-authority/internal/geo"
	identitydomain "session-authority/internal/identity/domain"
	sessiondomain "session-authority/internal/session/domain"
)

// DefaultMaxDevices is the ceiling of concurrently active sessions per account.
const DefaultMaxDevices = 3

// Outcome is the successful result of an admission.
type Outcome string

const (
	// OutcomeAttachActive means the device already held an active session, which was touched.
	OutcomeAttachActive Outcome = "attach_active"
	// OutcomeAdmitted means a new active session was created.
	OutcomeAdmitted Outcome = "admitted"
)

// AdmitRequest is one login or background liveness check.
type AdmitRequest struct {
	User   identitydomain.Identity
	Device devicedomain.Identity
	// ClientIP is the requester address seen by the transport; empty resolves the caller's own address.
	ClientIP string `validate:"omitempty,ip|eq=unknown"`
	// AutoCheck marks a background check rather than a fresh login. An inactive session then means revocation.
	AutoCheck bool
}

// Admission describes a successful admission.
type Admission struct {
	Outcome Outcome
	Record  sessiondomain.Record
	// Recovered is set when the session was found through the fingerprint after the device id was lost.
	Recovered bool
	// ActiveSessions is the reconciled count before a new session was created; zero on attach.
	ActiveSessions int
	Geo            geo.Info
}

// Status is what a watcher reports about the current device's session.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)
