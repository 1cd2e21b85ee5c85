package domain

import "time"

// Policy is an operator-supplied Rego module layered over the built-in device policy. Rules
// declare package session_authority.device and can only add deny and reasons rules.
type Policy struct {
	ID        string
	Name      string
	Rules     string
	Enabled   bool
	CreatedAt time.Time
}

// Active reports whether the policy takes part in admission decisions.
func (p *Policy) Active() bool {
	return p != nil && p.Enabled && p.Rules != ""
}

// ModuleName is the Rego module file name the policy is compiled under.
func (p *Policy) ModuleName() string {
	return "policy_" + p.ID + ".rego"
}
