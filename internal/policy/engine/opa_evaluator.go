package engine

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/sirupsen/logrus"

	"session-authority/internal/logging"
	"session-authority/internal/policy/repository"
)

const policyQuery = "data.session_authority.device"

// defaultRegoPolicy denies exactly the devices on the blocked list. It is always loaded; additional
// modules in the same package can add deny rules and reasons but cannot lift this one.
const defaultRegoPolicy = `package session_authority.device

default deny := false

deny if {
	input.device.blocked
}

reasons contains "device is on the blocked list" if {
	input.device.blocked
}
`

// DeviceInput is what the policy sees about an admission attempt.
type DeviceInput struct {
	DeviceID    string
	Fingerprint string
	Blocked     bool
	UserID      string
	Email       string
	IP          string
	Country     string
}

// Decision is the policy outcome for one device.
type Decision struct {
	Deny    bool
	Reasons []string
}

// Evaluator decides whether a device may be admitted.
type Evaluator interface {
	EvaluateDevice(ctx context.Context, in DeviceInput) (Decision, error)
}

// OPAEvaluator evaluates device policies using OPA Rego: the built-in policy, an optional file module
// and the enabled policies from the repository.
type OPAEvaluator struct {
	policyRepo repository.Repository
	fileModule string
	log        logrus.FieldLogger
}

// NewOPAEvaluator returns an OPA-based evaluator. policyRepo may be nil.
func NewOPAEvaluator(policyRepo repository.Repository, log logrus.FieldLogger) *OPAEvaluator {
	if log == nil {
		log = logging.Discard()
	}
	return &OPAEvaluator{policyRepo: policyRepo, log: log}
}

// LoadFile adds the Rego module at path to every evaluation. The module is compiled once here so a
// broken file fails at startup rather than on every login.
func (e *OPAEvaluator) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	if err := Validate(string(b)); err != nil {
		return fmt.Errorf("policy file %s: %w", path, err)
	}
	e.fileModule = string(b)
	return nil
}

// Validate compiles rules alongside the built-in policy and reports whether they can be loaded.
func Validate(rules string) error {
	if _, err := ast.CompileModules(map[string]string{"default.rego": defaultRegoPolicy, "candidate.rego": rules}); err != nil {
		return fmt.Errorf("compile policy: %w", err)
	}
	return nil
}

// HealthCheck verifies that the in-process OPA Rego engine can compile and evaluate the built-in policy.
// Does not call the policy repo or database. Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	compiler, err := ast.CompileModules(map[string]string{"default.rego": defaultRegoPolicy})
	if err != nil {
		return fmt.Errorf("compile default policy: %w", err)
	}
	_, err = evaluate(ctx, compiler, buildInput(DeviceInput{}))
	return err
}

// EvaluateDevice evaluates the policy for in. When extra policies cannot be loaded or compiled the
// built-in policy alone decides; when evaluation itself fails the blocked flag decides and the
// error is returned for logging.
func (e *OPAEvaluator) EvaluateDevice(ctx context.Context, in DeviceInput) (Decision, error) {
	modules := map[string]string{"default.rego": defaultRegoPolicy}
	if e.fileModule != "" {
		modules["file.rego"] = e.fileModule
	}
	if e.policyRepo != nil {
		policies, err := e.policyRepo.ListEnabled(ctx)
		if err != nil {
			e.log.WithError(err).Warn("policy: failed to load policies; using built-in policy")
		}
		for _, p := range policies {
			if p.Active() {
				modules[p.ModuleName()] = p.Rules
			}
		}
	}

	compiler, err := ast.CompileModules(modules)
	if err != nil {
		e.log.WithError(err).Warn("policy: compile failed; using built-in policy")
		compiler, err = ast.CompileModules(map[string]string{"default.rego": defaultRegoPolicy})
		if err != nil {
			return fallback(in), fmt.Errorf("compile default policy: %w", err)
		}
	}

	d, err := evaluate(ctx, compiler, buildInput(in))
	if err != nil {
		return fallback(in), err
	}
	return d, nil
}

func fallback(in DeviceInput) Decision {
	if in.Blocked {
		return Decision{Deny: true, Reasons: []string{"device is on the blocked list"}}
	}
	return Decision{}
}

func buildInput(in DeviceInput) map[string]interface{} {
	return map[string]interface{}{
		"device": map[string]interface{}{
			"id":          in.DeviceID,
			"fingerprint": in.Fingerprint,
			"blocked":     in.Blocked,
		},
		"user": map[string]interface{}{
			"id":    in.UserID,
			"email": in.Email,
		},
		"network": map[string]interface{}{
			"ip":      in.IP,
			"country": in.Country,
		},
	}
}

func evaluate(ctx context.Context, compiler *ast.Compiler, input map[string]interface{}) (Decision, error) {
	q := rego.New(
		rego.Query(policyQuery),
		rego.Compiler(compiler),
		rego.Input(input),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("eval policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{}, fmt.Errorf("policy query returned no result")
	}
	doc, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("policy document has type %T", rs[0].Expressions[0].Value)
	}
	var out Decision
	if v, ok := doc["deny"].(bool); ok {
		out.Deny = v
	}
	if rs, ok := doc["reasons"].([]interface{}); ok {
		for _, r := range rs {
			if s, ok := r.(string); ok {
				out.Reasons = append(out.Reasons, s)
			}
		}
		sort.Strings(out.Reasons)
	}
	return out, nil
}
