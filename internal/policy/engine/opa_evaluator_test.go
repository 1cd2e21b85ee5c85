package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"session-authority/internal/policy/domain"
	"session-authority/internal/policy/repository"
)

const countryPolicy = `package session_authority.device

deny if {
	input.network.country == "Atlantis"
}

reasons contains "country not allowed" if {
	input.network.country == "Atlantis"
}
`

func TestOPAEvaluator_HealthCheck(t *testing.T) {
	e := NewOPAEvaluator(nil, nil)
	if err := e.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

func TestOPAEvaluator_DefaultPolicy(t *testing.T) {
	e := NewOPAEvaluator(nil, nil)
	ctx := context.Background()

	d, err := e.EvaluateDevice(ctx, DeviceInput{DeviceID: "d1", Blocked: false})
	if err != nil {
		t.Fatalf("EvaluateDevice: %v", err)
	}
	if d.Deny {
		t.Error("unlisted device should not be denied")
	}

	d, err = e.EvaluateDevice(ctx, DeviceInput{DeviceID: "d1", Blocked: true})
	if err != nil {
		t.Fatalf("EvaluateDevice: %v", err)
	}
	if !d.Deny {
		t.Error("listed device should be denied")
	}
	if len(d.Reasons) != 1 || d.Reasons[0] != "device is on the blocked list" {
		t.Errorf("Reasons = %v", d.Reasons)
	}
}

// mockPolicyRepo implements repository.Repository for tests.
type mockPolicyRepo struct {
	policies []*domain.Policy
	err      error
}

var _ repository.Repository = (*mockPolicyRepo)(nil)

func (m *mockPolicyRepo) GetByID(ctx context.Context, id string) (*domain.Policy, error) {
	return nil, nil
}

func (m *mockPolicyRepo) ListEnabled(ctx context.Context) ([]*domain.Policy, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.policies, nil
}

func (m *mockPolicyRepo) List(ctx context.Context) ([]*domain.Policy, error) {
	return m.ListEnabled(ctx)
}

func (m *mockPolicyRepo) Create(ctx context.Context, p *domain.Policy) error { return nil }

func (m *mockPolicyRepo) SetEnabled(ctx context.Context, id string, enabled bool) error { return nil }

func (m *mockPolicyRepo) Delete(ctx context.Context, id string) error { return nil }

func TestOPAEvaluator_CustomPolicyAddsDenial(t *testing.T) {
	repo := &mockPolicyRepo{policies: []*domain.Policy{
		{ID: "p1", Name: "geo", Rules: countryPolicy, Enabled: true, CreatedAt: time.Now()},
	}}
	e := NewOPAEvaluator(repo, nil)
	ctx := context.Background()

	d, err := e.EvaluateDevice(ctx, DeviceInput{DeviceID: "d1", Country: "Atlantis"})
	if err != nil {
		t.Fatalf("EvaluateDevice: %v", err)
	}
	if !d.Deny || len(d.Reasons) != 1 || d.Reasons[0] != "country not allowed" {
		t.Errorf("Decision = %+v", d)
	}

	d, _ = e.EvaluateDevice(ctx, DeviceInput{DeviceID: "d1", Country: "Poland"})
	if d.Deny {
		t.Error("other countries should pass")
	}

	// The built-in rule still applies alongside custom ones.
	d, _ = e.EvaluateDevice(ctx, DeviceInput{DeviceID: "d1", Country: "Atlantis", Blocked: true})
	if !d.Deny || len(d.Reasons) != 2 {
		t.Errorf("Decision = %+v, want both reasons", d)
	}
}

func TestOPAEvaluator_RepoErrorUsesBuiltIn(t *testing.T) {
	e := NewOPAEvaluator(&mockPolicyRepo{err: errors.New("database error")}, nil)
	d, err := e.EvaluateDevice(context.Background(), DeviceInput{DeviceID: "d1", Blocked: true})
	if err != nil {
		t.Fatalf("EvaluateDevice should not fail on repo error: %v", err)
	}
	if !d.Deny {
		t.Error("blocked device must still be denied")
	}
}

func TestOPAEvaluator_InvalidPolicyUsesBuiltIn(t *testing.T) {
	repo := &mockPolicyRepo{policies: []*domain.Policy{
		{ID: "bad", Rules: "package session_authority.device\n\ndeny if {", Enabled: true},
	}}
	e := NewOPAEvaluator(repo, nil)
	d, err := e.EvaluateDevice(context.Background(), DeviceInput{DeviceID: "d1", Blocked: true})
	if err != nil {
		t.Fatalf("EvaluateDevice: %v", err)
	}
	if !d.Deny {
		t.Error("blocked device must still be denied")
	}
}

func TestOPAEvaluator_LoadFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "device.rego")
	if err := os.WriteFile(good, []byte(countryPolicy), 0o600); err != nil {
		t.Fatal(err)
	}
	e := NewOPAEvaluator(nil, nil)
	if err := e.LoadFile(good); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	d, _ := e.EvaluateDevice(context.Background(), DeviceInput{Country: "Atlantis"})
	if !d.Deny {
		t.Error("file policy should apply")
	}

	bad := filepath.Join(dir, "bad.rego")
	_ = os.WriteFile(bad, []byte("not rego"), 0o600)
	if err := e.LoadFile(bad); err == nil {
		t.Error("LoadFile should reject a module that does not compile")
	}
	if err := e.LoadFile(filepath.Join(dir, "missing.rego")); err == nil {
		t.Error("LoadFile should fail for a missing file")
	}
}

func TestMemoryRepository_ListEnabledFeedsEvaluator(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	_ = repo.Create(ctx, &domain.Policy{ID: "p1", Rules: countryPolicy, Enabled: false, CreatedAt: time.Now()})
	e := NewOPAEvaluator(repo, nil)

	if d, _ := e.EvaluateDevice(ctx, DeviceInput{Country: "Atlantis"}); d.Deny {
		t.Error("disabled policy should not apply")
	}
	_ = repo.SetEnabled(ctx, "p1", true)
	if d, _ := e.EvaluateDevice(ctx, DeviceInput{Country: "Atlantis"}); !d.Deny {
		t.Error("enabled policy should apply")
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(countryPolicy); err != nil {
		t.Errorf("Validate(countryPolicy): %v", err)
	}
	if err := Validate("package session_authority.device\n\ndeny if {"); err == nil {
		t.Error("Validate should reject a module that does not parse")
	}
	// Redefining deny with a conflicting default does not compile next to the built-in policy.
	if err := Validate("package session_authority.device\n\ndefault deny := true\n"); err == nil {
		t.Error("Validate should reject a second default for deny")
	}
}
