package handler

import (
	"context"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	identitydomain "session-authority/internal/identity/domain"
	"session-authority/internal/policy/repository"
	"session-authority/internal/security"
	"session-authority/internal/server/interceptors"
)

const countryPolicy = `package session_authority.device

deny if {
	input.network.country == "Atlantis"
}
`

func adminCtx() context.Context {
	return interceptors.WithPrincipal(context.Background(), security.Principal{
		Identity: identitydomain.Identity{UID: "root"},
		Roles:    []string{security.RoleAdmin},
	})
}

func TestServer_NilRepo(t *testing.T) {
	srv := NewServer(nil, nil)
	if _, err := srv.ListPolicies(adminCtx(), &ListPoliciesRequest{}); status.Code(err) != codes.Unimplemented {
		t.Errorf("code = %v, want Unimplemented", status.Code(err))
	}
}

func TestServer_RequiresAdmin(t *testing.T) {
	srv := NewServer(repository.NewMemoryRepository(), nil)
	user := interceptors.WithPrincipal(context.Background(), security.Principal{Identity: identitydomain.Identity{UID: "alice"}})
	if _, err := srv.CreatePolicy(user, &CreatePolicyRequest{Rules: countryPolicy}); status.Code(err) != codes.PermissionDenied {
		t.Errorf("code = %v, want PermissionDenied", status.Code(err))
	}
}

func TestServer_CreateValidatesRules(t *testing.T) {
	srv := NewServer(repository.NewMemoryRepository(), nil)
	ctx := adminCtx()
	if _, err := srv.CreatePolicy(ctx, &CreatePolicyRequest{Rules: "  "}); status.Code(err) != codes.InvalidArgument {
		t.Errorf("empty rules code = %v", status.Code(err))
	}
	if _, err := srv.CreatePolicy(ctx, &CreatePolicyRequest{Rules: "package x\n\nallow if {"}); status.Code(err) != codes.InvalidArgument {
		t.Errorf("broken rules code = %v", status.Code(err))
	}
}

func TestServer_PolicyLifecycle(t *testing.T) {
	repo := repository.NewMemoryRepository()
	srv := NewServer(repo, nil)
	ctx := adminCtx()

	created, err := srv.CreatePolicy(ctx, &CreatePolicyRequest{Name: "geo", Rules: countryPolicy})
	if err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}
	if created.Policy.ID == "" || created.Policy.Enabled {
		t.Errorf("created = %+v", created.Policy)
	}
	if enabled, _ := repo.ListEnabled(ctx); len(enabled) != 0 {
		t.Error("new policy should start disabled")
	}

	updated, err := srv.SetPolicyEnabled(ctx, &SetPolicyEnabledRequest{PolicyID: created.Policy.ID, Enabled: true})
	if err != nil || !updated.Policy.Enabled {
		t.Fatalf("SetPolicyEnabled = %+v, %v", updated, err)
	}
	if enabled, _ := repo.ListEnabled(ctx); len(enabled) != 1 {
		t.Error("policy should be enabled")
	}

	got, err := srv.GetPolicy(ctx, &PolicyRequest{PolicyID: created.Policy.ID})
	if err != nil || got.Policy.Name != "geo" {
		t.Errorf("GetPolicy = %+v, %v", got, err)
	}
	if _, err := srv.GetPolicy(ctx, &PolicyRequest{PolicyID: "missing"}); status.Code(err) != codes.NotFound {
		t.Errorf("missing code = %v", status.Code(err))
	}

	list, err := srv.ListPolicies(ctx, &ListPoliciesRequest{})
	if err != nil || len(list.Policies) != 1 {
		t.Errorf("ListPolicies = %+v, %v", list, err)
	}

	if _, err := srv.DeletePolicy(ctx, &PolicyRequest{PolicyID: created.Policy.ID}); err != nil {
		t.Fatalf("DeletePolicy: %v", err)
	}
	if enabled, _ := repo.ListEnabled(ctx); len(enabled) != 0 {
		t.Error("deleted policy should no longer be enforced")
	}
	if _, err := srv.DeletePolicy(ctx, &PolicyRequest{PolicyID: created.Policy.ID}); status.Code(err) != codes.NotFound {
		t.Errorf("second delete code = %v, want NotFound", status.Code(err))
	}
}
