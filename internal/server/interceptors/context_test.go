package interceptors

import (
	"context"
	"testing"

	identitydomain "session-authority/internal/identity/domain"
	"session-authority/internal/security"
)

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()
	if _, ok := GetUserID(ctx); ok {
		t.Error("GetUserID on empty context should be false")
	}
	if _, ok := GetIdentity(ctx); ok {
		t.Error("GetIdentity on empty context should be false")
	}

	ctx = WithPrincipal(ctx, security.Principal{Identity: identitydomain.Identity{UID: "u1", Email: "u1@example.com"}})
	uid, ok := GetUserID(ctx)
	if !ok || uid != "u1" {
		t.Errorf("GetUserID = %q, %v", uid, ok)
	}
	id, ok := GetIdentity(ctx)
	if !ok || id.Email != "u1@example.com" {
		t.Errorf("GetIdentity = %+v, %v", id, ok)
	}

	empty := WithPrincipal(context.Background(), security.Principal{})
	if _, ok := GetUserID(empty); ok {
		t.Error("principal without uid should not report a user id")
	}
}
