// Package rbac gates RPCs on the verified caller in context.
package rbac

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"session-authority/internal/security"
	"session-authority/internal/server/interceptors"
)

// RequireUser ensures the caller is authenticated. Returns the principal or an Unauthenticated status.
func RequireUser(ctx context.Context) (security.Principal, error) {
	p, ok := interceptors.GetPrincipal(ctx)
	if !ok || p.Identity.UID == "" {
		return security.Principal{}, status.Error(codes.Unauthenticated, "user context required")
	}
	return p, nil
}

// RequireAdmin ensures the caller is authenticated and carries the session admin role.
// Returns Unauthenticated or PermissionDenied on failure.
func RequireAdmin(ctx context.Context) (security.Principal, error) {
	p, err := RequireUser(ctx)
	if err != nil {
		return security.Principal{}, err
	}
	if !p.HasRole(security.RoleAdmin) {
		return security.Principal{}, status.Error(codes.PermissionDenied, "session admin role required")
	}
	return p, nil
}

// RequireSelfOrAdmin allows callers acting on their own user id, and admins acting on anyone.
func RequireSelfOrAdmin(ctx context.Context, userID string) (security.Principal, error) {
	p, err := RequireUser(ctx)
	if err != nil {
		return security.Principal{}, err
	}
	if p.Identity.UID != userID && !p.HasRole(security.RoleAdmin) {
		return security.Principal{}, status.Error(codes.PermissionDenied, "cannot act on another user's sessions")
	}
	return p, nil
}
