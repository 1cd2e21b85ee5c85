package interceptors

import (
	"context"

	identitydomain "session-authority/internal/identity/domain"
	"session-authority/internal/security"
)

type contextKey struct{ name string }

var principalKey = contextKey{"principal"}

// WithPrincipal returns a context carrying the verified caller.
func WithPrincipal(ctx context.Context, p security.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal returns the verified caller and true if set.
func GetPrincipal(ctx context.Context) (security.Principal, bool) {
	p, ok := ctx.Value(principalKey).(security.Principal)
	return p, ok
}

// GetIdentity returns the caller's identity and true if set.
func GetIdentity(ctx context.Context) (identitydomain.Identity, bool) {
	p, ok := GetPrincipal(ctx)
	return p.Identity, ok
}

// GetUserID returns the caller's user id and true if set; otherwise "", false.
func GetUserID(ctx context.Context) (string, bool) {
	p, ok := GetPrincipal(ctx)
	if !ok || p.Identity.UID == "" {
		return "", false
	}
	return p.Identity.UID, true
}
