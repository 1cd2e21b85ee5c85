package interceptors

import (
	"context"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"session-authority/internal/security"
)

const bearerPrefix = "bearer "

// AuthErrorDomain is the ErrorInfo domain of authentication failures.
const AuthErrorDomain = "auth.session_authority"

// Reasons attached to Unauthenticated errors. Clients treat TOKEN_INVALID as "sign in again".
const (
	ReasonTokenMissing = "TOKEN_MISSING"
	ReasonTokenInvalid = "TOKEN_INVALID"
)

// TokenVerifier turns an identity token into a principal.
type TokenVerifier interface {
	Verify(token string) (security.Principal, error)
}

// AuthUnary verifies the identity token in the authorization metadata and puts the principal in
// the context. Methods in publicMethods run without one; a valid token there still yields a principal.
func AuthUnary(verifier TokenVerifier, publicMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		p, reason := authenticate(ctx, verifier)
		if reason == "" {
			return handler(WithPrincipal(ctx, p), req)
		}
		if publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		return nil, unauthenticated(reason)
	}
}

// authenticate returns the caller's principal, or the reason there is none.
func authenticate(ctx context.Context, verifier TokenVerifier) (security.Principal, string) {
	token := extractBearer(ctx)
	if token == "" {
		return security.Principal{}, ReasonTokenMissing
	}
	if verifier == nil {
		return security.Principal{}, ReasonTokenInvalid
	}
	p, err := verifier.Verify(token)
	if err != nil || p.Identity.UID == "" {
		return security.Principal{}, ReasonTokenInvalid
	}
	return p, ""
}

func unauthenticated(reason string) error {
	st := status.New(codes.Unauthenticated, "missing or invalid authorization")
	if detailed, err := st.WithDetails(&errdetails.ErrorInfo{Reason: reason, Domain: AuthErrorDomain}); err == nil {
		st = detailed
	}
	return st.Err()
}

// AuthReason returns the ErrorInfo reason of an authentication failure, or "".
func AuthReason(err error) string {
	for _, d := range status.Convert(err).Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.GetDomain() == AuthErrorDomain {
			return info.GetReason()
		}
	}
	return ""
}

func extractBearer(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get("authorization") {
		if t := BearerToken(v); t != "" {
			return t
		}
	}
	return ""
}

// BearerToken extracts the token from an Authorization header value, or "" when it is not a Bearer value.
func BearerToken(header string) string {
	v := strings.TrimSpace(header)
	if len(v) < len(bearerPrefix) || !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
