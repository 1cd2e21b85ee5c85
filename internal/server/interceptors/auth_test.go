package interceptors

import (
	"context"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	identitydomain "session-authority/internal/identity/domain"
	"session-authority/internal/security"
)

func withBearer(token string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+token))
}

func TestAuthUnary(t *testing.T) {
	iss, v, err := security.NewTestPair()
	if err != nil {
		t.Fatalf("NewTestPair: %v", err)
	}
	token, _, err := iss.Issue(identitydomain.Identity{UID: "user-1", Email: "u@example.com"}, security.RoleAdmin)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	interceptor := AuthUnary(v, map[string]bool{"/test.Service/Public": true})

	var seen security.Principal
	var seenOK bool
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		seen, seenOK = GetPrincipal(ctx)
		return "ok", nil
	}

	tests := []struct {
		name     string
		ctx      context.Context
		method   string
		wantCode   codes.Code
		wantReason string
		wantUID    string
	}{
		{"public without token", context.Background(), "/test.Service/Public", codes.OK, "", ""},
		{"public with bad token", withBearer("garbage"), "/test.Service/Public", codes.OK, "", ""},
		{"public with token", withBearer(token), "/test.Service/Public", codes.OK, "", "user-1"},
		{"protected without token", context.Background(), "/test.Service/Protected", codes.Unauthenticated, ReasonTokenMissing, ""},
		{"protected with bad token", withBearer("garbage"), "/test.Service/Protected", codes.Unauthenticated, ReasonTokenInvalid, ""},
		{"protected with token", withBearer(token), "/test.Service/Protected", codes.OK, "", "user-1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			seen, seenOK = security.Principal{}, false
			_, err := interceptor(tc.ctx, "req", &grpc.UnaryServerInfo{FullMethod: tc.method}, handler)
			if status.Code(err) != tc.wantCode {
				t.Fatalf("code = %v, want %v", status.Code(err), tc.wantCode)
			}
			if got := AuthReason(err); got != tc.wantReason {
				t.Errorf("reason = %q, want %q", got, tc.wantReason)
			}
			if tc.wantUID == "" {
				if seenOK {
					t.Errorf("principal should not be set, got %+v", seen)
				}
				return
			}
			if !seenOK || seen.Identity.UID != tc.wantUID || !seen.HasRole(security.RoleAdmin) {
				t.Errorf("principal = %+v, ok=%v", seen, seenOK)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":     "abc",
		"bearer abc":     "abc",
		"BEARER   abc  ": "abc",
		"Basic abc":      "",
		"Bearer":         "",
		"":               "",
	}
	for in, want := range tests {
		if got := BearerToken(in); got != want {
			t.Errorf("BearerToken(%q) = %q, want %q", in, got, want)
		}
	}
	if got := extractBearer(context.Background()); got != "" {
		t.Errorf("extractBearer without metadata = %q", got)
	}
}

func TestAuthUnary_NilVerifier(t *testing.T) {
	interceptor := AuthUnary(nil, nil)
	_, err := interceptor(withBearer("abc"), nil, &grpc.UnaryServerInfo{FullMethod: "/test.Service/Protected"},
		func(ctx context.Context, req interface{}) (interface{}, error) { return "ok", nil })
	if AuthReason(err) != ReasonTokenInvalid {
		t.Errorf("err = %v, want TOKEN_INVALID", err)
	}
}
