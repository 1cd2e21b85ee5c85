// Package security verifies the identity provider's tokens. The authority never authenticates users
// itself: a verified token is the only way a principal enters the system.
package security

import (
	"crypto"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	identitydomain "session-authority/internal/identity/domain"
)

// RoleAdmin allows blocking devices and revoking other users' sessions.
const RoleAdmin = "session_admin"

const clockSkew = 30 * time.Second

var (
	// ErrInvalidToken is returned when a token is malformed, expired, or fails verification.
	ErrInvalidToken = errors.New("invalid token")
	// ErrNoVerificationKey is returned when neither a public key nor an HMAC secret is configured.
	ErrNoVerificationKey = errors.New("security: JWT_PUBLIC_KEY or JWT_HMAC_SECRET must be set")
)

// Claims are the identity token claims. Subject carries the user id.
type Claims struct {
	jwt.RegisteredClaims
	Email    string   `json:"email,omitempty"`
	Name     string   `json:"name,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Provider string   `json:"idp,omitempty"`
}

// Principal is a verified caller.
type Principal struct {
	Identity identitydomain.Identity
	Roles    []string
}

// HasRole reports whether the principal carries role.
func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// Verifier validates identity tokens: signature, exp, iss and aud.
type Verifier struct {
	key      any
	methods  []string
	issuer   string
	audience string
}

// NewVerifier returns a verifier for RS256 or ES256/384/512 tokens signed by the key paired with publicKey.
func NewVerifier(publicKey crypto.PublicKey, issuer, audience string) (*Verifier, error) {
	m := signingMethod(publicKey)
	if m == nil {
		return nil, ErrInvalidKey
	}
	return &Verifier{key: publicKey, methods: []string{m.Alg()}, issuer: issuer, audience: audience}, nil
}

// NewHMACVerifier returns a verifier for HS256 tokens.
func NewHMACVerifier(secret []byte, issuer, audience string) *Verifier {
	return &Verifier{key: secret, methods: []string{jwt.SigningMethodHS256.Alg()}, issuer: issuer, audience: audience}
}

// NewVerifierFromConfig prefers the public key (inline PEM or path) and falls back to the HMAC secret.
func NewVerifierFromConfig(publicKey, hmacSecret, issuer, audience string) (*Verifier, error) {
	if publicKey != "" {
		pub, err := ParsePublicKey(publicKey)
		if err != nil {
			return nil, fmt.Errorf("security: parse JWT_PUBLIC_KEY: %w", err)
		}
		return NewVerifier(pub, issuer, audience)
	}
	if hmacSecret != "" {
		return NewHMACVerifier([]byte(hmacSecret), issuer, audience), nil
	}
	return nil, ErrNoVerificationKey
}

// Verify parses token and returns its principal. Every failure is reported as ErrInvalidToken.
func (v *Verifier) Verify(token string) (Principal, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	},
		jwt.WithValidMethods(v.methods),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	)
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return Principal{}, ErrInvalidToken
	}
	provider := identitydomain.IdentityProvider(claims.Provider)
	if provider == "" {
		provider = identitydomain.IdentityProviderOIDC
	}
	return Principal{
		Identity: identitydomain.Identity{
			UID:         claims.Subject,
			Email:       claims.Email,
			DisplayName: claims.Name,
			Provider:    provider,
		},
		Roles: claims.Roles,
	}, nil
}

// Issuer mints identity tokens. It stands in for the identity provider in development, tests and the admin CLI.
type Issuer struct {
	key      any
	method   jwt.SigningMethod
	issuer   string
	audience string
	ttl      time.Duration
}

// NewIssuer returns an issuer signing with privateKey (RSA or ECDSA).
func NewIssuer(privateKey crypto.Signer, issuer, audience string, ttl time.Duration) (*Issuer, error) {
	m := signingMethod(privateKey.Public())
	if m == nil {
		return nil, ErrInvalidKey
	}
	return &Issuer{key: privateKey, method: m, issuer: issuer, audience: audience, ttl: ttl}, nil
}

// NewHMACIssuer returns an HS256 issuer.
func NewHMACIssuer(secret []byte, issuer, audience string, ttl time.Duration) *Issuer {
	return &Issuer{key: secret, method: jwt.SigningMethodHS256, issuer: issuer, audience: audience, ttl: ttl}
}

// Issue returns a signed token for id with the given roles and its expiry.
func (i *Issuer) Issue(id identitydomain.Identity, roles ...string) (string, time.Time, error) {
	jti, err := generateJTI()
	if err != nil {
		return "", time.Time{}, err
	}
	now := time.Now().UTC()
	exp := now.Add(i.ttl)
	provider := id.Provider
	if provider == "" {
		provider = identitydomain.IdentityProviderLocal
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   id.UID,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Email:    id.Email,
		Name:     id.DisplayName,
		Roles:    roles,
		Provider: string(provider),
	}
	token, err := jwt.NewWithClaims(i.method, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
