package domain

// Identity is the authenticated principal issued by the identity provider. The authority never
// authenticates users itself; it only trusts a verified Identity.
type Identity struct {
	UID         string           `json:"uid" validate:"required,max=128"`
	Email       string           `json:"email" validate:"omitempty,email"`
	DisplayName string           `json:"display_name,omitempty"`
	Provider    IdentityProvider `json:"provider,omitempty"`
}

type IdentityProvider string

const (
	// IdentityProviderLocal marks identities minted by the built-in development issuer.
	IdentityProviderLocal IdentityProvider = "local"
	IdentityProviderOIDC  IdentityProvider = "oidc"
)
