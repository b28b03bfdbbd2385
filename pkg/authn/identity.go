// Package authn implements the pluggable authentication chain guarding the
// GeoStore REST surface.
//
// Each inbound request is offered to an ordered list of authenticators
// (credentials, asserted headers, cached session tokens, OAuth2/OIDC bearer
// tokens); the first one to produce an identity wins. Failures never escape
// the chain: a request that no authenticator claims simply proceeds
// unauthenticated and is handled by the normal 401/403 paths downstream.
package authn

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/geostore/geostore/pkg/directory"
)

// TokenDetails carries the provider tokens backing an identity. It is an
// explicit field rather than an untyped side-channel so that the refresh and
// logout flows can find the tokens without request-attribute spelunking.
type TokenDetails struct {
	// AccessToken is the bearer token the identity was authenticated with.
	AccessToken string

	// RefreshToken is the provider refresh token, if one was granted.
	RefreshToken string

	// Provider names the identity provider that issued the tokens.
	Provider string

	// Claims are the decoded ID-token/userinfo claims.
	Claims map[string]any
}

// Identity is a resolved principal attached to a request after successful
// authentication. It is immutable once attached to a request context and is
// discarded at request end unless cached.
type Identity struct {
	// Name is the principal name, resolved from the configured principal
	// claim (default "email") or from local credentials.
	Name string

	// Role is the privilege level in effect for this request.
	Role directory.Role

	// Groups are the group names the principal currently holds.
	Groups []string

	// Provider names the authenticator or identity provider that produced
	// this identity ("basic", "header", or an OIDC provider name).
	Provider string

	// Tokens holds the provider tokens backing this identity, if any.
	Tokens *TokenDetails
}

// String returns a representation safe for logging: tokens are omitted.
func (i *Identity) String() string {
	if i == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Identity{Name:%q, Role:%s}", i.Name, i.Role)
}

// MarshalJSON redacts token values so an Identity can never leak
// credentials through structured logs or API responses.
func (i *Identity) MarshalJSON() ([]byte, error) {
	if i == nil {
		return []byte("null"), nil
	}
	return json.Marshal(&struct {
		Name     string   `json:"name"`
		Role     string   `json:"role"`
		Groups   []string `json:"groups"`
		Provider string   `json:"provider"`
	}{
		Name:     i.Name,
		Role:     i.Role.String(),
		Groups:   i.Groups,
		Provider: i.Provider,
	})
}

// IdentityContextKey is the typed context key for the request identity.
// Using an empty struct prevents collisions with other context keys.
type IdentityContextKey struct{}

// WithIdentity stores an Identity in the context. A nil identity returns
// the original context unchanged.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, IdentityContextKey{}, identity)
}

// IdentityFromContext retrieves the Identity from the context, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(IdentityContextKey{}).(*Identity)
	return identity, ok
}
