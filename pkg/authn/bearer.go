package authn

import (
	"context"
	"net/http"
)

// TokenAuthenticator resolves an identity from a bearer access token. The
// OAuth2 lifecycle satisfies this.
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*Identity, error)
}

// BearerTokenAuthenticator hands bearer tokens to a token lifecycle.
type BearerTokenAuthenticator struct {
	tokens TokenAuthenticator

	// param is the request parameter checked before the Authorization
	// header, matched case-insensitively. Empty disables the parameter.
	param string

	// cookie optionally names a session cookie consulted after the
	// parameter and header. Empty disables the cookie.
	cookie string
}

// BearerOption configures a BearerTokenAuthenticator.
type BearerOption func(*BearerTokenAuthenticator)

// WithSessionCookie also accepts the access token from the named cookie,
// after the parameter and the Authorization header.
func WithSessionCookie(name string) BearerOption {
	return func(b *BearerTokenAuthenticator) { b.cookie = name }
}

// NewBearerTokenAuthenticator wires bearer-token extraction to a lifecycle.
func NewBearerTokenAuthenticator(tokens TokenAuthenticator, param string, opts ...BearerOption) *BearerTokenAuthenticator {
	b := &BearerTokenAuthenticator{tokens: tokens, param: param}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements Authenticator.
func (*BearerTokenAuthenticator) Name() string { return "bearer" }

// Authenticate implements Authenticator.
func (b *BearerTokenAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	token := ExtractBearer(r, b.param)
	if token == "" && b.cookie != "" {
		if c, err := r.Cookie(b.cookie); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		return nil, ErrNoCredentials
	}
	return b.tokens.Authenticate(ctx, token)
}
