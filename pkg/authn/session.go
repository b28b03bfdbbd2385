package authn

import (
	"context"
	"net/http"
)

// SessionResolver looks up an opaque session token. The token cache
// satisfies this through a small adapter; the lookup never touches the
// identity provider.
type SessionResolver func(token string) (*Identity, bool)

// SessionTokenAuthenticator resolves opaque session tokens from the cache
// alone. It must run before the bearer authenticator in the chain so that
// a live session skips remote validation entirely.
type SessionTokenAuthenticator struct {
	resolve SessionResolver
	param   string
}

// NewSessionTokenAuthenticator builds a cache-only session authenticator.
func NewSessionTokenAuthenticator(resolve SessionResolver, param string) *SessionTokenAuthenticator {
	return &SessionTokenAuthenticator{resolve: resolve, param: param}
}

// Name implements Authenticator.
func (*SessionTokenAuthenticator) Name() string { return "session" }

// Authenticate implements Authenticator.
func (s *SessionTokenAuthenticator) Authenticate(_ context.Context, r *http.Request) (*Identity, error) {
	token := ExtractBearer(r, s.param)
	if token == "" {
		return nil, ErrNoCredentials
	}
	identity, ok := s.resolve(token)
	if !ok {
		return nil, ErrNoCredentials
	}
	return identity, nil
}
