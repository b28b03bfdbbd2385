package authn

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/geostore/geostore/pkg/directory"
	"github.com/geostore/geostore/pkg/logger"
)

// ErrNoCredentials is returned by an authenticator when the request simply
// carries no credentials of its kind. The chain moves on without logging.
var ErrNoCredentials = errors.New("no credentials presented")

// Authenticator resolves an identity from an HTTP request. Returning
// ErrNoCredentials means "not my kind of request"; any other error means
// credentials were presented and rejected.
type Authenticator interface {
	// Name identifies the authenticator in logs.
	Name() string

	// Authenticate validates the incoming HTTP request and returns
	// identity information.
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}

// Chain runs authenticators in order; the first identity wins. Failures
// are contained: a rejected credential is logged and the chain continues,
// and a fully unauthenticated request is not an error.
type Chain struct {
	authenticators []Authenticator
}

// NewChain builds a chain from the given authenticators, tried in order.
func NewChain(authenticators ...Authenticator) *Chain {
	return &Chain{authenticators: authenticators}
}

// Authenticate runs the chain. It returns nil when no authenticator
// produced an identity; it never returns an error.
func (c *Chain) Authenticate(ctx context.Context, r *http.Request) *Identity {
	for _, a := range c.authenticators {
		identity, err := a.Authenticate(ctx, r)
		if err == nil && identity != nil {
			return identity
		}
		if err != nil && !errors.Is(err, ErrNoCredentials) {
			logger.Debugw("authenticator rejected credentials",
				"authenticator", a.Name(), "path", r.URL.Path, "error", err)
		}
	}
	return nil
}

// Middleware resolves an identity for each request and stores it in the
// request context. Unauthenticated requests pass through untouched;
// per-route guards decide whether that is acceptable.
func (c *Chain) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if identity := c.Authenticate(r.Context(), r); identity != nil {
			r = r.WithContext(WithIdentity(r.Context(), identity))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuthenticated rejects requests that carry no identity with 401.
func RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := IdentityFromContext(r.Context()); !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="geostore"`)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole rejects unauthenticated requests with 401 and authenticated
// requests below the given role with 403.
func RequireRole(role directory.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="geostore"`)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			if identity.Role < role {
				http.Error(w, "insufficient privileges", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ExtractBearer finds the bearer token for a request: the configured
// request parameter is consulted first (matched case-insensitively against
// the query keys), then the Authorization header. Empty string means no
// token was presented.
func ExtractBearer(r *http.Request, param string) string {
	if param != "" {
		if tok := queryValueFold(r.URL.Query(), param); tok != "" {
			return tok
		}
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func queryValueFold(values url.Values, param string) string {
	for key, vals := range values {
		if strings.EqualFold(key, param) && len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}
