package authn

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/geostore/geostore/pkg/directory"
	"github.com/geostore/geostore/pkg/logger"
)

// HeaderAuthenticator trusts a request header to assert the username. It
// is meant for deployments behind an authenticating reverse proxy that
// strips the header from client traffic.
type HeaderAuthenticator struct {
	dir    directory.Directory
	header string

	// autoCreate provisions unknown usernames with defaultRole.
	autoCreate  bool
	defaultRole directory.Role
}

// HeaderOption configures a HeaderAuthenticator.
type HeaderOption func(*HeaderAuthenticator)

// WithAutoCreate provisions users the directory has never seen, assigning
// them the given role.
func WithAutoCreate(role directory.Role) HeaderOption {
	return func(h *HeaderAuthenticator) {
		h.autoCreate = true
		h.defaultRole = role
	}
}

// NewHeaderAuthenticator trusts the named header over the directory.
func NewHeaderAuthenticator(dir directory.Directory, header string, opts ...HeaderOption) *HeaderAuthenticator {
	h := &HeaderAuthenticator{dir: dir, header: header}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name implements Authenticator.
func (*HeaderAuthenticator) Name() string { return "header" }

// Authenticate implements Authenticator.
func (h *HeaderAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	username := r.Header.Get(h.header)
	if username == "" {
		return nil, ErrNoCredentials
	}

	user, err := h.dir.GetUserByName(ctx, username)
	if errors.Is(err, directory.ErrNotFound) {
		if !h.autoCreate {
			return nil, fmt.Errorf("unknown user %q", username)
		}
		created := &directory.User{Name: username, Role: h.defaultRole}
		if _, insertErr := h.dir.InsertUser(ctx, created); insertErr != nil &&
			!errors.Is(insertErr, directory.ErrAlreadyExists) {
			return nil, fmt.Errorf("creating user %q: %w", username, insertErr)
		}
		logger.Infow("auto-created user from trusted header",
			"user", username, "role", h.defaultRole.String())
		user, err = h.dir.GetUserByName(ctx, username)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user %q: %w", username, err)
	}

	return identityFromUser(user), nil
}
