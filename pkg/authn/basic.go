package authn

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/geostore/geostore/pkg/directory"
)

// BasicAuthenticator verifies Authorization: Basic credentials against the
// directory's bcrypt password hashes. Users provisioned from identity
// providers have no password hash and can never authenticate this way.
type BasicAuthenticator struct {
	dir directory.Directory
}

// NewBasicAuthenticator builds a basic-auth authenticator over a directory.
func NewBasicAuthenticator(dir directory.Directory) *BasicAuthenticator {
	return &BasicAuthenticator{dir: dir}
}

// Name implements Authenticator.
func (*BasicAuthenticator) Name() string { return "basic" }

// Authenticate implements Authenticator.
func (b *BasicAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, ErrNoCredentials
	}

	user, err := b.dir.GetUserByName(ctx, username)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, fmt.Errorf("unknown user %q", username)
		}
		return nil, fmt.Errorf("looking up user %q: %w", username, err)
	}
	if user.PasswordHash == "" {
		return nil, fmt.Errorf("user %q has no local password", username)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("invalid password for %q", username)
	}

	return identityFromUser(user), nil
}

// identityFromUser snapshots a directory user into an identity.
func identityFromUser(user *directory.User) *Identity {
	groups := make([]string, 0, len(user.Groups))
	for _, g := range user.Groups {
		groups = append(groups, g.Name)
	}
	return &Identity{
		Name:   user.Name,
		Role:   user.Role,
		Groups: groups,
	}
}
