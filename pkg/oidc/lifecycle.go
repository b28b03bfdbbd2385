package oidc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/geostore/geostore/pkg/authn"
	"github.com/geostore/geostore/pkg/claims"
	"github.com/geostore/geostore/pkg/directory"
	"github.com/geostore/geostore/pkg/logger"
	"github.com/geostore/geostore/pkg/reconcile"
	"github.com/geostore/geostore/pkg/token"
	"github.com/geostore/geostore/pkg/tokencache"
)

// DefaultRefreshWindow is how far ahead of expiry a cached token is
// proactively refreshed when a refresh token is available.
const DefaultRefreshWindow = 5 * time.Minute

// ErrNoPrincipal is returned when a valid token carries no usable
// principal claim.
var ErrNoPrincipal = errors.New("token carries no principal claim")

// Lifecycle orchestrates bearer-token intake for one provider: cache
// lookup-or-validate, refresh-before-expiry, claim-based role and group
// reconciliation against the directory, and logout coordination.
//
// Every failure path degrades to "no identity": the caller treats the
// request as unauthenticated and the chain moves on.
type Lifecycle struct {
	provider   *Provider
	validator  *token.Validator
	cache      *tokencache.Cache
	dir        directory.Directory
	reconciler *reconcile.Reconciler

	refreshWindow time.Duration
	now           func() time.Time
}

// LifecycleOption configures a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithRefreshWindow overrides the refresh look-ahead window.
func WithRefreshWindow(d time.Duration) LifecycleOption {
	return func(l *Lifecycle) { l.refreshWindow = d }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) LifecycleOption {
	return func(l *Lifecycle) { l.now = now }
}

// NewLifecycle wires a provider, its token validator, the shared token
// cache and the directory into a lifecycle.
func NewLifecycle(
	provider *Provider,
	validator *token.Validator,
	cache *tokencache.Cache,
	dir directory.Directory,
	opts ...LifecycleOption,
) *Lifecycle {
	var reconcilerOpts []reconcile.Option
	if provider.Config().UppercaseGroups {
		reconcilerOpts = append(reconcilerOpts, reconcile.WithUppercaseNames())
	}

	l := &Lifecycle{
		provider:      provider,
		validator:     validator,
		cache:         cache,
		dir:           dir,
		reconciler:    reconcile.New(dir, reconcilerOpts...),
		refreshWindow: DefaultRefreshWindow,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Provider returns the lifecycle's provider client.
func (l *Lifecycle) Provider() *Provider { return l.provider }

// Authenticate resolves an identity for a bearer access token.
//
// The fast path is a cache hit with an unexpired provider token: no
// network call is made. A hit whose provider token expired, or a miss,
// goes through full remote validation. A hit approaching expiry with a
// refresh token available is refreshed proactively; on refresh failure
// the session is dropped so the caller falls back to login.
func (l *Lifecycle) Authenticate(ctx context.Context, accessToken string) (*authn.Identity, error) {
	if accessToken == "" {
		return nil, token.ErrNoToken
	}

	now := l.now()
	if entry, ok := l.cache.Get(accessToken); ok {
		tok := entry.Token
		if !tok.Expired(now) {
			if tok.RefreshToken != "" && tok.ExpiresWithin(now, l.refreshWindow) {
				return l.refresh(ctx, accessToken, entry)
			}
			return entry.Identity, nil
		}
		// The cached provider token is expired: fall through to full
		// validation, which either re-admits or rejects the bearer.
	}

	return l.establishSession(ctx, accessToken, "", time.Time{})
}

// refresh exchanges the entry's refresh token and re-keys the cache entry
// under the new access token, preserving the identity.
func (l *Lifecycle) refresh(ctx context.Context, accessToken string, entry *tokencache.Entry) (*authn.Identity, error) {
	refreshed, err := l.provider.Refresh(ctx, entry.Token.RefreshToken)
	if err != nil {
		// The grant is gone; drop the session so the user is sent back
		// through the interactive login.
		l.cache.Remove(accessToken)
		return nil, err
	}

	newTok := tokencache.Token{
		RefreshToken: refreshed.RefreshToken,
		ExpiresAt:    refreshed.Expiry,
		Provider:     l.provider.Name(),
	}
	if !l.cache.Rekey(accessToken, refreshed.AccessToken, newTok) {
		// The entry vanished under us (TTL or logout); admit the fresh
		// token from scratch instead.
		return l.establishSession(ctx, refreshed.AccessToken, refreshed.RefreshToken, refreshed.Expiry)
	}

	entry, ok := l.cache.Get(refreshed.AccessToken)
	if !ok {
		return nil, token.ErrInvalidToken
	}
	if entry.Identity.Tokens != nil {
		entry.Identity.Tokens.AccessToken = refreshed.AccessToken
		entry.Identity.Tokens.RefreshToken = entry.Token.RefreshToken
	}
	logger.Debugw("refreshed access token before expiry",
		"provider", l.provider.Name(), "principal", entry.Identity.Name)
	return entry.Identity, nil
}

// AdmitToken establishes a session from a token-endpoint response
// (authorization-code callback). The resulting cache entry carries the
// grant's refresh token so the session can be refreshed and revoked.
func (l *Lifecycle) AdmitToken(ctx context.Context, tok *oauth2.Token) (*authn.Identity, error) {
	return l.establishSession(ctx, tok.AccessToken, tok.RefreshToken, tok.Expiry)
}

// establishSession performs full remote validation of an access token,
// reconciles directory state from its claims, and caches the result.
func (l *Lifecycle) establishSession(
	ctx context.Context, accessToken, refreshToken string, expiry time.Time,
) (*authn.Identity, error) {
	mapClaims, err := l.validator.ValidateToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	doc, err := claims.New(map[string]any(mapClaims))
	if err != nil {
		return nil, fmt.Errorf("failed to encode claims: %w", err)
	}

	user, err := l.resolveUser(ctx, doc)
	if err != nil {
		return nil, err
	}

	l.syncRole(ctx, doc, user)
	l.syncGroups(ctx, doc, user)

	if expiry.IsZero() {
		if exp, expErr := mapClaims.GetExpirationTime(); expErr == nil && exp != nil {
			expiry = exp.Time
		}
	}

	groups := make([]string, 0, len(user.Groups))
	for _, g := range user.Groups {
		groups = append(groups, g.Name)
	}

	identity := &authn.Identity{
		Name:     user.Name,
		Role:     user.Role,
		Groups:   groups,
		Provider: l.provider.Name(),
		Tokens: &authn.TokenDetails{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			Provider:     l.provider.Name(),
			Claims:       mapClaims,
		},
	}

	l.cache.Put(accessToken, &tokencache.Entry{
		Token: tokencache.Token{
			RefreshToken: refreshToken,
			ExpiresAt:    expiry,
			Provider:     l.provider.Name(),
		},
		Identity: identity,
	})

	return identity, nil
}

// resolveUser maps the token's principal claim to a directory user,
// creating one with the provider's default role on first sight.
func (l *Lifecycle) resolveUser(ctx context.Context, doc claims.Document) (*directory.User, error) {
	cfg := l.provider.Config()

	principal := l.resolvePrincipal(doc, cfg.PrincipalClaimOrDefault())
	if principal == "" {
		return nil, ErrNoPrincipal
	}

	user, err := l.dir.GetUserByName(ctx, principal)
	if errors.Is(err, directory.ErrNotFound) {
		created := &directory.User{Name: principal, Role: cfg.DefaultRole}
		if _, insertErr := l.dir.InsertUser(ctx, created); insertErr != nil {
			// A concurrent request may have created the user first.
			if !errors.Is(insertErr, directory.ErrAlreadyExists) {
				return nil, fmt.Errorf("creating user %q: %w", principal, insertErr)
			}
		}
		return l.dir.GetUserByName(ctx, principal)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user %q: %w", principal, err)
	}
	return user, nil
}

// resolvePrincipal reads the principal name from the configured claim,
// falling back to the subject claim.
func (l *Lifecycle) resolvePrincipal(doc claims.Document, principalClaim string) string {
	if res, ok := doc.ResolveIgnoreCase(principalClaim); ok && res.String() != "" {
		return res.String()
	}
	if res, ok := doc.Resolve("sub"); ok {
		return res.String()
	}
	return ""
}

// syncRole recomputes the user's role from the roles claim. An absent
// claim preserves the persisted role; a present-but-empty claim still goes
// through ComputeRole with the provider default. This distinction is
// deliberate and load-bearing.
func (l *Lifecycle) syncRole(ctx context.Context, doc claims.Document, user *directory.User) {
	cfg := l.provider.Config()
	if cfg.RolesClaim == "" {
		return
	}

	asserted, present := doc.ResolveStrings(cfg.RolesClaim)
	if !present {
		return
	}

	role := reconcile.ComputeRole(asserted, cfg.DefaultRole)
	if role == user.Role {
		return
	}
	user.Role = role
	if err := l.dir.UpdateUser(ctx, user); err != nil {
		logger.Errorw("failed to persist recomputed role",
			"user", user.Name, "role", role.String(), "provider", cfg.Name, "error", err)
	}
}

// syncGroups reconciles the user's provider-tagged groups from the groups
// claim. Reconciliation failures never fail the authentication.
func (l *Lifecycle) syncGroups(ctx context.Context, doc claims.Document, user *directory.User) {
	cfg := l.provider.Config()
	if cfg.GroupsClaim == "" {
		return
	}

	asserted, present := doc.ResolveStrings(cfg.GroupsClaim)
	if !present {
		return
	}

	if err := l.reconciler.Reconcile(ctx, user, cfg.Name, asserted); err != nil {
		logger.Errorw("group reconciliation failed, authenticating with current groups",
			"user", user.Name, "provider", cfg.Name, "error", err)
	}
}

// Logout tears down the session for an access token: the cache entry is
// removed, and the provider's revoke and end-session endpoints are called
// best-effort.
func (l *Lifecycle) Logout(ctx context.Context, accessToken, idTokenHint string) {
	refreshToken := ""
	if entry, ok := l.cache.Get(accessToken); ok {
		refreshToken = entry.Token.RefreshToken
	}
	l.cache.Remove(accessToken)

	if refreshToken != "" {
		if err := l.provider.Revoke(ctx, refreshToken, "refresh_token"); err != nil {
			logger.Errorw("failed to revoke refresh token on logout",
				"provider", l.provider.Name(), "error", err)
		}
	}
	if err := l.provider.EndSession(ctx, idTokenHint); err != nil {
		logger.Errorw("failed to end provider session on logout",
			"provider", l.provider.Name(), "error", err)
	}
}

// RevokeExpired is the cache's eviction revoker: it revokes the refresh
// token of an entry that aged out of the cache.
func (l *Lifecycle) RevokeExpired(ctx context.Context, tok tokencache.Token) error {
	if tok.Provider != l.provider.Name() {
		return nil
	}
	return l.provider.Revoke(ctx, tok.RefreshToken, "refresh_token")
}

// ClaimsOf exposes the raw claims behind an identity, if it was produced
// by this lifecycle.
func ClaimsOf(identity *authn.Identity) (jwt.MapClaims, bool) {
	if identity == nil || identity.Tokens == nil || identity.Tokens.Claims == nil {
		return nil, false
	}
	return jwt.MapClaims(identity.Tokens.Claims), true
}
