package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/geostore/geostore/pkg/authn"
	"github.com/geostore/geostore/pkg/directory"
	"github.com/geostore/geostore/pkg/token"
	"github.com/geostore/geostore/pkg/tokencache"
)

const testKeyID = "lifecycle-test-key"

// fakeIDP is an in-process identity provider: discovery, JWKS, token,
// revocation and end-session endpoints, plus a signing key.
type fakeIDP struct {
	key    *rsa.PrivateKey
	server *httptest.Server

	mu            sync.Mutex
	refreshCalls  []string
	revokedTokens []string
	refreshFail   bool

	// nextAccessToken is returned by the token endpoint on refresh.
	nextAccessToken  string
	nextRefreshToken string
}

func newFakeIDP(t *testing.T) *fakeIDP {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.Import(&privateKey.PublicKey)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, testKeyID))
	require.NoError(t, key.Set(jwk.AlgorithmKey, "RS256"))
	require.NoError(t, key.Set(jwk.KeyUsageKey, "sig"))
	keySet := jwk.NewSet()
	require.NoError(t, keySet.AddKey(key))

	idp := &fakeIDP{key: privateKey}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 idp.server.URL,
			"authorization_endpoint": idp.server.URL + "/authorize",
			"token_endpoint":         idp.server.URL + "/token",
			"jwks_uri":               idp.server.URL + "/jwks",
			"revocation_endpoint":    idp.server.URL + "/revoke",
			"end_session_endpoint":   idp.server.URL + "/logout",
		}))
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(keySet))
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		idp.mu.Lock()
		fail := idp.refreshFail
		idp.refreshCalls = append(idp.refreshCalls, r.FormValue("refresh_token"))
		access, refresh := idp.nextAccessToken, idp.nextRefreshToken
		idp.mu.Unlock()
		if fail {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"access_token":  access,
			"refresh_token": refresh,
			"token_type":    "Bearer",
			"expires_in":    3600,
		}))
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		idp.mu.Lock()
		idp.revokedTokens = append(idp.revokedTokens, r.FormValue("token"))
		idp.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/logout", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

func (f *fakeIDP) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["iss"]; !ok {
		claims["iss"] = f.server.URL
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = testKeyID
	signed, err := tok.SignedString(f.key)
	require.NoError(t, err)
	return signed
}

func (f *fakeIDP) claimsFor(sub string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub":   sub,
		"email": sub + "@example.com",
		"aud":   "geostore-client",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
}

type lifecycleFixture struct {
	idp   *fakeIDP
	dir   *directory.Memory
	cache *tokencache.Cache
	lc    *Lifecycle
}

func newLifecycleFixture(t *testing.T, mutate func(*ProviderConfig)) *lifecycleFixture {
	t.Helper()
	idp := newFakeIDP(t)
	ctx := context.Background()

	cfg := ProviderConfig{
		Name:         "keycloak",
		Issuer:       idp.server.URL,
		ClientID:     "geostore-client",
		ClientSecret: "geostore-secret",
		RedirectURL:  "http://localhost:8080/auth/callback",
		RolesClaim:   "realm_access.roles",
		GroupsClaim:  "groups",
		DefaultRole:  directory.RoleUser,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	provider, err := NewProvider(ctx, cfg, idp.server.Client())
	require.NoError(t, err)

	validator, err := token.NewValidator(ctx, token.ValidatorConfig{
		Issuer:   idp.server.URL,
		ClientID: "geostore-client",
		JWKSURL:  idp.server.URL + "/jwks",
	})
	require.NoError(t, err)

	dir := directory.NewMemory()
	cache := tokencache.New(time.Hour)
	t.Cleanup(cache.Close)

	return &lifecycleFixture{
		idp:   idp,
		dir:   dir,
		cache: cache,
		lc:    NewLifecycle(provider, validator, cache, dir),
	}
}

func TestAuthenticateCreatesUserAndReconciles(t *testing.T) {
	t.Parallel()
	fx := newLifecycleFixture(t, nil)
	ctx := context.Background()

	claims := fx.idp.claimsFor("alice")
	claims["realm_access"] = map[string]any{"roles": []any{"admin", "user"}}
	claims["groups"] = []any{"surveyors"}
	bearer := fx.idp.sign(t, claims)

	identity, err := fx.lc.Authenticate(ctx, bearer)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", identity.Name)
	assert.Equal(t, directory.RoleAdmin, identity.Role)
	assert.Equal(t, []string{"surveyors"}, identity.Groups)

	user, err := fx.dir.GetUserByName(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, directory.RoleAdmin, user.Role)
	require.Len(t, user.Groups, 1)
	assert.Equal(t, "keycloak", user.Groups[0].SourceService())

	// Second call is served from the cache and returns the same identity.
	again, err := fx.lc.Authenticate(ctx, bearer)
	require.NoError(t, err)
	assert.Same(t, identity, again)
	assert.Equal(t, 1, fx.cache.Len())
}

func TestAuthenticateRejectsInvalidToken(t *testing.T) {
	t.Parallel()
	fx := newLifecycleFixture(t, nil)

	_, err := fx.lc.Authenticate(context.Background(), "not-a-jwt")
	require.Error(t, err)
	assert.Equal(t, 0, fx.cache.Len())

	_, err = fx.lc.Authenticate(context.Background(), "")
	require.ErrorIs(t, err, token.ErrNoToken)
}

func TestAuthenticateFallsBackToSubject(t *testing.T) {
	t.Parallel()
	fx := newLifecycleFixture(t, nil)
	ctx := context.Background()

	claims := fx.idp.claimsFor("bob")
	delete(claims, "email")
	bearer := fx.idp.sign(t, claims)

	identity, err := fx.lc.Authenticate(ctx, bearer)
	require.NoError(t, err)
	assert.Equal(t, "bob", identity.Name)
	assert.Equal(t, directory.RoleUser, identity.Role)
}

func TestAbsentRolesClaimPreservesRole(t *testing.T) {
	t.Parallel()
	fx := newLifecycleFixture(t, nil)
	ctx := context.Background()

	_, err := fx.dir.InsertUser(ctx, &directory.User{
		Name: "carol@example.com", Role: directory.RoleAdmin,
	})
	require.NoError(t, err)

	// No realm_access claim at all: the stored role must survive.
	identity, err := fx.lc.Authenticate(ctx, fx.idp.sign(t, fx.idp.claimsFor("carol")))
	require.NoError(t, err)
	assert.Equal(t, directory.RoleAdmin, identity.Role)

	// A present but empty roles list recomputes from the default.
	claims := fx.idp.claimsFor("carol")
	claims["realm_access"] = map[string]any{"roles": []any{}}
	identity, err = fx.lc.Authenticate(ctx, fx.idp.sign(t, claims))
	require.NoError(t, err)
	assert.Equal(t, directory.RoleUser, identity.Role)
}

func TestRefreshBeforeExpiry(t *testing.T) {
	t.Parallel()
	fx := newLifecycleFixture(t, nil)
	ctx := context.Background()

	fx.idp.mu.Lock()
	fx.idp.nextAccessToken = fx.idp.sign(t, fx.idp.claimsFor("dave"))
	fx.idp.nextRefreshToken = "refresh-2"
	fx.idp.mu.Unlock()

	identity := &authn.Identity{Name: "dave@example.com", Role: directory.RoleUser,
		Tokens: &authn.TokenDetails{AccessToken: "old-access"}}
	fx.cache.Put("old-access", &tokencache.Entry{
		Token: tokencache.Token{
			RefreshToken: "refresh-1",
			ExpiresAt:    time.Now().Add(2 * time.Minute), // inside the 5m window
			Provider:     "keycloak",
		},
		Identity: identity,
	})

	got, err := fx.lc.Authenticate(ctx, "old-access")
	require.NoError(t, err)
	assert.Equal(t, "dave@example.com", got.Name)

	fx.idp.mu.Lock()
	refreshCalls := append([]string(nil), fx.idp.refreshCalls...)
	newAccess := fx.idp.nextAccessToken
	fx.idp.mu.Unlock()
	require.Equal(t, []string{"refresh-1"}, refreshCalls)

	// The entry moved to the new key, identity intact, refresh rotated.
	_, ok := fx.cache.Get("old-access")
	assert.False(t, ok)
	entry, ok := fx.cache.Get(newAccess)
	require.True(t, ok)
	assert.Same(t, identity, entry.Identity)
	assert.Equal(t, "refresh-2", entry.Token.RefreshToken)
	assert.Equal(t, newAccess, entry.Identity.Tokens.AccessToken)
}

func TestRefreshFailureDropsSession(t *testing.T) {
	t.Parallel()
	fx := newLifecycleFixture(t, nil)
	ctx := context.Background()

	fx.idp.mu.Lock()
	fx.idp.refreshFail = true
	fx.idp.mu.Unlock()

	fx.cache.Put("doomed-access", &tokencache.Entry{
		Token: tokencache.Token{
			RefreshToken: "dead-refresh",
			ExpiresAt:    time.Now().Add(time.Minute),
			Provider:     "keycloak",
		},
		Identity: &authn.Identity{Name: "erin"},
	})

	_, err := fx.lc.Authenticate(ctx, "doomed-access")
	require.Error(t, err)

	_, ok := fx.cache.Get("doomed-access")
	assert.False(t, ok, "failed refresh must drop the session")
}

func TestExpiredCacheEntryRevalidates(t *testing.T) {
	t.Parallel()
	fx := newLifecycleFixture(t, nil)
	ctx := context.Background()

	bearer := fx.idp.sign(t, fx.idp.claimsFor("frank"))
	// Seed a cache entry whose provider token already expired and that
	// carries no refresh token: full validation must run.
	fx.cache.Put(bearer, &tokencache.Entry{
		Token: tokencache.Token{
			ExpiresAt: time.Now().Add(-time.Minute),
			Provider:  "keycloak",
		},
		Identity: &authn.Identity{Name: "stale"},
	})

	identity, err := fx.lc.Authenticate(ctx, bearer)
	require.NoError(t, err)
	assert.Equal(t, "frank@example.com", identity.Name)
}

func TestLogoutRevokesAndRemoves(t *testing.T) {
	t.Parallel()
	fx := newLifecycleFixture(t, nil)
	ctx := context.Background()

	bearer := fx.idp.sign(t, fx.idp.claimsFor("grace"))
	_, err := fx.lc.AdmitToken(ctx, tokenWithRefresh(bearer, "grace-refresh"))
	require.NoError(t, err)
	require.Equal(t, 1, fx.cache.Len())

	fx.lc.Logout(ctx, bearer, "")

	assert.Equal(t, 0, fx.cache.Len())
	fx.idp.mu.Lock()
	defer fx.idp.mu.Unlock()
	assert.Equal(t, []string{"grace-refresh"}, fx.idp.revokedTokens)
}

func TestRevokeExpiredSkipsOtherProviders(t *testing.T) {
	t.Parallel()
	fx := newLifecycleFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, fx.lc.RevokeExpired(ctx, tokencache.Token{
		Provider: "someone-else", RefreshToken: "foreign",
	}))
	fx.idp.mu.Lock()
	assert.Empty(t, fx.idp.revokedTokens)
	fx.idp.mu.Unlock()

	require.NoError(t, fx.lc.RevokeExpired(ctx, tokencache.Token{
		Provider: "keycloak", RefreshToken: "mine",
	}))
	fx.idp.mu.Lock()
	defer fx.idp.mu.Unlock()
	assert.Equal(t, []string{"mine"}, fx.idp.revokedTokens)
}

func tokenWithRefresh(access, refresh string) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		Expiry:       time.Now().Add(time.Hour),
	}
}

func TestUppercaseGroupsOption(t *testing.T) {
	t.Parallel()
	fx := newLifecycleFixture(t, func(cfg *ProviderConfig) {
		cfg.UppercaseGroups = true
	})
	ctx := context.Background()

	claims := fx.idp.claimsFor("henry")
	claims["groups"] = []any{"surveyors"}

	identity, err := fx.lc.Authenticate(ctx, fx.idp.sign(t, claims))
	require.NoError(t, err)
	assert.Equal(t, []string{"SURVEYORS"}, identity.Groups)
}
