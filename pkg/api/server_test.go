package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geostore/geostore/pkg/authn"
	"github.com/geostore/geostore/pkg/directory"
	"github.com/geostore/geostore/pkg/tokencache"
)

// tokenAuth authenticates a fixed bearer token to a fixed identity.
type tokenAuth struct {
	token    string
	identity *authn.Identity
}

func (*tokenAuth) Name() string { return "test" }

func (a *tokenAuth) Authenticate(_ context.Context, r *http.Request) (*authn.Identity, error) {
	if authn.ExtractBearer(r, "authkey") == a.token {
		return a.identity, nil
	}
	return nil, authn.ErrNoCredentials
}

func newTestRouter(t *testing.T, authenticators ...authn.Authenticator) http.Handler {
	t.Helper()
	cache := tokencache.New(time.Hour)
	t.Cleanup(cache.Close)
	return Router(Deps{
		Chain:      authn.NewChain(authenticators...),
		Cache:      cache,
		Dir:        directory.NewMemory(),
		TokenParam: "authkey",
	})
}

func TestPublicRoutesNeedNoIdentity(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionRequiresIdentity(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t, &tokenAuth{
		token:    "valid",
		identity: &authn.Identity{Name: "alice", Role: directory.RoleUser, Groups: []string{"surveyors"}},
	})

	// No credentials: the request flows through the chain but the
	// protected route rejects it.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/session", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")

	// Bearer via the request parameter.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/session?authkey=valid", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Name   string   `json:"name"`
		Role   string   `json:"role"`
		Groups []string `json:"groups"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp.Name)
	assert.Equal(t, "USER", resp.Role)
	assert.Equal(t, []string{"surveyors"}, resp.Groups)

	// Bearer via the Authorization header.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
	req.Header.Set("Authorization", "Bearer valid")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatsRequiresAdmin(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t,
		&tokenAuth{token: "user-tok", identity: &authn.Identity{Name: "u", Role: directory.RoleUser}},
		&tokenAuth{token: "admin-tok", identity: &authn.Identity{Name: "a", Role: directory.RoleAdmin}},
	)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/session/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/session/stats?authkey=user-tok", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/session/stats?authkey=admin-tok", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Entries int `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Entries)
}

func TestOpaqueSessionLifecycle(t *testing.T) {
	t.Parallel()
	cache := tokencache.New(time.Hour)
	t.Cleanup(cache.Close)

	resolve := func(tok string) (*authn.Identity, bool) {
		entry, ok := cache.Get(tok)
		if !ok || entry.Token.Provider != "" {
			return nil, false
		}
		return entry.Identity, true
	}
	chain := authn.NewChain(
		authn.NewSessionTokenAuthenticator(resolve, "authkey"),
		&tokenAuth{token: "bearer-tok", identity: &authn.Identity{Name: "alice", Role: directory.RoleUser}},
	)
	router := Router(Deps{
		Chain:      chain,
		Cache:      cache,
		Dir:        directory.NewMemory(),
		TokenParam: "authkey",
	})

	// Mint an opaque session while authenticated with the bearer token.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/session?authkey=bearer-tok", nil))
	require.Equal(t, http.StatusCreated, rec.Code)

	var minted struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &minted))
	require.NotEmpty(t, minted.Token)

	// The opaque token authenticates on its own.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/session?authkey="+minted.Token, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var who struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &who))
	assert.Equal(t, "alice", who.Name)

	// Deleting the session invalidates the token.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/session?authkey="+minted.Token, nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/session?authkey="+minted.Token, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInvalidCredentialPassesThroughAsAnonymous(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t, &tokenAuth{
		token:    "valid",
		identity: &authn.Identity{Name: "alice", Role: directory.RoleUser},
	})

	// A wrong token never turns into a 5xx: the chain treats it as no
	// identity and the route guard answers 401.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/session?authkey=wrong", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
