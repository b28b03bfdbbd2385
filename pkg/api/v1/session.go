package v1

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/geostore/geostore/pkg/authn"
	"github.com/geostore/geostore/pkg/directory"
	"github.com/geostore/geostore/pkg/tokencache"
)

// SessionRouter exposes the caller's own session: who am I, minting an
// opaque session token, and tearing it down. Admin-only cache insight
// lives under /stats.
func SessionRouter(cache *tokencache.Cache, tokenParam string) http.Handler {
	routes := &sessionRoutes{cache: cache, tokenParam: tokenParam}
	r := chi.NewRouter()
	r.With(authn.RequireAuthenticated).Get("/", routes.getSession)
	r.With(authn.RequireAuthenticated).Post("/", routes.createSession)
	r.With(authn.RequireAuthenticated).Delete("/", routes.deleteSession)
	r.With(authn.RequireRole(directory.RoleAdmin)).Get("/stats", routes.getStats)
	return r
}

type sessionRoutes struct {
	cache      *tokencache.Cache
	tokenParam string
}

type sessionResponse struct {
	Name     string   `json:"name"`
	Role     string   `json:"role"`
	Groups   []string `json:"groups"`
	Provider string   `json:"provider,omitempty"`
}

// getSession answers "who am I" for the authenticated caller.
func (*sessionRoutes) getSession(w http.ResponseWriter, r *http.Request) {
	identity, _ := authn.IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, sessionResponse{
		Name:     identity.Name,
		Role:     identity.Role.String(),
		Groups:   identity.Groups,
		Provider: identity.Provider,
	})
}

type createSessionResponse struct {
	Token string `json:"token"`
}

// createSession mints an opaque session token for the caller. The token
// resolves from the cache alone; it never reaches an identity provider.
func (s *sessionRoutes) createSession(w http.ResponseWriter, r *http.Request) {
	identity, _ := authn.IdentityFromContext(r.Context())

	token := uuid.NewString()
	s.cache.Put(token, &tokencache.Entry{Identity: identity})

	writeJSON(w, http.StatusCreated, createSessionResponse{Token: token})
}

// deleteSession drops the presented opaque session token from the cache.
func (s *sessionRoutes) deleteSession(w http.ResponseWriter, r *http.Request) {
	token := authn.ExtractBearer(r, s.tokenParam)
	if token == "" {
		http.Error(w, "no session token presented", http.StatusBadRequest)
		return
	}
	s.cache.Remove(token)
	w.WriteHeader(http.StatusNoContent)
}

type statsResponse struct {
	Entries int `json:"entries"`
}

func (s *sessionRoutes) getStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{Entries: s.cache.Len()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
