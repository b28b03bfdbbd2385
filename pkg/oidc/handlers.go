package oidc

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/geostore/geostore/pkg/logger"
)

// Cookie names used by the browser-facing login flow.
const (
	AccessTokenCookie  = "geostore_access_token"
	RefreshTokenCookie = "geostore_refresh_token"
	stateCookie        = "geostore_oauth_state"
	redirectCookie     = "geostore_post_login_redirect"
)

// stateTTL bounds how long a login attempt may sit between the redirect to
// the provider and the callback.
const stateTTL = 10 * time.Minute

// Handler serves the interactive authorization-code flow for one provider:
// login redirect, callback exchange, and logout.
type Handler struct {
	lifecycle *Lifecycle

	// cookiePath scopes the token cookies. Defaults to "/".
	cookiePath string
}

// NewHandler builds the login-flow handler on top of a lifecycle.
func NewHandler(lifecycle *Lifecycle, cookiePath string) *Handler {
	if cookiePath == "" {
		cookiePath = "/"
	}
	return &Handler{lifecycle: lifecycle, cookiePath: cookiePath}
}

// Login starts the authorization-code flow: it stores an anti-CSRF state
// cookie and redirects the browser to the provider's authorization endpoint.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := randomState()
	if err != nil {
		http.Error(w, "failed to start login", http.StatusInternalServerError)
		return
	}

	secure := isSecure(r)
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     h.cookiePath,
		Expires:  time.Now().Add(stateTTL),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	if redirect := r.URL.Query().Get("redirect_uri"); redirect != "" && isLocalRedirect(redirect) {
		http.SetCookie(w, &http.Cookie{
			Name:     redirectCookie,
			Value:    redirect,
			Path:     h.cookiePath,
			Expires:  time.Now().Add(stateTTL),
			HttpOnly: true,
			Secure:   secure,
			SameSite: http.SameSiteLaxMode,
		})
	}

	http.Redirect(w, r, h.lifecycle.Provider().AuthCodeURL(state), http.StatusFound)
}

// Callback completes the flow: it validates the state, exchanges the code,
// admits the token through the lifecycle, and sets the session cookies.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if errCode := r.URL.Query().Get("error"); errCode != "" {
		logger.Warnw("authorization denied by provider",
			"provider", h.lifecycle.Provider().Name(),
			"error", errCode,
			"description", r.URL.Query().Get("error_description"))
		http.Error(w, fmt.Sprintf("authorization failed: %s", errCode), http.StatusUnauthorized)
		return
	}

	stored, err := r.Cookie(stateCookie)
	if err != nil || stored.Value == "" || stored.Value != r.URL.Query().Get("state") {
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	}
	h.clearCookie(w, r, stateCookie)

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	oauthToken, err := h.lifecycle.Provider().Exchange(ctx, code)
	if err != nil {
		logger.Errorw("code exchange failed",
			"provider", h.lifecycle.Provider().Name(), "error", err)
		http.Error(w, "token exchange failed", http.StatusBadGateway)
		return
	}

	identity, err := h.lifecycle.AdmitToken(ctx, oauthToken)
	if err != nil {
		logger.Errorw("token admission failed after exchange",
			"provider", h.lifecycle.Provider().Name(), "error", err)
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	secure := isSecure(r)
	http.SetCookie(w, &http.Cookie{
		Name:     AccessTokenCookie,
		Value:    oauthToken.AccessToken,
		Path:     h.cookiePath,
		Expires:  oauthToken.Expiry,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	if oauthToken.RefreshToken != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     RefreshTokenCookie,
			Value:    oauthToken.RefreshToken,
			Path:     h.cookiePath,
			HttpOnly: true,
			Secure:   secure,
			SameSite: http.SameSiteLaxMode,
		})
	}

	logger.Infow("login completed",
		"provider", h.lifecycle.Provider().Name(),
		"principal", identity.Name,
		"role", identity.Role.String())

	redirect := "/"
	if c, cerr := r.Cookie(redirectCookie); cerr == nil && isLocalRedirect(c.Value) {
		redirect = c.Value
		h.clearCookie(w, r, redirectCookie)
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// Logout tears down the session and clears the token cookies. It accepts
// the access token from either the session cookie or the bearer header.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	accessToken := ""
	if c, err := r.Cookie(AccessTokenCookie); err == nil {
		accessToken = c.Value
	}
	if accessToken == "" {
		if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
			accessToken = h[7:]
		}
	}

	idTokenHint := r.URL.Query().Get("id_token_hint")
	if accessToken != "" {
		h.lifecycle.Logout(r.Context(), accessToken, idTokenHint)
	}

	h.clearCookie(w, r, AccessTokenCookie)
	h.clearCookie(w, r, RefreshTokenCookie)

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("logged out\n"))
}

func (h *Handler) clearCookie(w http.ResponseWriter, r *http.Request, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     h.cookiePath,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   isSecure(r),
		SameSite: http.SameSiteLaxMode,
	})
}

func randomState() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func isSecure(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}

// isLocalRedirect rejects absolute URLs so the post-login redirect cannot
// be abused to bounce the browser off-site.
func isLocalRedirect(target string) bool {
	return len(target) > 0 && target[0] == '/' && (len(target) == 1 || target[1] != '/')
}
