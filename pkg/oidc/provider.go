package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/geostore/geostore/pkg/directory"
	"github.com/geostore/geostore/pkg/logger"
	"github.com/geostore/geostore/pkg/versions"
)

// DefaultPrincipalClaim is the claim the principal name is read from when
// none is configured.
const DefaultPrincipalClaim = "email"

// ErrProviderMisconfigured marks a provider block that cannot be used;
// the chain skips the provider instead of failing the service.
var ErrProviderMisconfigured = errors.New("provider misconfigured")

// ProviderConfig describes one upstream identity provider.
type ProviderConfig struct {
	// Name identifies the provider; it is written as the sourceService tag
	// on groups created from this provider's claims.
	Name string

	// Issuer is the provider's base URL; endpoints are discovered from
	// {Issuer}/.well-known/openid-configuration unless set explicitly.
	Issuer string

	ClientID     string
	ClientSecret string

	// RedirectURL is our callback URL registered with the provider.
	RedirectURL string

	// Scopes requested on the authorization redirect. "openid" is always
	// included.
	Scopes []string

	// PrincipalClaim is the claim holding the principal name.
	// Defaults to "email".
	PrincipalClaim string

	// RolesClaim is the claim path holding provider-asserted roles.
	// Empty disables role synchronization.
	RolesClaim string

	// GroupsClaim is the claim path holding provider-asserted group names.
	// Empty disables group reconciliation.
	GroupsClaim string

	// UppercaseGroups normalizes asserted group names to upper case.
	UppercaseGroups bool

	// DefaultRole is assigned when the roles claim asserts nothing usable.
	DefaultRole directory.Role

	// MaxTokenAge optionally bounds accepted token age from issued-at.
	MaxTokenAge time.Duration

	// ConnectTimeout and ReadTimeout bound outbound calls to the provider.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Validate reports whether the provider block is usable. A misconfigured
// provider is skipped, never fatal.
func (c *ProviderConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrProviderMisconfigured)
	}
	if c.Issuer == "" {
		return fmt.Errorf("%w: issuer is required", ErrProviderMisconfigured)
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("%w: client id and secret are required", ErrProviderMisconfigured)
	}
	return nil
}

// PrincipalClaimOrDefault returns the configured principal claim or the
// default.
func (c *ProviderConfig) PrincipalClaimOrDefault() string {
	if c.PrincipalClaim == "" {
		return DefaultPrincipalClaim
	}
	return c.PrincipalClaim
}

// Provider is a client for one upstream identity provider's endpoints.
type Provider struct {
	cfg       ProviderConfig
	endpoints *DiscoveryDocument
	oauth     *oauth2.Config
	verifier  *gooidc.IDTokenVerifier
	client    *http.Client
}

// NewProvider discovers the provider's endpoints and builds its OAuth2 and
// ID-token verification clients.
func NewProvider(ctx context.Context, cfg ProviderConfig, client *http.Client) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	doc, err := Discover(ctx, client, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering %s endpoints: %w", cfg.Name, err)
	}

	scopes := cfg.Scopes
	if !containsScope(scopes, gooidc.ScopeOpenID) {
		scopes = append([]string{gooidc.ScopeOpenID}, scopes...)
	}

	keySet := gooidc.NewRemoteKeySet(gooidc.ClientContext(ctx, client), doc.JWKSURI)
	verifier := gooidc.NewVerifier(doc.Issuer, keySet, &gooidc.Config{ClientID: cfg.ClientID})

	return &Provider{
		cfg:       cfg,
		endpoints: doc,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  doc.AuthorizationEndpoint,
				TokenURL: doc.TokenEndpoint,
			},
		},
		verifier: verifier,
		client:   client,
	}, nil
}

// Name returns the provider's configured name.
func (p *Provider) Name() string { return p.cfg.Name }

// Config returns the provider's configuration.
func (p *Provider) Config() ProviderConfig { return p.cfg }

// Endpoints returns the discovered endpoint set.
func (p *Provider) Endpoints() *DiscoveryDocument { return p.endpoints }

// AuthCodeURL returns the provider's authorization redirect URL for the
// interactive login entry point.
func (p *Provider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens at the token endpoint.
func (p *Provider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := p.oauth.Exchange(p.clientContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("code exchange with %s failed: %w", p.cfg.Name, err)
	}
	return tok, nil
}

// Refresh exchanges a refresh token for a fresh access token.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := p.oauth.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh exchange with %s failed: %w", p.cfg.Name, err)
	}
	return tok, nil
}

// VerifyIDToken verifies a raw ID token's signature, audience and expiry
// against the provider and returns it.
func (p *Provider) VerifyIDToken(ctx context.Context, rawIDToken string) (*gooidc.IDToken, error) {
	idToken, err := p.verifier.Verify(gooidc.ClientContext(ctx, p.client), rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("ID token verification against %s failed: %w", p.cfg.Name, err)
	}
	return idToken, nil
}

// Userinfo fetches the userinfo document for an access token and returns
// its decoded claims.
func (p *Provider) Userinfo(ctx context.Context, accessToken string) (map[string]any, error) {
	if p.endpoints.UserinfoEndpoint == "" {
		return nil, fmt.Errorf("%s has no userinfo endpoint", p.cfg.Name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoints.UserinfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", versions.UserAgent())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo call to %s failed: %w", p.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo call to %s returned status %d", p.cfg.Name, resp.StatusCode)
	}

	var claims map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo response: %w", err)
	}
	return claims, nil
}

// Revoke informs the provider that a token should no longer be considered
// valid. Best-effort: failures are returned for logging but callers never
// retry or escalate them.
func (p *Provider) Revoke(ctx context.Context, token, tokenTypeHint string) error {
	if p.endpoints.RevocationEndpoint == "" {
		return nil
	}

	form := url.Values{"token": {token}}
	if tokenTypeHint != "" {
		form.Set("token_type_hint", tokenTypeHint)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, p.endpoints.RevocationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", versions.UserAgent())
	req.SetBasicAuth(p.cfg.ClientID, p.cfg.ClientSecret)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("revoke call to %s failed: %w", p.cfg.Name, err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("revoke call to %s returned status %d", p.cfg.Name, resp.StatusCode)
	}
	return nil
}

// EndSession notifies the provider's end-session endpoint that the user
// logged out. Best-effort.
func (p *Provider) EndSession(ctx context.Context, idTokenHint string) error {
	if p.endpoints.EndSessionEndpoint == "" {
		return nil
	}

	endSessionURL := p.endpoints.EndSessionEndpoint
	if idTokenHint != "" {
		endSessionURL += "?id_token_hint=" + url.QueryEscape(idTokenHint)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endSessionURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create end-session request: %w", err)
	}
	req.Header.Set("User-Agent", versions.UserAgent())

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("end-session call to %s failed: %w", p.cfg.Name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		logger.Warnw("end-session endpoint returned an error status",
			"provider", p.cfg.Name, "status", resp.StatusCode)
	}
	return nil
}

// clientContext injects our HTTP client into oauth2 calls so provider
// timeouts apply there too.
func (p *Provider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}
