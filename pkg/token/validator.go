// Package token validates bearer tokens against a provider's published
// signing keys and a composable list of claim checks.
package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// Common errors
var (
	ErrNoToken         = errors.New("no token provided")
	ErrInvalidToken    = errors.New("invalid token")
	ErrTokenExpired    = errors.New("token expired")
	ErrInvalidIssuer   = errors.New("invalid issuer")
	ErrInvalidAudience = errors.New("invalid audience")
	ErrMissingSubject  = errors.New("missing subject")
	ErrTokenTooOld     = errors.New("token exceeds maximum age")
	ErrMissingJWKSURL  = errors.New("missing JWKS URL")
)

// Check is one independent validation over the decoded claims. Checks
// return a descriptive error on failure; all configured checks must pass
// and the first failure short-circuits.
type Check func(ctx context.Context, claims jwt.MapClaims) error

// AudienceCheck requires the token's intended audience to include the
// configured client ID.
func AudienceCheck(clientID string) Check {
	return func(_ context.Context, claims jwt.MapClaims) error {
		audiences, err := claims.GetAudience()
		if err != nil {
			return ErrInvalidAudience
		}
		for _, aud := range audiences {
			if aud == clientID {
				return nil
			}
		}
		return ErrInvalidAudience
	}
}

// SubjectCheck requires a non-empty subject claim.
func SubjectCheck() Check {
	return func(_ context.Context, claims jwt.MapClaims) error {
		sub, err := claims.GetSubject()
		if err != nil || strings.TrimSpace(sub) == "" {
			return ErrMissingSubject
		}
		return nil
	}
}

// IssuerCheck requires the issuer claim to equal the configured issuer.
func IssuerCheck(issuer string) Check {
	return func(_ context.Context, claims jwt.MapClaims) error {
		issuerClaim, err := claims.GetIssuer()
		if err != nil {
			return fmt.Errorf("failed to get issuer from claims: %w", err)
		}
		if strings.TrimSpace(issuerClaim) != strings.TrimSpace(issuer) {
			return ErrInvalidIssuer
		}
		return nil
	}
}

// ExpiryCheck requires an expiration claim in the future.
func ExpiryCheck() Check {
	return func(_ context.Context, claims jwt.MapClaims) error {
		expirationTime, err := claims.GetExpirationTime()
		if err != nil || expirationTime == nil || expirationTime.Before(time.Now()) {
			return ErrTokenExpired
		}
		return nil
	}
}

// MaxAgeCheck requires the issued-at claim to be within the given window.
func MaxAgeCheck(maxAge time.Duration) Check {
	return func(_ context.Context, claims jwt.MapClaims) error {
		issuedAt, err := claims.GetIssuedAt()
		if err != nil || issuedAt == nil {
			return fmt.Errorf("%w: missing issued-at claim", ErrTokenTooOld)
		}
		if time.Since(issuedAt.Time) > maxAge {
			return ErrTokenTooOld
		}
		return nil
	}
}

// Validator verifies a bearer token's signature against a provider's JWKS
// and runs its configured claim checks.
type Validator struct {
	jwksURL    string
	jwksClient *jwk.Cache
	checks     []Check

	// Lazy JWKS registration
	jwksRegistered      bool
	jwksRegistrationMu  sync.Mutex
	jwksRegistrationErr error
}

// ValidatorConfig contains configuration for the token validator.
type ValidatorConfig struct {
	// Issuer is the OIDC issuer URL. When set, an issuer check is added.
	Issuer string

	// ClientID is the audience the token must be intended for.
	ClientID string

	// JWKSURL is the URL to fetch the provider's signing key set from.
	JWKSURL string

	// MaxTokenAge optionally bounds how old an accepted token may be,
	// measured from its issued-at claim. Zero disables the check.
	MaxTokenAge time.Duration

	// HTTPClient is used for JWKS fetches. Defaults to a client with sane
	// timeouts when nil.
	HTTPClient *http.Client
}

// NewValidator creates a validator with the required checks (audience,
// subject, expiry) plus the optional issuer and max-age ones.
func NewValidator(ctx context.Context, config ValidatorConfig) (*Validator, error) {
	if config.JWKSURL == "" {
		return nil, ErrMissingJWKSURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	httprcClient := httprc.NewClient(httprc.WithHTTPClient(httpClient))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	checks := []Check{
		AudienceCheck(config.ClientID),
		SubjectCheck(),
		ExpiryCheck(),
	}
	if config.Issuer != "" {
		checks = append(checks, IssuerCheck(config.Issuer))
	}
	if config.MaxTokenAge > 0 {
		checks = append(checks, MaxAgeCheck(config.MaxTokenAge))
	}

	// JWKS registration is deferred to first use to avoid blocking startup
	// on an unreachable provider.

	return &Validator{
		jwksURL:    config.JWKSURL,
		jwksClient: cache,
		checks:     checks,
	}, nil
}

// ensureJWKSRegistered ensures that the JWKS URL is registered with the
// cache. Called lazily on first use.
func (v *Validator) ensureJWKSRegistered(ctx context.Context) error {
	v.jwksRegistrationMu.Lock()
	defer v.jwksRegistrationMu.Unlock()

	if v.jwksRegistered {
		return v.jwksRegistrationErr
	}

	registrationCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := v.jwksClient.Register(registrationCtx, v.jwksURL)
	if err != nil {
		v.jwksRegistrationErr = fmt.Errorf("failed to register JWKS URL: %w", err)
	} else {
		v.jwksRegistrationErr = nil
	}

	v.jwksRegistered = true
	return v.jwksRegistrationErr
}

// getKeyFromJWKS resolves the verification key for a parsed token header.
func (v *Validator) getKeyFromJWKS(ctx context.Context, token *jwt.Token) (interface{}, error) {
	if err := v.ensureJWKSRegistered(ctx); err != nil {
		return nil, fmt.Errorf("JWKS registration failed: %w", err)
	}

	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}

	keySet, err := v.jwksClient.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}

	var rawKey interface{}
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}

	return rawKey, nil
}

// runChecks runs all configured checks, short-circuiting on the first
// failure.
func (v *Validator) runChecks(ctx context.Context, claims jwt.MapClaims) error {
	for _, check := range v.checks {
		if err := check(ctx, claims); err != nil {
			return err
		}
	}
	return nil
}

// ValidateToken verifies the token's signature and claims and returns the
// decoded claims. All failures surface as an authentication failure to the
// caller, never as a request-aborting fault.
func (v *Validator) ValidateToken(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.getKeyFromJWKS(ctx, token)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("failed to get claims from token")
	}

	if err := v.runChecks(ctx, claims); err != nil {
		return nil, err
	}

	return claims, nil
}
