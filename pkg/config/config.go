// Package config contains the definition of the application config
// structure and the logic required to load and validate it.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/geostore/geostore/pkg/directory"
	"github.com/geostore/geostore/pkg/logger"
	"github.com/geostore/geostore/pkg/oidc"
)

// Config represents the configuration of the application.
type Config struct {
	Server    Server     `mapstructure:"server"`
	Directory Store      `mapstructure:"directory"`
	Cache     Cache      `mapstructure:"cache"`
	Auth      Auth       `mapstructure:"auth"`
	Providers []Provider `mapstructure:"providers"`
}

// Server holds the HTTP listener settings.
type Server struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// CookiePath scopes the session cookies set by the login flow.
	CookiePath string `mapstructure:"cookie_path"`
}

// Address returns the listen address in host:port form.
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Store selects and configures the directory backend.
type Store struct {
	// Driver is "sqlite" or "memory".
	Driver string `mapstructure:"driver"`

	// Path is the sqlite database file. Ignored by the memory driver.
	Path string `mapstructure:"path"`
}

// Cache holds the token cache tuning knobs.
type Cache struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxEntries    int           `mapstructure:"max_entries"`
}

// Auth holds the settings of the authentication chain itself.
type Auth struct {
	// TokenParam is the request parameter checked for a bearer token
	// before the Authorization header. Matched case-insensitively.
	TokenParam string `mapstructure:"token_param"`

	// TrustedHeader, when set, enables header authentication with the
	// named header. Only safe behind an authenticating reverse proxy.
	TrustedHeader string `mapstructure:"trusted_header"`

	// AutoCreateUsers provisions unknown header-asserted users.
	AutoCreateUsers bool `mapstructure:"auto_create_users"`

	// DefaultRole is assigned to auto-created users. Defaults to USER.
	DefaultRole string `mapstructure:"default_role"`
}

// Provider configures one identity provider.
type Provider struct {
	Name            string        `mapstructure:"name"`
	Issuer          string        `mapstructure:"issuer"`
	ClientID        string        `mapstructure:"client_id"`
	ClientSecret    string        `mapstructure:"client_secret"`
	RedirectURL     string        `mapstructure:"redirect_url"`
	Scopes          []string      `mapstructure:"scopes"`
	PrincipalClaim  string        `mapstructure:"principal_claim"`
	RolesClaim      string        `mapstructure:"roles_claim"`
	GroupsClaim     string        `mapstructure:"groups_claim"`
	UppercaseGroups bool          `mapstructure:"uppercase_groups"`
	DefaultRole     string        `mapstructure:"default_role"`
	MaxTokenAge     time.Duration `mapstructure:"max_token_age"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`

	// Local-development escape hatches for providers on localhost.
	AllowPlainHTTP bool `mapstructure:"allow_plain_http"`
	AllowPrivateIP bool `mapstructure:"allow_private_ip"`

	// CACertPath optionally pins the provider's CA bundle.
	CACertPath string `mapstructure:"ca_cert_path"`
}

// OIDC converts the provider entry into the lifecycle's configuration.
func (p *Provider) OIDC() oidc.ProviderConfig {
	role, ok := directory.ParseRole(p.DefaultRole)
	if !ok {
		role = directory.RoleUser
	}
	return oidc.ProviderConfig{
		Name:            p.Name,
		Issuer:          p.Issuer,
		ClientID:        p.ClientID,
		ClientSecret:    p.ClientSecret,
		RedirectURL:     p.RedirectURL,
		Scopes:          p.Scopes,
		PrincipalClaim:  p.PrincipalClaim,
		RolesClaim:      p.RolesClaim,
		GroupsClaim:     p.GroupsClaim,
		UppercaseGroups: p.UppercaseGroups,
		DefaultRole:     role,
		MaxTokenAge:     p.MaxTokenAge,
		ConnectTimeout:  p.ConnectTimeout,
		ReadTimeout:     p.ReadTimeout,
	}
}

// Load reads the configuration from the given file (optional) and from
// GEOSTORE_-prefixed environment variables, applying defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("geostore")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cookie_path", "/")
	v.SetDefault("directory.driver", "sqlite")
	v.SetDefault("directory.path", "geostore.db")
	v.SetDefault("cache.ttl", 8*time.Hour)
	v.SetDefault("cache.sweep_interval", time.Minute)
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("auth.token_param", "authkey")
	v.SetDefault("auth.default_role", "USER")
}

// Validate checks the configuration and prunes provider entries that
// cannot work. A misconfigured provider is logged and skipped so that the
// remaining chain still starts; it is never fatal.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Directory.Driver {
	case "sqlite":
		if c.Directory.Path == "" {
			return fmt.Errorf("directory.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown directory driver %q", c.Directory.Driver)
	}
	if _, ok := directory.ParseRole(c.Auth.DefaultRole); !ok {
		return fmt.Errorf("unknown default role %q", c.Auth.DefaultRole)
	}

	valid := c.Providers[:0]
	seen := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		oidcCfg := p.OIDC()
		if err := oidcCfg.Validate(); err != nil {
			logger.Warnw("skipping misconfigured identity provider",
				"provider", p.Name, "error", err)
			continue
		}
		if _, dup := seen[p.Name]; dup {
			logger.Warnw("skipping duplicate identity provider", "provider", p.Name)
			continue
		}
		seen[p.Name] = struct{}{}
		valid = append(valid, p)
	}
	c.Providers = valid

	return nil
}
