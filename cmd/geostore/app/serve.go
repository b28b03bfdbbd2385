package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/geostore/geostore/pkg/api"
	"github.com/geostore/geostore/pkg/authn"
	"github.com/geostore/geostore/pkg/config"
	"github.com/geostore/geostore/pkg/directory"
	"github.com/geostore/geostore/pkg/directory/sqlite"
	"github.com/geostore/geostore/pkg/logger"
	"github.com/geostore/geostore/pkg/networking"
	"github.com/geostore/geostore/pkg/oidc"
	"github.com/geostore/geostore/pkg/token"
	"github.com/geostore/geostore/pkg/tokencache"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the GeoStore authentication server",
	RunE:  serveCmdFunc,
}

var configPath string

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to the configuration file")
}

func serveCmdFunc(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir, cleanup, err := openDirectory(ctx, cfg.Directory)
	if err != nil {
		return err
	}
	defer cleanup()

	// The lifecycles are created after the cache but the cache needs a
	// revoker; the closure sees the filled slice by the time it runs.
	var lifecycles []*oidc.Lifecycle
	revoke := func(ctx context.Context, tok tokencache.Token) error {
		for _, lc := range lifecycles {
			if err := lc.RevokeExpired(ctx, tok); err != nil {
				return err
			}
		}
		return nil
	}

	cache := tokencache.New(cfg.Cache.SweepInterval,
		tokencache.WithTTL(cfg.Cache.TTL),
		tokencache.WithMaxEntries(cfg.Cache.MaxEntries),
		tokencache.WithRevoker(revoke),
	)
	defer cache.Close()

	login := make(map[string]*oidc.Handler, len(cfg.Providers))
	var bearers []authn.Authenticator
	for _, pc := range cfg.Providers {
		lc, buildErr := buildLifecycle(ctx, pc, cache, dir)
		if buildErr != nil {
			// An unreachable provider must not keep the rest of the
			// chain from starting.
			logger.Errorw("skipping identity provider",
				"provider", pc.Name, "error", buildErr)
			continue
		}
		lifecycles = append(lifecycles, lc)
		login[pc.Name] = oidc.NewHandler(lc, cfg.Server.CookiePath)
		bearers = append(bearers, authn.NewBearerTokenAuthenticator(
			lc, cfg.Auth.TokenParam,
			authn.WithSessionCookie(oidc.AccessTokenCookie),
		))
	}

	chain := buildChain(cfg, dir, cache, bearers)

	logger.Infow("starting geostore",
		"address", cfg.Server.Address(),
		"directory", cfg.Directory.Driver,
		"providers", len(lifecycles))

	return api.Serve(ctx, cfg.Server.Address(), api.Deps{
		Chain:      chain,
		Cache:      cache,
		Dir:        dir,
		Login:      login,
		TokenParam: cfg.Auth.TokenParam,
	})
}

func openDirectory(ctx context.Context, cfg config.Store) (directory.Directory, func(), error) {
	switch cfg.Driver {
	case "memory":
		return directory.NewMemory(), func() {}, nil
	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open directory store: %w", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Errorf("error closing directory store: %v", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown directory driver %q", cfg.Driver)
	}
}

func buildLifecycle(
	ctx context.Context, pc config.Provider, cache *tokencache.Cache, dir directory.Directory,
) (*oidc.Lifecycle, error) {
	client, err := networking.NewHttpClientBuilder().
		WithConnectTimeout(pc.ConnectTimeout).
		WithReadTimeout(pc.ReadTimeout).
		WithCABundle(pc.CACertPath).
		WithPlainHTTP(pc.AllowPlainHTTP).
		WithPrivateIPs(pc.AllowPrivateIP).
		Build()
	if err != nil {
		return nil, err
	}

	oidcCfg := pc.OIDC()
	provider, err := oidc.NewProvider(ctx, oidcCfg, client)
	if err != nil {
		return nil, err
	}

	validator, err := token.NewValidator(ctx, token.ValidatorConfig{
		Issuer:      oidcCfg.Issuer,
		ClientID:    oidcCfg.ClientID,
		JWKSURL:     provider.Endpoints().JWKSURI,
		MaxTokenAge: oidcCfg.MaxTokenAge,
		HTTPClient:  client,
	})
	if err != nil {
		return nil, err
	}

	return oidc.NewLifecycle(provider, validator, cache, dir), nil
}

func buildChain(
	cfg *config.Config, dir directory.Directory, cache *tokencache.Cache, bearers []authn.Authenticator,
) *authn.Chain {
	authenticators := []authn.Authenticator{
		authn.NewBasicAuthenticator(dir),
	}

	if cfg.Auth.TrustedHeader != "" {
		var opts []authn.HeaderOption
		if cfg.Auth.AutoCreateUsers {
			role, _ := directory.ParseRole(cfg.Auth.DefaultRole)
			opts = append(opts, authn.WithAutoCreate(role))
		}
		authenticators = append(authenticators,
			authn.NewHeaderAuthenticator(dir, cfg.Auth.TrustedHeader, opts...))
	}

	// Opaque sessions resolve from the cache alone. Provider-issued
	// bearer tokens are left to their lifecycle so that refresh and
	// re-validation still happen.
	resolve := func(tok string) (*authn.Identity, bool) {
		entry, ok := cache.Get(tok)
		if !ok || entry.Token.Provider != "" || entry.Token.Expired(time.Now()) {
			return nil, false
		}
		return entry.Identity, true
	}
	authenticators = append(authenticators,
		authn.NewSessionTokenAuthenticator(resolve, cfg.Auth.TokenParam))

	return authn.NewChain(append(authenticators, bearers...)...)
}
