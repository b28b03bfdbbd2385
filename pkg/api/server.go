// Package api contains the REST API for GeoStore.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1 "github.com/geostore/geostore/pkg/api/v1"
	"github.com/geostore/geostore/pkg/authn"
	"github.com/geostore/geostore/pkg/directory"
	"github.com/geostore/geostore/pkg/logger"
	"github.com/geostore/geostore/pkg/oidc"
	"github.com/geostore/geostore/pkg/tokencache"
)

// Not sure if these values need to be configurable.
const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Deps carries the wired components the API serves.
type Deps struct {
	Chain *authn.Chain
	Cache *tokencache.Cache
	Dir   directory.Directory

	// TokenParam is the request parameter carrying bearer and session
	// tokens, shared with the authentication chain.
	TokenParam string

	// Login keys interactive login handlers by provider name.
	Login map[string]*oidc.Handler
}

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// Router builds the full route tree. Split from Serve for tests.
func Router(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Timeout(middlewareTimeout),
		headersMiddleware,
		deps.Chain.Middleware,
	)

	r.Mount("/health", v1.HealthcheckRouter())
	r.Mount("/version", v1.VersionRouter())
	r.Mount("/metrics", promhttp.Handler())
	r.Mount("/api/v1/session", v1.SessionRouter(deps.Cache, deps.TokenParam))

	for name, handler := range deps.Login {
		r.Route("/auth/"+name, func(pr chi.Router) {
			pr.Get("/login", handler.Login)
			pr.Get("/callback", handler.Callback)
			pr.Get("/logout", handler.Logout)
		})
	}

	return r
}

// Serve starts the server on the given address and serves the API.
// It is assumed that the caller sets up appropriate signal handling.
func Serve(ctx context.Context, address string, deps Deps) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              address,
		Handler:           Router(deps),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	logger.Infof("starting HTTP server on %s", address)

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server stopped with error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Info("HTTP server stopped")
	return nil
}
