// Package hub is the main orchestrator that ties all hub components together.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/amurg-ai/chathub/hub/api"
	"github.com/amurg-ai/chathub/hub/auth"
	"github.com/amurg-ai/chathub/hub/config"
	"github.com/amurg-ai/chathub/hub/gateway"
	"github.com/amurg-ai/chathub/hub/metrics"
	"github.com/amurg-ai/chathub/hub/router"
	"github.com/amurg-ai/chathub/hub/session"
	"github.com/amurg-ai/chathub/hub/store"
)

// Options contains optional dependencies for the hub.
type Options struct {
	// Registerer receives the hub's collectors. Nil uses a fresh registry so
	// that several hubs can live in one process (tests).
	Registerer *prometheus.Registry
}

// Hub is the main hub process.
type Hub struct {
	cfg      *config.Config
	store    store.Store
	auth     *auth.Service
	registry *session.Registry
	router   *router.Router
	gateway  *gateway.Gateway
	api      *api.Server
	logger   *slog.Logger
}

// New creates a new hub from configuration.
func New(ctx context.Context, cfg *config.Config, opts Options, logger *slog.Logger) (*Hub, error) {
	// Initialize storage.
	db, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authSvc := auth.NewService(db, cfg.Auth).WithSearchLimit(cfg.Session.SearchLimit)
	if cfg.Auth.Issuer != nil {
		v, err := auth.NewIssuerVerifier(ctx, *cfg.Auth.Issuer)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init token issuer: %w", err)
		}
		authSvc.WithIssuer(v)
		logger.Info("accepting tokens from external issuer", "issuer", cfg.Auth.Issuer.URL)
	}
	if err := authSvc.Bootstrap(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.New(reg)

	registry := session.NewRegistry(session.ParsePolicy(cfg.Session.DuplicateLogin))
	m.ObserveSessions(func() int {
		_, n := registry.Counts()
		return n
	})

	rt := router.New(authSvc, db, registry, logger, router.Options{
		MaxContentBytes: cfg.Session.MaxContentBytes,
		Metrics:         m,
	})

	gw := gateway.New(rt, registry, logger, gateway.Options{
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		MaxMessageBytes:   cfg.Session.MaxMessageBytes,
		SendBuffer:        cfg.Session.SendBuffer,
		MessagesPerSecond: cfg.Session.MessagesPerSecond,
		MessageBurst:      cfg.Session.MessageBurst,
		PingInterval:      cfg.Session.PingInterval.Duration,
		PongWait:          cfg.Session.PongWait.Duration,
		Metrics:           m,
	})

	apiSrv := api.NewServer(db, authSvc, authSvc, authSvc, registry, gw, cfg, api.ServerOptions{Gatherer: reg}, logger)

	h := &Hub{
		cfg:      cfg,
		store:    db,
		auth:     authSvc,
		registry: registry,
		router:   rt,
		gateway:  gw,
		api:      apiSrv,
		logger:   logger.With("component", "hub"),
	}

	if len(cfg.Auth.JWTSecret) < 32 {
		logger.Warn("JWT secret is shorter than 32 characters, use a stronger secret in production")
	}
	if cfg.Auth.InitialAdmin != nil &&
		cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
		logger.Warn("default admin credentials detected (admin/admin), change them in production")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	logger.Info("duplicate login policy", "policy", registry.Policy().String())

	return h, nil
}

// Handler returns the hub's HTTP handler.
func (h *Hub) Handler() http.Handler {
	return h.api.Handler()
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.cfg.Server.Addr,
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	h.api.StartBackgroundTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()

		// Hijacked WebSocket connections are not tracked by http.Server.
		if err := h.gateway.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("websocket connections did not drain", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.logger.Info("closing store")
		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = h.gateway.Shutdown(context.Background())
		_ = h.store.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close releases the hub's resources without serving.
func (h *Hub) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	_ = h.gateway.Shutdown(ctx)
	return h.store.Close()
}
