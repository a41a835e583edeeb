// Package api provides the HTTP API and middleware for the hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"

	"github.com/amurg-ai/chathub/hub/auth"
	"github.com/amurg-ai/chathub/hub/config"
	"github.com/amurg-ai/chathub/hub/session"
	"github.com/amurg-ai/chathub/hub/store"
)

// UserDirectory answers user searches. *auth.Service satisfies it.
type UserDirectory interface {
	Find(ctx context.Context, prefix, excludeID string) ([]auth.Identity, error)
}

// ServerOptions contains optional dependencies for the API server.
type ServerOptions struct {
	// Gatherer backs /metrics. Nil uses the Prometheus default gatherer.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	directory     UserDirectory
	registry      *session.Registry
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	loginRL       *rateLimiter
	rl            *rateLimiter
}

// NewServer creates a new API server. ws serves the client WebSocket endpoint.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, dir UserDirectory, registry *session.Registry, ws http.Handler, cfg *config.Config, opts ServerOptions, logger *slog.Logger) *Server {
	srv := &Server{
		store:         s,
		authProvider:  ap,
		loginProvider: lp,
		directory:     dir,
		registry:      registry,
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
	}

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv.loginRL = newRateLimiter(5, 10)
	mux.With(ipRateLimitMiddleware(srv.loginRL, "too many login attempts")).Post("/api/auth/login", srv.handleLogin)

	// WebSocket route (login happens over the socket)
	mux.Get("/ws", ws.ServeHTTP)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/users", srv.handleSearchUsers)

		r.Group(func(r chi.Router) {
			r.Use(requireAdmin)
			r.Post("/api/users", srv.handleCreateUser)
			r.Get("/api/presence", srv.handlePresence)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Auth handlers ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 2-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.logger.Info("login failed", "username", req.Username)
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.Error("login error", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	_, online := s.registry.LookupByIdentity(identity.UserID)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           identity.UserID,
		"username":     identity.Username,
		"display_name": identity.DisplayName,
		"role":         identity.Role,
		"online":       online,
	})
}

// --- User handlers ---

type userInfo struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Online      bool   `json:"online"`
}

func (s *Server) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	prefix := strings.TrimSpace(r.URL.Query().Get("q"))

	found, err := s.directory.Find(r.Context(), prefix, identity.UserID)
	if err != nil {
		s.logger.Error("user search failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to search users")
		return
	}

	writeJSON(w, http.StatusOK, lo.Map(found, func(id auth.Identity, _ int) userInfo {
		_, online := s.registry.LookupByIdentity(id.UserID)
		return userInfo{ID: id.UserID, Username: id.Username, DisplayName: id.DisplayName, Online: online}
	}))
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
		Role        string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req.Username, req.Password, req.DisplayName, req.Role)
	switch {
	case errors.Is(err, auth.ErrInvalidUser):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, auth.ErrUserExists):
		writeError(w, http.StatusConflict, "username already taken")
		return
	case err != nil:
		s.logger.Error("create user failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	writeJSON(w, http.StatusCreated, userInfo{ID: user.ID, Username: user.Username, DisplayName: user.Name()})
}

// --- Admin handlers ---

type presenceInfo struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	ConnID      string    `json:"conn_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	conns, authenticated := s.registry.Counts()
	online := lo.Map(s.registry.OnlineIdentities(), func(p session.Presence, _ int) presenceInfo {
		return presenceInfo{UserID: p.Identity, DisplayName: p.DisplayName, ConnID: p.Conn.ID(), ConnectedAt: p.ConnectedAt}
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"connections":   conns,
		"authenticated": authenticated,
		"online":        online,
	})
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
