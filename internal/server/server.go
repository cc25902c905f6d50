package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"instarelay/internal/observability/logging"
	"instarelay/internal/observability/metrics"
	"instarelay/internal/relay"
)

// Authenticator guards the API routes. auth.SessionIdentity satisfies it.
type Authenticator interface {
	Middleware(next http.Handler) http.Handler
}

// HealthCheck is one dependency reported by /healthz.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// Config wires the server to the relay.
type Config struct {
	Addr     string
	Hub      *relay.Hub
	Gateway  http.Handler
	Identity Authenticator
	Checks   []HealthCheck
	// AllowedOrigins lists browser origins admitted by CORS. Empty admits
	// same-host requests only; "*" admits any.
	AllowedOrigins []string
	// InternalSecret enables POST /internal/notifications when set.
	InternalSecret string
	RateLimit      RateLimitConfig
	Security       SecurityConfig
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// Server is the relay's HTTP surface: health, metrics, the websocket
// endpoint, and the REST API.
type Server struct {
	hub            *relay.Hub
	checks         []HealthCheck
	internalSecret string
	logger         *slog.Logger
	router         chi.Router
	httpServer     *http.Server
}

// New builds the router and the http.Server around it.
func New(cfg Config) (*Server, error) {
	if cfg.Hub == nil {
		return nil, errors.New("hub is required")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("websocket gateway is required")
	}
	if cfg.Identity == nil {
		return nil, errors.New("identity middleware is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "http")
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	policy, err := newCORSPolicy(cfg.AllowedOrigins)
	if err != nil {
		return nil, err
	}

	s := &Server{
		hub:            cfg.Hub,
		checks:         cfg.Checks,
		internalSecret: strings.TrimSpace(cfg.InternalSecret),
		logger:         logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(logger))
	r.Use(logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger}))
	r.Use(metrics.HTTPMiddleware(recorder))
	r.Use(securityHeadersMiddleware(cfg.Security))
	r.Use(corsMiddleware(policy, logger))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", recorder.Handler())
	r.Method(http.MethodGet, "/ws", cfg.Gateway)

	r.Group(func(r chi.Router) {
		r.Use(rateLimitMiddleware(newRateLimiter(cfg.RateLimit), logger))
		r.Use(cfg.Identity.Middleware)
		r.Get("/api/presence/{userID}", s.handlePresence)
		r.Get("/api/messages/{peerID}", s.handleHistory)
		r.Get("/api/messages/{peerID}/unread", s.handleUnread)
		r.Get("/api/conversations", s.handleConversations)
		r.Get("/api/comments/{kind}/{itemID}", s.handleComments)
		r.Get("/api/notifications", s.handleNotifications)
	})
	if s.internalSecret != "" {
		r.Post("/internal/notifications", s.handlePublishNotification)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, relay.CodeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return s, nil
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HTTPServer returns the configured server for serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}
