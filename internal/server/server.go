// Package server assembles the HTTP API: ServeMux routes, the middleware
// chain (CORS → logging → rate limit → token auth), and the WebSocket
// endpoint.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stratforge/stratd/internal/domain"
	"github.com/stratforge/stratd/internal/server/handler"
	"github.com/stratforge/stratd/internal/server/middleware"
	"github.com/stratforge/stratd/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit caps requests per client IP per RateWindow. Zero disables
	// limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health        *handler.HealthHandler
	Status        *handler.StatusHandler
	Strategies    *handler.StrategyHandler
	Subscriptions *handler.SubscriptionHandler
}

// Server is the HTTP + WebSocket API front of the engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered. The rate limiter
// may be nil when limiting is disabled.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Liveness and status (no auth on health).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Strategy lifecycle.
	mux.HandleFunc("POST /api/strategies/deploy", handlers.Strategies.Deploy)
	mux.HandleFunc("GET /api/strategies/{id}/stats", handlers.Strategies.Stats)

	// Subscription lifecycle.
	mux.HandleFunc("POST /api/strategies/{id}/subscribe", handlers.Subscriptions.Subscribe)
	mux.HandleFunc("GET /api/strategies/subscriptions", handlers.Subscriptions.List)
	mux.HandleFunc("POST /api/strategies/subscriptions/{id}/pause", handlers.Subscriptions.Pause)
	mux.HandleFunc("POST /api/strategies/subscriptions/{id}/resume", handlers.Subscriptions.Resume)
	mux.HandleFunc("DELETE /api/strategies/subscriptions/{id}", handlers.Subscriptions.Cancel)

	// PUT /api/strategies/{id}/settings and
	// PUT /api/strategies/subscriptions/{id} share the same two-segment
	// shape, which the 1.22 mux treats as a pattern conflict. One pattern
	// covers both; the handler picks the route from the segments.
	mux.HandleFunc("PUT /api/strategies/{head}/{tail}", func(w http.ResponseWriter, r *http.Request) {
		head, tail := r.PathValue("head"), r.PathValue("tail")
		switch {
		case head == "subscriptions":
			r.SetPathValue("id", tail)
			handlers.Subscriptions.Update(w, r)
		case tail == "settings":
			r.SetPathValue("id", head)
			handlers.Strategies.UpdateSettings(w, r)
		default:
			http.NotFound(w, r)
		}
	})

	// WebSocket event stream.
	if wsHub != nil {
		mux.HandleFunc("GET /api/ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "server")),
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
