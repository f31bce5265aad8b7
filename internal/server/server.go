// Package server exposes bidwatch over HTTP: the per-view live socket, the
// observer hub and a small read-only REST API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/bidwatch/internal/domain"
	"github.com/alanyoungcy/bidwatch/internal/server/handler"
	"github.com/alanyoungcy/bidwatch/internal/server/middleware"
	"github.com/alanyoungcy/bidwatch/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit requests per RateWindow are allowed per client IP on /api.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates everything the server routes to.
type Handlers struct {
	Health   *handler.HealthHandler
	Status   *handler.StatusHandler
	Auctions *handler.AuctionHandler
	Live     *ws.LiveHandler
	Hub      *ws.Hub
}

// Server is the HTTP + websocket server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers all routes and wraps them in the middleware chain:
// CORS, logging, per-IP rate limiting on /api, then auth.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	mux.HandleFunc("GET /api/auctions/{id}/snapshot", handlers.Auctions.GetSnapshot)
	mux.HandleFunc("GET /api/auctions/{id}/events", handlers.Auctions.ListEvents)
	mux.HandleFunc("GET /api/auctions/{id}/closure", handlers.Auctions.GetClosure)
	mux.HandleFunc("GET /api/auctions/{id}/archives", handlers.Auctions.ListArchives)

	mux.HandleFunc("GET /ws/live", handlers.Live.HandleLive)
	if handlers.Hub != nil {
		mux.HandleFunc("GET /ws", handlers.Hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, "/api/", cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline. Hijacked websocket
// connections are not tracked; the live service closes their views.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
