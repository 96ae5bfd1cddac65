// Package server exposes the escrow HTTP and websocket API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/priceescrow/internal/domain"
	"github.com/alanyoungcy/priceescrow/internal/metrics"
	"github.com/alanyoungcy/priceescrow/internal/server/handler"
	"github.com/alanyoungcy/priceescrow/internal/server/middleware"
	"github.com/alanyoungcy/priceescrow/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards operator routes; empty disables them.
	APIKey string
	// MaxClockSkew bounds the age of a signed request.
	MaxClockSkew time.Duration
	// RateLimit is the number of requests per RateWindow allowed per
	// client. Zero disables rate limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health  *handler.HealthHandler
	Status  *handler.StatusHandler
	Escrows *handler.EscrowHandler
	Custody *handler.CustodyHandler
	Prices  *handler.PriceHandler
	Archive *handler.ArchiveHandler
	Metrics http.Handler
}

// Server is the escrow HTTP + websocket API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Options carries the optional collaborators of NewServer.
type Options struct {
	Hub     *ws.Hub
	Limiter domain.RateLimiter
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// NewServer creates a Server with all routes registered.
func NewServer(cfg Config, h Handlers, opts Options, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	signed := middleware.RequireSignature(cfg.MaxClockSkew, opts.Now)
	operator := middleware.RequireAPIKey(cfg.APIKey)

	// Public reads.
	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", h.Status.GetStatus)
	mux.HandleFunc("GET /api/escrows", h.Escrows.List)
	mux.HandleFunc("GET /api/escrows/{seed}", h.Escrows.Get)
	mux.HandleFunc("GET /api/events", h.Escrows.Events)
	mux.HandleFunc("GET /api/custody/{account}", h.Custody.Balance)
	mux.HandleFunc("GET /api/prices", h.Prices.ListFeeds)
	mux.HandleFunc("GET /api/prices/{feed}", h.Prices.Latest)

	// Signed transitions.
	mux.Handle("POST /api/escrows", signed(http.HandlerFunc(h.Escrows.Create)))
	mux.Handle("POST /api/escrows/{seed}/join", signed(http.HandlerFunc(h.Escrows.Join)))
	mux.Handle("POST /api/escrows/{seed}/accept", signed(http.HandlerFunc(h.Escrows.Accept)))
	mux.Handle("POST /api/escrows/{seed}/settle", signed(http.HandlerFunc(h.Escrows.Settle)))
	mux.Handle("POST /api/escrows/{seed}/withdraw", signed(http.HandlerFunc(h.Escrows.Withdraw)))

	// Operator routes.
	mux.Handle("POST /api/custody/{account}/deposit", operator(http.HandlerFunc(h.Custody.Deposit)))
	mux.Handle("GET /api/audit", operator(http.HandlerFunc(h.Custody.Audit)))
	if h.Archive != nil {
		mux.Handle("GET /api/archive", operator(http.HandlerFunc(h.Archive.List)))
		mux.Handle("GET /api/archive/file", operator(http.HandlerFunc(h.Archive.File)))
		mux.Handle("POST /api/archive/trigger", operator(http.HandlerFunc(h.Archive.Trigger)))
	}

	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	if opts.Hub != nil {
		mux.HandleFunc("GET /ws", opts.Hub.HandleWS)
	}

	var root http.Handler = mux
	if opts.Limiter != nil && cfg.RateLimit > 0 {
		root = middleware.RateLimit(opts.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(root)
	}
	root = middleware.Logging(logger, opts.Metrics)(root)
	root = middleware.CORS(cfg.CORSOrigins)(root)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      root,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    root,
		logger:     logger,
	}
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
