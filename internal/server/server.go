// Package server exposes the engine over HTTP and websockets.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/alanyoungcy/smartarb/internal/server/handler"
	"github.com/alanyoungcy/smartarb/internal/server/middleware"
	"github.com/alanyoungcy/smartarb/internal/server/ws"
)

// Config holds the HTTP server settings.
type Config struct {
	Port        int
	CORSOrigins []string
	// AuthToken guards mutating routes; empty disables auth.
	AuthToken string
	// RatePerMin is the per-client request budget; zero disables limiting.
	RatePerMin int
}

// Handlers aggregates the route handlers. Metrics and Hub may be nil.
type Handlers struct {
	Health     *handler.HealthHandler
	Engine     *handler.EngineHandler
	Risk       *handler.RiskHandler
	Executions *handler.ExecutionHandler
	Tickers    *handler.TickerHandler
	Metrics    http.Handler
	Hub        *ws.Hub
}

// Deps are the optional middleware collaborators.
type Deps struct {
	Limiter  domain.RateLimiter
	Observer middleware.Observer
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in CORS, request
// logging, rate limiting and auth, outermost first.
func NewServer(cfg Config, h Handlers, deps Deps, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	mux := http.NewServeMux()
	Routes(mux, h)

	var root http.Handler = mux
	root = middleware.Auth(cfg.AuthToken)(root)
	root = middleware.RateLimit(deps.Limiter, cfg.RatePerMin, time.Minute, logger)(root)
	root = middleware.Logging(logger, deps.Observer)(root)
	root = middleware.CORS(cfg.CORSOrigins)(root)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           root,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Routes registers the API on mux.
func Routes(mux *http.ServeMux, h Handlers) {
	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", h.Engine.Status)
	mux.HandleFunc("GET /api/opportunities/active", h.Engine.ActiveOpportunities)
	mux.HandleFunc("GET /api/opportunities/recent", h.Engine.RecentOpportunities)
	mux.HandleFunc("GET /api/stats", h.Engine.Stats)
	mux.HandleFunc("GET /api/risk", h.Risk.Summary)
	mux.HandleFunc("GET /api/executions", h.Executions.List)
	mux.HandleFunc("GET /api/executions/{id}", h.Executions.Get)
	mux.HandleFunc("GET /api/tickers/{venue}/{symbol...}", h.Tickers.Get)

	mux.HandleFunc("POST /api/emergency-stop", h.Engine.EmergencyStop)
	mux.HandleFunc("POST /api/emergency-stop/reset", h.Engine.ResetEmergencyStop)
	mux.HandleFunc("POST /api/circuit-breaker/reset", h.Risk.ResetBreaker)
	mux.HandleFunc("POST /api/positions/{id}/resolve", h.Risk.ResolvePosition)

	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	if h.Hub != nil {
		mux.HandleFunc("GET /ws", h.Hub.HandleWS)
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx ends, then shuts down with a ten-second grace
// period for in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.httpServer.Addr, err)
	}
	s.logger.InfoContext(ctx, "listening", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
