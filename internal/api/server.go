package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tradearena/internal/auth"
	"tradearena/internal/config"
	"tradearena/internal/market"
	"tradearena/internal/portfolio"
	"tradearena/internal/storage"
)

// Deps bundles everything the HTTP layer serves. The hub is constructed by
// the caller because the aggregator and executor fan out through it.
type Deps struct {
	Store      storage.Store
	Verifier   auth.Verifier
	Controller ContestControl
	Executor   *portfolio.Executor
	Registry   *portfolio.Registry
	Refresher  LeaderboardSource
	Aggregator *market.Aggregator
	Prices     *market.PriceIndex
	Hub        *Hub
}

// Server runs the HTTP and WebSocket API.
type Server struct {
	cfg      *config.Config
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	handlers := NewHandlers(cfg, deps, deps.Hub, logger)
	g := &guard{
		verifier: deps.Verifier,
		store:    deps.Store,
		logger:   logger.With("component", "api-auth"),
	}
	trades := newTradeLimiter(cfg.RateLimit)

	mux := http.NewServeMux()

	// Public endpoints.
	mux.HandleFunc("GET /health", handlers.handleHealth)
	mux.HandleFunc("GET /symbols", handlers.handleSymbols)
	mux.HandleFunc("GET /timeframes", handlers.handleTimeframes)
	mux.HandleFunc("GET /candlestick/{symbol}", handlers.handleCandles)
	mux.HandleFunc("GET /contest/state", handlers.handleContestState)
	mux.HandleFunc("GET /leaderboard", handlers.handleLeaderboard)
	mux.HandleFunc("GET /ws", handlers.handleWS)

	// Authenticated endpoints.
	mux.HandleFunc("GET /portfolio", g.requireUser(handlers.handlePortfolio))
	mux.HandleFunc("GET /trades", g.requireUser(handlers.handleTrades))
	mux.HandleFunc("GET /shorts", g.requireUser(handlers.handleShorts))
	mux.HandleFunc("POST /trade", g.requireUser(trades.limitTrades(handlers.handleTrade)))

	// Admin endpoints.
	mux.HandleFunc("POST /admin/contest/start", g.requireAdmin(handlers.handleContestStart))
	mux.HandleFunc("POST /admin/contest/stop", g.requireAdmin(handlers.handleContestStop))
	mux.HandleFunc("POST /admin/contest/pause", g.requireAdmin(handlers.handleContestPause))
	mux.HandleFunc("POST /admin/contest/resume", g.requireAdmin(handlers.handleContestResume))
	mux.HandleFunc("POST /admin/contest/reset-data", g.requireAdmin(handlers.handleResetData))

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      cors(cfg.Server.AllowedOrigins, logRequests(logger.With("component", "http"), mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		hub:      deps.Hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start blocks on the listener until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully drains in-flight requests.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
