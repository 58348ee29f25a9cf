// Trade Arena — a time-compressed stock market trading contest engine.
//
// Architecture:
//
//	main.go                  — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	contest/controller.go    — contest lifecycle state machine driving the replay tick loop
//	market/window.go         — sliding in-memory tick window over the historical corpus
//	market/candles.go        — OHLCV candle cascade (5s → 30s → 1m → 3m → 5m)
//	portfolio/executor.go    — order validation and atomic trade application
//	leaderboard/refresher.go — coalesced ranking rebuilds, persisted and broadcast
//	api/server.go            — REST + WebSocket surface
//	storage/sqlite.go        — SQLite persistence for ticks, users, trades, contest state
//
// How a contest works:
//
//	An admin seeds the ticks table with a historical trading day and starts a
//	contest. The engine replays that day compressed into the configured
//	duration, publishing candles and prices as it goes. Participants trade
//	against the replay prices starting from seed cash; the leaderboard ranks
//	them by total wealth. When the replay ends the engine squares off every
//	open short, records the final standings, and wipes the contest data.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"tradearena/internal/api"
	"tradearena/internal/auth"
	"tradearena/internal/config"
	"tradearena/internal/contest"
	"tradearena/internal/leaderboard"
	"tradearena/internal/market"
	"tradearena/internal/portfolio"
	"tradearena/internal/storage"
	"tradearena/pkg/types"
)

func main() {
	// Optional .env for local development; real environment variables win.
	_ = godotenv.Load()

	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARENA_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		logger.Error("failed to open storage", "error", err, "path", cfg.Storage.Path)
		os.Exit(1)
	}

	verifier := auth.NewProviderClient(*cfg)
	prices := market.NewPriceIndex()
	loader := market.NewLoader(store, cfg.Replay, logger)

	// The candle fanout is the aggregator's sink and the hub serves candle
	// snapshots from the aggregator, so the hub reference is bound after both
	// exist. Nothing emits before the contest starts.
	fanout := &api.CandleFanout{}
	agg := market.NewAggregator(prices, fanout)
	hub := api.NewHub(cfg.Hub, agg, verifier, logger)
	fanout.Hub = hub

	registry := portfolio.NewRegistry()
	boot := context.Background()
	portfolios, err := store.ListPortfolios(boot)
	if err != nil {
		logger.Error("failed to load portfolios", "error", err)
		os.Exit(1)
	}
	lots, err := store.ActiveShorts(boot)
	if err != nil {
		logger.Error("failed to load short positions", "error", err)
		os.Exit(1)
	}
	registry.Load(portfolios, lots)

	// The executor gates on contest status and the refresher persists onto
	// contest state; both close over the controller assigned below. Neither
	// path runs before the API starts serving.
	var controller *contest.Controller
	executor := portfolio.NewExecutor(registry, store, prices,
		func() types.ContestStatus { return controller.Status() },
		&api.TradeFanout{Hub: hub}, logger)

	builder := leaderboard.NewBuilder(registry, prices, store, logger)
	refresher := leaderboard.NewRefresher(builder,
		leaderboard.PersisterFunc(func(ctx context.Context, entries []types.LeaderboardEntry) error {
			return controller.SaveLeaderboard(ctx, entries)
		}),
		store, hub, cfg.Contest, logger)

	controller, err = contest.NewController(cfg.Contest, contest.Deps{
		Store:      store,
		Loader:     loader,
		Aggregator: agg,
		Prices:     prices,
		Registry:   registry,
		Executor:   executor,
		Builder:    builder,
		Refresher:  refresher,
		Publisher:  hub,
	}, logger)
	if err != nil {
		logger.Error("failed to create contest controller", "error", err)
		os.Exit(1)
	}

	apiServer := api.NewServer(cfg, api.Deps{
		Store:      store,
		Verifier:   verifier,
		Controller: controller,
		Executor:   executor,
		Registry:   registry,
		Refresher:  refresher,
		Aggregator: agg,
		Prices:     prices,
		Hub:        hub,
	}, logger)

	runCtx, cancel := context.WithCancel(context.Background())
	go hub.Run(runCtx)
	go refresher.Run(runCtx)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	logger.Info("trade arena started",
		"addr", cfg.Addr(),
		"db", cfg.Storage.Path,
		"contest_duration", cfg.Contest.Duration,
		"base_interval", cfg.Contest.BaseInterval,
		"participants", len(portfolios),
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop the API first so no new trades land, then the contest loop, then
	// the fan-out goroutines.
	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	controller.Close()
	cancel()

	if err := store.Close(); err != nil {
		logger.Error("failed to close storage", "error", err)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
