package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tradearena/internal/config"
	"tradearena/internal/contest"
	"tradearena/internal/market"
	"tradearena/internal/portfolio"
	"tradearena/internal/storage"
	"tradearena/pkg/types"
)

const (
	defaultTradePage  = 1
	defaultTradeLimit = 50
	maxTradeLimit     = 200
)

// ContestControl is the slice of the contest controller the handlers drive.
type ContestControl interface {
	State() types.ContestState
	Progress() float64
	Start(ctx context.Context) (types.ContestState, error)
	Stop(ctx context.Context) (types.CleanupSummary, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	ResetData(ctx context.Context) (contest.WipeResult, error)
}

// LeaderboardSource yields the most recently built standings, nil when none
// has been built yet.
type LeaderboardSource interface {
	Current() []types.LeaderboardEntry
}

// Handlers holds every HTTP handler's dependencies.
type Handlers struct {
	cfg        *config.Config
	store      storage.Store
	controller ContestControl
	executor   *portfolio.Executor
	registry   *portfolio.Registry
	refresher  LeaderboardSource
	agg        *market.Aggregator
	prices     *market.PriceIndex
	hub        *Hub
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	started    time.Time
}

func NewHandlers(cfg *config.Config, deps Deps, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{
		cfg:        cfg,
		store:      deps.Store,
		controller: deps.Controller,
		executor:   deps.Executor,
		registry:   deps.Registry,
		refresher:  deps.Refresher,
		agg:        deps.Aggregator,
		prices:     deps.Prices,
		hub:        hub,
		logger:     logger.With("component", "api-handlers"),
		started:    time.Now(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg.Server.AllowedOrigins, r.Host)
		},
	}
	return h
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.controller.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"contest_state":     st.Status,
		"symbols":           len(st.Symbols),
		"uptime_seconds":    int64(time.Since(h.started).Seconds()),
		"connected_clients": h.hub.ClientCount(),
	})
}

func (h *Handlers) handleSymbols(w http.ResponseWriter, r *http.Request) {
	symbols := h.controller.State().Symbols
	if symbols == nil {
		symbols = []string{}
	}
	writeJSON(w, http.StatusOK, symbols)
}

func (h *Handlers) handleTimeframes(w http.ResponseWriter, r *http.Request) {
	details := make(map[string]any, len(types.Timeframes))
	for _, tf := range types.Timeframes {
		details[string(tf)] = map[string]any{
			"real_seconds": tf.Seconds(),
			"label":        tf.Label(),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"available": types.Timeframes,
		"default":   types.DefaultTimeframe,
		"details":   details,
	})
}

func (h *Handlers) handleCandles(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	tf := types.DefaultTimeframe
	if param := r.URL.Query().Get("timeframe"); param != "" {
		var ok bool
		if tf, ok = types.ParseTimeframe(param); !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported timeframe %q", param))
			return
		}
	}
	if symbols := h.controller.State().Symbols; len(symbols) > 0 && !slices.Contains(symbols, symbol) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown symbol %q", symbol))
		return
	}
	candles := h.agg.Candles(symbol, tf)
	if candles == nil {
		candles = []types.Candle{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":    symbol,
		"timeframe": tf,
		"data":      candles,
	})
}

func (h *Handlers) handleContestState(w http.ResponseWriter, r *http.Request) {
	st := h.controller.State()
	writeJSON(w, http.StatusOK, struct {
		types.ContestState
		Progress        float64 `json:"progress"`
		DurationSeconds float64 `json:"duration_seconds"`
	}{st, h.controller.Progress(), st.Duration.Seconds()})
}

func (h *Handlers) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries := h.refresher.Current()
	if entries == nil {
		entries = h.controller.State().Leaderboard
	}
	if entries == nil {
		entries = []types.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handlers) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	p, lots := h.registry.Read(user.Email)
	portfolio.Revalue(&p, lots, h.prices.Snapshot())
	if lots == nil {
		lots = []types.ShortPosition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"portfolio": p,
		"shorts":    lots,
	})
}

func (h *Handlers) handleTrades(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	page := queryInt(r, "page", defaultTradePage)
	if page < 1 {
		page = 1
	}
	limit := queryInt(r, "limit", defaultTradeLimit)
	if limit < 1 {
		limit = defaultTradeLimit
	}
	if limit > maxTradeLimit {
		limit = maxTradeLimit
	}

	trades, total, err := h.store.TradesByUser(r.Context(), user.Email, page, limit)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	if trades == nil {
		trades = []types.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trades": trades,
		"page":   page,
		"limit":  limit,
		"total":  total,
	})
}

func (h *Handlers) handleShorts(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	activeOnly := true
	if param := r.URL.Query().Get("active"); param != "" {
		v, err := strconv.ParseBool(param)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid active flag %q", param))
			return
		}
		activeOnly = v
	}

	shorts, err := h.store.ShortsByUser(r.Context(), user.Email, activeOnly)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	if shorts == nil {
		shorts = []types.ShortPosition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"shorts": shorts,
		"count":  len(shorts),
	})
}

// tradeRequest decodes quantity as json.Number so fractional or quoted
// values are rejected instead of silently truncated.
type tradeRequest struct {
	Symbol      string      `json:"symbol"`
	OrderType   string      `json:"order_type"`
	Quantity    json.Number `json:"quantity"`
	CompanyName string      `json:"company_name"`
}

func (h *Handlers) handleTrade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	orderType, ok := types.ParseOrderType(req.OrderType)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown order type %q", req.OrderType))
		return
	}
	qty, err := strconv.ParseInt(req.Quantity.String(), 10, 64)
	if err != nil {
		respondError(w, h.logger, fmt.Errorf("quantity %q: %w", req.Quantity.String(), portfolio.ErrInvalidQuantity))
		return
	}

	user := userFrom(r.Context())
	trade, snap, err := h.executor.Execute(r.Context(), user.Email, symbol, orderType, qty, req.CompanyName)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trade":     trade,
		"portfolio": snap,
	})
}

func (h *Handlers) handleContestStart(w http.ResponseWriter, r *http.Request) {
	st, err := h.controller.Start(r.Context())
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message":    "contest started",
		"contest_id": st.ID,
	})
}

func (h *Handlers) handleContestStop(w http.ResponseWriter, r *http.Request) {
	summary, err := h.controller.Stop(r.Context())
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"cleanup": summary,
	})
}

func (h *Handlers) handleContestPause(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.Pause(r.Context()); err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "contest paused",
	})
}

func (h *Handlers) handleContestResume(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.Resume(r.Context()); err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "contest resumed",
	})
}

func (h *Handlers) handleResetData(w http.ResponseWriter, r *http.Request) {
	res, err := h.controller.ResetData(r.Context())
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"details": res,
	})
}

func (h *Handlers) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	NewClient(h.hub, conn)
}

func queryInt(r *http.Request, key string, def int) int {
	param := r.URL.Query().Get(key)
	if param == "" {
		return def
	}
	n, err := strconv.Atoi(param)
	if err != nil {
		return def
	}
	return n
}
