package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"tradearena/internal/config"
	"tradearena/internal/contest"
	"tradearena/internal/market"
	"tradearena/internal/portfolio"
	"tradearena/internal/storage"
	"tradearena/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Hub:       config.HubConfig{ClientBuffer: 16, QueueSize: 64},
		RateLimit: config.RateLimitConfig{TradePerSecond: 1000, TradeBurst: 1000},
	}
}

type fakeControl struct {
	st        types.ContestState
	progress  float64
	summary   types.CleanupSummary
	wipe      contest.WipeResult
	startErr  error
	stopErr   error
	pauseErr  error
	resumeErr error
	resetErr  error
}

func (f *fakeControl) State() types.ContestState { return f.st }
func (f *fakeControl) Progress() float64         { return f.progress }
func (f *fakeControl) Start(context.Context) (types.ContestState, error) {
	return f.st, f.startErr
}
func (f *fakeControl) Stop(context.Context) (types.CleanupSummary, error) {
	return f.summary, f.stopErr
}
func (f *fakeControl) Pause(context.Context) error  { return f.pauseErr }
func (f *fakeControl) Resume(context.Context) error { return f.resumeErr }
func (f *fakeControl) ResetData(context.Context) (contest.WipeResult, error) {
	return f.wipe, f.resetErr
}

type fakeBoard struct {
	entries []types.LeaderboardEntry
}

func (f *fakeBoard) Current() []types.LeaderboardEntry { return f.entries }

// fakeAPIStore stubs only what the handlers reach; anything else panics on
// the embedded nil interface.
type fakeAPIStore struct {
	storage.Store

	mu        sync.Mutex
	mutations []storage.TradeMutation
	trades    []types.TradeRecord
	total     int64
	shorts    []types.ShortPosition
	gotPage   int
	gotLimit  int
	gotActive bool
	user      types.User
	userErr   error
}

func (f *fakeAPIStore) ApplyTrade(ctx context.Context, m storage.TradeMutation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations = append(f.mutations, m)
	return nil
}

func (f *fakeAPIStore) TradesByUser(ctx context.Context, email string, page, limit int) ([]types.TradeRecord, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotPage, f.gotLimit = page, limit
	return f.trades, f.total, nil
}

func (f *fakeAPIStore) ShortsByUser(ctx context.Context, email string, activeOnly bool) ([]types.ShortPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotActive = activeOnly
	return f.shorts, nil
}

func (f *fakeAPIStore) EnsureUser(ctx context.Context, authID, email, name string) (types.User, error) {
	if f.userErr != nil {
		return types.User{}, f.userErr
	}
	if f.user.Email != "" {
		return f.user, nil
	}
	return types.User{AuthID: authID, Email: email, Name: name, Role: types.RoleUser}, nil
}

type handlerHarness struct {
	control  *fakeControl
	board    *fakeBoard
	store    *fakeAPIStore
	registry *portfolio.Registry
	prices   *market.PriceIndex
	agg      *market.Aggregator
	handlers *Handlers
}

func newHandlerHarness() *handlerHarness {
	cfg := testConfig()
	h := &handlerHarness{
		control: &fakeControl{st: types.ContestState{
			ID:      "c-1",
			Status:  types.ContestRunning,
			Symbols: []string{"INFY", "TCS"},
		}},
		board:    &fakeBoard{},
		store:    &fakeAPIStore{},
		registry: portfolio.NewRegistry(),
		prices:   market.NewPriceIndex(),
	}
	h.agg = market.NewAggregator(h.prices, nil)
	executor := portfolio.NewExecutor(h.registry, h.store, h.prices,
		func() types.ContestStatus { return h.control.st.Status }, nil, discardLogger())
	hub := NewHub(cfg.Hub, h.agg, nil, discardLogger())
	h.handlers = NewHandlers(cfg, Deps{
		Store:      h.store,
		Controller: h.control,
		Executor:   executor,
		Registry:   h.registry,
		Refresher:  h.board,
		Aggregator: h.agg,
		Prices:     h.prices,
		Hub:        hub,
	}, hub, discardLogger())
	return h
}

func authed(r *http.Request) *http.Request {
	return r.WithContext(withUser(r.Context(), types.User{
		AuthID: "auth-1",
		Email:  "trader@x.com",
		Name:   "Trader",
		Role:   types.RoleUser,
	}))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	h := newHandlerHarness()

	rec := httptest.NewRecorder()
	h.handlers.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status       string `json:"status"`
		ContestState string `json:"contest_state"`
		Symbols      int    `json:"symbols"`
	}
	decodeBody(t, rec, &body)
	if body.Status != "ok" || body.ContestState != "RUNNING" || body.Symbols != 2 {
		t.Errorf("body = %+v, want ok/RUNNING/2", body)
	}
}

func TestHandleSymbols(t *testing.T) {
	t.Parallel()
	h := newHandlerHarness()

	rec := httptest.NewRecorder()
	h.handlers.handleSymbols(rec, httptest.NewRequest(http.MethodGet, "/symbols", nil))

	var symbols []string
	decodeBody(t, rec, &symbols)
	if len(symbols) != 2 {
		t.Fatalf("symbols = %v, want 2", symbols)
	}

	h.control.st.Symbols = nil
	rec = httptest.NewRecorder()
	h.handlers.handleSymbols(rec, httptest.NewRequest(http.MethodGet, "/symbols", nil))
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %s, want empty array not null", got)
	}
}

func TestHandleTimeframes(t *testing.T) {
	t.Parallel()
	h := newHandlerHarness()

	rec := httptest.NewRecorder()
	h.handlers.handleTimeframes(rec, httptest.NewRequest(http.MethodGet, "/timeframes", nil))

	var body struct {
		Available []string `json:"available"`
		Default   string   `json:"default"`
		Details   map[string]struct {
			RealSeconds float64 `json:"real_seconds"`
			Label       string  `json:"label"`
		} `json:"details"`
	}
	decodeBody(t, rec, &body)
	if len(body.Available) != 5 {
		t.Errorf("available = %v, want 5 timeframes", body.Available)
	}
	if body.Default != "1m" {
		t.Errorf("default = %q, want 1m", body.Default)
	}
	if d := body.Details["5s"]; d.RealSeconds != 5 || d.Label == "" {
		t.Errorf("details[5s] = %+v", d)
	}
}

func TestHandleCandles(t *testing.T) {
	t.Parallel()
	h := newHandlerHarness()
	h.agg.ProcessBase("TCS", 0, []types.Tick{
		{Symbol: "TCS", TimestampMs: 1000, Open: 100, High: 100, Low: 100, Close: 100, LTP: 100, Volume: 5},
	})

	tests := []struct {
		name       string
		symbol     string
		query      string
		wantStatus int
		wantData   int
	}{
		{name: "known symbol with data", symbol: "TCS", query: "?timeframe=5s", wantStatus: http.StatusOK, wantData: 1},
		{name: "lowercase symbol accepted", symbol: "tcs", query: "?timeframe=5s", wantStatus: http.StatusOK, wantData: 1},
		{name: "default timeframe empty series", symbol: "TCS", query: "", wantStatus: http.StatusOK, wantData: 0},
		{name: "bad timeframe", symbol: "TCS", query: "?timeframe=2h", wantStatus: http.StatusBadRequest},
		{name: "unknown symbol", symbol: "ZZZ", query: "", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/candlestick/"+tt.symbol+tt.query, nil)
			req.SetPathValue("symbol", tt.symbol)
			rec := httptest.NewRecorder()
			h.handlers.handleCandles(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var body struct {
				Data []types.Candle `json:"data"`
			}
			decodeBody(t, rec, &body)
			if len(body.Data) != tt.wantData {
				t.Errorf("data len = %d, want %d", len(body.Data), tt.wantData)
			}
		})
	}
}

func TestHandleContestState(t *testing.T) {
	t.Parallel()
	h := newHandlerHarness()
	h.control.progress = 0.25

	rec := httptest.NewRecorder()
	h.handlers.handleContestState(rec, httptest.NewRequest(http.MethodGet, "/contest/state", nil))

	var body struct {
		ID       string  `json:"id"`
		Status   string  `json:"status"`
		Progress float64 `json:"progress"`
	}
	decodeBody(t, rec, &body)
	if body.ID != "c-1" || body.Status != "RUNNING" || body.Progress != 0.25 {
		t.Errorf("body = %+v", body)
	}
	if !strings.Contains(rec.Body.String(), `"duration_seconds"`) {
		t.Errorf("body = %s, want duration_seconds field", rec.Body.String())
	}
}

func TestHandleLeaderboardFallsBackToState(t *testing.T) {
	t.Parallel()
	h := newHandlerHarness()

	h.board.entries = []types.LeaderboardEntry{{Rank: 1, UserEmail: "a@x.com"}}
	rec := httptest.NewRecorder()
	h.handlers.handleLeaderboard(rec, httptest.NewRequest(http.MethodGet, "/leaderboard", nil))
	var entries []types.LeaderboardEntry
	decodeBody(t, rec, &entries)
	if len(entries) != 1 || entries[0].UserEmail != "a@x.com" {
		t.Fatalf("entries = %+v, want cached board", entries)
	}

	h.board.entries = nil
	h.control.st.Leaderboard = []types.LeaderboardEntry{{Rank: 1, UserEmail: "b@x.com"}}
	rec = httptest.NewRecorder()
	h.handlers.handleLeaderboard(rec, httptest.NewRequest(http.MethodGet, "/leaderboard", nil))
	decodeBody(t, rec, &entries)
	if len(entries) != 1 || entries[0].UserEmail != "b@x.com" {
		t.Fatalf("entries = %+v, want persisted board", entries)
	}

	h.control.st.Leaderboard = nil
	rec = httptest.NewRecorder()
	h.handlers.handleLeaderboard(rec, httptest.NewRequest(http.MethodGet, "/leaderboard", nil))
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %s, want empty array", got)
	}
}

func TestHandlePortfolioSeedsNewUser(t *testing.T) {
	t.Parallel()
	h := newHandlerHarness()

	rec := httptest.NewRecorder()
	h.handlers.handlePortfolio(rec, authed(httptest.NewRequest(http.MethodGet, "/portfolio", nil)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Portfolio types.PortfolioSnapshot `json:"portfolio"`
		Shorts    []types.ShortPosition   `json:"shorts"`
	}
	decodeBody(t, rec, &body)
	if body.Portfolio.Cash != types.SeedCash {
		t.Errorf("cash = %v, want seed %v", body.Portfolio.Cash, types.SeedCash)
	}
	if body.Portfolio.TotalWealth != types.SeedCash {
		t.Errorf("wealth = %v, want seed", body.Portfolio.TotalWealth)
	}
	if len(body.Shorts) != 0 {
		t.Errorf("shorts = %v, want empty", body.Shorts)
	}
	if !strings.Contains(rec.Body.String(), `"shorts":[]`) {
		t.Errorf("body = %s, want empty array not null", rec.Body.String())
	}
}

func TestHandleTradeExecutesBuy(t *testing.T) {
	t.Parallel()
	h := newHandlerHarness()
	h.prices.Set("TCS", 100)

	req := authed(httptest.NewRequest(http.MethodPost, "/trade",
		strings.NewReader(`{"symbol":"tcs","order_type":"buy","quantity":10}`)))
	rec := httptest.NewRecorder()
	h.handlers.handleTrade(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Trade     types.TradeRecord       `json:"trade"`
		Portfolio types.PortfolioSnapshot `json:"portfolio"`
	}
	decodeBody(t, rec, &body)
	if body.Trade.Symbol != "TCS" || body.Trade.Quantity != 10 || body.Trade.Total != 1000 {
		t.Errorf("trade = %+v", body.Trade)
	}
	if body.Portfolio.Cash != types.SeedCash-1000 {
		t.Errorf("cash = %v, want %v", body.Portfolio.Cash, types.SeedCash-1000)
	}
	h.store.mu.Lock()
	persisted := len(h.store.mutations)
	h.store.mu.Unlock()
	if persisted != 1 {
		t.Errorf("persisted mutations = %d, want 1", persisted)
	}
}

func TestHandleTradeValidation(t *testing.T) {
	t.Parallel()
	h := newHandlerHarness()
	h.prices.Set("TCS", 100)

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "fractional quantity", body: `{"symbol":"TCS","order_type":"buy","quantity":10.5}`, want: http.StatusBadRequest},
		{name: "quoted quantity", body: `{"symbol":"TCS","order_type":"buy","quantity":"10"}`, want: http.StatusBadRequest},
		{name: "zero quantity", body: `{"symbol":"TCS","order_type":"buy","quantity":0}`, want: http.StatusBadRequest},
		{name: "negative quantity", body: `{"symbol":"TCS","order_type":"buy","quantity":-5}`, want: http.StatusBadRequest},
		{name: "unknown order type", body: `{"symbol":"TCS","order_type":"flip","quantity":1}`, want: http.StatusBadRequest},
		{name: "missing symbol", body: `{"order_type":"buy","quantity":1}`, want: http.StatusBadRequest},
		{name: "no price for symbol", body: `{"symbol":"ZZZ","order_type":"buy","quantity":1}`, want: http.StatusBadRequest},
		{name: "insufficient cash", body: `{"symbol":"TCS","order_type":"buy","quantity":999999}`, want: http.StatusBadRequest},
		{name: "sell without holdings", body: `{"symbol":"TCS","order_type":"sell","quantity":1}`, want: http.StatusBadRequest},
		{name: "cover without shorts", body: `{"symbol":"TCS","order_type":"buy_to_cover","quantity":1}`, want: http.StatusBadRequest},
		{name: "not json", body: `quantity=10`, want: http.StatusBadRequest},
		{name: "valid short sell", body: `{"symbol":"TCS","order_type":"short_sell","quantity":2}`, want: http.StatusOK},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			req := authed(httptest.NewRequest(http.MethodPost, "/trade", strings.NewReader(tt.body)))
			rec := httptest.NewRecorder()
			h.handlers.handleTrade(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
			if tt.want != http.StatusOK && !strings.Contains(rec.Body.String(), `"error"`) {
				t.Errorf("body = %s, want error shape", rec.Body.String())
			}
		})
	}
}

func TestHandleTradeGatedByContest(t *testing.T) {
	t.Parallel()
	h := newHandlerHarness()
	h.prices.Set("TCS", 100)
	h.control.st.Status = types.ContestStopped

	req := authed(httptest.NewRequest(http.MethodPost, "/trade",
		strings.NewReader(`{"symbol":"TCS","order_type":"buy","quantity":1}`)))
	rec := httptest.NewRecorder()
	h.handlers.handleTrade(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleTradesPagination(t *testing.T) {
	t.Parallel()
	h := newHandlerHarness()
	h.store.trades = []types.TradeRecord{{ID: "t-1"}}
	h.store.total = 42

	req := authed(httptest.NewRequest(http.MethodGet, "/trades?page=3&limit=500", nil))
	rec := httptest.NewRecorder()
	h.handlers.handleTrades(rec, req)

	var body struct {
		Trades []types.TradeRecord `json:"trades"`
		Page   int                 `json:"page"`
		Limit  int                 `json:"limit"`
		Total  int64               `json:"total"`
	}
	decodeBody(t, rec, &body)
	if body.Page != 3 || body.Limit != maxTradeLimit || body.Total != 42 {
		t.Errorf("body = %+v, want page 3 capped limit total 42", body)
	}
	if h.store.gotPage != 3 || h.store.gotLimit != maxTradeLimit {
		t.Errorf("store saw page %d limit %d", h.store.gotPage, h.store.gotLimit)
	}

	req = authed(httptest.NewRequest(http.MethodGet, "/trades?page=-2", nil))
	rec = httptest.NewRecorder()
	h.handlers.handleTrades(rec, req)
	decodeBody(t, rec, &body)
	if body.Page != 1 || body.Limit != defaultTradeLimit {
		t.Errorf("body = %+v, want defaults", body)
	}
}

func TestHandleShortsActiveFlag(t *testing.T) {
	t.Parallel()
	h := newHandlerHarness()

	rec := httptest.NewRecorder()
	h.handlers.handleShorts(rec, authed(httptest.NewRequest(http.MethodGet, "/shorts", nil)))
	if !h.store.gotActive {
		t.Errorf("default active = %v, want true", h.store.gotActive)
	}
	if !strings.Contains(rec.Body.String(), `"shorts":[]`) {
		t.Errorf("body = %s, want empty array", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.handlers.handleShorts(rec, authed(httptest.NewRequest(http.MethodGet, "/shorts?active=false", nil)))
	if h.store.gotActive {
		t.Errorf("active = %v, want false", h.store.gotActive)
	}

	rec = httptest.NewRecorder()
	h.handlers.handleShorts(rec, authed(httptest.NewRequest(http.MethodGet, "/shorts?active=maybe", nil)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAdminHandlers(t *testing.T) {
	t.Parallel()

	t.Run("start returns contest id", func(t *testing.T) {
		t.Parallel()
		h := newHandlerHarness()
		rec := httptest.NewRecorder()
		h.handlers.handleContestStart(rec, httptest.NewRequest(http.MethodPost, "/admin/contest/start", nil))
		var body struct {
			Success   bool   `json:"success"`
			ContestID string `json:"contest_id"`
		}
		decodeBody(t, rec, &body)
		if !body.Success || body.ContestID != "c-1" {
			t.Errorf("body = %+v", body)
		}
	})

	t.Run("start conflict maps to 409", func(t *testing.T) {
		t.Parallel()
		h := newHandlerHarness()
		h.control.startErr = contest.ErrConflict
		rec := httptest.NewRecorder()
		h.handlers.handleContestStart(rec, httptest.NewRequest(http.MethodPost, "/admin/contest/start", nil))
		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rec.Code)
		}
	})

	t.Run("stop returns cleanup summary", func(t *testing.T) {
		t.Parallel()
		h := newHandlerHarness()
		h.control.summary = types.CleanupSummary{ContestID: "c-1", SquaredOff: 3}
		rec := httptest.NewRecorder()
		h.handlers.handleContestStop(rec, httptest.NewRequest(http.MethodPost, "/admin/contest/stop", nil))
		var body struct {
			Success bool                 `json:"success"`
			Cleanup types.CleanupSummary `json:"cleanup"`
		}
		decodeBody(t, rec, &body)
		if !body.Success || body.Cleanup.SquaredOff != 3 {
			t.Errorf("body = %+v", body)
		}
	})

	t.Run("pause and resume report success", func(t *testing.T) {
		t.Parallel()
		h := newHandlerHarness()
		rec := httptest.NewRecorder()
		h.handlers.handleContestPause(rec, httptest.NewRequest(http.MethodPost, "/admin/contest/pause", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("pause status = %d", rec.Code)
		}
		rec = httptest.NewRecorder()
		h.handlers.handleContestResume(rec, httptest.NewRequest(http.MethodPost, "/admin/contest/resume", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("resume status = %d", rec.Code)
		}
	})

	t.Run("reset data returns wipe details", func(t *testing.T) {
		t.Parallel()
		h := newHandlerHarness()
		h.control.wipe = contest.WipeResult{TradesDeleted: 7}
		rec := httptest.NewRecorder()
		h.handlers.handleResetData(rec, httptest.NewRequest(http.MethodPost, "/admin/contest/reset-data", nil))
		var body struct {
			Success bool               `json:"success"`
			Details contest.WipeResult `json:"details"`
		}
		decodeBody(t, rec, &body)
		if !body.Success || body.Details.TradesDeleted != 7 {
			t.Errorf("body = %+v", body)
		}
	})
}
