// Package contest owns the lifecycle of a trading contest. The controller is
// the single writer of the contest state machine: it starts the replay,
// pauses and resumes the ticker, stops the contest (manually or when the
// configured duration elapses) and runs the end-of-contest cleanup. One
// goroutine per contest drives the replay clock; everything it shares with
// the HTTP handlers goes through the controller mutex.
package contest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradearena/internal/config"
	"tradearena/internal/leaderboard"
	"tradearena/internal/market"
	"tradearena/internal/portfolio"
	"tradearena/internal/storage"
	"tradearena/pkg/types"
)

// Publisher fans contest events out to stream subscribers. Publish must not
// block; slow consumers are the hub's problem.
type Publisher interface {
	Publish(topic string, data any)
}

// SymbolTickEvent is published on the "symbol_tick" topic once per symbol
// per base interval.
type SymbolTickEvent struct {
	Symbol          string  `json:"symbol"`
	LastTradedPrice float64 `json:"last_traded_price"`
	Volume          float64 `json:"volume"`
	Timestamp       int64   `json:"timestamp"`
	Progress        float64 `json:"progress"`
	UniversalTime   int64   `json:"universal_time"`
	TickIndex       int64   `json:"tick_index"`
}

// MarketTickEvent is published on the "market_tick" topic once per base
// interval, after every symbol's tick for that interval.
type MarketTickEvent struct {
	UniversalTime int64              `json:"universal_time"`
	TotalTime     int64              `json:"total_time"`
	Timestamp     int64              `json:"timestamp"`
	Prices        map[string]float64 `json:"prices"`
	Progress      float64            `json:"progress"`
	ElapsedMs     int64              `json:"elapsed_ms"`
	TickUpdates   int                `json:"tick_updates"`
}

// StatusEvent announces a pause or resume.
type StatusEvent struct {
	ContestID string              `json:"contest_id"`
	Status    types.ContestStatus `json:"status"`
}

// EndedEvent closes the "contest_ended" topic with the final standings and
// the cleanup report.
type EndedEvent struct {
	ContestID        string                   `json:"contest_id"`
	FinalLeaderboard []types.LeaderboardEntry `json:"final_leaderboard"`
	Summary          types.CleanupSummary     `json:"summary"`
}

// Deps are the collaborators the controller drives. All fields are required
// except Publisher, which may be nil in tests.
type Deps struct {
	Store      storage.Store
	Loader     *market.Loader
	Aggregator *market.Aggregator
	Prices     *market.PriceIndex
	Registry   *portfolio.Registry
	Executor   *portfolio.Executor
	Builder    *leaderboard.Builder
	Refresher  *leaderboard.Refresher
	Publisher  Publisher
}

type stopRequest struct {
	done chan types.CleanupSummary
}

// Controller runs the contest state machine.
type Controller struct {
	cfg       config.ContestConfig
	store     storage.Store
	loader    *market.Loader
	agg       *market.Aggregator
	prices    *market.PriceIndex
	registry  *portfolio.Registry
	executor  *portfolio.Executor
	builder   *leaderboard.Builder
	refresher *leaderboard.Refresher
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	st          types.ContestState
	clock       market.Clock
	lastK       int64
	maxTicks    int64
	pausedAt    time.Time
	pausedTotal time.Duration
	sinceBoard  int
	starting    bool

	pauseCh  chan struct{}
	resumeCh chan struct{}
	stopCh   chan stopRequest
	loopDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController loads the persisted contest record and marks a contest that
// was live when the process died as stopped. Contests do not survive a
// restart; participants keep their portfolios but the replay is gone.
func NewController(cfg config.ContestConfig, deps Deps, logger *slog.Logger) (*Controller, error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	close(done)
	c := &Controller{
		cfg:       cfg,
		store:     deps.Store,
		loader:    deps.Loader,
		agg:       deps.Aggregator,
		prices:    deps.Prices,
		registry:  deps.Registry,
		executor:  deps.Executor,
		builder:   deps.Builder,
		refresher: deps.Refresher,
		publisher: deps.Publisher,
		logger:    logger.With("component", "contest"),
		now:       time.Now,
		st:        types.ContestState{Status: types.ContestIdle},
		lastK:     -1,
		loopDone:  done,
		ctx:       ctx,
		cancel:    cancel,
	}
	if err := c.recoverState(ctx); err != nil {
		cancel()
		return nil, err
	}
	return c, nil
}

func (c *Controller) recoverState(ctx context.Context) error {
	st, err := c.store.LoadContestState(ctx)
	if err != nil {
		return fmt.Errorf("load contest state: %w", err)
	}
	if st == nil {
		return nil
	}
	if st.Status == types.ContestRunning || st.Status == types.ContestPaused {
		c.logger.Warn("marking stale contest stopped", "contest_id", st.ID, "status", st.Status)
		st.Status = types.ContestStopped
		st.UpdatedAt = c.now().UTC()
		if err := c.store.SaveContestState(ctx, *st); err != nil {
			return fmt.Errorf("mark stale contest: %w", err)
		}
	}
	c.st = *st
	return nil
}

// Status returns the current lifecycle status. The trade executor gates on
// it.
func (c *Controller) Status() types.ContestStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.Status
}

// State returns a snapshot of the contest record.
func (c *Controller) State() types.ContestState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.st
	st.Symbols = append([]string(nil), c.st.Symbols...)
	st.Leaderboard = append([]types.LeaderboardEntry(nil), c.st.Leaderboard...)
	return st
}

// Progress reports the fraction of the data span already replayed, in
// [0, 1]. Zero when no tick has fired yet.
func (c *Controller) Progress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clock.BaseInterval == 0 || c.lastK < 0 {
		return 0
	}
	return c.clock.Progress(c.lastK)
}

// Start begins a new contest. Valid only from IDLE or STOPPED. It primes the
// tick loader, reseeds every portfolio, persists the fresh contest record,
// publishes contest_started and launches the run loop. The returned state is
// the persisted record.
func (c *Controller) Start(ctx context.Context) (types.ContestState, error) {
	c.mu.Lock()
	if c.st.Status == types.ContestRunning || c.st.Status == types.ContestPaused {
		c.mu.Unlock()
		return types.ContestState{}, fmt.Errorf("%w: contest is %s", ErrConflict, c.st.Status)
	}
	if c.starting {
		c.mu.Unlock()
		return types.ContestState{}, fmt.Errorf("%w: start already in progress", ErrConflict)
	}
	c.starting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	bounds, err := c.loader.Initialize(ctx)
	if err != nil {
		return types.ContestState{}, fmt.Errorf("initialize loader: %w", err)
	}
	if err := c.loader.LoadWindow(ctx, bounds.DataStartMs); err != nil {
		return types.ContestState{}, fmt.Errorf("load first window: %w", err)
	}
	clock := market.NewClock(bounds.DataStartMs, bounds.DataEndMs, c.cfg.BaseInterval, c.cfg.Duration)

	// Every participant starts the contest from the same seed.
	c.registry.ResetAll()
	if _, err := c.store.ResetAllPortfolios(ctx, types.SeedCash); err != nil {
		return types.ContestState{}, fmt.Errorf("reset portfolios: %w", err)
	}
	c.agg.Reset()
	c.prices.Reset()
	c.refresher.Reset()

	now := c.now().UTC()
	st := types.ContestState{
		ID:               uuid.NewString(),
		Status:           types.ContestRunning,
		StartedAt:        now,
		Duration:         c.cfg.Duration,
		Symbols:          bounds.Symbols,
		DataStartMs:      bounds.DataStartMs,
		DataEndMs:        bounds.DataEndMs,
		CompressionRatio: clock.CompressionRatio,
		UpdatedAt:        now,
	}
	if err := c.store.SaveContestState(ctx, st); err != nil {
		return types.ContestState{}, fmt.Errorf("persist contest state: %w", err)
	}

	c.mu.Lock()
	c.st = st
	c.clock = clock
	c.lastK = -1
	c.maxTicks = int64(st.Duration / c.cfg.BaseInterval)
	c.pausedTotal = 0
	c.sinceBoard = 0
	c.pauseCh = make(chan struct{}, 1)
	c.resumeCh = make(chan struct{}, 1)
	c.stopCh = make(chan stopRequest)
	c.loopDone = make(chan struct{})
	loopDone := c.loopDone
	c.mu.Unlock()

	c.logger.Info("contest started",
		"contest_id", st.ID,
		"symbols", len(st.Symbols),
		"compression_ratio", st.CompressionRatio,
		"duration", st.Duration,
	)
	// contest_started goes out before the loop can emit its first tick.
	c.publish("contest_started", st)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(loopDone)
		c.run(st)
	}()
	return st, nil
}

// Pause suspends the replay at the next interval boundary. The auto-stop
// deadline keeps counting; a paused contest still ends on schedule.
func (c *Controller) Pause(ctx context.Context) error {
	c.mu.Lock()
	if c.st.Status != types.ContestRunning {
		c.mu.Unlock()
		return fmt.Errorf("%w: contest is %s", ErrConflict, c.st.Status)
	}
	now := c.now().UTC()
	c.st.Status = types.ContestPaused
	c.st.UpdatedAt = now
	c.pausedAt = now
	st := c.st
	pauseCh := c.pauseCh
	c.mu.Unlock()

	select {
	case pauseCh <- struct{}{}:
	default:
	}
	if err := c.store.SaveContestState(ctx, st); err != nil {
		c.logger.Error("persist paused state", "error", err)
	}
	c.logger.Info("contest paused", "contest_id", st.ID)
	c.publish("contest_paused", StatusEvent{ContestID: st.ID, Status: st.Status})
	return nil
}

// Resume continues a paused contest. Time spent paused is excluded from the
// replay clock, so the next window picks up exactly where the pause left
// off.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.st.Status != types.ContestPaused {
		c.mu.Unlock()
		return fmt.Errorf("%w: contest is %s", ErrConflict, c.st.Status)
	}
	now := c.now().UTC()
	c.pausedTotal += now.Sub(c.pausedAt)
	pausedTotal := c.pausedTotal
	c.st.Status = types.ContestRunning
	c.st.UpdatedAt = now
	st := c.st
	resumeCh := c.resumeCh
	c.mu.Unlock()

	select {
	case resumeCh <- struct{}{}:
	default:
	}
	if err := c.store.SaveContestState(ctx, st); err != nil {
		c.logger.Error("persist resumed state", "error", err)
	}
	c.logger.Info("contest resumed", "contest_id", st.ID, "paused_total", pausedTotal)
	c.publish("contest_resumed", StatusEvent{ContestID: st.ID, Status: st.Status})
	return nil
}

// Stop ends the contest and blocks until cleanup has finished, returning the
// cleanup summary. If the auto-stop fires first the call reports a conflict.
func (c *Controller) Stop(ctx context.Context) (types.CleanupSummary, error) {
	c.mu.Lock()
	if c.st.Status != types.ContestRunning && c.st.Status != types.ContestPaused {
		c.mu.Unlock()
		return types.CleanupSummary{}, fmt.Errorf("%w: contest is %s", ErrConflict, c.st.Status)
	}
	stopCh := c.stopCh
	loopDone := c.loopDone
	c.mu.Unlock()

	req := stopRequest{done: make(chan types.CleanupSummary, 1)}
	select {
	case stopCh <- req:
		return <-req.done, nil
	case <-loopDone:
		return types.CleanupSummary{}, fmt.Errorf("%w: contest already stopped", ErrConflict)
	case <-ctx.Done():
		return types.CleanupSummary{}, ctx.Err()
	}
}

// SaveLeaderboard caches the freshest ranking on the contest record and
// persists it. Outside a live contest it is a no-op, so a refresh racing the
// cleanup cannot overwrite the final standings.
func (c *Controller) SaveLeaderboard(ctx context.Context, entries []types.LeaderboardEntry) error {
	c.mu.Lock()
	if c.st.Status != types.ContestRunning && c.st.Status != types.ContestPaused {
		c.mu.Unlock()
		return nil
	}
	c.st.Leaderboard = entries
	c.st.UpdatedAt = c.now().UTC()
	st := c.st
	c.mu.Unlock()
	return c.store.SaveContestState(ctx, st)
}

// Close tears down background work. A live contest is not cleaned up here;
// the next boot marks it stale.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Controller) publish(topic string, data any) {
	if c.publisher != nil {
		c.publisher.Publish(topic, data)
	}
}

// run drives one contest to completion. Pause parks the tick channel instead
// of stopping the ticker so the select stays simple; the auto-stop timer is
// armed once, at the absolute deadline.
func (c *Controller) run(st types.ContestState) {
	c.mu.Lock()
	pauseCh, resumeCh, stopCh := c.pauseCh, c.resumeCh, c.stopCh
	c.mu.Unlock()

	ticker := time.NewTicker(c.cfg.BaseInterval)
	defer ticker.Stop()
	autoStop := time.NewTimer(st.StartedAt.Add(st.Duration).Sub(c.now().UTC()))
	defer autoStop.Stop()

	tickCh := ticker.C
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-tickCh:
			if fatal := c.processDue(); fatal {
				c.finish(nil)
				return
			}
		case <-pauseCh:
			// Signals can race a resume, so trust the status, not the
			// channel.
			if c.Status() == types.ContestPaused {
				tickCh = nil
			}
		case <-resumeCh:
			if c.Status() == types.ContestRunning {
				tickCh = ticker.C
			}
		case <-autoStop.C:
			c.logger.Info("contest duration elapsed", "contest_id", st.ID)
			c.finish(nil)
			return
		case req := <-stopCh:
			c.finish(req.done)
			return
		}
	}
}

// processDue replays every base interval that has fully elapsed since the
// last fire. Catch-up is index driven, so ticker jitter can neither skip nor
// repeat a data window. It reports whether a loader failure should end the
// contest.
func (c *Controller) processDue() bool {
	c.mu.Lock()
	if c.st.Status != types.ContestRunning {
		c.mu.Unlock()
		return false
	}
	clock := c.clock
	started := c.st.StartedAt
	pausedTotal := c.pausedTotal
	lastK := c.lastK
	maxTicks := c.maxTicks
	symbols := c.st.Symbols
	contestID := c.st.ID
	c.mu.Unlock()

	active := c.now().UTC().Sub(started) - pausedTotal
	completed := clock.Completed(active)
	if completed > maxTicks {
		completed = maxTicks
	}

	for k := lastK + 1; k < completed; k++ {
		c.processIndex(clock, symbols, k)
	}
	if completed-1 > lastK {
		c.mu.Lock()
		c.lastK = completed - 1
		c.mu.Unlock()
	}

	if err := c.loader.Err(); err != nil {
		c.logger.Error("tick loader failed, stopping contest", "contest_id", contestID, "error", err)
		return true
	}
	return false
}

// processIndex replays base interval k: one candle and one symbol_tick per
// symbol, then a market_tick with every close, then bookkeeping. Per-user
// work never happens here; the leaderboard refresher runs on its own
// goroutine.
func (c *Controller) processIndex(clock market.Clock, symbols []string, k int64) {
	startMs, endMs := clock.Window(k)
	bucket := clock.BucketStart(k)
	marketMs := clock.MarketTimeMs(k)
	progress := clock.Progress(k)
	wallMs := c.now().UTC().UnixMilli()

	prices := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		ticks := c.loader.TicksInRange(sym, startMs, endMs)
		candle := c.agg.ProcessBase(sym, bucket, ticks)
		prices[sym] = candle.Close
		c.publish("symbol_tick", SymbolTickEvent{
			Symbol:          sym,
			LastTradedPrice: candle.Close,
			Volume:          candle.Volume,
			Timestamp:       wallMs,
			Progress:        progress,
			UniversalTime:   marketMs,
			TickIndex:       k,
		})
	}
	c.publish("market_tick", MarketTickEvent{
		UniversalTime: marketMs,
		TotalTime:     c.cfg.Duration.Milliseconds(),
		Timestamp:     wallMs,
		Prices:        prices,
		Progress:      progress,
		ElapsedMs:     int64(bucket*1000) + c.cfg.BaseInterval.Milliseconds(),
		TickUpdates:   len(prices),
	})

	c.mu.Lock()
	c.sinceBoard++
	due := c.sinceBoard >= c.cfg.LeaderboardRefreshTicks
	if due {
		c.sinceBoard = 0
	}
	c.mu.Unlock()
	if due {
		c.refresher.Trigger()
	}

	c.loader.MaybeLoadNext(c.ctx, marketMs)
}

// finish flips the contest to STOPPED and runs the cleanup sequence. Manual
// stops pass a reply channel; the auto-stop passes nil. The status flips
// before any cleanup I/O so trades and pause requests are rejected for the
// whole teardown.
func (c *Controller) finish(reply chan types.CleanupSummary) {
	c.mu.Lock()
	c.st.Status = types.ContestStopped
	c.st.UpdatedAt = c.now().UTC()
	st := c.st
	c.mu.Unlock()

	summary := c.cleanup(context.WithoutCancel(c.ctx), st)
	if reply != nil {
		reply <- summary
	}
}
