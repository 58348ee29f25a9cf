package market

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tradearena/internal/config"
	"tradearena/pkg/types"
)

// TickSource is the slice of the storage layer the loader reads from.
type TickSource interface {
	TickBounds(ctx context.Context) (startMs, endMs, rows int64, err error)
	SampleSymbols(ctx context.Context, offset, limit int) ([]string, error)
	TicksBetween(ctx context.Context, startMs, endMs int64, limit, offset int) ([]types.Tick, error)
}

// Bounds describes the tick corpus a contest will replay.
type Bounds struct {
	Symbols     []string
	DataStartMs int64
	DataEndMs   int64
}

// Loader keeps a sliding in-memory buffer of ticks per symbol, sorted by
// timestamp, with a per-symbol cursor marking the first tick not yet
// consumed. The buffer is extended ahead of the replay by background loads
// and trimmed behind the cursors, so it stays near one window in size.
type Loader struct {
	src    TickSource
	cfg    config.ReplayConfig
	logger *slog.Logger

	mu            sync.Mutex
	symbols       map[string]bool // contest universe; empty accepts all
	ticks         map[string][]types.Tick
	cursor        map[string]int
	bufferedUntil int64 // market ms the buffer is filled to
	dataEndMs     int64
	loading       bool
	loadErr       error

	wg sync.WaitGroup // in-flight background load
}

// NewLoader creates a loader over src.
func NewLoader(src TickSource, cfg config.ReplayConfig, logger *slog.Logger) *Loader {
	return &Loader{
		src:    src,
		cfg:    cfg,
		logger: logger.With("component", "loader"),
		ticks:  make(map[string][]types.Tick),
		cursor: make(map[string]int),
	}
}

func (l *Loader) windowMs() int64 { return int64(l.cfg.WindowMarketMinutes) * 60_000 }
func (l *Loader) bufferMs() int64 { return int64(l.cfg.BufferMarketMinutes) * 60_000 }

// Initialize scans the corpus for its time bounds and discovers the symbol
// universe. Symbols are collected from sample pages at offsets spread across
// the corpus, to defeat any bias from storage ordering, until enough are
// seen or the spread is exhausted. It fails on an empty corpus or when the
// data span is shorter than the configured minimum.
func (l *Loader) Initialize(ctx context.Context) (Bounds, error) {
	startMs, endMs, rows, err := l.src.TickBounds(ctx)
	if err != nil {
		return Bounds{}, fmt.Errorf("tick bounds: %w", err)
	}
	if rows == 0 {
		return Bounds{}, fmt.Errorf("tick corpus is empty")
	}
	span := time.Duration(endMs-startMs) * time.Millisecond
	if span < l.cfg.MinSpan {
		return Bounds{}, fmt.Errorf("tick corpus spans %s, need at least %s", span, l.cfg.MinSpan)
	}

	symbols, err := l.discoverSymbols(ctx, rows)
	if err != nil {
		return Bounds{}, err
	}

	l.mu.Lock()
	l.symbols = make(map[string]bool, len(symbols))
	for _, s := range symbols {
		l.symbols[s] = true
	}
	l.dataEndMs = endMs
	l.mu.Unlock()

	l.logger.Info("corpus initialized",
		"symbols", len(symbols),
		"rows", rows,
		"span", span.String(),
	)
	return Bounds{Symbols: symbols, DataStartMs: startMs, DataEndMs: endMs}, nil
}

func (l *Loader) discoverSymbols(ctx context.Context, rows int64) ([]string, error) {
	chunk := l.cfg.SampleRows / 4
	if chunk < 1 {
		chunk = 1
	}
	offsets := []int64{0, rows / 4, rows / 2, (3 * rows) / 4}

	seen := make(map[string]bool)
	prev := int64(-1)
	for _, off := range offsets {
		if off == prev {
			continue
		}
		prev = off
		if len(seen) >= l.cfg.MinSymbols {
			break
		}
		syms, err := l.src.SampleSymbols(ctx, int(off), chunk)
		if err != nil {
			return nil, fmt.Errorf("sample symbols at offset %d: %w", off, err)
		}
		for _, s := range syms {
			seen[s] = true
		}
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("no symbols in tick corpus")
	}
	if len(seen) < l.cfg.MinSymbols {
		l.logger.Warn("fewer symbols than preferred", "found", len(seen), "preferred", l.cfg.MinSymbols)
	}

	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// LoadWindow synchronously fills the buffer with the window starting at
// startMs, replacing whatever was held before, and resets all cursors.
func (l *Loader) LoadWindow(ctx context.Context, startMs int64) error {
	endMs := startMs + l.windowMs()
	ticks, err := l.fetchRange(ctx, startMs, endMs)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.ticks = l.bucketLocked(ticks)
	l.cursor = make(map[string]int)
	l.bufferedUntil = endMs
	l.loadErr = nil
	return nil
}

func (l *Loader) fetchRange(ctx context.Context, startMs, endMs int64) ([]types.Tick, error) {
	var all []types.Tick
	for offset := 0; ; offset += l.cfg.PageSize {
		page, err := l.src.TicksBetween(ctx, startMs, endMs, l.cfg.PageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("load ticks [%d, %d) at offset %d: %w", startMs, endMs, offset, err)
		}
		all = append(all, page...)
		if len(page) < l.cfg.PageSize {
			break
		}
	}
	return all, nil
}

// bucketLocked groups ticks by symbol, dropping symbols outside the contest
// universe, and sorts each group ascending.
func (l *Loader) bucketLocked(ticks []types.Tick) map[string][]types.Tick {
	out := make(map[string][]types.Tick)
	for _, t := range ticks {
		if len(l.symbols) > 0 && !l.symbols[t.Symbol] {
			continue
		}
		out[t.Symbol] = append(out[t.Symbol], t)
	}
	for _, s := range out {
		sort.Slice(s, func(i, j int) bool { return s[i].TimestampMs < s[j].TimestampMs })
	}
	return out
}

// TicksInRange returns the symbol's buffered ticks with timestamp in
// [loMs, hiMs), advancing the cursor past everything before hiMs. Callers
// must present non-decreasing loMs per symbol; an empty result is valid.
func (l *Loader) TicksInRange(symbol string, loMs, hiMs int64) []types.Tick {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.ticks[symbol]
	cur := l.cursor[symbol]
	for cur < len(s) && s[cur].TimestampMs < loMs {
		cur++
	}
	first := cur
	for cur < len(s) && s[cur].TimestampMs < hiMs {
		cur++
	}
	l.cursor[symbol] = cur
	if first == cur {
		return nil
	}
	return s[first:cur]
}

// MaybeLoadNext extends the buffer by one window in the background once the
// replay is within the buffer margin of the buffered end. At most one load
// is in flight; further calls while loading are no-ops. A load failure is
// latched and reported by Err.
func (l *Loader) MaybeLoadNext(ctx context.Context, currentMarketMs int64) {
	l.mu.Lock()
	if l.loading || l.loadErr != nil ||
		l.bufferedUntil >= l.dataEndMs ||
		l.bufferedUntil-currentMarketMs > l.bufferMs() {
		l.mu.Unlock()
		return
	}
	start := l.bufferedUntil
	end := start + l.windowMs()
	l.loading = true
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticks, err := l.fetchRange(ctx, start, end)

		l.mu.Lock()
		defer l.mu.Unlock()
		l.loading = false
		if err != nil {
			l.loadErr = err
			l.logger.Error("background window load failed", "error", err)
			return
		}
		l.appendLocked(ticks)
		l.bufferedUntil = end
		l.logger.Debug("window extended", "until_ms", end, "ticks", len(ticks))
	}()
}

// appendLocked merges newly loaded ticks onto the buffer tail and drops the
// consumed head behind each cursor.
func (l *Loader) appendLocked(ticks []types.Tick) {
	for sym, add := range l.bucketLocked(ticks) {
		l.ticks[sym] = append(l.ticks[sym], add...)
	}
	for sym, cur := range l.cursor {
		if cur == 0 {
			continue
		}
		s := l.ticks[sym]
		if cur > len(s) {
			cur = len(s)
		}
		l.ticks[sym] = append([]types.Tick(nil), s[cur:]...)
		l.cursor[sym] = 0
	}
}

// Err returns the latched background load error, if any. The controller
// treats it as fatal and stops the contest.
func (l *Loader) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadErr
}
