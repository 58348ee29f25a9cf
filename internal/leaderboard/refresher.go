package leaderboard

import (
	"context"
	"log/slog"
	"sync"

	"tradearena/internal/config"
	"tradearena/internal/storage"
	"tradearena/pkg/types"
)

// Persister stores the ranked snapshot onto the active contest state. It is
// expected to be a no-op when no contest is live.
type Persister interface {
	SaveLeaderboard(ctx context.Context, entries []types.LeaderboardEntry) error
}

// PersisterFunc adapts a function to the Persister interface.
type PersisterFunc func(ctx context.Context, entries []types.LeaderboardEntry) error

func (f PersisterFunc) SaveLeaderboard(ctx context.Context, entries []types.LeaderboardEntry) error {
	return f(ctx, entries)
}

// MarkSink receives the bulk advisory short marks of each build.
type MarkSink interface {
	UpdateShortMarks(ctx context.Context, marks []storage.ShortMark) error
}

// Publisher fans an event out to subscribers of a topic.
type Publisher interface {
	Publish(topic string, data any)
}

// Refresher rebuilds the ranking whenever triggered and distributes the
// result: the top snapshot is persisted onto contest state, the broadcast
// slice goes out on the leaderboard topic, and the full board is cached for
// request handlers. Triggers coalesce; the trade path and the controller can
// fire them freely without blocking.
type Refresher struct {
	builder   *Builder
	persister Persister
	marks     MarkSink
	publisher Publisher
	cfg       config.ContestConfig
	logger    *slog.Logger

	trigger chan struct{}

	mu      sync.RWMutex
	current []types.LeaderboardEntry
}

func NewRefresher(builder *Builder, persister Persister, marks MarkSink, publisher Publisher, cfg config.ContestConfig, logger *slog.Logger) *Refresher {
	return &Refresher{
		builder:   builder,
		persister: persister,
		marks:     marks,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "leaderboard"),
		trigger:   make(chan struct{}, 1),
	}
}

// Trigger requests a rebuild. It never blocks; a trigger already pending
// absorbs any number of further requests.
func (r *Refresher) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run services triggers until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.trigger:
			r.refresh(ctx)
		}
	}
}

// refresh rebuilds and distributes one board. Persistence failures are
// logged and dropped; the next trigger rebuilds from scratch anyway.
func (r *Refresher) refresh(ctx context.Context) {
	entries, marks := r.builder.Build(ctx)

	r.mu.Lock()
	r.current = entries
	r.mu.Unlock()

	if err := r.persister.SaveLeaderboard(ctx, Top(entries, r.cfg.SnapshotSize)); err != nil {
		r.logger.Error("persist leaderboard snapshot", "error", err)
	}
	if len(marks) > 0 {
		if err := r.marks.UpdateShortMarks(ctx, marks); err != nil {
			r.logger.Error("persist short marks", "error", err)
		}
	}
	if r.publisher != nil {
		r.publisher.Publish("leaderboard", Top(entries, r.cfg.BroadcastSize))
	}
}

// Current returns the board of the most recent build, or nil before the
// first one.
func (r *Refresher) Current() []types.LeaderboardEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.current) == 0 {
		return nil
	}
	out := make([]types.LeaderboardEntry, len(r.current))
	copy(out, r.current)
	return out
}

// Reset drops the cached board. Contest cleanup calls this when it wipes the
// other in-memory caches.
func (r *Refresher) Reset() {
	r.mu.Lock()
	r.current = nil
	r.mu.Unlock()
}

// Top returns at most n leading entries without copying.
func Top(entries []types.LeaderboardEntry, n int) []types.LeaderboardEntry {
	if n <= 0 || len(entries) <= n {
		return entries
	}
	return entries[:n]
}
