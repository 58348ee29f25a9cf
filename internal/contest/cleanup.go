package contest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tradearena/internal/leaderboard"
	"tradearena/pkg/types"
)

// ErrConflict rejects a lifecycle transition or admin operation that is not
// valid from the current contest status.
var ErrConflict = errors.New("conflicting contest state")

// WipeResult reports what a data wipe removed.
type WipeResult struct {
	TradesDeleted   int64 `json:"trades_deleted"`
	ShortsDeleted   int64 `json:"shorts_deleted"`
	PortfoliosReset int64 `json:"portfolios_reset"`
	UsersReset      int   `json:"users_reset"`
}

// cleanup settles and wipes a finished contest: square off every open short
// at the last known price, persist the final standings and the result row,
// delete the transient rows, reseed every portfolio, clear the in-memory
// caches, publish contest_ended and persist the stopped record. Failures are
// collected in the summary; the sequence always runs to the end.
func (c *Controller) cleanup(ctx context.Context, st types.ContestState) types.CleanupSummary {
	summary := types.CleanupSummary{ContestID: st.ID}

	squared, errs := c.executor.SquareOffAll(ctx)
	summary.SquaredOff = squared
	summary.Errors = append(summary.Errors, errs...)

	final, _ := c.builder.Build(ctx)
	snapshot := leaderboard.Top(final, c.cfg.SnapshotSize)

	c.mu.Lock()
	c.st.Leaderboard = snapshot
	c.st.UpdatedAt = c.now().UTC()
	withBoard := c.st
	c.mu.Unlock()
	if err := c.store.SaveContestState(ctx, withBoard); err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("persist final leaderboard: %v", err))
	}

	res := types.ContestResult{
		ContestID:         st.ID,
		EndedAt:           c.now().UTC(),
		FinalLeaderboard:  snapshot,
		TotalParticipants: len(final),
	}
	if len(final) > 0 {
		res.WinnerEmail = final[0].UserEmail
		res.WinnerName = final[0].UserName
		res.WinnerWealth = final[0].TotalWealth
	}
	if err := c.store.SaveContestResult(ctx, res); err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("save contest result: %v", err))
	}

	wiped, wipeErrs := c.wipe(ctx)
	summary.TradesDeleted = wiped.TradesDeleted
	summary.ShortsDeleted = wiped.ShortsDeleted
	summary.PortfoliosReset = wiped.PortfoliosReset
	summary.Errors = append(summary.Errors, wipeErrs...)

	c.publish("contest_ended", EndedEvent{
		ContestID:        st.ID,
		FinalLeaderboard: leaderboard.Top(final, c.cfg.FinalSize),
		Summary:          summary,
	})

	c.mu.Lock()
	c.st.UpdatedAt = c.now().UTC()
	stopped := c.st
	c.mu.Unlock()
	if err := c.store.SaveContestState(ctx, stopped); err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("persist stopped state: %v", err))
	}

	c.logger.Info("contest stopped",
		"contest_id", st.ID,
		"squared_off", summary.SquaredOff,
		"trades_deleted", summary.TradesDeleted,
		"shorts_deleted", summary.ShortsDeleted,
		"portfolios_reset", summary.PortfoliosReset,
		"errors", len(summary.Errors),
	)
	return summary
}

// wipe deletes all trades and short lots, reseeds every portfolio in the
// database and in memory, and clears the candle, price and leaderboard
// caches. Errors are collected, never fatal.
func (c *Controller) wipe(ctx context.Context) (WipeResult, []string) {
	var res WipeResult
	var errs []string

	n, err := c.store.DeleteAllTrades(ctx)
	if err != nil {
		errs = append(errs, fmt.Sprintf("delete trades: %v", err))
	}
	res.TradesDeleted = n

	n, err = c.store.DeleteAllShorts(ctx)
	if err != nil {
		errs = append(errs, fmt.Sprintf("delete shorts: %v", err))
	}
	res.ShortsDeleted = n

	n, err = c.store.ResetAllPortfolios(ctx, types.SeedCash)
	if err != nil {
		errs = append(errs, fmt.Sprintf("reset portfolios: %v", err))
	}
	res.PortfoliosReset = n

	res.UsersReset = c.registry.ResetAll()
	c.agg.Reset()
	c.prices.Reset()
	c.refresher.Reset()
	return res, errs
}

// ResetData wipes trades, shorts and portfolios outside a live contest. The
// admin reset endpoint calls this after a crash or between contests.
func (c *Controller) ResetData(ctx context.Context) (WipeResult, error) {
	c.mu.Lock()
	if c.st.Status == types.ContestRunning || c.st.Status == types.ContestPaused {
		c.mu.Unlock()
		return WipeResult{}, fmt.Errorf("%w: contest is %s", ErrConflict, c.st.Status)
	}
	c.mu.Unlock()

	res, errs := c.wipe(ctx)
	if len(errs) > 0 {
		return res, fmt.Errorf("wipe: %s", strings.Join(errs, "; "))
	}
	c.logger.Info("contest data reset",
		"trades_deleted", res.TradesDeleted,
		"shorts_deleted", res.ShortsDeleted,
		"portfolios_reset", res.PortfoliosReset,
	)
	return res, nil
}
