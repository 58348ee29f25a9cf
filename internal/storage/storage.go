// Package storage is the persistence boundary of the contest engine.
//
// Store is the row-set contract the engine programs against: the historical
// tick corpus, user identities, portfolios, append-only trade records, short
// lots, the live contest state and the append-only contest results. The
// SQLite implementation lives in sqlite.go; nothing above this package may
// assume a particular backend.
package storage

import (
	"context"

	"tradearena/pkg/types"
)

// ShortMark is one advisory mark-to-market update for an open short lot.
type ShortMark struct {
	ID            string
	CurrentPrice  float64
	UnrealizedPnL float64
}

// LotReduction partially covers one short lot, leaving it active with a
// smaller quantity.
type LotReduction struct {
	ID          string
	NewQuantity int64
}

// TradeMutation bundles everything one executed order changes. ApplyTrade
// persists the whole mutation in a single transaction so a trade record can
// never exist alongside a portfolio that does not reflect it.
type TradeMutation struct {
	Trade     types.TradeRecord
	Portfolio types.PortfolioSnapshot
	NewShort  *types.ShortPosition
	CloseLots []string
	ReduceLot *LotReduction
}

// Store is the persistence contract. All methods are safe for concurrent
// use. Single-row lookups return (nil, nil) when the row does not exist.
type Store interface {
	// Ticks.
	InsertTicks(ctx context.Context, ticks []types.Tick) error
	TickBounds(ctx context.Context) (startMs, endMs, rows int64, err error)
	SampleSymbols(ctx context.Context, offset, limit int) ([]string, error)
	TicksBetween(ctx context.Context, startMs, endMs int64, limit, offset int) ([]types.Tick, error)

	// Users.
	EnsureUser(ctx context.Context, authID, email, name string) (types.User, error)
	ListUsers(ctx context.Context) ([]types.User, error)

	// Portfolios.
	UpsertPortfolio(ctx context.Context, p types.PortfolioSnapshot) error
	ListPortfolios(ctx context.Context) ([]types.PortfolioSnapshot, error)
	ResetAllPortfolios(ctx context.Context, seedCash float64) (int64, error)

	// Trades.
	ApplyTrade(ctx context.Context, m TradeMutation) error
	TradesByUser(ctx context.Context, email string, page, limit int) ([]types.TradeRecord, int64, error)
	DeleteAllTrades(ctx context.Context) (int64, error)

	// Short positions.
	ShortsByUser(ctx context.Context, email string, activeOnly bool) ([]types.ShortPosition, error)
	ActiveShorts(ctx context.Context) ([]types.ShortPosition, error)
	UpdateShortMarks(ctx context.Context, marks []ShortMark) error
	DeleteAllShorts(ctx context.Context) (int64, error)

	// Contest lifecycle.
	SaveContestState(ctx context.Context, st types.ContestState) error
	LoadContestState(ctx context.Context) (*types.ContestState, error)
	SaveContestResult(ctx context.Context, res types.ContestResult) error

	Close() error
}
