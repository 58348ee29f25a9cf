// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the contest engine: ticks,
// candles and timeframes, order and contest enums, portfolio and leaderboard
// shapes. It has no dependencies on internal packages, so it can be imported
// by any layer.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SeedCash is the starting cash balance of every portfolio. Portfolios are
// reset to this amount when a contest starts and again during cleanup.
const SeedCash = 1_000_000.0

// Round2 rounds a monetary amount to 2 decimal places. All prices, totals,
// cash balances and PnL figures are rounded through here at the boundary;
// intermediate math stays in full float64 precision.
func Round2(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

// ---------------------------------------------------------------------------
// Ticks and candles
// ---------------------------------------------------------------------------

// Tick is one row of the historical corpus the contest replays. In the
// source data all four OHLC fields collapse to the last traded price of the
// sample; Close is the value the aggregator consumes.
type Tick struct {
	Symbol      string  `json:"symbol"`
	TimestampMs int64   `json:"timestamp_ms"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	LTP         float64 `json:"ltp"` // last traded price, equals Close in the corpus
	Volume      float64 `json:"volume"`
}

// Timeframe identifies a candle interval. The base timeframe is generated
// directly from ticks; higher timeframes are aggregated from lower ones
// according to CascadeRules.
type Timeframe string

const (
	TF5s  Timeframe = "5s"
	TF30s Timeframe = "30s"
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
)

// BaseTimeframe is the interval candles are built at directly from ticks.
const BaseTimeframe = TF5s

// DefaultTimeframe is what chart clients get when they do not ask for one.
const DefaultTimeframe = TF1m

// Timeframes lists every supported interval, smallest first.
var Timeframes = []Timeframe{TF5s, TF30s, TF1m, TF3m, TF5m}

var timeframeSeconds = map[Timeframe]float64{
	TF5s:  5,
	TF30s: 30,
	TF1m:  60,
	TF3m:  180,
	TF5m:  300,
}

var timeframeLabels = map[Timeframe]string{
	TF5s:  "5 seconds",
	TF30s: "30 seconds",
	TF1m:  "1 minute",
	TF3m:  "3 minutes",
	TF5m:  "5 minutes",
}

// Seconds returns the real-time length of one bucket of this timeframe.
func (t Timeframe) Seconds() float64 { return timeframeSeconds[t] }

// Duration returns the bucket length as a time.Duration.
func (t Timeframe) Duration() time.Duration {
	return time.Duration(timeframeSeconds[t] * float64(time.Second))
}

// Label returns the human-readable name used by the /timeframes endpoint.
func (t Timeframe) Label() string { return timeframeLabels[t] }

// Valid reports whether t is one of the supported timeframes.
func (t Timeframe) Valid() bool {
	_, ok := timeframeSeconds[t]
	return ok
}

// ParseTimeframe validates a client-supplied timeframe string.
func ParseTimeframe(s string) (Timeframe, bool) {
	t := Timeframe(strings.ToLower(strings.TrimSpace(s)))
	return t, t.Valid()
}

// CascadeRule describes how one timeframe is aggregated from a lower one:
// Count consecutive Source candles produce one Target candle.
type CascadeRule struct {
	Target Timeframe
	Source Timeframe
	Count  int
}

// CascadeRules maps a source timeframe to the aggregations fed by it.
// The aggregator recurses: a candle emitted for a target timeframe triggers
// the rules that use that target as their source.
var CascadeRules = map[Timeframe][]CascadeRule{
	TF5s:  {{Target: TF30s, Source: TF5s, Count: 6}},
	TF30s: {{Target: TF1m, Source: TF30s, Count: 2}},
	TF1m:  {{Target: TF3m, Source: TF1m, Count: 3}, {Target: TF5m, Source: TF1m, Count: 5}},
}

// Candle is one OHLCV bar. BucketStart is in real seconds since contest
// start and is always a multiple of the timeframe's interval. TickCount is
// the number of source ticks (base) or the sum over source candles
// (aggregated); zero marks a carry-forward bar.
type Candle struct {
	Symbol      string    `json:"symbol"`
	Timeframe   Timeframe `json:"timeframe"`
	BucketStart float64   `json:"bucket_start"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
	TickCount   int       `json:"tick_count"`
}

// ---------------------------------------------------------------------------
// Orders and trades
// ---------------------------------------------------------------------------

// OrderType enumerates the four supported order kinds. There is no order
// book; every order executes immediately at the symbol's last known price.
type OrderType string

const (
	OrderBuy        OrderType = "BUY"
	OrderSell       OrderType = "SELL"
	OrderShortSell  OrderType = "SHORT_SELL"
	OrderBuyToCover OrderType = "BUY_TO_COVER"
)

// ParseOrderType maps the wire form ("buy", "short_sell", ...) to the
// canonical enum, case-insensitively.
func ParseOrderType(s string) (OrderType, bool) {
	switch OrderType(strings.ToUpper(strings.TrimSpace(s))) {
	case OrderBuy:
		return OrderBuy, true
	case OrderSell:
		return OrderSell, true
	case OrderShortSell:
		return OrderShortSell, true
	case OrderBuyToCover:
		return OrderBuyToCover, true
	}
	return "", false
}

// TradeRecord is the immutable, append-only record of one executed order.
// Quantity is a whole number of shares; Price and Total are rounded to
// 2 decimals when the record is created.
type TradeRecord struct {
	ID          string    `json:"id"`
	UserEmail   string    `json:"user_email"`
	Symbol      string    `json:"symbol"`
	CompanyName string    `json:"company_name,omitempty"`
	OrderType   OrderType `json:"order_type"`
	Quantity    int64     `json:"quantity"`
	Price       float64   `json:"price"`
	Total       float64   `json:"total"`
	Timestamp   time.Time `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Portfolios and shorts
// ---------------------------------------------------------------------------

// Holding is one long position inside a portfolio. Quantity is always
// positive; zero-quantity holdings are removed from the map.
type Holding struct {
	Quantity    int64   `json:"quantity"`
	AvgPrice    float64 `json:"avg_price"`
	CompanyName string  `json:"company_name,omitempty"`
}

// PortfolioSnapshot is a consistent copy of one user's portfolio with the
// derived values of the latest valuation. TotalWealth is cash plus long
// market value plus the mark-to-market on open shorts; the short liability
// is reported separately and is never subtracted from wealth (cash already
// holds the short-sale proceeds).
type PortfolioSnapshot struct {
	UserEmail       string             `json:"user_email"`
	Cash            float64            `json:"cash"`
	Holdings        map[string]Holding `json:"holdings"`
	RealizedPnL     float64            `json:"realized_pnl"`
	LongMarketValue float64            `json:"long_market_value"`
	ShortLiability  float64            `json:"short_liability"`
	UnrealizedPnL   float64            `json:"unrealized_pnl"`
	TotalWealth     float64            `json:"total_wealth"`
	TotalPnL        float64            `json:"total_pnl"`
	LastUpdated     time.Time          `json:"last_updated"`
}

// ShortPosition is one open (or tombstoned) short lot. Lots are covered
// FIFO by OpenedAt. CurrentPrice and UnrealizedPnL are advisory marks
// refreshed during revaluation, never a source of truth for PnL.
type ShortPosition struct {
	ID            string    `json:"id"`
	UserEmail     string    `json:"user_email"`
	Symbol        string    `json:"symbol"`
	CompanyName   string    `json:"company_name,omitempty"`
	Quantity      int64     `json:"quantity"`
	AvgShortPrice float64   `json:"avg_short_price"`
	OpenedAt      time.Time `json:"opened_at"`
	IsActive      bool      `json:"is_active"`
	CurrentPrice  float64   `json:"current_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
}

// ---------------------------------------------------------------------------
// Contest lifecycle
// ---------------------------------------------------------------------------

// ContestStatus is the lifecycle state of the single contest instance.
type ContestStatus string

const (
	ContestIdle    ContestStatus = "IDLE"
	ContestRunning ContestStatus = "RUNNING"
	ContestPaused  ContestStatus = "PAUSED"
	ContestStopped ContestStatus = "STOPPED"
)

// ContestState is the lifecycle record owned by the controller. Leaderboard
// holds the latest top-N snapshot so clients connecting mid-contest can
// fetch a ranking without waiting for the next refresh.
type ContestState struct {
	ID               string             `json:"id"`
	Status           ContestStatus      `json:"status"`
	StartedAt        time.Time          `json:"started_at"`
	Duration         time.Duration      `json:"duration"`
	Symbols          []string           `json:"symbols"`
	DataStartMs      int64              `json:"data_start_ms"`
	DataEndMs        int64              `json:"data_end_ms"`
	CompressionRatio float64            `json:"compression_ratio"`
	Leaderboard      []LeaderboardEntry `json:"leaderboard,omitempty"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// LeaderboardEntry is one ranked row. ReturnPercent is the percentage gain
// over the seed: (TotalWealth - 1,000,000) / 10,000.
type LeaderboardEntry struct {
	Rank            int     `json:"rank"`
	UserName        string  `json:"user_name"`
	UserEmail       string  `json:"user_email"`
	TotalWealth     float64 `json:"total_wealth"`
	TotalPnL        float64 `json:"total_pnl"`
	ReturnPercent   float64 `json:"return_percent"`
	Cash            float64 `json:"cash"`
	LongMarketValue float64 `json:"long_market_value"`
	ShortLiability  float64 `json:"short_liability"`
	RealizedPnL     float64 `json:"realized_pnl"`
	UnrealizedPnL   float64 `json:"unrealized_pnl"`
}

// ContestResult is the append-only record persisted when a contest ends.
type ContestResult struct {
	ContestID         string             `json:"contest_id"`
	EndedAt           time.Time          `json:"ended_at"`
	FinalLeaderboard  []LeaderboardEntry `json:"final_leaderboard"`
	TotalParticipants int                `json:"total_participants"`
	WinnerEmail       string             `json:"winner_email,omitempty"`
	WinnerName        string             `json:"winner_name,omitempty"`
	WinnerWealth      float64            `json:"winner_wealth,omitempty"`
}

// CleanupSummary reports what end-of-contest cleanup did. Errors collects
// per-step failures; cleanup always runs to completion regardless.
type CleanupSummary struct {
	ContestID       string   `json:"contest_id"`
	SquaredOff      int      `json:"squared_off"`
	TradesDeleted   int64    `json:"trades_deleted"`
	ShortsDeleted   int64    `json:"shorts_deleted"`
	PortfoliosReset int64    `json:"portfolios_reset"`
	Errors          []string `json:"errors,omitempty"`
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// Role values stored on the users table. Admins may drive the contest
// lifecycle; everyone else may only trade and read.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is the stored identity row keyed by the external provider's auth id.
type User struct {
	AuthID string `json:"auth_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}
