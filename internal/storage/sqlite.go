package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"tradearena/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS ticks (
	symbol       TEXT    NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	open         REAL    NOT NULL,
	high         REAL    NOT NULL,
	low          REAL    NOT NULL,
	close        REAL    NOT NULL,
	ltp          REAL    NOT NULL,
	volume       REAL    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ticks_ts        ON ticks(timestamp_ms);
CREATE INDEX IF NOT EXISTS idx_ticks_symbol_ts ON ticks(symbol, timestamp_ms);

CREATE TABLE IF NOT EXISTS users (
	auth_id TEXT PRIMARY KEY,
	email   TEXT NOT NULL UNIQUE,
	name    TEXT NOT NULL DEFAULT '',
	role    TEXT NOT NULL DEFAULT 'user'
);

CREATE TABLE IF NOT EXISTS portfolios (
	user_email        TEXT PRIMARY KEY,
	cash              REAL NOT NULL,
	holdings          TEXT NOT NULL DEFAULT '{}',
	realized_pnl      REAL NOT NULL DEFAULT 0,
	long_market_value REAL NOT NULL DEFAULT 0,
	short_liability   REAL NOT NULL DEFAULT 0,
	unrealized_pnl    REAL NOT NULL DEFAULT 0,
	total_wealth      REAL NOT NULL DEFAULT 0,
	total_pnl         REAL NOT NULL DEFAULT 0,
	updated_at_ms     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	id           TEXT PRIMARY KEY,
	user_email   TEXT    NOT NULL,
	symbol       TEXT    NOT NULL,
	company_name TEXT    NOT NULL DEFAULT '',
	order_type   TEXT    NOT NULL,
	quantity     INTEGER NOT NULL,
	price        REAL    NOT NULL,
	total        REAL    NOT NULL,
	created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_user_created ON trades(user_email, created_at_ms DESC);

CREATE TABLE IF NOT EXISTS short_positions (
	id              TEXT PRIMARY KEY,
	user_email      TEXT    NOT NULL,
	symbol          TEXT    NOT NULL,
	company_name    TEXT    NOT NULL DEFAULT '',
	quantity        INTEGER NOT NULL,
	avg_short_price REAL    NOT NULL,
	opened_at_ms    INTEGER NOT NULL,
	is_active       INTEGER NOT NULL DEFAULT 1,
	current_price   REAL    NOT NULL DEFAULT 0,
	unrealized_pnl  REAL    NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_shorts_user_active ON short_positions(user_email, is_active);
CREATE INDEX IF NOT EXISTS idx_shorts_active_opened ON short_positions(is_active, opened_at_ms);

CREATE TABLE IF NOT EXISTS contest_state (
	id                TEXT PRIMARY KEY,
	status            TEXT    NOT NULL,
	started_at_ms     INTEGER NOT NULL DEFAULT 0,
	duration_ms       INTEGER NOT NULL DEFAULT 0,
	symbols           TEXT    NOT NULL DEFAULT '[]',
	data_start_ms     INTEGER NOT NULL DEFAULT 0,
	data_end_ms       INTEGER NOT NULL DEFAULT 0,
	compression_ratio REAL    NOT NULL DEFAULT 0,
	leaderboard       TEXT    NOT NULL DEFAULT '[]',
	updated_at_ms     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS contest_results (
	contest_id         TEXT PRIMARY KEY,
	ended_at_ms        INTEGER NOT NULL,
	final_leaderboard  TEXT    NOT NULL DEFAULT '[]',
	total_participants INTEGER NOT NULL DEFAULT 0,
	winner_email       TEXT    NOT NULL DEFAULT '',
	winner_name        TEXT    NOT NULL DEFAULT '',
	winner_wealth      REAL    NOT NULL DEFAULT 0
);
`

// SQLite implements Store on an embedded SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// Open creates (if needed) and opens the database at path, applying the
// schema. The pool is capped at one connection: SQLite allows one writer at
// a time and a single connection avoids SQLITE_BUSY under concurrent trades.
func Open(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the underlying connection.
func (s *SQLite) Close() error { return s.db.Close() }

// ---------------------------------------------------------------------------
// Ticks
// ---------------------------------------------------------------------------

// InsertTicks appends a batch of ticks in one transaction.
func (s *SQLite) InsertTicks(ctx context.Context, ticks []types.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: insert ticks: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO ticks (symbol, timestamp_ms, open, high, low, close, ltp, volume)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("storage: insert ticks: prepare: %w", err)
	}
	defer stmt.Close()

	for _, t := range ticks {
		if _, err := stmt.ExecContext(ctx, t.Symbol, t.TimestampMs, t.Open, t.High, t.Low, t.Close, t.LTP, t.Volume); err != nil {
			return fmt.Errorf("storage: insert ticks: exec: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: insert ticks: commit: %w", err)
	}
	return nil
}

// TickBounds reports the corpus span and row count. All zeros on an empty table.
func (s *SQLite) TickBounds(ctx context.Context) (int64, int64, int64, error) {
	var start, end sql.NullInt64
	var rows int64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(timestamp_ms), MAX(timestamp_ms), COUNT(*) FROM ticks`).
		Scan(&start, &end, &rows)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("storage: tick bounds: %w", err)
	}
	if rows == 0 {
		return 0, 0, 0, nil
	}
	return start.Int64, end.Int64, rows, nil
}

// SampleSymbols returns the distinct symbols found in one page of the ticks
// table at the given offset. The loader samples several offsets so that
// symbols clustered late in storage order are still discovered.
func (s *SQLite) SampleSymbols(ctx context.Context, offset, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT symbol FROM (SELECT symbol FROM ticks LIMIT ? OFFSET ?)`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: sample symbols: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("storage: sample symbols: scan: %w", err)
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

// TicksBetween returns one page of ticks with timestamp in [startMs, endMs),
// ascending by timestamp.
func (s *SQLite) TicksBetween(ctx context.Context, startMs, endMs int64, limit, offset int) ([]types.Tick, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, timestamp_ms, open, high, low, close, ltp, volume
		 FROM ticks
		 WHERE timestamp_ms >= ? AND timestamp_ms < ?
		 ORDER BY timestamp_ms ASC
		 LIMIT ? OFFSET ?`,
		startMs, endMs, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: ticks between: %w", err)
	}
	defer rows.Close()

	var out []types.Tick
	for rows.Next() {
		var t types.Tick
		if err := rows.Scan(&t.Symbol, &t.TimestampMs, &t.Open, &t.High, &t.Low, &t.Close, &t.LTP, &t.Volume); err != nil {
			return nil, fmt.Errorf("storage: ticks between: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// EnsureUser upserts the identity row for authID, preserving an existing
// role. Returns the stored row.
func (s *SQLite) EnsureUser(ctx context.Context, authID, email, name string) (types.User, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (auth_id, email, name, role) VALUES (?, ?, ?, 'user')
		 ON CONFLICT(auth_id) DO UPDATE SET email = excluded.email, name = excluded.name`,
		authID, email, name)
	if err != nil {
		return types.User{}, fmt.Errorf("storage: ensure user: %w", err)
	}

	var u types.User
	err = s.db.QueryRowContext(ctx,
		`SELECT auth_id, email, name, role FROM users WHERE auth_id = ?`, authID).
		Scan(&u.AuthID, &u.Email, &u.Name, &u.Role)
	if err != nil {
		return types.User{}, fmt.Errorf("storage: ensure user: read back: %w", err)
	}
	return u, nil
}

// ListUsers returns every stored identity row.
func (s *SQLite) ListUsers(ctx context.Context) ([]types.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT auth_id, email, name, role FROM users`)
	if err != nil {
		return nil, fmt.Errorf("storage: list users: %w", err)
	}
	defer rows.Close()

	var out []types.User
	for rows.Next() {
		var u types.User
		if err := rows.Scan(&u.AuthID, &u.Email, &u.Name, &u.Role); err != nil {
			return nil, fmt.Errorf("storage: list users: scan: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Portfolios
// ---------------------------------------------------------------------------

// UpsertPortfolio writes one user's portfolio row.
func (s *SQLite) UpsertPortfolio(ctx context.Context, p types.PortfolioSnapshot) error {
	if err := upsertPortfolio(ctx, s.db, p); err != nil {
		return fmt.Errorf("storage: upsert portfolio: %w", err)
	}
	return nil
}

// execer covers *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertPortfolio(ctx context.Context, db execer, p types.PortfolioSnapshot) error {
	holdings, err := json.Marshal(p.Holdings)
	if err != nil {
		return fmt.Errorf("marshal holdings: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO portfolios
		   (user_email, cash, holdings, realized_pnl, long_market_value,
		    short_liability, unrealized_pnl, total_wealth, total_pnl, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_email) DO UPDATE SET
		   cash = excluded.cash,
		   holdings = excluded.holdings,
		   realized_pnl = excluded.realized_pnl,
		   long_market_value = excluded.long_market_value,
		   short_liability = excluded.short_liability,
		   unrealized_pnl = excluded.unrealized_pnl,
		   total_wealth = excluded.total_wealth,
		   total_pnl = excluded.total_pnl,
		   updated_at_ms = excluded.updated_at_ms`,
		p.UserEmail, p.Cash, string(holdings), p.RealizedPnL, p.LongMarketValue,
		p.ShortLiability, p.UnrealizedPnL, p.TotalWealth, p.TotalPnL,
		p.LastUpdated.UnixMilli())
	return err
}

// ListPortfolios returns every portfolio row.
func (s *SQLite) ListPortfolios(ctx context.Context) ([]types.PortfolioSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_email, cash, holdings, realized_pnl, long_market_value,
		        short_liability, unrealized_pnl, total_wealth, total_pnl, updated_at_ms
		 FROM portfolios`)
	if err != nil {
		return nil, fmt.Errorf("storage: list portfolios: %w", err)
	}
	defer rows.Close()

	var out []types.PortfolioSnapshot
	for rows.Next() {
		var p types.PortfolioSnapshot
		var holdings string
		var updatedMs int64
		if err := rows.Scan(&p.UserEmail, &p.Cash, &holdings, &p.RealizedPnL,
			&p.LongMarketValue, &p.ShortLiability, &p.UnrealizedPnL,
			&p.TotalWealth, &p.TotalPnL, &updatedMs); err != nil {
			return nil, fmt.Errorf("storage: list portfolios: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(holdings), &p.Holdings); err != nil {
			return nil, fmt.Errorf("storage: list portfolios: holdings: %w", err)
		}
		p.LastUpdated = time.UnixMilli(updatedMs).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// ResetAllPortfolios puts every portfolio back to the seed state and returns
// how many rows changed.
func (s *SQLite) ResetAllPortfolios(ctx context.Context, seedCash float64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE portfolios SET
		   cash = ?, holdings = '{}', realized_pnl = 0, long_market_value = 0,
		   short_liability = 0, unrealized_pnl = 0, total_wealth = ?, total_pnl = 0,
		   updated_at_ms = ?`,
		seedCash, seedCash, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("storage: reset portfolios: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ---------------------------------------------------------------------------
// Trades
// ---------------------------------------------------------------------------

// ApplyTrade persists one executed order atomically: the trade record, the
// post-trade portfolio, and any short-lot changes commit together or not at
// all.
func (s *SQLite) ApplyTrade(ctx context.Context, m TradeMutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: apply trade: begin: %w", err)
	}
	defer tx.Rollback()

	t := m.Trade
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO trades (id, user_email, symbol, company_name, order_type, quantity, price, total, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserEmail, t.Symbol, t.CompanyName, string(t.OrderType), t.Quantity,
		t.Price, t.Total, t.Timestamp.UnixMilli()); err != nil {
		return fmt.Errorf("storage: apply trade: insert trade: %w", err)
	}

	if err := upsertPortfolio(ctx, tx, m.Portfolio); err != nil {
		return fmt.Errorf("storage: apply trade: portfolio: %w", err)
	}

	if lot := m.NewShort; lot != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO short_positions
			   (id, user_email, symbol, company_name, quantity, avg_short_price,
			    opened_at_ms, is_active, current_price, unrealized_pnl)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			lot.ID, lot.UserEmail, lot.Symbol, lot.CompanyName, lot.Quantity,
			lot.AvgShortPrice, lot.OpenedAt.UnixMilli(), lot.CurrentPrice,
			lot.UnrealizedPnL); err != nil {
			return fmt.Errorf("storage: apply trade: insert short: %w", err)
		}
	}
	for _, id := range m.CloseLots {
		if _, err := tx.ExecContext(ctx,
			`UPDATE short_positions SET is_active = 0 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("storage: apply trade: close lot: %w", err)
		}
	}
	if r := m.ReduceLot; r != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE short_positions SET quantity = ? WHERE id = ?`, r.NewQuantity, r.ID); err != nil {
			return fmt.Errorf("storage: apply trade: reduce lot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: apply trade: commit: %w", err)
	}
	return nil
}

// TradesByUser returns one page of a user's trades, newest first, plus the
// total count. Page numbering starts at 1.
func (s *SQLite) TradesByUser(ctx context.Context, email string, page, limit int) ([]types.TradeRecord, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trades WHERE user_email = ?`, email).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: trades by user: count: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_email, symbol, company_name, order_type, quantity, price, total, created_at_ms
		 FROM trades
		 WHERE user_email = ?
		 ORDER BY created_at_ms DESC, rowid DESC
		 LIMIT ? OFFSET ?`,
		email, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: trades by user: %w", err)
	}
	defer rows.Close()

	var out []types.TradeRecord
	for rows.Next() {
		var t types.TradeRecord
		var orderType string
		var createdMs int64
		if err := rows.Scan(&t.ID, &t.UserEmail, &t.Symbol, &t.CompanyName,
			&orderType, &t.Quantity, &t.Price, &t.Total, &createdMs); err != nil {
			return nil, 0, fmt.Errorf("storage: trades by user: scan: %w", err)
		}
		t.OrderType = types.OrderType(orderType)
		t.Timestamp = time.UnixMilli(createdMs).UTC()
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// DeleteAllTrades wipes the trades table and returns the number of rows removed.
func (s *SQLite) DeleteAllTrades(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trades`)
	if err != nil {
		return 0, fmt.Errorf("storage: delete trades: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ---------------------------------------------------------------------------
// Short positions
// ---------------------------------------------------------------------------

const shortColumns = `id, user_email, symbol, company_name, quantity, avg_short_price,
	opened_at_ms, is_active, current_price, unrealized_pnl`

func scanShorts(rows *sql.Rows) ([]types.ShortPosition, error) {
	var out []types.ShortPosition
	for rows.Next() {
		var sp types.ShortPosition
		var openedMs int64
		var active int
		if err := rows.Scan(&sp.ID, &sp.UserEmail, &sp.Symbol, &sp.CompanyName,
			&sp.Quantity, &sp.AvgShortPrice, &openedMs, &active,
			&sp.CurrentPrice, &sp.UnrealizedPnL); err != nil {
			return nil, fmt.Errorf("scan short: %w", err)
		}
		sp.OpenedAt = time.UnixMilli(openedMs).UTC()
		sp.IsActive = active != 0
		out = append(out, sp)
	}
	return out, rows.Err()
}

// ShortsByUser returns a user's lots, oldest first. With activeOnly the
// tombstoned lots are excluded.
func (s *SQLite) ShortsByUser(ctx context.Context, email string, activeOnly bool) ([]types.ShortPosition, error) {
	q := `SELECT ` + shortColumns + ` FROM short_positions WHERE user_email = ?`
	if activeOnly {
		q += ` AND is_active = 1`
	}
	q += ` ORDER BY opened_at_ms ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, q, email)
	if err != nil {
		return nil, fmt.Errorf("storage: shorts by user: %w", err)
	}
	defer rows.Close()

	out, err := scanShorts(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: shorts by user: %w", err)
	}
	return out, nil
}

// ActiveShorts returns every open lot across all users, oldest first.
func (s *SQLite) ActiveShorts(ctx context.Context) ([]types.ShortPosition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+shortColumns+` FROM short_positions WHERE is_active = 1
		 ORDER BY opened_at_ms ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: active shorts: %w", err)
	}
	defer rows.Close()

	out, err := scanShorts(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: active shorts: %w", err)
	}
	return out, nil
}

// UpdateShortMarks bulk-updates advisory mark-to-market columns.
func (s *SQLite) UpdateShortMarks(ctx context.Context, marks []ShortMark) error {
	if len(marks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: update short marks: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE short_positions SET current_price = ?, unrealized_pnl = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("storage: update short marks: prepare: %w", err)
	}
	defer stmt.Close()

	for _, m := range marks {
		if _, err := stmt.ExecContext(ctx, m.CurrentPrice, m.UnrealizedPnL, m.ID); err != nil {
			return fmt.Errorf("storage: update short marks: exec: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: update short marks: commit: %w", err)
	}
	return nil
}

// DeleteAllShorts removes every lot, active or tombstoned.
func (s *SQLite) DeleteAllShorts(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM short_positions`)
	if err != nil {
		return 0, fmt.Errorf("storage: delete shorts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ---------------------------------------------------------------------------
// Contest lifecycle
// ---------------------------------------------------------------------------

// SaveContestState upserts the lifecycle row, including the embedded
// leaderboard snapshot.
func (s *SQLite) SaveContestState(ctx context.Context, st types.ContestState) error {
	symbols, err := json.Marshal(st.Symbols)
	if err != nil {
		return fmt.Errorf("storage: save contest state: symbols: %w", err)
	}
	board, err := json.Marshal(st.Leaderboard)
	if err != nil {
		return fmt.Errorf("storage: save contest state: leaderboard: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contest_state
		   (id, status, started_at_ms, duration_ms, symbols, data_start_ms,
		    data_end_ms, compression_ratio, leaderboard, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status = excluded.status,
		   started_at_ms = excluded.started_at_ms,
		   duration_ms = excluded.duration_ms,
		   symbols = excluded.symbols,
		   data_start_ms = excluded.data_start_ms,
		   data_end_ms = excluded.data_end_ms,
		   compression_ratio = excluded.compression_ratio,
		   leaderboard = excluded.leaderboard,
		   updated_at_ms = excluded.updated_at_ms`,
		st.ID, string(st.Status), st.StartedAt.UnixMilli(), st.Duration.Milliseconds(),
		string(symbols), st.DataStartMs, st.DataEndMs, st.CompressionRatio,
		string(board), st.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("storage: save contest state: %w", err)
	}
	return nil
}

// LoadContestState returns the most recently updated lifecycle row, or
// (nil, nil) when none exists.
func (s *SQLite) LoadContestState(ctx context.Context) (*types.ContestState, error) {
	var st types.ContestState
	var status, symbols, board string
	var startedMs, durationMs, updatedMs int64

	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, started_at_ms, duration_ms, symbols, data_start_ms,
		        data_end_ms, compression_ratio, leaderboard, updated_at_ms
		 FROM contest_state ORDER BY updated_at_ms DESC LIMIT 1`).
		Scan(&st.ID, &status, &startedMs, &durationMs, &symbols,
			&st.DataStartMs, &st.DataEndMs, &st.CompressionRatio, &board, &updatedMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load contest state: %w", err)
	}

	st.Status = types.ContestStatus(status)
	st.StartedAt = time.UnixMilli(startedMs).UTC()
	st.Duration = time.Duration(durationMs) * time.Millisecond
	st.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	if err := json.Unmarshal([]byte(symbols), &st.Symbols); err != nil {
		return nil, fmt.Errorf("storage: load contest state: symbols: %w", err)
	}
	if err := json.Unmarshal([]byte(board), &st.Leaderboard); err != nil {
		return nil, fmt.Errorf("storage: load contest state: leaderboard: %w", err)
	}
	return &st, nil
}

// SaveContestResult appends the final record of a finished contest.
func (s *SQLite) SaveContestResult(ctx context.Context, res types.ContestResult) error {
	board, err := json.Marshal(res.FinalLeaderboard)
	if err != nil {
		return fmt.Errorf("storage: save contest result: leaderboard: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contest_results
		   (contest_id, ended_at_ms, final_leaderboard, total_participants,
		    winner_email, winner_name, winner_wealth)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		res.ContestID, res.EndedAt.UnixMilli(), string(board), res.TotalParticipants,
		res.WinnerEmail, res.WinnerName, res.WinnerWealth)
	if err != nil {
		return fmt.Errorf("storage: save contest result: %w", err)
	}
	return nil
}
