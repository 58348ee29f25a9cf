package storage

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"tradearena/pkg/types"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "arena.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func tick(symbol string, ts int64, px, vol float64) types.Tick {
	return types.Tick{Symbol: symbol, TimestampMs: ts, Open: px, High: px, Low: px, Close: px, LTP: px, Volume: vol}
}

func TestTickBoundsEmpty(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	start, end, rows, err := s.TickBounds(context.Background())
	if err != nil {
		t.Fatalf("TickBounds: %v", err)
	}
	if start != 0 || end != 0 || rows != 0 {
		t.Errorf("TickBounds = (%d, %d, %d), want all zero on empty table", start, end, rows)
	}
}

func TestInsertAndQueryTicks(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	ticks := []types.Tick{
		tick("TCS", 1000, 3500, 10),
		tick("INFY", 2000, 1500, 5),
		tick("TCS", 3000, 3510, 7),
		tick("INFY", 4000, 1490, 2),
	}
	if err := s.InsertTicks(ctx, ticks); err != nil {
		t.Fatalf("InsertTicks: %v", err)
	}

	start, end, rows, err := s.TickBounds(ctx)
	if err != nil {
		t.Fatalf("TickBounds: %v", err)
	}
	if start != 1000 || end != 4000 || rows != 4 {
		t.Errorf("TickBounds = (%d, %d, %d), want (1000, 4000, 4)", start, end, rows)
	}

	got, err := s.TicksBetween(ctx, 1000, 4000, 100, 0)
	if err != nil {
		t.Fatalf("TicksBetween: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("TicksBetween returned %d ticks, want 3 (end exclusive)", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].TimestampMs < got[i-1].TimestampMs {
			t.Errorf("ticks out of order: %d before %d", got[i-1].TimestampMs, got[i].TimestampMs)
		}
	}

	syms, err := s.SampleSymbols(ctx, 0, 100)
	if err != nil {
		t.Fatalf("SampleSymbols: %v", err)
	}
	if len(syms) != 2 {
		t.Errorf("SampleSymbols = %v, want 2 distinct symbols", syms)
	}
}

func TestTicksBetweenPaging(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	var ticks []types.Tick
	for i := 0; i < 25; i++ {
		ticks = append(ticks, tick("TCS", int64(i*100), 3500, 1))
	}
	if err := s.InsertTicks(ctx, ticks); err != nil {
		t.Fatalf("InsertTicks: %v", err)
	}

	var all []types.Tick
	for offset := 0; ; offset += 10 {
		page, err := s.TicksBetween(ctx, 0, 10_000, 10, offset)
		if err != nil {
			t.Fatalf("TicksBetween offset %d: %v", offset, err)
		}
		all = append(all, page...)
		if len(page) < 10 {
			break
		}
	}
	if len(all) != 25 {
		t.Errorf("paged read returned %d ticks, want 25", len(all))
	}
}

func TestEnsureUserPreservesRole(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.EnsureUser(ctx, "auth-1", "a@example.com", "Alice")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if u.Role != types.RoleUser {
		t.Errorf("new user role = %q, want %q", u.Role, types.RoleUser)
	}

	// Promote out of band, then re-ensure with a changed name.
	if _, err := s.db.Exec(`UPDATE users SET role = 'admin' WHERE auth_id = 'auth-1'`); err != nil {
		t.Fatalf("promote: %v", err)
	}
	u, err = s.EnsureUser(ctx, "auth-1", "a@example.com", "Alice A.")
	if err != nil {
		t.Fatalf("EnsureUser again: %v", err)
	}
	if u.Role != types.RoleAdmin {
		t.Errorf("role after re-ensure = %q, want admin preserved", u.Role)
	}
	if u.Name != "Alice A." {
		t.Errorf("name after re-ensure = %q, want updated", u.Name)
	}
}

func TestPortfolioRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	p := types.PortfolioSnapshot{
		UserEmail: "a@example.com",
		Cash:      750_000,
		Holdings: map[string]types.Holding{
			"TCS": {Quantity: 100, AvgPrice: 2500, CompanyName: "Tata Consultancy"},
		},
		RealizedPnL: 1234.56,
		TotalWealth: 1_000_000,
		LastUpdated: time.Now().UTC(),
	}
	if err := s.UpsertPortfolio(ctx, p); err != nil {
		t.Fatalf("UpsertPortfolio: %v", err)
	}

	list, err := s.ListPortfolios(ctx)
	if err != nil {
		t.Fatalf("ListPortfolios: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListPortfolios returned %d rows, want 1", len(list))
	}
	got := list[0]
	if got.Cash != p.Cash {
		t.Errorf("Cash = %v, want %v", got.Cash, p.Cash)
	}
	if h, ok := got.Holdings["TCS"]; !ok || h.Quantity != 100 || h.AvgPrice != 2500 {
		t.Errorf("Holdings[TCS] = %+v, want qty 100 avg 2500", got.Holdings["TCS"])
	}
	if math.Abs(got.RealizedPnL-1234.56) > 1e-9 {
		t.Errorf("RealizedPnL = %v, want 1234.56", got.RealizedPnL)
	}
}

func TestApplyTradeAtomic(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	m := TradeMutation{
		Trade: types.TradeRecord{
			ID: "t1", UserEmail: "a@example.com", Symbol: "TCS",
			OrderType: types.OrderShortSell, Quantity: 100, Price: 2500,
			Total: 250_000, Timestamp: now,
		},
		Portfolio: types.PortfolioSnapshot{
			UserEmail: "a@example.com", Cash: 1_250_000,
			Holdings: map[string]types.Holding{}, LastUpdated: now,
		},
		NewShort: &types.ShortPosition{
			ID: "s1", UserEmail: "a@example.com", Symbol: "TCS",
			Quantity: 100, AvgShortPrice: 2500, OpenedAt: now, IsActive: true,
		},
	}
	if err := s.ApplyTrade(ctx, m); err != nil {
		t.Fatalf("ApplyTrade: %v", err)
	}

	trades, total, err := s.TradesByUser(ctx, "a@example.com", 1, 10)
	if err != nil {
		t.Fatalf("TradesByUser: %v", err)
	}
	if total != 1 || len(trades) != 1 {
		t.Fatalf("trades = %d (total %d), want 1", len(trades), total)
	}
	if trades[0].Quantity != 100 {
		t.Errorf("Quantity = %d, want 100 (integer column)", trades[0].Quantity)
	}

	shorts, err := s.ActiveShorts(ctx)
	if err != nil {
		t.Fatalf("ActiveShorts: %v", err)
	}
	if len(shorts) != 1 || !shorts[0].IsActive {
		t.Fatalf("ActiveShorts = %+v, want one active lot", shorts)
	}

	// A duplicate trade id must fail and leave everything untouched,
	// including the new lot it carried.
	dup := m
	dup.NewShort = &types.ShortPosition{
		ID: "s2", UserEmail: "a@example.com", Symbol: "TCS",
		Quantity: 50, AvgShortPrice: 2400, OpenedAt: now, IsActive: true,
	}
	if err := s.ApplyTrade(ctx, dup); err == nil {
		t.Fatal("ApplyTrade with duplicate id succeeded, want error")
	}
	shorts, err = s.ActiveShorts(ctx)
	if err != nil {
		t.Fatalf("ActiveShorts after failed trade: %v", err)
	}
	if len(shorts) != 1 {
		t.Errorf("failed trade leaked a short lot: %d lots, want 1", len(shorts))
	}
}

func TestApplyTradeClosesAndReducesLots(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	open := func(id string, qty int64, openedAt time.Time) {
		err := s.ApplyTrade(ctx, TradeMutation{
			Trade: types.TradeRecord{
				ID: "trade-" + id, UserEmail: "a@example.com", Symbol: "TCS",
				OrderType: types.OrderShortSell, Quantity: qty, Price: 2500,
				Total: float64(qty) * 2500, Timestamp: openedAt,
			},
			Portfolio: types.PortfolioSnapshot{UserEmail: "a@example.com", Cash: 1_000_000, Holdings: map[string]types.Holding{}, LastUpdated: openedAt},
			NewShort: &types.ShortPosition{
				ID: id, UserEmail: "a@example.com", Symbol: "TCS",
				Quantity: qty, AvgShortPrice: 2500, OpenedAt: openedAt, IsActive: true,
			},
		})
		if err != nil {
			t.Fatalf("open lot %s: %v", id, err)
		}
	}
	open("lot1", 100, now)
	open("lot2", 50, now.Add(time.Second))

	// Cover 120: close lot1 fully, reduce lot2 to 30.
	err := s.ApplyTrade(ctx, TradeMutation{
		Trade: types.TradeRecord{
			ID: "trade-cover", UserEmail: "a@example.com", Symbol: "TCS",
			OrderType: types.OrderBuyToCover, Quantity: 120, Price: 2400,
			Total: 288_000, Timestamp: now.Add(2 * time.Second),
		},
		Portfolio: types.PortfolioSnapshot{UserEmail: "a@example.com", Cash: 900_000, Holdings: map[string]types.Holding{}, LastUpdated: now},
		CloseLots: []string{"lot1"},
		ReduceLot: &LotReduction{ID: "lot2", NewQuantity: 30},
	})
	if err != nil {
		t.Fatalf("cover: %v", err)
	}

	active, err := s.ActiveShorts(ctx)
	if err != nil {
		t.Fatalf("ActiveShorts: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active lots = %d, want 1", len(active))
	}
	if active[0].ID != "lot2" || active[0].Quantity != 30 {
		t.Errorf("remaining lot = %+v, want lot2 qty 30", active[0])
	}

	all, err := s.ShortsByUser(ctx, "a@example.com", false)
	if err != nil {
		t.Fatalf("ShortsByUser: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all lots = %d, want 2 (tombstone retained)", len(all))
	}
	if all[0].ID != "lot1" {
		t.Errorf("lots not ordered by opened_at: first = %s, want lot1", all[0].ID)
	}
}

func TestTradesByUserPaging(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 7; i++ {
		err := s.ApplyTrade(ctx, TradeMutation{
			Trade: types.TradeRecord{
				ID: string(rune('a' + i)), UserEmail: "a@example.com", Symbol: "TCS",
				OrderType: types.OrderBuy, Quantity: 1, Price: 100, Total: 100,
				Timestamp: base.Add(time.Duration(i) * time.Second),
			},
			Portfolio: types.PortfolioSnapshot{UserEmail: "a@example.com", Cash: 1, Holdings: map[string]types.Holding{}, LastUpdated: base},
		})
		if err != nil {
			t.Fatalf("ApplyTrade %d: %v", i, err)
		}
	}

	page1, total, err := s.TradesByUser(ctx, "a@example.com", 1, 3)
	if err != nil {
		t.Fatalf("TradesByUser: %v", err)
	}
	if total != 7 || len(page1) != 3 {
		t.Fatalf("page1 = %d rows (total %d), want 3 (7)", len(page1), total)
	}
	// Newest first.
	if page1[0].ID != "g" {
		t.Errorf("page1[0].ID = %q, want g (newest)", page1[0].ID)
	}

	page3, _, err := s.TradesByUser(ctx, "a@example.com", 3, 3)
	if err != nil {
		t.Fatalf("TradesByUser page 3: %v", err)
	}
	if len(page3) != 1 {
		t.Errorf("page3 = %d rows, want 1", len(page3))
	}
}

func TestWipes(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	err := s.ApplyTrade(ctx, TradeMutation{
		Trade: types.TradeRecord{ID: "t1", UserEmail: "a@example.com", Symbol: "TCS",
			OrderType: types.OrderShortSell, Quantity: 10, Price: 100, Total: 1000, Timestamp: now},
		Portfolio: types.PortfolioSnapshot{UserEmail: "a@example.com", Cash: 1_001_000, Holdings: map[string]types.Holding{}, LastUpdated: now},
		NewShort: &types.ShortPosition{ID: "s1", UserEmail: "a@example.com", Symbol: "TCS",
			Quantity: 10, AvgShortPrice: 100, OpenedAt: now, IsActive: true},
	})
	if err != nil {
		t.Fatalf("ApplyTrade: %v", err)
	}

	if n, err := s.DeleteAllTrades(ctx); err != nil || n != 1 {
		t.Errorf("DeleteAllTrades = (%d, %v), want (1, nil)", n, err)
	}
	if n, err := s.DeleteAllShorts(ctx); err != nil || n != 1 {
		t.Errorf("DeleteAllShorts = (%d, %v), want (1, nil)", n, err)
	}
	if n, err := s.ResetAllPortfolios(ctx, types.SeedCash); err != nil || n != 1 {
		t.Errorf("ResetAllPortfolios = (%d, %v), want (1, nil)", n, err)
	}

	list, err := s.ListPortfolios(ctx)
	if err != nil {
		t.Fatalf("ListPortfolios: %v", err)
	}
	if list[0].Cash != types.SeedCash || len(list[0].Holdings) != 0 || list[0].RealizedPnL != 0 {
		t.Errorf("reset portfolio = %+v, want seed state", list[0])
	}
}

func TestContestStateRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.LoadContestState(ctx)
	if err != nil {
		t.Fatalf("LoadContestState: %v", err)
	}
	if got != nil {
		t.Fatalf("LoadContestState on empty table = %+v, want nil", got)
	}

	st := types.ContestState{
		ID:               "c1",
		Status:           types.ContestRunning,
		StartedAt:        time.Now().UTC().Truncate(time.Millisecond),
		Duration:         time.Hour,
		Symbols:          []string{"TCS", "INFY"},
		DataStartMs:      1000,
		DataEndMs:        9000,
		CompressionRatio: 8.5,
		Leaderboard:      []types.LeaderboardEntry{{Rank: 1, UserEmail: "a@example.com", TotalWealth: 1_000_000}},
		UpdatedAt:        time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.SaveContestState(ctx, st); err != nil {
		t.Fatalf("SaveContestState: %v", err)
	}

	got, err = s.LoadContestState(ctx)
	if err != nil {
		t.Fatalf("LoadContestState: %v", err)
	}
	if got == nil {
		t.Fatal("LoadContestState returned nil after save")
	}
	if got.ID != "c1" || got.Status != types.ContestRunning {
		t.Errorf("state = (%s, %s), want (c1, RUNNING)", got.ID, got.Status)
	}
	if got.Duration != time.Hour {
		t.Errorf("Duration = %v, want 1h", got.Duration)
	}
	if len(got.Symbols) != 2 || len(got.Leaderboard) != 1 {
		t.Errorf("symbols/leaderboard not round-tripped: %+v", got)
	}

	// Updating the same contest id must not create a second row.
	st.Status = types.ContestStopped
	st.UpdatedAt = st.UpdatedAt.Add(time.Second)
	if err := s.SaveContestState(ctx, st); err != nil {
		t.Fatalf("SaveContestState update: %v", err)
	}
	got, err = s.LoadContestState(ctx)
	if err != nil {
		t.Fatalf("LoadContestState: %v", err)
	}
	if got.Status != types.ContestStopped {
		t.Errorf("status after update = %s, want STOPPED", got.Status)
	}
}

func TestSaveContestResult(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	res := types.ContestResult{
		ContestID:         "c1",
		EndedAt:           time.Now().UTC(),
		FinalLeaderboard:  []types.LeaderboardEntry{{Rank: 1, UserEmail: "a@example.com", TotalWealth: 1_010_000}},
		TotalParticipants: 1,
		WinnerEmail:       "a@example.com",
		WinnerWealth:      1_010_000,
	}
	if err := s.SaveContestResult(ctx, res); err != nil {
		t.Fatalf("SaveContestResult: %v", err)
	}
	// Append-only: a second result for the same contest is a conflict.
	if err := s.SaveContestResult(ctx, res); err == nil {
		t.Error("duplicate SaveContestResult succeeded, want error")
	}
}

func TestUpdateShortMarks(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	err := s.ApplyTrade(ctx, TradeMutation{
		Trade: types.TradeRecord{ID: "t1", UserEmail: "a@example.com", Symbol: "TCS",
			OrderType: types.OrderShortSell, Quantity: 10, Price: 2500, Total: 25_000, Timestamp: now},
		Portfolio: types.PortfolioSnapshot{UserEmail: "a@example.com", Cash: 1_025_000, Holdings: map[string]types.Holding{}, LastUpdated: now},
		NewShort: &types.ShortPosition{ID: "s1", UserEmail: "a@example.com", Symbol: "TCS",
			Quantity: 10, AvgShortPrice: 2500, OpenedAt: now, IsActive: true},
	})
	if err != nil {
		t.Fatalf("ApplyTrade: %v", err)
	}

	err = s.UpdateShortMarks(ctx, []ShortMark{{ID: "s1", CurrentPrice: 2400, UnrealizedPnL: 1000}})
	if err != nil {
		t.Fatalf("UpdateShortMarks: %v", err)
	}
	lots, err := s.ActiveShorts(ctx)
	if err != nil {
		t.Fatalf("ActiveShorts: %v", err)
	}
	if lots[0].CurrentPrice != 2400 || lots[0].UnrealizedPnL != 1000 {
		t.Errorf("marks = (%v, %v), want (2400, 1000)", lots[0].CurrentPrice, lots[0].UnrealizedPnL)
	}
}
