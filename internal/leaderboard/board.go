// Package leaderboard ranks contest participants by total wealth and keeps
// the ranking fresh while a contest runs.
package leaderboard

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"tradearena/internal/market"
	"tradearena/internal/portfolio"
	"tradearena/internal/storage"
	"tradearena/pkg/types"
)

// PortfolioSource is the slice of the portfolio registry the builder reads.
type PortfolioSource interface {
	Emails() []string
	Read(email string) (types.PortfolioSnapshot, []types.ShortPosition)
}

// UserDirectory resolves display names for ranked entries.
type UserDirectory interface {
	ListUsers(ctx context.Context) ([]types.User, error)
}

// Builder computes a full ranking of every participant against the current
// price index. Display names come from the user directory and are cached
// across builds; a user with no stored name shows the local part of their
// email.
type Builder struct {
	source PortfolioSource
	prices *market.PriceIndex
	users  UserDirectory
	logger *slog.Logger

	mu    sync.Mutex
	names map[string]string
}

func NewBuilder(source PortfolioSource, prices *market.PriceIndex, users UserDirectory, logger *slog.Logger) *Builder {
	return &Builder{
		source: source,
		prices: prices,
		users:  users,
		logger: logger.With("component", "leaderboard"),
		names:  make(map[string]string),
	}
}

// Build ranks every participant by total wealth descending, ties broken by
// email ascending. It also returns the advisory short marks produced by
// revaluation so the caller can persist them in bulk.
func (b *Builder) Build(ctx context.Context) ([]types.LeaderboardEntry, []storage.ShortMark) {
	b.refreshNames(ctx)
	prices := b.prices.Snapshot()

	emails := b.source.Emails()
	entries := make([]types.LeaderboardEntry, 0, len(emails))
	var marks []storage.ShortMark
	for _, email := range emails {
		p, lots := b.source.Read(email)
		portfolio.Revalue(&p, lots, prices)
		for _, lot := range lots {
			marks = append(marks, storage.ShortMark{
				ID:            lot.ID,
				CurrentPrice:  lot.CurrentPrice,
				UnrealizedPnL: lot.UnrealizedPnL,
			})
		}
		entries = append(entries, types.LeaderboardEntry{
			UserName:        b.displayName(email),
			UserEmail:       email,
			TotalWealth:     p.TotalWealth,
			TotalPnL:        p.TotalPnL,
			ReturnPercent:   types.Round2((p.TotalWealth - types.SeedCash) / 10_000),
			Cash:            p.Cash,
			LongMarketValue: p.LongMarketValue,
			ShortLiability:  p.ShortLiability,
			RealizedPnL:     p.RealizedPnL,
			UnrealizedPnL:   p.UnrealizedPnL,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TotalWealth != entries[j].TotalWealth {
			return entries[i].TotalWealth > entries[j].TotalWealth
		}
		return entries[i].UserEmail < entries[j].UserEmail
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, marks
}

// refreshNames pulls the latest display names. A directory failure keeps the
// cached names; the ranking itself never depends on it.
func (b *Builder) refreshNames(ctx context.Context) {
	users, err := b.users.ListUsers(ctx)
	if err != nil {
		b.logger.Warn("user directory unavailable, keeping cached names", "error", err)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, u := range users {
		if u.Name != "" {
			b.names[u.Email] = u.Name
		}
	}
}

func (b *Builder) displayName(email string) string {
	b.mu.Lock()
	name := b.names[email]
	b.mu.Unlock()
	if name != "" {
		return name
	}
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	return email
}
