// Package portfolio implements the trading side of the contest: the
// in-memory portfolio registry with per-user locking, portfolio valuation,
// and the executor that applies orders atomically against both the
// in-memory state and the store.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tradearena/internal/market"
	"tradearena/internal/storage"
	"tradearena/pkg/types"
)

// Named errors for every trade precondition. The API layer maps them to
// HTTP status codes with errors.Is.
var (
	ErrContestNotRunning    = errors.New("contest is not running")
	ErrInvalidQuantity      = errors.New("quantity must be a positive integer")
	ErrNoPrice              = errors.New("no price for symbol")
	ErrInsufficientCash     = errors.New("insufficient cash")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrNoShorts             = errors.New("no active short position to cover")
)

// TradeStore is the slice of the storage layer trades are written through.
type TradeStore interface {
	ApplyTrade(ctx context.Context, m storage.TradeMutation) error
}

// StatusFunc reports the current contest status.
type StatusFunc func() types.ContestStatus

// TradeListener is notified after a trade has been persisted and committed
// to memory. The notification runs under the user's lock so one user's
// notifications arrive in trade order; implementations must not block.
type TradeListener interface {
	TradeExecuted(trade types.TradeRecord, portfolio types.PortfolioSnapshot)
}

// Executor validates and applies orders. A user's trades are serialized by
// the registry's per-user lock, which is held across the whole execution
// including the single-transaction persistence call, so no partial state is
// ever observable.
type Executor struct {
	registry *Registry
	store    TradeStore
	prices   *market.PriceIndex
	status   StatusFunc
	listener TradeListener
	logger   *slog.Logger
	now      func() time.Time
}

func NewExecutor(registry *Registry, store TradeStore, prices *market.PriceIndex, status StatusFunc, listener TradeListener, logger *slog.Logger) *Executor {
	return &Executor{
		registry: registry,
		store:    store,
		prices:   prices,
		status:   status,
		listener: listener,
		logger:   logger.With("component", "executor"),
		now:      time.Now,
	}
}

// Execute applies one order for the user and returns the trade record and
// the post-trade portfolio. The executing price is the price index value at
// the start of execution. A cancelled ctx aborts the trade only before the
// mutation step; once mutation begins it completes regardless.
func (e *Executor) Execute(ctx context.Context, email, symbol string, orderType types.OrderType, qty int64, companyName string) (types.TradeRecord, types.PortfolioSnapshot, error) {
	if e.status() != types.ContestRunning {
		return types.TradeRecord{}, types.PortfolioSnapshot{}, ErrContestNotRunning
	}
	if qty <= 0 {
		return types.TradeRecord{}, types.PortfolioSnapshot{}, ErrInvalidQuantity
	}
	px, ok := e.prices.Get(symbol)
	if !ok || px <= 0 {
		return types.TradeRecord{}, types.PortfolioSnapshot{}, fmt.Errorf("%s: %w", symbol, ErrNoPrice)
	}

	var (
		trade types.TradeRecord
		snap  types.PortfolioSnapshot
	)
	err := e.registry.withUser(email, func(u *userState) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("trade aborted before mutation: %w", err)
		}

		now := e.now().UTC()
		pxRounded := types.Round2(px)
		total := types.Round2(float64(qty) * px)

		candidate := clonePortfolio(u.p)
		lots := cloneLots(u.lots)
		var m storage.TradeMutation

		switch orderType {
		case types.OrderBuy:
			if candidate.Cash < total {
				return ErrInsufficientCash
			}
			candidate.Cash = types.Round2(candidate.Cash - total)
			h := candidate.Holdings[symbol]
			newQty := h.Quantity + qty
			h.AvgPrice = (h.AvgPrice*float64(h.Quantity) + total) / float64(newQty)
			h.Quantity = newQty
			h.CompanyName = displayName(companyName, h.CompanyName, symbol)
			candidate.Holdings[symbol] = h

		case types.OrderSell:
			h, held := candidate.Holdings[symbol]
			if !held || h.Quantity < qty {
				return ErrInsufficientHoldings
			}
			candidate.Cash = types.Round2(candidate.Cash + total)
			candidate.RealizedPnL = types.Round2(candidate.RealizedPnL + (px-h.AvgPrice)*float64(qty))
			h.Quantity -= qty
			if h.Quantity == 0 {
				delete(candidate.Holdings, symbol)
			} else {
				candidate.Holdings[symbol] = h
			}

		case types.OrderShortSell:
			candidate.Cash = types.Round2(candidate.Cash + total)
			lot := types.ShortPosition{
				ID:            uuid.NewString(),
				UserEmail:     email,
				Symbol:        symbol,
				CompanyName:   displayName(companyName, "", symbol),
				Quantity:      qty,
				AvgShortPrice: pxRounded,
				OpenedAt:      now,
				IsActive:      true,
				CurrentPrice:  pxRounded,
			}
			lots = append(lots, lot)
			m.NewShort = &lot

		case types.OrderBuyToCover:
			var available int64
			for _, lot := range lots {
				if lot.Symbol == symbol {
					available += lot.Quantity
				}
			}
			if available < qty {
				return ErrNoShorts
			}
			candidate.Cash = types.Round2(candidate.Cash - total)

			remaining := qty
			var realized float64
			newLots := make([]types.ShortPosition, 0, len(lots))
			for _, lot := range lots {
				if remaining == 0 || lot.Symbol != symbol {
					newLots = append(newLots, lot)
					continue
				}
				covered := lot.Quantity
				if covered > remaining {
					covered = remaining
				}
				realized += (lot.AvgShortPrice - px) * float64(covered)
				remaining -= covered
				if covered == lot.Quantity {
					m.CloseLots = append(m.CloseLots, lot.ID)
				} else {
					lot.Quantity -= covered
					m.ReduceLot = &storage.LotReduction{ID: lot.ID, NewQuantity: lot.Quantity}
					newLots = append(newLots, lot)
				}
			}
			lots = newLots
			candidate.RealizedPnL = types.Round2(candidate.RealizedPnL + realized)

		default:
			return fmt.Errorf("unknown order type %q", orderType)
		}

		candidate.LastUpdated = now
		Revalue(&candidate, lots, e.prices.Snapshot())

		trade = types.TradeRecord{
			ID:          uuid.NewString(),
			UserEmail:   email,
			Symbol:      symbol,
			CompanyName: displayName(companyName, "", symbol),
			OrderType:   orderType,
			Quantity:    qty,
			Price:       pxRounded,
			Total:       total,
			Timestamp:   now,
		}
		m.Trade = trade
		m.Portfolio = candidate

		if err := e.store.ApplyTrade(context.WithoutCancel(ctx), m); err != nil {
			return fmt.Errorf("apply trade: %w", err)
		}
		u.p = candidate
		u.lots = lots
		snap = clonePortfolio(candidate)
		if e.listener != nil {
			e.listener.TradeExecuted(trade, snap)
		}
		return nil
	})
	if err != nil {
		return types.TradeRecord{}, types.PortfolioSnapshot{}, err
	}

	e.logger.Info("trade executed",
		"user", email,
		"symbol", symbol,
		"order_type", string(orderType),
		"qty", qty,
		"price", trade.Price,
	)
	return trade, snap, nil
}

// SquareOffAll force-covers every active lot at the latest price, falling
// back to the lot's entry price when no price was ever published. Each lot
// settles through the same single-transaction path as a live trade and
// appends a BUY_TO_COVER record. Errors are collected per user; the sweep
// always visits everyone.
func (e *Executor) SquareOffAll(ctx context.Context) (int, []string) {
	ctx = context.WithoutCancel(ctx)
	var (
		squared int
		errs    []string
	)
	for _, email := range e.registry.Emails() {
		err := e.registry.withUser(email, func(u *userState) error {
			for len(u.lots) > 0 {
				lot := u.lots[0]
				px, ok := e.prices.Get(lot.Symbol)
				if !ok || px <= 0 {
					px = lot.AvgShortPrice
				}
				now := e.now().UTC()
				total := types.Round2(px * float64(lot.Quantity))

				candidate := clonePortfolio(u.p)
				candidate.Cash = types.Round2(candidate.Cash - total)
				candidate.RealizedPnL = types.Round2(candidate.RealizedPnL + (lot.AvgShortPrice-px)*float64(lot.Quantity))
				candidate.LastUpdated = now
				rest := cloneLots(u.lots[1:])
				Revalue(&candidate, rest, e.prices.Snapshot())

				trade := types.TradeRecord{
					ID:          uuid.NewString(),
					UserEmail:   email,
					Symbol:      lot.Symbol,
					CompanyName: lot.CompanyName,
					OrderType:   types.OrderBuyToCover,
					Quantity:    lot.Quantity,
					Price:       types.Round2(px),
					Total:       total,
					Timestamp:   now,
				}
				m := storage.TradeMutation{
					Trade:     trade,
					Portfolio: candidate,
					CloseLots: []string{lot.ID},
				}
				if err := e.store.ApplyTrade(ctx, m); err != nil {
					return fmt.Errorf("square off %s %s: %w", email, lot.Symbol, err)
				}
				u.p = candidate
				u.lots = rest
				squared++
			}
			return nil
		})
		if err != nil {
			e.logger.Error("square-off failed", "error", err)
			errs = append(errs, err.Error())
		}
	}
	return squared, errs
}

// displayName picks the company name for a record: the caller's value wins,
// then any name already on the position, then the symbol itself.
func displayName(requested, existing, symbol string) string {
	if requested != "" {
		return requested
	}
	if existing != "" {
		return existing
	}
	return symbol
}
