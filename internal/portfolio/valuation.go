package portfolio

import "tradearena/pkg/types"

// Revalue computes p's derived wealth figures against a price snapshot and
// refreshes the advisory marks on the given lots in place. Cash already
// holds the proceeds of every short sale, so the open short obligation
// enters total wealth exactly once, as its mark-to-market
// `(avg_short − px) · qty`; the liability figure is advisory. A symbol with
// no published price is valued at its entry price.
func Revalue(p *types.PortfolioSnapshot, lots []types.ShortPosition, prices map[string]float64) {
	var longValue, longUnreal float64
	for sym, h := range p.Holdings {
		px, ok := prices[sym]
		if !ok || px <= 0 {
			px = h.AvgPrice
		}
		longValue += float64(h.Quantity) * px
		longUnreal += (px - h.AvgPrice) * float64(h.Quantity)
	}

	var shortLiability, shortUnreal float64
	for i := range lots {
		lot := &lots[i]
		if !lot.IsActive {
			continue
		}
		px, ok := prices[lot.Symbol]
		if !ok || px <= 0 {
			px = lot.AvgShortPrice
		}
		mark := (lot.AvgShortPrice - px) * float64(lot.Quantity)
		lot.CurrentPrice = types.Round2(px)
		lot.UnrealizedPnL = types.Round2(mark)
		shortLiability += px * float64(lot.Quantity)
		shortUnreal += mark
	}

	p.LongMarketValue = types.Round2(longValue)
	p.ShortLiability = types.Round2(shortLiability)
	p.UnrealizedPnL = types.Round2(longUnreal + shortUnreal)
	p.TotalWealth = types.Round2(p.Cash + longValue + shortUnreal)
	p.TotalPnL = types.Round2(p.UnrealizedPnL + p.RealizedPnL)
}
