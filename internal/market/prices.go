package market

import "sync"

// PriceIndex holds the latest close per symbol. It is written by the
// aggregator (and by the end-of-contest square-off) and read by the trade
// executor, portfolio valuation, and handlers.
type PriceIndex struct {
	mu   sync.RWMutex
	last map[string]float64
}

func NewPriceIndex() *PriceIndex {
	return &PriceIndex{last: make(map[string]float64)}
}

// Set records the latest price for a symbol.
func (p *PriceIndex) Set(symbol string, price float64) {
	p.mu.Lock()
	p.last[symbol] = price
	p.mu.Unlock()
}

// Get returns the latest price for a symbol, if one has been published.
func (p *PriceIndex) Get(symbol string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	px, ok := p.last[symbol]
	return px, ok
}

// Snapshot returns a copy of the whole index.
func (p *PriceIndex) Snapshot() map[string]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]float64, len(p.last))
	for s, px := range p.last {
		out[s] = px
	}
	return out
}

// Len reports how many symbols have a published price.
func (p *PriceIndex) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.last)
}

// Reset drops every price.
func (p *PriceIndex) Reset() {
	p.mu.Lock()
	p.last = make(map[string]float64)
	p.mu.Unlock()
}
