// Package market implements the replay side of the contest: the clock that
// maps real elapsed time onto the historical data span, the windowed tick
// loader, the candle aggregator with its fixed cascade to higher timeframes,
// and the in-memory price index.
//
// The Aggregator owns candle construction. For every base interval it builds
// one OHLCV candle per symbol from the ticks in that interval's market-time
// window (or a carry-forward candle when the window is empty), updates the
// price index to the candle close, and cascades fixed-ratio aggregations
// (30s from 6×5s, 1m from 2×30s, 3m and 5m from 1m) so that each source
// candle feeds exactly one aggregate.
package market

import (
	"math"
	"sync"

	"tradearena/pkg/types"
)

// maxCandlesPerSeries bounds every (symbol, timeframe) sequence; older
// candles are dropped from the head.
const maxCandlesPerSeries = 1000

// contiguityToleranceSec is the slack allowed between adjacent source bucket
// starts when checking cascade contiguity.
const contiguityToleranceSec = 0.5

// CandleSink receives every emitted candle, base and aggregated, in emission
// order. Emission order ascends in bucket start per (symbol, timeframe).
type CandleSink interface {
	EmitCandle(c types.Candle)
}

type seriesKey struct {
	symbol string
	tf     types.Timeframe
}

// ruleKey identifies one cascade rule application per symbol. Each target
// timeframe has exactly one source, so the target alone names the rule.
type ruleKey struct {
	symbol string
	target types.Timeframe
}

// Aggregator caches candle sequences per (symbol, timeframe) and drives the
// aggregation cascade. Safe for concurrent use; writes arrive from the
// contest run loop, reads from HTTP handlers and WS snapshots.
type Aggregator struct {
	mu       sync.RWMutex
	series   map[seriesKey][]types.Candle
	trimmed  map[seriesKey]int64 // candles dropped from the head per series
	consumed map[ruleKey]int64   // source candles consumed per cascade rule

	prices *PriceIndex
	sink   CandleSink
}

// NewAggregator creates an empty aggregator. sink may be nil (no fan-out).
func NewAggregator(prices *PriceIndex, sink CandleSink) *Aggregator {
	return &Aggregator{
		series:   make(map[seriesKey][]types.Candle),
		trimmed:  make(map[seriesKey]int64),
		consumed: make(map[ruleKey]int64),
		prices:   prices,
		sink:     sink,
	}
}

// ProcessBase builds and stores the base candle for one symbol and one base
// interval, runs the cascade, updates the price index, and publishes every
// emission. It returns the base candle.
//
// Callers must present strictly increasing bucketStart values per symbol;
// the contest run loop guarantees this.
func (a *Aggregator) ProcessBase(symbol string, bucketStart float64, ticks []types.Tick) types.Candle {
	a.mu.Lock()
	base := a.buildBase(symbol, bucketStart, ticks)
	emissions := []types.Candle{base}
	a.appendLocked(base)
	a.cascadeLocked(symbol, base.Timeframe, &emissions)
	a.mu.Unlock()

	a.prices.Set(symbol, base.Close)
	if a.sink != nil {
		for _, c := range emissions {
			a.sink.EmitCandle(c)
		}
	}
	return base
}

// buildBase derives one base-interval candle from the window's ticks. All
// OHLC fields of an input tick carry the tick's last traded price, so the
// candle's open/high/low/close are taken from tick closes.
func (a *Aggregator) buildBase(symbol string, bucketStart float64, ticks []types.Tick) types.Candle {
	c := types.Candle{
		Symbol:      symbol,
		Timeframe:   types.BaseTimeframe,
		BucketStart: bucketStart,
	}
	if len(ticks) == 0 {
		// Carry-forward: flat candle at the previous close so sequences
		// stay gap-free through quiet windows.
		px := a.lastCloseLocked(symbol)
		c.Open, c.High, c.Low, c.Close = px, px, px, px
		return c
	}

	c.Open = ticks[0].Close
	c.Close = ticks[len(ticks)-1].Close
	c.High = ticks[0].Close
	c.Low = ticks[0].Close
	for _, t := range ticks {
		if t.Close > c.High {
			c.High = t.Close
		}
		if t.Close < c.Low {
			c.Low = t.Close
		}
		c.Volume += t.Volume
	}
	c.TickCount = len(ticks)
	return c
}

func (a *Aggregator) lastCloseLocked(symbol string) float64 {
	if s := a.series[seriesKey{symbol, types.BaseTimeframe}]; len(s) > 0 {
		return s[len(s)-1].Close
	}
	if px, ok := a.prices.Get(symbol); ok {
		return px
	}
	return 0
}

func (a *Aggregator) appendLocked(c types.Candle) {
	key := seriesKey{c.Symbol, c.Timeframe}
	s := append(a.series[key], c)
	if over := len(s) - maxCandlesPerSeries; over > 0 {
		a.trimmed[key] += int64(over)
		s = append([]types.Candle(nil), s[over:]...)
	}
	a.series[key] = s
}

// cascadeLocked attempts every rule sourced from tf once. A rule emits when
// the first Count unconsumed source candles are temporally contiguous;
// otherwise the attempt is skipped without consuming, and the miss is never
// retroactively corrected. Emissions recurse into rules sourced from the
// newly produced timeframe.
func (a *Aggregator) cascadeLocked(symbol string, tf types.Timeframe, emissions *[]types.Candle) {
	for _, rule := range types.CascadeRules[tf] {
		srcKey := seriesKey{symbol, rule.Source}
		rk := ruleKey{symbol, rule.Target}
		src := a.series[srcKey]

		rel := a.consumed[rk] - a.trimmed[srcKey]
		if rel < 0 {
			// Unconsumed candles fell off the capped head; resume from
			// what remains.
			a.consumed[rk] = a.trimmed[srcKey]
			rel = 0
		}
		if int64(len(src))-rel < int64(rule.Count) {
			continue
		}
		group := src[rel : rel+int64(rule.Count)]
		if !contiguous(group, rule.Source.Seconds()) {
			continue
		}

		agg := foldCandles(symbol, rule.Target, group)
		a.consumed[rk] += int64(rule.Count)
		a.appendLocked(agg)
		*emissions = append(*emissions, agg)
		a.cascadeLocked(symbol, rule.Target, emissions)
	}
}

func contiguous(group []types.Candle, intervalSec float64) bool {
	for i := 1; i < len(group); i++ {
		gap := group[i].BucketStart - group[i-1].BucketStart
		if math.Abs(gap-intervalSec) > contiguityToleranceSec {
			return false
		}
	}
	return true
}

func foldCandles(symbol string, tf types.Timeframe, group []types.Candle) types.Candle {
	agg := types.Candle{
		Symbol:      symbol,
		Timeframe:   tf,
		BucketStart: group[0].BucketStart,
		Open:        group[0].Open,
		Close:       group[len(group)-1].Close,
		High:        group[0].High,
		Low:         group[0].Low,
	}
	for _, c := range group {
		if c.High > agg.High {
			agg.High = c.High
		}
		if c.Low < agg.Low {
			agg.Low = c.Low
		}
		agg.Volume += c.Volume
		agg.TickCount += c.TickCount
	}
	return agg
}

// Candles returns a copy of the cached sequence for one (symbol, timeframe).
func (a *Aggregator) Candles(symbol string, tf types.Timeframe) []types.Candle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := a.series[seriesKey{symbol, tf}]
	if len(s) == 0 {
		return nil
	}
	out := make([]types.Candle, len(s))
	copy(out, s)
	return out
}

// Reset drops every cached sequence and all consumption bookkeeping.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.series = make(map[seriesKey][]types.Candle)
	a.trimmed = make(map[seriesKey]int64)
	a.consumed = make(map[ruleKey]int64)
}
