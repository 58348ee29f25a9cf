package market

import "time"

// Clock maps real wall-clock time onto the historical data span. A contest
// replays DataStartMs..DataEndMs of market time inside a (much shorter) real
// duration, so every base interval of real time covers
// BaseInterval × CompressionRatio of market time.
//
// Clock is an immutable value created once per contest start. Indices are
// zero-based: interval k covers real time [k·Base, (k+1)·Base) since start.
type Clock struct {
	DataStartMs      int64
	DataEndMs        int64
	BaseInterval     time.Duration
	CompressionRatio float64 // market ms per real ms
}

// NewClock derives the compression ratio from the data span and the contest
// duration.
func NewClock(dataStartMs, dataEndMs int64, baseInterval, duration time.Duration) Clock {
	ratio := float64(dataEndMs-dataStartMs) / float64(duration.Milliseconds())
	return Clock{
		DataStartMs:      dataStartMs,
		DataEndMs:        dataEndMs,
		BaseInterval:     baseInterval,
		CompressionRatio: ratio,
	}
}

// Completed reports how many base intervals have fully elapsed. The run loop
// derives the indices to process from this count, never from accumulated
// ticker fires, so timer jitter cannot skip or duplicate an interval.
func (c Clock) Completed(elapsed time.Duration) int64 {
	if elapsed < 0 {
		return 0
	}
	return int64(elapsed / c.BaseInterval)
}

// Window returns the half-open market-time window [startMs, endMs) covered
// by base interval k. Windows tile the span exactly: window k ends where
// window k+1 begins.
func (c Clock) Window(k int64) (startMs, endMs int64) {
	return c.offsetMs(k), c.offsetMs(k + 1)
}

func (c Clock) offsetMs(k int64) int64 {
	realMs := float64(k) * c.BaseInterval.Seconds() * 1000
	return c.DataStartMs + int64(realMs*c.CompressionRatio)
}

// MarketTimeMs is the market timestamp reached once interval k has been
// processed.
func (c Clock) MarketTimeMs(k int64) int64 {
	return c.offsetMs(k + 1)
}

// BucketStart is interval k's candle bucket label in real seconds since
// contest start.
func (c Clock) BucketStart(k int64) float64 {
	return float64(k) * c.BaseInterval.Seconds()
}

// Progress reports the fraction of the data span consumed once interval k
// has been processed, clamped to [0, 1].
func (c Clock) Progress(k int64) float64 {
	span := c.DataEndMs - c.DataStartMs
	if span <= 0 {
		return 1
	}
	p := float64(c.MarketTimeMs(k)-c.DataStartMs) / float64(span)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
