package api

import "tradearena/pkg/types"

// CandleSnapshot is the initial frame sent when a client subscribes to a
// candle topic: the cached history for that series, oldest first.
type CandleSnapshot struct {
	Symbol    string          `json:"symbol"`
	Timeframe types.Timeframe `json:"timeframe"`
	Candles   []types.Candle  `json:"candles"`
}

// CandleEvent is published on a candle topic every time the aggregator
// closes a bucket. IsNew is always true; live sub-bucket updates are not
// streamed.
type CandleEvent struct {
	Symbol    string          `json:"symbol"`
	Timeframe types.Timeframe `json:"timeframe"`
	Candle    types.Candle    `json:"candle"`
	IsNew     bool            `json:"is_new"`
}

// PortfolioUpdate is published on the owner's user topic after each of
// their trades commits.
type PortfolioUpdate struct {
	Trade     types.TradeRecord       `json:"trade"`
	Portfolio types.PortfolioSnapshot `json:"portfolio"`
}

// candleTopic names the stream for one (symbol, timeframe) series.
func candleTopic(symbol string, tf types.Timeframe) string {
	return "candles:" + symbol + ":" + string(tf)
}

// CandleFanout forwards every emitted candle to its topic. It plugs into the
// aggregator as its sink.
type CandleFanout struct {
	Hub *Hub
}

func (f *CandleFanout) EmitCandle(c types.Candle) {
	f.Hub.Publish(candleTopic(c.Symbol, c.Timeframe), CandleEvent{
		Symbol:    c.Symbol,
		Timeframe: c.Timeframe,
		Candle:    c,
		IsNew:     true,
	})
}

// TradeFanout forwards each committed trade to the owner's user topic. It
// plugs into the executor as its trade listener.
type TradeFanout struct {
	Hub *Hub
}

func (f *TradeFanout) TradeExecuted(trade types.TradeRecord, p types.PortfolioSnapshot) {
	f.Hub.Publish("user:"+trade.UserEmail, PortfolioUpdate{Trade: trade, Portfolio: p})
}
