package model

// Candle is a stored OHLCV bar. All timestamps are integer milliseconds
// since epoch (UTC). Identity is (Provider, Symbol, Timeframe, OpenTime);
// re-inserting an existing key is a silent no-op.
type Candle struct {
	Provider  string  `json:"provider"`
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	OpenTime  int64   `json:"open_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"close_time"`

	QuoteAssetVolume         float64 `json:"quote_asset_volume"`
	NumberOfTrades           int64   `json:"number_of_trades"`
	TakerBuyBaseAssetVolume  float64 `json:"taker_buy_base_asset_volume"`
	TakerBuyQuoteAssetVolume float64 `json:"taker_buy_quote_asset_volume"`

	// Interpolated marks synthetic bars produced by gap filling so
	// downstream readers can exclude them.
	Interpolated bool `json:"interpolated"`
}

// Key returns "provider:symbol:timeframe" for log lines.
func (c *Candle) Key() string {
	return c.Provider + ":" + c.Symbol + ":" + c.Timeframe
}

// RealtimeCandle is the in-memory partial bar for a (symbol, timeframe)
// stream. Time is in epoch seconds (the chart frontend convention); it is
// replaced on every exchange tick and evicted on unsubscribe.
type RealtimeCandle struct {
	Time     int64   `json:"time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	IsClosed bool    `json:"is_closed"`
}

// CandleUpdate is broadcast to realtime consumers on every stream tick.
type CandleUpdate struct {
	Symbol    string         `json:"symbol"`
	Timeframe string         `json:"timeframe"`
	Candle    RealtimeCandle `json:"candle"`
}

// APICandle is the trimmed candle shape served by GET /api/candles.
// Time is in epoch seconds.
type APICandle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// TradingPair is one entry of GET /api/pairs.
type TradingPair struct {
	Symbol     string   `json:"symbol"`
	Timeframes []string `json:"timeframes"`
}
