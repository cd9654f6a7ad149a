package model

// SeriesKey identifies one candle series inside a symbol store.
type SeriesKey struct {
	Provider  string
	Symbol    string
	Timeframe string
}

func (k SeriesKey) String() string {
	return k.Provider + ":" + k.Symbol + ":" + k.Timeframe
}
