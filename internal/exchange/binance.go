// Package exchange wraps the Binance market data surface the system
// depends on: the kline REST endpoint for historical batches and the
// public kline websocket stream for realtime ticks.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"candlestream/internal/model"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
)

// Client fetches historical klines. Implementations return candles
// newest-last with open_time <= endTimeMs.
type Client interface {
	FetchKlines(ctx context.Context, symbol, tf string, limit int, endTimeMs int64) ([]model.Candle, error)
}

// Binance is the production Client backed by the public REST API. No API
// key is needed for market data.
type Binance struct {
	api      *binance.Client
	provider string
}

// NewBinance creates a public (unauthenticated) Binance client.
func NewBinance(provider string) *Binance {
	return &Binance{
		api:      binance.NewClient("", ""),
		provider: provider,
	}
}

// FetchKlines fetches up to limit klines ending at endTimeMs. Numeric
// fields the exchange sends as strings parse to 0 when malformed; the row
// is kept so the batch stays aligned.
func (b *Binance) FetchKlines(ctx context.Context, symbol, tf string, limit int, endTimeMs int64) ([]model.Candle, error) {
	klines, err := b.api.NewKlinesService().
		Symbol(symbol).
		Interval(tf).
		Limit(limit).
		EndTime(endTimeMs).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines %s %s: %w", symbol, tf, err)
	}

	candles := make([]model.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, model.Candle{
			Provider:  b.provider,
			Symbol:    symbol,
			Timeframe: tf,
			OpenTime:  k.OpenTime,
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
			CloseTime: k.CloseTime,

			QuoteAssetVolume:         parseFloat(k.QuoteAssetVolume),
			NumberOfTrades:           k.TradeNum,
			TakerBuyBaseAssetVolume:  parseFloat(k.TakerBuyBaseAssetVolume),
			TakerBuyQuoteAssetVolume: parseFloat(k.TakerBuyQuoteAssetVolume),
		})
	}
	return candles, nil
}

// Binance error codes that make a work unit unrecoverable: a bad symbol or
// interval will never succeed on retry.
const (
	codeInvalidInterval = -1120
	codeInvalidSymbol   = -1121
)

// IsPermanent reports whether the fetch error is fatal to its work unit.
// Everything else (network, 5xx, rate limit) is transient and retryable.
func IsPermanent(err error) bool {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == codeInvalidSymbol || apiErr.Code == codeInvalidInterval
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
