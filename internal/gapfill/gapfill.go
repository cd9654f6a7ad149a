// Package gapfill detects missing candles inside a time window and
// synthesizes them by linear interpolation. Synthetic rows carry the
// interpolated flag so readers can exclude them, and are inserted with
// upsert-ignore so a concurrent real fill always wins.
package gapfill

import (
	"fmt"

	"candlestream/internal/model"
	"candlestream/internal/store/sqlite"
	"candlestream/internal/timeframe"
)

// Fill scans the series' stored candles in [startMs, endMs] and inserts a
// synthetic candle at every missing interval between consecutive pairs.
// Returns the number of rows actually inserted.
func Fill(store *sqlite.Store, key model.SeriesKey, startMs, endMs int64) (int64, error) {
	synthetic, err := buildSynthetic(store, key, startMs, endMs)
	if err != nil {
		return 0, err
	}
	if len(synthetic) == 0 {
		return 0, nil
	}

	inserted, err := store.InsertBatch(synthetic)
	if err != nil {
		return 0, fmt.Errorf("gapfill insert: %w", err)
	}
	return inserted, nil
}

// CountGaps is the same scan without writes: the total number of missing
// candles between consecutive stored pairs in the window.
func CountGaps(store *sqlite.Store, key model.SeriesKey, startMs, endMs int64) (int64, error) {
	candles, err := store.RangeScan(key, startMs, endMs)
	if err != nil {
		return 0, err
	}
	if len(candles) < 2 {
		return 0, nil
	}

	interval := timeframe.Interval(key.Timeframe)
	var total int64
	for i := 0; i < len(candles)-1; i++ {
		diff := candles[i+1].OpenTime - candles[i].OpenTime
		if diff > interval {
			total += diff/interval - 1
		}
	}
	return total, nil
}

func buildSynthetic(store *sqlite.Store, key model.SeriesKey, startMs, endMs int64) ([]model.Candle, error) {
	candles, err := store.RangeScan(key, startMs, endMs)
	if err != nil {
		return nil, err
	}
	if len(candles) < 2 {
		return nil, nil
	}

	interval := timeframe.Interval(key.Timeframe)
	var synthetic []model.Candle

	for i := 0; i < len(candles)-1; i++ {
		a := &candles[i]
		b := &candles[i+1]

		diff := b.OpenTime - a.OpenTime
		if diff <= interval {
			continue
		}

		missing := diff/interval - 1
		for k := int64(1); k <= missing; k++ {
			ratio := float64(k) / float64(missing+1)
			synthetic = append(synthetic, interpolate(key, a, b, k, ratio, interval))
		}
	}
	return synthetic, nil
}

// interpolate builds the k-th synthetic candle between a and b. Every
// numeric field is a.f + (b.f - a.f) * ratio; the trade count interpolates
// in floating point then truncates.
func interpolate(key model.SeriesKey, a, b *model.Candle, k int64, ratio float64, interval int64) model.Candle {
	openTime := a.OpenTime + k*interval
	return model.Candle{
		Provider:  key.Provider,
		Symbol:    key.Symbol,
		Timeframe: key.Timeframe,
		OpenTime:  openTime,
		Open:      lerp(a.Open, b.Open, ratio),
		High:      lerp(a.High, b.High, ratio),
		Low:       lerp(a.Low, b.Low, ratio),
		Close:     lerp(a.Close, b.Close, ratio),
		Volume:    lerp(a.Volume, b.Volume, ratio),
		CloseTime: openTime + interval - 1,

		QuoteAssetVolume:         lerp(a.QuoteAssetVolume, b.QuoteAssetVolume, ratio),
		NumberOfTrades:           int64(lerp(float64(a.NumberOfTrades), float64(b.NumberOfTrades), ratio)),
		TakerBuyBaseAssetVolume:  lerp(a.TakerBuyBaseAssetVolume, b.TakerBuyBaseAssetVolume, ratio),
		TakerBuyQuoteAssetVolume: lerp(a.TakerBuyQuoteAssetVolume, b.TakerBuyQuoteAssetVolume, ratio),

		Interpolated: true,
	}
}

func lerp(a, b, ratio float64) float64 {
	return a + (b-a)*ratio
}
