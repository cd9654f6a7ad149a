// Package indicator holds the RSI batch computation used by the downstream
// indicator job. It is a pure function over close-price arrays plus a thin
// persistence wrapper.
package indicator

import (
	"fmt"
	"log"
	"math"

	"candlestream/internal/model"
	"candlestream/internal/store/sqlite"
)

// CalculateRSI computes Wilder's RSI over the close series. The result is
// aligned with closes: slots before the first computable value are NaN.
// The first RSI uses a simple-average seed over the first period deltas;
// later values use Wilder's smoothing.
func CalculateRSI(closes []float64, period int) []float64 {
	results := make([]float64, len(closes))
	for i := range results {
		results[i] = math.NaN()
	}
	if period <= 0 || len(closes) < period+1 {
		return results
	}

	gains := make([]float64, 0, len(closes)-1)
	losses := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains = append(gains, change)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, -change)
		}
	}

	var avgGain, avgLoss float64
	for i := 0; i < period; i++ {
		avgGain += gains[i]
		avgLoss += losses[i]
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	results[period] = rsiFrom(avgGain, avgLoss)

	p := float64(period)
	for i := period; i < len(gains); i++ {
		avgGain = (avgGain*(p-1) + gains[i]) / p
		avgLoss = (avgLoss*(p-1) + losses[i]) / p
		results[i+1] = rsiFrom(avgGain, avgLoss)
	}

	return results
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// RecalculateRange recomputes RSI for a series over [startMs, endMs] and
// persists the values, replacing any previous computation for the same
// period. Returns the number of values written.
func RecalculateRange(store *sqlite.Store, key model.SeriesKey, period int, startMs, endMs int64) (int64, error) {
	times, closes, err := store.ClosePrices(key, startMs, endMs)
	if err != nil {
		return 0, fmt.Errorf("rsi load closes %s: %w", key, err)
	}

	if len(closes) < period+1 {
		log.Printf("[rsi] %s: not enough data (%d candles, need > %d)", key, len(closes), period)
		return 0, nil
	}

	rsi := CalculateRSI(closes, period)
	values := make([]sqlite.RSIValue, 0, len(rsi))
	for i, v := range rsi {
		if !math.IsNaN(v) {
			values = append(values, sqlite.RSIValue{OpenTime: times[i], Value: v})
		}
	}

	count, err := store.UpsertRSIValues(key, period, values)
	if err != nil {
		return 0, fmt.Errorf("rsi persist %s: %w", key, err)
	}
	return count, nil
}
