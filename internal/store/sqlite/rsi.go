package sqlite

import (
	"fmt"

	"candlestream/internal/model"
)

// RSIValue is one computed indicator point keyed by the candle that
// produced it.
type RSIValue struct {
	OpenTime int64
	Value    float64
}

// UpsertRSIValues writes indicator points for a series and period in a
// single transaction. Recomputed points replace previous ones.
func (s *Store) UpsertRSIValues(key model.SeriesKey, period int, values []RSIValue) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("sqlite begin rsi: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO rsi_values
			(provider, symbol, timeframe, period, open_time, rsi_value)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("sqlite prepare rsi: %w", err)
	}
	defer stmt.Close()

	var count int64
	for _, v := range values {
		if _, err := stmt.Exec(key.Provider, key.Symbol, key.Timeframe, period, v.OpenTime, v.Value); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("sqlite insert rsi: %w", err)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite commit rsi: %w", err)
	}
	return count, nil
}

// ClosePrices returns (open_times, closes) for a series in [startMs, endMs],
// ascending. Feed for the RSI batch recompute.
func (s *Store) ClosePrices(key model.SeriesKey, startMs, endMs int64) ([]int64, []float64, error) {
	rows, err := s.db.Query(`
		SELECT open_time, close FROM candlesticks
		WHERE provider = ? AND symbol = ? AND timeframe = ?
		  AND open_time >= ? AND open_time <= ?
		ORDER BY open_time ASC
	`, key.Provider, key.Symbol, key.Timeframe, startMs, endMs)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite close prices: %w", err)
	}
	defer rows.Close()

	var times []int64
	var closes []float64
	for rows.Next() {
		var t int64
		var c float64
		if err := rows.Scan(&t, &c); err != nil {
			return nil, nil, fmt.Errorf("sqlite scan close price: %w", err)
		}
		times = append(times, t)
		closes = append(closes, c)
	}
	return times, closes, rows.Err()
}
