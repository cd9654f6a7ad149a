package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"candlestream/internal/model"
)

// UpdateProgress records the oldest open_time the backward fetcher has
// reached for a series. Created lazily on first batch, replaced on each
// subsequent one, never deleted. The row is the fetcher's resume point.
func (s *Store) UpdateProgress(key model.SeriesKey, oldestMs int64) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO timeframe_status
			(provider, symbol, timeframe, oldest_candle_time, last_updated)
		VALUES (?, ?, ?, ?, ?)
	`, key.Provider, key.Symbol, key.Timeframe, oldestMs, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite update progress: %w", err)
	}
	return nil
}

// OldestCandleTime reads the progress cursor for a series. ok is false when
// the series has never been fetched.
func (s *Store) OldestCandleTime(key model.SeriesKey) (int64, bool, error) {
	var oldest sql.NullInt64
	err := s.db.QueryRow(`
		SELECT oldest_candle_time FROM timeframe_status
		WHERE provider = ? AND symbol = ? AND timeframe = ?
	`, key.Provider, key.Symbol, key.Timeframe).Scan(&oldest)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sqlite read progress: %w", err)
	}
	if !oldest.Valid {
		return 0, false, nil
	}
	return oldest.Int64, true, nil
}
