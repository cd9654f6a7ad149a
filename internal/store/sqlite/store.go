// Package sqlite implements the per-symbol candle store. Each trading
// symbol owns an independent database file at <db_dir>/<SYMBOL>.db holding
// the candlesticks table, the timeframe_status progress ledger and the
// rsi_values table. Writes serialize through SQLite's own file locking, so
// multiple handles on the same file are safe as long as each transaction
// stays on one connection.
package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	"candlestream/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a handle on one symbol's database file.
type Store struct {
	db   *sql.DB
	path string
}

// PathFor returns the store file path for a symbol: <dbDir>/<SYMBOL>.db.
func PathFor(dbDir, symbol string) string {
	return filepath.Join(dbDir, strings.ToUpper(symbol)+".db")
}

// Open opens (creating if absent) the store at path and initializes the
// schema. Idempotent. The handle is a single writer: one open connection,
// WAL journal, 5s busy timeout so concurrent handles wait instead of
// failing on a locked file.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candlesticks (
			provider   TEXT    NOT NULL,
			symbol     TEXT    NOT NULL,
			timeframe  TEXT    NOT NULL,
			open_time  INTEGER NOT NULL,
			open       REAL    NOT NULL,
			high       REAL    NOT NULL,
			low        REAL    NOT NULL,
			close      REAL    NOT NULL,
			volume     REAL    NOT NULL,
			close_time INTEGER NOT NULL,
			quote_asset_volume           REAL    NOT NULL,
			number_of_trades             INTEGER NOT NULL,
			taker_buy_base_asset_volume  REAL    NOT NULL,
			taker_buy_quote_asset_volume REAL    NOT NULL,
			interpolated INTEGER NOT NULL DEFAULT 0,
			UNIQUE(provider, symbol, timeframe, open_time)
		);

		CREATE TABLE IF NOT EXISTS timeframe_status (
			provider  TEXT NOT NULL,
			symbol    TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			oldest_candle_time INTEGER,
			last_updated       INTEGER NOT NULL,
			PRIMARY KEY (provider, symbol, timeframe)
		);

		CREATE TABLE IF NOT EXISTS rsi_values (
			provider  TEXT    NOT NULL,
			symbol    TEXT    NOT NULL,
			timeframe TEXT    NOT NULL,
			period    INTEGER NOT NULL,
			open_time INTEGER NOT NULL,
			rsi_value REAL    NOT NULL,
			UNIQUE(provider, symbol, timeframe, period, open_time)
		);
	`)
	return err
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the store's file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

const insertCandleSQL = `
	INSERT OR IGNORE INTO candlesticks (
		provider, symbol, timeframe, open_time, open, high, low, close, volume,
		close_time, quote_asset_volume, number_of_trades,
		taker_buy_base_asset_volume, taker_buy_quote_asset_volume, interpolated
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// InsertBatch inserts candles in a single transaction. Duplicate keys are
// success-with-no-change and are not counted; the returned count is genuine
// new rows only. Either all new rows commit or none do.
func (s *Store) InsertBatch(candles []model.Candle) (int64, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("sqlite begin: %w", err)
	}

	stmt, err := tx.Prepare(insertCandleSQL)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("sqlite prepare: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, c := range candles {
		res, err := stmt.Exec(
			c.Provider, c.Symbol, c.Timeframe, c.OpenTime,
			c.Open, c.High, c.Low, c.Close, c.Volume,
			c.CloseTime, c.QuoteAssetVolume, c.NumberOfTrades,
			c.TakerBuyBaseAssetVolume, c.TakerBuyQuoteAssetVolume,
			boolToInt(c.Interpolated),
		)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("sqlite insert candle %s@%d: %w", c.Key(), c.OpenTime, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite commit: %w", err)
	}
	return inserted, nil
}

const selectCandleCols = `
	SELECT provider, symbol, timeframe, open_time, open, high, low, close, volume,
	       close_time, quote_asset_volume, number_of_trades,
	       taker_buy_base_asset_volume, taker_buy_quote_asset_volume, interpolated
	FROM candlesticks
`

// RangeScan returns the series' candles with open_time in [startMs, endMs],
// ascending. Used by the gap filler and the RSI recompute.
func (s *Store) RangeScan(key model.SeriesKey, startMs, endMs int64) ([]model.Candle, error) {
	rows, err := s.db.Query(selectCandleCols+`
		WHERE provider = ? AND symbol = ? AND timeframe = ?
		  AND open_time >= ? AND open_time <= ?
		ORDER BY open_time ASC
	`, key.Provider, key.Symbol, key.Timeframe, startMs, endMs)
	if err != nil {
		return nil, fmt.Errorf("sqlite range scan: %w", err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

// Page returns up to limit candles ordered by open_time ascending, skipping
// offset rows. startMs/endMs of -1 mean unbounded. This is the paged read
// behind GET /api/candles.
func (s *Store) Page(key model.SeriesKey, startMs, endMs int64, limit, offset int) ([]model.Candle, error) {
	var sb strings.Builder
	sb.WriteString(selectCandleCols)
	sb.WriteString(" WHERE provider = ? AND symbol = ? AND timeframe = ?")
	args := []any{key.Provider, key.Symbol, key.Timeframe}

	if startMs >= 0 {
		sb.WriteString(" AND open_time >= ?")
		args = append(args, startMs)
	}
	if endMs >= 0 {
		sb.WriteString(" AND open_time <= ?")
		args = append(args, endMs)
	}
	sb.WriteString(" ORDER BY open_time ASC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite page: %w", err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

// DistinctTimeframes lists the timeframes present for a provider+symbol.
func (s *Store) DistinctTimeframes(provider, symbol string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT timeframe FROM candlesticks
		WHERE provider = ? AND symbol = ?
		ORDER BY timeframe
	`, provider, symbol)
	if err != nil {
		return nil, fmt.Errorf("sqlite distinct timeframes: %w", err)
	}
	defer rows.Close()

	var tfs []string
	for rows.Next() {
		var tf string
		if err := rows.Scan(&tf); err != nil {
			return nil, fmt.Errorf("sqlite scan timeframe: %w", err)
		}
		tfs = append(tfs, tf)
	}
	return tfs, rows.Err()
}

// CountCandles returns the number of stored candles for a series.
func (s *Store) CountCandles(key model.SeriesKey) (int64, error) {
	var n int64
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM candlesticks
		WHERE provider = ? AND symbol = ? AND timeframe = ?
	`, key.Provider, key.Symbol, key.Timeframe).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite count: %w", err)
	}
	return n, nil
}

// SeriesStats summarizes one stored series for verification output.
type SeriesStats struct {
	Rows         int64
	Interpolated int64
	OldestMs     int64
	NewestMs     int64
}

// Stats returns row counts and the stored time range for a series.
func (s *Store) Stats(key model.SeriesKey) (SeriesStats, error) {
	var st SeriesStats
	var oldest, newest sql.NullInt64
	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(interpolated), 0),
		       MIN(open_time),
		       MAX(open_time)
		FROM candlesticks
		WHERE provider = ? AND symbol = ? AND timeframe = ?
	`, key.Provider, key.Symbol, key.Timeframe).Scan(&st.Rows, &st.Interpolated, &oldest, &newest)
	if err != nil {
		return SeriesStats{}, fmt.Errorf("sqlite stats: %w", err)
	}
	st.OldestMs = oldest.Int64
	st.NewestMs = newest.Int64
	return st, nil
}

func scanCandles(rows *sql.Rows) ([]model.Candle, error) {
	var candles []model.Candle
	for rows.Next() {
		var c model.Candle
		var interpolated int
		if err := rows.Scan(
			&c.Provider, &c.Symbol, &c.Timeframe, &c.OpenTime,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume,
			&c.CloseTime, &c.QuoteAssetVolume, &c.NumberOfTrades,
			&c.TakerBuyBaseAssetVolume, &c.TakerBuyQuoteAssetVolume, &interpolated,
		); err != nil {
			return nil, fmt.Errorf("sqlite scan candle: %w", err)
		}
		c.Interpolated = interpolated != 0
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return candles, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
