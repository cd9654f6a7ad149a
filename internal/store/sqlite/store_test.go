package sqlite

import (
	"path/filepath"
	"testing"

	"candlestream/internal/model"
)

var testKey = model.SeriesKey{Provider: "binance", Symbol: "BTCUSDT", Timeframe: "5m"}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "BTCUSDT.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// testCandles builds n contiguous 5m candles starting at startMs.
func testCandles(startMs int64, n int) []model.Candle {
	const interval = 300_000
	out := make([]model.Candle, 0, n)
	for i := 0; i < n; i++ {
		openTime := startMs + int64(i)*interval
		price := 100 + float64(i)
		out = append(out, model.Candle{
			Provider:  testKey.Provider,
			Symbol:    testKey.Symbol,
			Timeframe: testKey.Timeframe,
			OpenTime:  openTime,
			Open:      price,
			High:      price + 1,
			Low:       price - 1,
			Close:     price + 0.5,
			Volume:    10,
			CloseTime: openTime + interval - 1,

			QuoteAssetVolume:         1000,
			NumberOfTrades:           42,
			TakerBuyBaseAssetVolume:  5,
			TakerBuyQuoteAssetVolume: 500,
		})
	}
	return out
}

func TestPathFor(t *testing.T) {
	if got := PathFor("data", "btcusdt"); got != filepath.Join("data", "BTCUSDT.db") {
		t.Errorf("PathFor = %q", got)
	}
}

func TestOpenIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ETHUSDT.db")
	for i := 0; i < 2; i++ {
		store, err := Open(path)
		if err != nil {
			t.Fatalf("open #%d: %v", i+1, err)
		}
		store.Close()
	}
}

func TestInsertBatchIdempotent(t *testing.T) {
	store := openTestStore(t)
	candles := testCandles(1_700_000_000_000, 10)

	inserted, err := store.InsertBatch(candles)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if inserted != 10 {
		t.Errorf("first insert = %d, want 10", inserted)
	}

	inserted, err = store.InsertBatch(candles)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted != 0 {
		t.Errorf("second insert = %d, want 0", inserted)
	}

	count, err := store.CountCandles(testKey)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 10 {
		t.Errorf("count = %d, want 10", count)
	}
}

func TestInsertBatchPartialOverlap(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.InsertBatch(testCandles(1_700_000_000_000, 10)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Overlaps the last 5 candles, extends by 5 new ones.
	inserted, err := store.InsertBatch(testCandles(1_700_000_000_000+5*300_000, 10))
	if err != nil {
		t.Fatalf("overlap insert: %v", err)
	}
	if inserted != 5 {
		t.Errorf("overlap insert = %d, want 5", inserted)
	}
}

func TestRangeScanOrderedAndBounded(t *testing.T) {
	store := openTestStore(t)
	base := int64(1_700_000_000_000)
	if _, err := store.InsertBatch(testCandles(base, 10)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := store.RangeScan(testKey, base+2*300_000, base+6*300_000)
	if err != nil {
		t.Fatalf("range scan: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("range scan returned %d rows, want 5", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].OpenTime <= got[i-1].OpenTime {
			t.Errorf("row %d out of order: %d after %d", i, got[i].OpenTime, got[i-1].OpenTime)
		}
	}
	if got[0].OpenTime != base+2*300_000 {
		t.Errorf("first row open_time = %d", got[0].OpenTime)
	}
}

func TestPageLimitOffsetAndUnbounded(t *testing.T) {
	store := openTestStore(t)
	base := int64(1_700_000_000_000)
	if _, err := store.InsertBatch(testCandles(base, 20)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	page, err := store.Page(testKey, -1, -1, 5, 10)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 5 {
		t.Fatalf("page returned %d rows, want 5", len(page))
	}
	if page[0].OpenTime != base+10*300_000 {
		t.Errorf("page offset wrong: first open_time = %d", page[0].OpenTime)
	}

	bounded, err := store.Page(testKey, base+15*300_000, -1, 100, 0)
	if err != nil {
		t.Fatalf("bounded page: %v", err)
	}
	if len(bounded) != 5 {
		t.Errorf("bounded page returned %d rows, want 5", len(bounded))
	}
}

func TestProgressLedger(t *testing.T) {
	store := openTestStore(t)

	if _, ok, err := store.OldestCandleTime(testKey); err != nil || ok {
		t.Fatalf("empty ledger: ok=%v err=%v, want ok=false err=nil", ok, err)
	}

	if err := store.UpdateProgress(testKey, 1_700_000_000_000); err != nil {
		t.Fatalf("update progress: %v", err)
	}
	oldest, ok, err := store.OldestCandleTime(testKey)
	if err != nil || !ok || oldest != 1_700_000_000_000 {
		t.Fatalf("read progress: got (%d, %v, %v)", oldest, ok, err)
	}

	// Cursor moves backward as the fetcher walks older history.
	if err := store.UpdateProgress(testKey, 1_699_000_000_000); err != nil {
		t.Fatalf("update progress again: %v", err)
	}
	oldest, _, _ = store.OldestCandleTime(testKey)
	if oldest != 1_699_000_000_000 {
		t.Errorf("cursor = %d, want 1699000000000", oldest)
	}
}

func TestDistinctTimeframes(t *testing.T) {
	store := openTestStore(t)
	base := int64(1_700_000_000_000)
	if _, err := store.InsertBatch(testCandles(base, 3)); err != nil {
		t.Fatalf("seed 5m: %v", err)
	}

	hourly := testCandles(base, 3)
	for i := range hourly {
		hourly[i].Timeframe = "1h"
	}
	if _, err := store.InsertBatch(hourly); err != nil {
		t.Fatalf("seed 1h: %v", err)
	}

	tfs, err := store.DistinctTimeframes(testKey.Provider, testKey.Symbol)
	if err != nil {
		t.Fatalf("distinct timeframes: %v", err)
	}
	if len(tfs) != 2 {
		t.Errorf("distinct timeframes = %v, want 2 entries", tfs)
	}
}

func TestStats(t *testing.T) {
	store := openTestStore(t)
	base := int64(1_700_000_000_000)
	candles := testCandles(base, 5)
	candles[2].Interpolated = true
	if _, err := store.InsertBatch(candles); err != nil {
		t.Fatalf("seed: %v", err)
	}

	stats, err := store.Stats(testKey)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Rows != 5 || stats.Interpolated != 1 {
		t.Errorf("stats = %+v, want 5 rows 1 interpolated", stats)
	}
	if stats.OldestMs != base || stats.NewestMs != base+4*300_000 {
		t.Errorf("stats range = [%d, %d]", stats.OldestMs, stats.NewestMs)
	}
}

func TestRSIRoundTrip(t *testing.T) {
	store := openTestStore(t)
	base := int64(1_700_000_000_000)
	if _, err := store.InsertBatch(testCandles(base, 5)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	times, closes, err := store.ClosePrices(testKey, base, base+4*300_000)
	if err != nil {
		t.Fatalf("close prices: %v", err)
	}
	if len(times) != 5 || len(closes) != 5 {
		t.Fatalf("close prices returned %d/%d values, want 5/5", len(times), len(closes))
	}
	if closes[0] != 100.5 {
		t.Errorf("closes[0] = %v, want 100.5", closes[0])
	}

	values := []RSIValue{{OpenTime: times[0], Value: 55.5}, {OpenTime: times[1], Value: 60}}
	count, err := store.UpsertRSIValues(testKey, 14, values)
	if err != nil {
		t.Fatalf("upsert rsi: %v", err)
	}
	if count != 2 {
		t.Errorf("upsert rsi count = %d, want 2", count)
	}

	// Recompute replaces, never duplicates.
	if _, err := store.UpsertRSIValues(testKey, 14, values); err != nil {
		t.Fatalf("re-upsert rsi: %v", err)
	}
	var n int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM rsi_values`).Scan(&n); err != nil {
		t.Fatalf("count rsi: %v", err)
	}
	if n != 2 {
		t.Errorf("rsi row count = %d, want 2", n)
	}
}
