package fetcher

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"candlestream/internal/model"
	"candlestream/internal/store/sqlite"
)

const hourMs = int64(3_600_000)

var key = model.SeriesKey{Provider: "binance", Symbol: "BTCUSDT", Timeframe: "1h"}

// fakeExchange serves a fixed ascending history the way the kline REST
// endpoint does: the last `limit` candles with open_time <= end_time,
// newest last.
type fakeExchange struct {
	history []model.Candle
	calls   int
	err     error
}

func (f *fakeExchange) FetchKlines(_ context.Context, _, _ string, limit int, endTimeMs int64) ([]model.Candle, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}

	var page []model.Candle
	for _, c := range f.history {
		if c.OpenTime <= endTimeMs {
			page = append(page, c)
		}
	}
	if len(page) > limit {
		page = page[len(page)-limit:]
	}
	return page, nil
}

func hourlyCandles(startMs int64, n int) []model.Candle {
	out := make([]model.Candle, 0, n)
	for i := 0; i < n; i++ {
		openTime := startMs + int64(i)*hourMs
		price := 50000 + float64(i)
		out = append(out, model.Candle{
			Provider:  key.Provider,
			Symbol:    key.Symbol,
			Timeframe: key.Timeframe,
			OpenTime:  openTime,
			Open:      price,
			High:      price + 10,
			Low:       price - 10,
			Close:     price + 5,
			Volume:    100,
			CloseTime: openTime + hourMs - 1,
		})
	}
	return out
}

func newTestFetcher(t *testing.T, client *fakeExchange, floorMs, nowMs int64) *Fetcher {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "BTCUSDT.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := New(store, client, key, floorMs)
	f.Grace = time.Millisecond
	f.Now = func() int64 { return nowMs }
	return f
}

func TestFirstBatchInsertsAndSetsCursor(t *testing.T) {
	base := int64(1_700_000_000_000)
	ex := &fakeExchange{history: hourlyCandles(base, 10)}
	now := base + 100*hourMs
	f := newTestFetcher(t, ex, 0, now)

	inserted, exhausted, err := f.FetchOneBatch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if inserted != 10 {
		t.Errorf("inserted = %d, want 10", inserted)
	}
	if exhausted {
		t.Error("exhausted = true on a full batch with no floor")
	}

	cursor, ok, err := f.Store.OldestCandleTime(key)
	if err != nil || !ok {
		t.Fatalf("cursor: ok=%v err=%v", ok, err)
	}
	if cursor != base {
		t.Errorf("cursor = %d, want %d", cursor, base)
	}
}

func TestResumeConvergesOnAllDuplicates(t *testing.T) {
	base := int64(1_700_000_000_000)
	ex := &fakeExchange{history: hourlyCandles(base, 10)}
	now := base + 100*hourMs
	f := newTestFetcher(t, ex, 0, now)

	if _, _, err := f.FetchOneBatch(context.Background()); err != nil {
		t.Fatalf("first batch: %v", err)
	}

	// The second batch pages backward from the cursor: only the already
	// stored overlap candle comes back, so the walk converges.
	inserted, exhausted, err := f.FetchOneBatch(context.Background())
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if inserted != 0 {
		t.Errorf("second batch inserted = %d, want 0", inserted)
	}
	if !exhausted {
		t.Error("second batch exhausted = false, want true")
	}

	// The cursor never moves forward.
	cursor, _, _ := f.Store.OldestCandleTime(key)
	if cursor != base {
		t.Errorf("cursor moved to %d, want %d", cursor, base)
	}

	count, _ := f.Store.CountCandles(key)
	if count != 10 {
		t.Errorf("count = %d, want 10 (no duplicates)", count)
	}
}

func TestEmptyHistoryIsExhausted(t *testing.T) {
	f := newTestFetcher(t, &fakeExchange{}, 0, 1_700_000_000_000)

	inserted, exhausted, err := f.FetchOneBatch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if inserted != 0 || !exhausted {
		t.Errorf("got (%d, %v), want (0, true)", inserted, exhausted)
	}
}

func TestInProgressCandleNeverPersisted(t *testing.T) {
	base := int64(1_700_000_000_000)
	history := hourlyCandles(base, 10)
	// Pin now inside the last candle's lifetime.
	now := history[9].OpenTime + hourMs/2
	ex := &fakeExchange{history: history}
	f := newTestFetcher(t, ex, 0, now)

	inserted, _, err := f.FetchOneBatch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if inserted != 9 {
		t.Errorf("inserted = %d, want 9 (in-progress candle dropped)", inserted)
	}

	rows, err := f.Store.RangeScan(key, base, base+20*hourMs)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	for _, c := range rows {
		if c.CloseTime >= now {
			t.Errorf("in-progress candle persisted: open_time %d", c.OpenTime)
		}
	}
}

func TestFloorStopsTheWalk(t *testing.T) {
	base := int64(1_700_000_000_000)
	ex := &fakeExchange{history: hourlyCandles(base, 10)}
	now := base + 100*hourMs

	// Floor at the oldest candle: reached in the first batch.
	f := newTestFetcher(t, ex, base, now)
	inserted, exhausted, err := f.FetchOneBatch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if inserted != 10 || !exhausted {
		t.Errorf("got (%d, %v), want (10, true)", inserted, exhausted)
	}
}

func TestTransientErrorSurfaces(t *testing.T) {
	wantErr := errors.New("connection reset")
	f := newTestFetcher(t, &fakeExchange{err: wantErr}, 0, 1_700_000_000_000)

	_, _, err := f.FetchOneBatch(context.Background())
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want wrapped %v", err, wantErr)
	}
}

func TestBatchGapsFilledInline(t *testing.T) {
	base := int64(1_700_000_000_000)
	history := hourlyCandles(base, 10)
	// Drop two candles from the middle of the page.
	history = append(history[:4:4], history[6:]...)
	ex := &fakeExchange{history: history}
	now := base + 100*hourMs
	f := newTestFetcher(t, ex, 0, now)

	inserted, _, err := f.FetchOneBatch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if inserted != 8 {
		t.Errorf("inserted = %d, want 8 real candles", inserted)
	}

	rows, err := f.Store.RangeScan(key, base, base+9*hourMs)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(rows) != 10 {
		t.Fatalf("stored rows = %d, want 10 after inline gap fill", len(rows))
	}
	var synthetic int
	for _, c := range rows {
		if c.Interpolated {
			synthetic++
		}
	}
	if synthetic != 2 {
		t.Errorf("synthetic rows = %d, want 2", synthetic)
	}
}
