package realtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"candlestream/internal/model"
	"candlestream/internal/store/sqlite"
)

// fakeStream replays injected ticks; it blocks until cancelled once the
// tick channel is drained, like a quiet live stream.
type fakeStream struct {
	ticks chan model.RealtimeCandle
}

func (f *fakeStream) Run(ctx context.Context, out chan<- model.RealtimeCandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-f.ticks:
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func newTestManager(t *testing.T, stream *fakeStream) (*Manager, string) {
	t.Helper()
	dbDir := t.TempDir()
	m := NewManager(dbDir, "binance")
	m.SetStreamFactory(func(_, _ string) StreamSource { return stream })
	return m, dbDir
}

func tick(sec int64, closePrice float64, closed bool) model.RealtimeCandle {
	return model.RealtimeCandle{
		Time:     sec,
		Open:     100,
		High:     closePrice + 1,
		Low:      99,
		Close:    closePrice,
		Volume:   10,
		IsClosed: closed,
	}
}

func TestManagerCacheAndClosedCandlePersistence(t *testing.T) {
	stream := &fakeStream{ticks: make(chan model.RealtimeCandle, 16)}
	m, dbDir := newTestManager(t, stream)

	m.Subscribe("BTCUSDT", "5m")

	// Aligned to a 5m boundary in seconds.
	openSec := int64(1_699_999_800)

	// Four open ticks: the cache must track the latest one.
	for i := 1; i <= 4; i++ {
		stream.ticks <- tick(openSec, 100+float64(i), false)
	}
	waitFor(t, func() bool {
		c := m.Candles("BTCUSDT", []string{"5m"})["5m"]
		return c != nil && c.Close == 104
	}, "cache to reflect the fourth tick")

	// The close, a duplicate redelivery, then the next bar opening.
	stream.ticks <- tick(openSec, 105, true)
	stream.ticks <- tick(openSec, 105, true)
	stream.ticks <- tick(openSec+300, 106, false)

	waitFor(t, func() bool {
		c := m.Candles("BTCUSDT", []string{"5m"})["5m"]
		return c != nil && c.Time == openSec+300
	}, "cache to reflect the fresh bar")

	// Shutdown drains the persistence jobs.
	m.Shutdown()

	store, err := sqlite.Open(sqlite.PathFor(dbDir, "BTCUSDT"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	key := model.SeriesKey{Provider: "binance", Symbol: "BTCUSDT", Timeframe: "5m"}
	rows, err := store.RangeScan(key, 0, 1<<62)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("persisted rows = %d, want exactly 1", len(rows))
	}

	c := rows[0]
	if c.OpenTime != openSec*1000 {
		t.Errorf("open_time = %d, want %d", c.OpenTime, openSec*1000)
	}
	if c.CloseTime != openSec*1000+300_000-1 {
		t.Errorf("close_time = %d, want open_time + interval - 1", c.CloseTime)
	}
	if c.Close != 105 {
		t.Errorf("close = %v, want 105", c.Close)
	}
	if c.Interpolated {
		t.Error("closed realtime candle marked interpolated")
	}
	if c.QuoteAssetVolume != 0 || c.NumberOfTrades != 0 {
		t.Error("stream tick carries no quote or taker data; columns must be zero")
	}
}

func TestManagerSubscribeIsIdempotent(t *testing.T) {
	stream := &fakeStream{ticks: make(chan model.RealtimeCandle, 4)}
	dbDir := t.TempDir()
	m := NewManager(dbDir, "binance")

	var created atomic.Int64
	m.SetStreamFactory(func(_, _ string) StreamSource {
		created.Add(1)
		return stream
	})

	m.Subscribe("BTCUSDT", "5m")
	m.Subscribe("BTCUSDT", "5m")
	m.Subscribe("BTCUSDT", "5m")

	stream.ticks <- tick(1_699_999_800, 100, false)
	waitFor(t, func() bool {
		return m.Candles("BTCUSDT", []string{"5m"})["5m"] != nil
	}, "cache entry")

	if created.Load() != 1 {
		t.Errorf("streams created = %d, want 1", created.Load())
	}
	m.Shutdown()
}

func TestManagerUnsubscribeEvictsCache(t *testing.T) {
	stream := &fakeStream{ticks: make(chan model.RealtimeCandle, 4)}
	m, _ := newTestManager(t, stream)

	m.Subscribe("BTCUSDT", "5m")
	stream.ticks <- tick(1_699_999_800, 100, false)
	waitFor(t, func() bool {
		return m.Candles("BTCUSDT", []string{"5m"})["5m"] != nil
	}, "cache entry")

	m.Unsubscribe("BTCUSDT", "5m")
	waitFor(t, func() bool {
		return m.Candles("BTCUSDT", []string{"5m"})["5m"] == nil
	}, "cache eviction")

	// Unsubscribing again is a no-op.
	m.Unsubscribe("BTCUSDT", "5m")
	m.Shutdown()
}

func TestManagerBroadcastsTicks(t *testing.T) {
	stream := &fakeStream{ticks: make(chan model.RealtimeCandle, 4)}
	m, _ := newTestManager(t, stream)

	sub := m.SubscribeUpdates()
	defer sub.Close()

	m.Subscribe("ETHUSDT", "1h")
	stream.ticks <- tick(1_699_999_200, 2000, false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	u, err := sub.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if u.Symbol != "ETHUSDT" || u.Timeframe != "1h" || u.Candle.Close != 2000 {
		t.Errorf("unexpected update: %+v", u)
	}
	m.Shutdown()
}

func TestManagerCandlesAbsentTimeframesAreNil(t *testing.T) {
	m := NewManager(t.TempDir(), "binance")
	defer m.Shutdown()

	got := m.Candles("BTCUSDT", []string{"5m", "1h"})
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got["5m"] != nil || got["1h"] != nil {
		t.Error("absent timeframes must map to nil")
	}
}
