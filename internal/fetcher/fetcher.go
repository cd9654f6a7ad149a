// Package fetcher implements the backward-walking batch fetch: one REST
// page at a time, ending at the oldest open_time already reached, so a
// crashed or restarted run resumes without any server-side cursor.
package fetcher

import (
	"context"
	"fmt"
	"time"

	"candlestream/internal/exchange"
	"candlestream/internal/gapfill"
	"candlestream/internal/model"
	"candlestream/internal/store/sqlite"
)

// BatchSize is the kline page size requested from the exchange.
const BatchSize = 1000

// defaultGrace is how long a work unit pauses after a transient fetch
// error before handing the error back to the driver.
const defaultGrace = 5 * time.Second

// Fetcher drives one (provider, symbol, timeframe) series backward in time.
type Fetcher struct {
	Store  *sqlite.Store
	Client exchange.Client
	Key    model.SeriesKey

	// FloorMs stops the walk once the batch's oldest open_time reaches
	// it. Zero means no floor: walk to the exchange's earliest history.
	FloorMs int64

	// Grace is the post-error pause; tests shorten it.
	Grace time.Duration

	// Now is the wall clock in epoch ms; tests pin it.
	Now func() int64
}

// New builds a Fetcher with production defaults.
func New(store *sqlite.Store, client exchange.Client, key model.SeriesKey, floorMs int64) *Fetcher {
	return &Fetcher{
		Store:   store,
		Client:  client,
		Key:     key,
		FloorMs: floorMs,
		Grace:   defaultGrace,
		Now:     func() int64 { return time.Now().UnixMilli() },
	}
}

// FetchOneBatch fetches, inserts and gap-fills a single page.
//
// Returns (inserted, exhausted, err). exhausted is true when the exchange
// has no more history before the cursor, when every fetched row was
// already stored, or when the configured floor has been reached. The
// progress cursor only ever moves backward: it is set to the batch's
// oldest open_time after the batch commits.
func (f *Fetcher) FetchOneBatch(ctx context.Context) (int64, bool, error) {
	endTime, err := f.resumePoint()
	if err != nil {
		return 0, false, err
	}

	klines, err := f.Client.FetchKlines(ctx, f.Key.Symbol, f.Key.Timeframe, BatchSize, endTime)
	if err != nil {
		if !exchange.IsPermanent(err) {
			// Transient: give the exchange a moment before the
			// driver retries this timeframe.
			sleepCtx(ctx, f.Grace)
		}
		return 0, false, fmt.Errorf("fetch batch %s: %w", f.Key, err)
	}

	// The bar still forming at the exchange must never be persisted.
	now := f.Now()
	complete := klines[:0:0]
	for _, k := range klines {
		if k.CloseTime < now {
			complete = append(complete, k)
		}
	}

	if len(complete) == 0 {
		return 0, true, nil
	}

	oldest, newest := complete[0].OpenTime, complete[0].OpenTime
	for _, k := range complete {
		if k.OpenTime < oldest {
			oldest = k.OpenTime
		}
		if k.OpenTime > newest {
			newest = k.OpenTime
		}
	}

	inserted, err := f.Store.InsertBatch(complete)
	if err != nil {
		return 0, false, fmt.Errorf("insert batch %s: %w", f.Key, err)
	}

	if err := f.Store.UpdateProgress(f.Key, oldest); err != nil {
		return inserted, false, fmt.Errorf("update progress %s: %w", f.Key, err)
	}

	if _, err := gapfill.Fill(f.Store, f.Key, oldest, newest); err != nil {
		return inserted, false, fmt.Errorf("gap fill %s: %w", f.Key, err)
	}

	exhausted := inserted == 0 || (f.FloorMs > 0 && oldest <= f.FloorMs)
	return inserted, exhausted, nil
}

// resumePoint is the progress cursor if one exists, else now: the fetcher
// always pages backward from the oldest candle it has already reached.
func (f *Fetcher) resumePoint() (int64, error) {
	oldest, ok, err := f.Store.OldestCandleTime(f.Key)
	if err != nil {
		return 0, err
	}
	if ok {
		return oldest, nil
	}
	return f.Now(), nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
