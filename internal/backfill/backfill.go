// Package backfill drives the per-symbol historical ingestion loop: every
// still-active timeframe gets one backward batch per iteration, in
// parallel, until all of them report exhausted.
package backfill

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"candlestream/internal/exchange"
	"candlestream/internal/fetcher"
	"candlestream/internal/indicator"
	"candlestream/internal/model"
	"candlestream/internal/store/sqlite"
	"candlestream/internal/timeframe"

	"golang.org/x/time/rate"
)

// defaultPace spaces iterations to stay inside the exchange rate budget.
const defaultPace = 200 * time.Millisecond

// Options configures one symbol's backfill run.
type Options struct {
	Symbol   string
	DBDir    string
	Provider string

	// StartMs is the optional floor: the walk stops once a batch's
	// oldest open_time is at or before it. Zero walks to the exchange's
	// earliest history.
	StartMs int64

	// Timeframes restricts the run; nil means the default backfill set.
	Timeframes []string

	// Client builds the exchange client for a timeframe's work unit.
	// Nil uses a shared public Binance client. Tests inject mocks here.
	Client func(tf string) exchange.Client

	// Pace overrides the per-iteration rate-limit spacing.
	Pace time.Duration

	// Grace overrides the fetcher's post-error pause.
	Grace time.Duration

	// RSIPeriod, when positive, recomputes RSI over each timeframe's full
	// stored range after the walk completes.
	RSIPeriod int

	// OnBatch and OnError are metric hooks, called per work-unit result.
	OnBatch func(tf string, inserted int64)
	OnError func(tf string)
}

// unitResult is what one timeframe work unit reports back per iteration.
type unitResult struct {
	tf        string
	inserted  int64
	exhausted bool
	err       error
}

// Run executes the backfill loop until every timeframe is exhausted or ctx
// is cancelled. In-flight work units always finish (join) before Run
// returns. The error is non-nil only for unrecoverable setup failures;
// per-timeframe fetch errors are logged and retried on the next iteration.
func Run(ctx context.Context, opts Options) error {
	symbol := strings.ToUpper(opts.Symbol)
	dbPath := sqlite.PathFor(opts.DBDir, symbol)

	// Create the store file and schema up front so every work unit's
	// open is a plain reopen.
	store, err := sqlite.Open(dbPath)
	if err != nil {
		return err
	}
	store.Close()
	log.Printf("[backfill] %s: store ready at %s", symbol, dbPath)

	active := opts.Timeframes
	if len(active) == 0 {
		active = timeframe.Supported()
	}

	clientFor := opts.Client
	if clientFor == nil {
		shared := exchange.NewBinance(opts.Provider)
		clientFor = func(string) exchange.Client { return shared }
	}

	pace := opts.Pace
	if pace <= 0 {
		pace = defaultPace
	}
	limiter := rate.NewLimiter(rate.Every(pace), 1)

	for iteration := 1; len(active) > 0; iteration++ {
		log.Printf("[backfill] %s iteration %d, active timeframes: %v", symbol, iteration, active)

		results := make(chan unitResult, len(active))
		var wg sync.WaitGroup

		for _, tf := range active {
			wg.Add(1)
			go func(tf string) {
				defer wg.Done()
				results <- runUnit(ctx, dbPath, clientFor(tf), model.SeriesKey{
					Provider:  opts.Provider,
					Symbol:    symbol,
					Timeframe: tf,
				}, opts.StartMs, opts.Grace)
			}(tf)
		}

		wg.Wait()
		close(results)

		exhausted := make(map[string]bool)
		for res := range results {
			switch {
			case res.err != nil:
				if opts.OnError != nil {
					opts.OnError(res.tf)
				}
				log.Printf("[backfill] %s %s: %v (will retry)", symbol, res.tf, res.err)
			case res.exhausted:
				if res.inserted > 0 {
					log.Printf("[backfill] %s %s: %d new candles, exhausted", symbol, res.tf, res.inserted)
				} else {
					log.Printf("[backfill] %s %s: exhausted", symbol, res.tf)
				}
				exhausted[res.tf] = true
			case res.inserted > 0:
				log.Printf("[backfill] %s %s: %d new candles", symbol, res.tf, res.inserted)
			}
			if res.err == nil && opts.OnBatch != nil {
				opts.OnBatch(res.tf, res.inserted)
			}
		}

		remaining := active[:0]
		for _, tf := range active {
			if !exhausted[tf] {
				remaining = append(remaining, tf)
			}
		}
		active = remaining

		if ctx.Err() != nil {
			log.Printf("[backfill] %s: shutdown requested, %d timeframes unfinished", symbol, len(active))
			return ctx.Err()
		}

		if len(active) > 0 {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
	}

	log.Printf("[backfill] %s: all timeframes exhausted", symbol)

	if opts.RSIPeriod > 0 {
		if err := recomputeRSI(dbPath, opts.Provider, symbol, opts.Timeframes, opts.RSIPeriod); err != nil {
			return err
		}
	}
	return nil
}

// recomputeRSI refreshes the indicator table for every timeframe the walk
// touched, over each series' full stored range.
func recomputeRSI(dbPath, provider, symbol string, tfs []string, period int) error {
	store, err := sqlite.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(tfs) == 0 {
		tfs = timeframe.Supported()
	}
	for _, tf := range tfs {
		key := model.SeriesKey{Provider: provider, Symbol: symbol, Timeframe: tf}
		stats, err := store.Stats(key)
		if err != nil {
			return err
		}
		if stats.Rows == 0 {
			continue
		}
		count, err := indicator.RecalculateRange(store, key, period, stats.OldestMs, stats.NewestMs)
		if err != nil {
			return err
		}
		log.Printf("[backfill] %s %s: rsi(%d) recomputed, %d values", symbol, tf, period, count)
	}
	return nil
}

// runUnit runs exactly one batch for one timeframe. Each unit owns its own
// store handle for its lifetime so batches never contend on a shared
// transaction.
func runUnit(ctx context.Context, dbPath string, client exchange.Client, key model.SeriesKey, floorMs int64, grace time.Duration) unitResult {
	store, err := sqlite.Open(dbPath)
	if err != nil {
		return unitResult{tf: key.Timeframe, err: err}
	}
	defer store.Close()

	f := fetcher.New(store, client, key, floorMs)
	if grace > 0 {
		f.Grace = grace
	}
	inserted, exhausted, err := f.FetchOneBatch(ctx)
	return unitResult{tf: key.Timeframe, inserted: inserted, exhausted: exhausted, err: err}
}
