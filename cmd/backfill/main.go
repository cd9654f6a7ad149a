// Command backfill walks one symbol's historical candles backward across
// a set of timeframes until the exchange runs out of history or the
// requested start date is reached.
//
// Usage:
//
//	backfill --symbol BTCUSDT [--start-date 2021-01-01] [--db-dir data]
//	         [--timeframes 5m,1h] [--verify]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"candlestream/config"
	"candlestream/internal/backfill"
	"candlestream/internal/gapfill"
	"candlestream/internal/logger"
	"candlestream/internal/model"
	"candlestream/internal/store/sqlite"
	"candlestream/internal/timeframe"
)

func main() {
	symbol := flag.String("symbol", "", "trading symbol to backfill (required)")
	startDate := flag.String("start-date", "", "optional floor, YYYY-MM-DD UTC; empty walks to earliest history")
	dbDir := flag.String("db-dir", "", "store directory (default: DB_DIR env or \".\")")
	tfList := flag.String("timeframes", "", "comma-separated timeframe subset (default: the standard backfill set)")
	verify := flag.Bool("verify", false, "report stored row counts and gaps instead of fetching")
	rsiPeriod := flag.Int("rsi-period", 0, "recompute RSI with this period after the walk completes (0 disables)")
	flag.Parse()

	logger.Init("backfill", slog.LevelInfo)

	if *symbol == "" {
		fmt.Fprintln(os.Stderr, "error: --symbol is required")
		flag.Usage()
		os.Exit(1)
	}

	cfg := config.Load()
	if *dbDir != "" {
		cfg.DBDir = *dbDir
	}

	var tfs []string
	if *tfList != "" {
		for _, tf := range strings.Split(*tfList, ",") {
			tf = strings.TrimSpace(tf)
			if tf == "" {
				continue
			}
			if !timeframe.Known(tf) {
				fmt.Fprintf(os.Stderr, "error: unknown timeframe %q\n", tf)
				os.Exit(1)
			}
			tfs = append(tfs, tf)
		}
	}

	if *verify {
		if err := runVerify(cfg.DBDir, cfg.Provider, *symbol, tfs); err != nil {
			log.Printf("[backfill] verify failed: %v", err)
			os.Exit(1)
		}
		return
	}

	var startMs int64
	if *startDate != "" {
		ms, err := timeframe.ParseStartDate(*startDate)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		startMs = ms
	}

	// SIGINT cancels the run; in-flight work units still join before exit.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := backfill.Run(ctx, backfill.Options{
		Symbol:     *symbol,
		DBDir:      cfg.DBDir,
		Provider:   cfg.Provider,
		StartMs:    startMs,
		Timeframes: tfs,
		RSIPeriod:  *rsiPeriod,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Printf("[backfill] interrupted, progress saved")
			return
		}
		log.Printf("[backfill] failed: %v", err)
		os.Exit(1)
	}
}

// runVerify prints per-timeframe stored counts, interpolated counts, the
// covered time range and the remaining gap total.
func runVerify(dbDir, provider, symbol string, tfs []string) error {
	symbol = strings.ToUpper(symbol)
	path := sqlite.PathFor(dbDir, symbol)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no store for %s at %s", symbol, path)
	}

	store, err := sqlite.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(tfs) == 0 {
		tfs, err = store.DistinctTimeframes(provider, symbol)
		if err != nil {
			return err
		}
	}

	fmt.Printf("%s (%s)\n", symbol, path)
	for _, tf := range tfs {
		key := model.SeriesKey{Provider: provider, Symbol: symbol, Timeframe: tf}
		stats, err := store.Stats(key)
		if err != nil {
			return err
		}
		if stats.Rows == 0 {
			fmt.Printf("  %-4s  no data\n", tf)
			continue
		}

		gaps, err := gapfill.CountGaps(store, key, stats.OldestMs, stats.NewestMs)
		if err != nil {
			return err
		}
		fmt.Printf("  %-4s  %8d rows (%d interpolated)  %s .. %s  gaps: %d\n",
			tf, stats.Rows, stats.Interpolated,
			timeframe.FormatMs(stats.OldestMs), timeframe.FormatMs(stats.NewestMs), gaps)
	}
	return nil
}
