// Command webserver serves the candle API and the realtime WebSocket. On
// start it kicks off a background backfill for every symbol that already
// has a store file, so gaps accumulated while the process was down get
// repaired without operator action.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"candlestream/config"
	"candlestream/internal/backfill"
	"candlestream/internal/logger"
	"candlestream/internal/metrics"
	"candlestream/internal/realtime"
	"candlestream/internal/web"
)

const shutdownTimeout = 5 * time.Second

func main() {
	logger.Init("webserver", slog.LevelInfo)
	cfg := config.Load()

	m := metrics.New()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr)
	metricsSrv.Start()

	manager := realtime.NewManager(cfg.DBDir, cfg.Provider)
	manager.OnTick = m.RealtimeTicks.Inc
	manager.OnPersist = m.ClosedPersisted.Inc
	manager.OnBroadcastDrop(m.BroadcastDrops.Inc)

	srv := web.NewServer(web.Config{
		Addr:     fmt.Sprintf(":%d", cfg.Port),
		DBDir:    cfg.DBDir,
		Provider: cfg.Provider,
		Manager:  manager,
		Metrics:  m,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		autoBackfill(ctx, cfg, m)
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		slog.Info("shutdown requested")
	case err := <-errCh:
		if err != nil {
			slog.Error("server failed", "err", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	manager.Shutdown()
	wg.Wait()
	metricsSrv.Stop(shutdownCtx)
	slog.Info("stopped")
}

// autoBackfill runs the backfill loop for every symbol with an existing
// store file, one symbol at a time to keep inside the exchange rate budget.
func autoBackfill(ctx context.Context, cfg *config.Config, m *metrics.Metrics) {
	entries, err := os.ReadDir(cfg.DBDir)
	if err != nil {
		log.Printf("[webserver] auto-backfill: read %s: %v", cfg.DBDir, err)
		return
	}

	var symbols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".db") {
			continue
		}
		symbols = append(symbols, strings.TrimSuffix(name, ".db"))
	}
	if len(symbols) == 0 {
		log.Printf("[webserver] auto-backfill: no store files in %s", cfg.DBDir)
		return
	}
	log.Printf("[webserver] auto-backfill: %d symbols: %v", len(symbols), symbols)

	for _, symbol := range symbols {
		if ctx.Err() != nil {
			return
		}
		err := backfill.Run(ctx, backfill.Options{
			Symbol:   symbol,
			DBDir:    cfg.DBDir,
			Provider: cfg.Provider,
			OnBatch: func(tf string, inserted int64) {
				m.CandlesInserted.WithLabelValues(tf).Add(float64(inserted))
			},
			OnError: func(tf string) {
				m.BatchErrors.WithLabelValues(tf).Inc()
			},
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[webserver] auto-backfill %s: %v", symbol, err)
		}
	}
	log.Printf("[webserver] auto-backfill complete")
}
