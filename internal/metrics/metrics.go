// Package metrics registers the Prometheus metrics for the candle service
// and serves them over a dedicated listener.
package metrics

import (
	"context"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric the service exposes.
type Metrics struct {
	CandlesInserted *prometheus.CounterVec // labels: timeframe
	BatchErrors     *prometheus.CounterVec // labels: timeframe
	RealtimeTicks   prometheus.Counter
	ClosedPersisted prometheus.Counter
	BroadcastDrops  prometheus.Counter
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	WSSessions      prometheus.Gauge
	QueryDuration   prometheus.Histogram
}

// New registers and returns all metrics.
func New() *Metrics {
	m := &Metrics{
		CandlesInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlestream_candles_inserted_total",
			Help: "New candle rows persisted by the backfill fetcher (by timeframe)",
		}, []string{"timeframe"}),
		BatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlestream_batch_errors_total",
			Help: "Failed backfill batches (by timeframe)",
		}, []string{"timeframe"}),
		RealtimeTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlestream_realtime_ticks_total",
			Help: "Kline stream ticks processed by the realtime manager",
		}),
		ClosedPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlestream_closed_candles_persisted_total",
			Help: "Closed realtime candles written to the store",
		}),
		BroadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlestream_broadcast_drops_total",
			Help: "Updates dropped because a broadcast subscriber lagged",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlestream_candle_cache_hits_total",
			Help: "GET /api/candles served from the query cache",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlestream_candle_cache_misses_total",
			Help: "GET /api/candles that hit the store",
		}),
		WSSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candlestream_ws_sessions",
			Help: "Connected /ws/realtime clients",
		}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "candlestream_candle_query_duration_seconds",
			Help:    "Store query latency for paged candle reads",
			Buckets: prometheus.DefBuckets,
		}),
	}

	prometheus.MustRegister(
		m.CandlesInserted, m.BatchErrors,
		m.RealtimeTicks, m.ClosedPersisted, m.BroadcastDrops,
		m.CacheHits, m.CacheMisses, m.WSSessions, m.QueryDuration,
	)
	return m
}

// Server exposes /metrics on its own listener, off the API port.
type Server struct {
	srv *http.Server
}

// NewServer builds the metrics listener for addr (e.g. ":9090").
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{srv: &http.Server{Addr: addr, Handler: mux}}
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
