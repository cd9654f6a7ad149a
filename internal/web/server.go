// Package web is the HTTP and WebSocket façade: pair discovery, paged
// candle reads with a TTL result cache, on-demand backfill, realtime
// subscriptions and the live update socket.
package web

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"candlestream/internal/exchange"
	"candlestream/internal/metrics"
	"candlestream/internal/realtime"

	"github.com/gorilla/websocket"
	gocache "github.com/patrickmn/go-cache"
)

const (
	// storeWorkers bounds concurrent blocking store reads.
	storeWorkers = 8

	// cacheTTL is how long a paged candle result stays servable.
	cacheTTL = 60 * time.Second

	// fetchPace spaces /api/fetch iterations like the backfill driver.
	fetchPace = 200 * time.Millisecond

	// fetchMaxIterations caps how far one /api/fetch call advances the
	// cursor.
	fetchMaxIterations = 10
)

// Config wires a Server.
type Config struct {
	Addr     string
	DBDir    string
	Provider string
	Manager  *realtime.Manager
	Metrics  *metrics.Metrics

	// Client serves /api/fetch; nil uses the public exchange client.
	Client exchange.Client
}

// Server carries the handler state. Store reads go through a bounded
// worker semaphore so a burst of candle queries cannot exhaust the
// process on blocking file I/O.
type Server struct {
	dbDir    string
	provider string
	manager  *realtime.Manager
	metrics  *metrics.Metrics
	client   exchange.Client

	cache *gocache.Cache
	sem   chan struct{}

	upgrader websocket.Upgrader
	srv      *http.Server
}

// NewServer builds the façade from config.
func NewServer(cfg Config) *Server {
	client := cfg.Client
	if client == nil {
		client = exchange.NewBinance(cfg.Provider)
	}

	s := &Server{
		dbDir:    cfg.DBDir,
		provider: cfg.Provider,
		manager:  cfg.Manager,
		metrics:  cfg.Metrics,
		client:   client,
		cache:    gocache.New(cacheTTL, 2*time.Minute),
		sem:      make(chan struct{}, storeWorkers),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.srv = &http.Server{Addr: cfg.Addr, Handler: s.Handler()}
	return s
}

// Handler builds the route table. Exposed separately so tests can drive
// the façade through httptest without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/pairs", s.handlePairs)
	mux.HandleFunc("/api/candles", s.handleCandles)
	mux.HandleFunc("/api/fetch", s.handleFetch)
	mux.HandleFunc("/api/realtime/subscribe", s.handleRealtimeSubscribe)
	mux.HandleFunc("/api/realtime/candles", s.handleRealtimeCandles)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws/realtime", s.handleWS)
	return corsMiddleware(mux)
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	log.Printf("[web] listening on %s", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// acquireWorker blocks until a store-read slot is free or the request is
// cancelled. The caller must release on success.
func (s *Server) acquireWorker(ctx context.Context) bool {
	select {
	case s.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) releaseWorker() { <-s.sem }

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[web] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
