package web

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"candlestream/internal/fetcher"
	"candlestream/internal/model"
	"candlestream/internal/store/sqlite"
	"candlestream/internal/timeframe"

	gocache "github.com/patrickmn/go-cache"
)

// handlePairs lists every symbol with a store file and the timeframes it
// actually holds.
func (s *Server) handlePairs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	entries, err := os.ReadDir(s.dbDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot read data directory")
		return
	}

	if !s.acquireWorker(r.Context()) {
		return
	}
	defer s.releaseWorker()

	pairs := make([]model.TradingPair, 0)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".db") {
			continue
		}
		symbol := strings.TrimSuffix(name, ".db")

		store, err := sqlite.Open(sqlite.PathFor(s.dbDir, symbol))
		if err != nil {
			log.Printf("[web] pairs: open %s: %v", symbol, err)
			continue
		}
		tfs, err := store.DistinctTimeframes(s.provider, symbol)
		store.Close()
		if err != nil {
			log.Printf("[web] pairs: timeframes %s: %v", symbol, err)
			continue
		}
		sort.Slice(tfs, func(i, j int) bool {
			return timeframe.Interval(tfs[i]) < timeframe.Interval(tfs[j])
		})
		pairs = append(pairs, model.TradingPair{Symbol: symbol, Timeframes: tfs})
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Symbol < pairs[j].Symbol })
	writeJSON(w, http.StatusOK, pairs)
}

// handleCandles is the paged candle read. start/end are epoch seconds;
// responses carry time in seconds. Results are cached for cacheTTL keyed
// by the full query tuple, and the X-Cache header reports HIT or MISS.
func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	symbol := strings.ToUpper(q.Get("symbol"))
	tf := q.Get("timeframe")
	if symbol == "" || tf == "" {
		writeError(w, http.StatusBadRequest, "symbol and timeframe are required")
		return
	}

	startMs := secondsParamToMs(q.Get("start"))
	endMs := secondsParamToMs(q.Get("end"))
	limit := intParam(q.Get("limit"), 2000)
	offset := intParam(q.Get("offset"), 0)

	cacheKey := fmt.Sprintf("%s|%s|%d|%d|%d|%d", symbol, tf, startMs, endMs, limit, offset)
	if cached, ok := s.cache.Get(cacheKey); ok {
		if s.metrics != nil {
			s.metrics.CacheHits.Inc()
		}
		w.Header().Set("X-Cache", "HIT")
		writeJSON(w, http.StatusOK, cached)
		return
	}
	if s.metrics != nil {
		s.metrics.CacheMisses.Inc()
	}

	path := sqlite.PathFor(s.dbDir, symbol)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "symbol not found")
		return
	}

	if !s.acquireWorker(r.Context()) {
		return
	}
	defer s.releaseWorker()

	start := time.Now()
	store, err := sqlite.Open(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot open store")
		return
	}
	defer store.Close()

	key := model.SeriesKey{Provider: s.provider, Symbol: symbol, Timeframe: tf}
	rows, err := store.Page(key, startMs, endMs, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	var out []model.APICandle
	if len(rows) == 0 {
		// No rows at the requested timeframe: aggregate a smaller
		// stored one instead of returning nothing.
		out, err = s.downsample(store, key, startMs, endMs, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "downsample failed")
			return
		}
	} else {
		out = make([]model.APICandle, 0, len(rows))
		for _, c := range rows {
			out = append(out, model.APICandle{
				Time:   c.OpenTime / 1000,
				Open:   c.Open,
				High:   c.High,
				Low:    c.Low,
				Close:  c.Close,
				Volume: c.Volume,
			})
		}
	}
	if s.metrics != nil {
		s.metrics.QueryDuration.Observe(time.Since(start).Seconds())
	}

	s.cache.Set(cacheKey, out, gocache.DefaultExpiration)
	w.Header().Set("X-Cache", "MISS")
	writeJSON(w, http.StatusOK, out)
}

// handleFetch advances a series' backfill cursor on demand, at most
// fetchMaxIterations batches per call.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	symbol := strings.ToUpper(q.Get("symbol"))
	tf := q.Get("timeframe")
	if symbol == "" || tf == "" {
		writeError(w, http.StatusBadRequest, "symbol and timeframe are required")
		return
	}
	if !timeframe.Known(tf) {
		writeError(w, http.StatusBadRequest,
			"unknown timeframe "+tf+", supported: "+strings.Join(timeframe.All(), ", "))
		return
	}

	path := sqlite.PathFor(s.dbDir, symbol)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "symbol not found")
		return
	}

	if !s.acquireWorker(r.Context()) {
		return
	}
	defer s.releaseWorker()

	store, err := sqlite.Open(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot open store")
		return
	}
	defer store.Close()

	key := model.SeriesKey{Provider: s.provider, Symbol: symbol, Timeframe: tf}
	f := fetcher.New(store, s.client, key, 0)

	ctx := r.Context()
	var total int64
	iterations := 0
	for iterations < fetchMaxIterations {
		iterations++
		inserted, exhausted, err := f.FetchOneBatch(ctx)
		total += inserted
		if err != nil {
			log.Printf("[web] fetch %s %s: %v", symbol, tf, err)
			if total == 0 {
				writeError(w, http.StatusBadGateway, "exchange fetch failed")
				return
			}
			break
		}
		if exhausted {
			break
		}

		select {
		case <-time.After(fetchPace):
		case <-ctx.Done():
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"symbol":     symbol,
		"timeframe":  tf,
		"inserted":   total,
		"iterations": iterations,
	})
}

// handleRealtimeSubscribe starts stream tasks for the requested
// timeframes.
func (s *Server) handleRealtimeSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	symbol, tfs, ok := realtimeParams(w, r)
	if !ok {
		return
	}
	for _, tf := range tfs {
		s.manager.Subscribe(symbol, tf)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "subscribed",
		"symbol":     symbol,
		"timeframes": tfs,
	})
}

// handleRealtimeCandles snapshots the partial-candle cache for a symbol.
func (s *Server) handleRealtimeCandles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	symbol, tfs, ok := realtimeParams(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Candles(symbol, tfs))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// realtimeParams validates the symbol/timeframes pair shared by the
// realtime endpoints. Writes the error response itself on failure.
func realtimeParams(w http.ResponseWriter, r *http.Request) (string, []string, bool) {
	q := r.URL.Query()
	symbol := strings.ToUpper(q.Get("symbol"))
	raw := q.Get("timeframes")
	if symbol == "" || raw == "" {
		writeError(w, http.StatusBadRequest, "symbol and timeframes are required")
		return "", nil, false
	}

	var tfs []string
	for _, tf := range strings.Split(raw, ",") {
		tf = strings.TrimSpace(tf)
		if tf == "" {
			continue
		}
		if !timeframe.Known(tf) {
			writeError(w, http.StatusBadRequest,
				"unknown timeframe "+tf+", supported: "+strings.Join(timeframe.All(), ", "))
			return "", nil, false
		}
		tfs = append(tfs, tf)
	}
	if len(tfs) == 0 {
		writeError(w, http.StatusBadRequest, "no timeframes given")
		return "", nil, false
	}
	return symbol, tfs, true
}

// secondsParamToMs converts an epoch-seconds query param to milliseconds;
// absent or malformed values mean unbounded (-1).
func secondsParamToMs(v string) int64 {
	if v == "" {
		return -1
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1
	}
	return sec * 1000
}

// intParam parses a positive integer query param. Zero, negative or
// malformed values mean the fallback: limit=0 would otherwise turn a
// populated series into an empty page.
func intParam(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
