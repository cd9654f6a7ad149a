// Package realtime multiplexes exchange kline streams into an in-memory
// partial-candle cache, persists closed candles to the per-symbol stores,
// and broadcasts every tick to connected viewers.
//
// A single manager loop owns the stream-task registry; Subscribe,
// Unsubscribe and Shutdown are commands on a mailbox, so registry
// mutations are serialized without a lock.
package realtime

import (
	"context"
	"log"
	"sync"

	"candlestream/internal/exchange"
	"candlestream/internal/model"
	"candlestream/internal/store/sqlite"
	"candlestream/internal/timeframe"
)

// StreamSource is one (symbol, timeframe) kline stream. The production
// source is exchange.KlineStreamer; tests inject fakes.
type StreamSource interface {
	Run(ctx context.Context, out chan<- model.RealtimeCandle)
}

type streamKey struct {
	symbol string
	tf     string
}

type commandKind int

const (
	cmdSubscribe commandKind = iota
	cmdUnsubscribe
	cmdShutdown
)

type command struct {
	kind   commandKind
	symbol string
	tf     string
}

// Manager owns the partial-candle cache and the set of running stream
// tasks. The cache is reachable only through this API so subscription
// lifecycle and eviction stay coupled.
type Manager struct {
	dbDir    string
	provider string

	mu    sync.RWMutex
	cache map[streamKey]model.RealtimeCandle

	commands  chan command
	broadcast *Broadcast

	// newStream builds the per-key stream source; tests replace it.
	newStream func(symbol, tf string) StreamSource

	// OnTick and OnPersist are metric hooks. Set before the first Subscribe.
	OnTick    func()
	OnPersist func()

	// persistWG tracks in-flight closed-candle writes so Shutdown can
	// drain them.
	persistWG sync.WaitGroup

	loopDone chan struct{}
}

// NewManager starts the manager loop. dbDir is where closed candles are
// persisted, one store file per symbol.
func NewManager(dbDir, provider string) *Manager {
	m := &Manager{
		dbDir:     dbDir,
		provider:  provider,
		cache:     make(map[streamKey]model.RealtimeCandle),
		commands:  make(chan command, 64),
		broadcast: NewBroadcast(),
		newStream: func(symbol, tf string) StreamSource {
			return exchange.NewKlineStreamer(symbol, tf)
		},
		loopDone: make(chan struct{}),
	}
	go m.run()
	return m
}

// Subscribe starts a stream task for (symbol, timeframe). Idempotent:
// duplicate subscriptions are no-ops.
func (m *Manager) Subscribe(symbol, tf string) {
	m.commands <- command{kind: cmdSubscribe, symbol: symbol, tf: tf}
}

// Unsubscribe stops the stream task and evicts the cache entry. Idempotent.
func (m *Manager) Unsubscribe(symbol, tf string) {
	m.commands <- command{kind: cmdUnsubscribe, symbol: symbol, tf: tf}
}

// Shutdown stops every stream task, waits for in-flight persistence jobs,
// and closes the broadcast.
func (m *Manager) Shutdown() {
	m.commands <- command{kind: cmdShutdown}
	<-m.loopDone
	m.persistWG.Wait()
	m.broadcast.Close()
}

// SubscribeUpdates attaches a consumer to the tick broadcast.
func (m *Manager) SubscribeUpdates() *Subscriber {
	return m.broadcast.Subscribe()
}

// OnBroadcastDrop installs the dropped-update metric hook. Set before the
// first Subscribe.
func (m *Manager) OnBroadcastDrop(fn func()) {
	m.broadcast.OnDrop = fn
}

// SetStreamFactory overrides how stream sources are built. Tests inject
// fakes here; call before the first Subscribe.
func (m *Manager) SetStreamFactory(fn func(symbol, tf string) StreamSource) {
	m.newStream = fn
}

// Candles returns a snapshot of the partial-candle cache for a symbol.
// Timeframes with no active data map to nil.
func (m *Manager) Candles(symbol string, tfs []string) map[string]*model.RealtimeCandle {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*model.RealtimeCandle, len(tfs))
	for _, tf := range tfs {
		if c, ok := m.cache[streamKey{symbol: symbol, tf: tf}]; ok {
			candle := c
			result[tf] = &candle
		} else {
			result[tf] = nil
		}
	}
	return result
}

type streamTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// run is the manager loop: the sole mutator of the task registry.
func (m *Manager) run() {
	defer close(m.loopDone)

	ctx, cancelAll := context.WithCancel(context.Background())
	defer cancelAll()

	tasks := make(map[streamKey]*streamTask)

	for cmd := range m.commands {
		switch cmd.kind {
		case cmdSubscribe:
			key := streamKey{symbol: cmd.symbol, tf: cmd.tf}
			if _, ok := tasks[key]; ok {
				continue
			}
			log.Printf("[realtime] subscribing %s %s", cmd.symbol, cmd.tf)

			taskCtx, cancel := context.WithCancel(ctx)
			task := &streamTask{cancel: cancel, done: make(chan struct{})}
			tasks[key] = task
			go m.runStream(taskCtx, key, task.done)

		case cmdUnsubscribe:
			key := streamKey{symbol: cmd.symbol, tf: cmd.tf}
			task, ok := tasks[key]
			if !ok {
				continue
			}
			log.Printf("[realtime] unsubscribing %s %s", cmd.symbol, cmd.tf)
			task.cancel()
			<-task.done
			delete(tasks, key)

		case cmdShutdown:
			log.Printf("[realtime] shutting down %d streams", len(tasks))
			cancelAll()
			for key, task := range tasks {
				<-task.done
				delete(tasks, key)
			}
			return
		}
	}
}

// runStream is one stream task's lifetime: socket and cache slot are
// acquired on start and released on return, whatever the exit path.
func (m *Manager) runStream(ctx context.Context, key streamKey, done chan<- struct{}) {
	defer close(done)
	defer m.evict(key)

	ticks := make(chan model.RealtimeCandle, 64)
	source := m.newStream(key.symbol, key.tf)

	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		source.Run(ctx, ticks)
	}()

	for {
		select {
		case <-ctx.Done():
			<-streamDone
			return
		case candle := <-ticks:
			if m.OnTick != nil {
				m.OnTick()
			}
			m.mu.Lock()
			m.cache[key] = candle
			m.mu.Unlock()

			m.broadcast.Publish(model.CandleUpdate{
				Symbol:    key.symbol,
				Timeframe: key.tf,
				Candle:    candle,
			})

			if candle.IsClosed {
				m.persistWG.Add(1)
				go m.persistClosed(key, candle)
			}
		}
	}
}

func (m *Manager) evict(key streamKey) {
	m.mu.Lock()
	delete(m.cache, key)
	m.mu.Unlock()
}

// persistClosed writes a closed tick into the symbol's store. The websocket
// tick does not carry quote or taker volumes, so those columns are zero.
// Insert-ignore keeps a re-delivered close from creating a duplicate.
func (m *Manager) persistClosed(key streamKey, c model.RealtimeCandle) {
	defer m.persistWG.Done()

	store, err := sqlite.Open(sqlite.PathFor(m.dbDir, key.symbol))
	if err != nil {
		log.Printf("[realtime] persist %s %s: open store: %v", key.symbol, key.tf, err)
		return
	}
	defer store.Close()

	interval := timeframe.Interval(key.tf)
	openTime := c.Time * 1000
	row := model.Candle{
		Provider:  m.provider,
		Symbol:    key.symbol,
		Timeframe: key.tf,
		OpenTime:  openTime,
		Open:      c.Open,
		High:      c.High,
		Low:       c.Low,
		Close:     c.Close,
		Volume:    c.Volume,
		CloseTime: openTime + interval - 1,
	}

	if _, err := store.InsertBatch([]model.Candle{row}); err != nil {
		log.Printf("[realtime] persist %s %s: %v", key.symbol, key.tf, err)
		return
	}
	if m.OnPersist != nil {
		m.OnPersist()
	}
	log.Printf("[realtime] closed candle saved: %s %s @ %s",
		key.symbol, key.tf, timeframe.FormatMs(openTime))
}
