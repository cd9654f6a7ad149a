package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"candlestream/internal/model"

	"github.com/gorilla/websocket"
)

const (
	streamBaseURL  = "wss://stream.binance.com:9443/ws"
	reconnectDelay = 5 * time.Second
)

// klineEvent is the wire shape of a Binance kline stream message. Every
// key the exchange sends is modeled: Go's JSON decoder matches tags
// case-insensitively when no exact tag exists, so leaving out "E" (event
// time) or "T"/"L"/"V"/"Q" inside "k" would collide with the lowercase
// fields and fail or corrupt the decode.
type klineEvent struct {
	EventType string    `json:"e"`
	EventTime int64     `json:"E"`
	Symbol    string    `json:"s"`
	Kline     klineData `json:"k"`
}

type klineData struct {
	StartTime    int64  `json:"t"`
	CloseTime    int64  `json:"T"`
	Symbol       string `json:"s"`
	Interval     string `json:"i"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"L"`
	Open         string `json:"o"`
	Close        string `json:"c"`
	High         string `json:"h"`
	Low          string `json:"l"`
	Volume       string `json:"v"`
	TradeNum     int64  `json:"n"`
	IsClosed     bool   `json:"x"`
	QuoteVolume  string `json:"q"`
	TakerVolume  string `json:"V"`
	TakerQuote   string `json:"Q"`
}

// KlineStreamer maintains one websocket connection to a
// {symbol_lower}@kline_{interval} stream and decodes ticks into
// RealtimeCandles. The stream is infinite: any transport failure is
// followed by a fixed-backoff reconnect until the context is cancelled.
type KlineStreamer struct {
	Symbol    string
	Timeframe string
	url       string
}

// NewKlineStreamer builds a streamer for one (symbol, timeframe).
func NewKlineStreamer(symbol, tf string) *KlineStreamer {
	return &KlineStreamer{
		Symbol:    symbol,
		Timeframe: tf,
		url:       fmt.Sprintf("%s/%s@kline_%s", streamBaseURL, strings.ToLower(symbol), tf),
	}
}

// Run connects and pushes every decoded tick to out. Blocks until ctx is
// cancelled; the connection is closed before returning so no socket leaks.
func (s *KlineStreamer) Run(ctx context.Context, out chan<- model.RealtimeCandle) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			log.Printf("[stream] %s %s dial failed: %v, reconnecting in %v",
				s.Symbol, s.Timeframe, err, reconnectDelay)
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}

		s.readLoop(ctx, conn, out)
		conn.Close()

		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}

// readLoop pumps one connection until it fails or ctx is cancelled.
func (s *KlineStreamer) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- model.RealtimeCandle) {
	// Unblock ReadMessage on cancellation by closing the socket.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[stream] %s %s read error: %v", s.Symbol, s.Timeframe, err)
			}
			return
		}

		var event klineEvent
		if err := json.Unmarshal(msg, &event); err != nil {
			log.Printf("[stream] %s %s decode error: %v", s.Symbol, s.Timeframe, err)
			continue
		}
		if event.EventType != "kline" {
			continue
		}

		candle := model.RealtimeCandle{
			Time:     event.Kline.StartTime / 1000, // ms -> s
			Open:     parseFloat(event.Kline.Open),
			High:     parseFloat(event.Kline.High),
			Low:      parseFloat(event.Kline.Low),
			Close:    parseFloat(event.Kline.Close),
			Volume:   parseFloat(event.Kline.Volume),
			IsClosed: event.Kline.IsClosed,
		}

		select {
		case out <- candle:
		case <-ctx.Done():
			return
		}
	}
}

// sleepCtx sleeps for d unless ctx is cancelled first. Returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
