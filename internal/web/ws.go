package web

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"candlestream/internal/model"
	"candlestream/internal/realtime"
	"candlestream/internal/timeframe"

	"github.com/gorilla/websocket"
)

const (
	// pingPeriod is the server heartbeat interval.
	pingPeriod = 5 * time.Second

	// idleTimeout disconnects a client that sends nothing (not even a
	// pong) for this long.
	idleTimeout = 10 * time.Second

	// writeWait bounds a single socket write.
	writeWait = 10 * time.Second

	// sessionSendBuffer is the per-session outbound frame queue.
	sessionSendBuffer = 256
)

// clientFrame is what the browser sends over /ws/realtime.
type clientFrame struct {
	Action     string   `json:"action"`
	Symbol     string   `json:"symbol"`
	Timeframes []string `json:"timeframes"`
}

type candleUpdateFrame struct {
	Type      string               `json:"type"`
	Symbol    string               `json:"symbol"`
	Timeframe string               `json:"timeframe"`
	Candle    model.RealtimeCandle `json:"candle"`
}

type subscribedFrame struct {
	Type       string   `json:"type"`
	Symbol     string   `json:"symbol"`
	Timeframes []string `json:"timeframes"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

var pongFrame = []byte(`{"type":"pong"}`)

type wsKey struct {
	symbol string
	tf     string
}

// wsSession is one connected /ws/realtime client. The writePump is the
// sole writer on the socket; readPump and the update forwarder enqueue
// frames on send.
type wsSession struct {
	srv  *Server
	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[wsKey]bool

	cancel context.CancelFunc
}

// handleWS upgrades the connection and runs the session until the client
// goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade: %v", err)
		return
	}

	if s.metrics != nil {
		s.metrics.WSSessions.Inc()
		defer s.metrics.WSSessions.Dec()
	}

	ctx, cancel := context.WithCancel(r.Context())
	sess := &wsSession{
		srv:    s,
		conn:   conn,
		send:   make(chan []byte, sessionSendBuffer),
		subs:   make(map[wsKey]bool),
		cancel: cancel,
	}

	go sess.writePump(ctx)
	go sess.forwardUpdates(ctx)
	sess.readPump()

	// Client is gone: stop the pumps and release this session's streams.
	cancel()
	sess.unsubscribeAll()
	conn.Close()
}

// readPump consumes client frames until the socket errors or idles out.
func (s *wsSession) readPump() {
	s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[ws] read: %v", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(idleTimeout))

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendError("malformed frame")
			continue
		}
		s.handleFrame(frame)
	}
}

func (s *wsSession) handleFrame(frame clientFrame) {
	switch frame.Action {
	case "ping":
		s.enqueue(pongFrame)

	case "subscribe":
		tfs, ok := s.validTimeframes(frame)
		if !ok {
			return
		}
		for _, tf := range tfs {
			s.srv.manager.Subscribe(frame.Symbol, tf)
			s.mu.Lock()
			s.subs[wsKey{symbol: frame.Symbol, tf: tf}] = true
			s.mu.Unlock()
		}
		s.enqueueJSON(subscribedFrame{Type: "subscribed", Symbol: frame.Symbol, Timeframes: tfs})

	case "unsubscribe":
		tfs, ok := s.validTimeframes(frame)
		if !ok {
			return
		}
		for _, tf := range tfs {
			key := wsKey{symbol: frame.Symbol, tf: tf}
			s.mu.Lock()
			delete(s.subs, key)
			s.mu.Unlock()
			s.srv.manager.Unsubscribe(frame.Symbol, tf)
		}

	default:
		s.sendError("unknown action: " + frame.Action)
	}
}

func (s *wsSession) validTimeframes(frame clientFrame) ([]string, bool) {
	if frame.Symbol == "" || len(frame.Timeframes) == 0 {
		s.sendError("symbol and timeframes are required")
		return nil, false
	}
	for _, tf := range frame.Timeframes {
		if !timeframe.Known(tf) {
			s.sendError("unknown timeframe: " + tf)
			return nil, false
		}
	}
	return frame.Timeframes, true
}

// forwardUpdates relays broadcast updates matching this session's
// subscription set. A lag notice tells the client to resync from
// GET /api/realtime/candles.
func (s *wsSession) forwardUpdates(ctx context.Context) {
	sub := s.srv.manager.SubscribeUpdates()
	defer sub.Close()

	for {
		u, err := sub.Recv(ctx)
		if err != nil {
			if errors.Is(err, realtime.ErrLagged) {
				log.Printf("[ws] session lagged, updates dropped")
				s.enqueueJSON(errorFrame{Type: "error", Message: "lagged: updates dropped, resync required"})
				continue
			}
			return
		}

		s.mu.Lock()
		subscribed := s.subs[wsKey{symbol: u.Symbol, tf: u.Timeframe}]
		s.mu.Unlock()
		if !subscribed {
			continue
		}

		s.enqueueJSON(candleUpdateFrame{
			Type:      "candle_update",
			Symbol:    u.Symbol,
			Timeframe: u.Timeframe,
			Candle:    u.Candle,
		})
	}
}

// writePump owns all socket writes: queued frames plus the heartbeat.
func (s *wsSession) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.cancel()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.cancel()
				return
			}
		}
	}
}

func (s *wsSession) unsubscribeAll() {
	s.mu.Lock()
	keys := make([]wsKey, 0, len(s.subs))
	for k := range s.subs {
		keys = append(keys, k)
	}
	s.subs = make(map[wsKey]bool)
	s.mu.Unlock()

	for _, k := range keys {
		s.srv.manager.Unsubscribe(k.symbol, k.tf)
	}
}

// enqueue drops the frame if the session's queue is full; the client will
// hear about it through the broadcast lag notice on the next cycle.
func (s *wsSession) enqueue(data []byte) {
	select {
	case s.send <- data:
	default:
	}
}

func (s *wsSession) enqueueJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[ws] marshal frame: %v", err)
		return
	}
	s.enqueue(data)
}

func (s *wsSession) sendError(msg string) {
	s.enqueueJSON(errorFrame{Type: "error", Message: msg})
}
