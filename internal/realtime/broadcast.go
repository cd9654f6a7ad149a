package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"candlestream/internal/model"
)

// ErrLagged is returned by Subscriber.Recv when the consumer fell behind
// and updates were dropped. The consumer must resync from Manager.Candles.
var ErrLagged = errors.New("realtime: subscriber lagged, updates dropped")

// ErrClosed is returned once the broadcast or the subscription is closed.
var ErrClosed = errors.New("realtime: broadcast closed")

const subscriberBuffer = 1000

// Broadcast fans CandleUpdates out to any number of subscribers. Publishing
// never blocks: a subscriber whose buffer is full has the update dropped
// and is flagged as lagged instead. Slow consumers can never stall the
// stream tasks feeding the broadcast.
type Broadcast struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	closed bool

	// OnDrop, when set, is called once per dropped update. Set before the
	// first Publish.
	OnDrop func()
}

// Subscriber is one consumer's bounded view of the broadcast.
type Subscriber struct {
	b      *Broadcast
	ch     chan model.CandleUpdate
	lagged atomic.Bool
	closed atomic.Bool
}

// NewBroadcast creates an empty broadcast.
func NewBroadcast() *Broadcast {
	return &Broadcast{subs: make(map[*Subscriber]struct{})}
}

// Subscribe registers a new consumer with a bounded buffer.
func (b *Broadcast) Subscribe() *Subscriber {
	s := &Subscriber{b: b, ch: make(chan model.CandleUpdate, subscriberBuffer)}
	b.mu.Lock()
	if b.closed {
		s.closed.Store(true)
	} else {
		b.subs[s] = struct{}{}
	}
	b.mu.Unlock()
	return s
}

// Publish delivers the update to every subscriber that has room. Per-key
// ordering is preserved for each subscriber because delivery happens on the
// publishing goroutine.
func (b *Broadcast) Publish(u model.CandleUpdate) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- u:
		default:
			s.lagged.Store(true)
			if b.OnDrop != nil {
				b.OnDrop()
			}
		}
	}
}

// Close detaches every subscriber. Subsequent Recv calls return ErrClosed
// after the buffered updates drain.
func (b *Broadcast) Close() {
	b.mu.Lock()
	b.closed = true
	for s := range b.subs {
		s.closed.Store(true)
		delete(b.subs, s)
	}
	b.mu.Unlock()
}

// Recv returns the next update. A lagged subscriber gets ErrLagged exactly
// once per lag episode, before any newer buffered updates, so it knows its
// view has a hole in it.
func (s *Subscriber) Recv(ctx context.Context) (model.CandleUpdate, error) {
	if s.lagged.Swap(false) {
		return model.CandleUpdate{}, ErrLagged
	}

	select {
	case u := <-s.ch:
		return u, nil
	default:
	}

	if s.closed.Load() {
		return model.CandleUpdate{}, ErrClosed
	}

	select {
	case u := <-s.ch:
		return u, nil
	case <-ctx.Done():
		return model.CandleUpdate{}, ctx.Err()
	}
}

// Close detaches the subscriber from the broadcast.
func (s *Subscriber) Close() {
	s.closed.Store(true)
	s.b.mu.Lock()
	delete(s.b.subs, s)
	s.b.mu.Unlock()
}
