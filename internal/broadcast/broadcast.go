// Package broadcast fans process output out to live viewers.
//
// Delivery is best-effort: a subscriber only sees chunks published after it
// subscribed, and a subscriber that falls behind loses its oldest queued
// chunks instead of blocking the publisher.
package broadcast

import (
	"sync"
	"sync/atomic"
)

// DefaultQueue is the per-subscriber queue depth.
const DefaultQueue = 16

type Broadcaster struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	count  atomic.Int32
	queue  int
	closed bool
}

// New returns a broadcaster with the given per-subscriber queue depth;
// queue <= 0 selects DefaultQueue.
func New(queue int) *Broadcaster {
	if queue <= 0 {
		queue = DefaultQueue
	}
	return &Broadcaster{subs: make(map[*Subscription]struct{}), queue: queue}
}

// Subscription is one live receiver.
type Subscription struct {
	b    *Broadcaster
	ch   chan []byte
	once sync.Once
}

// C returns the channel chunks are delivered on. It is closed when the
// subscription or the broadcaster is closed.
func (s *Subscription) C() <-chan []byte { return s.ch }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	if _, ok := s.b.subs[s]; ok {
		delete(s.b.subs, s)
		s.b.count.Add(-1)
		s.closeChan()
	}
	s.b.mu.Unlock()
}

func (s *Subscription) closeChan() { s.once.Do(func() { close(s.ch) }) }

// Subscribe attaches a new receiver. Subscribing to a closed broadcaster
// returns a subscription whose channel is already closed.
func (b *Broadcaster) Subscribe() *Subscription {
	s := &Subscription{b: b, ch: make(chan []byte, b.queue)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closeChan()
		return s
	}
	b.subs[s] = struct{}{}
	b.count.Add(1)
	return s
}

// Subscribers reports the number of attached receivers.
func (b *Broadcaster) Subscribers() int { return int(b.count.Load()) }

// Publish delivers chunk to every current subscriber and returns how many
// received it. With no subscribers it returns immediately without copying.
func (b *Broadcaster) Publish(chunk []byte) int {
	if b.count.Load() == 0 || len(chunk) == 0 {
		return 0
	}
	msg := append([]byte(nil), chunk...)
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for s := range b.subs {
		for {
			select {
			case s.ch <- msg:
				n++
			default:
				// full: drop the oldest queued chunk and retry
				select {
				case <-s.ch:
				default:
				}
				continue
			}
			break
		}
	}
	return n
}

// Close detaches every subscriber and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		s.closeChan()
	}
	b.count.Store(0)
}
