package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/driftmarkets/bookfeed/pkg/transport"
)

// ErrClosed is returned by Recv once the broadcaster has shut down and the
// subscription has drained everything it can still see.
var ErrClosed = errors.New("broadcaster closed")

// LaggedError reports that a subscriber fell behind the ring and lost
// Skipped summaries. The subscription remains usable: its cursor has been
// advanced to the oldest value still retained.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged, skipped %d summaries", e.Skipped)
}

// Broadcaster fans summaries out to any number of subscribers through a
// bounded ring. Send never blocks: when the ring is full the oldest
// undelivered summary is overwritten and slow subscribers observe the loss
// as a LaggedError on their next Recv. Fast subscribers are unaffected.
type Broadcaster struct {
	mu     sync.Mutex
	ring   []transport.Summary
	head   uint64 // sequence of the next value to be written
	closed bool
	notify chan struct{} // closed and replaced on every Send
}

func New(capacity int) *Broadcaster {
	if capacity < 1 {
		capacity = 1
	}
	return &Broadcaster{
		ring:   make([]transport.Summary, capacity),
		notify: make(chan struct{}),
	}
}

// Send publishes a summary to all current subscribers. It never blocks and
// is a no-op after Close.
func (b *Broadcaster) Send(s transport.Summary) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.ring[b.head%uint64(len(b.ring))] = s
	b.head++
	close(b.notify)
	b.notify = make(chan struct{})
}

// Subscribe registers a new subscriber. The subscription only sees
// summaries sent after this call; there is no replay of the current book.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Subscription{b: b, cursor: b.head}
}

// Close wakes every blocked subscriber; subsequent Recv calls drain the
// retained tail and then return ErrClosed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

// Subscription is one subscriber's read cursor into the ring.
type Subscription struct {
	b      *Broadcaster
	cursor uint64
}

// Recv returns the next summary, blocking until one is available, the
// context is cancelled, or the broadcaster closes. If the producer has
// overwritten values this subscriber had not read yet, Recv returns a
// LaggedError and skips to the oldest retained value.
func (s *Subscription) Recv(ctx context.Context) (transport.Summary, error) {
	b := s.b
	b.mu.Lock()
	for {
		if s.cursor < b.head {
			oldest := uint64(0)
			if b.head > uint64(len(b.ring)) {
				oldest = b.head - uint64(len(b.ring))
			}
			if s.cursor < oldest {
				skipped := oldest - s.cursor
				s.cursor = oldest
				b.mu.Unlock()
				return transport.Summary{}, &LaggedError{Skipped: skipped}
			}
			v := b.ring[s.cursor%uint64(len(b.ring))]
			s.cursor++
			b.mu.Unlock()
			return v, nil
		}
		if b.closed {
			b.mu.Unlock()
			return transport.Summary{}, ErrClosed
		}
		notify := b.notify
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return transport.Summary{}, ctx.Err()
		case <-notify:
		}
		b.mu.Lock()
	}
}
