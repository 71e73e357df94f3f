// Package events fans run lifecycle events out to live stream subscribers.
package events

import (
	"log/slog"
	"sync"

	"github.com/user/gossipmill/internal/types"
)

const defaultBufferSize = 64

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize overrides the per-subscriber channel capacity.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithLogger sets the logger used for disconnect diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// Bus is an in-memory broadcast of events. Nothing is persisted or replayed:
// a subscriber only sees events published while it is connected.
//
// Publish fans out synchronously under a single lock, so every subscriber
// receives one publisher's events in the order they were published. Sends
// never block: a subscriber whose buffer is full is disconnected.
type Bus struct {
	mu         sync.Mutex
	subs       map[uint64]*Subscription
	nextID     uint64
	bufferSize int
	closed     bool
	logger     *slog.Logger
}

// Subscription is one live consumer of the bus.
type Subscription struct {
	// Events is closed when the subscription ends, either through Close or
	// because the subscriber fell behind.
	Events <-chan types.Event

	id  uint64
	ch  chan types.Event
	bus *Bus
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[uint64]*Subscription),
		bufferSize: defaultBufferSize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new consumer. The caller must Close it when done.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	ch := make(chan types.Event, b.bufferSize)
	sub := &Subscription{Events: ch, id: b.nextID, ch: ch, bus: b}
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.removeLocked(s.id)
}

// Publish delivers e to every connected subscriber.
func (b *Bus) Publish(e types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for id, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			b.logger.Warn("disconnecting slow stream subscriber",
				"subscriber", id,
				"event_type", string(e.Type),
				"run_id", string(e.RunID),
			)
			b.removeLocked(id)
		}
	}
}

// SubscriberCount returns the number of connected subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close disconnects all subscribers. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id := range b.subs {
		b.removeLocked(id)
	}
}

// removeLocked closes and forgets a subscriber. Caller must hold b.mu.
func (b *Bus) removeLocked(id uint64) {
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

var _ types.Publisher = (*Bus)(nil)
