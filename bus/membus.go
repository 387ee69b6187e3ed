package bus

import (
	"sync"

	"github.com/queuedrain/queuedrain/output"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory event bus. Each subscriber carries an event
// filter; publishing walks one subscriber list and applies each filter in
// turn. A closed subscription deregisters itself so the list only holds
// live consumers.
type MemBus struct {
	mu      sync.RWMutex
	subs    []*memSub
	bufSize int
	closed  bool
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{bufSize: bufSize}
}

// Publish sends an event to every subscriber whose filter accepts it.
// If the bus is closed, the event is silently dropped.
func (b *MemBus) Publish(event output.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.wants(event) {
			sub.send(event)
		}
	}
}

// SubscribeChanges registers a subscriber for configuration-change events
// only; worker lifecycle transitions are filtered out at the bus.
func (b *MemBus) SubscribeChanges() Subscription {
	return b.subscribe(func(e output.Event) bool { return e.Kind.IsChange() })
}

// SubscribeAll registers a subscriber that receives every event.
func (b *MemBus) SubscribeAll() Subscription {
	return b.subscribe(nil)
}

// subscribe registers a subscriber with the given filter. A nil filter
// accepts everything.
func (b *MemBus) subscribe(filter func(output.Event) bool) *memSub {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &memSub{
		bus:    b,
		ch:     make(chan output.Event, b.bufSize),
		filter: filter,
	}
	b.subs = append(b.subs, sub)
	return sub
}

// deregister drops the subscriber from the publish list. No-op when the
// subscriber is already gone.
func (b *MemBus) deregister(sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, cur := range b.subs {
		if cur == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.subs {
		sub.shutdown()
	}
	b.subs = nil
	return nil
}

// memSub is an in-memory subscription.
type memSub struct {
	bus    *MemBus
	ch     chan output.Event
	filter func(output.Event) bool

	mu     sync.Mutex
	closed bool
}

// wants reports whether the subscriber's filter accepts the event.
func (s *memSub) wants(event output.Event) bool {
	return s.filter == nil || s.filter(event)
}

// Events returns a channel of events for this subscription.
func (s *memSub) Events() <-chan output.Event {
	return s.ch
}

// Close deregisters the subscription and closes its channel.
func (s *memSub) Close() error {
	s.bus.deregister(s)
	s.shutdown()
	return nil
}

// shutdown closes the channel, guarded against double-close.
func (s *memSub) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers an event to the subscription's channel. A slow subscriber
// loses the event rather than stalling the publisher.
func (s *memSub) send(event output.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
	}
}

// Compile-time interface checks.
var _ EventBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
