// Package bus provides in-process event distribution for QueueDrain. The
// store publishes configuration changes and the supervisor publishes worker
// lifecycle transitions; subscribers consume them without coupling to a
// broker.
//
// The two consumer classes get their own subscription shapes: the
// supervisor reconciles on configuration changes only, while observability
// consumers want every event including lifecycle transitions.
package bus

import "github.com/queuedrain/queuedrain/output"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to every subscriber whose filter accepts it.
	Publish(event output.Event)

	// SubscribeChanges registers a subscriber that receives only
	// configuration-change events (output.created/updated/deleted).
	// Returns a Subscription that must be closed when done.
	SubscribeChanges() Subscription

	// SubscribeAll registers a subscriber that receives every event,
	// worker lifecycle transitions included. Returns a Subscription that
	// must be closed when done.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	// The channel is closed when the subscription or bus is closed.
	Events() <-chan output.Event

	// Close unsubscribes and releases resources.
	Close() error
}
