package output

import "time"

// EventKind identifies the type of event published on the bus.
type EventKind string

const (
	// EventCreated is published when an output config is created.
	EventCreated EventKind = "output.created"

	// EventUpdated is published when an output config is updated.
	EventUpdated EventKind = "output.updated"

	// EventDeleted is published when an output config is deleted.
	EventDeleted EventKind = "output.deleted"

	// EventWorkerStarted is published when the supervisor schedules a
	// worker for execution.
	EventWorkerStarted EventKind = "worker.started"

	// EventWorkerStopped is published when a worker's run loop ends
	// without error.
	EventWorkerStopped EventKind = "worker.stopped"

	// EventWorkerFailed is published when a worker's run loop ends with
	// an error or panic.
	EventWorkerFailed EventKind = "worker.failed"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// IsChange reports whether the kind is a configuration-change event, as
// opposed to a worker lifecycle transition.
func (k EventKind) IsChange() bool {
	return k == EventCreated || k == EventUpdated || k == EventDeleted
}

// Event is a record of a configuration change or worker lifecycle
// transition for one output. Delivery is in-process, best-effort, and not
// ordered across different output ids; handlers must be idempotent.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// OutputID is the affected output.
	OutputID string

	// Config carries the affected configuration. Nil for deletions and
	// worker lifecycle events.
	Config *Config

	// Origin identifies the actor that caused a change event. Workers
	// use it to recognise their own store mutations echoed back at them.
	Origin string

	// Error holds the failure message for worker.failed events.
	Error string

	// Uptime is how long the worker ran, for worker.stopped and
	// worker.failed events.
	Uptime time.Duration

	// Time is when the event occurred.
	Time time.Time
}

// NewEvent creates an event with the current timestamp.
func NewEvent(kind EventKind, outputID string) Event {
	return Event{
		Kind:     kind,
		OutputID: outputID,
		Time:     time.Now(),
	}
}
