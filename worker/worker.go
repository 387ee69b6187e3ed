// Package worker runs the consume-and-deliver loop for a single output.
package worker

import (
	"context"

	"github.com/queuedrain/queuedrain/output"
)

// Worker is one output's long-running execution unit. The supervisor owns
// exactly one Worker per enabled output and runs it on a dedicated
// goroutine.
type Worker interface {
	// Run executes the delivery loop until Stop is called, the context
	// is cancelled, or a fatal error occurs. It is called at most once
	// per Worker instance.
	Run(ctx context.Context) error

	// NotifyConfigChanged delivers a new revision of the output's
	// configuration. The worker decides whether the change warrants an
	// internal restart; changes originating from the worker itself are
	// ignored.
	NotifyConfigChanged(cfg output.Config)

	// Stop requests that the run loop end. Idempotent and non-blocking;
	// the loop may take time to observe it.
	Stop()
}

// Factory builds workers for the supervisor.
type Factory interface {
	New(cfg output.Config) (Worker, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(cfg output.Config) (Worker, error)

// New calls f.
func (f FactoryFunc) New(cfg output.Config) (Worker, error) {
	return f(cfg)
}
