// Package store persists output configurations and, through the publishing
// wrapper, notifies the rest of the process when they change.
package store

import (
	"context"
	"errors"

	"github.com/queuedrain/queuedrain/output"
)

var (
	// ErrOutputExists is returned by Create when the id is already taken.
	ErrOutputExists = errors.New("output already exists")

	// ErrOutputNotFound is returned by Update and Delete for unknown ids.
	ErrOutputNotFound = errors.New("output not found")
)

// OutputStore holds output configurations. Implementations must be safe for
// concurrent use.
type OutputStore interface {
	// List returns every stored configuration in deterministic id order.
	List(ctx context.Context) ([]output.Config, error)

	// Get returns one configuration by id.
	Get(ctx context.Context, id string) (output.Config, bool, error)

	// Create stores a new configuration and returns the stored copy with
	// version and timestamps assigned.
	Create(ctx context.Context, cfg output.Config) (output.Config, error)

	// Update replaces an existing configuration and returns the stored
	// copy with its version bumped.
	Update(ctx context.Context, cfg output.Config) (output.Config, error)

	// Delete removes a configuration by id.
	Delete(ctx context.Context, id string) error

	// Close releases store resources.
	Close() error
}
