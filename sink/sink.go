// Package sink implements the delivery targets that outputs forward
// messages to.
package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/queuedrain/queuedrain/output"
	"github.com/queuedrain/queuedrain/queue"
)

// Sink receives batches of messages drained from a queue.
type Sink interface {
	// Deliver forwards a batch. The slice must not be retained after
	// Deliver returns.
	Deliver(ctx context.Context, msgs []queue.Message) error

	// Close releases sink resources.
	Close() error
}

// New builds a sink for the given output configuration.
func New(cfg output.Config) (Sink, error) {
	switch cfg.Type {
	case output.TypeHTTP:
		timeout, err := paramDuration(cfg.Params, "timeout")
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", cfg.ID, err)
		}
		return NewHTTP(HTTPConfig{URL: cfg.URL, Timeout: timeout})
	case output.TypeFile:
		return NewFile(cfg.Params["path"])
	default:
		return nil, fmt.Errorf("sink: unsupported output type %q", cfg.Type)
	}
}

func paramDuration(params map[string]string, key string) (time.Duration, error) {
	raw, ok := params[key]
	if !ok || raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
