// Package output defines the configuration model for QueueDrain outputs.
//
// An output is a configured sink that drains messages from a queue and
// forwards them to an external destination. The store owns Config values;
// the supervisor and workers receive copies.
package output

import (
	"fmt"
	"strings"
	"time"
)

// Type identifies the kind of sink an output delivers to.
type Type string

const (
	// TypeHTTP posts message batches to a webhook URL.
	TypeHTTP Type = "http"

	// TypeFile appends messages to a local file as NDJSON.
	TypeFile Type = "file"
)

// String returns the string representation of the Type.
func (t Type) String() string {
	return string(t)
}

// Config describes one output.
type Config struct {
	ID      string            `json:"id" yaml:"id"`
	Queue   string            `json:"queue" yaml:"queue"`
	Enabled bool              `json:"enabled" yaml:"enabled"`
	Type    Type              `json:"type" yaml:"type"`
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Filter  string            `json:"filter,omitempty" yaml:"filter,omitempty"`
	Params  map[string]string `json:"params,omitempty" yaml:"params,omitempty"`

	// Cursor is the sequence of the last message delivered to the sink.
	// Workers advance it as they drain the queue.
	Cursor int64 `json:"cursor" yaml:"-"`

	// UpdatedBy is the origin id of the actor that last mutated this
	// config. Workers stamp their own origin id when persisting cursor
	// movements so they can recognise the echoed change event.
	UpdatedBy string `json:"updated_by,omitempty" yaml:"-"`

	// Version is incremented by the store on every update.
	Version   int64     `json:"version" yaml:"-"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Validate checks that the config is complete enough to build a worker.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("output: id is required")
	}
	if strings.TrimSpace(c.Queue) == "" {
		return fmt.Errorf("output %q: queue is required", c.ID)
	}
	switch c.Type {
	case TypeHTTP:
		if strings.TrimSpace(c.URL) == "" {
			return fmt.Errorf("output %q: url is required for http outputs", c.ID)
		}
	case TypeFile:
		if strings.TrimSpace(c.Params["path"]) == "" {
			return fmt.Errorf("output %q: params.path is required for file outputs", c.ID)
		}
	default:
		return fmt.Errorf("output %q: unsupported type %q", c.ID, c.Type)
	}
	return nil
}

// Clone returns a copy of the config with its own Params map.
func (c Config) Clone() Config {
	out := c
	if c.Params != nil {
		out.Params = make(map[string]string, len(c.Params))
		for k, v := range c.Params {
			out.Params[k] = v
		}
	}
	return out
}

// MaterialChange reports whether two revisions of a config differ in a way
// that requires rebuilding the delivery loop, as opposed to bookkeeping
// fields such as the cursor or timestamps.
func MaterialChange(a, b Config) bool {
	if a.Queue != b.Queue || a.Type != b.Type || a.URL != b.URL ||
		a.Filter != b.Filter || a.Enabled != b.Enabled {
		return true
	}
	if len(a.Params) != len(b.Params) {
		return true
	}
	for k, v := range a.Params {
		if b.Params[k] != v {
			return true
		}
	}
	return false
}
