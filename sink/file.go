package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/queuedrain/queuedrain/queue"
)

// FileSink appends messages to a local file as NDJSON, one message per line.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	path string
}

// NewFile creates (or opens for append) the file at path.
func NewFile(path string) (*FileSink, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return nil, fmt.Errorf("sink: file path is required")
	}
	f, err := os.OpenFile(clean, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: open %s: %w", clean, err)
	}
	return &FileSink{f: f, enc: json.NewEncoder(f), path: clean}, nil
}

// Deliver appends each message as one JSON line.
func (s *FileSink) Deliver(ctx context.Context, msgs []queue.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range msgs {
		if err := s.enc.Encode(m); err != nil {
			return fmt.Errorf("sink: append to %s: %w", s.path, err)
		}
	}
	return nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// Compile-time interface check.
var _ Sink = (*FileSink)(nil)
