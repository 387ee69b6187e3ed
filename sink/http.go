package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/queuedrain/queuedrain/queue"
)

const defaultHTTPTimeout = 10 * time.Second

// HTTPConfig configures an HTTP webhook sink.
type HTTPConfig struct {
	// URL is the webhook endpoint messages are posted to.
	URL string

	// Timeout bounds each delivery request (default 10s).
	Timeout time.Duration

	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// HTTPSink posts message batches to a webhook URL as a JSON array.
type HTTPSink struct {
	url    string
	client *http.Client
}

// NewHTTP creates an HTTP webhook sink.
func NewHTTP(cfg HTTPConfig) (*HTTPSink, error) {
	clean := strings.TrimSpace(cfg.URL)
	if clean == "" {
		return nil, fmt.Errorf("sink: webhook url is required")
	}
	parsed, err := url.Parse(clean)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("sink: invalid webhook url %q", cfg.URL)
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPSink{url: clean, client: client}, nil
}

// Deliver posts the batch as a JSON array of messages.
func (s *HTTPSink) Deliver(ctx context.Context, msgs []queue.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	body, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("sink: marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sink: post to %s: %w", s.url, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sink: webhook %s returned %s", s.url, resp.Status)
	}
	return nil
}

// Close releases idle connections.
func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// Compile-time interface check.
var _ Sink = (*HTTPSink)(nil)
