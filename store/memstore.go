package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/queuedrain/queuedrain/output"
)

// MemStore is an in-memory output store. It is the default when no database
// path is configured and the workhorse for tests.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]output.Config
	now   func() time.Time
}

// NewMemStore creates an empty in-memory output store.
func NewMemStore() *MemStore {
	return &MemStore{
		items: make(map[string]output.Config),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// List returns all configurations in deterministic id order.
func (s *MemStore) List(ctx context.Context) ([]output.Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]output.Config, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.items[id].Clone())
	}
	return out, nil
}

// Get returns one configuration by id.
func (s *MemStore) Get(ctx context.Context, id string) (output.Config, bool, error) {
	if err := ctx.Err(); err != nil {
		return output.Config{}, false, err
	}
	clean := strings.TrimSpace(id)

	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.items[clean]
	if !ok {
		return output.Config{}, false, nil
	}
	return cfg.Clone(), true, nil
}

// Create stores a new configuration.
func (s *MemStore) Create(ctx context.Context, cfg output.Config) (output.Config, error) {
	if err := ctx.Err(); err != nil {
		return output.Config{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[cfg.ID]; ok {
		return output.Config{}, ErrOutputExists
	}
	now := s.now()
	stored := cfg.Clone()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.items[cfg.ID] = stored
	return stored.Clone(), nil
}

// Update replaces an existing configuration and bumps its version.
func (s *MemStore) Update(ctx context.Context, cfg output.Config) (output.Config, error) {
	if err := ctx.Err(); err != nil {
		return output.Config{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.items[cfg.ID]
	if !ok {
		return output.Config{}, ErrOutputNotFound
	}
	stored := cfg.Clone()
	stored.Version = prev.Version + 1
	stored.CreatedAt = prev.CreatedAt
	stored.UpdatedAt = s.now()
	s.items[cfg.ID] = stored
	return stored.Clone(), nil
}

// Delete removes a configuration by id.
func (s *MemStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return ErrOutputNotFound
	}
	delete(s.items, id)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemStore) Close() error {
	return nil
}

// Compile-time interface check.
var _ OutputStore = (*MemStore)(nil)
