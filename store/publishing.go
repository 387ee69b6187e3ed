package store

import (
	"context"
	"time"

	"github.com/queuedrain/queuedrain/bus"
	"github.com/queuedrain/queuedrain/output"
)

// PublishingStore wraps an OutputStore and publishes the corresponding
// change event on the bus after each successful mutation. It is the
// change-notification transport between whoever mutates configuration
// (API handlers, startup seeding, workers persisting cursors) and the
// supervisor.
type PublishingStore struct {
	inner OutputStore
	bus   bus.EventBus
}

// NewPublishingStore wraps inner so that mutations are announced on eb.
func NewPublishingStore(inner OutputStore, eb bus.EventBus) *PublishingStore {
	return &PublishingStore{inner: inner, bus: eb}
}

// List delegates to the wrapped store.
func (s *PublishingStore) List(ctx context.Context) ([]output.Config, error) {
	return s.inner.List(ctx)
}

// Get delegates to the wrapped store.
func (s *PublishingStore) Get(ctx context.Context, id string) (output.Config, bool, error) {
	return s.inner.Get(ctx, id)
}

// Create stores the configuration and publishes an output.created event.
func (s *PublishingStore) Create(ctx context.Context, cfg output.Config) (output.Config, error) {
	stored, err := s.inner.Create(ctx, cfg)
	if err != nil {
		return output.Config{}, err
	}
	s.publishChange(output.EventCreated, stored)
	return stored, nil
}

// Update stores the configuration and publishes an output.updated event.
func (s *PublishingStore) Update(ctx context.Context, cfg output.Config) (output.Config, error) {
	stored, err := s.inner.Update(ctx, cfg)
	if err != nil {
		return output.Config{}, err
	}
	s.publishChange(output.EventUpdated, stored)
	return stored, nil
}

// Delete removes the configuration and publishes an output.deleted event.
func (s *PublishingStore) Delete(ctx context.Context, id string) error {
	if err := s.inner.Delete(ctx, id); err != nil {
		return err
	}
	s.bus.Publish(output.Event{
		Kind:     output.EventDeleted,
		OutputID: id,
		Time:     time.Now(),
	})
	return nil
}

// Close closes the wrapped store. The bus is owned by the caller.
func (s *PublishingStore) Close() error {
	return s.inner.Close()
}

func (s *PublishingStore) publishChange(kind output.EventKind, stored output.Config) {
	cfg := stored.Clone()
	s.bus.Publish(output.Event{
		Kind:     kind,
		OutputID: cfg.ID,
		Config:   &cfg,
		Origin:   cfg.UpdatedBy,
		Time:     time.Now(),
	})
}

// Compile-time interface check.
var _ OutputStore = (*PublishingStore)(nil)
