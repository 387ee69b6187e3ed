// Package supervisor keeps one running worker per enabled output and keeps
// that worker set reconciled with the output store.
//
// The supervisor owns the id-to-worker registry. It enumerates the store once
// at startup, then reacts to change events from the bus: created/updated
// configs are reconciled, deleted configs tear their worker down. Every
// registry decision runs under one mutex so a concurrent delete event and
// a worker's own exit can never observe stale state. Each worker runs on a
// dedicated goroutine whose wrapper recovers panics and always removes the
// registry entry when the run loop ends, whichever way it ends.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/queuedrain/queuedrain/bus"
	"github.com/queuedrain/queuedrain/output"
	"github.com/queuedrain/queuedrain/store"
	"github.com/queuedrain/queuedrain/worker"
)

// Config configures a Supervisor.
type Config struct {
	Store   store.OutputStore
	Bus     bus.EventBus
	Factory worker.Factory
	Logger  *slog.Logger

	// Resync is an optional UTC cron expression (standard five fields).
	// Each tick re-enumerates the store and reconciles every output,
	// converging the worker set after missed or reordered events.
	Resync string
}

// Supervisor reconciles the set of running workers with the output store.
type Supervisor struct {
	store    store.OutputStore
	bus      bus.EventBus
	factory  worker.Factory
	logger   *slog.Logger
	schedule cron.Schedule

	runCtx context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*handle
	started bool
	closed  bool

	sub        bus.Subscription
	loopDone   chan struct{}
	resyncDone chan struct{}
}

// handle pairs a worker with the identity of its registry entry, so an
// exiting worker can only remove itself, never a successor under the same
// output id.
type handle struct {
	id     string
	worker worker.Worker
	since  time.Time
}

// WorkerStatus describes one live registry entry.
type WorkerStatus struct {
	OutputID string    `json:"output_id"`
	Since    time.Time `json:"since"`
}

// New creates a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Store == nil {
		return nil, errors.New("supervisor: store is nil")
	}
	if cfg.Bus == nil {
		return nil, errors.New("supervisor: bus is nil")
	}
	if cfg.Factory == nil {
		return nil, errors.New("supervisor: worker factory is nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var schedule cron.Schedule
	if cfg.Resync != "" {
		var err error
		schedule, err = ParseResync(cfg.Resync)
		if err != nil {
			return nil, err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		store:    cfg.Store,
		bus:      cfg.Bus,
		factory:  cfg.Factory,
		logger:   cfg.Logger,
		schedule: schedule,
		runCtx:   runCtx,
		cancel:   cancel,
		workers:  make(map[string]*handle),
	}, nil
}

// Start subscribes to configuration changes, reconciles every stored
// output once, and begins processing events. An enumeration failure is
// fatal: the subscription is torn down and the error returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("supervisor: closed")
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	// Subscribe before enumerating so no change slips between the two;
	// a change seen by both paths degrades to an idempotent notify.
	sub := s.bus.SubscribeChanges()

	configs, err := s.store.List(ctx)
	if err != nil {
		_ = sub.Close()
		return fmt.Errorf("supervisor: enumerate outputs: %w", err)
	}

	for _, cfg := range configs {
		s.reconcile(cfg)
	}

	s.mu.Lock()
	s.sub = sub
	s.loopDone = make(chan struct{})
	if s.schedule != nil {
		s.resyncDone = make(chan struct{})
	}
	resyncDone := s.resyncDone
	s.mu.Unlock()

	go s.eventLoop(sub)
	if resyncDone != nil {
		go s.resyncLoop(resyncDone)
	}
	return nil
}

func (s *Supervisor) eventLoop(sub bus.Subscription) {
	defer close(s.loopDone)
	for ev := range sub.Events() {
		if !ev.Kind.IsChange() {
			// The subscription filters changes already; guard anyway so
			// an all-events subscription cannot feed lifecycle events
			// (our own publications) back into reconciliation.
			continue
		}
		if ev.Kind == output.EventDeleted {
			s.remove(ev.OutputID)
			continue
		}
		if ev.Config != nil {
			s.reconcile(*ev.Config)
		}
	}
}

// reconcile aligns the registry with one output configuration. Safe to
// call with duplicate or out-of-order revisions.
func (s *Supervisor) reconcile(cfg output.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if h, ok := s.workers[cfg.ID]; ok {
		// The worker decides whether this change warrants a restart;
		// it also recognises its own store writes echoed back here.
		h.worker.NotifyConfigChanged(cfg)
		return
	}

	if !cfg.Enabled {
		return
	}

	w, err := s.factory.New(cfg)
	if err != nil {
		s.logger.Error("build output worker", "output_id", cfg.ID, "error", err)
		return
	}

	h := &handle{id: cfg.ID, worker: w, since: time.Now()}
	s.workers[cfg.ID] = h
	// One dedicated goroutine per worker; execution begins immediately,
	// never queued behind other workers.
	go s.runWorker(h)
}

// remove handles a deletion event: drop the registry entry if present and
// ask that worker to stop. Unknown ids are a no-op.
func (s *Supervisor) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.workers[id]
	if !ok {
		return
	}
	delete(s.workers, id)
	h.worker.Stop()
}

// runWorker is the execution wrapper for one worker goroutine. It owns the
// exit notification: the registry entry is removed when Run returns, no
// matter how it returns, and a panic is contained here.
func (s *Supervisor) runWorker(h *handle) {
	s.logger.Info("output worker started", "output_id", h.id)
	s.publish(output.Event{Kind: output.EventWorkerStarted, OutputID: h.id, Time: time.Now()})

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("worker panic: %v", r)
			}
		}()
		runErr = h.worker.Run(s.runCtx)
	}()

	uptime := time.Since(h.since)
	if runErr != nil {
		s.logger.Error("output worker failed", "output_id", h.id, "uptime", uptime, "error", runErr)
		s.publish(output.Event{
			Kind:     output.EventWorkerFailed,
			OutputID: h.id,
			Error:    runErr.Error(),
			Uptime:   uptime,
			Time:     time.Now(),
		})
	} else {
		s.logger.Info("output worker stopped", "output_id", h.id, "uptime", uptime)
		s.publish(output.Event{
			Kind:     output.EventWorkerStopped,
			OutputID: h.id,
			Uptime:   uptime,
			Time:     time.Now(),
		})
	}

	s.mu.Lock()
	if cur, ok := s.workers[h.id]; ok && cur == h {
		delete(s.workers, h.id)
	}
	s.mu.Unlock()
}

func (s *Supervisor) publish(ev output.Event) {
	s.bus.Publish(ev)
}

// Workers returns the live registry entries, sorted by output id.
func (s *Supervisor) Workers() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WorkerStatus, 0, len(s.workers))
	for _, h := range s.workers {
		out = append(out, WorkerStatus{OutputID: h.id, Since: h.since})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OutputID < out[j].OutputID })
	return out
}

// WorkerIDs returns the output ids with a live registry entry, sorted.
func (s *Supervisor) WorkerIDs() []string {
	statuses := s.Workers()
	ids := make([]string, 0, len(statuses))
	for _, st := range statuses {
		ids = append(ids, st.OutputID)
	}
	return ids
}

// Close stops event processing, stops every registered worker without
// waiting for graceful completion, and interrupts any still-running worker
// goroutines. Idempotent.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sub := s.sub
	loopDone := s.loopDone
	resyncDone := s.resyncDone
	s.mu.Unlock()

	// Tear down the subscription first so no further reconcile runs.
	if sub != nil {
		_ = sub.Close()
	}
	if loopDone != nil {
		<-loopDone
	}

	s.mu.Lock()
	handles := make([]*handle, 0, len(s.workers))
	for _, h := range s.workers {
		handles = append(handles, h)
	}
	s.workers = make(map[string]*handle)
	s.mu.Unlock()

	for _, h := range handles {
		h.worker.Stop()
	}

	// Interrupt in-flight workers; shutdown does not wait for a
	// cooperative stop to complete.
	s.cancel()

	if resyncDone != nil {
		<-resyncDone
	}
	return nil
}
