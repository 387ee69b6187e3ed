package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/queuedrain/queuedrain/filter"
	"github.com/queuedrain/queuedrain/output"
	"github.com/queuedrain/queuedrain/queue"
	"github.com/queuedrain/queuedrain/sink"
	"github.com/queuedrain/queuedrain/store"
)

const (
	defaultBatchSize    = 64
	defaultPollInterval = 250 * time.Millisecond
)

// QueueWorkerConfig configures a QueueWorker.
type QueueWorkerConfig struct {
	Output output.Config
	Queues *queue.Registry
	Store  store.OutputStore

	// Sinks overrides sink construction, mainly for tests (default: sink.New).
	Sinks func(output.Config) (sink.Sink, error)

	// BatchSize bounds each queue read (default 64).
	BatchSize int

	// PollInterval bounds how long a queue read blocks before the loop
	// re-checks for stop and config-change signals (default 250ms).
	PollInterval time.Duration

	Logger *slog.Logger
}

// QueueWorker drains one queue into one sink on behalf of an output.
//
// The loop reads batches after the output's cursor, drops messages the
// output's filter rejects, delivers the rest, then persists the advanced
// cursor back to the store stamped with the worker's origin id. The store
// echoes that mutation back as an update event; the origin stamp is how
// the worker recognises and ignores its own echo.
type QueueWorker struct {
	origin  string
	queues  *queue.Registry
	store   store.OutputStore
	newSink func(output.Config) (sink.Sink, error)
	batch   int
	poll    time.Duration
	logger  *slog.Logger

	mu  sync.Mutex
	cfg output.Config

	stopOnce sync.Once
	stopCh   chan struct{}
	notifyCh chan output.Config // capacity 1, latest revision wins
}

// NewQueueWorker creates a worker for the given output.
func NewQueueWorker(cfg QueueWorkerConfig) (*QueueWorker, error) {
	if err := cfg.Output.Validate(); err != nil {
		return nil, err
	}
	if cfg.Queues == nil {
		return nil, errors.New("worker: queue registry is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("worker: output store is nil")
	}
	if cfg.Sinks == nil {
		cfg.Sinks = sink.New
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &QueueWorker{
		origin:   uuid.NewString(),
		queues:   cfg.Queues,
		store:    cfg.Store,
		newSink:  cfg.Sinks,
		batch:    cfg.BatchSize,
		poll:     cfg.PollInterval,
		logger:   cfg.Logger,
		cfg:      cfg.Output.Clone(),
		stopCh:   make(chan struct{}),
		notifyCh: make(chan output.Config, 1),
	}, nil
}

// Origin returns the worker's origin id. Store mutations made by this
// worker carry it in UpdatedBy.
func (w *QueueWorker) Origin() string {
	return w.origin
}

// NotifyConfigChanged hands a new config revision to the run loop.
// Revisions originating from this worker are ignored; when revisions
// arrive faster than the loop consumes them, only the latest is kept.
func (w *QueueWorker) NotifyConfigChanged(cfg output.Config) {
	if cfg.UpdatedBy == w.origin {
		return
	}
	for {
		select {
		case w.notifyCh <- cfg.Clone():
			return
		default:
		}
		select {
		case <-w.notifyCh:
		default:
		}
	}
}

// Stop requests that the run loop end. Idempotent.
func (w *QueueWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Run executes the delivery loop, restarting internally when a material
// config change arrives. It returns nil on cooperative stop or context
// cancellation and an error on delivery failure.
func (w *QueueWorker) Run(ctx context.Context) error {
	for {
		restart, err := w.runOnce(ctx)
		if err != nil || !restart {
			return err
		}
		w.logger.Info("output worker restarting", "output_id", w.snapshot().ID)
	}
}

func (w *QueueWorker) runOnce(ctx context.Context) (restart bool, err error) {
	cfg := w.snapshot()
	if !cfg.Enabled {
		return false, nil
	}

	fl, err := filter.Compile(cfg.Filter)
	if err != nil {
		return false, fmt.Errorf("output %s: %w", cfg.ID, err)
	}
	snk, err := w.newSink(cfg)
	if err != nil {
		return false, fmt.Errorf("output %s: build sink: %w", cfg.ID, err)
	}
	defer func() {
		_ = snk.Close()
	}()

	log := w.queues.Get(cfg.Queue)
	cursor := cfg.Cursor

	for {
		select {
		case <-ctx.Done():
			return false, nil
		case <-w.stopCh:
			return false, nil
		case next := <-w.notifyCh:
			w.setConfig(next)
			if !next.Enabled {
				return false, nil
			}
			if output.MaterialChange(cfg, next) {
				return true, nil
			}
			continue
		default:
		}

		readCtx, cancel := context.WithTimeout(ctx, w.poll)
		msgs, readErr := log.Read(readCtx, cursor, w.batch)
		cancel()
		if readErr != nil {
			if errors.Is(readErr, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(readErr, context.Canceled) || errors.Is(readErr, queue.ErrClosed) {
				return false, nil
			}
			return false, fmt.Errorf("output %s: read queue %s: %w", cfg.ID, cfg.Queue, readErr)
		}

		matched := make([]queue.Message, 0, len(msgs))
		for _, m := range msgs {
			if fl.Match(m.RoutingKey) {
				matched = append(matched, m)
			}
		}
		if len(matched) > 0 {
			if err := snk.Deliver(ctx, matched); err != nil {
				return false, fmt.Errorf("output %s: deliver: %w", cfg.ID, err)
			}
		}

		cursor = msgs[len(msgs)-1].Seq
		w.persistCursor(ctx, cursor)
	}
}

// persistCursor writes the advanced cursor back to the store, stamped with
// this worker's origin id. Persistence failures are logged, not fatal; the
// in-memory cursor keeps the loop from re-delivering within this run.
func (w *QueueWorker) persistCursor(ctx context.Context, cursor int64) {
	cfg := w.snapshot()
	cfg.Cursor = cursor
	cfg.UpdatedBy = w.origin

	stored, err := w.store.Update(ctx, cfg)
	if err != nil {
		w.logger.Warn("persist cursor", "output_id", cfg.ID, "cursor", cursor, "error", err)
		w.setConfig(cfg)
		return
	}
	w.setConfig(stored)
}

func (w *QueueWorker) snapshot() output.Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg.Clone()
}

func (w *QueueWorker) setConfig(cfg output.Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cfg = cfg.Clone()
}

// Compile-time interface check.
var _ Worker = (*QueueWorker)(nil)
