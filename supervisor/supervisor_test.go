package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/queuedrain/queuedrain/bus"
	"github.com/queuedrain/queuedrain/output"
	"github.com/queuedrain/queuedrain/store"
	"github.com/queuedrain/queuedrain/worker"
)

// fakeWorker blocks in Run until it is stopped, told to exit, or the
// context ends. Tests can arrange for it to exit with an error or panic.
type fakeWorker struct {
	cfg output.Config

	stopOnce sync.Once
	stopCh   chan struct{}
	exitOnce sync.Once
	exitCh   chan struct{}

	// gate, when set, holds Run open after a stop/exit signal until the
	// test releases it.
	gate chan struct{}

	mu       sync.Mutex
	running  bool
	notified []output.Config
	runErr   error
	panicMsg string
}

func newFakeWorker(cfg output.Config) *fakeWorker {
	return &fakeWorker{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		exitCh: make(chan struct{}),
	}
}

func (w *fakeWorker) Run(ctx context.Context) error {
	w.mu.Lock()
	w.running = true
	w.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-w.stopCh:
	case <-w.exitCh:
	}

	if w.gate != nil {
		<-w.gate
	}

	w.mu.Lock()
	w.running = false
	msg, err := w.panicMsg, w.runErr
	w.mu.Unlock()

	if msg != "" {
		panic(msg)
	}
	return err
}

func (w *fakeWorker) NotifyConfigChanged(cfg output.Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.notified = append(w.notified, cfg)
}

func (w *fakeWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// exit makes Run return without Stop being called, simulating a worker
// ending on its own.
func (w *fakeWorker) exit() {
	w.exitOnce.Do(func() { close(w.exitCh) })
}

func (w *fakeWorker) setExitError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.runErr = err
}

func (w *fakeWorker) setPanic(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.panicMsg = msg
}

func (w *fakeWorker) isRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *fakeWorker) notifyCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.notified)
}

func (w *fakeWorker) wasStopped() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// fakeFactory records every worker it builds, keyed by output id.
type fakeFactory struct {
	mu      sync.Mutex
	made    map[string][]*fakeWorker
	failErr error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{made: make(map[string][]*fakeWorker)}
}

func (f *fakeFactory) New(cfg output.Config) (worker.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, f.failErr
	}
	w := newFakeWorker(cfg)
	f.made[cfg.ID] = append(f.made[cfg.ID], w)
	return w, nil
}

func (f *fakeFactory) spawned(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made[id])
}

func (f *fakeFactory) last(id string) *fakeWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws := f.made[id]
	if len(ws) == 0 {
		return nil
	}
	return ws[len(ws)-1]
}

type testEnv struct {
	sup     *Supervisor
	store   *store.PublishingStore
	mem     *store.MemStore
	bus     *bus.MemBus
	factory *fakeFactory
}

func outputConfig(id string, enabled bool) output.Config {
	return output.Config{
		ID:      id,
		Queue:   "events",
		Enabled: enabled,
		Type:    output.TypeHTTP,
		URL:     "http://localhost:1/hook",
	}
}

// newEnv builds a supervisor over a publishing store, seeds the given
// configs, and starts it.
func newEnv(t *testing.T, seeds ...output.Config) *testEnv {
	t.Helper()

	eb := bus.NewMemBus(bus.MemBusConfig{})
	mem := store.NewMemStore()
	ps := store.NewPublishingStore(mem, eb)

	for _, cfg := range seeds {
		if _, err := mem.Create(context.Background(), cfg); err != nil {
			t.Fatalf("seed %s: %v", cfg.ID, err)
		}
	}

	factory := newFakeFactory()
	sup, err := New(Config{Store: ps, Bus: eb, Factory: factory})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start supervisor: %v", err)
	}
	t.Cleanup(func() {
		_ = sup.Close()
		_ = eb.Close()
	})

	return &testEnv{sup: sup, store: ps, mem: mem, bus: eb, factory: factory}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSupervisor_StartSpawnsOnlyEnabledOutputs(t *testing.T) {
	env := newEnv(t, outputConfig("o1", true), outputConfig("o2", false))

	waitFor(t, "o1 worker running", func() bool {
		w := env.factory.last("o1")
		return w != nil && w.isRunning()
	})

	if got := env.sup.WorkerIDs(); len(got) != 1 || got[0] != "o1" {
		t.Errorf("worker ids = %v, want [o1]", got)
	}
	if n := env.factory.spawned("o2"); n != 0 {
		t.Errorf("disabled output spawned %d workers, want 0", n)
	}
}

func TestSupervisor_CreateEventSpawnsWorker(t *testing.T) {
	env := newEnv(t)

	if _, err := env.store.Create(context.Background(), outputConfig("o1", true)); err != nil {
		t.Fatalf("create: %v", err)
	}

	waitFor(t, "o1 worker", func() bool { return env.factory.spawned("o1") == 1 })

	if _, err := env.store.Create(context.Background(), outputConfig("o2", false)); err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := env.factory.spawned("o2"); n != 0 {
		t.Errorf("disabled create spawned %d workers, want 0", n)
	}
}

func TestSupervisor_UpdateNotifiesExistingWorker(t *testing.T) {
	env := newEnv(t, outputConfig("o1", true))
	waitFor(t, "o1 worker", func() bool { return env.factory.spawned("o1") == 1 })

	next := outputConfig("o1", true)
	next.URL = "http://localhost:2/other"
	next.UpdatedBy = "api"
	if _, err := env.store.Update(context.Background(), next); err != nil {
		t.Fatalf("update: %v", err)
	}

	w := env.factory.last("o1")
	waitFor(t, "config notification", func() bool { return w.notifyCount() == 1 })

	if n := env.factory.spawned("o1"); n != 1 {
		t.Errorf("update spawned a second worker (%d total), want forwarding to the existing one", n)
	}
}

func TestSupervisor_DuplicateCreateNotifiesInsteadOfSpawning(t *testing.T) {
	env := newEnv(t)

	cfg := outputConfig("o1", true)
	ev := output.Event{Kind: output.EventCreated, OutputID: "o1", Config: &cfg, Time: time.Now()}
	env.bus.Publish(ev)
	waitFor(t, "o1 worker", func() bool { return env.factory.spawned("o1") == 1 })

	env.bus.Publish(ev)
	w := env.factory.last("o1")
	waitFor(t, "duplicate forwarded as notification", func() bool { return w.notifyCount() == 1 })

	if n := env.factory.spawned("o1"); n != 1 {
		t.Errorf("duplicate create spawned %d workers, want 1", n)
	}
}

func TestSupervisor_LifecycleEventsDoNotReconcile(t *testing.T) {
	env := newEnv(t)

	// A lifecycle event carrying a config must never spawn a worker;
	// only output.* change kinds drive reconciliation.
	cfg := outputConfig("o1", true)
	env.bus.Publish(output.Event{Kind: output.EventWorkerStarted, OutputID: "o1", Config: &cfg, Time: time.Now()})
	env.bus.Publish(output.Event{Kind: output.EventWorkerFailed, OutputID: "o1", Config: &cfg, Time: time.Now()})

	time.Sleep(50 * time.Millisecond)
	if n := env.factory.spawned("o1"); n != 0 {
		t.Errorf("lifecycle events spawned %d workers, want 0", n)
	}

	// The loop is still live for real changes.
	if _, err := env.store.Create(context.Background(), cfg); err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, "worker after change event", func() bool { return env.factory.spawned("o1") == 1 })
}

func TestSupervisor_CloseStopsResyncLoop(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()
	ps := store.NewPublishingStore(store.NewMemStore(), eb)

	sup, err := New(Config{Store: ps, Bus: eb, Factory: newFakeFactory(), Resync: "* * * * *"})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sup.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return while resync loop was running")
	}
}

func TestSupervisor_DisabledUpdateWithoutWorkerIsNoop(t *testing.T) {
	env := newEnv(t)

	cfg := outputConfig("o1", false)
	env.bus.Publish(output.Event{Kind: output.EventUpdated, OutputID: "o1", Config: &cfg, Time: time.Now()})

	time.Sleep(50 * time.Millisecond)
	if n := env.factory.spawned("o1"); n != 0 {
		t.Errorf("disabled update spawned %d workers, want 0", n)
	}
}

func TestSupervisor_DeleteStopsAndRemovesWorker(t *testing.T) {
	env := newEnv(t, outputConfig("o1", true))
	waitFor(t, "o1 worker", func() bool { return env.factory.spawned("o1") == 1 })
	w := env.factory.last("o1")

	if err := env.store.Delete(context.Background(), "o1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	waitFor(t, "worker stopped and removed", func() bool {
		return w.wasStopped() && len(env.sup.WorkerIDs()) == 0
	})
}

func TestSupervisor_DeleteUnknownOutputIsNoop(t *testing.T) {
	env := newEnv(t)

	env.bus.Publish(output.Event{Kind: output.EventDeleted, OutputID: "ghost", Time: time.Now()})

	// The loop must survive the stray delete and keep processing.
	if _, err := env.store.Create(context.Background(), outputConfig("o1", true)); err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, "o1 worker after stray delete", func() bool { return env.factory.spawned("o1") == 1 })
}

func TestSupervisor_WorkerExitRemovesRegistryEntry(t *testing.T) {
	env := newEnv(t, outputConfig("o1", true))
	waitFor(t, "o1 worker running", func() bool {
		w := env.factory.last("o1")
		return w != nil && w.isRunning()
	})

	env.factory.last("o1").exit()

	waitFor(t, "registry entry removed after exit", func() bool {
		return len(env.sup.WorkerIDs()) == 0
	})
}

func TestSupervisor_WorkerPanicIsContained(t *testing.T) {
	env := newEnv(t, outputConfig("o1", true), outputConfig("o2", true))
	waitFor(t, "both workers running", func() bool {
		w1, w2 := env.factory.last("o1"), env.factory.last("o2")
		return w1 != nil && w1.isRunning() && w2 != nil && w2.isRunning()
	})

	sub := env.bus.SubscribeAll()
	defer sub.Close()

	w1 := env.factory.last("o1")
	w1.setPanic("boom")
	w1.exit()

	waitFor(t, "panicking worker removed", func() bool {
		ids := env.sup.WorkerIDs()
		return len(ids) == 1 && ids[0] == "o2"
	})

	select {
	case ev := <-sub.Events():
		if ev.Kind != output.EventWorkerFailed || ev.OutputID != "o1" {
			t.Fatalf("event = %+v, want worker.failed for o1", ev)
		}
		if !strings.Contains(ev.Error, "boom") {
			t.Errorf("failure event error = %q, want the panic value", ev.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no worker.failed event")
	}

	if !env.factory.last("o2").isRunning() {
		t.Error("sibling worker stopped by another worker's panic")
	}
}

func TestSupervisor_PredecessorExitKeepsSuccessor(t *testing.T) {
	env := newEnv(t, outputConfig("o1", true))
	waitFor(t, "o1 worker running", func() bool {
		w := env.factory.last("o1")
		return w != nil && w.isRunning()
	})

	// Hold the first worker's goroutine open past its Stop, so its exit
	// bookkeeping races a successor registered under the same id.
	old := env.factory.last("o1")
	old.gate = make(chan struct{})

	if err := env.store.Delete(context.Background(), "o1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor(t, "old worker stopped", func() bool { return old.wasStopped() })

	if _, err := env.store.Create(context.Background(), outputConfig("o1", true)); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	waitFor(t, "successor spawned", func() bool { return env.factory.spawned("o1") == 2 })

	close(old.gate)

	time.Sleep(50 * time.Millisecond)
	if got := env.sup.WorkerIDs(); len(got) != 1 || got[0] != "o1" {
		t.Errorf("worker ids = %v after predecessor exit, want [o1]", got)
	}
	if !env.factory.last("o1").isRunning() {
		t.Error("successor was torn down by its predecessor's exit")
	}
}

func TestSupervisor_PublishesLifecycleEvents(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	mem := store.NewMemStore()
	ps := store.NewPublishingStore(mem, eb)
	if _, err := mem.Create(context.Background(), outputConfig("o1", true)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sub := eb.SubscribeAll()
	defer sub.Close()

	factory := newFakeFactory()
	sup, err := New(Config{Store: ps, Bus: eb, Factory: factory})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		_ = sup.Close()
		_ = eb.Close()
	})

	waitEvent := func(kind output.EventKind) output.Event {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case ev := <-sub.Events():
				if ev.Kind == kind {
					return ev
				}
			case <-deadline:
				t.Fatalf("no %s event", kind)
			}
		}
	}

	started := waitEvent(output.EventWorkerStarted)
	if started.OutputID != "o1" {
		t.Errorf("started event for %q, want o1", started.OutputID)
	}

	waitFor(t, "worker running", func() bool {
		w := factory.last("o1")
		return w != nil && w.isRunning()
	})
	factory.last("o1").exit()

	stopped := waitEvent(output.EventWorkerStopped)
	if stopped.OutputID != "o1" || stopped.Uptime < 0 {
		t.Errorf("stopped event = %+v, want o1 with non-negative uptime", stopped)
	}
}

func TestSupervisor_FactoryFailureSkipsOutput(t *testing.T) {
	env := newEnv(t)
	env.factory.mu.Lock()
	env.factory.failErr = errors.New("bad credentials")
	env.factory.mu.Unlock()

	if _, err := env.store.Create(context.Background(), outputConfig("o1", true)); err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := env.sup.WorkerIDs(); len(got) != 0 {
		t.Errorf("worker ids = %v after factory failure, want none", got)
	}

	// Recovery: once the factory works again, a later change spawns.
	env.factory.mu.Lock()
	env.factory.failErr = nil
	env.factory.mu.Unlock()

	next := outputConfig("o1", true)
	next.UpdatedBy = "api"
	if _, err := env.store.Update(context.Background(), next); err != nil {
		t.Fatalf("update: %v", err)
	}
	waitFor(t, "worker after factory recovery", func() bool { return env.factory.spawned("o1") == 1 })
}

func TestSupervisor_ResyncOnceConverges(t *testing.T) {
	env := newEnv(t, outputConfig("o1", true))
	waitFor(t, "o1 worker", func() bool { return env.factory.spawned("o1") == 1 })

	// Mutate the backing store directly so no change events fire; the
	// supervisor's view is now stale until a resync pass.
	if err := env.mem.Delete(context.Background(), "o1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.mem.Create(context.Background(), outputConfig("o2", true)); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := env.sup.ResyncOnce(context.Background()); err != nil {
		t.Fatalf("resync: %v", err)
	}

	waitFor(t, "worker set converged", func() bool {
		ids := env.sup.WorkerIDs()
		return len(ids) == 1 && ids[0] == "o2"
	})
	if w := env.factory.last("o1"); !w.wasStopped() {
		t.Error("stale worker not stopped by resync")
	}
}

func TestSupervisor_CloseStopsAllWorkers(t *testing.T) {
	env := newEnv(t, outputConfig("o1", true), outputConfig("o2", true))
	waitFor(t, "both workers", func() bool {
		return env.factory.spawned("o1") == 1 && env.factory.spawned("o2") == 1
	})

	if err := env.sup.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := env.sup.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	for _, id := range []string{"o1", "o2"} {
		if !env.factory.last(id).wasStopped() {
			t.Errorf("worker %s not stopped on close", id)
		}
	}
	if got := env.sup.WorkerIDs(); len(got) != 0 {
		t.Errorf("worker ids = %v after close, want none", got)
	}

	if err := env.sup.Start(context.Background()); err == nil {
		t.Error("start after close succeeded, want error")
	}
}

func TestSupervisor_EventsAfterCloseAreIgnored(t *testing.T) {
	env := newEnv(t)
	if err := env.sup.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	cfg := outputConfig("o1", true)
	env.bus.Publish(output.Event{Kind: output.EventCreated, OutputID: "o1", Config: &cfg, Time: time.Now()})

	time.Sleep(50 * time.Millisecond)
	if n := env.factory.spawned("o1"); n != 0 {
		t.Errorf("closed supervisor spawned %d workers, want 0", n)
	}
}

func TestNew_Validates(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()
	mem := store.NewMemStore()
	factory := newFakeFactory()

	if _, err := New(Config{Bus: eb, Factory: factory}); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := New(Config{Store: mem, Factory: factory}); err == nil {
		t.Error("expected error for nil bus")
	}
	if _, err := New(Config{Store: mem, Bus: eb}); err == nil {
		t.Error("expected error for nil factory")
	}
	if _, err := New(Config{Store: mem, Bus: eb, Factory: factory, Resync: "not cron"}); err == nil {
		t.Error("expected error for invalid resync expression")
	}
}

func TestParseResync(t *testing.T) {
	if _, err := ParseResync("*/5 * * * *"); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}
	if _, err := ParseResync(""); err == nil {
		t.Error("empty expression accepted")
	}
	if _, err := ParseResync("CRON_TZ=America/New_York * * * * *"); err == nil {
		t.Error("timezone-prefixed expression accepted")
	}
	if _, err := ParseResync("61 * * * *"); err == nil {
		t.Error("out-of-range field accepted")
	}
}
