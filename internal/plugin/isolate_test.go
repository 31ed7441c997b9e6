package plugin

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type spawnRecorder struct {
	mu      sync.Mutex
	calls   int32
	fail    bool
	workers []*fakeWorker
}

func (r *spawnRecorder) spawn(ctx context.Context, manifest Manifest) (Worker, error) {
	atomic.AddInt32(&r.calls, 1)
	if r.fail {
		return nil, errors.New("spawn failed")
	}
	w := newFakeWorker(int(atomic.LoadInt32(&r.calls)))
	r.mu.Lock()
	r.workers = append(r.workers, w)
	r.mu.Unlock()
	// Drain every INIT/HEALTH message the manager sends so Send never blocks
	// a full outbox in tests that don't care about bootstrap framing.
	go func() {
		for range w.outbox {
		}
	}()
	return w, nil
}

func newTestManager(rec *spawnRecorder) *Manager {
	bridge := NewBridge(testLogger())
	perms := NewPermissions()
	cfg := testConfig()
	cfg.ReloadGracePeriod = 10 * time.Millisecond
	return NewManager(rec.spawn, bridge, perms, cfg, testLogger())
}

func TestManager_CreateIsolateSucceeds(t *testing.T) {
	rec := &spawnRecorder{}
	m := newTestManager(rec)

	err := m.CreateIsolate(context.Background(), Manifest{PluginID: "plugin-a", Permissions: []string{"node:read"}})
	if err != nil {
		t.Fatalf("CreateIsolate: %v", err)
	}
	if _, ok := m.ResolveWorker("plugin-a"); !ok {
		t.Fatal("expected plugin-a to have an active worker")
	}
	if !m.perms.HasPermission("plugin-a", "node:read") {
		t.Fatal("expected permissions to be granted")
	}
}

func TestManager_CreateIsolateRejectsDuplicate(t *testing.T) {
	rec := &spawnRecorder{}
	m := newTestManager(rec)
	_ = m.CreateIsolate(context.Background(), Manifest{PluginID: "plugin-a"})

	err := m.CreateIsolate(context.Background(), Manifest{PluginID: "plugin-a"})
	if err == nil {
		t.Fatal("expected duplicate isolate creation to fail")
	}
}

func TestManager_CreateIsolatePropagatesSpawnFailure(t *testing.T) {
	rec := &spawnRecorder{fail: true}
	m := newTestManager(rec)

	err := m.CreateIsolate(context.Background(), Manifest{PluginID: "plugin-a"})
	if err == nil {
		t.Fatal("expected spawn failure to propagate")
	}
	if _, ok := m.ResolveWorker("plugin-a"); ok {
		t.Fatal("a failed create should leave no isolate behind")
	}
}

func TestManager_DestroyIsolateKillsWorkerAndClearsState(t *testing.T) {
	rec := &spawnRecorder{}
	m := newTestManager(rec)
	_ = m.CreateIsolate(context.Background(), Manifest{PluginID: "plugin-a", Permissions: []string{"node:read"}})

	if err := m.DestroyIsolate("plugin-a"); err != nil {
		t.Fatalf("DestroyIsolate: %v", err)
	}
	if _, ok := m.ResolveWorker("plugin-a"); ok {
		t.Fatal("expected isolate to be gone")
	}
	if m.perms.HasPermission("plugin-a", "node:read") {
		t.Fatal("expected permissions to be forgotten")
	}
}

func TestManager_RestartIsolateSwapsWorker(t *testing.T) {
	rec := &spawnRecorder{}
	m := newTestManager(rec)
	_ = m.CreateIsolate(context.Background(), Manifest{PluginID: "plugin-a"})

	oldWorker, _ := m.ResolveWorker("plugin-a")

	if err := m.RestartIsolate(context.Background(), "plugin-a"); err != nil {
		t.Fatalf("RestartIsolate: %v", err)
	}

	newWorker, ok := m.ResolveWorker("plugin-a")
	if !ok {
		t.Fatal("expected plugin-a to still have an active worker")
	}
	if newWorker == oldWorker {
		t.Fatal("expected restart to swap in a new worker")
	}
}

func TestManager_RestartIsolateRefusesWhenBudgetExhausted(t *testing.T) {
	rec := &spawnRecorder{}
	m := newTestManager(rec)
	_ = m.CreateIsolate(context.Background(), Manifest{PluginID: "plugin-a"})

	m.breaker.recordRestart("plugin-a", errors.New("boom"))
	m.breaker.recordRestart("plugin-a", errors.New("boom again"))

	err := m.RestartIsolate(context.Background(), "plugin-a")
	if err == nil {
		t.Fatal("expected restart to be refused once the budget is exhausted")
	}
}

func TestManager_HandleUnexpectedTerminationRestartsWithinBudget(t *testing.T) {
	rec := &spawnRecorder{}
	m := newTestManager(rec)
	_ = m.CreateIsolate(context.Background(), Manifest{PluginID: "plugin-a"})

	oldWorker, _ := m.ResolveWorker("plugin-a")
	m.handleUnexpectedTermination("plugin-a")

	newWorker, ok := m.ResolveWorker("plugin-a")
	if !ok {
		t.Fatal("expected plugin-a to survive an in-budget unexpected termination")
	}
	if newWorker == oldWorker {
		t.Fatal("expected a fresh worker after unexpected termination")
	}
}

func TestManager_HandleUnexpectedTerminationDestroysWhenBudgetExhausted(t *testing.T) {
	rec := &spawnRecorder{}
	m := newTestManager(rec)
	_ = m.CreateIsolate(context.Background(), Manifest{PluginID: "plugin-a"})

	m.breaker.recordRestart("plugin-a", errors.New("boom"))
	m.breaker.recordRestart("plugin-a", errors.New("boom again"))

	m.handleUnexpectedTermination("plugin-a")

	if _, ok := m.ResolveWorker("plugin-a"); ok {
		t.Fatal("expected isolate to be destroyed once its restart budget is exhausted")
	}
}

func TestManager_HandleUnexpectedTerminationIgnoresExpectedShutdown(t *testing.T) {
	rec := &spawnRecorder{}
	m := newTestManager(rec)
	_ = m.CreateIsolate(context.Background(), Manifest{PluginID: "plugin-a"})
	_ = m.DestroyIsolate("plugin-a")

	// A termination notification arriving after a clean destroy must be a
	// no-op, not a spurious restart.
	m.handleUnexpectedTermination("plugin-a")

	if atomic.LoadInt32(&rec.calls) != 1 {
		t.Fatalf("spawn calls = %d, want 1 (no restart after expected shutdown)", rec.calls)
	}
}

func TestManager_HandleHealthMessageTriggersRestartOnHighMemory(t *testing.T) {
	rec := &spawnRecorder{}
	m := newTestManager(rec)
	cfg := testConfig()
	cfg.MemoryThresholdMiB = 1
	m.cfg = cfg
	m.breaker = NewBreaker(cfg)

	_ = m.CreateIsolate(context.Background(), Manifest{PluginID: "plugin-a"})
	oldWorker, _ := m.ResolveWorker("plugin-a")

	m.handleMessage("plugin-a", Envelope{Type: MsgHealth, Payload: map[string]any{"memoryUsage": float64(2 * 1024 * 1024)}})

	// handleMessage -> handleUnexpectedTermination runs restart synchronously
	// in this implementation, so the swap is visible immediately.
	newWorker, ok := m.ResolveWorker("plugin-a")
	if !ok {
		t.Fatal("expected isolate to survive a within-budget memory-triggered restart")
	}
	if newWorker == oldWorker {
		t.Fatal("expected worker to be replaced after a memory-triggered restart")
	}
}
