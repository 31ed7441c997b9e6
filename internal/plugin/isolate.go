package plugin

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodemesh/controlplane/internal/telemetry"
)

// SpawnFunc starts a plugin's entry point and returns its Worker handle.
// The production wiring points this at SpawnProcess; tests inject an
// in-memory fake.
type SpawnFunc func(ctx context.Context, manifest Manifest) (Worker, error)

type isolate struct {
	manifest          Manifest
	worker            Worker
	startedAt         time.Time
	expectedShutdown  bool
	restartInProgress bool
}

// Manager is the isolate manager of spec.md §4.4.1: createIsolate,
// destroyIsolate, restartIsolate, and the unsafe restart/reload sequence,
// backed by a restart circuit breaker and a shared message bridge.
type Manager struct {
	mu       sync.Mutex
	isolates map[string]*isolate

	breaker *Breaker
	bridge  *Bridge
	perms   *Permissions
	spawn   SpawnFunc
	cfg     Config
	log     *slog.Logger

	onDestroyed func(pluginID string, restarts int)
	onRestart   func(pluginID string)
}

// NewManager constructs a Manager. spawn is the production or test worker
// factory; bridge and perms are shared with the router and context bridge.
func NewManager(spawn SpawnFunc, bridge *Bridge, perms *Permissions, cfg Config, log *slog.Logger) *Manager {
	m := &Manager{
		isolates: make(map[string]*isolate),
		breaker:  NewBreaker(cfg),
		bridge:   bridge,
		perms:    perms,
		spawn:    spawn,
		cfg:      cfg,
		log:      log,
	}
	bridge.Subscribe(m.handleMessage)
	return m
}

// SetDestroyedHook registers a callback invoked when an isolate is
// destroyed after exhausting its restart budget (as opposed to a clean,
// expected shutdown). Used to drive ops alerting.
func (m *Manager) SetDestroyedHook(hook func(pluginID string, restarts int)) {
	m.onDestroyed = hook
}

// SetRestartHook registers a callback invoked on every attempted restart
// (successful or not), used to drive the restarts-total metric.
func (m *Manager) SetRestartHook(hook func(pluginID string)) {
	m.onRestart = hook
}

// handleMessage is the global message-bridge subscriber; it implements the
// HEALTH-message half of spec.md §4.4.1 ("recorded in the circuit breaker;
// a rss above memoryThreshold triggers an unexpected-termination handler").
func (m *Manager) handleMessage(pluginID string, env Envelope) {
	if env.Type != MsgHealth {
		return
	}
	report := decodeHealth(env)
	m.breaker.recordHealth(pluginID, report)
	telemetry.PluginMemoryBytes.WithLabelValues(pluginID).Set(float64(report.MemoryUsageBytes))
	if !m.breaker.checkMemory(pluginID) {
		m.handleUnexpectedTermination(pluginID)
	}
}

func decodeHealth(env Envelope) HealthReport {
	report := HealthReport{ReportedAt: time.Now()}
	if v, ok := env.Payload["memoryUsage"].(float64); ok {
		report.MemoryUsageBytes = int64(v)
	}
	if v, ok := env.Payload["uptime"].(float64); ok {
		report.UptimeMs = int64(v)
	}
	if v, ok := env.Payload["status"].(string); ok {
		report.Status = v
	}
	return report
}

// CreateIsolate spawns manifest.PluginID and bootstraps it with an INIT
// message. Memory is checked only when a HEALTH message arrives.
func (m *Manager) CreateIsolate(ctx context.Context, manifest Manifest) error {
	m.mu.Lock()
	if _, exists := m.isolates[manifest.PluginID]; exists {
		m.mu.Unlock()
		return newError(KindInternalError, "plugin %q already has an isolate", manifest.PluginID)
	}
	m.mu.Unlock()

	m.breaker.resetRestartCount(manifest.PluginID)

	worker, err := m.spawn(ctx, manifest)
	if err != nil {
		return newError(KindInternalError, "spawning plugin %q: %v", manifest.PluginID, err)
	}

	m.bridge.Attach(manifest.PluginID, worker)
	m.perms.Grant(manifest.PluginID, manifest.Permissions)

	if err := m.bootstrap(worker, manifest); err != nil {
		_ = worker.Kill()
		m.perms.Forget(manifest.PluginID)
		return err
	}

	m.mu.Lock()
	m.isolates[manifest.PluginID] = &isolate{manifest: manifest, worker: worker, startedAt: time.Now()}
	m.mu.Unlock()

	return nil
}

func (m *Manager) bootstrap(worker Worker, manifest Manifest) error {
	env := Envelope{
		ID:        uuid.NewString(),
		PluginID:  manifest.PluginID,
		Type:      MsgInit,
		Timestamp: time.Now().UnixMilli(),
		Payload: map[string]any{
			"manifest": manifest,
		},
	}
	if err := worker.Send(env); err != nil {
		return newError(KindInternalError, "bootstrapping plugin %q: %v", manifest.PluginID, err)
	}
	return nil
}

// DestroyIsolate tears pluginID's isolate down: marks the shutdown as
// expected so the health monitor and unexpected-termination handler ignore
// it, then stops and clears all per-plugin state.
func (m *Manager) DestroyIsolate(pluginID string) error {
	m.mu.Lock()
	iso, ok := m.isolates[pluginID]
	if !ok {
		m.mu.Unlock()
		return newError(KindInternalError, "plugin %q has no isolate", pluginID)
	}
	iso.expectedShutdown = true
	delete(m.isolates, pluginID)
	m.mu.Unlock()

	m.breaker.forget(pluginID)
	m.perms.Forget(pluginID)
	return iso.worker.Kill()
}

// RestartIsolate performs a supervised unsafe restart, refusing once
// pluginID's restart budget is exhausted.
func (m *Manager) RestartIsolate(ctx context.Context, pluginID string) error {
	if !m.breaker.shouldRestart(pluginID) {
		return newError(KindInternalError, "plugin %q has exhausted its restart budget", pluginID)
	}
	err := m.unsafeRestart(ctx, pluginID)
	m.breaker.recordRestart(pluginID, err)
	if m.onRestart != nil {
		m.onRestart(pluginID)
	}
	return err
}

// unsafeRestart is the preheat-and-swap reload sequence of spec.md §4.4.1.
func (m *Manager) unsafeRestart(ctx context.Context, pluginID string) error {
	m.mu.Lock()
	iso, ok := m.isolates[pluginID]
	if !ok {
		m.mu.Unlock()
		return newError(KindInternalError, "plugin %q has no isolate", pluginID)
	}
	old := iso.worker
	manifest := iso.manifest
	m.mu.Unlock()

	newWorker, err := m.spawn(ctx, manifest)
	if err != nil {
		return newError(KindInternalError, "preheating replacement for plugin %q: %v", pluginID, err)
	}

	m.bridge.Attach(pluginID, newWorker)

	if err := m.bootstrap(newWorker, manifest); err != nil {
		_ = newWorker.Kill()
		return err
	}

	m.mu.Lock()
	current, ok := m.isolates[pluginID]
	if !ok {
		m.mu.Unlock()
		_ = newWorker.Kill()
		return newError(KindInternalError, "plugin %q was destroyed during restart", pluginID)
	}
	current.worker = newWorker
	current.startedAt = time.Now()
	m.mu.Unlock()

	m.breaker.recordHealth(pluginID, HealthReport{})

	grace := m.cfg.ReloadGracePeriod
	time.AfterFunc(grace, func() {
		m.mu.Lock()
		stillCurrent := m.isolates[pluginID] != nil && m.isolates[pluginID].worker == newWorker
		m.mu.Unlock()
		if stillCurrent {
			_ = old.Kill()
		}
	})

	return nil
}

// handleUnexpectedTermination implements spec.md §4.4.1's crash-handling
// branch: ignored for an expected shutdown, an in-flight restart, or a
// since-removed isolate; otherwise attempts one more unsafe restart, or
// destroys the isolate once its budget is exhausted.
func (m *Manager) handleUnexpectedTermination(pluginID string) {
	m.mu.Lock()
	iso, ok := m.isolates[pluginID]
	if !ok || iso.expectedShutdown || iso.restartInProgress {
		m.mu.Unlock()
		return
	}
	iso.restartInProgress = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if iso, ok := m.isolates[pluginID]; ok {
			iso.restartInProgress = false
		}
		m.mu.Unlock()
	}()

	if !m.breaker.shouldRestart(pluginID) {
		restarts := m.breaker.consecutiveFailures(pluginID)
		if err := m.DestroyIsolate(pluginID); err != nil {
			m.log.Error("destroying exhausted plugin", "plugin_id", pluginID, "error", err)
		}
		if m.onDestroyed != nil {
			m.onDestroyed(pluginID, restarts)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := m.unsafeRestart(ctx, pluginID)
	m.breaker.recordRestart(pluginID, err)
	if m.onRestart != nil {
		m.onRestart(pluginID)
	}
	if err != nil {
		m.log.Error("restart after unexpected termination failed, destroying", "plugin_id", pluginID, "error", err)
		if destroyErr := m.DestroyIsolate(pluginID); destroyErr != nil {
			m.log.Error("destroying plugin after failed restart", "plugin_id", pluginID, "error", destroyErr)
		}
	}
}

// PluginIDs returns the ids of every currently running isolate, used to
// drive a full shutdown sweep.
func (m *Manager) PluginIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.isolates))
	for id := range m.isolates {
		ids = append(ids, id)
	}
	return ids
}

// ResolveWorker returns pluginID's active worker, the WorkerResolver the
// router needs.
func (m *Manager) ResolveWorker(pluginID string) (Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	iso, ok := m.isolates[pluginID]
	if !ok {
		return nil, false
	}
	return iso.worker, true
}
