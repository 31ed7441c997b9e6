package plugin

import (
	"context"
	"log/slog"
)

// Substrate wires together the isolate manager, the M-Service registry and
// router, and the per-plugin context bridge into the single collaborator
// app wiring needs.
type Substrate struct {
	Manager  *Manager
	Registry *Registry
	Router   *Router
	Context  *ContextBridge
	perms    *Permissions
	bridge   *Bridge
}

// NewSubstrate constructs a fully wired Substrate. spawn is the worker
// factory (subprocess in production, a fake in tests); the node/event/config
// collaborators back the context bridge's getNodes/publishEvent/getConfig/
// setConfig methods.
func NewSubstrate(spawn SpawnFunc, nodes NodeLister, events EventBus, configs ConfigStore, cfg Config, log *slog.Logger) *Substrate {
	bridge := NewBridge(log)
	perms := NewPermissions()
	manager := NewManager(spawn, bridge, perms, cfg, log)
	registry := NewRegistry()
	router := NewRouter(registry, bridge, perms, manager.ResolveWorker, cfg)
	ctxBridge := NewContextBridge(perms, nodes, events, configs, router, cfg)

	return &Substrate{
		Manager:  manager,
		Registry: registry,
		Router:   router,
		Context:  ctxBridge,
		perms:    perms,
		bridge:   bridge,
	}
}

// RegisterServices is a convenience wrapper so callers bootstrapping a
// plugin can publish its M-Services in one call after CreateIsolate
// succeeds.
func (s *Substrate) RegisterServices(pluginID string, services map[string][]string) {
	for service, methods := range services {
		s.Registry.Register(service, pluginID, methods)
	}
}

// Shutdown destroys every running isolate, used on process shutdown. A nil
// or empty pluginIDs sweeps every isolate the manager currently tracks.
func (s *Substrate) Shutdown(ctx context.Context, pluginIDs []string) {
	if len(pluginIDs) == 0 {
		pluginIDs = s.Manager.PluginIDs()
	}
	for _, id := range pluginIDs {
		_ = s.Manager.DestroyIsolate(id)
	}
}
