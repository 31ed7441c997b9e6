package plugin

import "sync"

// Registration is one M-Service's published surface, per spec.md §4.4.4.
type Registration struct {
	Service  string
	PluginID string
	Methods  []string // empty means every method is permitted
}

// Registry is the M-Service registry: a service-name → owner mapping plus
// its inverse (plugin → services it owns).
type Registry struct {
	mu        sync.RWMutex
	byService map[string]Registration
	byPlugin  map[string]map[string]struct{}
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byService: make(map[string]Registration),
		byPlugin:  make(map[string]map[string]struct{}),
	}
}

// Register publishes service under pluginID, deduplicating methods and
// replacing any prior owner of the same service name.
func (r *Registry) Register(service, pluginID string, methods []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.byService[service]; ok && prior.PluginID != pluginID {
		r.removeFromInverse(prior.PluginID, service)
	}

	seen := make(map[string]struct{}, len(methods))
	dedup := make([]string, 0, len(methods))
	for _, m := range methods {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		dedup = append(dedup, m)
	}

	r.byService[service] = Registration{Service: service, PluginID: pluginID, Methods: dedup}

	if r.byPlugin[pluginID] == nil {
		r.byPlugin[pluginID] = make(map[string]struct{})
	}
	r.byPlugin[pluginID][service] = struct{}{}
}

// Unregister removes service from the registry entirely.
func (r *Registry) Unregister(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.byService[service]
	if !ok {
		return
	}
	delete(r.byService, service)
	r.removeFromInverse(reg.PluginID, service)
}

func (r *Registry) removeFromInverse(pluginID, service string) {
	if services, ok := r.byPlugin[pluginID]; ok {
		delete(services, service)
		if len(services) == 0 {
			delete(r.byPlugin, pluginID)
		}
	}
}

// Lookup returns service's current registration, if any.
func (r *Registry) Lookup(service string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byService[service]
	return reg, ok
}

// GetPluginServices returns the service names currently owned by pluginID.
func (r *Registry) GetPluginServices(pluginID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	services := r.byPlugin[pluginID]
	out := make([]string, 0, len(services))
	for s := range services {
		out = append(out, s)
	}
	return out
}
