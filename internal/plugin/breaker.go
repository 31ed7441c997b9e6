package plugin

import (
	"sync"

	"github.com/sony/gobreaker"
)

// Breaker tracks, per plugin, the consecutive-restart-failure circuit
// described in spec.md §4.4.2: a plugin whose restarts keep failing trips
// open exactly when its restart budget (maxRestarts) is exhausted. It also
// holds the last HEALTH report per plugin for memory-threshold checks.
type Breaker struct {
	mu     sync.Mutex
	cbs    map[string]*gobreaker.CircuitBreaker
	health map[string]*HealthReport
	cfg    Config
}

// NewBreaker constructs a Breaker.
func NewBreaker(cfg Config) *Breaker {
	return &Breaker{
		cbs:    make(map[string]*gobreaker.CircuitBreaker),
		health: make(map[string]*HealthReport),
		cfg:    cfg,
	}
}

func (b *Breaker) newCircuit(pluginID string) *gobreaker.CircuitBreaker {
	maxRestarts := uint32(b.cfg.MaxRestarts)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        pluginID,
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxRestarts
		},
	})
}

func (b *Breaker) circuit(pluginID string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.cbs[pluginID]
	if !ok {
		cb = b.newCircuit(pluginID)
		b.cbs[pluginID] = cb
	}
	return cb
}

// shouldRestart reports whether pluginID's restart budget is not yet
// exhausted.
func (b *Breaker) shouldRestart(pluginID string) bool {
	return b.circuit(pluginID).State() != gobreaker.StateOpen
}

// recordRestart records the outcome of a restart attempt; a nil err resets
// the consecutive-failure count, a non-nil err counts toward tripping.
func (b *Breaker) recordRestart(pluginID string, err error) {
	cb := b.circuit(pluginID)
	_, _ = cb.Execute(func() (any, error) { return nil, err })
}

// resetRestartCount clears pluginID's restart history, called at the start
// of CreateIsolate before the worker is spawned.
func (b *Breaker) resetRestartCount(pluginID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cbs, pluginID)
}

// forget drops all breaker and health state for pluginID.
func (b *Breaker) forget(pluginID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cbs, pluginID)
	delete(b.health, pluginID)
}

// recordHealth stores the most recent HEALTH report for pluginID.
func (b *Breaker) recordHealth(pluginID string, report HealthReport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.health[pluginID] = &report
}

// consecutiveFailures returns pluginID's current consecutive-restart-failure
// count, used to annotate the destroyed-after-budget-exhaustion alert.
func (b *Breaker) consecutiveFailures(pluginID string) int {
	return int(b.circuit(pluginID).Counts().ConsecutiveFailures)
}

// checkMemory reports whether pluginID's last known memory usage is within
// the configured threshold. Absent reports default to healthy — a plugin
// that hasn't reported yet is not penalized for silence.
func (b *Breaker) checkMemory(pluginID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	report, ok := b.health[pluginID]
	if !ok {
		return true
	}
	return report.MemoryUsageBytes <= b.cfg.memoryThresholdBytes()
}
