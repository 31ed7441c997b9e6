package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across the API surface.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "controlplane",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// Audit pipeline metrics.
var (
	AuditBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "controlplane",
		Subsystem: "audit",
		Name:      "backlog",
		Help:      "Current count of intents awaiting commit (pending/processing/failed_retriable/ready_for_global_commit).",
	})

	AuditEnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "audit",
		Name:      "enqueued_total",
		Help:      "Total audit intents accepted by enqueue.",
	})

	AuditBackpressureTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "audit",
		Name:      "backpressure_rejections_total",
		Help:      "Total enqueue calls rejected due to backlog pressure.",
	})

	AuditCommittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "audit",
		Name:      "committed_total",
		Help:      "Total audit logs committed to the global chain.",
	})

	AuditRetriedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "audit",
		Name:      "retried_total",
		Help:      "Total intents returned to failed_retriable after a worker error.",
	})

	AuditTerminalTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "audit",
		Name:      "terminal_total",
		Help:      "Total intents moved to failed_terminal, labeled by reason.",
	}, []string{"reason"})

	AuditConflictTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "audit",
		Name:      "conflict_total",
		Help:      "Total CAS conflicts encountered during commit, labeled by kind.",
	}, []string{"kind"})

	AuditDrainDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "controlplane",
		Subsystem: "audit",
		Name:      "drain_duration_seconds",
		Help:      "Duration of a single claim-build-commit drain cycle.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	AuditAnchorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "audit",
		Name:      "anchors_total",
		Help:      "Total global anchors written.",
	})
)

// Join controller metrics.
var (
	JoinOutcomeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "join",
		Name:      "outcome_total",
		Help:      "Total join requests, labeled by outcome status.",
	}, []string{"status"})

	JoinDriftTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "join",
		Name:      "drift_detected_total",
		Help:      "Total joins blocked by hardware profile drift.",
	})
)

// Plugin substrate metrics.
var (
	PluginRestartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "plugin",
		Name:      "restarts_total",
		Help:      "Total isolate restarts, labeled by plugin id.",
	}, []string{"plugin_id"})

	PluginDestroyedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "plugin",
		Name:      "destroyed_total",
		Help:      "Total isolates destroyed, labeled by reason.",
	}, []string{"reason"})

	PluginMemoryBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "controlplane",
		Subsystem: "plugin",
		Name:      "memory_bytes",
		Help:      "Last reported RSS of a plugin isolate.",
	}, []string{"plugin_id"})

	RouterCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "router",
		Name:      "calls_total",
		Help:      "Total M-Service route calls, labeled by outcome.",
	}, []string{"service", "outcome"})

	RouterCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "controlplane",
		Subsystem: "router",
		Name:      "call_duration_seconds",
		Help:      "M-Service route call duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"service"})
)

// All returns all control-plane-specific collectors for registration,
// excluding the standard process/go collectors added by NewMetricsRegistry.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		AuditBacklog,
		AuditEnqueuedTotal,
		AuditBackpressureTotal,
		AuditCommittedTotal,
		AuditRetriedTotal,
		AuditTerminalTotal,
		AuditConflictTotal,
		AuditDrainDuration,
		AuditAnchorsTotal,
		JoinOutcomeTotal,
		JoinDriftTotal,
		PluginRestartsTotal,
		PluginDestroyedTotal,
		PluginMemoryBytes,
		RouterCallsTotal,
		RouterCallDuration,
	}
}

// NewMetricsRegistry creates a Prometheus registry seeded with the standard
// process/go runtime collectors plus the given service-specific collectors.
func NewMetricsRegistry(collectors_ ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	for _, c := range collectors_ {
		reg.MustRegister(c)
	}
	return reg
}
