// Package metrics exposes Prometheus metrics for the gateway health core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relaywatch"

// =============================================================================
// Health Probe Metrics
// =============================================================================

var (
	// ProbesTotal counts health probes by gateway and outcome.
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Total health probes issued, by gateway and outcome",
		},
		[]string{"gateway", "outcome"},
	)

	// ProbeLatency observes probe round-trip latency per gateway.
	ProbeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_probe_latency_seconds",
			Help:      "Health probe round-trip latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"gateway"},
	)

	// ModelsByStatus tracks the number of monitored models per gateway and status.
	ModelsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "models_by_status",
			Help:      "Monitored models per gateway and health status",
		},
		[]string{"gateway", "status"},
	)

	// SystemUptime tracks the healthy-model percentage across the fleet.
	SystemUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_uptime_percent",
			Help:      "Healthy models as a percentage of all monitored models",
		},
	)
)

// =============================================================================
// Availability / Circuit Breaker Metrics
// =============================================================================

var (
	// BreakerState reports the circuit state per gateway/model (0=closed, 1=open, 2=half-open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per model (0=closed, 1=open, 2=half-open)",
		},
		[]string{"gateway", "model"},
	)

	// BreakerTransitions counts circuit breaker state transitions.
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions, by target state",
		},
		[]string{"to"},
	)

	// AvailableModels tracks models currently reported available per gateway.
	AvailableModels = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "available_models",
			Help:      "Models currently reported available, per gateway",
		},
		[]string{"gateway"},
	)
)

// =============================================================================
// Response Cache Metrics
// =============================================================================

var (
	// CacheOperations counts cache lookups and writes by tier and outcome.
	CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_cache_operations_total",
			Help:      "Response cache operations, by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	// CacheEntries tracks the number of entries in the in-process cache.
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "response_cache_entries",
			Help:      "Entries currently held in the in-process response cache",
		},
	)
)

// =============================================================================
// Connection Pool / Prioritization Metrics
// =============================================================================

var (
	// PooledClients tracks the number of pooled HTTP clients.
	PooledClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pooled_clients",
			Help:      "HTTP clients currently held in the connection pool",
		},
	)

	// RequestsByPriority counts classified requests per priority class.
	RequestsByPriority = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_by_priority_total",
			Help:      "Requests classified by the prioritizer, per priority class",
		},
		[]string{"priority"},
	)
)
