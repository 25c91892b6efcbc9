package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for a coordination node
type Registry struct {
	// HTTP Metrics (admin server)
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Transport Metrics
	MessagesTotal   *prometheus.CounterVec
	MessagesDropped *prometheus.CounterVec

	// Cluster Metrics (election and liveness)
	ClusterNodesTotal prometheus.Gauge
	ElectionsTotal    *prometheus.CounterVec
	ElectionDuration  prometheus.Histogram
	CoordinatorID     prometheus.Gauge
	Role              *prometheus.GaugeVec
	ProbesTotal       *prometheus.CounterVec

	// Arbiter Metrics
	ArbiterQueueDepth        prometheus.Gauge
	ArbiterGrantsTotal       prometheus.Counter
	ArbiterDuplicateRequests prometheus.Counter
	ArbiterRejectedReleases  prometheus.Counter
	ArbiterHolder            prometheus.Gauge
	ClientCriticalSections   prometheus.Counter

	// Clock Sync Metrics
	SyncRoundsTotal      *prometheus.CounterVec
	SyncExcludedTotal    prometheus.Counter
	SyncAverageOffset    prometheus.Gauge
	ClockOffsetSeconds   prometheus.Gauge
	ClockCorrectionTotal prometheus.Counter

	// System Metrics
	NodeInfo         *prometheus.GaugeVec
	UptimeSeconds    prometheus.Gauge
	GoRoutines       prometheus.Gauge
	MemoryAllocBytes prometheus.Gauge
	MemorySysBytes   prometheus.Gauge

	registry *prometheus.Registry
	mu       sync.RWMutex
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized.
// Simulations running several nodes in one process give each node its own.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
	}

	// Initialize all metrics
	r.initHTTPMetrics()
	r.initTransportMetrics()
	r.initClusterMetrics()
	r.initArbiterMetrics()
	r.initClockSyncMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
