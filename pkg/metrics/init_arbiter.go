package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initArbiterMetrics() {
	r.ArbiterQueueDepth = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "coord_arbiter_queue_depth",
			Help: "Nodes waiting for the shared resource",
		},
	)

	r.ArbiterGrantsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "coord_arbiter_grants_total",
			Help: "USE grants issued by the arbiter",
		},
	)

	r.ArbiterDuplicateRequests = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "coord_arbiter_duplicate_requests_total",
			Help: "REQUEST messages from nodes already queued or holding",
		},
	)

	r.ArbiterRejectedReleases = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "coord_arbiter_rejected_releases_total",
			Help: "FREE messages from nodes that were not the holder",
		},
	)

	r.ArbiterHolder = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "coord_arbiter_holder",
			Help: "ID of the node holding the resource (0 if free)",
		},
	)

	r.ClientCriticalSections = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "coord_client_critical_sections_total",
			Help: "Critical sections completed by this node",
		},
	)
}
