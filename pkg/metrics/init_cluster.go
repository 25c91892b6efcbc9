package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initClusterMetrics() {
	r.ClusterNodesTotal = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "coord_cluster_nodes_total",
			Help: "Total number of nodes in the membership",
		},
	)

	r.ElectionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "coord_elections_total",
			Help: "Bully election outcomes",
		},
		[]string{"result"}, // started, won, timeout, coalesced
	)

	r.ElectionDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coord_election_duration_seconds",
			Help:    "Duration of won elections in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
	)

	r.CoordinatorID = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "coord_coordinator_id",
			Help: "ID of the coordinator this node follows (0 if unknown)",
		},
	)

	r.Role = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coord_role",
			Help: "Election state (1 for current state, 0 otherwise)",
		},
		[]string{"role"},
	)

	r.ProbesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "coord_liveness_probes_total",
			Help: "Coordinator liveness probes by result",
		},
		[]string{"result"}, // sent, alive, timeout
	)
}
