package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initClockSyncMetrics() {
	r.SyncRoundsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "coord_sync_rounds_total",
			Help: "Berkeley synchronization rounds by outcome",
		},
		[]string{"result"}, // complete, partial, empty
	)

	r.SyncExcludedTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "coord_sync_excluded_total",
			Help: "Followers excluded from a round for not replying in time",
		},
	)

	r.SyncAverageOffset = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "coord_sync_average_offset_seconds",
			Help: "Average offset computed by the last round",
		},
	)

	r.ClockOffsetSeconds = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "coord_clock_offset_seconds",
			Help: "Offset of this node's logical clock from the host clock",
		},
	)

	r.ClockCorrectionTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "coord_clock_corrections_total",
			Help: "SYNC corrections applied to this node's clock",
		},
	)
}
