package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initTransportMetrics() {
	r.MessagesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "coord_messages_total",
			Help: "Protocol messages by direction and tag",
		},
		[]string{"direction", "tag"}, // sent, received
	)

	r.MessagesDropped = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "coord_messages_dropped_total",
			Help: "Messages dropped before reaching a handler",
		},
		[]string{"reason"}, // malformed, unknown_peer, send_error
	)
}
