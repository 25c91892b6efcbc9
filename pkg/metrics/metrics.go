package metrics

import (
	"runtime"
	"strconv"
	"time"
)

// roles lists every label value SetRole resets
var roles = []string{"idle", "awaiting_verification", "electing", "coordinator", "follower"}

// RecordHTTPRequest records an admin HTTP request with its duration
func (r *Registry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	r.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordMessage counts a protocol message. direction is "sent" or "received".
func (r *Registry) RecordMessage(direction, tag string) {
	r.MessagesTotal.WithLabelValues(direction, tag).Inc()
}

// RecordDrop counts a message that never reached a handler
func (r *Registry) RecordDrop(reason string) {
	r.MessagesDropped.WithLabelValues(reason).Inc()
}

// SetRole marks the node's current election state
func (r *Registry) SetRole(role string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Reset all roles
	for _, known := range roles {
		r.Role.WithLabelValues(known).Set(0)
	}

	// Set current role
	r.Role.WithLabelValues(role).Set(1)
}

// UpdateArbiter publishes the arbiter's queue and holder
func (r *Registry) UpdateArbiter(queueDepth int, holder uint64) {
	r.ArbiterQueueDepth.Set(float64(queueDepth))
	r.ArbiterHolder.Set(float64(holder))
}

// RecordSyncRound records the outcome of a Berkeley round
func (r *Registry) RecordSyncRound(result string, average time.Duration, excluded int) {
	r.SyncRoundsTotal.WithLabelValues(result).Inc()
	r.SyncAverageOffset.Set(average.Seconds())
	if excluded > 0 {
		r.SyncExcludedTotal.Add(float64(excluded))
	}
}

// SetNodeInfo publishes the node's identity. A restarted node replaces the
// previous incarnation's series.
func (r *Registry) SetNodeInfo(nodeID uint64, incarnation, service string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.NodeInfo.Reset()
	r.NodeInfo.WithLabelValues(strconv.FormatUint(nodeID, 10), incarnation, service).Set(1)
}

// UpdateSystemMetrics samples runtime statistics
func (r *Registry) UpdateSystemMetrics(startedAt time.Time) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	r.UptimeSeconds.Set(time.Since(startedAt).Seconds())
	r.GoRoutines.Set(float64(runtime.NumGoroutine()))
	r.MemoryAllocBytes.Set(float64(mem.Alloc))
	r.MemorySysBytes.Set(float64(mem.Sys))
}
