package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/dd0wney/cluso-coord/pkg/logging"
	"github.com/dd0wney/cluso-coord/pkg/metrics"
	"github.com/dd0wney/cluso-coord/pkg/protocol"
)

// CoordinatorSource reports the coordinator a node currently follows
type CoordinatorSource interface {
	Coordinator() NodeID
}

// LivenessMonitor probes the coordinator with ISALIVE and reports it as
// suspected when no ALIVE arrives within one probe interval.
//
// Concurrent Safety:
// 1. Only one probe is outstanding at a time
// 2. HandleAlive may be called from any goroutine
type LivenessMonitor struct {
	self      NodeID
	interval  time.Duration
	source    CoordinatorSource
	sender    Sender
	onSuspect func(ctx context.Context, coordinator NodeID)
	logger    logging.Logger
	registry  *metrics.Registry

	awaiting NodeID        // coordinator the outstanding probe targets
	aliveCh  chan struct{} // closed on a matching ALIVE
	mu       sync.Mutex
}

// NewLivenessMonitor creates a monitor. onSuspect is called from Run's
// goroutine when a probe goes unanswered.
func NewLivenessMonitor(self NodeID, interval time.Duration, source CoordinatorSource, sender Sender,
	onSuspect func(ctx context.Context, coordinator NodeID), logger logging.Logger) *LivenessMonitor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &LivenessMonitor{
		self:      self,
		interval:  interval,
		source:    source,
		sender:    sender,
		onSuspect: onSuspect,
		logger:    logger.With(logging.Component("liveness")),
		registry:  metrics.DefaultRegistry(),
	}
}

// WithMetrics replaces the metrics registry
func (lm *LivenessMonitor) WithMetrics(r *metrics.Registry) *LivenessMonitor {
	lm.registry = r
	return lm
}

// Run probes until ctx is cancelled. Nothing is probed while the coordinator
// is unknown or is this node.
func (lm *LivenessMonitor) Run(ctx context.Context) {
	timer := time.NewTimer(lm.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		lm.check(ctx)
		timer.Reset(lm.interval)
	}
}

// check performs one probe cycle
func (lm *LivenessMonitor) check(ctx context.Context) {
	coordinator := lm.source.Coordinator()
	if coordinator == 0 || coordinator == lm.self {
		return
	}

	if lm.Probe(ctx, coordinator) || ctx.Err() != nil {
		return
	}
	// The coordinator may have changed while we waited
	if lm.source.Coordinator() != coordinator {
		return
	}

	lm.logger.Warn("coordinator unresponsive", logging.Coordinator(uint64(coordinator)))
	if lm.onSuspect != nil {
		lm.onSuspect(ctx, coordinator)
	}
}

// Probe sends ISALIVE to coordinator and waits one interval for ALIVE
func (lm *LivenessMonitor) Probe(ctx context.Context, coordinator NodeID) bool {
	aliveCh := make(chan struct{})
	lm.mu.Lock()
	lm.awaiting = coordinator
	lm.aliveCh = aliveCh
	lm.mu.Unlock()

	defer func() {
		lm.mu.Lock()
		lm.awaiting = 0
		lm.aliveCh = nil
		lm.mu.Unlock()
	}()

	lm.sender.Send(coordinator, protocol.New(protocol.MsgIsAlive, uint64(lm.self)))
	lm.record("sent")

	timer := time.NewTimer(lm.interval)
	defer timer.Stop()

	select {
	case <-aliveCh:
		lm.record("alive")
		return true
	case <-timer.C:
		lm.record("timeout")
		return false
	case <-ctx.Done():
		return false
	}
}

// HandleAlive resolves the outstanding probe if from is its target
func (lm *LivenessMonitor) HandleAlive(from NodeID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.aliveCh == nil || from != lm.awaiting {
		return
	}
	close(lm.aliveCh)
	lm.aliveCh = nil
}

func (lm *LivenessMonitor) record(result string) {
	if lm.registry != nil {
		lm.registry.ProbesTotal.WithLabelValues(result).Inc()
	}
}
