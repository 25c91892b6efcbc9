// Package arbiter implements centralized mutual exclusion of a single shared
// resource. The coordinator runs an Arbiter that grants the resource in FIFO
// order; every follower runs a Client that periodically asks for it.
package arbiter

import (
	"context"
	"sync"

	"github.com/dd0wney/cluso-coord/pkg/cluster"
	"github.com/dd0wney/cluso-coord/pkg/logging"
	"github.com/dd0wney/cluso-coord/pkg/metrics"
	"github.com/dd0wney/cluso-coord/pkg/protocol"
)

// State is a point-in-time view of the arbiter
type State struct {
	Holder cluster.NodeID   `json:"holder"`
	Queue  []cluster.NodeID `json:"queue"`
}

// Arbiter grants the shared resource to one node at a time. An Arbiter lives
// for a single coordinator tenure.
//
// Concurrent Safety:
// 1. Queue and holder are protected by sync.Mutex
// 2. Grants happen only on the Run goroutine, woken through a channel
// 3. USE is sent outside the lock
type Arbiter struct {
	self      cluster.NodeID
	sender    cluster.Sender
	logger    logging.Logger
	registry  *metrics.Registry
	queue     []cluster.NodeID
	queued    map[cluster.NodeID]struct{}
	grantedTo cluster.NodeID // 0 when the resource is free
	wake      chan struct{}
	mu        sync.Mutex
}

// New creates an arbiter for the coordinator self
func New(self cluster.NodeID, sender cluster.Sender, logger logging.Logger) *Arbiter {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Arbiter{
		self:     self,
		sender:   sender,
		logger:   logger.With(logging.Component("arbiter")),
		registry: metrics.DefaultRegistry(),
		queued:   make(map[cluster.NodeID]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// WithMetrics replaces the metrics registry
func (a *Arbiter) WithMetrics(r *metrics.Registry) *Arbiter {
	a.registry = r
	return a
}

// Request enqueues from. A node that is already queued or holding the
// resource is not queued twice; the return value reports whether it was added.
func (a *Arbiter) Request(from cluster.NodeID) bool {
	a.mu.Lock()
	_, waiting := a.queued[from]
	if waiting || a.grantedTo == from {
		a.mu.Unlock()
		a.logger.Debug("duplicate resource request", logging.Peer(uint64(from)))
		if a.registry != nil {
			a.registry.ArbiterDuplicateRequests.Inc()
		}
		return false
	}

	a.queue = append(a.queue, from)
	a.queued[from] = struct{}{}
	a.publishLocked()
	a.mu.Unlock()

	a.signal()
	return true
}

// Release frees the resource if from holds it. Releases from any other node
// are ignored.
func (a *Arbiter) Release(from cluster.NodeID) bool {
	a.mu.Lock()
	if a.grantedTo != from || from == 0 {
		holder := a.grantedTo
		a.mu.Unlock()
		a.logger.Warn("release from non-holder ignored",
			logging.Peer(uint64(from)),
			logging.Uint64("holder", uint64(holder)))
		if a.registry != nil {
			a.registry.ArbiterRejectedReleases.Inc()
		}
		return false
	}

	a.grantedTo = 0
	a.publishLocked()
	a.mu.Unlock()

	a.logger.Debug("resource released", logging.Peer(uint64(from)))
	a.signal()
	return true
}

// Run grants the resource until ctx is cancelled
func (a *Arbiter) Run(ctx context.Context) {
	a.logger.Info("arbiter started")
	defer a.logger.Info("arbiter stopped")

	for {
		a.grantNext()

		select {
		case <-ctx.Done():
			return
		case <-a.wake:
		}
	}
}

// grantNext hands the resource to the head of the queue if it is free
func (a *Arbiter) grantNext() (cluster.NodeID, bool) {
	a.mu.Lock()
	if a.grantedTo != 0 || len(a.queue) == 0 {
		a.mu.Unlock()
		return 0, false
	}

	next := a.queue[0]
	a.queue = a.queue[1:]
	delete(a.queued, next)
	a.grantedTo = next
	a.publishLocked()
	a.mu.Unlock()

	a.logger.Info("resource granted", logging.Peer(uint64(next)))
	if a.registry != nil {
		a.registry.ArbiterGrantsTotal.Inc()
	}
	a.sender.Send(next, protocol.New(protocol.MsgUse, uint64(a.self)))
	return next, true
}

// Snapshot returns the current holder and queue
func (a *Arbiter) Snapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	queue := make([]cluster.NodeID, len(a.queue))
	copy(queue, a.queue)
	return State{Holder: a.grantedTo, Queue: queue}
}

func (a *Arbiter) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// publishLocked updates gauges (must be called with lock held)
func (a *Arbiter) publishLocked() {
	if a.registry != nil {
		a.registry.UpdateArbiter(len(a.queue), uint64(a.grantedTo))
	}
}
