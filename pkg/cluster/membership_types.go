package cluster

import (
	"strconv"
	"sync"

	"github.com/dd0wney/cluso-coord/pkg/metrics"
)

// NodeID identifies a member. Ordering is election priority: higher wins.
// Zero means "unknown".
type NodeID uint64

// String returns the decimal form of the ID
func (id NodeID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Membership is the cluster directory consumed by the election engine.
// Implementations must be safe for concurrent use.
type Membership interface {
	// Self returns the local node's ID
	Self() NodeID
	// Snapshot returns a copy of all members, including self
	Snapshot() map[NodeID]string
	// Lookup returns the address of a member
	Lookup(id NodeID) (string, bool)
	// Add registers a late-joining member
	Add(id NodeID, addr string) error
	// Remove drops a member
	Remove(id NodeID) error
}

// StaticMembership is a Membership loaded once at startup. It only changes
// when a late joiner is admitted or a member is removed explicitly.
//
// Concurrent Safety:
// 1. All public methods use RWMutex for thread-safe access
// 2. Read operations return copies so callers never share the map
type StaticMembership struct {
	self            NodeID
	nodes           map[NodeID]string // nodeID -> address
	mu              sync.RWMutex      // Protects nodes
	metricsRegistry *metrics.Registry
}

// NewStaticMembership creates a membership from a loaded directory.
// Self is added with selfAddr if the directory does not already list it.
func NewStaticMembership(self NodeID, selfAddr string, nodes map[NodeID]string) *StaticMembership {
	sm := &StaticMembership{
		self:            self,
		nodes:           make(map[NodeID]string, len(nodes)+1),
		metricsRegistry: metrics.DefaultRegistry(),
	}

	for id, addr := range nodes {
		if id == 0 {
			continue
		}
		sm.nodes[id] = addr
	}
	if _, ok := sm.nodes[self]; !ok {
		sm.nodes[self] = selfAddr
	}

	sm.updateMetricsLocked()
	return sm
}

// WithMetrics replaces the metrics registry (used by tests and multi-node processes)
func (sm *StaticMembership) WithMetrics(r *metrics.Registry) *StaticMembership {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.metricsRegistry = r
	sm.updateMetricsLocked()
	return sm
}

func (sm *StaticMembership) updateMetricsLocked() {
	if sm.metricsRegistry != nil {
		sm.metricsRegistry.ClusterNodesTotal.Set(float64(len(sm.nodes)))
	}
}
