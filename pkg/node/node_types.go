// Package node assembles a coordination node: membership loaded from the
// registry, a transport, the election engine, the liveness monitor and the
// coordinator role services, joined by a single receive loop.
package node

import (
	"context"
	"sync"
	"time"

	"github.com/dd0wney/cluso-coord/pkg/arbiter"
	"github.com/dd0wney/cluso-coord/pkg/clocksync"
	"github.com/dd0wney/cluso-coord/pkg/cluster"
	"github.com/dd0wney/cluso-coord/pkg/config"
	"github.com/dd0wney/cluso-coord/pkg/logging"
	"github.com/dd0wney/cluso-coord/pkg/metrics"
	"github.com/dd0wney/cluso-coord/pkg/registry"
	"github.com/dd0wney/cluso-coord/pkg/transport"
)

// Deps are the collaborators a node is built from. Only Registry is required.
type Deps struct {
	Registry  registry.Registry     // membership source
	Transport transport.Transport   // nil: opened from the config
	Clock     *clocksync.LocalClock // nil: system clock skewed by ClockSync.InitialOffset
	Metrics   *metrics.Registry     // nil: a private registry
	Logger    logging.Logger        // nil: no logging
}

// Node is one member of the coordination cluster
//
// Concurrent Safety:
// 1. Lifecycle fields protected by sync.Mutex
// 2. Each component guards its own state; the node holds no protocol state
// 3. Messages are handled one at a time on the receive goroutine
type Node struct {
	config      *config.NodeConfig
	id          cluster.NodeID
	incarnation string
	addr        string

	registry   registry.Registry
	transport  transport.Transport
	membership *cluster.StaticMembership
	sender     *transportSender
	election   *cluster.ElectionManager
	liveness   *cluster.LivenessMonitor
	roles      *RoleDispatcher
	client     *arbiter.Client     // mutex role only
	follower   *clocksync.Follower // clocksync role only
	clock      *clocksync.LocalClock

	metrics *metrics.Registry
	logger  logging.Logger

	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	stopped   bool
	tasks     taskGroup
	mu        sync.Mutex
}

// Snapshot is a point-in-time view of a node, served on /status and drawn by
// the simulator
type Snapshot struct {
	NodeID      cluster.NodeID            `json:"node_id"`
	Incarnation string                    `json:"incarnation"`
	Addr        string                    `json:"addr"`
	Role        config.Role               `json:"role"`
	Running     bool                      `json:"running"`
	State       string                    `json:"state"`
	Coordinator cluster.NodeID            `json:"coordinator"`
	Members     map[cluster.NodeID]string `json:"members"`
	Tenures     int                       `json:"tenures"`
	Resource    string                    `json:"resource,omitempty"`
	Arbiter     *arbiter.State            `json:"arbiter,omitempty"`
	ClockOffset time.Duration             `json:"clock_offset"`
	ClockMaster cluster.NodeID            `json:"clock_master,omitempty"`
	LastRound   *clocksync.RoundResult    `json:"last_round,omitempty"`
	Uptime      time.Duration             `json:"uptime"`
}
