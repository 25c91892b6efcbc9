// Package simulation runs a whole coordination cluster in one process over an
// in-memory network, with controls to crash, restart and add nodes.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dd0wney/cluso-coord/pkg/clocksync"
	"github.com/dd0wney/cluso-coord/pkg/cluster"
	"github.com/dd0wney/cluso-coord/pkg/config"
	"github.com/dd0wney/cluso-coord/pkg/logging"
	"github.com/dd0wney/cluso-coord/pkg/node"
	"github.com/dd0wney/cluso-coord/pkg/registry"
	"github.com/dd0wney/cluso-coord/pkg/transport"
)

var (
	ErrUnknownNode  = errors.New("unknown node")
	ErrNodeExists   = errors.New("node already exists")
	ErrNodeRunning  = errors.New("node is running")
	ErrNodeDown     = errors.New("node is down")
	ErrNotStarted   = errors.New("cluster not started")
	ErrInvalidNodes = errors.New("node IDs must be positive")
)

// Options describe a simulated cluster
type Options struct {
	Role      config.Role
	IDs       []cluster.NodeID
	Offsets   map[cluster.NodeID]time.Duration // initial clock skew per node
	Configure func(cfg *config.NodeConfig)     // timing overrides applied to every node
	Logger    logging.Logger
}

// Accelerated shortens every protocol timing so that a simulated cluster
// settles in seconds
func Accelerated(cfg *config.NodeConfig) {
	cfg.Election.VerifyTimeout = time.Second
	cfg.Election.ElectionTimeout = 500 * time.Millisecond
	cfg.Election.ProbeInterval = 500 * time.Millisecond
	cfg.Mutex.RequestDelayMin = time.Second
	cfg.Mutex.RequestDelayMax = 3 * time.Second
	cfg.Mutex.HoldMin = 500 * time.Millisecond
	cfg.Mutex.HoldMax = 1500 * time.Millisecond
	cfg.ClockSync.ReplyTimeout = time.Second
}

// Cluster is a set of nodes sharing a MemoryNetwork and a MemoryRegistry
//
// Concurrent Safety:
// 1. The node table is protected by sync.Mutex
// 2. Node start and stop happen outside the lock
type Cluster struct {
	opts     Options
	network  *transport.MemoryNetwork
	registry *registry.MemoryRegistry
	nodes    map[cluster.NodeID]*node.Node
	clocks   map[cluster.NodeID]*clocksync.LocalClock
	logger   logging.Logger
	ctx      context.Context
	mu       sync.Mutex
}

// New builds a cluster with one node per ID; nothing runs until Start
func New(opts Options) (*Cluster, error) {
	if opts.Role == "" {
		opts.Role = config.RoleNone
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}

	members := make(map[cluster.NodeID]string, len(opts.IDs))
	for _, id := range opts.IDs {
		if id == 0 {
			return nil, ErrInvalidNodes
		}
		members[id] = addrOf(id)
	}

	c := &Cluster{
		opts:     opts,
		network:  transport.NewMemoryNetwork(),
		registry: registry.NewMemoryRegistry(members),
		nodes:    make(map[cluster.NodeID]*node.Node),
		clocks:   make(map[cluster.NodeID]*clocksync.LocalClock),
		logger:   opts.Logger.With(logging.Component("simulation")),
	}

	for _, id := range opts.IDs {
		c.clocks[id] = clocksync.NewSkewedClock(opts.Offsets[id])
		n, err := c.build(id)
		if err != nil {
			return nil, err
		}
		c.nodes[id] = n
	}
	return c, nil
}

func addrOf(id cluster.NodeID) string {
	return fmt.Sprintf("sim-%d", id)
}

// build creates a node with a fresh endpoint
func (c *Cluster) build(id cluster.NodeID) (*node.Node, error) {
	cfg := config.Default()
	cfg.NodeID = uint64(id)
	cfg.Listen = addrOf(id)
	cfg.Role = c.opts.Role
	if c.opts.Configure != nil {
		c.opts.Configure(cfg)
	}

	n, err := node.New(context.Background(), cfg, node.Deps{
		Registry:  c.registry,
		Transport: c.network.Endpoint(addrOf(id)),
		Clock:     c.clocks[id],
		Logger:    c.opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build node %d: %w", id, err)
	}
	return n, nil
}

// Start runs every node. Nodes stop when ctx is cancelled or Stop is called.
func (c *Cluster) Start(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	nodes := c.sortedLocked()
	c.mu.Unlock()

	for _, n := range nodes {
		if err := n.Start(ctx); err != nil {
			return fmt.Errorf("failed to start node %d: %w", n.ID(), err)
		}
	}
	c.logger.Info("cluster started", logging.Count(len(nodes)))
	return nil
}

// Stop shuts down every running node
func (c *Cluster) Stop() {
	c.mu.Lock()
	nodes := c.sortedLocked()
	c.mu.Unlock()

	for _, n := range nodes {
		if n.Running() {
			n.Stop()
		}
	}
}

// Crash stops a node. Its peers find out only through failed probes.
func (c *Cluster) Crash(id cluster.NodeID) error {
	n, err := c.node(id)
	if err != nil {
		return err
	}
	if !n.Running() {
		return ErrNodeDown
	}
	c.logger.Info("crashing node", logging.NodeID(uint64(id)))
	return n.Stop()
}

// Restart brings a crashed node back as a new incarnation. The node's clock
// keeps whatever skew it had.
func (c *Cluster) Restart(id cluster.NodeID) error {
	old, err := c.node(id)
	if err != nil {
		return err
	}
	if old.Running() {
		return ErrNodeRunning
	}
	return c.launch(id)
}

// Join adds a node that was not part of the initial cluster. It registers
// itself and learns the coordinator through verification.
func (c *Cluster) Join(id cluster.NodeID, offset time.Duration) error {
	if id == 0 {
		return ErrInvalidNodes
	}
	c.mu.Lock()
	if _, exists := c.nodes[id]; exists {
		c.mu.Unlock()
		return ErrNodeExists
	}
	c.clocks[id] = clocksync.NewSkewedClock(offset)
	c.mu.Unlock()

	return c.launch(id)
}

func (c *Cluster) launch(id cluster.NodeID) error {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		return ErrNotStarted
	}

	n, err := c.build(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.nodes[id] = n
	c.mu.Unlock()

	c.logger.Info("launching node", logging.NodeID(uint64(id)))
	return n.Start(ctx)
}

// TriggerElection makes a node start an election
func (c *Cluster) TriggerElection(id cluster.NodeID) error {
	n, err := c.running(id)
	if err != nil {
		return err
	}
	n.TriggerElection()
	return nil
}

// TriggerSync runs a Berkeley round on a node, which must be the clock-sync
// coordinator
func (c *Cluster) TriggerSync(ctx context.Context, id cluster.NodeID) (clocksync.RoundResult, error) {
	n, err := c.running(id)
	if err != nil {
		return clocksync.RoundResult{}, err
	}
	return n.TriggerSync(ctx)
}

// Coordinator returns the coordinator every running node agrees on, or false
// while they disagree
func (c *Cluster) Coordinator() (cluster.NodeID, bool) {
	var agreed cluster.NodeID
	seen := false
	for _, s := range c.Snapshot() {
		if !s.Running {
			continue
		}
		if !seen {
			agreed, seen = s.Coordinator, true
			continue
		}
		if s.Coordinator != agreed {
			return 0, false
		}
	}
	return agreed, seen && agreed != 0
}

// Snapshot returns every node's view, ordered by ID. Crashed nodes are
// included with Running false.
func (c *Cluster) Snapshot() []node.Snapshot {
	c.mu.Lock()
	nodes := c.sortedLocked()
	c.mu.Unlock()

	out := make([]node.Snapshot, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Snapshot())
	}
	return out
}

// NetworkStats returns messages delivered and dropped by the in-memory network
func (c *Cluster) NetworkStats() (delivered, dropped uint64) {
	return c.network.Stats()
}

// Node returns the current incarnation of id
func (c *Cluster) Node(id cluster.NodeID) (*node.Node, error) {
	return c.node(id)
}

func (c *Cluster) node(id cluster.NodeID) (*node.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return n, nil
}

func (c *Cluster) running(id cluster.NodeID) (*node.Node, error) {
	n, err := c.node(id)
	if err != nil {
		return nil, err
	}
	if !n.Running() {
		return nil, ErrNodeDown
	}
	return n, nil
}

func (c *Cluster) sortedLocked() []*node.Node {
	ids := make([]cluster.NodeID, 0, len(c.nodes))
	for id := range c.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	nodes := make([]*node.Node, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, c.nodes[id])
	}
	return nodes
}
