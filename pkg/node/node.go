package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-coord/pkg/arbiter"
	"github.com/dd0wney/cluso-coord/pkg/clocksync"
	"github.com/dd0wney/cluso-coord/pkg/cluster"
	"github.com/dd0wney/cluso-coord/pkg/config"
	"github.com/dd0wney/cluso-coord/pkg/logging"
	"github.com/dd0wney/cluso-coord/pkg/metrics"
	"github.com/dd0wney/cluso-coord/pkg/transport"
)

// New builds a node from cfg. Membership is loaded from the registry; a node
// missing from it registers itself so that peers can find it.
func New(ctx context.Context, cfg *config.NodeConfig, deps Deps) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid node config: %w", err)
	}
	if deps.Registry == nil {
		return nil, errors.New("node requires a registry")
	}

	self := cluster.NodeID(cfg.NodeID)
	incarnation := uuid.NewString()

	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.With(logging.NodeID(uint64(self)), logging.Instance(incarnation))

	reg := deps.Metrics
	if reg == nil {
		reg = metrics.NewRegistry()
	}

	members, err := deps.Registry.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load members: %w", err)
	}

	addr, registered := members[self]
	if !registered {
		addr = cfg.Listen
	}
	if addr == "" {
		return nil, ErrNoListenAddr
	}
	if !registered {
		if err := deps.Registry.Register(ctx, self, addr); err != nil {
			return nil, fmt.Errorf("failed to register node: %w", err)
		}
		logger.Info("registered in cluster directory", logging.String("addr", addr))
	}

	listen := cfg.Listen
	if listen == "" {
		listen = addr
	}
	tr := deps.Transport
	if tr == nil {
		tr, err = transport.New(cfg.Transport, listen, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open transport: %w", err)
		}
	}

	clock := deps.Clock
	if clock == nil {
		clock = clocksync.NewSkewedClock(cfg.ClockSync.InitialOffset)
	}
	reg.ClockOffsetSeconds.Set(clock.Offset().Seconds())
	reg.SetNodeInfo(uint64(self), incarnation, string(cfg.Role))

	n := &Node{
		config:      cfg,
		id:          self,
		incarnation: incarnation,
		addr:        addr,
		registry:    deps.Registry,
		transport:   tr,
		clock:       clock,
		metrics:     reg,
		logger:      logger,
	}

	n.membership = cluster.NewStaticMembership(self, addr, members).WithMetrics(reg)
	n.sender = &transportSender{
		membership: n.membership,
		transport:  tr,
		registry:   reg,
		logger:     logger.With(logging.Component("sender")),
	}
	n.election = cluster.NewElectionManager(cfg.ClusterConfig(), n.membership, n.sender, logger).WithMetrics(reg)
	n.liveness = cluster.NewLivenessMonitor(self, cfg.EffectiveProbeInterval(), n.election, n.sender,
		n.suspectCoordinator, logger).WithMetrics(reg)

	switch cfg.Role {
	case config.RoleMutex:
		n.client = arbiter.NewClient(self, cfg.ClientConfig(), n.election, n.sender, logger).WithMetrics(reg)
	case config.RoleClockSync:
		n.follower = clocksync.NewFollower(self, clock, n.sender, logger).WithMetrics(reg)
	}

	n.roles = newRoleDispatcher(cfg, n.membership, n.sender, clock, n.client, reg, logger)
	n.election.SetCallbacks(n.roles.BecomeCoordinator, n.roles.CoordinatorChanged, nil)

	return n, nil
}

// Start launches the receive loop, the liveness monitor, the resource client
// and startup coordinator verification
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running || n.stopped {
		return ErrAlreadyStarted
	}

	n.ctx, n.cancel = context.WithCancel(ctx)
	n.startedAt = time.Now()
	n.running = true
	n.roles.bind(n.ctx)

	runCtx := n.ctx
	n.tasks.Go(func() {
		if err := n.transport.Receive(runCtx, n.handle); err != nil && runCtx.Err() == nil {
			n.logger.Error("receive loop stopped", logging.Error(err))
		}
	})
	n.tasks.Go(func() { n.liveness.Run(runCtx) })
	if n.client != nil {
		n.tasks.Go(func() { n.client.Run(runCtx) })
	}
	n.tasks.Go(func() {
		if err := n.election.VerifyCoordinator(runCtx); err != nil && runCtx.Err() == nil {
			n.logger.Warn("coordinator verification failed", logging.Error(err))
		}
	})

	n.logger.Info("node started",
		logging.String("addr", n.addr),
		logging.String("transport", string(n.config.Transport)),
		logging.String("role", string(n.config.Role)),
		logging.Count(n.membership.Count()))
	return nil
}

// Stop shuts the node down and closes its transport. A stopped node cannot be
// restarted; build a new one.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return ErrNotStarted
	}
	n.running = false
	n.stopped = true
	n.cancel()
	n.mu.Unlock()

	n.election.Stop()
	n.tasks.Wait()
	n.roles.Stop()

	err := n.transport.Close()
	n.logger.Info("node stopped")
	return err
}

// Run starts the node and blocks until ctx is cancelled
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return n.Stop()
}

// TriggerElection starts an election in the background
func (n *Node) TriggerElection() {
	ctx := n.runContext()
	go func() {
		if err := n.election.StartElection(ctx); err != nil && ctx.Err() == nil {
			n.logger.Warn("election failed", logging.Error(err))
		}
	}()
}

// TriggerSync runs a Berkeley round now. Only the clock-sync coordinator can.
func (n *Node) TriggerSync(ctx context.Context) (clocksync.RoundResult, error) {
	return n.roles.TriggerSync(ctx)
}

// suspectCoordinator is the liveness monitor's reaction to a silent coordinator
func (n *Node) suspectCoordinator(ctx context.Context, coordinator cluster.NodeID) {
	n.logger.Info("starting election after failed probe", logging.Coordinator(uint64(coordinator)))
	if err := n.election.StartElection(ctx); err != nil && ctx.Err() == nil {
		n.logger.Warn("election failed", logging.Error(err))
	}
}

func (n *Node) runContext() context.Context {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ctx == nil {
		return context.Background()
	}
	return n.ctx
}

// ID returns the node's ID
func (n *Node) ID() cluster.NodeID { return n.id }

// Incarnation identifies this run of the node
func (n *Node) Incarnation() string { return n.incarnation }

// Election exposes the election engine
func (n *Node) Election() *cluster.ElectionManager { return n.election }

// Membership exposes the node's view of the cluster
func (n *Node) Membership() *cluster.StaticMembership { return n.membership }

// Clock exposes the node's local clock
func (n *Node) Clock() *clocksync.LocalClock { return n.clock }

// Roles exposes the coordinator role dispatcher
func (n *Node) Roles() *RoleDispatcher { return n.roles }

// Metrics returns the node's metrics registry
func (n *Node) Metrics() *metrics.Registry { return n.metrics }

// Running reports whether the node has been started and not stopped
func (n *Node) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// Snapshot returns the node's current view
func (n *Node) Snapshot() Snapshot {
	n.mu.Lock()
	running, startedAt := n.running, n.startedAt
	n.mu.Unlock()

	s := Snapshot{
		NodeID:      n.id,
		Incarnation: n.incarnation,
		Addr:        n.addr,
		Role:        n.config.Role,
		Running:     running,
		State:       n.election.GetState().String(),
		Coordinator: n.election.Coordinator(),
		Members:     n.membership.Snapshot(),
		Tenures:     n.roles.Tenures(),
		ClockOffset: n.clock.Offset(),
		LastRound:   n.roles.LastRound(),
	}
	if running {
		s.Uptime = time.Since(startedAt)
	}
	if n.client != nil {
		s.Resource = n.client.State().String()
	}
	if a := n.roles.Arbiter(); a != nil {
		state := a.Snapshot()
		s.Arbiter = &state
	}
	if n.follower != nil {
		s.ClockMaster = n.follower.Master()
	}
	return s
}
