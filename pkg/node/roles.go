package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dd0wney/cluso-coord/pkg/arbiter"
	"github.com/dd0wney/cluso-coord/pkg/clocksync"
	"github.com/dd0wney/cluso-coord/pkg/cluster"
	"github.com/dd0wney/cluso-coord/pkg/config"
	"github.com/dd0wney/cluso-coord/pkg/logging"
	"github.com/dd0wney/cluso-coord/pkg/metrics"
)

// RoleDispatcher starts the coordinator-only service when this node wins an
// election and tears it down when another node takes over. Each stint as
// coordinator is a tenure with its own context, arbiter and synchronizer.
//
// Concurrent Safety:
// 1. Tenure state protected by sync.Mutex
// 2. Tenure goroutines are tracked and awaited on Stop
// 3. Election callbacks only start or cancel work, they never block
type RoleDispatcher struct {
	role       config.Role
	self       cluster.NodeID
	membership cluster.Membership
	sender     cluster.Sender
	clock      *clocksync.LocalClock
	client     *arbiter.Client // nil unless role is mutex
	resync     time.Duration
	replyWait  time.Duration
	registry   *metrics.Registry
	logger     logging.Logger
	rootLogger logging.Logger // handed to per-tenure services

	parent    context.Context
	cancel    context.CancelFunc // ends the current tenure; nil when not coordinator
	arbiter   *arbiter.Arbiter
	sync      *clocksync.Synchronizer
	lastRound *clocksync.RoundResult
	tenures   int
	tasks     taskGroup
	mu        sync.Mutex
}

func newRoleDispatcher(cfg *config.NodeConfig, membership cluster.Membership, sender cluster.Sender,
	clock *clocksync.LocalClock, client *arbiter.Client, registry *metrics.Registry, logger logging.Logger) *RoleDispatcher {
	return &RoleDispatcher{
		role:       cfg.Role,
		self:       cluster.NodeID(cfg.NodeID),
		membership: membership,
		sender:     sender,
		clock:      clock,
		client:     client,
		resync:     cfg.ClockSync.ResyncInterval,
		replyWait:  cfg.ClockSync.ReplyTimeout,
		registry:   registry,
		logger:     logger.With(logging.Component("roles")),
		rootLogger: logger,
		parent:     context.Background(),
	}
}

// bind sets the context tenures derive from
func (d *RoleDispatcher) bind(ctx context.Context) {
	d.mu.Lock()
	d.parent = ctx
	d.mu.Unlock()
}

// BecomeCoordinator begins a new tenure
func (d *RoleDispatcher) BecomeCoordinator() {
	d.mu.Lock()
	d.endTenureLocked()
	ctx, cancel := context.WithCancel(d.parent)
	d.cancel = cancel
	d.tenures++

	switch d.role {
	case config.RoleMutex:
		a := arbiter.New(d.self, d.sender, d.rootLogger).WithMetrics(d.registry)
		d.arbiter = a
		d.tasks.Go(func() { a.Run(ctx) })
	case config.RoleClockSync:
		s := clocksync.NewSynchronizer(d.self, d.clock, d.sender, d.replyWait, d.rootLogger).WithMetrics(d.registry)
		d.sync = s
		d.tasks.Go(func() { d.runClockSync(ctx, s) })
	}
	d.mu.Unlock()

	d.logger.Info("coordinator tenure started", logging.String("role", string(d.role)))
}

// CoordinatorChanged ends this node's tenure when another node takes over
// and puts the resource client back to idle
func (d *RoleDispatcher) CoordinatorChanged(coordinator cluster.NodeID) {
	if d.client != nil {
		d.client.Reset()
	}
	if coordinator == d.self {
		return
	}

	d.mu.Lock()
	ended := d.endTenureLocked()
	d.mu.Unlock()

	if ended {
		d.logger.Info("coordinator tenure ended", logging.Coordinator(uint64(coordinator)))
	}
}

// endTenureLocked cancels the running tenure. Queued requests and pending
// samples die with it.
func (d *RoleDispatcher) endTenureLocked() bool {
	if d.cancel == nil {
		return false
	}
	d.cancel()
	d.cancel = nil
	d.arbiter = nil
	d.sync = nil
	if d.registry != nil {
		d.registry.UpdateArbiter(0, 0)
	}
	return true
}

// Arbiter returns the current tenure's arbiter, nil when this node is not a
// mutex coordinator
func (d *RoleDispatcher) Arbiter() *arbiter.Arbiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.arbiter
}

// Synchronizer returns the current tenure's synchronizer, nil when this node
// is not a clock-sync coordinator
func (d *RoleDispatcher) Synchronizer() *clocksync.Synchronizer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sync
}

// LastRound returns the most recent completed sync round, if any
func (d *RoleDispatcher) LastRound() *clocksync.RoundResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastRound
}

// Tenures counts how many times this node has become coordinator
func (d *RoleDispatcher) Tenures() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tenures
}

// TriggerSync runs an extra round in the current tenure
func (d *RoleDispatcher) TriggerSync(ctx context.Context) (clocksync.RoundResult, error) {
	s := d.Synchronizer()
	if s == nil {
		return clocksync.RoundResult{}, ErrNotSyncCoordinator
	}
	return d.syncRound(ctx, s)
}

// Stop ends any tenure and waits for its goroutines
func (d *RoleDispatcher) Stop() {
	d.mu.Lock()
	d.endTenureLocked()
	d.mu.Unlock()
	d.tasks.Wait()
}

func (d *RoleDispatcher) runClockSync(ctx context.Context, s *clocksync.Synchronizer) {
	s.AnnounceMaster(cluster.Peers(d.membership))

	for {
		if _, err := d.syncRound(ctx, s); err != nil && ctx.Err() != nil {
			return
		}
		if d.resync <= 0 {
			return
		}

		timer := time.NewTimer(d.resync)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (d *RoleDispatcher) syncRound(ctx context.Context, s *clocksync.Synchronizer) (clocksync.RoundResult, error) {
	result, err := s.StartRound(ctx, cluster.Peers(d.membership))
	switch {
	case errors.Is(err, clocksync.ErrNoFollowers):
		d.logger.Debug("no followers to synchronize")
		return result, err
	case err != nil:
		if ctx.Err() == nil {
			d.logger.Warn("sync round failed", logging.Error(err))
		}
		return result, err
	}

	d.mu.Lock()
	d.lastRound = &result
	d.mu.Unlock()
	return result, nil
}
