package cluster

import (
	"context"
	"time"

	"github.com/dd0wney/cluso-coord/pkg/logging"
	"github.com/dd0wney/cluso-coord/pkg/protocol"
)

// Stop releases any in-flight election or verification wait
func (em *ElectionManager) Stop() {
	em.stopOnce.Do(func() {
		close(em.stopCh)
		em.logger.Info("election manager stopped")
	})
}

// StartElection runs a Bully election round.
//
// ELECTION is sent to every higher-ID peer. If none answers OK within
// ElectionTimeout this node announces itself. If some peer answered, the node
// waits one more ElectionTimeout for that peer's COORDINATOR and starts over
// when it does not arrive. Calls made while a round is in flight return
// immediately.
func (em *ElectionManager) StartElection(ctx context.Context) error {
	for {
		restart, err := em.runElectionRound(ctx)
		if err != nil || !restart {
			return err
		}
		em.logger.Warn("higher peer acknowledged but never announced, restarting election")
	}
}

// runElectionRound performs a single round. restart reports that the round
// ended without a coordinator and must be repeated.
func (em *ElectionManager) runElectionRound(ctx context.Context) (restart bool, err error) {
	self := em.membership.Self()
	higher := HigherPeers(em.membership)

	em.mu.Lock()
	if em.electing {
		em.mu.Unlock()
		if em.metricsRegistry != nil {
			em.metricsRegistry.ElectionsTotal.WithLabelValues("coalesced").Inc()
		}
		return false, nil
	}
	if len(higher) == 0 {
		em.mu.Unlock()
		em.AnnounceCoordinator()
		return false, nil
	}

	em.electing = true
	// A sitting coordinator keeps its role while it checks for higher peers
	if em.coordinator != self {
		em.state = StateElecting
	}
	em.okReceived = false
	em.pending = make(map[NodeID]struct{}, len(higher))
	for _, id := range higher {
		em.pending[id] = struct{}{}
	}
	em.acksDone = make(chan struct{})
	em.announced = make(chan struct{})
	em.electionTime = time.Now()
	acksDone, announced := em.acksDone, em.announced
	callback := em.onElectionStarted
	em.mu.Unlock()

	defer em.finishElection()

	em.logger.Info("starting election", logging.Count(len(higher)))
	if em.metricsRegistry != nil {
		em.metricsRegistry.ElectionsTotal.WithLabelValues("started").Inc()
		em.metricsRegistry.SetRole(em.GetState().String())
	}
	if callback != nil {
		callback()
	}

	for _, id := range higher {
		em.sender.Send(id, protocol.New(protocol.MsgElection, uint64(self)))
	}

	settled, err := em.await(ctx, announced, acksDone, em.config.ElectionTimeout)
	if err != nil || settled {
		return false, err
	}

	em.mu.Lock()
	ok := em.okReceived
	em.mu.Unlock()

	if !ok {
		em.logger.Info("no higher peer answered, taking over")
		em.AnnounceCoordinator()
		return false, nil
	}

	// A higher peer is alive and owes us a COORDINATOR.
	settled, err = em.await(ctx, announced, nil, em.config.ElectionTimeout)
	if err != nil || settled {
		return false, err
	}
	if em.metricsRegistry != nil {
		em.metricsRegistry.ElectionsTotal.WithLabelValues("timeout").Inc()
	}
	return true, nil
}

// await blocks until the coordinator is settled, early is closed, or timeout
// elapses. settled is true only for the first case.
func (em *ElectionManager) await(ctx context.Context, announced, early <-chan struct{}, timeout time.Duration) (settled bool, err error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-em.stopCh:
		return false, context.Canceled
	case <-announced:
		return true, nil
	case <-early:
		// Every higher peer answered; fall through to the COORDINATOR wait
		return false, nil
	case <-timer.C:
		return false, nil
	}
}

func (em *ElectionManager) finishElection() {
	em.mu.Lock()
	defer em.mu.Unlock()

	em.electing = false
	em.pending = make(map[NodeID]struct{})
	em.acksDone = nil
	em.announced = nil
	if em.state == StateElecting {
		em.state = em.settledStateLocked()
	}
}

// settledStateLocked derives the state from the known coordinator (must be called with lock held)
func (em *ElectionManager) settledStateLocked() ElectionState {
	switch em.coordinator {
	case 0:
		return StateIdle
	case em.membership.Self():
		return StateCoordinator
	default:
		return StateFollower
	}
}

// signalAnnouncedLocked wakes a running election (must be called with lock held)
func (em *ElectionManager) signalAnnouncedLocked() {
	if em.announced != nil {
		close(em.announced)
		em.announced = nil
	}
}

// AnnounceCoordinator makes this node the coordinator and tells every peer
func (em *ElectionManager) AnnounceCoordinator() {
	self := em.membership.Self()

	em.mu.Lock()
	electionDuration := time.Duration(0)
	if em.electing {
		electionDuration = time.Since(em.electionTime)
	}
	previous := em.coordinator
	em.coordinator = self
	em.state = StateCoordinator
	em.signalAnnouncedLocked()
	if previous != self {
		em.enqueueChangeLocked(self, true)
	}
	em.mu.Unlock()

	for _, id := range Peers(em.membership) {
		em.sender.Send(id, protocol.New(protocol.MsgCoordinator, uint64(self)))
	}

	em.logger.Info("became coordinator", logging.Coordinator(uint64(self)))
	if em.metricsRegistry != nil {
		em.metricsRegistry.ElectionsTotal.WithLabelValues("won").Inc()
		if electionDuration > 0 {
			em.metricsRegistry.ElectionDuration.Observe(electionDuration.Seconds())
		}
		em.metricsRegistry.SetRole(StateCoordinator.String())
		em.metricsRegistry.CoordinatorID.Set(float64(self))
	}

	em.drainChanges()
}

// enqueueChangeLocked stamps a coordinator change and queues its callbacks
// (must be called with lock held)
func (em *ElectionManager) enqueueChangeLocked(coordinator NodeID, won bool) {
	em.epoch++
	em.changes = append(em.changes, change{epoch: em.epoch, coordinator: coordinator, won: won})
}

// drainChanges fires queued callbacks in order. A call made while another
// goroutine, or a callback further up this stack, is draining returns at
// once; the active drainer picks the change up. Callbacks for a superseded
// change are skipped.
func (em *ElectionManager) drainChanges() {
	em.mu.Lock()
	if em.draining {
		em.mu.Unlock()
		return
	}
	em.draining = true

	for len(em.changes) > 0 {
		c := em.changes[0]
		em.changes = em.changes[1:]
		onChanged, onCoordinator := em.onCoordinatorChanged, em.onBecomeCoordinator
		if c.epoch != em.epoch {
			em.logger.Debug("skipping superseded coordinator change", logging.Coordinator(uint64(c.coordinator)))
			continue
		}
		em.mu.Unlock()

		if onChanged != nil {
			onChanged(c.coordinator)
		}

		em.mu.Lock()
		if c.won && onCoordinator != nil && c.epoch == em.epoch {
			em.mu.Unlock()
			onCoordinator()
			em.mu.Lock()
		}
	}

	em.draining = false
	em.mu.Unlock()
}

// HandleElection answers an ELECTION from a lower-ID peer with OK and starts
// this node's own round. Messages from higher IDs are ignored.
func (em *ElectionManager) HandleElection(ctx context.Context, from NodeID) {
	self := em.membership.Self()
	if from >= self {
		em.logger.Debug("ignoring election from higher peer", logging.Peer(uint64(from)))
		return
	}

	em.sender.Send(from, protocol.New(protocol.MsgOK, uint64(self)))
	go func() {
		if err := em.StartElection(ctx); err != nil && ctx.Err() == nil {
			em.logger.Warn("election failed", logging.Error(err))
		}
	}()
}

// HandleOK records that a higher peer is alive. Duplicate or unexpected OKs
// are ignored.
func (em *ElectionManager) HandleOK(from NodeID) {
	em.mu.Lock()
	defer em.mu.Unlock()

	if _, ok := em.pending[from]; !ok {
		return
	}
	delete(em.pending, from)
	em.okReceived = true

	if len(em.pending) == 0 && em.acksDone != nil {
		close(em.acksDone)
		em.acksDone = nil
	}
}

// HandleCoordinator adopts the announced coordinator unconditionally
func (em *ElectionManager) HandleCoordinator(from NodeID) {
	em.setCoordinator(from, "announced")
}

// setCoordinator records a coordinator learned from another node
func (em *ElectionManager) setCoordinator(coordinator NodeID, how string) {
	self := em.membership.Self()

	em.mu.Lock()
	previous := em.coordinator
	em.coordinator = coordinator
	if coordinator == self {
		em.state = StateCoordinator
	} else {
		em.state = StateFollower
	}
	em.signalAnnouncedLocked()
	if previous != coordinator {
		em.enqueueChangeLocked(coordinator, false)
	}
	if em.informCh != nil {
		// An announcement also answers a pending verification
		select {
		case em.informCh <- inform{from: coordinator, coordinator: coordinator}:
		default:
		}
	}
	em.mu.Unlock()

	if previous == coordinator {
		return
	}

	em.logger.Info("coordinator changed",
		logging.Coordinator(uint64(coordinator)),
		logging.String("previous", previous.String()),
		logging.String("source", how))
	if em.metricsRegistry != nil {
		em.metricsRegistry.CoordinatorID.Set(float64(coordinator))
		if coordinator == self {
			em.metricsRegistry.SetRole(StateCoordinator.String())
		} else {
			em.metricsRegistry.SetRole(StateFollower.String())
		}
	}
	em.drainChanges()
}

// GetState returns the current election state
func (em *ElectionManager) GetState() ElectionState {
	em.mu.Lock()
	defer em.mu.Unlock()

	return em.state
}

// IsCoordinator returns true if this node is the coordinator
func (em *ElectionManager) IsCoordinator() bool {
	return em.GetState() == StateCoordinator
}

// Coordinator returns the current coordinator, or 0 if unknown
func (em *ElectionManager) Coordinator() NodeID {
	em.mu.Lock()
	defer em.mu.Unlock()

	return em.coordinator
}

// IsElecting reports whether an election round is in flight
func (em *ElectionManager) IsElecting() bool {
	em.mu.Lock()
	defer em.mu.Unlock()

	return em.electing
}

// PendingAcks returns the higher peers that have not yet answered OK
func (em *ElectionManager) PendingAcks() []NodeID {
	em.mu.Lock()
	defer em.mu.Unlock()

	ids := make([]NodeID, 0, len(em.pending))
	for id := range em.pending {
		ids = append(ids, id)
	}
	return ids
}

// SetCallbacks registers callbacks for state transitions. Coordinator
// callbacks are serialized in change order and must not block; a callback
// may itself cause a further change, which fires after it returns.
func (em *ElectionManager) SetCallbacks(onCoordinator func(), onChanged func(NodeID), onElection func()) {
	em.mu.Lock()
	defer em.mu.Unlock()

	em.onBecomeCoordinator = onCoordinator
	em.onCoordinatorChanged = onChanged
	em.onElectionStarted = onElection
}
