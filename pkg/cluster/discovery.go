package cluster

import (
	"context"
	"time"

	"github.com/dd0wney/cluso-coord/pkg/logging"
	"github.com/dd0wney/cluso-coord/pkg/protocol"
)

// VerifyCoordinator learns the current coordinator at startup.
//
// Peers are asked one at a time in ascending ID order, each given
// VerifyTimeout to reply with INFORM. The first reply naming a coordinator
// other than this node is adopted. If nobody replies the node declares itself
// coordinator; if peers replied without knowing one, an election decides.
func (em *ElectionManager) VerifyCoordinator(ctx context.Context) error {
	self := em.membership.Self()
	peers := Peers(em.membership)

	if len(peers) == 0 {
		em.logger.Info("no peers configured, bootstrapping as coordinator")
		em.AnnounceCoordinator()
		return nil
	}

	informCh := make(chan inform, len(peers)+1)
	em.mu.Lock()
	em.state = StateAwaitingVerification
	em.informCh = informCh
	em.mu.Unlock()

	if em.metricsRegistry != nil {
		em.metricsRegistry.SetRole(StateAwaitingVerification.String())
	}

	defer func() {
		em.mu.Lock()
		em.informCh = nil
		if em.state == StateAwaitingVerification {
			em.state = em.settledStateLocked()
		}
		em.mu.Unlock()
	}()

	answered := 0
	for _, peer := range peers {
		em.logger.Debug("verifying coordinator", logging.Peer(uint64(peer)))
		em.sender.Send(peer, protocol.New(protocol.MsgVerify, uint64(self)))

		coordinator, replied, err := em.awaitInform(ctx, peer, informCh)
		if err != nil {
			return err
		}
		if replied {
			answered++
		}
		if coordinator != 0 && coordinator != self {
			em.setCoordinator(coordinator, "verified")
			return nil
		}
	}

	if answered == 0 {
		em.logger.Info("no peer answered verification, taking over")
		em.AnnounceCoordinator()
		return nil
	}

	em.logger.Info("peers know no coordinator, starting election", logging.Count(answered))
	em.mu.Lock()
	em.informCh = nil
	em.state = em.settledStateLocked()
	em.mu.Unlock()
	return em.StartElection(ctx)
}

// awaitInform waits for peer's INFORM. A reply from another peer that names a
// coordinator also ends the wait.
func (em *ElectionManager) awaitInform(ctx context.Context, peer NodeID, informCh <-chan inform) (coordinator NodeID, replied bool, err error) {
	timer := time.NewTimer(em.config.VerifyTimeout)
	defer timer.Stop()

	self := em.membership.Self()
	for {
		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-em.stopCh:
			return 0, false, context.Canceled
		case <-timer.C:
			return 0, false, nil
		case in := <-informCh:
			if in.coordinator != 0 && in.coordinator != self {
				return in.coordinator, in.from == peer, nil
			}
			if in.from == peer {
				return 0, true, nil
			}
		}
	}
}

// HandleVerify returns the coordinator to report in an INFORM reply.
// Admitting the sender into membership is the caller's concern.
func (em *ElectionManager) HandleVerify(from NodeID) NodeID {
	coordinator := em.Coordinator()
	em.logger.Debug("answering verification",
		logging.Peer(uint64(from)),
		logging.Coordinator(uint64(coordinator)))
	return coordinator
}

// HandleInform delivers an INFORM reply to a running verification.
// Replies arriving after verification finished are dropped.
func (em *ElectionManager) HandleInform(from, coordinator NodeID) {
	em.mu.Lock()
	ch := em.informCh
	em.mu.Unlock()

	if ch == nil {
		em.logger.Debug("dropping late inform", logging.Peer(uint64(from)))
		return
	}

	select {
	case ch <- inform{from: from, coordinator: coordinator}:
	default:
	}
}
