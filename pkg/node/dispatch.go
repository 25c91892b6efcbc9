package node

import (
	"context"
	"errors"
	"time"

	"github.com/dd0wney/cluso-coord/pkg/cluster"
	"github.com/dd0wney/cluso-coord/pkg/logging"
	"github.com/dd0wney/cluso-coord/pkg/protocol"
	"github.com/dd0wney/cluso-coord/pkg/transport"
)

// admitTimeout bounds the registry reload done for an unknown sender
const admitTimeout = 2 * time.Second

// handle decodes one datagram and routes it. It runs on the receive
// goroutine, so nothing here may block for long.
func (n *Node) handle(pkt transport.Packet) {
	msg, err := protocol.Decode(pkt.Payload)
	if err != nil {
		n.logger.Warn("dropping malformed message",
			logging.String("from", pkt.From),
			logging.Error(err))
		n.metrics.RecordDrop("malformed")
		return
	}
	n.metrics.RecordMessage("received", string(msg.Type))

	from := cluster.NodeID(msg.Sender)
	if from == n.id {
		n.metrics.RecordDrop("self")
		return
	}
	if _, known := n.membership.Lookup(from); !known {
		n.admit(from, pkt.From)
	}

	ctx := n.runContext()

	switch msg.Type {
	case protocol.MsgElection:
		n.election.HandleElection(ctx, from)
	case protocol.MsgOK:
		n.election.HandleOK(from)
	case protocol.MsgCoordinator:
		n.election.HandleCoordinator(from)
	case protocol.MsgVerify:
		coordinator := n.election.HandleVerify(from)
		n.sender.Send(from, protocol.NewInform(uint64(n.id), uint64(coordinator)))
	case protocol.MsgInform:
		n.election.HandleInform(from, cluster.NodeID(msg.Coordinator))

	case protocol.MsgIsAlive:
		n.sender.Send(from, protocol.New(protocol.MsgAlive, uint64(n.id)))
	case protocol.MsgAlive:
		n.liveness.HandleAlive(from)

	case protocol.MsgMaster, protocol.MsgSyncInf, protocol.MsgSync:
		n.handleFollowerSync(from, msg)
	case protocol.MsgSyncOut:
		if s := n.roles.Synchronizer(); s != nil {
			s.Record(from, msg.Offset)
			return
		}
		n.unexpected(from, msg.Type)

	case protocol.MsgRequest:
		if a := n.roles.Arbiter(); a != nil {
			a.Request(from)
			return
		}
		n.unexpected(from, msg.Type)
	case protocol.MsgFree:
		if a := n.roles.Arbiter(); a != nil {
			a.Release(from)
			return
		}
		n.unexpected(from, msg.Type)
	case protocol.MsgUse:
		if n.client != nil {
			n.client.HandleUse(from)
			return
		}
		n.unexpected(from, msg.Type)
	}
}

func (n *Node) handleFollowerSync(from cluster.NodeID, msg protocol.Message) {
	if n.follower == nil {
		n.unexpected(from, msg.Type)
		return
	}
	switch msg.Type {
	case protocol.MsgMaster:
		n.follower.HandleMaster(from)
	case protocol.MsgSyncInf:
		n.follower.HandleSyncInf(from, msg.Time)
	case protocol.MsgSync:
		n.follower.HandleSync(from, msg.Offset)
	}
}

// unexpected drops a message this node's role or tenure has no handler for
func (n *Node) unexpected(from cluster.NodeID, tag protocol.MessageType) {
	n.logger.Debug("dropping unexpected message", logging.Peer(uint64(from)), logging.Tag(string(tag)))
	n.metrics.RecordDrop("unexpected")
}

// admit adds a sender missing from membership. Late joiners register
// themselves before announcing, so the registry is consulted first; the
// packet's source address is the fallback.
func (n *Node) admit(from cluster.NodeID, source string) {
	ctx, cancel := context.WithTimeout(n.runContext(), admitTimeout)
	defer cancel()

	addr := ""
	members, err := n.registry.Load(ctx)
	if err != nil {
		n.logger.Warn("failed to reload registry", logging.Error(err))
	} else {
		addr = members[from]
	}
	if addr == "" {
		addr = source
	}
	if addr == "" {
		n.logger.Warn("cannot admit unknown sender without an address", logging.Peer(uint64(from)))
		return
	}

	if err := n.membership.Add(from, addr); err != nil && !errors.Is(err, cluster.ErrNodeAlreadyExists) {
		n.logger.Warn("failed to admit sender", logging.Peer(uint64(from)), logging.Error(err))
		return
	}
	n.logger.Info("admitted new member", logging.Peer(uint64(from)), logging.String("addr", addr))
}
