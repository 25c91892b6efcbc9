package node

import (
	"github.com/dd0wney/cluso-coord/pkg/cluster"
	"github.com/dd0wney/cluso-coord/pkg/logging"
	"github.com/dd0wney/cluso-coord/pkg/metrics"
	"github.com/dd0wney/cluso-coord/pkg/protocol"
	"github.com/dd0wney/cluso-coord/pkg/transport"
)

// transportSender resolves member IDs to addresses and writes encoded
// messages to the transport. Failures are logged and counted, never returned:
// the protocol treats a lost message as a timeout on the waiting side.
type transportSender struct {
	membership cluster.Membership
	transport  transport.Transport
	registry   *metrics.Registry
	logger     logging.Logger
}

func (s *transportSender) Send(to cluster.NodeID, msg protocol.Message) {
	addr, ok := s.membership.Lookup(to)
	if !ok {
		s.logger.Debug("no address for peer", logging.Peer(uint64(to)), logging.Tag(string(msg.Type)))
		s.registry.RecordDrop("unknown_peer")
		return
	}

	if err := s.transport.Send(addr, msg.Encode()); err != nil {
		s.logger.Debug("send failed",
			logging.Peer(uint64(to)),
			logging.Tag(string(msg.Type)),
			logging.Error(err))
		s.registry.RecordDrop("send_error")
		return
	}
	s.registry.RecordMessage("sent", string(msg.Type))
}
