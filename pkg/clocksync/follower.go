package clocksync

import (
	"sync"
	"time"

	"github.com/dd0wney/cluso-coord/pkg/cluster"
	"github.com/dd0wney/cluso-coord/pkg/logging"
	"github.com/dd0wney/cluso-coord/pkg/metrics"
	"github.com/dd0wney/cluso-coord/pkg/protocol"
)

// Follower answers the coordinator's polls and applies its corrections
type Follower struct {
	self     cluster.NodeID
	clock    *LocalClock
	sender   cluster.Sender
	logger   logging.Logger
	registry *metrics.Registry
	master   cluster.NodeID
	mu       sync.Mutex
}

// NewFollower creates the follower side of clock sync for node self
func NewFollower(self cluster.NodeID, clock *LocalClock, sender cluster.Sender, logger logging.Logger) *Follower {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Follower{
		self:     self,
		clock:    clock,
		sender:   sender,
		logger:   logger.With(logging.Component("clocksync")),
		registry: metrics.DefaultRegistry(),
	}
}

// WithMetrics replaces the metrics registry
func (f *Follower) WithMetrics(r *metrics.Registry) *Follower {
	f.registry = r
	return f
}

// HandleMaster records which node runs time sync
func (f *Follower) HandleMaster(from cluster.NodeID) {
	f.mu.Lock()
	f.master = from
	f.mu.Unlock()

	f.logger.Info("time master announced", logging.Peer(uint64(from)))
}

// Master returns the last announced time master, or 0
func (f *Follower) Master() cluster.NodeID {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.master
}

// HandleSyncInf replies with this node's offset from the coordinator snapshot
func (f *Follower) HandleSyncInf(from cluster.NodeID, snapshot time.Time) {
	offset := f.clock.Now().Sub(snapshot)
	f.sender.Send(from, protocol.NewSyncOut(uint64(f.self), offset))
	f.logger.Debug("reported clock offset", logging.Peer(uint64(from)), logging.Duration("offset", offset))
}

// HandleSync applies a correction
func (f *Follower) HandleSync(from cluster.NodeID, correction time.Duration) {
	f.clock.Adjust(correction)
	if f.registry != nil {
		f.registry.ClockCorrectionTotal.Inc()
		f.registry.ClockOffsetSeconds.Set(f.clock.Offset().Seconds())
	}
	f.logger.Info("clock corrected",
		logging.Peer(uint64(from)),
		logging.Duration("correction", correction),
		logging.String("now", f.clock.Now().Format(time.RFC3339)))
}
