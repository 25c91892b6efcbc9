package clocksync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-coord/pkg/cluster"
	"github.com/dd0wney/cluso-coord/pkg/logging"
	"github.com/dd0wney/cluso-coord/pkg/metrics"
	"github.com/dd0wney/cluso-coord/pkg/protocol"
)

// RoundResult summarizes a completed Berkeley round
type RoundResult struct {
	ID          string                           `json:"id"`
	Average     time.Duration                    `json:"average"`
	Offsets     map[cluster.NodeID]time.Duration `json:"offsets"`
	Corrections map[cluster.NodeID]time.Duration `json:"corrections"`
	Excluded    []cluster.NodeID                 `json:"excluded"`
}

// Responders returns how many followers took part in the average
func (r RoundResult) Responders() int {
	return len(r.Offsets)
}

// round holds the samples of one in-flight round
type round struct {
	id      string
	samples map[cluster.NodeID]*time.Duration // nil until SYNCOUT arrives
	missing int
	done    chan struct{} // closed when missing reaches zero
}

// Synchronizer runs Berkeley rounds on the coordinator. A Synchronizer lives
// for a single coordinator tenure.
//
// Concurrent Safety:
// 1. Round state is protected by sync.Mutex
// 2. At most one round runs at a time
// 3. Record wakes the waiting round through a channel
type Synchronizer struct {
	self         cluster.NodeID
	clock        *LocalClock
	sender       cluster.Sender
	replyTimeout time.Duration
	logger       logging.Logger
	registry     *metrics.Registry
	current      *round
	mu           sync.Mutex
}

// NewSynchronizer creates a synchronizer. Followers that have not replied
// within replyTimeout are left out of the round.
func NewSynchronizer(self cluster.NodeID, clock *LocalClock, sender cluster.Sender, replyTimeout time.Duration, logger logging.Logger) *Synchronizer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Synchronizer{
		self:         self,
		clock:        clock,
		sender:       sender,
		replyTimeout: replyTimeout,
		logger:       logger.With(logging.Component("clocksync")),
		registry:     metrics.DefaultRegistry(),
	}
}

// WithMetrics replaces the metrics registry
func (s *Synchronizer) WithMetrics(r *metrics.Registry) *Synchronizer {
	s.registry = r
	return s
}

// AnnounceMaster tells every follower that this node runs time sync
func (s *Synchronizer) AnnounceMaster(followers []cluster.NodeID) {
	for _, id := range followers {
		s.sender.Send(id, protocol.New(protocol.MsgMaster, uint64(s.self)))
	}
}

// StartRound polls followers for their offsets and distributes corrections.
// With no responders the round ends without adjusting any clock.
func (s *Synchronizer) StartRound(ctx context.Context, followers []cluster.NodeID) (RoundResult, error) {
	r := &round{
		id:      uuid.NewString(),
		samples: make(map[cluster.NodeID]*time.Duration, len(followers)),
		done:    make(chan struct{}),
	}
	// polled is fixed before the round is published; Record mutates samples
	polled := make([]cluster.NodeID, 0, len(followers))
	for _, id := range followers {
		if _, dup := r.samples[id]; id == s.self || dup {
			continue
		}
		r.samples[id] = nil
		polled = append(polled, id)
	}
	if len(polled) == 0 {
		return RoundResult{}, ErrNoFollowers
	}
	r.missing = len(polled)

	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		return RoundResult{}, ErrRoundInProgress
	}
	s.current = r
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
	}()

	logger := s.logger.With(logging.String("round", r.id))
	snapshot := s.clock.Now()
	logger.Info("starting sync round", logging.Count(r.missing))
	for _, id := range polled {
		s.sender.Send(id, protocol.NewSyncInf(uint64(s.self), snapshot))
	}

	timer := time.NewTimer(s.replyTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return RoundResult{}, ctx.Err()
	case <-r.done:
	case <-timer.C:
	}

	s.mu.Lock()
	result := tally(r)
	s.mu.Unlock()

	if len(result.Excluded) > 0 {
		logger.Warn("followers excluded from round", logging.Any("excluded", result.Excluded))
	}

	outcome := "complete"
	switch {
	case result.Responders() == 0:
		outcome = "empty"
	case len(result.Excluded) > 0:
		outcome = "partial"
	}
	if s.registry != nil {
		s.registry.RecordSyncRound(outcome, result.Average, len(result.Excluded))
	}
	if result.Responders() == 0 {
		logger.Warn("no follower replied, clocks left unchanged")
		return result, nil
	}

	s.clock.Adjust(result.Average)
	if s.registry != nil {
		s.registry.ClockOffsetSeconds.Set(s.clock.Offset().Seconds())
	}
	for id, correction := range result.Corrections {
		s.sender.Send(id, protocol.NewSync(uint64(s.self), correction))
	}

	logger.Info("sync round complete",
		logging.Duration("average", result.Average),
		logging.Count(result.Responders()))
	return result, nil
}

// Record stores a follower's SYNCOUT. Replies outside a round, from nodes not
// polled, or repeated replies are ignored.
func (s *Synchronizer) Record(from cluster.NodeID, offset time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.current
	if r == nil {
		return
	}
	sample, polled := r.samples[from]
	if !polled || sample != nil {
		return
	}

	d := offset
	r.samples[from] = &d
	r.missing--
	if r.missing == 0 {
		close(r.done)
	}
}

// InRound reports whether a round is waiting for replies
func (s *Synchronizer) InRound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current != nil
}

// tally computes the Berkeley average over the responders and the
// coordinator's own zero offset (must be called with lock held)
func tally(r *round) RoundResult {
	result := RoundResult{
		ID:          r.id,
		Offsets:     make(map[cluster.NodeID]time.Duration),
		Corrections: make(map[cluster.NodeID]time.Duration),
	}

	var sum time.Duration
	for id, sample := range r.samples {
		if sample == nil {
			result.Excluded = append(result.Excluded, id)
			continue
		}
		result.Offsets[id] = *sample
		sum += *sample
	}
	sort.Slice(result.Excluded, func(i, j int) bool { return result.Excluded[i] < result.Excluded[j] })

	if len(result.Offsets) == 0 {
		return result
	}

	result.Average = sum / time.Duration(len(result.Offsets)+1)
	for id, offset := range result.Offsets {
		result.Corrections[id] = result.Average - offset
	}
	return result
}
