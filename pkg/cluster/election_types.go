package cluster

import (
	"sync"
	"time"

	"github.com/dd0wney/cluso-coord/pkg/logging"
	"github.com/dd0wney/cluso-coord/pkg/metrics"
	"github.com/dd0wney/cluso-coord/pkg/protocol"
)

// ElectionState represents the current state of this node in the election process
type ElectionState int

const (
	// StateIdle is a node that has not yet learned or chosen a coordinator
	StateIdle ElectionState = iota
	// StateAwaitingVerification is a node asking peers who the coordinator is
	StateAwaitingVerification
	// StateElecting is a node waiting for OK replies from higher peers
	StateElecting
	// StateCoordinator is the elected coordinator
	StateCoordinator
	// StateFollower is a node following a known coordinator
	StateFollower
)

// String returns the string representation of an ElectionState
func (s ElectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingVerification:
		return "awaiting_verification"
	case StateElecting:
		return "electing"
	case StateCoordinator:
		return "coordinator"
	case StateFollower:
		return "follower"
	default:
		return "unknown"
	}
}

// Sender delivers a protocol message to a member. Delivery is best effort;
// a lost message surfaces as a timeout at the waiting side.
type Sender interface {
	Send(to NodeID, msg protocol.Message)
}

// SenderFunc adapts a function to the Sender interface
type SenderFunc func(to NodeID, msg protocol.Message)

// Send calls f(to, msg)
func (f SenderFunc) Send(to NodeID, msg protocol.Message) {
	f(to, msg)
}

// inform is an INFORM reply collected during coordinator verification
type inform struct {
	from        NodeID
	coordinator NodeID
}

// change is a queued coordinator change notification
type change struct {
	epoch       uint64
	coordinator NodeID
	won         bool // also fire onBecomeCoordinator
}

// ElectionManager runs the Bully algorithm for one node
//
// Concurrent Safety:
// 1. All state access protected by sync.Mutex
// 2. Waits use channels closed under lock, never polling
// 3. At most one election runs at a time; concurrent starts coalesce
// 4. Callbacks run outside the lock, one at a time, in change order. Each
//    coordinator change bumps epoch; a queued callback whose epoch has been
//    superseded is skipped.
type ElectionManager struct {
	config     ClusterConfig
	membership Membership
	sender     Sender
	logger     logging.Logger
	state      ElectionState

	coordinator  NodeID              // 0 while unknown
	electing     bool                // an election round is in flight
	pending      map[NodeID]struct{} // higher peers yet to answer OK
	okReceived   bool                // at least one higher peer answered this round
	acksDone     chan struct{}       // closed when pending empties
	announced    chan struct{}       // closed when a coordinator is settled mid-election
	informCh     chan inform         // non-nil while verifying
	electionTime time.Time           // when the current election started
	epoch        uint64              // bumped on every coordinator change
	changes      []change            // callbacks waiting to fire
	draining     bool                // a goroutine is firing queued callbacks

	stopCh   chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex

	// Callbacks for state changes
	onBecomeCoordinator  func()
	onCoordinatorChanged func(coordinator NodeID)
	onElectionStarted    func()

	// Metrics
	metricsRegistry *metrics.Registry
}

// NewElectionManager creates a new election manager
func NewElectionManager(config ClusterConfig, membership Membership, sender Sender, logger logging.Logger) *ElectionManager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &ElectionManager{
		config:          config,
		membership:      membership,
		sender:          sender,
		logger:          logger.With(logging.Component("election")),
		state:           StateIdle,
		pending:         make(map[NodeID]struct{}),
		stopCh:          make(chan struct{}),
		metricsRegistry: metrics.DefaultRegistry(),
	}
}

// WithMetrics replaces the metrics registry
func (em *ElectionManager) WithMetrics(r *metrics.Registry) *ElectionManager {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.metricsRegistry = r
	return em
}
