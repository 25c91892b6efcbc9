package arbiter

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dd0wney/cluso-coord/pkg/cluster"
	"github.com/dd0wney/cluso-coord/pkg/logging"
	"github.com/dd0wney/cluso-coord/pkg/metrics"
	"github.com/dd0wney/cluso-coord/pkg/protocol"
)

// ClientState is the follower's relationship to the shared resource
type ClientState int

const (
	// ClientIdle has no outstanding request
	ClientIdle ClientState = iota
	// ClientRequested has sent REQUEST and waits for USE
	ClientRequested
	// ClientHolding is inside the critical section
	ClientHolding
)

// String returns the string representation of a ClientState
func (s ClientState) String() string {
	switch s {
	case ClientIdle:
		return "idle"
	case ClientRequested:
		return "requested"
	case ClientHolding:
		return "holding"
	default:
		return "unknown"
	}
}

// ClientConfig bounds the random delays of the request cycle
type ClientConfig struct {
	RequestDelayMin time.Duration
	RequestDelayMax time.Duration
	HoldMin         time.Duration
	HoldMax         time.Duration
}

// DefaultClientConfig returns the reference timings: request every 10-25s,
// hold for 5-15s
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RequestDelayMin: 10 * time.Second,
		RequestDelayMax: 25 * time.Second,
		HoldMin:         5 * time.Second,
		HoldMax:         15 * time.Second,
	}
}

// Client periodically requests the resource from the coordinator, holds it
// for a random time once granted, and frees it.
//
// Concurrent Safety:
// 1. State is protected by sync.Mutex
// 2. The request cycle runs on a single goroutine, so a node never has two
//    requests outstanding
// 3. HandleUse and Reset wake that goroutine through channels
type Client struct {
	self     cluster.NodeID
	config   ClientConfig
	source   cluster.CoordinatorSource
	sender   cluster.Sender
	logger   logging.Logger
	registry *metrics.Registry

	state         ClientState
	requestedFrom cluster.NodeID
	granted       chan struct{} // closed on USE from requestedFrom
	reset         chan struct{} // closed when the request is abandoned
	mu            sync.Mutex
}

// NewClient creates a resource client for node self
func NewClient(self cluster.NodeID, config ClientConfig, source cluster.CoordinatorSource, sender cluster.Sender, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Client{
		self:     self,
		config:   config,
		source:   source,
		sender:   sender,
		logger:   logger.With(logging.Component("resource_client")),
		registry: metrics.DefaultRegistry(),
		state:    ClientIdle,
	}
}

// WithMetrics replaces the metrics registry
func (c *Client) WithMetrics(r *metrics.Registry) *Client {
	c.registry = r
	return c
}

// State returns the client's current state
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Run drives the request cycle until ctx is cancelled
func (c *Client) Run(ctx context.Context) {
	for {
		if !sleep(ctx, between(c.config.RequestDelayMin, c.config.RequestDelayMax)) {
			return
		}
		c.cycle(ctx)
	}
}

// cycle performs one request, hold and free sequence. It returns early when
// there is no coordinator to ask or the request is abandoned.
func (c *Client) cycle(ctx context.Context) {
	coordinator := c.source.Coordinator()
	if coordinator == 0 || coordinator == c.self {
		return
	}

	c.mu.Lock()
	if c.state != ClientIdle {
		c.mu.Unlock()
		return
	}
	granted := make(chan struct{})
	reset := make(chan struct{})
	c.state = ClientRequested
	c.requestedFrom = coordinator
	c.granted = granted
	c.reset = reset
	c.mu.Unlock()

	c.logger.Debug("requesting resource", logging.Coordinator(uint64(coordinator)))
	c.sender.Send(coordinator, protocol.New(protocol.MsgRequest, uint64(c.self)))

	select {
	case <-ctx.Done():
		c.abandon(reset)
		return
	case <-reset:
		return
	case <-granted:
	}

	hold := between(c.config.HoldMin, c.config.HoldMax)
	c.logger.Info("entered critical section", logging.Duration("hold", hold))

	timer := time.NewTimer(hold)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		c.abandon(reset)
		return
	case <-reset:
		return
	case <-timer.C:
	}

	c.mu.Lock()
	if c.reset != reset {
		// Reset raced with the hold timer
		c.mu.Unlock()
		return
	}
	c.toIdleLocked()
	c.mu.Unlock()

	c.sender.Send(coordinator, protocol.New(protocol.MsgFree, uint64(c.self)))
	c.logger.Info("left critical section")
	if c.registry != nil {
		c.registry.ClientCriticalSections.Inc()
	}
}

// HandleUse records a grant. USE from anyone but the node we asked, or while
// no request is outstanding, is ignored.
func (c *Client) HandleUse(from cluster.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ClientRequested || from != c.requestedFrom {
		c.logger.Debug("unexpected grant ignored", logging.Peer(uint64(from)))
		return
	}
	c.state = ClientHolding
	close(c.granted)
}

// Reset abandons any outstanding request or hold. Called when the
// coordinator changes, since the new coordinator knows nothing of it.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == ClientIdle {
		return
	}
	c.logger.Info("abandoning resource request", logging.String("state", c.state.String()))
	close(c.reset)
	c.toIdleLocked()
}

// abandon returns to idle if the request identified by reset is still current
func (c *Client) abandon(reset chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reset == reset {
		c.toIdleLocked()
	}
}

// toIdleLocked clears the request (must be called with lock held)
func (c *Client) toIdleLocked() {
	c.state = ClientIdle
	c.requestedFrom = 0
	c.granted = nil
	c.reset = nil
}

// between returns a uniformly random duration in [lo, hi]
func between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

// sleep waits for d or until ctx is done, reporting whether d elapsed
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
