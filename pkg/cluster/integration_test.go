package cluster

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dd0wney/cluso-coord/pkg/metrics"
	"github.com/dd0wney/cluso-coord/pkg/protocol"
)

// testNode bundles the per-node engine for the in-process router
type testNode struct {
	id         NodeID
	membership *StaticMembership
	election   *ElectionManager
	liveness   *LivenessMonitor
	down       atomic.Bool
}

// sentMessage records a routed message
type sentMessage struct {
	from, to NodeID
	msg      protocol.Message
}

// testNet routes protocol messages between in-process nodes asynchronously
type testNet struct {
	ctx   context.Context
	mu    sync.Mutex
	nodes map[NodeID]*testNode
	sent  []sentMessage
}

func fastConfig(id NodeID) ClusterConfig {
	return ClusterConfig{
		NodeID:          id,
		VerifyTimeout:   100 * time.Millisecond,
		ElectionTimeout: 100 * time.Millisecond,
		ProbeInterval:   50 * time.Millisecond,
	}
}

func newTestNet(t *testing.T, ids ...NodeID) *testNet {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	dir := make(map[NodeID]string, len(ids))
	for _, id := range ids {
		dir[id] = "node-" + id.String()
	}

	n := &testNet{ctx: ctx, nodes: make(map[NodeID]*testNode)}
	for _, id := range ids {
		reg := metrics.NewRegistry()
		membership := NewStaticMembership(id, dir[id], dir).WithMetrics(reg)
		node := &testNode{id: id, membership: membership}
		node.election = NewElectionManager(fastConfig(id), membership, n.sender(id), nil).WithMetrics(reg)
		node.liveness = NewLivenessMonitor(id, fastConfig(id).ProbeInterval, node.election, n.sender(id),
			func(ctx context.Context, _ NodeID) { node.election.StartElection(ctx) }, nil).WithMetrics(reg)
		n.nodes[id] = node
		t.Cleanup(node.election.Stop)
	}
	return n
}

func (n *testNet) sender(from NodeID) Sender {
	return SenderFunc(func(to NodeID, msg protocol.Message) {
		n.mu.Lock()
		n.sent = append(n.sent, sentMessage{from: from, to: to, msg: msg})
		node := n.nodes[to]
		n.mu.Unlock()

		if node == nil || node.down.Load() || n.nodes[from].down.Load() {
			return
		}
		go n.deliver(node, msg)
	})
}

func (n *testNet) deliver(node *testNode, msg protocol.Message) {
	from := NodeID(msg.Sender)
	switch msg.Type {
	case protocol.MsgElection:
		node.election.HandleElection(n.ctx, from)
	case protocol.MsgOK:
		node.election.HandleOK(from)
	case protocol.MsgCoordinator:
		node.election.HandleCoordinator(from)
	case protocol.MsgVerify:
		coordinator := node.election.HandleVerify(from)
		n.sender(node.id).Send(from, protocol.NewInform(uint64(node.id), uint64(coordinator)))
	case protocol.MsgInform:
		node.election.HandleInform(from, NodeID(msg.Coordinator))
	case protocol.MsgIsAlive:
		n.sender(node.id).Send(from, protocol.New(protocol.MsgAlive, uint64(node.id)))
	case protocol.MsgAlive:
		node.liveness.HandleAlive(from)
	}
}

func (n *testNet) countSent(from NodeID, tag protocol.MessageType) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	count := 0
	for _, s := range n.sent {
		if s.from == from && s.msg.Type == tag {
			count++
		}
	}
	return count
}

func (n *testNet) totalSent() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting: %s", msg)
}

// settledOn holds once every live node agrees on coordinator and no node is
// still mid-election
func (n *testNet) settledOn(coordinator NodeID) func() bool {
	return func() bool {
		for id, node := range n.nodes {
			if node.down.Load() {
				continue
			}
			want := StateFollower
			if id == coordinator {
				want = StateCoordinator
			}
			if node.election.Coordinator() != coordinator || node.election.GetState() != want || node.election.IsElecting() {
				return false
			}
		}
		return true
	}
}

func (n *testNet) allFollow(coordinator NodeID) func() bool {
	return func() bool {
		for _, node := range n.nodes {
			if node.down.Load() {
				continue
			}
			if node.election.Coordinator() != coordinator {
				return false
			}
		}
		return true
	}
}

// TestBullyTieBreak tests that the highest live ID wins when the lowest node calls the election
func TestBullyTieBreak(t *testing.T) {
	n := newTestNet(t, 1, 3, 5)

	if err := n.nodes[1].election.StartElection(n.ctx); err != nil {
		t.Fatalf("StartElection failed: %v", err)
	}

	// Node 3's own round can start after it has already adopted node 5, so
	// wait for states as well as the coordinator ID
	waitFor(t, 3*time.Second, n.settledOn(5), "all nodes to settle on node 5")

	if !n.nodes[5].election.IsCoordinator() {
		t.Errorf("Expected node 5 in StateCoordinator, got %v", n.nodes[5].election.GetState())
	}
	for _, id := range []NodeID{1, 3} {
		if state := n.nodes[id].election.GetState(); state != StateFollower {
			t.Errorf("Expected node %d in StateFollower, got %v", id, state)
		}
	}
	if n.countSent(1, protocol.MsgCoordinator) != 0 || n.countSent(3, protocol.MsgCoordinator) != 0 {
		t.Error("Lower nodes should never announce while node 5 is alive")
	}
}

// TestBullyFailover tests that the next-highest node takes over when the coordinator is down
func TestBullyFailover(t *testing.T) {
	n := newTestNet(t, 1, 3, 5)
	n.nodes[5].down.Store(true)

	if err := n.nodes[1].election.StartElection(n.ctx); err != nil {
		t.Fatalf("StartElection failed: %v", err)
	}

	waitFor(t, 2*time.Second, n.allFollow(3), "nodes 1 and 3 to follow node 3")
}

// TestSingleNodeBootstrap tests that a lone node declares itself without sending anything
func TestSingleNodeBootstrap(t *testing.T) {
	n := newTestNet(t, 7)

	if err := n.nodes[7].election.VerifyCoordinator(n.ctx); err != nil {
		t.Fatalf("VerifyCoordinator failed: %v", err)
	}

	if !n.nodes[7].election.IsCoordinator() {
		t.Errorf("Expected StateCoordinator, got %v", n.nodes[7].election.GetState())
	}
	if n.nodes[7].election.Coordinator() != 7 {
		t.Errorf("Expected coordinator 7, got %d", n.nodes[7].election.Coordinator())
	}
	if sent := n.totalSent(); sent != 0 {
		t.Errorf("Expected no messages from a single-node cluster, got %d", sent)
	}
}

// TestHighestNodeElectsImmediately tests that the top node announces without sending ELECTION
func TestHighestNodeElectsImmediately(t *testing.T) {
	n := newTestNet(t, 1, 3, 5)

	if err := n.nodes[5].election.StartElection(n.ctx); err != nil {
		t.Fatalf("StartElection failed: %v", err)
	}

	if n.countSent(5, protocol.MsgElection) != 0 {
		t.Error("Highest node should not send ELECTION")
	}
	if got := n.countSent(5, protocol.MsgCoordinator); got != 2 {
		t.Errorf("Expected 2 COORDINATOR messages, got %d", got)
	}
	waitFor(t, time.Second, n.allFollow(5), "all nodes to follow node 5")
}

// TestVerifyAdoptsKnownCoordinator tests a late starter learning the coordinator via INFORM
func TestVerifyAdoptsKnownCoordinator(t *testing.T) {
	n := newTestNet(t, 1, 3, 5)
	n.nodes[5].election.AnnounceCoordinator()
	waitFor(t, time.Second, n.allFollow(5), "initial coordinator")

	// Node 1 forgets and verifies again
	late := n.nodes[1]
	late.election.mu.Lock()
	late.election.coordinator = 0
	late.election.mu.Unlock()
	if err := late.election.VerifyCoordinator(n.ctx); err != nil {
		t.Fatalf("VerifyCoordinator failed: %v", err)
	}

	if late.election.Coordinator() != 5 {
		t.Errorf("Expected coordinator 5, got %d", late.election.Coordinator())
	}
	if late.election.GetState() != StateFollower {
		t.Errorf("Expected StateFollower, got %v", late.election.GetState())
	}
	if got := n.countSent(1, protocol.MsgVerify); got != 1 {
		t.Errorf("Expected verification to stop after the first answer, sent %d VERIFY", got)
	}
}

// TestVerifyNoAnswerTakesOver tests self-declaration when every peer is silent
func TestVerifyNoAnswerTakesOver(t *testing.T) {
	n := newTestNet(t, 1, 3, 5)
	n.nodes[3].down.Store(true)
	n.nodes[5].down.Store(true)

	if err := n.nodes[1].election.VerifyCoordinator(n.ctx); err != nil {
		t.Fatalf("VerifyCoordinator failed: %v", err)
	}

	if !n.nodes[1].election.IsCoordinator() {
		t.Errorf("Expected StateCoordinator, got %v", n.nodes[1].election.GetState())
	}
}

// TestVerifyUnknownCoordinatorElects tests that peers without a coordinator lead to an election
func TestVerifyUnknownCoordinatorElects(t *testing.T) {
	n := newTestNet(t, 1, 3, 5)

	if err := n.nodes[1].election.VerifyCoordinator(n.ctx); err != nil {
		t.Fatalf("VerifyCoordinator failed: %v", err)
	}

	waitFor(t, 2*time.Second, n.allFollow(5), "election to settle on node 5")
}

// TestHandleOKIdempotent tests that duplicate OKs do not disturb the pending set
func TestHandleOKIdempotent(t *testing.T) {
	membership := NewStaticMembership(1, "a", map[NodeID]string{1: "a", 3: "b", 5: "c"})
	em := NewElectionManager(fastConfig(1), membership, SenderFunc(func(NodeID, protocol.Message) {}), nil)

	em.mu.Lock()
	em.electing = true
	em.pending = map[NodeID]struct{}{3: {}, 5: {}}
	em.acksDone = make(chan struct{})
	acksDone := em.acksDone
	em.mu.Unlock()

	em.HandleOK(3)
	em.HandleOK(3)
	if got := len(em.PendingAcks()); got != 1 {
		t.Errorf("Expected 1 pending ack, got %d", got)
	}

	em.HandleOK(9) // never asked
	em.HandleOK(5)
	select {
	case <-acksDone:
	default:
		t.Error("Expected acksDone closed once every higher peer answered")
	}
	if got := len(em.PendingAcks()); got != 0 {
		t.Errorf("Expected no pending acks, got %d", got)
	}
}

// TestHandleElectionFromHigherIgnored tests that only lower IDs get an OK
func TestHandleElectionFromHigherIgnored(t *testing.T) {
	var sent []protocol.Message
	var mu sync.Mutex
	membership := NewStaticMembership(3, "b", map[NodeID]string{1: "a", 3: "b", 5: "c"})
	em := NewElectionManager(fastConfig(3), membership, SenderFunc(func(_ NodeID, msg protocol.Message) {
		mu.Lock()
		sent = append(sent, msg)
		mu.Unlock()
	}), nil)
	t.Cleanup(em.Stop)

	em.HandleElection(context.Background(), 5)

	mu.Lock()
	defer mu.Unlock()
	for _, msg := range sent {
		if msg.Type == protocol.MsgOK {
			t.Error("Should not answer OK to a higher node")
		}
	}
}

// TestConcurrentElectionsCoalesce tests that overlapping StartElection calls share one round
func TestConcurrentElectionsCoalesce(t *testing.T) {
	n := newTestNet(t, 1, 3, 5)
	n.nodes[3].down.Store(true)
	n.nodes[5].down.Store(true)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.nodes[1].election.StartElection(n.ctx)
		}()
	}
	wg.Wait()

	if got := n.countSent(1, protocol.MsgElection); got != 2 {
		t.Errorf("Expected a single round of 2 ELECTION messages, got %d", got)
	}
	if !n.nodes[1].election.IsCoordinator() {
		t.Errorf("Expected node 1 to take over, got %v", n.nodes[1].election.GetState())
	}
}

// TestCoordinatorCallbacks tests that callbacks fire on transitions
func TestCoordinatorCallbacks(t *testing.T) {
	n := newTestNet(t, 1, 3)

	var became, changed atomic.Int32
	n.nodes[3].election.SetCallbacks(
		func() { became.Add(1) },
		func(NodeID) { changed.Add(1) },
		nil,
	)

	n.nodes[3].election.AnnounceCoordinator()
	n.nodes[3].election.AnnounceCoordinator() // already coordinator

	if became.Load() != 1 {
		t.Errorf("Expected onBecomeCoordinator once, got %d", became.Load())
	}
	if changed.Load() != 1 {
		t.Errorf("Expected onCoordinatorChanged once, got %d", changed.Load())
	}
}

// TestSupersededAnnouncementStartsNoTenure tests that a COORDINATOR handled
// while this node's own win is still being reported cancels the win callback
func TestSupersededAnnouncementStartsNoTenure(t *testing.T) {
	n := newTestNet(t, 3, 5)
	em := n.nodes[3].election

	var became atomic.Int32
	var mu sync.Mutex
	var changes []NodeID
	em.SetCallbacks(
		func() { became.Add(1) },
		func(c NodeID) {
			mu.Lock()
			changes = append(changes, c)
			mu.Unlock()
			if c == 3 {
				em.HandleCoordinator(5)
			}
		},
		nil,
	)

	em.AnnounceCoordinator()

	if became.Load() != 0 {
		t.Errorf("Expected no onBecomeCoordinator after being superseded, got %d", became.Load())
	}
	if em.Coordinator() != 5 || em.GetState() != StateFollower {
		t.Errorf("Expected follower of 5, got coordinator %d state %v", em.Coordinator(), em.GetState())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 || changes[0] != 3 || changes[1] != 5 {
		t.Errorf("Expected changes [3 5] in order, got %v", changes)
	}
}

// TestConcurrentAnnouncementsEndOnLatest tests that racing changes leave the
// callbacks' last word matching the engine's view
func TestConcurrentAnnouncementsEndOnLatest(t *testing.T) {
	n := newTestNet(t, 3, 5)
	em := n.nodes[3].election

	var mu sync.Mutex
	var last NodeID
	var tenure bool
	em.SetCallbacks(
		func() { mu.Lock(); tenure = true; mu.Unlock() },
		func(c NodeID) {
			mu.Lock()
			last = c
			if c != 3 {
				tenure = false
			}
			mu.Unlock()
		},
		nil,
	)

	for i := 0; i < 50; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); em.AnnounceCoordinator() }()
		go func() { defer wg.Done(); em.HandleCoordinator(5) }()
		wg.Wait()

		waitFor(t, time.Second, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return last == em.Coordinator()
		}, "callbacks to catch up")
		mu.Lock()
		if tenure != (em.Coordinator() == 3) {
			t.Fatalf("round %d: tenure=%v but coordinator is %d", i, tenure, em.Coordinator())
		}
		mu.Unlock()
	}
}

// TestSittingCoordinatorKeepsRoleDuringElection tests that answering a lower
// node's ELECTION does not demote a coordinator while it probes higher peers
func TestSittingCoordinatorKeepsRoleDuringElection(t *testing.T) {
	n := newTestNet(t, 3, 5, 7)
	n.nodes[7].down.Store(true)
	em := n.nodes[5].election
	em.AnnounceCoordinator()

	em.HandleElection(n.ctx, 3)
	waitFor(t, time.Second, em.IsElecting, "node 5 to start its round")

	if !em.IsCoordinator() {
		t.Errorf("Expected node 5 to stay coordinator mid-round, got %v", em.GetState())
	}
	waitFor(t, time.Second, func() bool { return !em.IsElecting() }, "node 5 round to finish")
	if !em.IsCoordinator() || em.Coordinator() != 5 {
		t.Errorf("Expected node 5 coordinator after round, got %v/%d", em.GetState(), em.Coordinator())
	}
}

// TestLivenessTriggersElection tests that a dead coordinator is replaced
func TestLivenessTriggersElection(t *testing.T) {
	n := newTestNet(t, 1, 3, 5)
	n.nodes[5].election.AnnounceCoordinator()
	waitFor(t, time.Second, n.allFollow(5), "initial coordinator")

	for _, id := range []NodeID{1, 3} {
		go n.nodes[id].liveness.Run(n.ctx)
	}

	// Healthy coordinator keeps everyone in place
	time.Sleep(200 * time.Millisecond)
	if n.nodes[1].election.Coordinator() != 5 {
		t.Fatalf("Expected coordinator 5 while alive, got %d", n.nodes[1].election.Coordinator())
	}

	n.nodes[5].down.Store(true)
	waitFor(t, 3*time.Second, n.allFollow(3), "failover to node 3")
}

// TestLivenessIgnoresStaleAlive tests that ALIVE from the wrong node does not satisfy a probe
func TestLivenessIgnoresStaleAlive(t *testing.T) {
	lm := NewLivenessMonitor(1, 50*time.Millisecond, nil, SenderFunc(func(NodeID, protocol.Message) {}), nil, nil).
		WithMetrics(metrics.NewRegistry())

	go func() {
		time.Sleep(10 * time.Millisecond)
		lm.HandleAlive(3)
	}()

	if lm.Probe(context.Background(), 5) {
		t.Error("Probe of node 5 should not be satisfied by node 3")
	}
}

// TestElectionStateString tests state names
func TestElectionStateString(t *testing.T) {
	tests := []struct {
		state ElectionState
		want  string
	}{
		{StateIdle, "idle"},
		{StateAwaitingVerification, "awaiting_verification"},
		{StateElecting, "electing"},
		{StateCoordinator, "coordinator"},
		{StateFollower, "follower"},
		{ElectionState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}
}
