package node

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-coord/pkg/arbiter"
	"github.com/dd0wney/cluso-coord/pkg/clocksync"
	"github.com/dd0wney/cluso-coord/pkg/cluster"
	"github.com/dd0wney/cluso-coord/pkg/config"
	"github.com/dd0wney/cluso-coord/pkg/protocol"
	"github.com/dd0wney/cluso-coord/pkg/registry"
	"github.com/dd0wney/cluso-coord/pkg/transport"
)

const settle = 3 * time.Second

func addrOf(id cluster.NodeID) string {
	return fmt.Sprintf("node-%d", id)
}

func fastConfig(id cluster.NodeID, role config.Role) *config.NodeConfig {
	cfg := config.Default()
	cfg.NodeID = uint64(id)
	cfg.Role = role
	cfg.Election.VerifyTimeout = 100 * time.Millisecond
	cfg.Election.ElectionTimeout = 100 * time.Millisecond
	cfg.Election.ProbeInterval = 50 * time.Millisecond
	cfg.Mutex.RequestDelayMin = 10 * time.Millisecond
	cfg.Mutex.RequestDelayMax = 30 * time.Millisecond
	cfg.Mutex.HoldMin = 10 * time.Millisecond
	cfg.Mutex.HoldMax = 20 * time.Millisecond
	cfg.ClockSync.ReplyTimeout = 200 * time.Millisecond
	return cfg
}

type testCluster struct {
	t     *testing.T
	net   *transport.MemoryNetwork
	reg   *registry.MemoryRegistry
	nodes map[cluster.NodeID]*Node
}

// newTestCluster builds (but does not start) one node per ID. Every endpoint
// exists before any node starts so no early message is lost.
func newTestCluster(t *testing.T, role config.Role, ids ...cluster.NodeID) *testCluster {
	t.Helper()
	members := make(map[cluster.NodeID]string, len(ids))
	for _, id := range ids {
		members[id] = addrOf(id)
	}
	tc := &testCluster{
		t:     t,
		net:   transport.NewMemoryNetwork(),
		reg:   registry.NewMemoryRegistry(members),
		nodes: make(map[cluster.NodeID]*Node),
	}
	for _, id := range ids {
		tc.build(fastConfig(id, role), nil)
	}
	t.Cleanup(tc.stopAll)
	return tc
}

func (tc *testCluster) build(cfg *config.NodeConfig, clock *clocksync.LocalClock) *Node {
	tc.t.Helper()
	id := cluster.NodeID(cfg.NodeID)
	n, err := New(context.Background(), cfg, Deps{
		Registry:  tc.reg,
		Transport: tc.net.Endpoint(addrOf(id)),
		Clock:     clock,
	})
	require.NoError(tc.t, err)
	tc.nodes[id] = n
	return n
}

func (tc *testCluster) startAll() {
	tc.t.Helper()
	for _, n := range tc.nodes {
		require.NoError(tc.t, n.Start(context.Background()))
	}
}

func (tc *testCluster) stopAll() {
	for _, n := range tc.nodes {
		if n.Running() {
			n.Stop()
		}
	}
}

// agreeOn waits until every running node follows coordinator
func (tc *testCluster) agreeOn(coordinator cluster.NodeID) {
	tc.t.Helper()
	require.Eventually(tc.t, func() bool {
		for _, n := range tc.nodes {
			if n.Running() && n.Election().Coordinator() != coordinator {
				return false
			}
		}
		return true
	}, settle, 10*time.Millisecond, "nodes never agreed on coordinator %d", coordinator)
}

func TestClusterElectsHighestNode(t *testing.T) {
	tc := newTestCluster(t, config.RoleNone, 1, 2, 3)
	tc.startAll()
	tc.agreeOn(3)

	assert.Equal(t, cluster.StateCoordinator, tc.nodes[3].Election().GetState())
	assert.Equal(t, cluster.StateFollower, tc.nodes[1].Election().GetState())
	require.Eventually(t, func() bool {
		return tc.nodes[3].Roles().Tenures() == 1
	}, settle, 10*time.Millisecond)
	assert.Zero(t, tc.nodes[1].Roles().Tenures())
}

func TestSingleNodeBootstrap(t *testing.T) {
	tc := newTestCluster(t, config.RoleNone, 4)
	tc.startAll()
	tc.agreeOn(4)

	delivered, dropped := tc.net.Stats()
	assert.Zero(t, delivered)
	assert.Zero(t, dropped)
}

func TestFailoverAfterCoordinatorCrash(t *testing.T) {
	tc := newTestCluster(t, config.RoleNone, 1, 2, 3)
	tc.startAll()
	tc.agreeOn(3)

	require.NoError(t, tc.nodes[3].Stop())
	tc.agreeOn(2)

	assert.True(t, tc.nodes[2].Election().IsCoordinator())
	timeouts := testutil.ToFloat64(tc.nodes[1].Metrics().ProbesTotal.WithLabelValues("timeout")) +
		testutil.ToFloat64(tc.nodes[2].Metrics().ProbesTotal.WithLabelValues("timeout"))
	assert.Greater(t, timeouts, 0.0, "failover must be driven by a failed probe")
}

func TestMutexRoleGrantsExclusively(t *testing.T) {
	tc := newTestCluster(t, config.RoleMutex, 1, 2, 3)
	tc.startAll()
	tc.agreeOn(3)

	var (
		mu         sync.Mutex
		violations int
	)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
			}
			holding := 0
			for _, id := range []cluster.NodeID{1, 2} {
				if tc.nodes[id].client.State() == arbiter.ClientHolding {
					holding++
				}
			}
			if holding > 1 {
				mu.Lock()
				violations++
				mu.Unlock()
			}
		}
	}()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(tc.nodes[1].Metrics().ClientCriticalSections) >= 2 &&
			testutil.ToFloat64(tc.nodes[2].Metrics().ClientCriticalSections) >= 2
	}, 5*time.Second, 20*time.Millisecond)
	close(stop)
	<-done

	mu.Lock()
	assert.Zero(t, violations, "two followers held the resource at once")
	mu.Unlock()

	snap := tc.nodes[3].Snapshot()
	require.NotNil(t, snap.Arbiter)
	assert.Equal(t, "idle", snap.Resource, "coordinator never requests from itself")
	assert.GreaterOrEqual(t, testutil.ToFloat64(tc.nodes[3].Metrics().ArbiterGrantsTotal), 4.0)
	assert.Nil(t, tc.nodes[1].Roles().Arbiter())
}

func TestMutexTenureMovesWithCoordinator(t *testing.T) {
	tc := newTestCluster(t, config.RoleMutex, 1, 2, 3)
	tc.startAll()
	tc.agreeOn(3)
	require.Eventually(t, func() bool {
		return tc.nodes[3].Roles().Arbiter() != nil
	}, settle, 10*time.Millisecond)

	require.NoError(t, tc.nodes[3].Stop())
	tc.agreeOn(2)

	require.Eventually(t, func() bool {
		return tc.nodes[2].Roles().Arbiter() != nil
	}, settle, 10*time.Millisecond)

	before := testutil.ToFloat64(tc.nodes[1].Metrics().ClientCriticalSections)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(tc.nodes[1].Metrics().ClientCriticalSections) > before
	}, 5*time.Second, 20*time.Millisecond, "node 1 never got the resource from the new coordinator")
}

func TestClockSyncRoleConverges(t *testing.T) {
	ids := []cluster.NodeID{1, 2, 3}
	offsets := map[cluster.NodeID]time.Duration{
		1: 10 * time.Minute,
		2: -4 * time.Minute,
		3: 0,
	}

	members := make(map[cluster.NodeID]string)
	for _, id := range ids {
		members[id] = addrOf(id)
	}
	tc := &testCluster{
		t:     t,
		net:   transport.NewMemoryNetwork(),
		reg:   registry.NewMemoryRegistry(members),
		nodes: make(map[cluster.NodeID]*Node),
	}
	t.Cleanup(tc.stopAll)
	for _, id := range ids {
		tc.build(fastConfig(id, config.RoleClockSync), clocksync.NewSkewedClock(offsets[id]))
	}

	tc.startAll()
	tc.agreeOn(3)

	require.Eventually(t, func() bool {
		return tc.nodes[3].Roles().LastRound() != nil
	}, settle, 10*time.Millisecond)

	round := tc.nodes[3].Roles().LastRound()
	assert.Equal(t, 2, round.Responders())
	assert.InDelta(t, float64(2*time.Minute), float64(round.Average), float64(50*time.Millisecond))

	require.Eventually(t, func() bool {
		for _, id := range []cluster.NodeID{1, 2} {
			diff := tc.nodes[id].Clock().Offset() - tc.nodes[3].Clock().Offset()
			if diff.Abs() > 50*time.Millisecond {
				return false
			}
		}
		return true
	}, settle, 10*time.Millisecond, "follower clocks did not converge")

	for _, id := range []cluster.NodeID{1, 2} {
		assert.Equal(t, cluster.NodeID(3), tc.nodes[id].Snapshot().ClockMaster)
	}
}

func TestTriggerSyncRequiresCoordinator(t *testing.T) {
	tc := newTestCluster(t, config.RoleClockSync, 1, 2)
	tc.startAll()
	tc.agreeOn(2)
	require.Eventually(t, func() bool {
		return tc.nodes[2].Roles().LastRound() != nil
	}, settle, 10*time.Millisecond)

	_, err := tc.nodes[1].TriggerSync(context.Background())
	assert.ErrorIs(t, err, ErrNotSyncCoordinator)

	result, err := tc.nodes[2].TriggerSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Responders())
}

func TestLateJoinerAdoptsCoordinator(t *testing.T) {
	tc := newTestCluster(t, config.RoleNone, 1, 2)
	tc.startAll()
	tc.agreeOn(2)

	cfg := fastConfig(5, config.RoleNone)
	cfg.Listen = addrOf(5)
	joiner := tc.build(cfg, nil)

	members, err := tc.reg.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, addrOf(5), members[5], "joiner registers itself")

	require.NoError(t, joiner.Start(context.Background()))
	tc.agreeOn(2)

	for _, id := range []cluster.NodeID{1, 2} {
		require.Eventually(t, func() bool {
			_, ok := tc.nodes[id].Membership().Lookup(5)
			return ok
		}, settle, 10*time.Millisecond, "node %d never admitted the joiner", id)
	}
}

func TestMalformedDatagramIsDropped(t *testing.T) {
	tc := newTestCluster(t, config.RoleNone, 1)
	probe := tc.net.Endpoint("probe")
	tc.startAll()
	tc.agreeOn(1)

	require.NoError(t, probe.Send(addrOf(1), []byte("NOPE|x|y")))
	require.NoError(t, probe.Send(addrOf(1), protocol.New(protocol.MsgIsAlive, 9).Encode()))

	ctx, cancel := context.WithTimeout(context.Background(), settle)
	defer cancel()
	replies := make(chan protocol.Message, 1)
	go probe.Receive(ctx, func(pkt transport.Packet) {
		if msg, err := protocol.Decode(pkt.Payload); err == nil {
			select {
			case replies <- msg:
			default:
			}
		}
	})

	select {
	case msg := <-replies:
		assert.Equal(t, protocol.MsgAlive, msg.Type)
		assert.Equal(t, uint64(1), msg.Sender)
	case <-ctx.Done():
		t.Fatal("node stopped answering after a malformed datagram")
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(tc.nodes[1].Metrics().MessagesDropped.WithLabelValues("malformed")))
	_, admitted := tc.nodes[1].Membership().Lookup(9)
	assert.True(t, admitted, "unknown sender admitted by source address")
}

func TestUnexpectedMessagesAreDropped(t *testing.T) {
	tc := newTestCluster(t, config.RoleNone, 1, 2)
	tc.startAll()
	tc.agreeOn(2)

	n := tc.nodes[2]
	n.handle(transport.Packet{From: addrOf(1), Payload: protocol.New(protocol.MsgRequest, 1).Encode()})
	n.handle(transport.Packet{From: addrOf(1), Payload: protocol.NewSyncOut(1, time.Second).Encode()})

	assert.Equal(t, 2.0, testutil.ToFloat64(n.Metrics().MessagesDropped.WithLabelValues("unexpected")))
}

func TestNodeLifecycle(t *testing.T) {
	tc := newTestCluster(t, config.RoleNone, 1)
	n := tc.nodes[1]

	assert.ErrorIs(t, n.Stop(), ErrNotStarted)
	require.NoError(t, n.Start(context.Background()))
	assert.ErrorIs(t, n.Start(context.Background()), ErrAlreadyStarted)
	assert.True(t, n.Snapshot().Running)

	require.NoError(t, n.Stop())
	assert.False(t, n.Running())
	assert.ErrorIs(t, n.Start(context.Background()), ErrAlreadyStarted)
	assert.ErrorIs(t, n.Stop(), ErrNotStarted)
}

func TestNewRequiresAddress(t *testing.T) {
	reg := registry.NewMemoryRegistry(nil)
	_, err := New(context.Background(), fastConfig(7, config.RoleNone), Deps{
		Registry:  reg,
		Transport: transport.NewMemoryNetwork().Endpoint("x"),
	})
	assert.ErrorIs(t, err, ErrNoListenAddr)

	_, err = New(context.Background(), config.Default(), Deps{Registry: reg})
	assert.ErrorIs(t, err, config.ErrMissingNodeID)
}

func TestSnapshotReportsNode(t *testing.T) {
	tc := newTestCluster(t, config.RoleMutex, 1, 2)
	tc.startAll()
	tc.agreeOn(2)

	snap := tc.nodes[1].Snapshot()
	assert.Equal(t, cluster.NodeID(1), snap.NodeID)
	assert.Equal(t, addrOf(1), snap.Addr)
	assert.Equal(t, config.RoleMutex, snap.Role)
	assert.Equal(t, "follower", snap.State)
	assert.Equal(t, cluster.NodeID(2), snap.Coordinator)
	assert.Len(t, snap.Members, 2)
	assert.NotEmpty(t, snap.Incarnation)
	assert.NotEqual(t, snap.Incarnation, tc.nodes[2].Snapshot().Incarnation)
	assert.Nil(t, snap.Arbiter)
}
