package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dd0wney/cluso-coord/pkg/arbiter"
	"github.com/dd0wney/cluso-coord/pkg/clocksync"
	"github.com/dd0wney/cluso-coord/pkg/cluster"
	"github.com/dd0wney/cluso-coord/pkg/config"
	"github.com/dd0wney/cluso-coord/pkg/logging"
	"github.com/dd0wney/cluso-coord/pkg/metrics"
	"github.com/dd0wney/cluso-coord/pkg/protocol"
)

type sentMessage struct {
	to  cluster.NodeID
	msg protocol.Message
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (r *recordingSender) Send(to cluster.NodeID, msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMessage{to: to, msg: msg})
}

func (r *recordingSender) count(tag protocol.MessageType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.msg.Type == tag {
			n++
		}
	}
	return n
}

func newTestDispatcher(t *testing.T, role config.Role, client *arbiter.Client) (*RoleDispatcher, *recordingSender) {
	t.Helper()
	cfg := fastConfig(3, role)
	membership := cluster.NewStaticMembership(3, "n3", map[cluster.NodeID]string{1: "n1", 2: "n2"})
	sender := &recordingSender{}
	d := newRoleDispatcher(cfg, membership, sender, clocksync.NewSkewedClock(0), client,
		metrics.NewRegistry(), logging.NewNopLogger())
	t.Cleanup(d.Stop)
	return d, sender
}

func TestRoleDispatcherMutexTenure(t *testing.T) {
	d, _ := newTestDispatcher(t, config.RoleMutex, nil)

	if d.Arbiter() != nil {
		t.Fatal("arbiter exists before any tenure")
	}

	d.BecomeCoordinator()
	first := d.Arbiter()
	if first == nil {
		t.Fatal("expected an arbiter after becoming coordinator")
	}
	first.Request(1)

	// Re-election starts a fresh tenure with an empty queue
	d.BecomeCoordinator()
	second := d.Arbiter()
	if second == first {
		t.Error("expected a new arbiter for the new tenure")
	}
	if got := d.Tenures(); got != 2 {
		t.Errorf("expected 2 tenures, got %d", got)
	}

	d.CoordinatorChanged(5)
	if d.Arbiter() != nil {
		t.Error("arbiter should be dropped when another node takes over")
	}
}

func TestRoleDispatcherOwnAnnouncementKeepsTenure(t *testing.T) {
	d, _ := newTestDispatcher(t, config.RoleMutex, nil)

	d.BecomeCoordinator()
	a := d.Arbiter()
	d.CoordinatorChanged(3)

	if d.Arbiter() != a {
		t.Error("learning that self is coordinator must not end the tenure")
	}
}

func TestRoleDispatcherClockSyncTenure(t *testing.T) {
	d, sender := newTestDispatcher(t, config.RoleClockSync, nil)
	d.bind(context.Background())

	d.BecomeCoordinator()
	if d.Synchronizer() == nil {
		t.Fatal("expected a synchronizer after becoming coordinator")
	}

	// Followers never answer; the round ends at the reply timeout
	deadline := time.Now().Add(2 * time.Second)
	for d.LastRound() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	round := d.LastRound()
	if round == nil {
		t.Fatal("round never completed")
	}
	if len(round.Excluded) != 2 {
		t.Errorf("expected both silent followers excluded, got %v", round.Excluded)
	}
	if got := sender.count(protocol.MsgMaster); got != 2 {
		t.Errorf("expected MASTER to both followers, got %d", got)
	}
	if got := sender.count(protocol.MsgSync); got != 0 {
		t.Errorf("expected no corrections without responders, got %d", got)
	}

	d.CoordinatorChanged(5)
	if _, err := d.TriggerSync(context.Background()); err != ErrNotSyncCoordinator {
		t.Errorf("expected ErrNotSyncCoordinator, got %v", err)
	}
}

func TestRoleDispatcherNoneRole(t *testing.T) {
	d, sender := newTestDispatcher(t, config.RoleNone, nil)

	d.BecomeCoordinator()
	if d.Arbiter() != nil || d.Synchronizer() != nil {
		t.Error("role none must not start services")
	}
	if len(sender.sent) != 0 {
		t.Errorf("expected no messages, got %d", len(sender.sent))
	}
}
