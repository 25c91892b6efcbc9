package transport

import (
	"context"
	"fmt"
	"sync"
)

// memoryQueueSize is the per-endpoint inbox capacity; overflow is dropped
const memoryQueueSize = 1024

// MemoryNetwork connects in-process endpoints. Endpoints can be taken down
// and brought back to simulate crashes without closing them.
//
// Concurrent Safety:
// 1. Endpoint registry and down set are protected by sync.RWMutex
// 2. Each endpoint's inbox is a buffered channel; a full inbox drops
type MemoryNetwork struct {
	endpoints map[string]*MemoryTransport
	down      map[string]bool
	delivered uint64
	dropped   uint64
	mu        sync.RWMutex
}

// NewMemoryNetwork creates an empty network
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		endpoints: make(map[string]*MemoryTransport),
		down:      make(map[string]bool),
	}
}

// Endpoint creates (or replaces) the endpoint at addr
func (mn *MemoryNetwork) Endpoint(addr string) *MemoryTransport {
	mn.mu.Lock()
	defer mn.mu.Unlock()

	ep := &MemoryTransport{
		network: mn,
		addr:    addr,
		inbox:   make(chan Packet, memoryQueueSize),
		done:    make(chan struct{}),
	}
	if old, ok := mn.endpoints[addr]; ok {
		old.closeLocked()
	}
	mn.endpoints[addr] = ep
	delete(mn.down, addr)
	return ep
}

// SetDown marks addr unreachable (true) or reachable again (false). A down
// endpoint neither sends nor receives.
func (mn *MemoryNetwork) SetDown(addr string, down bool) {
	mn.mu.Lock()
	defer mn.mu.Unlock()

	if down {
		mn.down[addr] = true
	} else {
		delete(mn.down, addr)
	}
}

// IsDown reports whether addr is marked unreachable
func (mn *MemoryNetwork) IsDown(addr string) bool {
	mn.mu.RLock()
	defer mn.mu.RUnlock()

	return mn.down[addr]
}

// Stats returns delivered and dropped packet counts
func (mn *MemoryNetwork) Stats() (delivered, dropped uint64) {
	mn.mu.RLock()
	defer mn.mu.RUnlock()

	return mn.delivered, mn.dropped
}

func (mn *MemoryNetwork) deliver(from, to string, payload []byte) {
	mn.mu.Lock()
	defer mn.mu.Unlock()

	ep, ok := mn.endpoints[to]
	if !ok || mn.down[to] || mn.down[from] || ep.closed {
		mn.dropped++
		return
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case ep.inbox <- Packet{From: from, Payload: buf}:
		mn.delivered++
	default:
		mn.dropped++
	}
}

func (mn *MemoryNetwork) remove(ep *MemoryTransport) {
	mn.mu.Lock()
	defer mn.mu.Unlock()

	if mn.endpoints[ep.addr] == ep {
		delete(mn.endpoints, ep.addr)
	}
	ep.closeLocked()
}

// MemoryTransport is one endpoint of a MemoryNetwork
type MemoryTransport struct {
	network *MemoryNetwork
	addr    string
	inbox   chan Packet
	done    chan struct{}
	closed  bool // guarded by network.mu
}

// Send queues payload for the endpoint at addr
func (mt *MemoryTransport) Send(addr string, payload []byte) error {
	select {
	case <-mt.done:
		return ErrClosed
	default:
	}
	mt.network.deliver(mt.addr, addr, payload)
	return nil
}

// Receive hands queued packets to handler until ctx is cancelled or the
// endpoint is closed
func (mt *MemoryTransport) Receive(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-mt.done:
			return ErrClosed
		case pkt := <-mt.inbox:
			handler(pkt)
		}
	}
}

// LocalAddr returns the endpoint address
func (mt *MemoryTransport) LocalAddr() string {
	return mt.addr
}

// Close detaches the endpoint from the network
func (mt *MemoryTransport) Close() error {
	mt.network.remove(mt)
	return nil
}

// closeLocked must be called with network.mu held
func (mt *MemoryTransport) closeLocked() {
	if !mt.closed {
		mt.closed = true
		close(mt.done)
	}
}

// String identifies the endpoint in logs
func (mt *MemoryTransport) String() string {
	return fmt.Sprintf("memory://%s", mt.addr)
}
