package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pull"
	"go.nanomsg.org/mangos/v3/protocol/push"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/dd0wney/cluso-coord/pkg/logging"
)

// nngPollInterval bounds how long Receive blocks before checking its context
const nngPollInterval = 200 * time.Millisecond

// NNGTransport carries messages over mangos PUSH/PULL sockets. Each node
// listens with one PULL socket; a PUSH socket is dialed lazily per peer.
//
// Concurrent Safety:
// 1. The peer socket map is protected by sync.Mutex
// 2. Dials are asynchronous, so unreachable peers never block Send
// 3. PUSH sockets are best effort: undeliverable messages are discarded
type NNGTransport struct {
	addr   string
	pull   mangos.Socket
	peers  map[string]mangos.Socket
	logger logging.Logger
	closed bool
	mu     sync.Mutex
}

// NewNNGTransport listens on addr. addr may be host:port (tcp is assumed)
// or any mangos URL such as inproc://name.
func NewNNGTransport(addr string, logger logging.Logger) (*NNGTransport, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	cleanup := newResourceCleanup(logger)
	defer cleanup.Cleanup()

	sock, err := pull.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create PULL socket: %w", err)
	}
	cleanup.Add(sock, "pull socket")

	if err := sock.SetOption(mangos.OptionRecvDeadline, nngPollInterval); err != nil {
		return nil, fmt.Errorf("failed to set receive deadline: %w", err)
	}
	if err := sock.Listen(socketURL(addr)); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", socketURL(addr), err)
	}

	logger.Info("nng transport listening", logging.String("addr", socketURL(addr)))

	// Success - prevent cleanup from closing resources
	cleanup.Clear()
	return &NNGTransport{
		addr:   addr,
		pull:   sock,
		peers:  make(map[string]mangos.Socket),
		logger: logger,
	}, nil
}

// Send pushes payload to addr, dialing it on first use
func (n *NNGTransport) Send(addr string, payload []byte) error {
	sock, err := n.peer(addr)
	if err != nil {
		return err
	}
	if err := sock.Send(payload); err != nil {
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	return nil
}

// peer returns the PUSH socket for addr
func (n *NNGTransport) peer(addr string) (mangos.Socket, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, ErrClosed
	}
	if sock, ok := n.peers[addr]; ok {
		return sock, nil
	}

	cleanup := newResourceCleanup(n.logger)
	defer cleanup.Cleanup()

	sock, err := push.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create PUSH socket: %w", err)
	}
	cleanup.Add(sock, "push socket "+addr)

	if err := sock.SetOption(mangos.OptionBestEffort, true); err != nil {
		return nil, fmt.Errorf("failed to enable best effort: %w", err)
	}
	opts := map[string]interface{}{mangos.OptionDialAsynch: true}
	if err := sock.DialOptions(socketURL(addr), opts); err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", socketURL(addr), err)
	}

	cleanup.Clear()
	n.peers[addr] = sock
	n.logger.Debug("dialed peer", logging.String("addr", socketURL(addr)))
	return sock, nil
}

// Receive pulls messages until ctx is cancelled or the transport is closed
func (n *NNGTransport) Receive(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		payload, err := n.pull.Recv()
		switch {
		case err == nil:
			handler(Packet{Payload: payload})
		case errors.Is(err, mangos.ErrRecvTimeout):
			continue
		case errors.Is(err, mangos.ErrClosed):
			return ErrClosed
		default:
			n.logger.Warn("nng receive failed", logging.Error(err))
		}
	}
}

// LocalAddr returns the listen address
func (n *NNGTransport) LocalAddr() string {
	return n.addr
}

// Close closes the PULL socket and every PUSH socket
func (n *NNGTransport) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true

	cleanup := newResourceCleanup(n.logger)
	cleanup.Add(n.pull, "pull socket")
	for addr, sock := range n.peers {
		cleanup.Add(sock, "push socket "+addr)
	}
	n.peers = nil
	return cleanup.CloseAll()
}
