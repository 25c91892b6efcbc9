//go:build zmq
// +build zmq

package transport

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/dd0wney/cluso-coord/pkg/logging"
)

// zmqPollInterval bounds how long Receive blocks before checking its context
const zmqPollInterval = 200 * time.Millisecond

// ZMQTransport carries messages over ZeroMQ PUSH/PULL sockets. ZeroMQ sockets
// are not goroutine safe, so PUSH sockets are only used under the mutex and
// the PULL socket only from Receive. While Receive runs, it owns closing the
// PULL socket.
type ZMQTransport struct {
	addr      string
	pull      *zmq.Socket
	peers     map[string]*zmq.Socket
	logger    logging.Logger
	closed    bool
	receiving bool
	mu        sync.Mutex
}

// NewZMQTransport binds a PULL socket on addr
func NewZMQTransport(addr string, logger logging.Logger) (*ZMQTransport, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	cleanup := newResourceCleanup(logger)
	defer cleanup.Cleanup()

	sock, err := zmq.NewSocket(zmq.PULL)
	if err != nil {
		return nil, fmt.Errorf("failed to create PULL socket: %w", err)
	}
	cleanup.Add(sock, "pull socket")

	if err := sock.SetRcvtimeo(zmqPollInterval); err != nil {
		return nil, fmt.Errorf("failed to set receive timeout: %w", err)
	}
	if err := sock.Bind(socketURL(addr)); err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", socketURL(addr), err)
	}

	logger.Info("zmq transport listening", logging.String("addr", socketURL(addr)))

	cleanup.Clear()
	return &ZMQTransport{
		addr:   addr,
		pull:   sock,
		peers:  make(map[string]*zmq.Socket),
		logger: logger,
	}, nil
}

func newZMQTransport(addr string, logger logging.Logger) (Transport, error) {
	return NewZMQTransport(addr, logger)
}

// Send pushes payload to addr without blocking. A peer with a full queue or
// no connection loses the message.
func (z *ZMQTransport) Send(addr string, payload []byte) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.closed {
		return ErrClosed
	}

	sock, ok := z.peers[addr]
	if !ok {
		var err error
		if sock, err = z.dialLocked(addr); err != nil {
			return err
		}
	}

	if _, err := sock.SendBytes(payload, zmq.DONTWAIT); err != nil {
		if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
			return nil
		}
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	return nil
}

// dialLocked connects a PUSH socket to addr (must be called with lock held)
func (z *ZMQTransport) dialLocked(addr string) (*zmq.Socket, error) {
	cleanup := newResourceCleanup(z.logger)
	defer cleanup.Cleanup()

	sock, err := zmq.NewSocket(zmq.PUSH)
	if err != nil {
		return nil, fmt.Errorf("failed to create PUSH socket: %w", err)
	}
	cleanup.Add(sock, "push socket "+addr)

	if err := sock.SetLinger(0); err != nil {
		return nil, fmt.Errorf("failed to set linger: %w", err)
	}
	if err := sock.Connect(socketURL(addr)); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", socketURL(addr), err)
	}

	cleanup.Clear()
	z.peers[addr] = sock
	return sock, nil
}

// Receive pulls messages until ctx is cancelled or the transport is closed
func (z *ZMQTransport) Receive(ctx context.Context, handler Handler) error {
	z.mu.Lock()
	if z.closed {
		z.mu.Unlock()
		return ErrClosed
	}
	z.receiving = true
	z.mu.Unlock()

	defer func() {
		z.mu.Lock()
		defer z.mu.Unlock()
		z.receiving = false
		if z.closed {
			_ = z.pull.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if z.isClosed() {
			return ErrClosed
		}

		payload, err := z.pull.RecvBytes(0)
		if err != nil {
			switch zmq.AsErrno(err) {
			case zmq.Errno(syscall.EAGAIN), zmq.Errno(syscall.EINTR):
				continue
			case zmq.ETERM:
				return ErrClosed
			}
			z.logger.Warn("zmq receive failed", logging.Error(err))
			continue
		}
		handler(Packet{Payload: payload})
	}
}

func (z *ZMQTransport) isClosed() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.closed
}

// LocalAddr returns the bind address
func (z *ZMQTransport) LocalAddr() string {
	return z.addr
}

// Close closes all sockets
func (z *ZMQTransport) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.closed {
		return nil
	}
	z.closed = true

	cleanup := newResourceCleanup(z.logger)
	if !z.receiving {
		cleanup.Add(z.pull, "pull socket")
	}
	for addr, sock := range z.peers {
		cleanup.Add(sock, "push socket "+addr)
	}
	z.peers = nil
	return cleanup.CloseAll()
}
