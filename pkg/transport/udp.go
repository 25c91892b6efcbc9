package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dd0wney/cluso-coord/pkg/logging"
)

// maxDatagram bounds a single protocol message
const maxDatagram = 1024

// UDPTransport sends each message as one UDP datagram from the listening
// socket, so peers see the node's well-known address as the source.
type UDPTransport struct {
	conn   *net.UDPConn
	logger logging.Logger
	closed bool
	mu     sync.Mutex
}

// NewUDPTransport listens on addr ("host:port"; port 0 picks a free port)
func NewUDPTransport(addr string, logger logging.Logger) (*UDPTransport, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	local, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", addr, err)
	}

	logger.Info("udp transport listening", logging.String("addr", conn.LocalAddr().String()))
	return &UDPTransport{conn: conn, logger: logger}, nil
}

// Send writes payload to addr
func (u *UDPTransport) Send(addr string, payload []byte) error {
	if u.isClosed() {
		return ErrClosed
	}

	remote, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", addr, err)
	}
	if _, err := u.conn.WriteToUDP(payload, remote); err != nil {
		return fmt.Errorf("send to %q: %w", addr, err)
	}
	return nil
}

// Receive reads datagrams until ctx is cancelled or the transport is closed
func (u *UDPTransport) Receive(ctx context.Context, handler Handler) error {
	if err := u.conn.SetReadDeadline(time.Time{}); err != nil {
		return ErrClosed
	}
	stop := context.AfterFunc(ctx, func() {
		// Unblock ReadFromUDP
		_ = u.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return ErrClosed
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			u.logger.Warn("udp read failed", logging.Error(err))
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		handler(Packet{From: from.String(), Payload: payload})
	}
}

// LocalAddr returns the bound address
func (u *UDPTransport) LocalAddr() string {
	return u.conn.LocalAddr().String()
}

// Close closes the socket
func (u *UDPTransport) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return nil
	}
	u.closed = true
	return u.conn.Close()
}

func (u *UDPTransport) isClosed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}
