// Package transport moves encoded protocol messages between nodes.
//
// Delivery is datagram-like for every implementation: a send to a dead or
// unknown peer is dropped, never retried, and never reported to the sender
// as anything other than a local error.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dd0wney/cluso-coord/pkg/logging"
)

// Kind selects a transport implementation
type Kind string

const (
	KindUDP Kind = "udp"
	KindNNG Kind = "nng"
	KindZMQ Kind = "zmq"
)

var (
	ErrClosed          = errors.New("transport closed")
	ErrUnknownKind     = errors.New("unknown transport kind")
	ErrZMQNotAvailable = errors.New("zmq transport not compiled in (build with -tags zmq)")
)

// Packet is one received datagram
type Packet struct {
	From    string // Source address when the transport knows it
	Payload []byte
}

// Handler consumes received packets. It runs on the receive goroutine.
type Handler func(Packet)

// Transport sends and receives datagrams addressed by member address
type Transport interface {
	io.Closer
	// Send delivers payload to addr on a best-effort basis
	Send(addr string, payload []byte) error
	// Receive calls handler for every packet until ctx is cancelled or the
	// transport is closed
	Receive(ctx context.Context, handler Handler) error
	// LocalAddr returns the address peers should send to
	LocalAddr() string
}

// New creates a transport of the given kind listening on listenAddr
func New(kind Kind, listenAddr string, logger logging.Logger) (Transport, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.With(logging.Component("transport"), logging.String("kind", string(kind)))

	switch kind {
	case KindUDP, "":
		return NewUDPTransport(listenAddr, logger)
	case KindNNG:
		return NewNNGTransport(listenAddr, logger)
	case KindZMQ:
		return newZMQTransport(listenAddr, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// socketURL turns a host:port member address into a tcp:// URL. Addresses
// that already carry a scheme are returned unchanged.
func socketURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "tcp://" + addr
}
