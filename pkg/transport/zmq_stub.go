//go:build !zmq
// +build !zmq

package transport

import "github.com/dd0wney/cluso-coord/pkg/logging"

func newZMQTransport(string, logging.Logger) (Transport, error) {
	return nil, ErrZMQNotAvailable
}
