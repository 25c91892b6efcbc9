package node

import "errors"

var (
	ErrNoListenAddr       = errors.New("no listen address configured or registered for this node")
	ErrAlreadyStarted     = errors.New("node already started")
	ErrNotStarted         = errors.New("node not started")
	ErrNotSyncCoordinator = errors.New("node is not the clock-sync coordinator")
)
