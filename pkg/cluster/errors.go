package cluster

import "errors"

// Configuration errors
var (
	ErrInvalidNodeID          = errors.New("node ID must be a positive integer")
	ErrInvalidNodeAddr        = errors.New("node address cannot be empty")
	ErrInvalidElectionTimeout = errors.New("verify and election timeouts must be positive")
	ErrInvalidProbeInterval   = errors.New("probe interval must be positive")
)

// Membership errors
var (
	ErrNodeNotFound      = errors.New("node not found in membership")
	ErrNodeAlreadyExists = errors.New("node already exists in membership")
	ErrCannotRemoveSelf  = errors.New("cannot remove self from cluster")
)
