package cluster

import "time"

// ClusterConfig defines timing and identity for the election engine and
// liveness monitor
type ClusterConfig struct {
	// Node identification
	NodeID NodeID // This node's priority; higher wins elections

	// Election configuration
	VerifyTimeout   time.Duration // Wait per peer for an INFORM reply at startup (default: 20s)
	ElectionTimeout time.Duration // Wait for OK replies, and again for COORDINATOR after an OK (default: 5s)

	// Liveness configuration
	ProbeInterval time.Duration // Sleep between probes and wait for ALIVE (default: 5s)
}

// DefaultClusterConfig returns the timings used by the reference deployment
func DefaultClusterConfig() ClusterConfig {
	return ClusterConfig{
		VerifyTimeout:   20 * time.Second,
		ElectionTimeout: 5 * time.Second,
		ProbeInterval:   5 * time.Second,
	}
}

// Validate checks if configuration is valid
func (c *ClusterConfig) Validate() error {
	if c.NodeID == 0 {
		return ErrInvalidNodeID
	}
	if c.VerifyTimeout <= 0 || c.ElectionTimeout <= 0 {
		return ErrInvalidElectionTimeout
	}
	if c.ProbeInterval <= 0 {
		return ErrInvalidProbeInterval
	}
	return nil
}
