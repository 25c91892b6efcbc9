// Package config loads node configuration from a YAML file, COORD_*
// environment variables and command-line flags, in that order of precedence
// (flags win).
package config

import (
	"time"

	"github.com/dd0wney/cluso-coord/pkg/arbiter"
	"github.com/dd0wney/cluso-coord/pkg/cluster"
	"github.com/dd0wney/cluso-coord/pkg/logging"
	"github.com/dd0wney/cluso-coord/pkg/registry"
	"github.com/dd0wney/cluso-coord/pkg/transport"
)

// Role selects the service a node runs while it is coordinator
type Role string

const (
	RoleNone      Role = "none"
	RoleMutex     Role = "mutex"
	RoleClockSync Role = "clocksync"
)

const (
	defaultProbeInterval          = 5 * time.Second
	defaultClockSyncProbeInterval = 60 * time.Second
)

// NodeConfig is the full configuration of one coordination node
type NodeConfig struct {
	NodeID    uint64          `yaml:"node_id" validate:"required,gt=0"`
	Listen    string          `yaml:"listen"` // empty: the address registered for NodeID
	Transport transport.Kind  `yaml:"transport" validate:"oneof=udp nng zmq"`
	Role      Role            `yaml:"role" validate:"oneof=none mutex clocksync"`
	Registry  registry.Config `yaml:"registry"`
	Election  ElectionConfig  `yaml:"election"`
	Mutex     MutexConfig     `yaml:"mutex"`
	ClockSync ClockSyncConfig `yaml:"clocksync"`
	Log       LogConfig       `yaml:"log"`
	Admin     AdminConfig     `yaml:"admin"`
}

// ElectionConfig holds election and liveness timings.
// ProbeInterval left at zero takes the role's default.
type ElectionConfig struct {
	VerifyTimeout   time.Duration `yaml:"verify_timeout" validate:"gt=0"`
	ElectionTimeout time.Duration `yaml:"election_timeout" validate:"gt=0"`
	ProbeInterval   time.Duration `yaml:"probe_interval" validate:"gte=0"`
}

// MutexConfig bounds the resource client's random delays
type MutexConfig struct {
	RequestDelayMin time.Duration `yaml:"request_delay_min" validate:"gt=0"`
	RequestDelayMax time.Duration `yaml:"request_delay_max" validate:"gt=0"`
	HoldMin         time.Duration `yaml:"hold_min" validate:"gt=0"`
	HoldMax         time.Duration `yaml:"hold_max" validate:"gt=0"`
}

// ClockSyncConfig controls Berkeley rounds
type ClockSyncConfig struct {
	ReplyTimeout   time.Duration `yaml:"reply_timeout" validate:"gt=0"`
	ResyncInterval time.Duration `yaml:"resync_interval" validate:"gte=0"` // 0: one round per tenure
	InitialOffset  time.Duration `yaml:"initial_offset"`                   // simulated skew of the local clock
}

type LogConfig struct {
	Level    string `yaml:"level" validate:"oneof=debug info warn error"`
	Encoding string `yaml:"encoding" validate:"oneof=json console"`
}

type AdminConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"` // empty disables the admin server
}

// Default returns the reference configuration without a node ID
func Default() *NodeConfig {
	cc := cluster.DefaultClusterConfig()
	mc := arbiter.DefaultClientConfig()
	return &NodeConfig{
		Transport: transport.KindUDP,
		Role:      RoleNone,
		Registry: registry.Config{
			Kind:        registry.KindFile,
			Path:        "nodes.txt",
			DefaultHost: "127.0.0.1",
		},
		Election: ElectionConfig{
			VerifyTimeout:   cc.VerifyTimeout,
			ElectionTimeout: cc.ElectionTimeout,
		},
		Mutex: MutexConfig{
			RequestDelayMin: mc.RequestDelayMin,
			RequestDelayMax: mc.RequestDelayMax,
			HoldMin:         mc.HoldMin,
			HoldMax:         mc.HoldMax,
		},
		ClockSync: ClockSyncConfig{
			ReplyTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// EffectiveProbeInterval returns the configured probe interval, or the
// role default when none is set
func (c *NodeConfig) EffectiveProbeInterval() time.Duration {
	if c.Election.ProbeInterval > 0 {
		return c.Election.ProbeInterval
	}
	if c.Role == RoleClockSync {
		return defaultClockSyncProbeInterval
	}
	return defaultProbeInterval
}

// ClusterConfig converts to the election engine's configuration
func (c *NodeConfig) ClusterConfig() cluster.ClusterConfig {
	return cluster.ClusterConfig{
		NodeID:          cluster.NodeID(c.NodeID),
		VerifyTimeout:   c.Election.VerifyTimeout,
		ElectionTimeout: c.Election.ElectionTimeout,
		ProbeInterval:   c.EffectiveProbeInterval(),
	}
}

// ClientConfig converts to the resource client's configuration
func (c *NodeConfig) ClientConfig() arbiter.ClientConfig {
	return arbiter.ClientConfig{
		RequestDelayMin: c.Mutex.RequestDelayMin,
		RequestDelayMax: c.Mutex.RequestDelayMax,
		HoldMin:         c.Mutex.HoldMin,
		HoldMax:         c.Mutex.HoldMax,
	}
}

// LoggingConfig converts to the logger configuration
func (c *NodeConfig) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig("coordnode")
	cfg.Level = c.Log.Level
	cfg.Encoding = c.Log.Encoding
	return cfg
}
