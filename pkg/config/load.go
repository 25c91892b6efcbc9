package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-coord/pkg/registry"
	"github.com/dd0wney/cluso-coord/pkg/transport"
)

// LookupFunc reads an environment variable; os.LookupEnv in production
type LookupFunc func(key string) (string, bool)

// LoadFile overlays the YAML file at path onto c. Keys absent from the file
// keep their current values.
func (c *NodeConfig) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays COORD_* variables onto c. LOG_LEVEL is honoured when
// COORD_LOG_LEVEL is unset.
func (c *NodeConfig) ApplyEnv(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidEnv, key, v, err)
		}
		*dst = d
		return nil
	}

	if v, ok := lookup("COORD_NODE_ID"); ok && v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: COORD_NODE_ID=%q", ErrInvalidEnv, v)
		}
		c.NodeID = id
	}

	str("COORD_LISTEN", &c.Listen)
	if v, ok := lookup("COORD_TRANSPORT"); ok && v != "" {
		c.Transport = transport.Kind(v)
	}
	if v, ok := lookup("COORD_ROLE"); ok && v != "" {
		c.Role = Role(v)
	}
	if v, ok := lookup("COORD_REGISTRY_KIND"); ok && v != "" {
		c.Registry.Kind = registry.Kind(v)
	}
	str("COORD_REGISTRY_PATH", &c.Registry.Path)
	str("COORD_DATABASE_URL", &c.Registry.DatabaseURL)
	str("LOG_LEVEL", &c.Log.Level)
	str("COORD_LOG_LEVEL", &c.Log.Level)
	str("COORD_LOG_ENCODING", &c.Log.Encoding)
	str("COORD_ADMIN_ADDR", &c.Admin.Addr)

	for key, dst := range map[string]*time.Duration{
		"COORD_VERIFY_TIMEOUT":     &c.Election.VerifyTimeout,
		"COORD_ELECTION_TIMEOUT":   &c.Election.ElectionTimeout,
		"COORD_PROBE_INTERVAL":     &c.Election.ProbeInterval,
		"COORD_SYNC_REPLY_TIMEOUT": &c.ClockSync.ReplyTimeout,
		"COORD_RESYNC_INTERVAL":    &c.ClockSync.ResyncInterval,
		"COORD_CLOCK_OFFSET":       &c.ClockSync.InitialOffset,
		"COORD_REQUEST_DELAY_MIN":  &c.Mutex.RequestDelayMin,
		"COORD_REQUEST_DELAY_MAX":  &c.Mutex.RequestDelayMax,
		"COORD_HOLD_MIN":           &c.Mutex.HoldMin,
		"COORD_HOLD_MAX":           &c.Mutex.HoldMax,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}

	return nil
}

// Parse builds a validated configuration from defaults, the config file
// (-config or COORD_CONFIG), the environment and args. A bare positional
// argument is taken as the node ID.
func Parse(name string, args []string, lookup LookupFunc) (*NodeConfig, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	var (
		configPath = fs.String("config", "", "YAML configuration file")
		nodeID     = fs.Uint64("id", 0, "Node ID (higher wins elections)")
		listen     = fs.String("listen", "", "Listen address (default: registered address)")
		kind       = fs.String("transport", "", "Transport: udp, nng or zmq")
		role       = fs.String("role", "", "Coordinator service: none, mutex or clocksync")
		nodesFile  = fs.String("nodes", "", "Registry file path")
		logLevel   = fs.String("log-level", "", "Log level: debug, info, warn, error")
		adminAddr  = fs.String("admin", "", "Admin HTTP address (empty disables)")
		offset     = fs.Duration("offset", 0, "Simulated local clock offset")
	)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()

	path := *configPath
	if path == "" {
		path, _ = lookup("COORD_CONFIG")
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}

	if fs.NArg() > 0 {
		id, err := strconv.ParseUint(fs.Arg(0), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid node ID %q: %w", fs.Arg(0), err)
		}
		cfg.NodeID = id
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "id":
			cfg.NodeID = *nodeID
		case "listen":
			cfg.Listen = *listen
		case "transport":
			cfg.Transport = transport.Kind(*kind)
		case "role":
			cfg.Role = Role(*role)
		case "nodes":
			cfg.Registry.Path = *nodesFile
		case "log-level":
			cfg.Log.Level = *logLevel
		case "admin":
			cfg.Admin.Addr = *adminAddr
		case "offset":
			cfg.ClockSync.InitialOffset = *offset
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
