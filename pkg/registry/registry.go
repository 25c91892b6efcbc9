// Package registry loads the cluster directory that seeds membership and
// records late joiners so later starts see them.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-coord/pkg/cluster"
)

// Kind selects a registry backend
type Kind string

const (
	KindFile     Kind = "file"
	KindYAML     Kind = "yaml"
	KindPostgres Kind = "postgres"
	KindRedis    Kind = "redis"
)

var (
	ErrMalformedEntry = errors.New("malformed registry entry")
	ErrDuplicateNode  = errors.New("duplicate node ID in registry")
	ErrUnknownKind    = errors.New("unknown registry kind")
	ErrMissingSource  = errors.New("registry source not configured")
)

// Registry is a persistent source of cluster members
type Registry interface {
	// Load returns every registered member
	Load(ctx context.Context) (map[cluster.NodeID]string, error)
	// Register records a member, replacing any previous address for id
	Register(ctx context.Context, id cluster.NodeID, addr string) error
	// Close releases the backend
	Close() error
}

// Config selects and locates a registry
type Config struct {
	Kind        Kind   `yaml:"kind" validate:"omitempty,oneof=file yaml postgres redis"`
	Path        string `yaml:"path"`         // nodes file or YAML cluster file
	DatabaseURL string `yaml:"database_url"` // postgres or redis connection URL
	DefaultHost string `yaml:"default_host"` // host for "id,port" entries
}

// Open creates the registry described by cfg
func Open(ctx context.Context, cfg Config) (Registry, error) {
	switch cfg.Kind {
	case KindFile, "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: nodes file path", ErrMissingSource)
		}
		return NewFileRegistry(cfg.Path, cfg.DefaultHost), nil
	case KindYAML:
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: cluster file path", ErrMissingSource)
		}
		return NewYAMLRegistry(cfg.Path), nil
	case KindPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("%w: database URL", ErrMissingSource)
		}
		return NewPGRegistry(ctx, cfg.DatabaseURL)
	case KindRedis:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("%w: redis URL", ErrMissingSource)
		}
		return NewRedisRegistry(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}
