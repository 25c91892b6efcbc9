package registry

import (
	"context"
	"maps"
	"sync"

	"github.com/dd0wney/cluso-coord/pkg/cluster"
)

// MemoryRegistry is an in-process directory shared by the nodes of a
// simulated cluster
type MemoryRegistry struct {
	members map[cluster.NodeID]string
	mu      sync.RWMutex
}

// NewMemoryRegistry creates a registry seeded with members
func NewMemoryRegistry(members map[cluster.NodeID]string) *MemoryRegistry {
	m := make(map[cluster.NodeID]string, len(members))
	maps.Copy(m, members)
	return &MemoryRegistry{members: m}
}

func (r *MemoryRegistry) Load(ctx context.Context) (map[cluster.NodeID]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.members), nil
}

func (r *MemoryRegistry) Register(ctx context.Context, id cluster.NodeID, addr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == 0 || addr == "" {
		return ErrMalformedEntry
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[id] = addr
	return nil
}

func (r *MemoryRegistry) Close() error { return nil }
