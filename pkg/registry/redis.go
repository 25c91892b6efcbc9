package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dd0wney/cluso-coord/pkg/cluster"
)

// MembersKey is the hash holding node ID -> address
const MembersKey = "coord:members"

// RedisRegistry keeps the cluster directory in a Redis hash
type RedisRegistry struct {
	client *redis.Client
	key    string
}

// NewRedisRegistry connects to the redis:// or rediss:// URL
func NewRedisRegistry(ctx context.Context, url string) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	opts.PoolSize = 4
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisRegistry{client: client, key: MembersKey}, nil
}

// Load returns every registered member
func (r *RedisRegistry) Load(ctx context.Context) (map[cluster.NodeID]string, error) {
	entries, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}

	nodes := make(map[cluster.NodeID]string, len(entries))
	for field, addr := range entries {
		id, err := strconv.ParseUint(field, 10, 64)
		if err != nil || id == 0 || addr == "" {
			return nil, fmt.Errorf("%w: %s=%q", ErrMalformedEntry, field, addr)
		}
		nodes[cluster.NodeID(id)] = addr
	}
	return nodes, nil
}

// Register sets the member's address
func (r *RedisRegistry) Register(ctx context.Context, id cluster.NodeID, addr string) error {
	if id == 0 || addr == "" {
		return fmt.Errorf("%w: id %d addr %q", ErrMalformedEntry, id, addr)
	}
	if err := r.client.HSet(ctx, r.key, strconv.FormatUint(uint64(id), 10), addr).Err(); err != nil {
		return fmt.Errorf("failed to register node %d: %w", id, err)
	}
	return nil
}

// Ping checks server connectivity
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
