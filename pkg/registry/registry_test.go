package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-coord/pkg/cluster"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileRegistryLoad(t *testing.T) {
	path := writeFile(t, "nodes.txt", "1,9001\n\n# peers\n3,10.0.0.3:9003\n 5 , 9005 \n")

	nodes, err := NewFileRegistry(path, "").Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[cluster.NodeID]string{
		1: "127.0.0.1:9001",
		3: "10.0.0.3:9003",
		5: "127.0.0.1:9005",
	}, nodes)
}

func TestFileRegistryDefaultHost(t *testing.T) {
	path := writeFile(t, "nodes.txt", "2,7002\n")

	nodes, err := NewFileRegistry(path, "node.local").Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "node.local:7002", nodes[2])
}

func TestFileRegistryMalformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no comma", "1 9001\n"},
		{"bad id", "x,9001\n"},
		{"zero id", "0,9001\n"},
		{"zero port", "1,0\n"},
		{"bad address", "1,localhost\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "nodes.txt", tt.content)
			_, err := NewFileRegistry(path, "").Load(context.Background())
			assert.True(t, errors.Is(err, ErrMalformedEntry), "got %v", err)
		})
	}
}

func TestFileRegistryMissingFile(t *testing.T) {
	nodes, err := NewFileRegistry(filepath.Join(t.TempDir(), "absent.txt"), "").Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestFileRegistryRegisterAppends(t *testing.T) {
	path := writeFile(t, "nodes.txt", "1,9001\n")
	reg := NewFileRegistry(path, "")
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, 7, "127.0.0.1:9007"))
	require.NoError(t, reg.Register(ctx, 1, "127.0.0.1:9101"))

	nodes, err := reg.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9007", nodes[7])
	assert.Equal(t, "127.0.0.1:9101", nodes[1], "latest entry wins")

	assert.ErrorIs(t, reg.Register(ctx, 0, "x:1"), ErrMalformedEntry)
}

func TestYAMLRegistryRoundTrip(t *testing.T) {
	path := writeFile(t, "cluster.yaml", "nodes:\n  - id: 5\n    addr: 10.0.0.5:7005\n  - id: 1\n    addr: 10.0.0.1:7001\n")
	reg := NewYAMLRegistry(path)
	ctx := context.Background()

	nodes, err := reg.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[cluster.NodeID]string{1: "10.0.0.1:7001", 5: "10.0.0.5:7005"}, nodes)

	require.NoError(t, reg.Register(ctx, 3, "10.0.0.3:7003"))
	require.NoError(t, reg.Register(ctx, 5, "10.0.0.50:7005"))

	nodes, err = reg.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 3)
	assert.Equal(t, "10.0.0.50:7005", nodes[5])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "id: 1")
}

func TestYAMLRegistryRejectsDuplicates(t *testing.T) {
	path := writeFile(t, "cluster.yaml", "nodes:\n  - id: 2\n    addr: a:1\n  - id: 2\n    addr: b:1\n")

	_, err := NewYAMLRegistry(path).Load(context.Background())
	assert.ErrorIs(t, err, ErrDuplicateNode)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	reg, err := Open(ctx, Config{Kind: KindFile, Path: "nodes.txt"})
	require.NoError(t, err)
	assert.IsType(t, &FileRegistry{}, reg)

	reg, err = Open(ctx, Config{Kind: KindYAML, Path: "cluster.yaml"})
	require.NoError(t, err)
	assert.IsType(t, &YAMLRegistry{}, reg)

	_, err = Open(ctx, Config{Kind: KindPostgres})
	assert.ErrorIs(t, err, ErrMissingSource)

	_, err = Open(ctx, Config{Kind: KindRedis})
	assert.ErrorIs(t, err, ErrMissingSource)

	_, err = Open(ctx, Config{Kind: KindRedis, DatabaseURL: "http://localhost:6379"})
	assert.ErrorContains(t, err, "failed to parse redis URL")

	_, err = Open(ctx, Config{Kind: "etcd", Path: "x"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

// TestPGRegistry runs against a real database when COORD_TEST_DATABASE_URL is set
func TestPGRegistry(t *testing.T) {
	url := os.Getenv("COORD_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("COORD_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	reg, err := NewPGRegistry(ctx, url)
	require.NoError(t, err)
	defer reg.Close()

	_, err = reg.pool.Exec(ctx, `DELETE FROM coord_members`)
	require.NoError(t, err)

	require.NoError(t, reg.Register(ctx, 1, "10.0.0.1:7001"))
	require.NoError(t, reg.Register(ctx, 2, "10.0.0.2:7002"))
	require.NoError(t, reg.Register(ctx, 2, "10.0.0.22:7002"))
	require.NoError(t, reg.Ping(ctx))

	nodes, err := reg.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[cluster.NodeID]string{1: "10.0.0.1:7001", 2: "10.0.0.22:7002"}, nodes)
}

// TestRedisRegistry runs against a real server when COORD_TEST_REDIS_URL is set
func TestRedisRegistry(t *testing.T) {
	url := os.Getenv("COORD_TEST_REDIS_URL")
	if url == "" {
		t.Skip("COORD_TEST_REDIS_URL not set")
	}

	ctx := context.Background()
	reg, err := NewRedisRegistry(ctx, url)
	require.NoError(t, err)
	defer reg.Close()

	reg.key = "coord:test:members"
	require.NoError(t, reg.client.Del(ctx, reg.key).Err())
	defer reg.client.Del(ctx, reg.key)

	require.NoError(t, reg.Register(ctx, 1, "10.0.0.1:7001"))
	require.NoError(t, reg.Register(ctx, 2, "10.0.0.2:7002"))
	require.NoError(t, reg.Register(ctx, 2, "10.0.0.22:7002"))
	assert.ErrorIs(t, reg.Register(ctx, 0, "x:1"), ErrMalformedEntry)
	require.NoError(t, reg.Ping(ctx))

	nodes, err := reg.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[cluster.NodeID]string{1: "10.0.0.1:7001", 2: "10.0.0.22:7002"}, nodes)

	require.NoError(t, reg.client.HSet(ctx, reg.key, "abc", "x:1").Err())
	_, err = reg.Load(ctx)
	assert.ErrorIs(t, err, ErrMalformedEntry)
}

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	seed := map[cluster.NodeID]string{1: "n1"}
	reg := NewMemoryRegistry(seed)

	require.NoError(t, reg.Register(ctx, 2, "n2"))
	assert.ErrorIs(t, reg.Register(ctx, 0, "n0"), ErrMalformedEntry)
	assert.ErrorIs(t, reg.Register(ctx, 3, ""), ErrMalformedEntry)

	nodes, err := reg.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[cluster.NodeID]string{1: "n1", 2: "n2"}, nodes)

	nodes[9] = "mutated"
	assert.Len(t, seed, 1, "seed map must not be shared")
	again, _ := reg.Load(ctx)
	assert.NotContains(t, again, cluster.NodeID(9))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = reg.Load(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}
