package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-coord/pkg/cluster"
)

// clusterFile is the on-disk YAML layout
type clusterFile struct {
	Nodes []nodeEntry `yaml:"nodes"`
}

type nodeEntry struct {
	ID   uint64 `yaml:"id"`
	Addr string `yaml:"addr"`
}

// YAMLRegistry reads a YAML cluster file:
//
//	nodes:
//	  - id: 1
//	    addr: 10.0.0.1:7001
type YAMLRegistry struct {
	path string
	mu   sync.Mutex
}

// NewYAMLRegistry creates a registry over path
func NewYAMLRegistry(path string) *YAMLRegistry {
	return &YAMLRegistry{path: path}
}

// Load parses the cluster file. A missing file is an empty cluster.
func (y *YAMLRegistry) Load(ctx context.Context) (map[cluster.NodeID]string, error) {
	y.mu.Lock()
	defer y.mu.Unlock()

	doc, err := y.read()
	if err != nil {
		return nil, err
	}

	nodes := make(map[cluster.NodeID]string, len(doc.Nodes))
	for i, n := range doc.Nodes {
		if n.ID == 0 || n.Addr == "" {
			return nil, fmt.Errorf("%s: nodes[%d]: %w", y.path, i, ErrMalformedEntry)
		}
		id := cluster.NodeID(n.ID)
		if _, dup := nodes[id]; dup {
			return nil, fmt.Errorf("%s: node %d: %w", y.path, n.ID, ErrDuplicateNode)
		}
		nodes[id] = n.Addr
	}
	return nodes, nil
}

// Register adds or updates id and rewrites the file in ID order
func (y *YAMLRegistry) Register(ctx context.Context, id cluster.NodeID, addr string) error {
	if id == 0 || addr == "" {
		return fmt.Errorf("%w: id %d addr %q", ErrMalformedEntry, id, addr)
	}

	y.mu.Lock()
	defer y.mu.Unlock()

	doc, err := y.read()
	if err != nil {
		return err
	}

	replaced := false
	for i := range doc.Nodes {
		if doc.Nodes[i].ID == uint64(id) {
			doc.Nodes[i].Addr = addr
			replaced = true
		}
	}
	if !replaced {
		doc.Nodes = append(doc.Nodes, nodeEntry{ID: uint64(id), Addr: addr})
	}
	sort.Slice(doc.Nodes, func(i, j int) bool { return doc.Nodes[i].ID < doc.Nodes[j].ID })

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode cluster file: %w", err)
	}
	if err := os.WriteFile(y.path, data, 0o644); err != nil {
		return fmt.Errorf("write cluster file: %w", err)
	}
	return nil
}

func (y *YAMLRegistry) read() (clusterFile, error) {
	var doc clusterFile

	data, err := os.ReadFile(y.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("read cluster file: %w", err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse cluster file: %w", err)
	}
	return doc, nil
}

// Close is a no-op
func (y *YAMLRegistry) Close() error {
	return nil
}
