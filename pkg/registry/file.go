package registry

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/dd0wney/cluso-coord/pkg/cluster"
)

// DefaultHost is used for nodes file entries that give only a port
const DefaultHost = "127.0.0.1"

// FileRegistry reads a plain-text nodes file with one "id,port" or
// "id,host:port" entry per line. Blank lines and lines starting with # are
// skipped. Register appends an entry.
type FileRegistry struct {
	path        string
	defaultHost string
	mu          sync.Mutex
}

// NewFileRegistry creates a registry over path
func NewFileRegistry(path, defaultHost string) *FileRegistry {
	if defaultHost == "" {
		defaultHost = DefaultHost
	}
	return &FileRegistry{path: path, defaultHost: defaultHost}
}

// Load parses the nodes file. A missing file is an empty cluster.
func (f *FileRegistry) Load(ctx context.Context) (map[cluster.NodeID]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[cluster.NodeID]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open nodes file: %w", err)
	}
	defer file.Close()

	nodes := make(map[cluster.NodeID]string)
	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		id, addr, err := f.parseEntry(text)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", f.path, line, err)
		}
		// Late joiners are appended, so a repeated ID takes the latest address
		nodes[id] = addr
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read nodes file: %w", err)
	}
	return nodes, nil
}

// parseEntry parses "id,port" or "id,host:port"
func (f *FileRegistry) parseEntry(text string) (cluster.NodeID, string, error) {
	idPart, addrPart, ok := strings.Cut(text, ",")
	if !ok {
		return 0, "", fmt.Errorf("%w: %q", ErrMalformedEntry, text)
	}

	id, err := strconv.ParseUint(strings.TrimSpace(idPart), 10, 64)
	if err != nil || id == 0 {
		return 0, "", fmt.Errorf("%w: bad node ID in %q", ErrMalformedEntry, text)
	}

	addr := strings.TrimSpace(addrPart)
	if port, err := strconv.ParseUint(addr, 10, 16); err == nil {
		if port == 0 {
			return 0, "", fmt.Errorf("%w: port 0 in %q", ErrMalformedEntry, text)
		}
		addr = f.defaultHost + ":" + addr
	} else if !strings.Contains(addr, ":") {
		return 0, "", fmt.Errorf("%w: bad address in %q", ErrMalformedEntry, text)
	}

	return cluster.NodeID(id), addr, nil
}

// Register appends an entry for id
func (f *FileRegistry) Register(ctx context.Context, id cluster.NodeID, addr string) error {
	if id == 0 || addr == "" {
		return fmt.Errorf("%w: id %d addr %q", ErrMalformedEntry, id, addr)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open nodes file: %w", err)
	}
	defer file.Close()

	if _, err := fmt.Fprintf(file, "%d,%s\n", id, addr); err != nil {
		return fmt.Errorf("append to nodes file: %w", err)
	}
	return nil
}

// Close is a no-op
func (f *FileRegistry) Close() error {
	return nil
}
