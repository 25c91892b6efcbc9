package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dd0wney/cluso-coord/pkg/cluster"
)

// PGRegistry keeps the cluster directory in PostgreSQL so nodes on different
// hosts share it without a common filesystem
type PGRegistry struct {
	pool *pgxpool.Pool
}

// NewPGRegistry connects to databaseURL and creates the members table
func NewPGRegistry(ctx context.Context, databaseURL string) (*PGRegistry, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// A node only touches the registry at startup and on late joins
	config.MaxConns = 4
	config.MinConns = 0
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	r := &PGRegistry{pool: pool}

	if err := r.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return r, nil
}

// migrate creates the members table
func (r *PGRegistry) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS coord_members (
		id BIGINT PRIMARY KEY CHECK (id > 0),
		addr TEXT NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	`

	_, err := r.pool.Exec(ctx, schema)
	return err
}

// Load returns every registered member
func (r *PGRegistry) Load(ctx context.Context) (map[cluster.NodeID]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, addr FROM coord_members ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	nodes := make(map[cluster.NodeID]string)
	for rows.Next() {
		var id int64
		var addr string
		if err := rows.Scan(&id, &addr); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		nodes[cluster.NodeID(id)] = addr
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return nodes, nil
}

// Register upserts a member
func (r *PGRegistry) Register(ctx context.Context, id cluster.NodeID, addr string) error {
	if id == 0 || addr == "" {
		return fmt.Errorf("%w: id %d addr %q", ErrMalformedEntry, id, addr)
	}

	query := `
		INSERT INTO coord_members (id, addr, registered_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET addr = EXCLUDED.addr, registered_at = now()
	`

	if _, err := r.pool.Exec(ctx, query, int64(id), addr); err != nil {
		return fmt.Errorf("failed to register node %d: %w", id, err)
	}
	return nil
}

// Ping checks database connectivity
func (r *PGRegistry) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the database connection pool
func (r *PGRegistry) Close() error {
	r.pool.Close()
	return nil
}
