package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/clinicore/credits-engine/internal/catalog"
)

// Store implements catalog.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite catalog at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS resource_costs (
	resource_name TEXT PRIMARY KEY,
	description TEXT,
	cost_per_usage INTEGER NOT NULL CHECK(cost_per_usage >= 0),
	is_active BOOLEAN NOT NULL DEFAULT 1,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for health probes.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Cost returns the configured price, or 0 for unknown or inactive resources.
func (s *Store) Cost(ctx context.Context, name string) (int64, error) {
	var cost int64
	err := s.db.QueryRowContext(ctx, `
SELECT cost_per_usage FROM resource_costs
WHERE resource_name = ? AND is_active = 1`, name).Scan(&cost)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lookup cost for %q: %w", name, err)
	}
	return cost, nil
}

// ListActive returns all active resources ordered by name.
func (s *Store) ListActive(ctx context.Context) ([]catalog.ResourceCost, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT resource_name, description, cost_per_usage, is_active
FROM resource_costs
WHERE is_active = 1
ORDER BY resource_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []catalog.ResourceCost
	for rows.Next() {
		var rc catalog.ResourceCost
		var desc sql.NullString
		if err := rows.Scan(&rc.Name, &desc, &rc.CostPerUsage, &rc.IsActive); err != nil {
			return nil, err
		}
		rc.Description = desc.String
		out = append(out, rc)
	}
	return out, rows.Err()
}

// Upsert creates or replaces a resource definition.
func (s *Store) Upsert(ctx context.Context, rc catalog.ResourceCost) error {
	if rc.Name == "" {
		return errors.New("resource name required")
	}
	if rc.CostPerUsage < 0 {
		return fmt.Errorf("resource %q: negative cost", rc.Name)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO resource_costs(resource_name, description, cost_per_usage, is_active, updated_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(resource_name) DO UPDATE SET
	description = excluded.description,
	cost_per_usage = excluded.cost_per_usage,
	is_active = excluded.is_active,
	updated_at = excluded.updated_at`,
		rc.Name, rc.Description, rc.CostPerUsage, rc.IsActive, time.Now().UTC())
	return err
}
