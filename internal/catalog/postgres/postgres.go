package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// register postgres driver
	_ "github.com/lib/pq"

	"github.com/clinicore/credits-engine/internal/catalog"
)

// Store implements catalog.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed catalog using the provided DSN.
func New(dsn string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
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
	cost_per_usage BIGINT NOT NULL CHECK(cost_per_usage >= 0),
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
WHERE resource_name = $1 AND is_active`, name).Scan(&cost)
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
WHERE is_active
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
VALUES($1, $2, $3, $4, $5)
ON CONFLICT(resource_name) DO UPDATE SET
	description = EXCLUDED.description,
	cost_per_usage = EXCLUDED.cost_per_usage,
	is_active = EXCLUDED.is_active,
	updated_at = EXCLUDED.updated_at`,
		rc.Name, rc.Description, rc.CostPerUsage, rc.IsActive, time.Now().UTC())
	return err
}
