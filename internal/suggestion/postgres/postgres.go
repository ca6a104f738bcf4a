package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/clinicore/credits-engine/internal/suggestion"
)

// Store implements suggestion.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed suggestion cache using the provided DSN.
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
CREATE TABLE IF NOT EXISTS suggestion_entries (
	scope TEXT NOT NULL,
	digest TEXT NOT NULL,
	payload JSONB NOT NULL,
	version BIGINT NOT NULL DEFAULT 1,
	created_by TEXT,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (scope, digest)
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

// Get returns the active entry for (scope, digest). A payload that no longer
// decodes counts as a miss.
func (s *Store) Get(ctx context.Context, scope, digest string) (*suggestion.Entry, error) {
	var e suggestion.Entry
	var raw []byte
	var createdBy sql.NullString
	err := s.db.QueryRowContext(ctx, `
SELECT scope, digest, payload, version, created_by, is_active, created_at
FROM suggestion_entries
WHERE scope = $1 AND digest = $2 AND is_active`, scope, digest).
		Scan(&e.Scope, &e.Digest, &raw, &e.Version, &createdBy, &e.IsActive, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cache entry: %w", err)
	}
	if err := json.Unmarshal(raw, &e.Payload); err != nil {
		return nil, nil
	}
	e.CreatedBy = createdBy.String
	return &e, nil
}

// Put inserts the entry; on a concurrent duplicate the stored winner is
// returned, and an inactive or corrupt row is replaced.
func (s *Store) Put(ctx context.Context, entry suggestion.Entry) (*suggestion.Entry, error) {
	raw, err := json.Marshal(entry.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO suggestion_entries(scope, digest, payload, version, created_by, is_active, created_at)
VALUES($1, $2, $3, 1, $4, TRUE, $5)`,
		entry.Scope, entry.Digest, raw, entry.CreatedBy, created)
	if err == nil {
		entry.Version = 1
		entry.IsActive = true
		entry.CreatedAt = created
		return &entry, nil
	}
	if !isUniqueViolation(err) {
		return nil, fmt.Errorf("store cache entry: %w", err)
	}

	winner, err := s.Get(ctx, entry.Scope, entry.Digest)
	if err != nil {
		return nil, err
	}
	if winner != nil {
		return winner, nil
	}
	if _, err := s.db.ExecContext(ctx, `
UPDATE suggestion_entries
SET payload = $1, version = version + 1, created_by = $2, is_active = TRUE, created_at = $3
WHERE scope = $4 AND digest = $5`,
		raw, entry.CreatedBy, created, entry.Scope, entry.Digest); err != nil {
		return nil, fmt.Errorf("replace cache entry: %w", err)
	}
	return s.Get(ctx, entry.Scope, entry.Digest)
}

// UpdatePayload persists sub-unit state transitions, guarded by the version
// read alongside the payload. A row that moved on is reported as stale, never
// overwritten.
func (s *Store) UpdatePayload(ctx context.Context, scope, digest string, payload suggestion.Payload, version int64) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE suggestion_entries
SET payload = $1, version = version + 1
WHERE scope = $2 AND digest = $3 AND version = $4 AND is_active`,
		raw, scope, digest, version)
	if err != nil {
		return fmt.Errorf("update cache entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `
SELECT 1 FROM suggestion_entries WHERE scope = $1 AND digest = $2 AND is_active`, scope, digest).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return suggestion.ErrEntryNotFound
	}
	if err != nil {
		return fmt.Errorf("update cache entry: %w", err)
	}
	return suggestion.ErrStaleEntry
}

// Invalidate deactivates the entry.
func (s *Store) Invalidate(ctx context.Context, scope, digest string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE suggestion_entries SET is_active = FALSE WHERE scope = $1 AND digest = $2`, scope, digest)
	if err != nil {
		return fmt.Errorf("invalidate cache entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return suggestion.ErrEntryNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
