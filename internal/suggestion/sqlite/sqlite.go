package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/clinicore/credits-engine/internal/suggestion"
)

// Store implements suggestion.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite suggestion cache at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
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
CREATE TABLE IF NOT EXISTS suggestion_entries (
	scope TEXT NOT NULL,
	digest TEXT NOT NULL,
	payload TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	created_by TEXT,
	is_active BOOLEAN NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
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
// decodes counts as a miss so the approval flow regenerates instead of
// failing.
func (s *Store) Get(ctx context.Context, scope, digest string) (*suggestion.Entry, error) {
	var e suggestion.Entry
	var raw string
	var createdBy sql.NullString
	err := s.db.QueryRowContext(ctx, `
SELECT scope, digest, payload, version, created_by, is_active, created_at
FROM suggestion_entries
WHERE scope = ? AND digest = ? AND is_active = 1`, scope, digest).
		Scan(&e.Scope, &e.Digest, &raw, &e.Version, &createdBy, &e.IsActive, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cache entry: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &e.Payload); err != nil {
		return nil, nil
	}
	e.CreatedBy = createdBy.String
	return &e, nil
}

// Put inserts the entry. When a concurrent writer already stored the same
// key, the stored winner is returned; a stored entry whose payload is
// unreadable is replaced.
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
VALUES(?, ?, ?, 1, ?, 1, ?)`,
		entry.Scope, entry.Digest, string(raw), entry.CreatedBy, created)
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
	// Existing row is inactive or corrupt: take its place.
	if _, err := s.db.ExecContext(ctx, `
UPDATE suggestion_entries
SET payload = ?, version = version + 1, created_by = ?, is_active = 1, created_at = ?
WHERE scope = ? AND digest = ?`,
		string(raw), entry.CreatedBy, created, entry.Scope, entry.Digest); err != nil {
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
SET payload = ?, version = version + 1
WHERE scope = ? AND digest = ? AND version = ? AND is_active = 1`,
		string(raw), scope, digest, version)
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
SELECT 1 FROM suggestion_entries WHERE scope = ? AND digest = ? AND is_active = 1`, scope, digest).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return suggestion.ErrEntryNotFound
	}
	if err != nil {
		return fmt.Errorf("update cache entry: %w", err)
	}
	return suggestion.ErrStaleEntry
}

// Invalidate deactivates the entry without deleting the audit trail of what
// was generated.
func (s *Store) Invalidate(ctx context.Context, scope, digest string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE suggestion_entries SET is_active = 0 WHERE scope = ? AND digest = ?`, scope, digest)
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
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
