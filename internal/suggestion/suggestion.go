// Package suggestion is the content-addressed idempotency layer for
// AI-assisted generation. Identical requests within a scope resolve to one
// cached entry, and each generated sub-unit is billed individually, exactly
// when a caller approves it.
package suggestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SubUnitState is the review state of one chargeable piece of a suggestion.
type SubUnitState string

const (
	StateGenerated SubUnitState = "generated" // produced, not yet billed
	StateApproved  SubUnitState = "approved"  // accepted; billed at this transition
	StateRejected  SubUnitState = "rejected"  // discarded; never refunded if billed
)

// SubUnit is one independently chargeable piece of generated content, e.g. a
// treatment objective or a single action.
type SubUnit struct {
	ID       string       `json:"id"`
	Kind     string       `json:"kind"`
	Content  string       `json:"content"`
	FromAI   bool         `json:"from_ai"`
	Resource string       `json:"resource,omitempty"` // resource billed on approval
	State    SubUnitState `json:"state"`
	Billed   bool         `json:"billed"`
}

// Payload is the stored body of a cache entry.
type Payload struct {
	SubUnits []SubUnit `json:"sub_units"`
}

// Entry is one cached suggestion, addressed by (scope, digest). Version
// counts payload writes; state transitions carry it back so a stale write
// loses instead of clobbering a concurrent reviewer's work.
type Entry struct {
	Scope     string    `json:"scope"`
	Digest    string    `json:"digest"`
	Payload   Payload   `json:"payload"`
	Version   int64     `json:"version"`
	CreatedBy string    `json:"created_by"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Sentinel errors.
var (
	ErrEntryNotFound   = errors.New("suggestion cache entry not found")
	ErrSubUnitNotFound = errors.New("sub-unit not found")
	ErrAlreadyReviewed = errors.New("sub-unit already reviewed")
	ErrInvalidInput    = errors.New("invalid suggestion input")

	// ErrStaleEntry reports that the entry changed between read and write.
	// Callers re-read and re-apply the transition.
	ErrStaleEntry = errors.New("suggestion cache entry changed concurrently")
)

// Store persists cache entries. A uniqueness constraint on (scope, digest)
// closes the race between two concurrent callers generating the same content:
// exactly one Put wins and both observe the same entry.
type Store interface {
	// Get returns the active entry, or nil on miss. An entry whose payload no
	// longer decodes is reported as a miss, never as a failure.
	Get(ctx context.Context, scope, digest string) (*Entry, error)

	// Put inserts the entry, or returns the already-stored winner when a
	// concurrent writer got there first.
	Put(ctx context.Context, entry Entry) (*Entry, error)

	// UpdatePayload persists sub-unit state transitions. The write succeeds
	// only when version still matches the stored row; a concurrent writer
	// surfaces as ErrStaleEntry and the caller re-reads.
	UpdatePayload(ctx context.Context, scope, digest string, payload Payload, version int64) error

	// Invalidate deactivates the entry. Billed sub-units stay billed.
	Invalidate(ctx context.Context, scope, digest string) error

	Close() error
}

// GeneratedUnit is what the opaque generation collaborator produces.
type GeneratedUnit struct {
	Kind     string
	Content  string
	FromAI   bool
	Resource string
}

// Generator is the external AI collaborator. Generation is slow and fallible;
// it is never called while any ledger work is in flight.
type Generator interface {
	Generate(ctx context.Context, scope string, inputs map[string]any) ([]GeneratedUnit, error)
}

// ComputeKey derives the cache digest for a request: sha256 over the scope
// and the canonical JSON encoding of the normalized inputs. The full input
// contributes to the digest; truncated or lossy encodings invite false hits.
func ComputeKey(scope string, inputs map[string]any) (string, error) {
	if strings.TrimSpace(scope) == "" {
		return "", fmt.Errorf("%w: scope required", ErrInvalidInput)
	}
	canonical, err := json.Marshal(normalize(inputs))
	if err != nil {
		return "", fmt.Errorf("encode inputs: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// normalize trims surrounding whitespace from string values, recursively.
// encoding/json already emits map keys in sorted order, which makes the
// marshalled form canonical.
func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

// find locates a sub-unit by id within a payload.
func (p *Payload) find(id string) *SubUnit {
	for i := range p.SubUnits {
		if p.SubUnits[i].ID == id {
			return &p.SubUnits[i]
		}
	}
	return nil
}
