package suggestion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/credits-engine/internal/ledger"
	"github.com/clinicore/credits-engine/internal/metering"
)

// Service drives the metered generation flow: cache lookup, generation on
// miss, and per-sub-unit review with billing at the approval transition.
type Service struct {
	store     Store
	generator Generator
	meter     *metering.Gateway
	logger    *log.Logger
}

// NewService wires the suggestion flow. logger may be nil.
func NewService(store Store, generator Generator, meter *metering.Gateway, logger *log.Logger) *Service {
	return &Service{store: store, generator: generator, meter: meter, logger: logger}
}

// Generate returns the cached suggestion for (scope, inputs) or produces a
// new one. The bool result reports a cache hit. Generation itself is never
// billed; sub-units are charged one by one as they get approved.
func (s *Service) Generate(ctx context.Context, scope string, inputs map[string]any, actor string) (*Entry, bool, error) {
	digest, err := ComputeKey(scope, inputs)
	if err != nil {
		return nil, false, err
	}

	if cached, err := s.store.Get(ctx, scope, digest); err != nil {
		return nil, false, fmt.Errorf("cache lookup: %w", err)
	} else if cached != nil {
		s.logf("suggestion cache hit scope=%s digest=%.12s", scope, digest)
		return cached, true, nil
	}

	units, err := s.generator.Generate(ctx, scope, inputs)
	if err != nil {
		return nil, false, fmt.Errorf("generate suggestion: %w", err)
	}

	payload := Payload{SubUnits: make([]SubUnit, 0, len(units))}
	for _, u := range units {
		payload.SubUnits = append(payload.SubUnits, SubUnit{
			ID:       uuid.NewString(),
			Kind:     u.Kind,
			Content:  u.Content,
			FromAI:   u.FromAI,
			Resource: u.Resource,
			State:    StateGenerated,
		})
	}

	entry, err := s.store.Put(ctx, Entry{
		Scope:     scope,
		Digest:    digest,
		Payload:   payload,
		CreatedBy: actor,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("cache store: %w", err)
	}
	s.logf("suggestion generated scope=%s digest=%.12s units=%d actor=%s", scope, digest, len(payload.SubUnits), actor)
	return entry, false, nil
}

// Put stores a caller-supplied entry, for content generated outside the
// service. The usual first-writer-wins rule applies.
func (s *Service) Put(ctx context.Context, entry Entry) (*Entry, error) {
	if strings.TrimSpace(entry.Scope) == "" || strings.TrimSpace(entry.Digest) == "" {
		return nil, fmt.Errorf("%w: scope and digest required", ErrInvalidInput)
	}
	for i := range entry.Payload.SubUnits {
		u := &entry.Payload.SubUnits[i]
		if u.ID == "" {
			u.ID = uuid.NewString()
		}
		if u.State == "" {
			u.State = StateGenerated
		}
	}
	entry.IsActive = true
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return s.store.Put(ctx, entry)
}

// Get returns the active entry for a key, or ErrEntryNotFound.
func (s *Service) Get(ctx context.Context, scope, digest string) (*Entry, error) {
	entry, err := s.store.Get(ctx, scope, digest)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

// Approve transitions a sub-unit GENERATED -> APPROVED and bills it exactly
// once. On insufficient funds the sub-unit stays GENERATED and sub-units
// approved earlier in the same session remain billed; there is no rollback
// across sub-units. Approving an already-approved sub-unit is a no-op.
//
// Two guards close the race between concurrent approvers: the debit carries a
// per-unit reference so a second charge dies on the transaction log's unique
// index, and the payload write is versioned so a stale writer re-reads
// instead of clobbering another reviewer's transition.
func (s *Service) Approve(ctx context.Context, accountID int64, scope, digest, subUnitID, actor string) (*SubUnit, error) {
	var out *SubUnit
	err := ledger.WithRetry(ctx, isStale, func() error {
		entry, err := s.Get(ctx, scope, digest)
		if err != nil {
			return err
		}

		unit := entry.Payload.find(subUnitID)
		if unit == nil {
			return ErrSubUnitNotFound
		}
		switch unit.State {
		case StateApproved:
			c := *unit
			out = &c
			return nil
		case StateRejected:
			return ErrAlreadyReviewed
		}

		if unit.FromAI && !unit.Billed {
			res, err := s.meter.TryConsume(ctx, metering.ConsumeRequest{
				AccountID:   accountID,
				Resource:    unit.Resource,
				Actor:       actor,
				Description: fmt.Sprintf("approved %s suggestion", unit.Kind),
				Reference:   billingReference(scope, digest, unit.ID),
			})
			switch {
			case errors.Is(err, ledger.ErrDuplicateReference):
				// A concurrent approver already charged this unit.
				unit.Billed = true
			case err != nil:
				return err
			default:
				unit.Billed = res.Charged
			}
		}
		unit.State = StateApproved

		if err := s.store.UpdatePayload(ctx, scope, digest, entry.Payload, entry.Version); err != nil {
			return fmt.Errorf("persist approval: %w", err)
		}
		s.logf("sub-unit approved scope=%s digest=%.12s unit=%s billed=%t actor=%s", scope, digest, subUnitID, unit.Billed, actor)
		c := *unit
		out = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reject discards a sub-unit. Rejecting one that was already approved and
// billed does not restore the debited credits.
func (s *Service) Reject(ctx context.Context, scope, digest, subUnitID string) (*SubUnit, error) {
	var out *SubUnit
	err := ledger.WithRetry(ctx, isStale, func() error {
		entry, err := s.Get(ctx, scope, digest)
		if err != nil {
			return err
		}

		unit := entry.Payload.find(subUnitID)
		if unit == nil {
			return ErrSubUnitNotFound
		}
		if unit.State == StateRejected {
			c := *unit
			out = &c
			return nil
		}
		unit.State = StateRejected

		if err := s.store.UpdatePayload(ctx, scope, digest, entry.Payload, entry.Version); err != nil {
			return fmt.Errorf("persist rejection: %w", err)
		}
		s.logf("sub-unit rejected scope=%s digest=%.12s unit=%s billed=%t", scope, digest, subUnitID, unit.Billed)
		c := *unit
		out = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// billingReference is the idempotency key for one sub-unit's approval debit.
func billingReference(scope, digest, subUnitID string) string {
	return fmt.Sprintf("suggestion:%s:%s:%s", scope, digest, subUnitID)
}

func isStale(err error) bool {
	return errors.Is(err, ErrStaleEntry)
}

// Invalidate deactivates a whole entry after explicit rejection of the
// suggestion. Already billed sub-units are not refunded.
func (s *Service) Invalidate(ctx context.Context, scope, digest string) error {
	return s.store.Invalidate(ctx, scope, digest)
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
