package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/clinicore/credits-engine/internal/catalog"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCostLookup(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	seed := []catalog.ResourceCost{
		{Name: "video_call", Description: "video consultation minute", CostPerUsage: 3, IsActive: true},
		{Name: "transcription", Description: "call transcription", CostPerUsage: 2, IsActive: true},
		{Name: "legacy_export", Description: "retired", CostPerUsage: 9, IsActive: false},
	}
	if err := catalog.Seed(ctx, store, seed); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	cost, err := store.Cost(ctx, "video_call")
	if err != nil {
		t.Fatalf("Cost: %v", err)
	}
	if cost != 3 {
		t.Fatalf("video_call cost = %d, want 3", cost)
	}

	// Inactive and unknown resources are unmetered by policy.
	for _, name := range []string{"legacy_export", "never_configured"} {
		cost, err := store.Cost(ctx, name)
		if err != nil {
			t.Fatalf("Cost(%s): %v", name, err)
		}
		if cost != 0 {
			t.Fatalf("Cost(%s) = %d, want 0", name, cost)
		}
	}
}

func TestListActiveExcludesInactive(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, catalog.ResourceCost{Name: "ai_action_generation", CostPerUsage: 1, IsActive: true}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.Upsert(ctx, catalog.ResourceCost{Name: "old_feature", CostPerUsage: 5, IsActive: false}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 || active[0].Name != "ai_action_generation" {
		t.Fatalf("unexpected active list %+v", active)
	}
}

func TestUpsertReplaces(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, catalog.ResourceCost{Name: "transcription", CostPerUsage: 2, IsActive: true}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.Upsert(ctx, catalog.ResourceCost{Name: "transcription", CostPerUsage: 4, IsActive: true}); err != nil {
		t.Fatalf("Upsert update: %v", err)
	}
	cost, err := store.Cost(ctx, "transcription")
	if err != nil {
		t.Fatalf("Cost: %v", err)
	}
	if cost != 4 {
		t.Fatalf("cost after update = %d, want 4", cost)
	}
}
