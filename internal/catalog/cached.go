package catalog

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cached wraps a Store with a short-lived in-memory price cache. The catalog
// changes rarely and is read on every consume call, so a small TTL keeps the
// hot path off the database without making price changes invisible for long.
type Cached struct {
	store Store
	costs *expirable.LRU[string, int64]
}

// NewCached builds the read-through wrapper. size and ttl fall back to the
// package defaults when non-positive.
func NewCached(store Store, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{
		store: store,
		costs: expirable.NewLRU[string, int64](size, nil, ttl),
	}
}

// Cost returns the cached price when fresh, otherwise reads through.
func (c *Cached) Cost(ctx context.Context, name string) (int64, error) {
	if cost, ok := c.costs.Get(name); ok {
		return cost, nil
	}
	cost, err := c.store.Cost(ctx, name)
	if err != nil {
		return 0, err
	}
	c.costs.Add(name, cost)
	return cost, nil
}

// ListActive always reads the backing store; listings are not hot-path.
func (c *Cached) ListActive(ctx context.Context) ([]ResourceCost, error) {
	return c.store.ListActive(ctx)
}

// Upsert writes through and drops the stale cache entry.
func (c *Cached) Upsert(ctx context.Context, rc ResourceCost) error {
	if err := c.store.Upsert(ctx, rc); err != nil {
		return err
	}
	c.costs.Remove(rc.Name)
	return nil
}

// Close releases the backing store.
func (c *Cached) Close() error {
	return c.store.Close()
}
