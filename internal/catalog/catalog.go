package catalog

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ResourceCost is one metered operation and its price in credits.
type ResourceCost struct {
	Name         string `json:"name" yaml:"name"`
	Description  string `json:"description" yaml:"description"`
	CostPerUsage int64  `json:"cost_per_usage" yaml:"cost_per_usage"`
	IsActive     bool   `json:"is_active" yaml:"is_active"`
}

// Reader is the read side used by the consumption path.
type Reader interface {
	// Cost returns the configured price, or 0 for unknown or inactive
	// resources. Unmetered-by-default is deliberate policy.
	Cost(ctx context.Context, name string) (int64, error)
	ListActive(ctx context.Context) ([]ResourceCost, error)
}

// Store adds the write side used by seeding and the operator CLI. The admin
// surface proper lives outside this service.
type Store interface {
	Reader
	Upsert(ctx context.Context, rc ResourceCost) error
	Close() error
}

// SeedFile is the YAML document loaded at startup to populate the catalog.
type SeedFile struct {
	Resources []ResourceCost `yaml:"resources"`
}

// LoadSeed reads resource definitions from a YAML file.
func LoadSeed(path string) ([]ResourceCost, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog seed %s: %w", path, err)
	}
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog seed %s: %w", path, err)
	}
	for _, rc := range f.Resources {
		if rc.Name == "" {
			return nil, fmt.Errorf("catalog seed %s: resource with empty name", path)
		}
		if rc.CostPerUsage < 0 {
			return nil, fmt.Errorf("catalog seed %s: resource %q has negative cost", path, rc.Name)
		}
	}
	return f.Resources, nil
}

// Seed upserts all resources into the store.
func Seed(ctx context.Context, store Store, resources []ResourceCost) error {
	for _, rc := range resources {
		if err := store.Upsert(ctx, rc); err != nil {
			return fmt.Errorf("seed resource %q: %w", rc.Name, err)
		}
	}
	return nil
}

// Default cache sizing for the read-through wrapper.
const (
	DefaultCacheSize = 256
	DefaultCacheTTL  = 30 * time.Second
)
