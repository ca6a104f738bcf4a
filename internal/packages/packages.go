// Package packages prices purchasable credit packages per plan tier and
// credits the ledger once the payment collaborator confirms a session.
package packages

import (
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/clinicore/credits-engine/internal/ledger"
)

// CreditPackage is one purchasable bundle of credits.
type CreditPackage struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	Credits      int64  `json:"credits" yaml:"credits"`
	BonusCredits int64  `json:"bonus_credits" yaml:"bonus_credits"`
	PriceCents   int64  `json:"price_cents" yaml:"price_cents"`
	Currency     string `json:"currency" yaml:"currency"`
}

// PlanPackage attaches a plan-specific bonus multiplier to a package.
type PlanPackage struct {
	Plan            ledger.PlanType `yaml:"plan"`
	PackageID       string          `yaml:"package_id"`
	BonusMultiplier float64         `yaml:"bonus_multiplier"`
	Featured        bool            `yaml:"featured"`
}

// PricedPackage is a package as a given plan tier sees it.
type PricedPackage struct {
	CreditPackage
	BonusMultiplier float64 `json:"bonus_multiplier"`
	TotalBonus      int64   `json:"total_bonus"`
	TotalCredits    int64   `json:"total_credits"`
	Featured        bool    `json:"featured"`
}

// Catalog holds all package definitions, loaded once at startup.
type Catalog struct {
	packages map[string]CreditPackage
	plans    map[planKey]PlanPackage
	order    []string // package ids in file order, for stable listings
}

type planKey struct {
	plan      ledger.PlanType
	packageID string
}

// File is the YAML document describing packages and plan multipliers.
type File struct {
	Packages     []CreditPackage `yaml:"packages"`
	PlanPackages []PlanPackage   `yaml:"plan_packages"`
}

// Load reads package definitions from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read packages file %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse packages file %s: %w", path, err)
	}
	return NewCatalog(f.Packages, f.PlanPackages)
}

// NewCatalog validates and indexes package definitions.
func NewCatalog(pkgs []CreditPackage, plans []PlanPackage) (*Catalog, error) {
	c := &Catalog{
		packages: make(map[string]CreditPackage, len(pkgs)),
		plans:    make(map[planKey]PlanPackage, len(plans)),
	}
	for _, p := range pkgs {
		if p.ID == "" {
			return nil, fmt.Errorf("package %q has no id", p.Name)
		}
		if p.Credits <= 0 || p.BonusCredits < 0 || p.PriceCents < 0 {
			return nil, fmt.Errorf("package %q has invalid amounts", p.ID)
		}
		if _, dup := c.packages[p.ID]; dup {
			return nil, fmt.Errorf("duplicate package id %q", p.ID)
		}
		if p.Currency == "" {
			p.Currency = "EUR"
		}
		c.packages[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	for _, pp := range plans {
		if !ledger.ValidPlan(pp.Plan) {
			return nil, fmt.Errorf("plan package references invalid plan %q", pp.Plan)
		}
		if _, ok := c.packages[pp.PackageID]; !ok {
			return nil, fmt.Errorf("plan package references unknown package %q", pp.PackageID)
		}
		if pp.BonusMultiplier < 0 {
			return nil, fmt.Errorf("plan package %s/%s has negative multiplier", pp.Plan, pp.PackageID)
		}
		c.plans[planKey{pp.Plan, pp.PackageID}] = pp
	}
	return c, nil
}

// Package returns a package definition by id.
func (c *Catalog) Package(id string) (CreditPackage, bool) {
	p, ok := c.packages[id]
	return p, ok
}

// ForPlan prices every package for the given plan, sorted by price ascending.
// Plans without an explicit mapping get the base bonus (multiplier 1).
func (c *Catalog) ForPlan(plan ledger.PlanType) []PricedPackage {
	out := make([]PricedPackage, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.priceFor(plan, c.packages[id]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PriceCents < out[j].PriceCents
	})
	return out
}

func (c *Catalog) priceFor(plan ledger.PlanType, p CreditPackage) PricedPackage {
	multiplier := 1.0
	featured := false
	if pp, ok := c.plans[planKey{plan, p.ID}]; ok {
		multiplier = pp.BonusMultiplier
		featured = pp.Featured
	}
	bonus := int64(math.Round(float64(p.BonusCredits) * multiplier))
	return PricedPackage{
		CreditPackage:   p,
		BonusMultiplier: multiplier,
		TotalBonus:      bonus,
		TotalCredits:    p.Credits + bonus,
		Featured:        featured,
	}
}

// CreditTotal is the number of credits a plan receives for a package.
func (c *Catalog) CreditTotal(plan ledger.PlanType, packageID string) (int64, bool) {
	p, ok := c.packages[packageID]
	if !ok {
		return 0, false
	}
	return c.priceFor(plan, p).TotalCredits, true
}
