package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/clinicore/credits-engine/internal/config"
)

// InitOptions configures the bootstrap process for generating config and
// seed files.
type InitOptions struct {
	Root           string
	Environment    string
	HTTPAddress    string
	StorageBackend string
	LedgerPath     string
	DatabaseURL    string
	PaymentBaseURL string
	Force          bool
}

// Init scaffolds configuration and seed files for the credits engine.
func Init(opts InitOptions) error {
	applyDefaults(&opts)
	if err := ensureDir(filepath.Join(opts.Root, "config", opts.Environment)); err != nil {
		return err
	}

	files := []struct {
		path     string
		contents string
	}{
		{filepath.Join(opts.Root, "config", "setting.ini"), settingTemplate(opts)},
		{filepath.Join(opts.Root, "config", opts.Environment, "credits.ini"), creditsTemplate(opts)},
		{filepath.Join(opts.Root, "config", "catalog.yaml"), catalogTemplate()},
		{filepath.Join(opts.Root, "config", "packages.yaml"), packagesTemplate()},
	}
	for _, f := range files {
		if err := writeFile(f.path, f.contents, opts.Force); err != nil {
			return err
		}
	}
	return nil
}

func applyDefaults(opts *InitOptions) {
	if strings.TrimSpace(opts.Root) == "" {
		opts.Root = "."
	}
	if strings.TrimSpace(opts.Environment) == "" {
		opts.Environment = "dev"
	}
	if strings.TrimSpace(opts.HTTPAddress) == "" {
		opts.HTTPAddress = ":8470"
	}
	if strings.TrimSpace(opts.StorageBackend) == "" {
		opts.StorageBackend = "sqlite"
	}
	if strings.TrimSpace(opts.LedgerPath) == "" {
		opts.LedgerPath = config.DefaultLedgerPath()
	}
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func writeFile(path, contents string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(contents), 0o644)
}

func settingTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# Credits engine settings
environment=%s
log_level=info
`, opts.Environment)
}

func creditsTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# Environment specific overrides for %s
http_address=%s
# Separate log files (CLI and daemon). Dash '-' disables file output.
log_file_cli=logs/credits-cli.log
log_file_daemon=logs/creditsd.log
storage_backend=%s
ledger_path=%s
database_url=%s
catalog_seed=config/catalog.yaml
packages_file=config/packages.yaml
payment_base_url=%s
`, opts.Environment, opts.HTTPAddress, opts.StorageBackend, opts.LedgerPath, opts.DatabaseURL, opts.PaymentBaseURL)
}

func catalogTemplate() string {
	return `# Metered resource catalog seed. Costs are in credits per usage.
resources:
  - name: ai_suggestion
    description: AI-generated treatment suggestion
    cost_per_usage: 2
    is_active: true
  - name: report_render
    description: Clinical report rendering
    cost_per_usage: 5
    is_active: true
  - name: video_call_minute
    description: Tele-session video minute
    cost_per_usage: 1
    is_active: true
`
}

func packagesTemplate() string {
	return `# Credit packages and per-plan bonus multipliers.
packages:
  - id: starter
    name: Starter
    credits: 100
    bonus_credits: 20
    price_cents: 999
    currency: EUR
  - id: clinic
    name: Clinic
    credits: 500
    bonus_credits: 100
    price_cents: 3999
    currency: EUR
plan_packages:
  - plan: silver
    package_id: clinic
    bonus_multiplier: 1.25
  - plan: gold
    package_id: starter
    bonus_multiplier: 1.5
    featured: true
  - plan: gold
    package_id: clinic
    bonus_multiplier: 2.0
`
}
