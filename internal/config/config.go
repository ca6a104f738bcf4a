package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/credits.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// EngineConfig describes runtime options for the credits engine.
type EngineConfig struct {
	Environment string
	HTTPAddress string

	// Separate log files for CLI and daemon; LogFile is the shared fallback.
	LogFile       string
	LogFileCLI    string
	LogFileDaemon string
	LogLevel      string

	// Storage backend: sqlite (default) or postgres.
	StorageBackend string
	LedgerPath     string // sqlite file locations derive from this directory
	DatabaseURL    string // postgres DSN
	DBMaxOpen      int
	DBMaxIdle      int
	DBConnLifetime time.Duration
	DBConnIdleTime time.Duration

	// Seed files.
	CatalogSeedPath string
	PackagesPath    string

	// Payment collaborator.
	PaymentBaseURL string
	PaymentAPIKey  string

	// Catalog read-through cache.
	CatalogCacheSize int
	CatalogCacheTTL  time.Duration
}

// LoadEngineConfig reads the current environment and loads the matching
// credits config file, applying CREDITS_* env overrides.
func LoadEngineConfig(root string) (EngineConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return EngineConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return EngineConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := EngineConfig{
		Environment:    s.Environment,
		HTTPAddress:    firstNonEmpty(os.Getenv("CREDITS_HTTP_ADDRESS"), merged["http_address"], ":8470"),
		LogFile:        firstNonEmpty(os.Getenv("CREDITS_LOG_FILE"), merged["log_file"]),
		LogLevel:       firstNonEmpty(os.Getenv("CREDITS_LOG_LEVEL"), merged["log_level"], "info"),
		StorageBackend: strings.ToLower(firstNonEmpty(os.Getenv("CREDITS_STORAGE_BACKEND"), merged["storage_backend"], "sqlite")),
		LedgerPath:     firstNonEmpty(os.Getenv("CREDITS_LEDGER_PATH"), merged["ledger_path"], DefaultLedgerPath()),
		DatabaseURL:    firstNonEmpty(os.Getenv("CREDITS_DATABASE_URL"), merged["database_url"]),
	}
	switch cfg.StorageBackend {
	case "sqlite", "postgres":
	default:
		return EngineConfig{}, fmt.Errorf("invalid storage_backend %q", cfg.StorageBackend)
	}
	if cfg.StorageBackend == "postgres" && cfg.DatabaseURL == "" {
		return EngineConfig{}, errors.New("database_url required for postgres backend")
	}

	// Preferred separate log files with env override precedence.
	cfg.LogFileCLI = firstNonEmpty(os.Getenv("CREDITS_LOG_FILE_CLI"), os.Getenv("CREDITS_LOG_FILE"), merged["log_file_cli"], merged["log_file"])
	cfg.LogFileDaemon = firstNonEmpty(os.Getenv("CREDITS_LOG_FILE_DAEMON"), os.Getenv("CREDITS_LOG_FILE"), merged["log_file_daemon"], merged["log_file"])

	cfg.DBMaxOpen = parseOptionalInt(firstNonEmpty(os.Getenv("CREDITS_DB_MAX_OPEN"), merged["db_max_open"]), 10)
	cfg.DBMaxIdle = parseOptionalInt(firstNonEmpty(os.Getenv("CREDITS_DB_MAX_IDLE"), merged["db_max_idle"]), 5)
	cfg.DBConnLifetime, err = parseOptionalDuration(firstNonEmpty(os.Getenv("CREDITS_DB_CONN_LIFETIME"), merged["db_conn_lifetime"]), 30*time.Minute)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("invalid db_conn_lifetime: %w", err)
	}
	cfg.DBConnIdleTime, err = parseOptionalDuration(firstNonEmpty(os.Getenv("CREDITS_DB_CONN_IDLE_TIME"), merged["db_conn_idle_time"]), 5*time.Minute)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("invalid db_conn_idle_time: %w", err)
	}

	cfg.CatalogSeedPath = firstNonEmpty(os.Getenv("CREDITS_CATALOG_SEED"), merged["catalog_seed"], filepath.Join(root, "config", "catalog.yaml"))
	cfg.PackagesPath = firstNonEmpty(os.Getenv("CREDITS_PACKAGES_FILE"), merged["packages_file"], filepath.Join(root, "config", "packages.yaml"))

	cfg.PaymentBaseURL = firstNonEmpty(os.Getenv("CREDITS_PAYMENT_BASE_URL"), merged["payment_base_url"])
	cfg.PaymentAPIKey = firstNonEmpty(os.Getenv("CREDITS_PAYMENT_API_KEY"), merged["payment_api_key"])

	cfg.CatalogCacheSize = parseOptionalInt(firstNonEmpty(os.Getenv("CREDITS_CATALOG_CACHE_SIZE"), merged["catalog_cache_size"]), 256)
	cfg.CatalogCacheTTL, err = parseOptionalDuration(firstNonEmpty(os.Getenv("CREDITS_CATALOG_CACHE_TTL"), merged["catalog_cache_ttl"]), 30*time.Second)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("invalid catalog_cache_ttl: %w", err)
	}

	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return time.ParseDuration(strings.TrimSpace(v))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultLedgerPath returns the fallback database directory under the user's
// home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "data"
	}
	return filepath.Join(home, ".clinicore", "credits")
}
