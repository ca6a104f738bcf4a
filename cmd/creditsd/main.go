package main

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/clinicore/credits-engine/internal/catalog"
	catalogpostgres "github.com/clinicore/credits-engine/internal/catalog/postgres"
	catalogsqlite "github.com/clinicore/credits-engine/internal/catalog/sqlite"
	"github.com/clinicore/credits-engine/internal/config"
	"github.com/clinicore/credits-engine/internal/health"
	"github.com/clinicore/credits-engine/internal/httpserver"
	"github.com/clinicore/credits-engine/internal/ledger"
	ledgerpostgres "github.com/clinicore/credits-engine/internal/ledger/postgres"
	ledgersqlite "github.com/clinicore/credits-engine/internal/ledger/sqlite"
	"github.com/clinicore/credits-engine/internal/logging"
	"github.com/clinicore/credits-engine/internal/metering"
	"github.com/clinicore/credits-engine/internal/packages"
	"github.com/clinicore/credits-engine/internal/payment"
	"github.com/clinicore/credits-engine/internal/suggestion"
	suggestionpostgres "github.com/clinicore/credits-engine/internal/suggestion/postgres"
	suggestionsqlite "github.com/clinicore/credits-engine/internal/suggestion/sqlite"
	"github.com/clinicore/credits-engine/internal/version"
)

type stores struct {
	ledger       ledger.Store
	catalog      catalog.Store
	suggestions  suggestion.Store
	ledgerDB     *sql.DB
	catalogDB    *sql.DB
	suggestionDB *sql.DB
}

func openStores(cfg config.EngineConfig) (*stores, error) {
	if cfg.StorageBackend == "postgres" {
		lifetime := int(cfg.DBConnLifetime.Minutes())
		idle := int(cfg.DBConnIdleTime.Minutes())

		ledgerStore, err := ledgerpostgres.New(cfg.DatabaseURL, cfg.DBMaxOpen, cfg.DBMaxIdle, lifetime, idle)
		if err != nil {
			return nil, err
		}
		catalogStore, err := catalogpostgres.New(cfg.DatabaseURL, cfg.DBMaxOpen, cfg.DBMaxIdle)
		if err != nil {
			_ = ledgerStore.Close()
			return nil, err
		}
		suggestionStore, err := suggestionpostgres.New(cfg.DatabaseURL, cfg.DBMaxOpen, cfg.DBMaxIdle)
		if err != nil {
			_ = ledgerStore.Close()
			_ = catalogStore.Close()
			return nil, err
		}
		return &stores{
			ledger:       ledgerStore,
			catalog:      catalogStore,
			suggestions:  suggestionStore,
			ledgerDB:     ledgerStore.DB(),
			catalogDB:    catalogStore.DB(),
			suggestionDB: suggestionStore.DB(),
		}, nil
	}

	dir := cfg.LedgerPath
	ledgerStore, err := ledgersqlite.New(filepath.Join(dir, "ledger.db"))
	if err != nil {
		return nil, err
	}
	catalogStore, err := catalogsqlite.New(filepath.Join(dir, "catalog.db"))
	if err != nil {
		_ = ledgerStore.Close()
		return nil, err
	}
	suggestionStore, err := suggestionsqlite.New(filepath.Join(dir, "suggestions.db"))
	if err != nil {
		_ = ledgerStore.Close()
		_ = catalogStore.Close()
		return nil, err
	}
	return &stores{
		ledger:       ledgerStore,
		catalog:      catalogStore,
		suggestions:  suggestionStore,
		ledgerDB:     ledgerStore.DB(),
		catalogDB:    catalogStore.DB(),
		suggestionDB: suggestionStore.DB(),
	}, nil
}

func (s *stores) Close() {
	_ = s.suggestions.Close()
	_ = s.catalog.Close()
	_ = s.ledger.Close()
}

// noopGenerator backs deployments without a configured AI collaborator; the
// cache surface still works for externally produced content.
type noopGenerator struct{}

func (noopGenerator) Generate(_ context.Context, scope string, _ map[string]any) ([]suggestion.GeneratedUnit, error) {
	return nil, &unconfiguredError{scope: scope}
}

type unconfiguredError struct{ scope string }

func (e *unconfiguredError) Error() string {
	return "no suggestion generator configured (scope " + e.scope + ")"
}

func main() {
	cfg, err := config.LoadEngineConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Rotating file logging, mirrored to stdout for foreground runs.
	const maxLogBytes = int64(300 * 1024 * 1024) // 300MB
	if logTarget := strings.TrimSpace(cfg.LogFileDaemon); logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[creditsd] ")
		defer rot.Close()
	}
	log.Printf("credits engine %s env=%s backend=%s", version.FullInfo(), cfg.Environment, cfg.StorageBackend)

	st, err := openStores(cfg)
	if err != nil {
		log.Fatalf("open stores: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if seed, err := catalog.LoadSeed(cfg.CatalogSeedPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("load catalog seed: %v", err)
		}
		log.Printf("no catalog seed at %s; catalog starts empty", cfg.CatalogSeedPath)
	} else if err := catalog.Seed(ctx, st.catalog, seed); err != nil {
		log.Fatalf("seed catalog: %v", err)
	} else {
		log.Printf("catalog seeded from %s (%d resources)", cfg.CatalogSeedPath, len(seed))
	}

	cachedCatalog := catalog.NewCached(st.catalog, cfg.CatalogCacheSize, cfg.CatalogCacheTTL)

	httpLogger := log.New(log.Writer(), "[creditsd/http] ", log.LstdFlags|log.Lmicroseconds)
	meter := metering.New(cachedCatalog, st.ledger, log.New(log.Writer(), "[creditsd/meter] ", log.LstdFlags|log.Lmicroseconds))

	var purchaseSvc *packages.Service
	if cfg.PaymentBaseURL == "" {
		log.Printf("payment collaborator not configured; package purchases disabled")
	} else {
		pkgCatalog, err := packages.Load(cfg.PackagesPath)
		if err != nil {
			log.Fatalf("load packages: %v", err)
		}
		payClient, err := payment.NewClient(cfg.PaymentBaseURL, cfg.PaymentAPIKey, nil)
		if err != nil {
			log.Fatalf("payment client: %v", err)
		}
		purchaseSvc = packages.NewService(pkgCatalog, st.ledger, payClient,
			log.New(log.Writer(), "[creditsd/purchase] ", log.LstdFlags|log.Lmicroseconds))
	}

	suggestionSvc := suggestion.NewService(st.suggestions, noopGenerator{}, meter,
		log.New(log.Writer(), "[creditsd/suggest] ", log.LstdFlags|log.Lmicroseconds))

	checker := health.New(health.Config{
		LedgerDB:       st.ledgerDB,
		CatalogDB:      st.catalogDB,
		SuggestionDB:   st.suggestionDB,
		PaymentBaseURL: cfg.PaymentBaseURL,
	})

	httpSrv := httpserver.New(httpserver.Options{
		Catalog:     cachedCatalog,
		Ledger:      st.ledger,
		Meter:       meter,
		Packages:    purchaseSvc,
		Suggestions: suggestionSvc,
		Checker:     checker,
		Logger:      httpLogger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddress,
		Handler:      httpSrv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("credits server listening on %s", cfg.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
