package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/clinicore/credits-engine/internal/bootstrap"
	"github.com/clinicore/credits-engine/internal/catalog"
	catalogsqlite "github.com/clinicore/credits-engine/internal/catalog/sqlite"
	"github.com/clinicore/credits-engine/internal/config"
	"github.com/clinicore/credits-engine/internal/ledger"
	ledgersqlite "github.com/clinicore/credits-engine/internal/ledger/sqlite"
	"github.com/clinicore/credits-engine/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init":
			if err := runInit(os.Args[2:]); err != nil {
				log.Fatalf("credits init failed: %v", err)
			}
			fmt.Println("credits config initialised")
			return
		case "seed":
			if err := runSeed(os.Args[2:]); err != nil {
				log.Fatalf("credits seed failed: %v", err)
			}
			return
		case "account":
			if err := runAccount(os.Args[2:]); err != nil {
				log.Fatalf("credits account failed: %v", err)
			}
			return
		case "version":
			fmt.Println(version.FullInfo())
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	printUsage()
}

func printUsage() {
	fmt.Print(`Clinicore Credits CLI

Usage:
  credits init [flags]            Generate config and seed files
  credits seed [flags]            Apply the catalog seed to the local store
  credits account create [flags]  Create an account
  credits account show [flags]    Show an account with recent transactions
  credits version                 Print build information

Flags for init:
  --root string          output directory (default '.')
  --env string           environment name (default 'dev')
  --http-address string  bind address for creditsd (default ':8470')
  --backend string       storage backend, sqlite or postgres (default 'sqlite')
  --ledger-path string   sqlite data directory (default ~/.clinicore/credits)
  --database-url string  postgres DSN (postgres backend only)
  --payment-url string   payment collaborator base URL
  --force                overwrite existing files
`)
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	root := fs.String("root", ".", "config root")
	env := fs.String("env", "dev", "environment name")
	httpAddr := fs.String("http-address", ":8470", "creditsd HTTP bind address")
	backend := fs.String("backend", "sqlite", "storage backend")
	ledgerPath := fs.String("ledger-path", "", "sqlite data directory")
	databaseURL := fs.String("database-url", "", "postgres DSN")
	paymentURL := fs.String("payment-url", "", "payment collaborator base URL")
	force := fs.Bool("force", false, "overwrite existing files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return bootstrap.Init(bootstrap.InitOptions{
		Root:           *root,
		Environment:    *env,
		HTTPAddress:    *httpAddr,
		StorageBackend: *backend,
		LedgerPath:     *ledgerPath,
		DatabaseURL:    *databaseURL,
		PaymentBaseURL: *paymentURL,
		Force:          *force,
	})
}

func runSeed(args []string) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	root := fs.String("root", ".", "config root")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadEngineConfig(*root)
	if err != nil {
		return err
	}
	if cfg.StorageBackend != "sqlite" {
		return fmt.Errorf("seed supports the sqlite backend only; creditsd seeds %s at startup", cfg.StorageBackend)
	}

	resources, err := catalog.LoadSeed(cfg.CatalogSeedPath)
	if err != nil {
		return err
	}
	store, err := catalogsqlite.New(filepath.Join(cfg.LedgerPath, "catalog.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	if err := catalog.Seed(context.Background(), store, resources); err != nil {
		return err
	}
	fmt.Printf("seeded %d resources into %s\n", len(resources), cfg.LedgerPath)
	return nil
}

func runAccount(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: credits account <create|show> [flags]")
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("account "+sub, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	root := fs.String("root", ".", "config root")
	plan := fs.String("plan", "bronze", "plan type (bronze|silver|gold)")
	multiplier := fs.Float64("multiplier", 1.0, "credit cost multiplier")
	id := fs.Int64("id", 0, "account id")
	limit := fs.Int("limit", 10, "transactions to show")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	cfg, err := config.LoadEngineConfig(*root)
	if err != nil {
		return err
	}
	if cfg.StorageBackend != "sqlite" {
		return fmt.Errorf("account commands support the sqlite backend only; use the HTTP API against creditsd for %s", cfg.StorageBackend)
	}
	store, err := ledgersqlite.New(filepath.Join(cfg.LedgerPath, "ledger.db"))
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	switch strings.ToLower(sub) {
	case "create":
		planType := ledger.PlanType(strings.ToLower(*plan))
		if !ledger.ValidPlan(planType) {
			return fmt.Errorf("invalid plan %q", *plan)
		}
		acc, err := store.CreateAccount(ctx, planType, *multiplier)
		if err != nil {
			return err
		}
		fmt.Printf("created account id=%d plan=%s multiplier=%.2f\n", acc.ID, acc.PlanType, acc.CreditMultiplier)
		return nil
	case "show":
		if *id <= 0 {
			return fmt.Errorf("--id required")
		}
		acc, err := store.Account(ctx, *id)
		if err != nil {
			return err
		}
		fmt.Printf("account id=%d plan=%s multiplier=%.2f\n", acc.ID, acc.PlanType, acc.CreditMultiplier)
		fmt.Printf("balance=%d purchased=%d consumed=%d\n", acc.Balance, acc.TotalPurchased, acc.TotalConsumed)
		txs, err := store.Transactions(ctx, *id, *limit)
		if err != nil {
			return err
		}
		for _, tx := range txs {
			ref := tx.Reference
			if ref != "" {
				ref = " ref=" + ref
			}
			fmt.Printf("  %s %-16s %+d balance=%d %s%s\n",
				tx.CreatedAt.Format("2006-01-02 15:04:05"), tx.Type, tx.Amount, tx.BalanceAfter, tx.Description, ref)
		}
		return nil
	default:
		return fmt.Errorf("unknown account subcommand %q", sub)
	}
}
