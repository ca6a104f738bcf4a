package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/clinicore/credits-engine/internal/ledger"
)

// Store implements ledger.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite ledger at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	plan_type TEXT NOT NULL CHECK(plan_type IN ('bronze','silver','gold')),
	credit_multiplier REAL NOT NULL DEFAULT 1.0,
	balance INTEGER NOT NULL DEFAULT 0 CHECK(balance >= 0),
	total_purchased INTEGER NOT NULL DEFAULT 0,
	total_consumed INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	CHECK(balance = total_purchased - total_consumed)
);
CREATE TABLE IF NOT EXISTS transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id INTEGER NOT NULL REFERENCES accounts(id),
	tx_type TEXT NOT NULL CHECK(tx_type IN ('purchase','consumption','admin_adjustment','plan_bonus')),
	amount INTEGER NOT NULL,
	balance_after INTEGER NOT NULL,
	description TEXT,
	related_action TEXT,
	reference TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_transactions_account_created ON transactions(account_id, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_reference ON transactions(reference) WHERE reference IS NOT NULL;
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for health probes.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateAccount inserts a new account with a zero balance.
func (s *Store) CreateAccount(ctx context.Context, plan ledger.PlanType, multiplier float64) (*ledger.Account, error) {
	if !ledger.ValidPlan(plan) {
		return nil, fmt.Errorf("invalid plan type %q", plan)
	}
	if multiplier <= 0 {
		multiplier = 1.0
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO accounts(plan_type, credit_multiplier, created_at, updated_at)
VALUES(?, ?, ?, ?)`, string(plan), multiplier, now, now)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("account id: %w", err)
	}
	return s.Account(ctx, id)
}

// Account loads a single account by id.
func (s *Store) Account(ctx context.Context, id int64) (*ledger.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `
SELECT id, plan_type, credit_multiplier, balance, total_purchased, total_consumed, created_at, updated_at
FROM accounts WHERE id = ?`, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*ledger.Account, error) {
	var a ledger.Account
	var plan string
	err := row.Scan(&a.ID, &plan, &a.CreditMultiplier, &a.Balance, &a.TotalPurchased, &a.TotalConsumed, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.PlanType = ledger.PlanType(plan)
	return &a, nil
}

// Debit atomically deducts credits and appends the consumption transaction.
// The balance guard lives in the UPDATE itself so concurrent debits serialize
// in the database, not in this process.
func (s *Store) Debit(ctx context.Context, req ledger.DebitRequest) (int64, error) {
	if req.Amount <= 0 {
		return 0, ledger.ErrInvalidAmount
	}
	var newBalance int64
	err := ledger.WithRetry(ctx, isBusy, func() error {
		var err error
		newBalance, err = s.debitOnce(ctx, req)
		return err
	})
	return newBalance, err
}

func (s *Store) debitOnce(ctx context.Context, req ledger.DebitRequest) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin debit: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
UPDATE accounts
SET balance = balance - ?, total_consumed = total_consumed + ?, updated_at = ?
WHERE id = ? AND balance >= ?`,
		req.Amount, req.Amount, now, req.AccountID, req.Amount)
	if err != nil {
		return 0, fmt.Errorf("debit account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		var balance int64
		err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, req.AccountID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ledger.ErrAccountNotFound
		}
		if err != nil {
			return 0, err
		}
		return 0, ledger.ErrInsufficientFunds
	}

	var newBalance int64
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, req.AccountID).Scan(&newBalance); err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO transactions(account_id, tx_type, amount, balance_after, description, related_action, reference, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		req.AccountID, string(ledger.TypeConsumption), -req.Amount, newBalance,
		req.Description, nullable(req.RelatedAction), nullable(req.Reference), now); err != nil {
		if isUniqueViolation(err) {
			return 0, ledger.ErrDuplicateReference
		}
		return 0, fmt.Errorf("append transaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit debit: %w", err)
	}
	return newBalance, nil
}

// Credit atomically adds credits and appends the matching transaction.
func (s *Store) Credit(ctx context.Context, req ledger.CreditRequest) (int64, error) {
	if req.Amount <= 0 {
		return 0, ledger.ErrInvalidAmount
	}
	if !ledger.ValidType(req.Type) || !ledger.CreditType(req.Type) {
		return 0, fmt.Errorf("invalid credit type %q", req.Type)
	}
	var newBalance int64
	err := ledger.WithRetry(ctx, isBusy, func() error {
		var err error
		newBalance, err = s.creditOnce(ctx, req)
		return err
	})
	return newBalance, err
}

func (s *Store) creditOnce(ctx context.Context, req ledger.CreditRequest) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin credit: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
UPDATE accounts
SET balance = balance + ?, total_purchased = total_purchased + ?, updated_at = ?
WHERE id = ?`,
		req.Amount, req.Amount, now, req.AccountID)
	if err != nil {
		return 0, fmt.Errorf("credit account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, ledger.ErrAccountNotFound
	}

	var newBalance int64
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, req.AccountID).Scan(&newBalance); err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO transactions(account_id, tx_type, amount, balance_after, description, related_action, reference, created_at)
VALUES(?, ?, ?, ?, ?, NULL, ?, ?)`,
		req.AccountID, string(req.Type), req.Amount, newBalance,
		req.Description, nullable(req.Reference), now); err != nil {
		if isUniqueViolation(err) {
			return 0, ledger.ErrDuplicateReference
		}
		return 0, fmt.Errorf("append transaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit credit: %w", err)
	}
	return newBalance, nil
}

// Transactions returns the latest entries for an account, newest first.
func (s *Store) Transactions(ctx context.Context, accountID int64, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, account_id, tx_type, amount, balance_after, description, related_action, reference, created_at
FROM transactions
WHERE account_id = ?
ORDER BY id DESC
LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *t)
	}
	return entries, rows.Err()
}

// TransactionByReference finds a transaction tagged with an external key.
func (s *Store) TransactionByReference(ctx context.Context, reference string) (*ledger.Transaction, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, errors.New("reference required")
	}
	t, err := scanTransaction(s.db.QueryRowContext(ctx, `
SELECT id, account_id, tx_type, amount, balance_after, description, related_action, reference, created_at
FROM transactions WHERE reference = ?`, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func scanTransaction(row rowScanner) (*ledger.Transaction, error) {
	var t ledger.Transaction
	var txType string
	var desc, related, reference sql.NullString
	err := row.Scan(&t.ID, &t.AccountID, &txType, &t.Amount, &t.BalanceAfter, &desc, &related, &reference, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Type = ledger.TransactionType(txType)
	t.Description = desc.String
	t.RelatedAction = related.String
	t.Reference = reference.String
	return &t, nil
}

func nullable(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "sqlite_busy") || strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
