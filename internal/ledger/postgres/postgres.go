package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/clinicore/credits-engine/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed ledger using the provided DSN and connection
// pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes, idleTimeMinutes int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
	}
	if idleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(idleTimeMinutes) * time.Minute)
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
	id BIGSERIAL PRIMARY KEY,
	plan_type TEXT NOT NULL CHECK(plan_type IN ('bronze','silver','gold')),
	credit_multiplier DOUBLE PRECISION NOT NULL DEFAULT 1.0,
	balance BIGINT NOT NULL DEFAULT 0 CHECK(balance >= 0),
	total_purchased BIGINT NOT NULL DEFAULT 0,
	total_consumed BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK(balance = total_purchased - total_consumed)
);

CREATE TABLE IF NOT EXISTS transactions (
	id BIGSERIAL PRIMARY KEY,
	account_id BIGINT NOT NULL REFERENCES accounts(id),
	tx_type TEXT NOT NULL CHECK(tx_type IN ('purchase','consumption','admin_adjustment','plan_bonus')),
	amount BIGINT NOT NULL,
	balance_after BIGINT NOT NULL,
	description TEXT,
	related_action TEXT,
	reference TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
	return scanAccount(s.db.QueryRowContext(ctx, `
INSERT INTO accounts(plan_type, credit_multiplier)
VALUES($1, $2)
RETURNING id, plan_type, credit_multiplier, balance, total_purchased, total_consumed, created_at, updated_at`,
		string(plan), multiplier))
}

// Account loads a single account by id.
func (s *Store) Account(ctx context.Context, id int64) (*ledger.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `
SELECT id, plan_type, credit_multiplier, balance, total_purchased, total_consumed, created_at, updated_at
FROM accounts WHERE id = $1`, id))
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
// The conditional UPDATE with RETURNING is the serialization point; Postgres
// row locking orders concurrent debits on the same account.
func (s *Store) Debit(ctx context.Context, req ledger.DebitRequest) (int64, error) {
	if req.Amount <= 0 {
		return 0, ledger.ErrInvalidAmount
	}
	var newBalance int64
	err := ledger.WithRetry(ctx, isSerializationFailure, func() error {
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

	var newBalance int64
	err = tx.QueryRowContext(ctx, `
UPDATE accounts
SET balance = balance - $1, total_consumed = total_consumed + $1, updated_at = NOW()
WHERE id = $2 AND balance >= $1
RETURNING balance`, req.Amount, req.AccountID).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		var balance int64
		err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = $1`, req.AccountID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ledger.ErrAccountNotFound
		}
		if err != nil {
			return 0, err
		}
		return 0, ledger.ErrInsufficientFunds
	}
	if err != nil {
		return 0, fmt.Errorf("debit account: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO transactions(account_id, tx_type, amount, balance_after, description, related_action, reference)
VALUES($1, $2, $3, $4, $5, $6, $7)`,
		req.AccountID, string(ledger.TypeConsumption), -req.Amount, newBalance,
		req.Description, nullable(req.RelatedAction), nullable(req.Reference)); err != nil {
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
	err := ledger.WithRetry(ctx, isSerializationFailure, func() error {
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

	var newBalance int64
	err = tx.QueryRowContext(ctx, `
UPDATE accounts
SET balance = balance + $1, total_purchased = total_purchased + $1, updated_at = NOW()
WHERE id = $2
RETURNING balance`, req.Amount, req.AccountID).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("credit account: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO transactions(account_id, tx_type, amount, balance_after, description, reference)
VALUES($1, $2, $3, $4, $5, $6)`,
		req.AccountID, string(req.Type), req.Amount, newBalance,
		req.Description, nullable(req.Reference)); err != nil {
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
WHERE account_id = $1
ORDER BY id DESC
LIMIT $2`, accountID, limit)
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
FROM transactions WHERE reference = $1`, reference))
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

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
