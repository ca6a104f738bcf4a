package ledger

import (
	"context"
	"errors"
	"time"
)

// PlanType identifies the subscription tier of an account.
type PlanType string

const (
	PlanBronze PlanType = "bronze"
	PlanSilver PlanType = "silver"
	PlanGold   PlanType = "gold"
)

// ValidPlan reports whether p is one of the known tiers.
func ValidPlan(p PlanType) bool {
	switch p {
	case PlanBronze, PlanSilver, PlanGold:
		return true
	}
	return false
}

// TransactionType classifies a balance mutation.
type TransactionType string

const (
	TypePurchase        TransactionType = "purchase"
	TypeConsumption     TransactionType = "consumption"
	TypeAdminAdjustment TransactionType = "admin_adjustment"
	TypePlanBonus       TransactionType = "plan_bonus"
)

// ValidType reports whether t is a known transaction type.
func ValidType(t TransactionType) bool {
	switch t {
	case TypePurchase, TypeConsumption, TypeAdminAdjustment, TypePlanBonus:
		return true
	}
	return false
}

// CreditType reports whether t increases the balance.
func CreditType(t TransactionType) bool {
	return t == TypePurchase || t == TypePlanBonus || t == TypeAdminAdjustment
}

// Account is the tenant billing aggregate. All users of a practice share one
// balance. Invariant: Balance == TotalPurchased - TotalConsumed and Balance >= 0.
type Account struct {
	ID               int64     `json:"id"`
	PlanType         PlanType  `json:"plan_type"`
	CreditMultiplier float64   `json:"credit_multiplier"`
	Balance          int64     `json:"balance"`
	TotalPurchased   int64     `json:"total_purchased"`
	TotalConsumed    int64     `json:"total_consumed"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Transaction is one immutable row of the audit trail. Amount is negative for
// consumption and positive for credits. BalanceAfter snapshots the balance as
// written by the mutation that produced this row.
type Transaction struct {
	ID            int64           `json:"id"`
	AccountID     int64           `json:"account_id"`
	Type          TransactionType `json:"type"`
	Amount        int64           `json:"amount"`
	BalanceAfter  int64           `json:"balance_after"`
	Description   string          `json:"description"`
	RelatedAction string          `json:"related_action,omitempty"`
	Reference     string          `json:"reference,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Sentinel errors surfaced by ledger stores.
var (
	// ErrInsufficientFunds is the expected, non-fatal outcome of a debit that
	// would take the balance below zero.
	ErrInsufficientFunds = errors.New("insufficient credits")

	// ErrInvalidAmount rejects non-positive credit amounts at the boundary.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrAccountNotFound indicates the account id does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrConflict is returned after the bounded retry budget for transient
	// storage conflicts is exhausted. Callers may retry the whole call.
	ErrConflict = errors.New("concurrent ledger conflict")

	// ErrDuplicateReference indicates a transaction with the same external
	// reference was already written. Payment verification treats this as
	// "already processed", never as a second credit.
	ErrDuplicateReference = errors.New("duplicate transaction reference")
)

// DebitRequest describes one atomic consumption charge.
type DebitRequest struct {
	AccountID     int64
	Amount        int64 // credits to deduct, > 0
	Description   string
	RelatedAction string // resource name, optional
	Reference     string // idempotency key, optional, unique across transactions
}

// CreditRequest describes one atomic balance grant.
type CreditRequest struct {
	AccountID   int64
	Amount      int64 // credits to add, > 0
	Type        TransactionType
	Description string
	Reference   string // external key (payment session id), optional, unique
}

// Store is the single source of truth for account balances. Implementations
// must perform Debit and Credit as one atomic conditional update in the
// backing store; the service layer never holds in-process locks around money.
type Store interface {
	CreateAccount(ctx context.Context, plan PlanType, multiplier float64) (*Account, error)
	Account(ctx context.Context, id int64) (*Account, error)

	// Debit fails with ErrInsufficientFunds when balance < amount and writes
	// exactly one consumption transaction otherwise. Returns the new balance.
	// A Reference already present in the transaction log aborts the whole
	// debit with ErrDuplicateReference, leaving the balance untouched.
	Debit(ctx context.Context, req DebitRequest) (int64, error)

	// Credit increments balance and total_purchased and writes exactly one
	// transaction. Returns the new balance.
	Credit(ctx context.Context, req CreditRequest) (int64, error)

	// Transactions lists the newest entries first.
	Transactions(ctx context.Context, accountID int64, limit int) ([]Transaction, error)

	// TransactionByReference finds the transaction tagged with an external
	// reference, or nil when none exists.
	TransactionByReference(ctx context.Context, reference string) (*Transaction, error)

	Close() error
}

// MaxConflictRetries bounds transparent retries of conflicting concurrent
// writes before ErrConflict surfaces.
const MaxConflictRetries = 3

// WithRetry runs fn up to MaxConflictRetries+1 times while retryable reports
// a transient conflict, backing off briefly between attempts.
func WithRetry(ctx context.Context, retryable func(error) bool, fn func() error) error {
	var err error
	for attempt := 0; attempt <= MaxConflictRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
			}
		}
		err = fn()
		if err == nil || !retryable(err) {
			return err
		}
	}
	return errors.Join(ErrConflict, err)
}
