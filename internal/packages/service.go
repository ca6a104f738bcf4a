package packages

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/clinicore/credits-engine/internal/ledger"
	"github.com/clinicore/credits-engine/internal/payment"
)

// Sentinel errors for the purchase flow.
var (
	ErrPackageNotFound = errors.New("credit package not found")

	// ErrReconciliationRequired indicates the session state reported by the
	// payment collaborator does not justify crediting. The account is never
	// silently credited; the caller escalates for follow-up.
	ErrReconciliationRequired = errors.New("payment reconciliation required")
)

// Service prices packages and settles confirmed payments into the ledger.
type Service struct {
	catalog  *Catalog
	ledger   ledger.Store
	payments payment.Gateway
	logger   *log.Logger
}

// NewService wires the purchase flow. logger may be nil.
func NewService(catalog *Catalog, store ledger.Store, payments payment.Gateway, logger *log.Logger) *Service {
	return &Service{catalog: catalog, ledger: store, payments: payments, logger: logger}
}

// ListForPlan returns all packages priced for the plan, cheapest first.
func (s *Service) ListForPlan(plan ledger.PlanType) ([]PricedPackage, error) {
	if !ledger.ValidPlan(plan) {
		return nil, fmt.Errorf("invalid plan type %q", plan)
	}
	return s.catalog.ForPlan(plan), nil
}

// Checkout is the handle returned to the caller after opening a session.
type Checkout struct {
	SessionID   string `json:"session_id"`
	RedirectURL string `json:"redirect_url"`
}

// Purchase opens a checkout session with the payment collaborator. The ledger
// is not touched until VerifyPayment confirms settlement.
func (s *Service) Purchase(ctx context.Context, accountID int64, packageID string) (Checkout, error) {
	pkg, ok := s.catalog.Package(packageID)
	if !ok {
		return Checkout{}, ErrPackageNotFound
	}
	if _, err := s.ledger.Account(ctx, accountID); err != nil {
		return Checkout{}, err
	}

	session, err := s.payments.CreateCheckout(ctx, payment.CheckoutRequest{
		AccountID:   accountID,
		PackageID:   pkg.ID,
		AmountCents: pkg.PriceCents,
		Currency:    pkg.Currency,
		Description: pkg.Name,
	})
	if err != nil {
		return Checkout{}, fmt.Errorf("create checkout: %w", err)
	}
	s.logf("purchase opened account=%d package=%s session=%s", accountID, pkg.ID, session.ID)
	return Checkout{SessionID: session.ID, RedirectURL: session.RedirectURL}, nil
}

// VerifyResult reports the outcome of a payment verification.
type VerifyResult struct {
	Credited         bool  `json:"credited"`
	AlreadyProcessed bool  `json:"already_processed"`
	CreditsGranted   int64 `json:"credits_granted,omitempty"`
	Balance          int64 `json:"balance,omitempty"`
}

// VerifyPayment settles a checkout session into the ledger exactly once.
// Repeat calls for a settled session report AlreadyProcessed without a second
// credit; the transaction reference carries the session id, and a unique
// index in the ledger closes the race between concurrent verifiers.
func (s *Service) VerifyPayment(ctx context.Context, sessionID string) (VerifyResult, error) {
	if sessionID == "" {
		return VerifyResult{}, errors.New("session id required")
	}

	existing, err := s.ledger.TransactionByReference(ctx, sessionID)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("lookup settlement: %w", err)
	}
	if existing != nil {
		return VerifyResult{AlreadyProcessed: true, CreditsGranted: existing.Amount, Balance: existing.BalanceAfter}, nil
	}

	session, err := s.payments.Session(ctx, sessionID)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("fetch session: %w", err)
	}
	if session.Status != payment.StatusPaid {
		return VerifyResult{}, fmt.Errorf("%w: session %s status %s", ErrReconciliationRequired, sessionID, session.Status)
	}

	pkg, ok := s.catalog.Package(session.PackageID)
	if !ok {
		return VerifyResult{}, fmt.Errorf("%w: session %s references unknown package %s", ErrReconciliationRequired, sessionID, session.PackageID)
	}
	if session.AmountCents != pkg.PriceCents {
		return VerifyResult{}, fmt.Errorf("%w: session %s amount %d does not match package price %d",
			ErrReconciliationRequired, sessionID, session.AmountCents, pkg.PriceCents)
	}

	account, err := s.ledger.Account(ctx, session.AccountID)
	if err != nil {
		return VerifyResult{}, err
	}
	total, _ := s.catalog.CreditTotal(account.PlanType, pkg.ID)

	balance, err := s.ledger.Credit(ctx, ledger.CreditRequest{
		AccountID:   account.ID,
		Amount:      total,
		Type:        ledger.TypePurchase,
		Description: fmt.Sprintf("package %s", pkg.Name),
		Reference:   sessionID,
	})
	if errors.Is(err, ledger.ErrDuplicateReference) {
		// A concurrent verifier won; this call is the idempotent repeat.
		return VerifyResult{AlreadyProcessed: true}, nil
	}
	if err != nil {
		return VerifyResult{}, fmt.Errorf("credit purchase: %w", err)
	}

	s.logf("purchase settled account=%d package=%s session=%s credits=%d balance=%d",
		account.ID, pkg.ID, sessionID, total, balance)
	return VerifyResult{Credited: true, CreditsGranted: total, Balance: balance}, nil
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
