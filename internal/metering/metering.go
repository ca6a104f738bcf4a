// Package metering is the consumption gateway: it resolves a price from the
// resource catalog, applies the account's plan multiplier and drives the
// atomic debit against the ledger. It owns no state of its own.
package metering

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/clinicore/credits-engine/internal/catalog"
	"github.com/clinicore/credits-engine/internal/ledger"
)

// Gateway orchestrates catalog lookups and ledger mutations.
type Gateway struct {
	catalog catalog.Reader
	ledger  ledger.Store
	logger  *log.Logger
}

// New constructs a Gateway. logger may be nil.
func New(cat catalog.Reader, store ledger.Store, logger *log.Logger) *Gateway {
	return &Gateway{catalog: cat, ledger: store, logger: logger}
}

// ConsumeRequest describes one metered operation. Either Resource or an
// explicit Amount must be set; Amount wins when both are present (used for
// administrative debits that bypass the catalog).
type ConsumeRequest struct {
	AccountID   int64
	Resource    string
	Amount      int64
	Actor       string
	Description string
	Reference   string // idempotency key for the debit, optional
}

// Consumption is the successful outcome of TryConsume.
type Consumption struct {
	Charged bool  `json:"charged"` // false when the resolved cost was zero
	Cost    int64 `json:"cost"`
	Balance int64 `json:"balance"`
}

// TryConsume resolves the cost and performs the atomic debit. A resolved cost
// of zero succeeds without touching the ledger: unknown and inactive
// resources are unmetered by policy. ErrInsufficientFunds and
// ErrDuplicateReference pass through for the caller to block the triggering
// action or recognize an already-settled charge.
func (g *Gateway) TryConsume(ctx context.Context, req ConsumeRequest) (Consumption, error) {
	if req.Amount < 0 {
		return Consumption{}, ledger.ErrInvalidAmount
	}
	if req.Amount == 0 && strings.TrimSpace(req.Resource) == "" {
		return Consumption{}, errors.New("resource name or explicit amount required")
	}

	account, err := g.ledger.Account(ctx, req.AccountID)
	if err != nil {
		return Consumption{}, err
	}

	cost := req.Amount
	if cost == 0 {
		base, err := g.catalog.Cost(ctx, req.Resource)
		if err != nil {
			return Consumption{}, fmt.Errorf("resolve cost: %w", err)
		}
		cost = applyMultiplier(base, account.CreditMultiplier)
	}

	if cost == 0 {
		g.logf("consume account=%d resource=%s actor=%s cost=0 (unmetered)", req.AccountID, req.Resource, req.Actor)
		return Consumption{Charged: false, Cost: 0, Balance: account.Balance}, nil
	}

	description := req.Description
	if description == "" {
		description = req.Resource
	}
	if req.Actor != "" {
		description = fmt.Sprintf("%s (by %s)", description, req.Actor)
	}

	balance, err := g.ledger.Debit(ctx, ledger.DebitRequest{
		AccountID:     req.AccountID,
		Amount:        cost,
		Description:   description,
		RelatedAction: req.Resource,
		Reference:     req.Reference,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			g.logf("consume denied account=%d resource=%s cost=%d balance=%d", req.AccountID, req.Resource, cost, account.Balance)
		}
		return Consumption{}, err
	}
	g.logf("consume account=%d resource=%s actor=%s cost=%d balance=%d", req.AccountID, req.Resource, req.Actor, cost, balance)
	return Consumption{Charged: true, Cost: cost, Balance: balance}, nil
}

// AddCredits validates and applies a balance grant.
func (g *Gateway) AddCredits(ctx context.Context, accountID, amount int64, description string, txType ledger.TransactionType) (int64, error) {
	if amount <= 0 {
		return 0, ledger.ErrInvalidAmount
	}
	if txType == "" {
		txType = ledger.TypePurchase
	}
	if !ledger.ValidType(txType) || !ledger.CreditType(txType) {
		return 0, fmt.Errorf("invalid credit type %q", txType)
	}
	balance, err := g.ledger.Credit(ctx, ledger.CreditRequest{
		AccountID:   accountID,
		Amount:      amount,
		Type:        txType,
		Description: description,
	})
	if err != nil {
		return 0, err
	}
	g.logf("credit account=%d amount=%d type=%s balance=%d", accountID, amount, txType, balance)
	return balance, nil
}

// applyMultiplier scales a catalog price by the account's plan multiplier.
// Rounds up so discounted fractional costs never under-charge to zero.
func applyMultiplier(base int64, multiplier float64) int64 {
	if base == 0 || multiplier <= 0 || multiplier == 1.0 {
		return base
	}
	return int64(math.Ceil(float64(base) * multiplier))
}

func (g *Gateway) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}
