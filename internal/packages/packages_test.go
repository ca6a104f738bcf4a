package packages

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/clinicore/credits-engine/internal/ledger"
	ledgersqlite "github.com/clinicore/credits-engine/internal/ledger/sqlite"
	"github.com/clinicore/credits-engine/internal/payment"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	cat, err := NewCatalog(
		[]CreditPackage{
			{ID: "starter", Name: "Starter", Credits: 100, BonusCredits: 20, PriceCents: 999, Currency: "EUR"},
			{ID: "clinic", Name: "Clinic", Credits: 500, BonusCredits: 100, PriceCents: 3999, Currency: "EUR"},
		},
		[]PlanPackage{
			{Plan: ledger.PlanGold, PackageID: "starter", BonusMultiplier: 1.5, Featured: true},
			{Plan: ledger.PlanGold, PackageID: "clinic", BonusMultiplier: 2.0},
		},
	)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return cat
}

func TestForPlanPricing(t *testing.T) {
	cat := testCatalog(t)

	gold := cat.ForPlan(ledger.PlanGold)
	if len(gold) != 2 {
		t.Fatalf("expected 2 packages, got %d", len(gold))
	}
	// Sorted by price: starter first.
	starter := gold[0]
	if starter.ID != "starter" {
		t.Fatalf("expected starter first, got %s", starter.ID)
	}
	if starter.TotalBonus != 30 || starter.TotalCredits != 130 {
		t.Fatalf("starter under gold: bonus=%d total=%d, want 30/130", starter.TotalBonus, starter.TotalCredits)
	}
	if !starter.Featured {
		t.Fatalf("starter should be featured for gold")
	}

	// Plans without a mapping fall back to the base bonus.
	bronze := cat.ForPlan(ledger.PlanBronze)
	if bronze[0].TotalBonus != 20 || bronze[0].TotalCredits != 120 {
		t.Fatalf("starter under bronze: bonus=%d total=%d, want 20/120", bronze[0].TotalBonus, bronze[0].TotalCredits)
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "packages.yaml")
	doc := `packages:
  - id: starter
    name: Starter
    credits: 100
    bonus_credits: 20
    price_cents: 999
    currency: EUR
plan_packages:
  - plan: silver
    package_id: starter
    bonus_multiplier: 1.25
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	cat, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	silver := cat.ForPlan(ledger.PlanSilver)
	if silver[0].TotalBonus != 25 {
		t.Fatalf("silver bonus = %d, want 25", silver[0].TotalBonus)
	}
}

// fakeGateway is an in-memory payment collaborator.
type fakeGateway struct {
	sessions map[string]payment.Session
	nextID   int
}

func (f *fakeGateway) CreateCheckout(ctx context.Context, req payment.CheckoutRequest) (payment.Session, error) {
	f.nextID++
	id := "sess_" + string(rune('a'+f.nextID))
	s := payment.Session{
		ID:          id,
		RedirectURL: "https://pay.example.test/" + id,
		Status:      payment.StatusPending,
		AccountID:   req.AccountID,
		PackageID:   req.PackageID,
		AmountCents: req.AmountCents,
	}
	f.sessions[id] = s
	return s, nil
}

func (f *fakeGateway) Session(ctx context.Context, id string) (payment.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return payment.Session{}, payment.ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeGateway) settle(id string) {
	s := f.sessions[id]
	s.Status = payment.StatusPaid
	f.sessions[id] = s
}

func newService(t *testing.T) (*Service, ledger.Store, *fakeGateway) {
	t.Helper()
	store, err := ledgersqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	gw := &fakeGateway{sessions: make(map[string]payment.Session)}
	return NewService(testCatalog(t), store, gw, nil), store, gw
}

func TestPurchaseThenVerifyCreditsOnce(t *testing.T) {
	svc, store, gw := newService(t)
	ctx := context.Background()

	acc, err := store.CreateAccount(ctx, ledger.PlanGold, 1.0)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	checkout, err := svc.Purchase(ctx, acc.ID, "starter")
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	if checkout.SessionID == "" || checkout.RedirectURL == "" {
		t.Fatalf("incomplete checkout %+v", checkout)
	}

	// Ledger untouched until settlement.
	if acc, _ := store.Account(ctx, acc.ID); acc.Balance != 0 {
		t.Fatalf("purchase must not credit before verification, balance=%d", acc.Balance)
	}

	// Unpaid session never credits.
	if _, err := svc.VerifyPayment(ctx, checkout.SessionID); !errors.Is(err, ErrReconciliationRequired) {
		t.Fatalf("expected ErrReconciliationRequired for pending session, got %v", err)
	}

	gw.settle(checkout.SessionID)

	res, err := svc.VerifyPayment(ctx, checkout.SessionID)
	if err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	// Gold tier: 100 + round(20*1.5) = 130.
	if !res.Credited || res.CreditsGranted != 130 || res.Balance != 130 {
		t.Fatalf("unexpected verify result %+v", res)
	}

	// Second verification is an idempotent no-op.
	again, err := svc.VerifyPayment(ctx, checkout.SessionID)
	if err != nil {
		t.Fatalf("repeat VerifyPayment: %v", err)
	}
	if !again.AlreadyProcessed || again.Credited {
		t.Fatalf("expected already-processed, got %+v", again)
	}
	if acc, _ := store.Account(ctx, acc.ID); acc.Balance != 130 {
		t.Fatalf("repeat verification must not credit twice, balance=%d", acc.Balance)
	}
}

func TestVerifyUnknownSession(t *testing.T) {
	svc, _, _ := newService(t)
	if _, err := svc.VerifyPayment(context.Background(), "sess_missing"); !errors.Is(err, payment.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestVerifyAmountMismatch(t *testing.T) {
	svc, store, gw := newService(t)
	ctx := context.Background()

	acc, err := store.CreateAccount(ctx, ledger.PlanSilver, 1.0)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	checkout, err := svc.Purchase(ctx, acc.ID, "starter")
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}

	// Tampered upstream amount must never credit.
	s := gw.sessions[checkout.SessionID]
	s.Status = payment.StatusPaid
	s.AmountCents = 1
	gw.sessions[checkout.SessionID] = s

	if _, err := svc.VerifyPayment(ctx, checkout.SessionID); !errors.Is(err, ErrReconciliationRequired) {
		t.Fatalf("expected ErrReconciliationRequired, got %v", err)
	}
	if acc, _ := store.Account(ctx, acc.ID); acc.Balance != 0 {
		t.Fatalf("mismatched session credited the account, balance=%d", acc.Balance)
	}
}

func TestPurchaseUnknownPackage(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	acc, _ := store.CreateAccount(ctx, ledger.PlanBronze, 1.0)
	if _, err := svc.Purchase(ctx, acc.ID, "no_such"); !errors.Is(err, ErrPackageNotFound) {
		t.Fatalf("expected ErrPackageNotFound, got %v", err)
	}
}
