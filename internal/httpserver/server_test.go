package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/clinicore/credits-engine/internal/catalog"
	catalogsqlite "github.com/clinicore/credits-engine/internal/catalog/sqlite"
	"github.com/clinicore/credits-engine/internal/ledger"
	ledgersqlite "github.com/clinicore/credits-engine/internal/ledger/sqlite"
	"github.com/clinicore/credits-engine/internal/metering"
	"github.com/clinicore/credits-engine/internal/packages"
	"github.com/clinicore/credits-engine/internal/payment"
	"github.com/clinicore/credits-engine/internal/suggestion"
	suggestionsqlite "github.com/clinicore/credits-engine/internal/suggestion/sqlite"
)

type fakePayments struct {
	sessions map[string]payment.Session
	nextID   int
}

func (f *fakePayments) CreateCheckout(_ context.Context, req payment.CheckoutRequest) (payment.Session, error) {
	f.nextID++
	id := fmt.Sprintf("sess_%03d", f.nextID)
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

func (f *fakePayments) Session(_ context.Context, id string) (payment.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return payment.Session{}, payment.ErrSessionNotFound
	}
	return s, nil
}

func (f *fakePayments) settle(id string) {
	s := f.sessions[id]
	s.Status = payment.StatusPaid
	f.sessions[id] = s
}

type fakeGenerator struct{ calls int }

func (g *fakeGenerator) Generate(_ context.Context, _ string, _ map[string]any) ([]suggestion.GeneratedUnit, error) {
	g.calls++
	return []suggestion.GeneratedUnit{
		{Kind: "objective", Content: "Improve articulation", FromAI: true, Resource: "ai_objective"},
	}, nil
}

type testEnv struct {
	srv      *httptest.Server
	ledger   ledger.Store
	payments *fakePayments
	gen      *fakeGenerator
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	ledgerStore, err := ledgersqlite.New(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = ledgerStore.Close() })

	catalogStore, err := catalogsqlite.New(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { _ = catalogStore.Close() })
	for _, rc := range []catalog.ResourceCost{
		{Name: "ai_suggestion", CostPerUsage: 2, IsActive: true},
		{Name: "ai_objective", CostPerUsage: 2, IsActive: true},
		{Name: "report_render", CostPerUsage: 5, IsActive: true},
	} {
		if err := catalogStore.Upsert(ctx, rc); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	suggestionStore, err := suggestionsqlite.New(filepath.Join(dir, "suggestions.db"))
	if err != nil {
		t.Fatalf("open suggestions: %v", err)
	}
	t.Cleanup(func() { _ = suggestionStore.Close() })

	pkgCatalog, err := packages.NewCatalog(
		[]packages.CreditPackage{
			{ID: "starter", Name: "Starter", Credits: 100, BonusCredits: 20, PriceCents: 999, Currency: "EUR"},
		},
		[]packages.PlanPackage{
			{Plan: ledger.PlanGold, PackageID: "starter", BonusMultiplier: 1.5},
		},
	)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	payments := &fakePayments{sessions: make(map[string]payment.Session)}
	gen := &fakeGenerator{}
	meter := metering.New(catalogStore, ledgerStore, nil)

	server := New(Options{
		Catalog:     catalogStore,
		Ledger:      ledgerStore,
		Meter:       meter,
		Packages:    packages.NewService(pkgCatalog, ledgerStore, payments, nil),
		Suggestions: suggestion.NewService(suggestionStore, gen, meter, nil),
	})
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, ledger: ledgerStore, payments: payments, gen: gen}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp, decoded
}

func (e *testEnv) seedAccount(t *testing.T, plan ledger.PlanType, multiplier float64, balance int64) int64 {
	t.Helper()
	ctx := context.Background()
	acc, err := e.ledger.CreateAccount(ctx, plan, multiplier)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if balance > 0 {
		if _, err := e.ledger.Credit(ctx, ledger.CreditRequest{AccountID: acc.ID, Amount: balance, Type: ledger.TypePurchase}); err != nil {
			t.Fatalf("Credit: %v", err)
		}
	}
	return acc.ID
}

func TestResourcesEndpoint(t *testing.T) {
	env := newEnv(t)
	resp, body := env.do(t, http.MethodGet, "/api/v1/resources", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resources, ok := body["resources"].([]any)
	if !ok || len(resources) != 3 {
		t.Fatalf("resources = %v", body["resources"])
	}
}

func TestAccountLifecycle(t *testing.T) {
	env := newEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/v1/accounts", map[string]any{"plan_type": "silver"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d body = %v", resp.StatusCode, body)
	}
	id := int64(body["id"].(float64))

	resp, body = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d", id), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if body["balance"].(float64) != 0 {
		t.Fatalf("fresh balance = %v", body["balance"])
	}

	resp, _ = env.do(t, http.MethodGet, "/api/v1/accounts/9999", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing account status = %d", resp.StatusCode)
	}
}

func TestConsumeEndpoint(t *testing.T) {
	env := newEnv(t)
	id := env.seedAccount(t, ledger.PlanSilver, 1.0, 10)

	resp, body := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%d/consume", id),
		map[string]any{"resource": "report_render", "actor": "dr.lang"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
	if body["cost"].(float64) != 5 || body["balance"].(float64) != 5 {
		t.Fatalf("consume body = %v", body)
	}

	// Second charge of 5 still fits; the third must be refused.
	env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%d/consume", id),
		map[string]any{"resource": "report_render"})
	resp, body = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%d/consume", id),
		map[string]any{"resource": "report_render"})
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d body = %v, want 402", resp.StatusCode, body)
	}

	// Unknown resources are unmetered and succeed.
	resp, body = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%d/consume", id),
		map[string]any{"resource": "never_configured"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["charged"].(bool) {
		t.Fatalf("unknown resource was charged: %v", body)
	}
}

func TestAddCreditsEndpoint(t *testing.T) {
	env := newEnv(t)
	id := env.seedAccount(t, ledger.PlanBronze, 1.0, 0)

	resp, body := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%d/credits", id),
		map[string]any{"amount": 25, "description": "manual grant", "type": "admin_adjustment"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
	if body["balance"].(float64) != 25 {
		t.Fatalf("balance = %v", body["balance"])
	}

	resp, _ = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%d/credits", id),
		map[string]any{"amount": -5})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative amount status = %d, want 400", resp.StatusCode)
	}
}

func TestLedgerEndpoint(t *testing.T) {
	env := newEnv(t)
	id := env.seedAccount(t, ledger.PlanSilver, 1.0, 10)
	env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%d/consume", id),
		map[string]any{"resource": "ai_suggestion"})

	resp, body := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d/ledger?limit=10", id), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	entries, ok := body["entries"].([]any)
	if !ok || len(entries) != 2 {
		t.Fatalf("entries = %v", body["entries"])
	}
	// Newest first: the consumption precedes the seeding purchase.
	first := entries[0].(map[string]any)
	if first["type"].(string) != "consumption" {
		t.Fatalf("first entry = %v", first)
	}

	resp, _ = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d/ledger?limit=bogus", id), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bogus limit status = %d", resp.StatusCode)
	}
}

func TestPurchaseFlow(t *testing.T) {
	env := newEnv(t)
	id := env.seedAccount(t, ledger.PlanGold, 1.0, 0)

	resp, body := env.do(t, http.MethodGet, "/api/v1/packages?plan=gold", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("packages status = %d", resp.StatusCode)
	}
	pkgs := body["packages"].([]any)
	if len(pkgs) != 1 {
		t.Fatalf("packages = %v", pkgs)
	}

	resp, body = env.do(t, http.MethodPost, "/api/v1/purchases",
		map[string]any{"account_id": id, "package_id": "starter"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("purchase status = %d body = %v", resp.StatusCode, body)
	}
	sessionID := body["session_id"].(string)

	// Verifying before the collaborator marks the session paid must not
	// credit anything.
	resp, body = env.do(t, http.MethodPost, "/api/v1/purchases/verify",
		map[string]any{"session_id": sessionID})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("unpaid verify status = %d body = %v", resp.StatusCode, body)
	}
	if body["reconciliation_required"] != true {
		t.Fatalf("body = %v", body)
	}

	env.payments.settle(sessionID)

	resp, body = env.do(t, http.MethodPost, "/api/v1/purchases/verify",
		map[string]any{"session_id": sessionID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d body = %v", resp.StatusCode, body)
	}
	// gold bonus: round(20 * 1.5) = 30, total 130
	if body["credits_granted"].(float64) != 130 {
		t.Fatalf("credits_granted = %v", body["credits_granted"])
	}

	// Repeat verification reports prior settlement without double credit.
	resp, body = env.do(t, http.MethodPost, "/api/v1/purchases/verify",
		map[string]any{"session_id": sessionID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("re-verify status = %d", resp.StatusCode)
	}
	if body["already_processed"] != true {
		t.Fatalf("body = %v", body)
	}

	resp, body = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d", id), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("account status = %d", resp.StatusCode)
	}
	if body["balance"].(float64) != 130 {
		t.Fatalf("balance = %v after double verify, want 130", body["balance"])
	}
}

func TestSuggestionFlow(t *testing.T) {
	env := newEnv(t)
	id := env.seedAccount(t, ledger.PlanSilver, 1.0, 10)

	req := map[string]any{
		"scope":  "treatment_plan",
		"inputs": map[string]any{"diagnosis": "F80.2"},
		"actor":  "dr.lang",
	}
	resp, body := env.do(t, http.MethodPost, "/api/v1/suggestions/generate", req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("generate status = %d body = %v", resp.StatusCode, body)
	}
	if body["cache_hit"].(bool) {
		t.Fatal("first generate reported a cache hit")
	}
	entry := body["entry"].(map[string]any)
	scope := entry["scope"].(string)
	digest := entry["digest"].(string)
	unit := entry["payload"].(map[string]any)["sub_units"].([]any)[0].(map[string]any)
	unitID := unit["id"].(string)

	resp, body = env.do(t, http.MethodPost, "/api/v1/suggestions/generate", req)
	if resp.StatusCode != http.StatusOK || !body["cache_hit"].(bool) {
		t.Fatalf("second generate: status = %d body = %v", resp.StatusCode, body)
	}
	if env.gen.calls != 1 {
		t.Fatalf("generator calls = %d, want 1", env.gen.calls)
	}

	resp, body = env.do(t, http.MethodPost, "/api/v1/suggestions/approve", map[string]any{
		"account_id":  id,
		"scope":       scope,
		"digest":      digest,
		"sub_unit_id": unitID,
		"actor":       "dr.lang",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d body = %v", resp.StatusCode, body)
	}
	if body["state"].(string) != "approved" || body["billed"] != true {
		t.Fatalf("approved unit = %v", body)
	}

	resp, body = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d", id), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("account status = %d", resp.StatusCode)
	}
	if body["balance"].(float64) != 8 {
		t.Fatalf("balance = %v, want 8", body["balance"])
	}

	resp, _ = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/suggestion-cache/%s/%s", scope, digest), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cache get status = %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/suggestion-cache/%s/%s", scope, digest), nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("cache delete status = %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/suggestion-cache/%s/%s", scope, digest), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cache get after delete = %d", resp.StatusCode)
	}
}

func TestHealthzWithoutChecker(t *testing.T) {
	env := newEnv(t)
	resp, body := env.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"].(string) != "healthy" {
		t.Fatalf("body = %v", body)
	}
}

// conflictLedger always reports an exhausted retry budget from Debit.
type conflictLedger struct {
	ledger.Store
	account ledger.Account
}

func (c *conflictLedger) Account(context.Context, int64) (*ledger.Account, error) {
	a := c.account
	return &a, nil
}

func (c *conflictLedger) Debit(context.Context, ledger.DebitRequest) (int64, error) {
	return 0, errors.Join(ledger.ErrConflict, errors.New("database is locked"))
}

type staticCatalog struct{ costs map[string]int64 }

func (s staticCatalog) Cost(_ context.Context, name string) (int64, error) {
	return s.costs[name], nil
}

func (s staticCatalog) ListActive(context.Context) ([]catalog.ResourceCost, error) {
	return nil, nil
}

func TestConsumeConflictReturnsRetryAfter(t *testing.T) {
	cat := staticCatalog{costs: map[string]int64{"report_render": 5}}
	stub := &conflictLedger{account: ledger.Account{ID: 1, PlanType: ledger.PlanSilver, CreditMultiplier: 1.0, Balance: 10}}
	server := New(Options{
		Catalog: cat,
		Ledger:  stub,
		Meter:   metering.New(cat, stub, nil),
	})
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	body := bytes.NewBufferString(`{"resource": "report_render"}`)
	resp, err := http.Post(srv.URL+"/api/v1/accounts/1/consume", "application/json", body)
	if err != nil {
		t.Fatalf("POST consume: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "1" {
		t.Fatalf("Retry-After = %q, want \"1\"", got)
	}
}

func TestGenerateBlankScopeIsBadRequest(t *testing.T) {
	env := newEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/api/v1/suggestions/generate", map[string]any{
		"scope":  "  ",
		"inputs": map[string]any{"diagnosis": "F90.0"},
		"actor":  "dr.lang",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if env.gen.calls != 0 {
		t.Fatalf("generator called %d times for invalid input", env.gen.calls)
	}
}
