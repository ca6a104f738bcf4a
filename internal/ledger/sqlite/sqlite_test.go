package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/clinicore/credits-engine/internal/ledger"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreditDebitRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	acc, err := store.CreateAccount(ctx, ledger.PlanSilver, 1.0)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if acc.Balance != 0 {
		t.Fatalf("new account balance = %d, want 0", acc.Balance)
	}

	balance, err := store.Credit(ctx, ledger.CreditRequest{
		AccountID:   acc.ID,
		Amount:      100,
		Type:        ledger.TypePurchase,
		Description: "starter pack",
	})
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if balance != 100 {
		t.Fatalf("balance after credit = %d, want 100", balance)
	}

	balance, err = store.Debit(ctx, ledger.DebitRequest{
		AccountID:     acc.ID,
		Amount:        30,
		Description:   "video call",
		RelatedAction: "video_call",
	})
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if balance != 70 {
		t.Fatalf("balance after debit = %d, want 70", balance)
	}

	acc, err = store.Account(ctx, acc.ID)
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if acc.Balance != acc.TotalPurchased-acc.TotalConsumed {
		t.Fatalf("invariant broken: balance=%d purchased=%d consumed=%d", acc.Balance, acc.TotalPurchased, acc.TotalConsumed)
	}

	txs, err := store.Transactions(ctx, acc.ID, 10)
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txs))
	}
	// Newest first: the debit.
	if txs[0].Amount != -30 || txs[0].BalanceAfter != 70 {
		t.Fatalf("unexpected head transaction %+v", txs[0])
	}
	if txs[0].RelatedAction != "video_call" {
		t.Fatalf("related action = %q", txs[0].RelatedAction)
	}
	if txs[1].Amount != 100 || txs[1].BalanceAfter != 100 {
		t.Fatalf("unexpected tail transaction %+v", txs[1])
	}
}

func TestDebitInsufficientFunds(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	acc, err := store.CreateAccount(ctx, ledger.PlanBronze, 1.0)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if _, err := store.Credit(ctx, ledger.CreditRequest{AccountID: acc.ID, Amount: 5, Type: ledger.TypePurchase}); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	if _, err := store.Debit(ctx, ledger.DebitRequest{AccountID: acc.ID, Amount: 6}); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// A failed debit leaves no transaction behind.
	txs, err := store.Transactions(ctx, acc.ID, 10)
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txs))
	}
}

func TestDebitUnknownAccount(t *testing.T) {
	store := newStore(t)
	if _, err := store.Debit(context.Background(), ledger.DebitRequest{AccountID: 999, Amount: 1}); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestCreditRejectsNonPositive(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	acc, err := store.CreateAccount(ctx, ledger.PlanGold, 1.0)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	for _, amount := range []int64{0, -10} {
		if _, err := store.Credit(ctx, ledger.CreditRequest{AccountID: acc.ID, Amount: amount, Type: ledger.TypePurchase}); !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Fatalf("amount %d: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestCreditDuplicateReference(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	acc, err := store.CreateAccount(ctx, ledger.PlanSilver, 1.0)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	req := ledger.CreditRequest{AccountID: acc.ID, Amount: 50, Type: ledger.TypePurchase, Reference: "sess_123"}
	if _, err := store.Credit(ctx, req); err != nil {
		t.Fatalf("first Credit: %v", err)
	}
	if _, err := store.Credit(ctx, req); !errors.Is(err, ledger.ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}

	found, err := store.TransactionByReference(ctx, "sess_123")
	if err != nil {
		t.Fatalf("TransactionByReference: %v", err)
	}
	if found == nil || found.Amount != 50 {
		t.Fatalf("unexpected lookup result %+v", found)
	}

	missing, err := store.TransactionByReference(ctx, "sess_999")
	if err != nil {
		t.Fatalf("TransactionByReference missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown reference, got %+v", missing)
	}

	acc, _ = store.Account(ctx, acc.ID)
	if acc.Balance != 50 {
		t.Fatalf("duplicate reference must not credit twice, balance = %d", acc.Balance)
	}
}

func TestDebitDuplicateReference(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	acc, err := store.CreateAccount(ctx, ledger.PlanSilver, 1.0)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if _, err := store.Credit(ctx, ledger.CreditRequest{AccountID: acc.ID, Amount: 10, Type: ledger.TypePurchase}); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	req := ledger.DebitRequest{AccountID: acc.ID, Amount: 2, Description: "approved objective", Reference: "unit_abc"}
	balance, err := store.Debit(ctx, req)
	if err != nil {
		t.Fatalf("first Debit: %v", err)
	}
	if balance != 8 {
		t.Fatalf("balance = %d, want 8", balance)
	}

	if _, err := store.Debit(ctx, req); !errors.Is(err, ledger.ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}

	acc, _ = store.Account(ctx, acc.ID)
	if acc.Balance != 8 {
		t.Fatalf("duplicate reference must not debit twice, balance = %d", acc.Balance)
	}
	txs, err := store.Transactions(ctx, acc.ID, 10)
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("transactions = %d, want 2", len(txs))
	}
}

// With balance 10 and cost 3, four concurrent debits must yield exactly three
// successes, one insufficient-funds failure, a final balance of 1 and exactly
// three transactions.
func TestConcurrentDebits(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	acc, err := store.CreateAccount(ctx, ledger.PlanSilver, 1.0)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if _, err := store.Credit(ctx, ledger.CreditRequest{AccountID: acc.ID, Amount: 10, Type: ledger.TypePurchase}); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	const workers = 4
	results := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = store.Debit(ctx, ledger.DebitRequest{AccountID: acc.ID, Amount: 3, RelatedAction: "transcription"})
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ledger.ErrInsufficientFunds):
			insufficient++
		default:
			t.Fatalf("unexpected debit error: %v", err)
		}
	}
	if ok != 3 || insufficient != 1 {
		t.Fatalf("got %d successes and %d insufficient, want 3 and 1", ok, insufficient)
	}

	acc, err = store.Account(ctx, acc.ID)
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if acc.Balance != 1 {
		t.Fatalf("final balance = %d, want 1", acc.Balance)
	}

	txs, err := store.Transactions(ctx, acc.ID, 10)
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}
	if len(txs) != 4 { // one credit + three debits
		t.Fatalf("expected 4 transactions, got %d", len(txs))
	}
	for i := 0; i < len(txs)-1; i++ {
		// Each row's snapshot must chain onto the next older row.
		if txs[i].BalanceAfter != txs[i+1].BalanceAfter+txs[i].Amount {
			t.Fatalf("balance chain broken at %d: %+v -> %+v", i, txs[i+1], txs[i])
		}
	}
}
