//go:build integration

package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/nexlance/wallet-service/internal/testutil"
)

func setupPostgres(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func TestPostgres_DepositAndGetWallet(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	w, tx, err := store.Deposit(ctx, "client-1", "USD", 1000, "pi_test_1", "card top-up")
	if err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if w.AvailableBalance != 1000 || w.EscrowBalance != 0 {
		t.Errorf("Expected 1000/0, got %d/%d", w.AvailableBalance, w.EscrowBalance)
	}
	if tx.Type != TypeDeposit {
		t.Errorf("Expected deposit transaction, got %s", tx.Type)
	}

	got, err := store.GetWallet(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetWallet failed: %v", err)
	}
	if got.AvailableBalance != 1000 {
		t.Errorf("Expected 1000, got %d", got.AvailableBalance)
	}
}

func TestPostgres_DuplicateDepositReference(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	if _, _, err := store.Deposit(ctx, "client-1", "USD", 1000, "pi_dup", ""); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	_, _, err := store.Deposit(ctx, "client-1", "USD", 1000, "pi_dup", "")
	if !errors.Is(err, ErrDuplicateDeposit) {
		t.Fatalf("Expected ErrDuplicateDeposit, got %v", err)
	}

	ok, err := store.HasDeposit(ctx, "pi_dup")
	if err != nil {
		t.Fatalf("HasDeposit failed: %v", err)
	}
	if !ok {
		t.Error("Expected HasDeposit true")
	}
}

func TestPostgres_EscrowLifecycle(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	if _, _, err := store.Deposit(ctx, "client-1", "USD", 1000, "pi_life", ""); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	w, _, err := store.EscrowLock(ctx, "client-1", 300, "cp-1", "proj-1")
	if err != nil {
		t.Fatalf("EscrowLock failed: %v", err)
	}
	if w.AvailableBalance != 700 || w.EscrowBalance != 300 {
		t.Errorf("After lock: expected 700/300, got %d/%d", w.AvailableBalance, w.EscrowBalance)
	}

	// The unique (checkpoint_id, type) index turns a retry into a duplicate.
	if _, _, err := store.EscrowLock(ctx, "client-1", 300, "cp-1", "proj-1"); !errors.Is(err, ErrDuplicateOperation) {
		t.Errorf("Expected ErrDuplicateOperation, got %v", err)
	}

	rec, err := store.ReleaseEscrow(ctx, ReleaseParams{
		CheckpointID: "cp-1", ProjectID: "proj-1", ClientUserID: "client-1",
		Total: 300, PlatformUserID: "platform", PlatformFee: 30,
		ConsultantUserID: "consultant-1", ConsultantFee: 15,
		FreelancerUserID: "freelancer-1", FreelancerPayout: 255, Currency: "USD",
	})
	if err != nil {
		t.Fatalf("ReleaseEscrow failed: %v", err)
	}
	if rec.SourceWallet.EscrowBalance != 0 {
		t.Errorf("Expected escrow 0 after release, got %d", rec.SourceWallet.EscrowBalance)
	}

	for user, want := range map[string]int64{"platform": 30, "consultant-1": 15, "freelancer-1": 255} {
		got, err := store.GetWallet(ctx, user)
		if err != nil {
			t.Fatalf("GetWallet(%s) failed: %v", user, err)
		}
		if got.AvailableBalance != want {
			t.Errorf("Wallet %s: expected %d, got %d", user, want, got.AvailableBalance)
		}
	}
}

func TestPostgres_EscrowLockInsufficient(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	if _, _, err := store.Deposit(ctx, "client-1", "USD", 200, "pi_short", ""); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if _, _, err := store.EscrowLock(ctx, "client-1", 500, "cp-1", "proj-1"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}
	w, _ := store.GetWallet(ctx, "client-1")
	if w.AvailableBalance != 200 || w.EscrowBalance != 0 {
		t.Errorf("Failed lock changed balances: %d/%d", w.AvailableBalance, w.EscrowBalance)
	}

	if _, _, err := store.EscrowLock(ctx, "nobody", 1, "cp-2", "proj-1"); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("Expected ErrInsufficientFunds for missing wallet, got %v", err)
	}
}

func TestPostgres_RefundEscrow(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	if _, _, err := store.Deposit(ctx, "client-1", "USD", 1000, "pi_ref", ""); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if _, _, err := store.EscrowLock(ctx, "client-1", 300, "cp-1", "proj-1"); err != nil {
		t.Fatalf("EscrowLock failed: %v", err)
	}

	w, _, err := store.RefundEscrow(ctx, "client-1", 300, "cp-1", "proj-1")
	if err != nil {
		t.Fatalf("RefundEscrow failed: %v", err)
	}
	if w.AvailableBalance != 1000 || w.EscrowBalance != 0 {
		t.Errorf("After refund: expected 1000/0, got %d/%d", w.AvailableBalance, w.EscrowBalance)
	}

	if _, _, err := store.RefundEscrow(ctx, "client-1", 300, "cp-1", "proj-1"); !errors.Is(err, ErrDuplicateOperation) {
		t.Errorf("Expected ErrDuplicateOperation, got %v", err)
	}
}

func TestPostgres_ListTransactions(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	for i, ref := range []string{"pi_a", "pi_b", "pi_c"} {
		if _, _, err := store.Deposit(ctx, "client-1", "USD", int64(100*(i+1)), ref, ""); err != nil {
			t.Fatalf("Deposit failed: %v", err)
		}
	}
	w, err := store.GetWallet(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetWallet failed: %v", err)
	}
	if _, _, err := store.EscrowLock(ctx, "client-1", 50, "cp-1", "proj-1"); err != nil {
		t.Fatalf("EscrowLock failed: %v", err)
	}

	txs, err := store.ListTransactions(ctx, w.ID, Filter{Limit: 100})
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(txs) != 4 {
		t.Fatalf("Expected 4 transactions, got %d", len(txs))
	}
	for i := 1; i < len(txs); i++ {
		if txs[i].CreatedAt.After(txs[i-1].CreatedAt) {
			t.Errorf("Transactions not newest-first at index %d", i)
		}
	}

	txs, err = store.ListTransactions(ctx, w.ID, Filter{Type: TypeEscrowLock})
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(txs) != 1 || txs[0].CheckpointID != "cp-1" {
		t.Errorf("Type filter returned wrong rows: %+v", txs)
	}

	txs, err = store.ListTransactions(ctx, w.ID, Filter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(txs) != 2 {
		t.Errorf("Expected page of 2, got %d", len(txs))
	}
}

func TestPostgres_SumTransactionDeltas(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	if _, _, err := store.Deposit(ctx, "client-1", "USD", 1000, "pi_sum", ""); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if _, _, err := store.EscrowLock(ctx, "client-1", 300, "cp-1", "proj-1"); err != nil {
		t.Fatalf("EscrowLock failed: %v", err)
	}
	if _, err := store.ReleaseEscrow(ctx, ReleaseParams{
		CheckpointID: "cp-1", ClientUserID: "client-1", Total: 300,
		PlatformUserID: "platform", PlatformFee: 30,
		FreelancerUserID: "freelancer-1", FreelancerPayout: 270, Currency: "USD",
	}); err != nil {
		t.Fatalf("ReleaseEscrow failed: %v", err)
	}

	w, err := store.GetWallet(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetWallet failed: %v", err)
	}
	avail, escrow, err := store.SumTransactionDeltas(ctx, w.ID)
	if err != nil {
		t.Fatalf("SumTransactionDeltas failed: %v", err)
	}
	if avail != w.AvailableBalance || escrow != w.EscrowBalance {
		t.Errorf("Derived %d/%d disagrees with stored %d/%d", avail, escrow, w.AvailableBalance, w.EscrowBalance)
	}
}

func TestPostgres_CreateWalletDuplicate(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := store.CreateWallet(ctx, "client-1", "USD"); err != nil {
		t.Fatalf("CreateWallet failed: %v", err)
	}
	if _, err := store.CreateWallet(ctx, "client-1", "USD"); !errors.Is(err, ErrWalletExists) {
		t.Errorf("Expected ErrWalletExists, got %v", err)
	}
}
