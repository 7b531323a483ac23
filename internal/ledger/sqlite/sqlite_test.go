package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/bananafyi/tokens/internal/ledger"
	"github.com/bananafyi/tokens/internal/ledger/ledgertest"
	"github.com/bananafyi/tokens/pkg/models"
	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestSQLiteStore(t *testing.T) {
	ledgertest.RunStoreSuite(t, func(t *testing.T) ledger.Store {
		return newTestStore(t)
	})
}

func TestReopenKeepsLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")
	ctx := context.Background()

	store, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	acct, err := store.GetOrCreateAccount(ctx, "user_reopen")
	if err != nil {
		t.Fatalf("GetOrCreateAccount: %v", err)
	}
	if err := store.InsertPurchase(ctx, &models.PurchaseRecord{
		AccountID:       acct.ID,
		PackType:        models.PackPro,
		TokensAmount:    6000,
		AmountPaid:      1999,
		Currency:        "usd",
		StripeSessionID: "cs_reopen",
	}); err != nil {
		t.Fatalf("InsertPurchase: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	again, err := store.GetOrCreateAccount(ctx, "user_reopen")
	if err != nil {
		t.Fatalf("GetOrCreateAccount: %v", err)
	}
	if again.ID != acct.ID {
		t.Fatalf("expected account %s after reopen, got %s", acct.ID, again.ID)
	}
	total, err := store.SumCompletedPurchases(ctx, acct.ID)
	if err != nil {
		t.Fatalf("SumCompletedPurchases: %v", err)
	}
	if total != 6000 {
		t.Fatalf("expected 6000 purchased tokens, got %d", total)
	}
}

func TestInsertPurchaseUnknownAccount(t *testing.T) {
	store := newTestStore(t)
	t.Cleanup(func() { _ = store.Close() })

	err := store.InsertPurchase(context.Background(), &models.PurchaseRecord{
		AccountID:       uuid.New(),
		PackType:        models.PackStarter,
		TokensAmount:    1000,
		StripeSessionID: "cs_orphan",
	})
	if err == nil {
		t.Fatal("expected error for unknown account")
	}
	if ledger.IsConstraintViolation(err, ledger.ConstraintPurchaseSession) {
		t.Fatalf("foreign key failure reported as duplicate session: %v", err)
	}
}
