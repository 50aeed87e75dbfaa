package reversal

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/ledger"
	"dukapos/backend/internal/ledger/memory"
	"dukapos/backend/internal/xid"
)

func newTestEngine(t *testing.T) (*Engine, *memory.Store) {
	t.Helper()
	store := memory.New()
	return NewEngine(store, xid.NewGenerator("dev-test")), store
}

func appendSale(t *testing.T, store *memory.Store, id string) {
	t.Helper()
	amount := decimal.RequireFromString("120.00")
	err := store.Append(context.Background(), domain.Entry{
		ID:        id,
		Kind:      domain.KindTransaction,
		DeviceID:  "dev-test",
		CreatedAt: domain.LogicalTime{WallMillis: 1000},
		Transaction: &domain.Transaction{
			Lines:         []domain.SaleLine{{ProductRef: "sku-bread", Qty: 1, UnitPrice: amount}},
			Total:         amount,
			PaymentMethod: "mpesa",
			CashierRef:    "amina",
		},
	})
	if err != nil {
		t.Fatalf("append sale: %v", err)
	}
}

func TestReverseAppendsRecordAndDerivesStatus(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	appendSale(t, store, "tx-1")

	res, err := engine.Reverse(ctx, "tx-1", "wrong item", domain.Actor{Name: "joseph", Role: "manager"})
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if res.Duplicate {
		t.Fatalf("first reversal flagged duplicate")
	}
	if res.Entry.Kind != domain.KindReversal || res.Entry.Reversal.OriginalTransactionID != "tx-1" {
		t.Fatalf("unexpected reversal entry: %+v", res.Entry)
	}

	// Original untouched, status derived.
	original, err := store.Get(ctx, "tx-1")
	if err != nil {
		t.Fatalf("get original: %v", err)
	}
	if original.Transaction == nil || !original.Transaction.Total.Equal(decimal.RequireFromString("120.00")) {
		t.Fatalf("original mutated: %+v", original)
	}
	view, err := engine.Status(ctx, "tx-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Status != domain.TxStatusReversed || view.ReversalID != res.Entry.ID {
		t.Fatalf("expected reversed status, got %+v", view)
	}
}

func TestReverseIsIdempotent(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	appendSale(t, store, "tx-1")

	first, err := engine.Reverse(ctx, "tx-1", "customer return", domain.Actor{Name: "joseph"})
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	second, err := engine.Reverse(ctx, "tx-1", "customer return", domain.Actor{Name: "joseph"})
	if err != nil {
		t.Fatalf("retry reverse: %v", err)
	}
	if !second.Duplicate || second.Entry.ID != first.Entry.ID {
		t.Fatalf("retry should return existing reversal, got %+v", second)
	}

	entries, _ := store.Read(ctx, ledger.Filter{Kinds: []domain.EntryKind{domain.KindReversal}})
	if len(entries) != 1 {
		t.Fatalf("expected exactly one reversal entry, got %d", len(entries))
	}
}

func TestReverseUnknownTransaction(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Reverse(context.Background(), "tx-missing", "oops", domain.Actor{Name: "joseph"})
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReverseRejectsNonTransaction(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	amount := decimal.RequireFromString("40.00")
	if err := store.Append(ctx, domain.Entry{
		ID:        "exp-1",
		Kind:      domain.KindExpense,
		DeviceID:  "dev-test",
		CreatedAt: domain.LogicalTime{WallMillis: 1000},
		Expense:   &domain.Expense{SupplierRef: "sup-1", Amount: amount, Description: "flour"},
	}); err != nil {
		t.Fatalf("append expense: %v", err)
	}

	if _, err := engine.Reverse(ctx, "exp-1", "oops", domain.Actor{Name: "joseph"}); !errors.Is(err, ledger.ErrValidation) {
		t.Fatalf("expected ErrValidation for expense reversal, got %v", err)
	}
}
