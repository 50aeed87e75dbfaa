package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/ledger"
)

func saleEntry(id, device string, at domain.LogicalTime, total string) domain.Entry {
	amount := decimal.RequireFromString(total)
	return domain.Entry{
		ID:        id,
		Kind:      domain.KindTransaction,
		DeviceID:  device,
		CreatedAt: at,
		Transaction: &domain.Transaction{
			Lines:         []domain.SaleLine{{ProductRef: "sku-milk", Qty: 1, UnitPrice: amount}},
			Total:         amount,
			PaymentMethod: "cash",
			CashierRef:    "amina",
		},
	}
}

func TestAppendDuplicateIsNoOp(t *testing.T) {
	s := New()
	ctx := context.Background()

	entry := saleEntry("dev-a-1", "dev-a", domain.LogicalTime{WallMillis: 1000}, "250.00")
	if err := s.Append(ctx, entry); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := s.Append(ctx, entry); err != nil {
		t.Fatalf("identical re-append should succeed: %v", err)
	}

	entries, err := s.Read(ctx, ledger.Filter{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after duplicate append, got %d", len(entries))
	}
}

func TestAppendConflictingPayloadFails(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Append(ctx, saleEntry("dev-a-1", "dev-a", domain.LogicalTime{WallMillis: 1000}, "250.00")); err != nil {
		t.Fatalf("append: %v", err)
	}
	err := s.Append(ctx, saleEntry("dev-a-1", "dev-a", domain.LogicalTime{WallMillis: 1000}, "300.00"))
	if !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestAppendValidation(t *testing.T) {
	s := New()
	ctx := context.Background()

	bad := saleEntry("dev-a-1", "dev-a", domain.LogicalTime{WallMillis: 1000}, "250.00")
	bad.Transaction.Total = decimal.RequireFromString("99.00")
	if err := s.Append(ctx, bad); !errors.Is(err, ledger.ErrValidation) {
		t.Fatalf("mismatched total should fail validation, got %v", err)
	}

	zeroQty := saleEntry("dev-a-2", "dev-a", domain.LogicalTime{WallMillis: 1001}, "250.00")
	zeroQty.Transaction.Lines[0].Qty = 0
	if err := s.Append(ctx, zeroQty); !errors.Is(err, ledger.ErrValidation) {
		t.Fatalf("zero qty should fail validation, got %v", err)
	}

	expense := domain.Entry{
		ID:       "dev-a-3",
		Kind:     domain.KindExpense,
		DeviceID: "dev-a",
		Expense:  &domain.Expense{SupplierRef: "sup-1", Amount: decimal.Zero},
	}
	if err := s.Append(ctx, expense); !errors.Is(err, ledger.ErrValidation) {
		t.Fatalf("zero expense amount should fail validation, got %v", err)
	}
}

func TestReadDeterministicOrder(t *testing.T) {
	s := New()
	ctx := context.Background()

	// Appended out of order on purpose.
	for _, entry := range []domain.Entry{
		saleEntry("dev-b-9", "dev-b", domain.LogicalTime{WallMillis: 2000}, "10.00"),
		saleEntry("dev-a-1", "dev-a", domain.LogicalTime{WallMillis: 1000, Counter: 1}, "20.00"),
		saleEntry("dev-a-0", "dev-a", domain.LogicalTime{WallMillis: 1000}, "30.00"),
		saleEntry("dev-c-5", "dev-c", domain.LogicalTime{WallMillis: 2000}, "40.00"),
	} {
		if err := s.Append(ctx, entry); err != nil {
			t.Fatalf("append %s: %v", entry.ID, err)
		}
	}

	entries, err := s.Read(ctx, ledger.Filter{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []string{"dev-a-0", "dev-a-1", "dev-b-9", "dev-c-5"}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(entries))
	}
	for i, id := range want {
		if entries[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, entries[i].ID)
		}
	}
}

func TestReadUnackedFilter(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i, id := range []string{"dev-a-1", "dev-a-2", "dev-a-3"} {
		if err := s.Append(ctx, saleEntry(id, "dev-a", domain.LogicalTime{WallMillis: int64(1000 + i)}, "10.00")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.MarkAcked(ctx, "hub", []string{"dev-a-1", "dev-a-2"}); err != nil {
		t.Fatalf("mark acked: %v", err)
	}

	pending, err := s.Read(ctx, ledger.Filter{UnackedBy: "hub"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "dev-a-3" {
		t.Fatalf("expected only dev-a-3 pending, got %+v", pending)
	}
}

func TestPurgeAckedGuardsUnsynced(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i, id := range []string{"dev-a-1", "dev-a-2"} {
		if err := s.Append(ctx, saleEntry(id, "dev-a", domain.LogicalTime{WallMillis: int64(1000 + i)}, "10.00")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.MarkAcked(ctx, "hub", []string{"dev-a-1"}); err != nil {
		t.Fatalf("mark acked: %v", err)
	}

	if _, err := s.PurgeAcked(ctx, "hub", []string{"dev-a-1", "dev-a-2"}, domain.RetentionModeDelete); !errors.Is(err, ledger.ErrUnsynced) {
		t.Fatalf("expected ErrUnsynced for batch with unacked entry, got %v", err)
	}
	// Batch aborted: nothing removed.
	entries, _ := s.Read(ctx, ledger.Filter{})
	if len(entries) != 2 {
		t.Fatalf("failed purge must not remove entries, have %d", len(entries))
	}

	purged, err := s.PurgeAcked(ctx, "hub", []string{"dev-a-1"}, domain.RetentionModeArchive)
	if err != nil {
		t.Fatalf("purge acked: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged, got %d", purged)
	}
	archived, _ := s.ListArchived(ctx, ledger.Filter{})
	if len(archived) != 1 || archived[0].ID != "dev-a-1" {
		t.Fatalf("expected dev-a-1 archived, got %+v", archived)
	}
	if _, err := s.Get(ctx, "dev-a-1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("archived entry should leave the live set, got %v", err)
	}
}

func TestCursorNeverMovesBackwards(t *testing.T) {
	s := New()
	ctx := context.Background()

	newer := domain.SyncCursor{
		PeerID:      "hub",
		LastAckedID: "dev-a-5",
		LastAckedAt: domain.LogicalTime{WallMillis: 5000},
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.SaveCursor(ctx, newer); err != nil {
		t.Fatalf("save cursor: %v", err)
	}

	older := newer
	older.LastAckedID = "dev-a-2"
	older.LastAckedAt = domain.LogicalTime{WallMillis: 2000}
	if err := s.SaveCursor(ctx, older); err != nil {
		t.Fatalf("save older cursor: %v", err)
	}

	cursor, err := s.Cursor(ctx, "hub")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor.LastAckedID != "dev-a-5" || cursor.LastAckedAt.WallMillis != 5000 {
		t.Fatalf("cursor regressed: %+v", cursor)
	}
}
