package report

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/ledger/memory"
)

func saleEntry(id, device string, millis int64, total, payment string) domain.Entry {
	amount := decimal.RequireFromString(total)
	return domain.Entry{
		ID:        id,
		Kind:      domain.KindTransaction,
		DeviceID:  device,
		CreatedAt: domain.LogicalTime{WallMillis: millis},
		Transaction: &domain.Transaction{
			Lines:         []domain.SaleLine{{ProductRef: "sku-rice", Qty: 1, UnitPrice: amount}},
			Total:         amount,
			PaymentMethod: payment,
			CashierRef:    "amina",
		},
	}
}

func reversalEntry(id, device string, millis int64, originalID string) domain.Entry {
	return domain.Entry{
		ID:        id,
		Kind:      domain.KindReversal,
		DeviceID:  device,
		CreatedAt: domain.LogicalTime{WallMillis: millis},
		Reversal:  &domain.ReversalRecord{OriginalTransactionID: originalID, Reason: "return", ReversedBy: "joseph"},
	}
}

func expenseEntry(id, device string, millis int64, supplier, amount, note string) domain.Entry {
	return domain.Entry{
		ID:        id,
		Kind:      domain.KindExpense,
		DeviceID:  device,
		CreatedAt: domain.LogicalTime{WallMillis: millis},
		Expense:   &domain.Expense{SupplierRef: supplier, Amount: decimal.RequireFromString(amount), Description: note},
	}
}

func window() (time.Time, time.Time) {
	return time.UnixMilli(0).UTC(), time.UnixMilli(100_000).UTC()
}

func TestClosingReversedSaleNetsToZero(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	agg := NewAggregator(store)

	// One sale of 250.00, later reversed the same day.
	for _, entry := range []domain.Entry{
		saleEntry("dev-a-1", "dev-a", 1000, "250.00", "cash"),
		reversalEntry("dev-a-2", "dev-a", 5000, "dev-a-1"),
	} {
		if err := store.Append(ctx, entry); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	from, to := window()
	report, err := agg.Closing(ctx, from, to, "")
	if err != nil {
		t.Fatalf("closing: %v", err)
	}
	if !report.GrossSales.Equal(decimal.RequireFromString("250.00")) {
		t.Fatalf("gross = %s, want 250.00", report.GrossSales)
	}
	if !report.ReversedTotal.Equal(decimal.RequireFromString("250.00")) {
		t.Fatalf("reversed = %s, want 250.00", report.ReversedTotal)
	}
	if !report.NetSales.IsZero() {
		t.Fatalf("net = %s, want 0", report.NetSales)
	}
	if report.TransactionCount != 1 || report.ReversalCount != 1 {
		t.Fatalf("counts = %d/%d, want 1/1", report.TransactionCount, report.ReversalCount)
	}
}

func TestClosingSplitsByPaymentAndSumsExpenses(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	agg := NewAggregator(store)

	for _, entry := range []domain.Entry{
		saleEntry("dev-a-1", "dev-a", 1000, "100.00", "cash"),
		saleEntry("dev-a-2", "dev-a", 2000, "60.50", "mpesa"),
		saleEntry("dev-b-1", "dev-b", 3000, "39.50", "mpesa"),
		expenseEntry("dev-a-3", "dev-a", 4000, "sup-flour", "45.00", "flour delivery"),
	} {
		if err := store.Append(ctx, entry); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	from, to := window()
	report, err := agg.Closing(ctx, from, to, "")
	if err != nil {
		t.Fatalf("closing: %v", err)
	}
	if !report.GrossSales.Equal(decimal.RequireFromString("200.00")) {
		t.Fatalf("gross = %s, want 200.00", report.GrossSales)
	}
	if !report.ExpenseTotal.Equal(decimal.RequireFromString("45.00")) {
		t.Fatalf("expense total = %s, want 45.00", report.ExpenseTotal)
	}
	if len(report.ByPayment) != 2 {
		t.Fatalf("expected 2 payment splits, got %+v", report.ByPayment)
	}
	if report.ByPayment[0].PaymentMethod != "cash" || report.ByPayment[0].Count != 1 {
		t.Fatalf("cash split wrong: %+v", report.ByPayment[0])
	}
	if report.ByPayment[1].PaymentMethod != "mpesa" || !report.ByPayment[1].Total.Equal(decimal.RequireFromString("100.00")) {
		t.Fatalf("mpesa split wrong: %+v", report.ByPayment[1])
	}

	// Device filter keeps only dev-b's sale.
	deviceReport, err := agg.Closing(ctx, from, to, "dev-b")
	if err != nil {
		t.Fatalf("device closing: %v", err)
	}
	if !deviceReport.GrossSales.Equal(decimal.RequireFromString("39.50")) {
		t.Fatalf("device gross = %s, want 39.50", deviceReport.GrossSales)
	}
}

func TestClosingIsSyncOrderInvariant(t *testing.T) {
	ctx := context.Background()
	from, to := window()

	entriesA := []domain.Entry{
		saleEntry("dev-a-1", "dev-a", 1000, "80.00", "cash"),
		reversalEntry("dev-a-2", "dev-a", 6000, "dev-b-1"),
	}
	entriesB := []domain.Entry{
		saleEntry("dev-b-1", "dev-b", 2000, "120.00", "mpesa"),
		expenseEntry("dev-b-2", "dev-b", 3000, "sup-milk", "25.00", "milk crates"),
	}

	build := func(first, second []domain.Entry) *domain.ClosingReport {
		store := memory.New()
		for _, entry := range append(append([]domain.Entry{}, first...), second...) {
			if err := store.Append(ctx, entry); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		report, err := NewAggregator(store).Closing(ctx, from, to, "")
		if err != nil {
			t.Fatalf("closing: %v", err)
		}
		return report
	}

	ab := build(entriesA, entriesB)
	ba := build(entriesB, entriesA)
	if !ab.NetSales.Equal(ba.NetSales) || !ab.GrossSales.Equal(ba.GrossSales) || !ab.ReversedTotal.Equal(ba.ReversedTotal) {
		t.Fatalf("report depends on merge order: %+v vs %+v", ab, ba)
	}
	if !ab.NetSales.Equal(decimal.RequireFromString("80.00")) {
		t.Fatalf("net = %s, want 80.00", ab.NetSales)
	}
}

func TestSupplierHistoryRunningTotal(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	agg := NewAggregator(store)

	for _, entry := range []domain.Entry{
		expenseEntry("dev-a-1", "dev-a", 1000, "sup-flour", "45.00", "flour"),
		expenseEntry("dev-b-1", "dev-b", 2000, "sup-flour", "30.00", "yeast"),
		expenseEntry("dev-a-2", "dev-a", 3000, "sup-milk", "99.00", "milk"),
	} {
		if err := store.Append(ctx, entry); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	history, err := agg.SupplierHistory(ctx, "sup-flour")
	if err != nil {
		t.Fatalf("supplier history: %v", err)
	}
	if len(history.Expenses) != 2 {
		t.Fatalf("expected 2 expenses, got %d", len(history.Expenses))
	}
	if !history.Expenses[0].RunningTotal.Equal(decimal.RequireFromString("45.00")) {
		t.Fatalf("first running total = %s, want 45.00", history.Expenses[0].RunningTotal)
	}
	if !history.Expenses[1].RunningTotal.Equal(decimal.RequireFromString("75.00")) {
		t.Fatalf("second running total = %s, want 75.00", history.Expenses[1].RunningTotal)
	}
	if !history.Total.Equal(decimal.RequireFromString("75.00")) {
		t.Fatalf("total = %s, want 75.00", history.Total)
	}
}
