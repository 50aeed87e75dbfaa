package report

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/ledger"
)

// Aggregator derives reports by replaying ledger snapshots. No report state
// is stored, so two devices that have merged the same entries produce the
// same numbers no matter which sync order got them there.
type Aggregator struct {
	store ledger.Store
}

func NewAggregator(store ledger.Store) *Aggregator {
	return &Aggregator{store: store}
}

// Closing builds the end-of-day report for a window, optionally limited to
// one device's entries. Gross counts every transaction whose logical wall
// time falls in the window; the reversed total subtracts transactions with a
// reversal anywhere in the ledger, even one recorded after the window.
func (a *Aggregator) Closing(ctx context.Context, from, to time.Time, deviceID string) (*domain.ClosingReport, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%w: window end before start", ledger.ErrValidation)
	}

	entries, err := a.store.Read(ctx, ledger.Filter{From: from, To: to, DeviceID: deviceID})
	if err != nil {
		return nil, fmt.Errorf("read window: %w", err)
	}

	report := &domain.ClosingReport{
		From:          from,
		To:            to,
		DeviceID:      deviceID,
		GrossSales:    decimal.Zero,
		ReversedTotal: decimal.Zero,
		NetSales:      decimal.Zero,
		ExpenseTotal:  decimal.Zero,
	}
	byPayment := map[string]*domain.ClosingReportPayment{}

	for _, entry := range entries {
		switch entry.Kind {
		case domain.KindTransaction:
			tx := entry.Transaction
			report.TransactionCount++
			report.GrossSales = report.GrossSales.Add(tx.Total)

			split := byPayment[tx.PaymentMethod]
			if split == nil {
				split = &domain.ClosingReportPayment{PaymentMethod: tx.PaymentMethod, Total: decimal.Zero}
				byPayment[tx.PaymentMethod] = split
			}
			split.Count++
			split.Total = split.Total.Add(tx.Total)

			reversed, err := a.isReversed(ctx, entry.ID)
			if err != nil {
				return nil, err
			}
			if reversed {
				report.ReversalCount++
				report.ReversedTotal = report.ReversedTotal.Add(tx.Total)
			}
		case domain.KindExpense:
			report.ExpenseCount++
			report.ExpenseTotal = report.ExpenseTotal.Add(entry.Expense.Amount)
		}
	}

	report.NetSales = report.GrossSales.Sub(report.ReversedTotal)
	for _, split := range byPayment {
		report.ByPayment = append(report.ByPayment, *split)
	}
	slices.SortFunc(report.ByPayment, func(a, b domain.ClosingReportPayment) int {
		if a.PaymentMethod < b.PaymentMethod {
			return -1
		}
		if a.PaymentMethod > b.PaymentMethod {
			return 1
		}
		return 0
	})
	return report, nil
}

func (a *Aggregator) isReversed(ctx context.Context, transactionID string) (bool, error) {
	_, err := a.store.ReversalOf(ctx, transactionID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ledger.ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("check reversal of %s: %w", transactionID, err)
}

// SupplierHistory replays a supplier's expense entries in ledger order and
// recomputes the running total from scratch on every call.
func (a *Aggregator) SupplierHistory(ctx context.Context, supplierRef string) (*domain.SupplierHistory, error) {
	if supplierRef == "" {
		return nil, fmt.Errorf("%w: missing supplier ref", ledger.ErrValidation)
	}

	entries, err := a.store.Read(ctx, ledger.Filter{
		Kinds:       []domain.EntryKind{domain.KindExpense},
		SupplierRef: supplierRef,
	})
	if err != nil {
		return nil, fmt.Errorf("read expenses: %w", err)
	}

	history := &domain.SupplierHistory{
		SupplierRef: supplierRef,
		Expenses:    make([]domain.SupplierExpense, 0, len(entries)),
		Total:       decimal.Zero,
	}
	for _, entry := range entries {
		history.Total = history.Total.Add(entry.Expense.Amount)
		history.Expenses = append(history.Expenses, domain.SupplierExpense{
			ID:           entry.ID,
			Amount:       entry.Expense.Amount,
			Description:  entry.Expense.Description,
			CreatedAt:    entry.CreatedAt.Wall(),
			RunningTotal: history.Total,
		})
	}
	return history, nil
}
