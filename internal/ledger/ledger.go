package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"dukapos/backend/internal/domain"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("invalid entry")
	ErrConflict        = errors.New("conflicting entry payload")
	ErrAlreadyReversed = errors.New("transaction already reversed")
	ErrUnsynced        = errors.New("entry not yet synchronized")
	ErrTokenExpired    = errors.New("confirmation token expired or unknown")
)

// Filter narrows a Read. Zero values mean "no constraint". From/To bound the
// wall component of the logical timestamp, closed on both ends.
type Filter struct {
	From        time.Time
	To          time.Time
	Kinds       []domain.EntryKind
	DeviceID    string
	SupplierRef string
	After       domain.LogicalTime
	UnackedBy   string
	Limit       int
}

// Store is the append-only ledger. Implementations serialize all mutation
// behind a single logical writer; reads observe complete snapshots.
type Store interface {
	// Append validates and persists an entry. Re-appending an identical
	// entry succeeds as a no-op; a differing payload under an existing id
	// fails with ErrConflict.
	Append(ctx context.Context, entry domain.Entry) error
	Get(ctx context.Context, id string) (*domain.Entry, error)
	// Read returns entries matching the filter in deterministic order:
	// logical timestamp ascending, then id.
	Read(ctx context.Context, filter Filter) ([]domain.Entry, error)
	// ReversalOf returns the earliest reversal entry targeting the given
	// transaction id, or ErrNotFound.
	ReversalOf(ctx context.Context, transactionID string) (*domain.Entry, error)

	// MarkAcked records that the peer acknowledged the given entry ids.
	MarkAcked(ctx context.Context, peerID string, ids []string) error
	AckedBy(ctx context.Context, peerID string, ids []string) (map[string]bool, error)
	Cursor(ctx context.Context, peerID string) (*domain.SyncCursor, error)
	SaveCursor(ctx context.Context, cursor domain.SyncCursor) error

	// PurgeAcked archives or deletes the given entries after re-checking,
	// under the store's write lock, that every one of them is acknowledged
	// by the authority peer. The first unacked id aborts the whole batch
	// with ErrUnsynced.
	PurgeAcked(ctx context.Context, authorityPeer string, ids []string, mode string) (int, error)
	ListArchived(ctx context.Context, filter Filter) ([]domain.Entry, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateCashier(ctx context.Context, account domain.CashierAccount) error
	ListCashiers(ctx context.Context) ([]domain.CashierAccount, error)
	UpdateCashierPIN(ctx context.Context, name string, pin string) error
}

// Validate checks the structural invariants every implementation enforces
// before persisting: kind matches payload, amounts are positive, and a
// transaction total reconciles with its lines.
func Validate(entry domain.Entry) error {
	if entry.ID == "" {
		return fmt.Errorf("%w: missing id", ErrValidation)
	}
	if entry.DeviceID == "" {
		return fmt.Errorf("%w: missing device id", ErrValidation)
	}
	switch entry.Kind {
	case domain.KindTransaction:
		tx := entry.Transaction
		if tx == nil || entry.Reversal != nil || entry.Expense != nil {
			return fmt.Errorf("%w: transaction entry needs exactly a transaction payload", ErrValidation)
		}
		if len(tx.Lines) == 0 {
			return fmt.Errorf("%w: transaction has no lines", ErrValidation)
		}
		sum := decimal.Zero
		for i, line := range tx.Lines {
			if line.ProductRef == "" {
				return fmt.Errorf("%w: line %d missing product ref", ErrValidation, i)
			}
			if line.Qty <= 0 {
				return fmt.Errorf("%w: line %d qty must be positive", ErrValidation, i)
			}
			if line.UnitPrice.IsNegative() {
				return fmt.Errorf("%w: line %d unit price is negative", ErrValidation, i)
			}
			sum = sum.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Qty))))
		}
		if !sum.Equal(tx.Total) {
			return fmt.Errorf("%w: total %s does not match line sum %s", ErrValidation, tx.Total, sum)
		}
	case domain.KindReversal:
		rev := entry.Reversal
		if rev == nil || entry.Transaction != nil || entry.Expense != nil {
			return fmt.Errorf("%w: reversal entry needs exactly a reversal payload", ErrValidation)
		}
		if rev.OriginalTransactionID == "" {
			return fmt.Errorf("%w: reversal missing original transaction id", ErrValidation)
		}
		if rev.OriginalTransactionID == entry.ID {
			return fmt.Errorf("%w: reversal cannot target itself", ErrValidation)
		}
	case domain.KindExpense:
		exp := entry.Expense
		if exp == nil || entry.Transaction != nil || entry.Reversal != nil {
			return fmt.Errorf("%w: expense entry needs exactly an expense payload", ErrValidation)
		}
		if exp.SupplierRef == "" {
			return fmt.Errorf("%w: expense missing supplier ref", ErrValidation)
		}
		if !exp.Amount.IsPositive() {
			return fmt.Errorf("%w: expense amount must be positive", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, entry.Kind)
	}
	return nil
}

// Matches reports whether an entry satisfies a filter, shared by the memory
// store and by in-process snapshots held outside a store.
func Matches(entry domain.Entry, filter Filter) bool {
	wall := entry.CreatedAt.Wall()
	if !filter.From.IsZero() && wall.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && wall.After(filter.To) {
		return false
	}
	if filter.DeviceID != "" && entry.DeviceID != filter.DeviceID {
		return false
	}
	if filter.SupplierRef != "" {
		if entry.Expense == nil || entry.Expense.SupplierRef != filter.SupplierRef {
			return false
		}
	}
	if !filter.After.IsZero() && entry.CreatedAt.Compare(filter.After) <= 0 {
		return false
	}
	if len(filter.Kinds) > 0 {
		found := false
		for _, kind := range filter.Kinds {
			if entry.Kind == kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Less is the canonical entry order: logical timestamp, then id.
func Less(a, b domain.Entry) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	if a.ID < b.ID {
		return -1
	}
	if a.ID > b.ID {
		return 1
	}
	return 0
}
