package reversal

import (
	"context"
	"errors"
	"fmt"
	"log"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/ledger"
	"dukapos/backend/internal/xid"
)

// Engine appends compensating reversal entries. Originals are never touched;
// a transaction reads as reversed because a reversal entry pointing at it
// exists.
type Engine struct {
	store ledger.Store
	ids   *xid.Generator
}

func NewEngine(store ledger.Store, ids *xid.Generator) *Engine {
	return &Engine{store: store, ids: ids}
}

type Result struct {
	Entry domain.Entry
	// Duplicate is set when the transaction was already reversed and the
	// existing reversal is returned instead of a new one.
	Duplicate bool
}

func (e *Engine) Reverse(ctx context.Context, transactionID string, reason string, actor domain.Actor) (*Result, error) {
	if transactionID == "" {
		return nil, fmt.Errorf("%w: missing transaction id", ledger.ErrValidation)
	}
	if reason == "" {
		return nil, fmt.Errorf("%w: missing reversal reason", ledger.ErrValidation)
	}

	original, err := e.store.Get(ctx, transactionID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: transaction %s", ledger.ErrNotFound, transactionID)
		}
		return nil, fmt.Errorf("load transaction: %w", err)
	}
	if original.Kind != domain.KindTransaction {
		return nil, fmt.Errorf("%w: entry %s is a %s, only transactions can be reversed", ledger.ErrValidation, transactionID, original.Kind)
	}

	if existing, err := e.store.ReversalOf(ctx, transactionID); err == nil {
		return &Result{Entry: *existing, Duplicate: true}, nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("check existing reversal: %w", err)
	}

	id, at := e.ids.Next()
	entry := domain.Entry{
		ID:        id,
		Kind:      domain.KindReversal,
		DeviceID:  e.ids.DeviceID(),
		CreatedAt: at,
		Reversal: &domain.ReversalRecord{
			OriginalTransactionID: transactionID,
			Reason:                reason,
			ReversedBy:            actor.Name,
		},
	}
	if err := e.store.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("append reversal: %w", err)
	}

	log.Printf("[reversal] transaction %s reversed by %s: %s", transactionID, actor.Name, reason)
	return &Result{Entry: entry}, nil
}

// Status derives a transaction's lifecycle state from the ledger.
func (e *Engine) Status(ctx context.Context, transactionID string) (*domain.TransactionView, error) {
	entry, err := e.store.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if entry.Kind != domain.KindTransaction {
		return nil, fmt.Errorf("%w: entry %s is not a transaction", ledger.ErrValidation, transactionID)
	}

	view := &domain.TransactionView{Entry: *entry, Status: domain.TxStatusCompleted}
	rev, err := e.store.ReversalOf(ctx, transactionID)
	switch {
	case err == nil:
		view.Status = domain.TxStatusReversed
		view.ReversalID = rev.ID
	case errors.Is(err, ledger.ErrNotFound):
	default:
		return nil, fmt.Errorf("check reversal: %w", err)
	}
	return view, nil
}
