package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/ledger"
	"dukapos/backend/internal/report"
	"dukapos/backend/internal/retention"
	"dukapos/backend/internal/reversal"
	"dukapos/backend/internal/syncer"
	"dukapos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Service is the facade the HTTP layer talks to. It owns validation, role
// checks and the audit trail; ledger semantics live in the engines it wraps.
type Service struct {
	store     ledger.Store
	ids       *xid.Generator
	reversals *reversal.Engine
	sync      *syncer.Engine
	reports   *report.Aggregator
	retention *retention.Manager
}

func New(store ledger.Store, ids *xid.Generator, reversals *reversal.Engine, sync *syncer.Engine, reports *report.Aggregator, keeper *retention.Manager) *Service {
	return &Service{
		store:     store,
		ids:       ids,
		reversals: reversals,
		sync:      sync,
		reports:   reports,
		retention: keeper,
	}
}

func (s *Service) SubmitSale(ctx context.Context, req domain.SaleRequest) (*domain.Entry, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authenticated cashier required")
	}
	if len(req.Lines) == 0 {
		return nil, fmt.Errorf("%w: sale has no lines", ledger.ErrValidation)
	}

	cashier := strings.TrimSpace(req.CashierRef)
	if cashier == "" {
		cashier = actor.Name
	}

	total := req.Lines[0].UnitPrice.Mul(intDec(req.Lines[0].Qty))
	for _, line := range req.Lines[1:] {
		total = total.Add(line.UnitPrice.Mul(intDec(line.Qty)))
	}

	id, at := s.ids.Next()
	entry := domain.Entry{
		ID:        id,
		Kind:      domain.KindTransaction,
		DeviceID:  s.ids.DeviceID(),
		CreatedAt: at,
		Transaction: &domain.Transaction{
			Lines:         req.Lines,
			Total:         total,
			PaymentMethod: strings.TrimSpace(req.PaymentMethod),
			CashierRef:    cashier,
		},
	}
	if entry.Transaction.PaymentMethod == "" {
		entry.Transaction.PaymentMethod = "cash"
	}
	if err := s.store.Append(ctx, entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (*domain.TransactionView, error) {
	return s.reversals.Status(ctx, id)
}

func (s *Service) ListEntries(ctx context.Context, filter ledger.Filter) ([]domain.Entry, error) {
	return s.store.Read(ctx, filter)
}

func (s *Service) RequestReversal(ctx context.Context, req domain.ReversalRequest) (*domain.ReversalResponse, error) {
	actor, err := s.requireRole(ctx, "manager")
	if err != nil {
		return nil, err
	}

	res, rerr := s.reversals.Reverse(ctx, req.TransactionID, strings.TrimSpace(req.Reason), actor)
	if rerr != nil {
		return nil, rerr
	}
	if !res.Duplicate {
		s.logAudit(ctx, "transaction.reverse", req.TransactionID, "reason="+req.Reason)
	}
	return &domain.ReversalResponse{Entry: res.Entry, Duplicate: res.Duplicate}, nil
}

func (s *Service) RecordExpense(ctx context.Context, req domain.ExpenseRequest) (*domain.Entry, error) {
	if _, ok := ActorFromContext(ctx); !ok {
		return nil, fmt.Errorf("authenticated cashier required")
	}

	id, at := s.ids.Next()
	entry := domain.Entry{
		ID:        id,
		Kind:      domain.KindExpense,
		DeviceID:  s.ids.DeviceID(),
		CreatedAt: at,
		Expense: &domain.Expense{
			SupplierRef: strings.TrimSpace(req.SupplierRef),
			Amount:      req.Amount,
			Description: strings.TrimSpace(req.Description),
		},
	}
	if err := s.store.Append(ctx, entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Service) SyncNow(ctx context.Context, peerID string) error {
	if peerID != "" {
		return s.sync.SyncPeer(ctx, peerID)
	}
	return s.sync.SyncAll(ctx)
}

func (s *Service) RequestFullSync(ctx context.Context, peerID string) (*domain.FullSyncToken, error) {
	actor, err := s.requireRole(ctx, "manager")
	if err != nil {
		return nil, err
	}
	return s.sync.RequestFullSync(ctx, peerID, actor)
}

func (s *Service) ConfirmFullSync(ctx context.Context, token string) error {
	if _, err := s.requireRole(ctx, "manager"); err != nil {
		return err
	}
	if err := s.sync.ConfirmFullSync(ctx, token); err != nil {
		return err
	}
	s.logAudit(ctx, "sync.full", token, "")
	return nil
}

func (s *Service) ListConnectedDevices(ctx context.Context) ([]domain.DeviceStatus, error) {
	return s.sync.ConnectedDevices(ctx)
}

func (s *Service) ClosingReport(ctx context.Context, from, to time.Time, deviceID string) (*domain.ClosingReport, error) {
	return s.reports.Closing(ctx, from, to, deviceID)
}

func (s *Service) SupplierHistory(ctx context.Context, supplierRef string) (*domain.SupplierHistory, error) {
	return s.reports.SupplierHistory(ctx, supplierRef)
}

func (s *Service) FindReceiptsToDelete(ctx context.Context, from, to time.Time) (*domain.RetentionCandidates, error) {
	if _, err := s.requireRole(ctx, "manager"); err != nil {
		return nil, err
	}
	return s.retention.FindCandidates(ctx, from, to)
}

func (s *Service) ConfirmDeleteReceipts(ctx context.Context, ids []string, mode string) (int, error) {
	actor, err := s.requireRole(ctx, "manager")
	if err != nil {
		return 0, err
	}
	return s.retention.Confirm(ctx, ids, mode, actor)
}

func (s *Service) ListAuditLogs(ctx context.Context, from, to time.Time, limit int) ([]domain.AuditLog, error) {
	if _, err := s.requireRole(ctx, "manager"); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListAuditLogs(ctx, from, to, limit)
}

// PullEntries serves a peer's incremental fetch.
func (s *Service) PullEntries(ctx context.Context, after domain.LogicalTime, limit int) ([]domain.Entry, error) {
	return s.store.Read(ctx, ledger.Filter{After: after, Limit: limit})
}

// AcceptEntries union-merges a batch pushed by a peer and returns the ids
// that were stored (or already present). Accepted entries are marked as
// acknowledged by the pushing device so they are never echoed back.
func (s *Service) AcceptEntries(ctx context.Context, deviceID string, entries []domain.Entry) ([]string, error) {
	accepted := make([]string, 0, len(entries))
	for _, entry := range entries {
		err := s.store.Append(ctx, entry)
		switch {
		case err == nil:
			accepted = append(accepted, entry.ID)
		case errors.Is(err, ledger.ErrConflict), errors.Is(err, ledger.ErrValidation):
			log.Printf("[service] rejected pushed entry %s from %s: %v", entry.ID, deviceID, err)
		default:
			return nil, err
		}
	}
	if deviceID != "" && len(accepted) > 0 {
		if err := s.store.MarkAcked(ctx, deviceID, accepted); err != nil {
			return nil, err
		}
	}
	return accepted, nil
}

// SyncSnapshot reports this device's backlog past a watermark plus the
// devices whose entries it carries.
func (s *Service) SyncSnapshot(ctx context.Context, after domain.LogicalTime) (int, []domain.DeviceStatus, error) {
	entries, err := s.store.Read(ctx, ledger.Filter{After: after})
	if err != nil {
		return 0, nil, err
	}
	seen := map[string]domain.DeviceStatus{}
	for _, entry := range entries {
		status := seen[entry.DeviceID]
		status.DeviceID = entry.DeviceID
		if wall := entry.CreatedAt.Wall(); wall.After(status.LastSeen) {
			status.LastSeen = wall
		}
		seen[entry.DeviceID] = status
	}
	devices := make([]domain.DeviceStatus, 0, len(seen))
	for _, status := range seen {
		devices = append(devices, status)
	}
	return len(entries), devices, nil
}

func (s *Service) DeviceID() string {
	return s.ids.DeviceID()
}

func (s *Service) requireRole(ctx context.Context, role string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, fmt.Errorf("authenticated cashier required")
	}
	if actor.Role != role {
		return domain.Actor{}, fmt.Errorf("%s role required", role)
	}
	return actor, nil
}

func (s *Service) logAudit(ctx context.Context, action, entityID, detail string) {
	actor, _ := ActorFromContext(ctx)
	err := s.store.CreateAuditLog(ctx, domain.AuditLog{
		ActorName: actor.Name,
		ActorRole: actor.Role,
		Action:    action,
		EntityID:  entityID,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[service] WARN: failed to write audit log action=%s: %v", action, err)
	}
}

func intDec(n int) decimal.Decimal {
	return decimal.NewFromInt(int64(n))
}
