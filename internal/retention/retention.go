package retention

import (
	"context"
	"fmt"
	"log"
	"time"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/ledger"
)

// Manager purges old entries in two steps: FindCandidates shows the operator
// what would go, Confirm purges exactly those ids. Between the two steps the
// ledger may change; Confirm re-checks the sync guard inside the store's
// write lock, so an entry can never slip out before the authority peer has
// acknowledged it.
type Manager struct {
	store         ledger.Store
	authorityPeer string
}

func NewManager(store ledger.Store, authorityPeer string) *Manager {
	return &Manager{store: store, authorityPeer: authorityPeer}
}

// FindCandidates lists entries in the date range that the sync guard would
// currently allow to purge, plus nothing else. Unsynced entries in the range
// are excluded rather than failing the lookup; Confirm is where a stale
// selection fails hard.
func (m *Manager) FindCandidates(ctx context.Context, from, to time.Time) (*domain.RetentionCandidates, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%w: range end before start", ledger.ErrValidation)
	}

	entries, err := m.store.Read(ctx, ledger.Filter{From: from, To: to})
	if err != nil {
		return nil, fmt.Errorf("read range: %w", err)
	}

	ids := make([]string, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
	}
	acked, err := m.store.AckedBy(ctx, m.authorityPeer, ids)
	if err != nil {
		return nil, fmt.Errorf("check acks: %w", err)
	}

	candidates := &domain.RetentionCandidates{From: from, To: to}
	skipped := 0
	for _, entry := range entries {
		if !acked[entry.ID] {
			skipped++
			continue
		}
		candidates.Entries = append(candidates.Entries, entry)
	}
	if skipped > 0 {
		log.Printf("[retention] %d entries in range still unsynced with %s, excluded from candidates", skipped, m.authorityPeer)
	}
	return candidates, nil
}

// Confirm purges the given ids. Mode is archive (move to cold storage) or
// delete. Any entry no longer acknowledged fails the whole batch with
// ErrUnsynced and nothing is purged.
func (m *Manager) Confirm(ctx context.Context, ids []string, mode string, actor domain.Actor) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	purged, err := m.store.PurgeAcked(ctx, m.authorityPeer, ids, mode)
	if err != nil {
		return 0, err
	}

	audit := domain.AuditLog{
		ActorName: actor.Name,
		ActorRole: actor.Role,
		Action:    "retention." + mode,
		Detail:    fmt.Sprintf("purged %d of %d selected entries", purged, len(ids)),
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateAuditLog(ctx, audit); err != nil {
		log.Printf("[retention] audit log failed: %v", err)
	}
	log.Printf("[retention] %s purged %d entries (%s)", actor.Name, purged, mode)
	return purged, nil
}
