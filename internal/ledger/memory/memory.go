package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/ledger"
	"dukapos/backend/internal/xid"
)

type Store struct {
	mu            sync.RWMutex
	entriesByID   map[string]domain.Entry
	archivedByID  map[string]domain.Entry
	ackedByPeer   map[string]map[string]bool
	cursorsByPeer map[string]domain.SyncCursor
	auditLogs     []domain.AuditLog
	accountsByKey map[string]domain.CashierAccount
}

func New() *Store {
	return &Store{
		entriesByID:   make(map[string]domain.Entry),
		archivedByID:  make(map[string]domain.Entry),
		ackedByPeer:   make(map[string]map[string]bool),
		cursorsByPeer: make(map[string]domain.SyncCursor),
		auditLogs:     make([]domain.AuditLog, 0, 128),
		accountsByKey: make(map[string]domain.CashierAccount),
	}
}

// NewSeeded is New plus dev/demo cashier accounts. PINs come from
// SEED_MANAGER_PIN and SEED_CASHIER_PIN; hardcoded defaults are used with a
// warning when unset. Postgres deployments never take this path.
func NewSeeded() *Store {
	s := New()
	managerPIN := envOr("SEED_MANAGER_PIN", "1234")
	cashierPIN := envOr("SEED_CASHIER_PIN", "5678")
	if os.Getenv("SEED_MANAGER_PIN") == "" || os.Getenv("SEED_CASHIER_PIN") == "" {
		log.Println("[memory-ledger] WARNING: using default dev PINs. Set SEED_MANAGER_PIN and SEED_CASHIER_PIN to override.")
	}

	now := time.Now().UTC()
	for _, acct := range []struct {
		name string
		pin  string
		role string
	}{
		{"manager", managerPIN, "manager"},
		{"cashier", cashierPIN, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(acct.pin), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-ledger] failed to hash seed PIN for %s: %v", acct.name, err)
		}
		s.accountsByKey[acct.name] = domain.CashierAccount{
			Name:      acct.name,
			PIN:       string(hash),
			Role:      acct.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) Append(_ context.Context, entry domain.Entry) error {
	if err := ledger.Validate(entry); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entriesByID[entry.ID]; ok {
		if existing.Equal(entry) {
			return nil
		}
		return fmt.Errorf("%w: id %s", ledger.ErrConflict, entry.ID)
	}
	if existing, ok := s.archivedByID[entry.ID]; ok {
		if existing.Equal(entry) {
			return nil
		}
		return fmt.Errorf("%w: id %s", ledger.ErrConflict, entry.ID)
	}
	s.entriesByID[entry.ID] = entry.Clone()
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*domain.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entriesByID[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	dup := entry.Clone()
	return &dup, nil
}

func (s *Store) Read(_ context.Context, filter ledger.Filter) ([]domain.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.entriesByID, filter), nil
}

func (s *Store) ListArchived(_ context.Context, filter ledger.Filter) ([]domain.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.archivedByID, filter), nil
}

func (s *Store) collectLocked(from map[string]domain.Entry, filter ledger.Filter) []domain.Entry {
	var acked map[string]bool
	if filter.UnackedBy != "" {
		acked = s.ackedByPeer[filter.UnackedBy]
	}

	entries := make([]domain.Entry, 0, len(from))
	for _, entry := range from {
		if !ledger.Matches(entry, filter) {
			continue
		}
		if filter.UnackedBy != "" && acked[entry.ID] {
			continue
		}
		entries = append(entries, entry.Clone())
	}
	slices.SortFunc(entries, ledger.Less)
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries
}

func (s *Store) ReversalOf(_ context.Context, transactionID string) (*domain.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.reversalOfLocked(transactionID)
	if !ok {
		return nil, ledger.ErrNotFound
	}
	dup := entry.Clone()
	return &dup, nil
}

// reversalOfLocked scans both live and archived entries so a reversal whose
// original moved to cold storage still counts. Ties go to the earliest
// reversal by logical time, then id.
func (s *Store) reversalOfLocked(transactionID string) (domain.Entry, bool) {
	var best domain.Entry
	found := false
	for _, pool := range []map[string]domain.Entry{s.entriesByID, s.archivedByID} {
		for _, entry := range pool {
			if entry.Kind != domain.KindReversal || entry.Reversal.OriginalTransactionID != transactionID {
				continue
			}
			if !found || ledger.Less(entry, best) < 0 {
				best = entry
				found = true
			}
		}
	}
	return best, found
}

func (s *Store) MarkAcked(_ context.Context, peerID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acked := s.ackedByPeer[peerID]
	if acked == nil {
		acked = make(map[string]bool)
		s.ackedByPeer[peerID] = acked
	}
	for _, id := range ids {
		acked[id] = true
	}
	return nil
}

func (s *Store) AckedBy(_ context.Context, peerID string, ids []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acked := s.ackedByPeer[peerID]
	result := make(map[string]bool, len(ids))
	for _, id := range ids {
		result[id] = acked[id]
	}
	return result, nil
}

func (s *Store) Cursor(_ context.Context, peerID string) (*domain.SyncCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cursor, ok := s.cursorsByPeer[peerID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	dup := cursor
	return &dup, nil
}

func (s *Store) SaveCursor(_ context.Context, cursor domain.SyncCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.cursorsByPeer[cursor.PeerID]
	if ok {
		// Watermarks never move backwards.
		if cursor.LastAckedAt.Compare(existing.LastAckedAt) < 0 {
			cursor.LastAckedAt = existing.LastAckedAt
			cursor.LastAckedID = existing.LastAckedID
		}
		if cursor.PulledThrough.Compare(existing.PulledThrough) < 0 {
			cursor.PulledThrough = existing.PulledThrough
		}
	}
	s.cursorsByPeer[cursor.PeerID] = cursor
	return nil
}

func (s *Store) PurgeAcked(_ context.Context, authorityPeer string, ids []string, mode string) (int, error) {
	if mode != domain.RetentionModeArchive && mode != domain.RetentionModeDelete {
		return 0, fmt.Errorf("%w: unknown retention mode %q", ledger.ErrValidation, mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acked := s.ackedByPeer[authorityPeer]
	for _, id := range ids {
		if _, ok := s.entriesByID[id]; !ok {
			continue
		}
		if !acked[id] {
			return 0, fmt.Errorf("%w: entry %s not acknowledged by %s", ledger.ErrUnsynced, id, authorityPeer)
		}
	}

	purged := 0
	for _, id := range ids {
		entry, ok := s.entriesByID[id]
		if !ok {
			continue
		}
		delete(s.entriesByID, id)
		if mode == domain.RetentionModeArchive {
			s.archivedByID[id] = entry
		}
		purged++
	}
	return purged, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, len(s.auditLogs))
	for _, entry := range s.auditLogs {
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && entry.CreatedAt.After(to) {
			continue
		}
		logs = append(logs, entry)
	}
	slices.SortFunc(logs, func(a, b domain.AuditLog) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func (s *Store) CreateCashier(_ context.Context, account domain.CashierAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accountsByKey[account.Name]; ok {
		return fmt.Errorf("%w: cashier %s", ledger.ErrConflict, account.Name)
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	s.accountsByKey[account.Name] = account
	return nil
}

func (s *Store) ListCashiers(_ context.Context) ([]domain.CashierAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]domain.CashierAccount, 0, len(s.accountsByKey))
	for _, acct := range s.accountsByKey {
		accounts = append(accounts, acct)
	}
	slices.SortFunc(accounts, func(a, b domain.CashierAccount) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return accounts, nil
}

func (s *Store) UpdateCashierPIN(_ context.Context, name string, pin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accountsByKey[name]
	if !ok {
		return ledger.ErrNotFound
	}
	acct.PIN = pin
	s.accountsByKey[name] = acct
	return nil
}
