package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dukapos/backend/internal/cache"
	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/ledger"
	"dukapos/backend/internal/xid"
)

const (
	defaultBatchSize   = 200
	defaultMaxAttempts = 4
	defaultBackoff     = 500 * time.Millisecond
	tokenTTL           = 5 * time.Minute
)

// Engine synchronizes the local ledger with configured peers. Runs against
// one peer are serialized; distinct peers sync concurrently. Every transfer
// resumes from the per-peer watermark, so an interrupted run repeats work
// but never loses or duplicates entries.
type Engine struct {
	store      ledger.Store
	tokens     cache.TokenCache
	deviceID   string
	transports map[string]Transport

	batchSize   int
	maxAttempts int
	backoff     time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEngine(store ledger.Store, tokens cache.TokenCache, deviceID string) *Engine {
	return &Engine{
		store:       store,
		tokens:      tokens,
		deviceID:    deviceID,
		transports:  make(map[string]Transport),
		batchSize:   defaultBatchSize,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		locks:       make(map[string]*sync.Mutex),
	}
}

func (e *Engine) AddPeer(peerID string, transport Transport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transports[peerID] = transport
}

func (e *Engine) Peers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	peers := make([]string, 0, len(e.transports))
	for id := range e.transports {
		peers = append(peers, id)
	}
	slices.Sort(peers)
	return peers
}

func (e *Engine) transport(peerID string) (Transport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transports[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: peer %s", ledger.ErrNotFound, peerID)
	}
	return t, nil
}

func (e *Engine) peerLock(peerID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.locks[peerID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[peerID] = l
	}
	return l
}

// SyncPeer runs one incremental pass against a peer: push the unacked tail,
// then pull entries past the pull watermark and union-merge them.
func (e *Engine) SyncPeer(ctx context.Context, peerID string) error {
	transport, err := e.transport(peerID)
	if err != nil {
		return err
	}

	lock := e.peerLock(peerID)
	lock.Lock()
	defer lock.Unlock()

	if err := e.push(ctx, peerID, transport); err != nil {
		return err
	}
	return e.pull(ctx, peerID, transport)
}

// SyncAll fans out one incremental pass per peer.
func (e *Engine) SyncAll(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, peerID := range e.Peers() {
		peerID := peerID
		group.Go(func() error {
			if err := e.SyncPeer(ctx, peerID); err != nil {
				return fmt.Errorf("peer %s: %w", peerID, err)
			}
			return nil
		})
	}
	return group.Wait()
}

func (e *Engine) push(ctx context.Context, peerID string, transport Transport) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pending, err := e.store.Read(ctx, ledger.Filter{UnackedBy: peerID, Limit: e.batchSize})
		if err != nil {
			return fmt.Errorf("read pending: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}

		accepted, err := e.withRetry(ctx, peerID, "push", func() ([]string, error) {
			return transport.Send(ctx, pending)
		})
		if err != nil {
			return err
		}
		if len(accepted) == 0 {
			// Whole batch rejected; retrying would loop forever.
			return &SyncError{Op: "push", Peer: peerID, Err: fmt.Errorf("peer accepted none of %d entries", len(pending))}
		}
		if err := e.store.MarkAcked(ctx, peerID, accepted); err != nil {
			return fmt.Errorf("mark acked: %w", err)
		}
		if err := e.advanceCursor(ctx, peerID, pending, accepted); err != nil {
			return err
		}
		log.Printf("[syncer] pushed %d/%d entries to %s", len(accepted), len(pending), peerID)
		if len(pending) < e.batchSize {
			return nil
		}
	}
}

func (e *Engine) pull(ctx context.Context, peerID string, transport Transport) error {
	cursor := e.cursorOrZero(ctx, peerID)
	return e.pullFrom(ctx, peerID, transport, cursor.PulledThrough)
}

func (e *Engine) withRetry(ctx context.Context, peerID, op string, fn func() ([]string, error)) ([]string, error) {
	delay := e.backoff
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
		if attempt == e.maxAttempts {
			break
		}
		log.Printf("[syncer] %s to %s failed (attempt %d/%d), retrying in %s: %v", op, peerID, attempt, e.maxAttempts, delay, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, lastErr
}

func (e *Engine) advanceCursor(ctx context.Context, peerID string, pushed []domain.Entry, accepted []string) error {
	acceptedSet := make(map[string]bool, len(accepted))
	for _, id := range accepted {
		acceptedSet[id] = true
	}

	cursor := e.cursorOrZero(ctx, peerID)
	cursor.PeerID = peerID
	for _, entry := range pushed {
		if !acceptedSet[entry.ID] {
			continue
		}
		if entry.CreatedAt.Compare(cursor.LastAckedAt) > 0 {
			cursor.LastAckedAt = entry.CreatedAt
			cursor.LastAckedID = entry.ID
		}
	}
	cursor.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveCursor(ctx, cursor); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func (e *Engine) cursorOrZero(ctx context.Context, peerID string) domain.SyncCursor {
	cursor, err := e.store.Cursor(ctx, peerID)
	if err != nil {
		return domain.SyncCursor{PeerID: peerID}
	}
	return *cursor
}

// RequestFullSync snapshots the backlog on both sides and returns a token
// the operator must confirm before the full pass runs. The token expires
// unconfirmed after a few minutes.
func (e *Engine) RequestFullSync(ctx context.Context, peerID string, actor domain.Actor) (*domain.FullSyncToken, error) {
	transport, err := e.transport(peerID)
	if err != nil {
		return nil, err
	}

	pending, err := e.store.Read(ctx, ledger.Filter{UnackedBy: peerID})
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	cursor := e.cursorOrZero(ctx, peerID)
	snapshot, err := e.withRetrySnapshot(ctx, peerID, transport, cursor.PulledThrough)
	if err != nil {
		return nil, err
	}

	token := &domain.FullSyncToken{
		Token:         xid.New("fullsync"),
		PeerID:        peerID,
		LocalPending:  len(pending),
		RemotePending: snapshot.Pending,
		Devices:       snapshot.Devices,
		RequestedBy:   actor.Name,
		ExpiresAt:     time.Now().UTC().Add(tokenTTL),
	}
	if err := e.tokens.Put(ctx, token, tokenTTL); err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}
	log.Printf("[syncer] full sync with %s requested by %s: %d local, %d remote pending",
		peerID, actor.Name, token.LocalPending, token.RemotePending)
	return token, nil
}

func (e *Engine) withRetrySnapshot(ctx context.Context, peerID string, transport Transport, after domain.LogicalTime) (*Snapshot, error) {
	var snapshot *Snapshot
	_, err := e.withRetry(ctx, peerID, "snapshot", func() ([]string, error) {
		var snapErr error
		snapshot, snapErr = transport.Snapshot(ctx, after)
		return nil, snapErr
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// ConfirmFullSync consumes the token and runs the full pass: pull the peer's
// entire ledger from the zero watermark, union-merge it, then push everything
// the peer has not acknowledged. A token confirms at most once.
func (e *Engine) ConfirmFullSync(ctx context.Context, token string) error {
	stored, ok, err := e.tokens.Take(ctx, token)
	if err != nil {
		return fmt.Errorf("take token: %w", err)
	}
	if !ok {
		return ledger.ErrTokenExpired
	}

	transport, err := e.transport(stored.PeerID)
	if err != nil {
		return err
	}

	lock := e.peerLock(stored.PeerID)
	lock.Lock()
	defer lock.Unlock()

	// Rewind the pull watermark so the pass re-reads the peer's whole
	// history. The cursor floor in the store would swallow a rewound save,
	// so pull from zero explicitly here.
	if err := e.pullFrom(ctx, stored.PeerID, transport, domain.LogicalTime{}); err != nil {
		return err
	}
	return e.push(ctx, stored.PeerID, transport)
}

func (e *Engine) pullFrom(ctx context.Context, peerID string, transport Transport, after domain.LogicalTime) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var fetched []domain.Entry
		_, err := e.withRetry(ctx, peerID, "pull", func() ([]string, error) {
			var fetchErr error
			fetched, fetchErr = transport.Fetch(ctx, after, e.batchSize)
			return nil, fetchErr
		})
		if err != nil {
			return err
		}
		if len(fetched) == 0 {
			return nil
		}
		merged := 0
		for _, entry := range fetched {
			err := e.store.Append(ctx, entry)
			switch {
			case err == nil:
				merged++
			case errors.Is(err, ledger.ErrConflict):
				log.Printf("[syncer] conflicting entry %s from %s, kept local version", entry.ID, peerID)
			case errors.Is(err, ledger.ErrValidation):
				log.Printf("[syncer] dropping invalid entry %s from %s: %v", entry.ID, peerID, err)
			default:
				return fmt.Errorf("merge entry %s: %w", entry.ID, err)
			}
			if entry.CreatedAt.Compare(after) > 0 {
				after = entry.CreatedAt
			}
		}
		log.Printf("[syncer] pulled %d entries from %s (%d new)", len(fetched), peerID, merged)
		cursor := e.cursorOrZero(ctx, peerID)
		cursor.PeerID = peerID
		cursor.PulledThrough = after
		cursor.UpdatedAt = time.Now().UTC()
		if err := e.store.SaveCursor(ctx, cursor); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
		if len(fetched) < e.batchSize {
			return nil
		}
	}
}

// ConnectedDevices merges every peer's device snapshot with the local one.
// PendingCount for a peer is how many local entries it has not acknowledged.
func (e *Engine) ConnectedDevices(ctx context.Context) ([]domain.DeviceStatus, error) {
	statuses := map[string]domain.DeviceStatus{
		e.deviceID: {DeviceID: e.deviceID, LastSeen: time.Now().UTC()},
	}
	for _, peerID := range e.Peers() {
		transport, err := e.transport(peerID)
		if err != nil {
			continue
		}
		pending, err := e.store.Read(ctx, ledger.Filter{UnackedBy: peerID})
		if err != nil {
			return nil, fmt.Errorf("count pending for %s: %w", peerID, err)
		}
		status := domain.DeviceStatus{DeviceID: peerID, PendingCount: len(pending)}
		if cursor, err := e.store.Cursor(ctx, peerID); err == nil {
			status.LastSeen = cursor.UpdatedAt
		}

		snapshot, err := transport.Snapshot(ctx, domain.LogicalTime{})
		if err != nil {
			log.Printf("[syncer] snapshot from %s failed: %v", peerID, err)
		} else {
			status.LastSeen = time.Now().UTC()
			for _, remote := range snapshot.Devices {
				if remote.DeviceID == e.deviceID || remote.DeviceID == peerID {
					continue
				}
				if existing, ok := statuses[remote.DeviceID]; !ok || remote.LastSeen.After(existing.LastSeen) {
					statuses[remote.DeviceID] = remote
				}
			}
		}
		statuses[peerID] = status
	}

	result := make([]domain.DeviceStatus, 0, len(statuses))
	for _, status := range statuses {
		result = append(result, status)
	}
	slices.SortFunc(result, func(a, b domain.DeviceStatus) int {
		if a.DeviceID < b.DeviceID {
			return -1
		}
		if a.DeviceID > b.DeviceID {
			return 1
		}
		return 0
	})
	return result, nil
}

// Run drives incremental syncs on a fixed interval until the context ends.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.SyncAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[syncer] background sync: %v", err)
			}
		}
	}
}
