package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/ledger"
)

// SyncError wraps a transport failure. Transient failures (network, 5xx,
// rate limiting) are retried with backoff; terminal ones abort the run.
type SyncError struct {
	Op        string
	Peer      string
	Transient bool
	Err       error
}

func (e *SyncError) Error() string {
	kind := "terminal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("sync %s with %s (%s): %v", e.Op, e.Peer, kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable sync failure.
func IsTransient(err error) bool {
	var syncErr *SyncError
	return errors.As(err, &syncErr) && syncErr.Transient
}

// Snapshot describes a peer's view of the ledger: how many entries it holds
// past a given watermark and which devices it has seen.
type Snapshot struct {
	DeviceID string                `json:"device_id"`
	Pending  int                   `json:"pending"`
	Devices  []domain.DeviceStatus `json:"devices"`
}

// Transport moves entries to and from one peer.
type Transport interface {
	// Fetch returns up to limit of the peer's entries after the watermark,
	// in canonical order.
	Fetch(ctx context.Context, after domain.LogicalTime, limit int) ([]domain.Entry, error)
	// Send delivers entries to the peer and returns the ids it accepted.
	// Duplicates count as accepted; conflicting payloads do not.
	Send(ctx context.Context, entries []domain.Entry) ([]string, error)
	// Snapshot reports the peer's backlog past the watermark.
	Snapshot(ctx context.Context, after domain.LogicalTime) (*Snapshot, error)
}

type pushRequest struct {
	DeviceID string         `json:"device_id"`
	Entries  []domain.Entry `json:"entries"`
}

type pushResponse struct {
	AcceptedIDs []string `json:"accepted_ids"`
}

type pullResponse struct {
	Entries []domain.Entry `json:"entries"`
}

// HTTPTransport talks to a peer exposing the /api/v1/sync endpoints.
type HTTPTransport struct {
	peerID   string
	baseURL  string
	apiKey   string
	deviceID string
	http     *http.Client
}

func NewHTTPTransport(peerID, baseURL, apiKey, deviceID string) *HTTPTransport {
	return &HTTPTransport{
		peerID:   peerID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		deviceID: deviceID,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *HTTPTransport) Fetch(ctx context.Context, after domain.LogicalTime, limit int) ([]domain.Entry, error) {
	params := url.Values{}
	params.Set("after_millis", strconv.FormatInt(after.WallMillis, 10))
	params.Set("after_counter", strconv.FormatInt(after.Counter, 10))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var parsed pullResponse
	if err := t.do(ctx, http.MethodGet, "/api/v1/sync/pull?"+params.Encode(), nil, &parsed); err != nil {
		return nil, err
	}
	return parsed.Entries, nil
}

func (t *HTTPTransport) Send(ctx context.Context, entries []domain.Entry) ([]string, error) {
	var parsed pushResponse
	err := t.do(ctx, http.MethodPost, "/api/v1/sync/push", pushRequest{DeviceID: t.deviceID, Entries: entries}, &parsed)
	if err != nil {
		return nil, err
	}
	return parsed.AcceptedIDs, nil
}

func (t *HTTPTransport) Snapshot(ctx context.Context, after domain.LogicalTime) (*Snapshot, error) {
	params := url.Values{}
	params.Set("after_millis", strconv.FormatInt(after.WallMillis, 10))
	params.Set("after_counter", strconv.FormatInt(after.Counter, 10))

	var parsed Snapshot
	if err := t.do(ctx, http.MethodGet, "/api/v1/sync/snapshot?"+params.Encode(), nil, &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, payload any, out any) error {
	op := method + " " + strings.SplitN(path, "?", 2)[0]

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return &SyncError{Op: op, Peer: t.peerID, Err: err}
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, body)
	if err != nil {
		return &SyncError{Op: op, Peer: t.peerID, Err: err}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if t.apiKey != "" {
		req.Header.Set("X-Sync-Key", t.apiKey)
	}
	req.Header.Set("X-Device-ID", t.deviceID)

	resp, err := t.http.Do(req)
	if err != nil {
		return &SyncError{Op: op, Peer: t.peerID, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		transient := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return &SyncError{
			Op:        op,
			Peer:      t.peerID,
			Transient: transient,
			Err:       fmt.Errorf("peer responded %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
		}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &SyncError{Op: op, Peer: t.peerID, Err: err}
		}
	}
	return nil
}

// LoopbackTransport serves a peer's store in-process. Used by tests and by
// same-host device pairing.
type LoopbackTransport struct {
	PeerID string
	Store  ledger.Store
}

func (t *LoopbackTransport) Fetch(ctx context.Context, after domain.LogicalTime, limit int) ([]domain.Entry, error) {
	entries, err := t.Store.Read(ctx, ledger.Filter{After: after, Limit: limit})
	if err != nil {
		return nil, &SyncError{Op: "pull", Peer: t.PeerID, Err: err}
	}
	return entries, nil
}

func (t *LoopbackTransport) Send(ctx context.Context, entries []domain.Entry) ([]string, error) {
	accepted := make([]string, 0, len(entries))
	for _, entry := range entries {
		err := t.Store.Append(ctx, entry)
		switch {
		case err == nil:
			accepted = append(accepted, entry.ID)
		case errors.Is(err, ledger.ErrConflict), errors.Is(err, ledger.ErrValidation):
			log.Printf("[syncer] peer %s rejected entry %s: %v", t.PeerID, entry.ID, err)
		default:
			return nil, &SyncError{Op: "push", Peer: t.PeerID, Transient: true, Err: err}
		}
	}
	return accepted, nil
}

func (t *LoopbackTransport) Snapshot(ctx context.Context, after domain.LogicalTime) (*Snapshot, error) {
	entries, err := t.Store.Read(ctx, ledger.Filter{After: after})
	if err != nil {
		return nil, &SyncError{Op: "snapshot", Peer: t.PeerID, Err: err}
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
	snapshot := &Snapshot{DeviceID: t.PeerID, Pending: len(entries)}
	for _, status := range seen {
		snapshot.Devices = append(snapshot.Devices, status)
	}
	return snapshot, nil
}
