package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/ledger"
	"dukapos/backend/internal/xid"
)

// Store persists the ledger in Postgres. Entries are stored as JSONB with the
// orderable and filterable fields broken out into columns; live and archived
// entries share a schema across two tables.
type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the ledger schema when it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			device_id TEXT NOT NULL,
			wall_millis BIGINT NOT NULL,
			counter BIGINT NOT NULL,
			supplier_ref TEXT,
			reversal_of TEXT,
			payload JSONB NOT NULL,
			inserted_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_order ON entries (wall_millis, counter, id)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_reversal_of ON entries (reversal_of) WHERE reversal_of IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS archived_entries (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			device_id TEXT NOT NULL,
			wall_millis BIGINT NOT NULL,
			counter BIGINT NOT NULL,
			supplier_ref TEXT,
			reversal_of TEXT,
			payload JSONB NOT NULL,
			archived_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS peer_acks (
			peer_id TEXT NOT NULL,
			entry_id TEXT NOT NULL,
			acked_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (peer_id, entry_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_cursors (
			peer_id TEXT PRIMARY KEY,
			last_acked_id TEXT NOT NULL DEFAULT '',
			last_acked_millis BIGINT NOT NULL DEFAULT 0,
			last_acked_counter BIGINT NOT NULL DEFAULT 0,
			pulled_millis BIGINT NOT NULL DEFAULT 0,
			pulled_counter BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			actor_name TEXT NOT NULL,
			actor_role TEXT NOT NULL,
			action TEXT NOT NULL,
			entity_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cashiers (
			name TEXT PRIMARY KEY,
			pin TEXT NOT NULL,
			role TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Append(ctx context.Context, entry domain.Entry) error {
	if err := ledger.Validate(entry); err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	existing, found, err := loadExisting(ctx, tx, entry.ID)
	if err != nil {
		return err
	}
	if found {
		if existing.Equal(entry) {
			return nil
		}
		return fmt.Errorf("%w: id %s", ledger.ErrConflict, entry.ID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries (id, kind, device_id, wall_millis, counter, supplier_ref, reversal_of, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, string(entry.Kind), entry.DeviceID, entry.CreatedAt.WallMillis, entry.CreatedAt.Counter,
		supplierRefOf(entry), reversalOfColumn(entry), payload)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a race against a concurrent append of the same id.
			racing, racedFound, lookupErr := loadExisting(ctx, s.db, entry.ID)
			if lookupErr == nil && racedFound && racing.Equal(entry) {
				return nil
			}
			return fmt.Errorf("%w: id %s", ledger.ErrConflict, entry.ID)
		}
		return err
	}

	return tx.Commit()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// loadExisting looks an entry up by id across live and archived tables.
func loadExisting(ctx context.Context, q querier, id string) (domain.Entry, bool, error) {
	var payload []byte
	err := q.QueryRowContext(ctx, `
		SELECT payload FROM entries WHERE id = $1
		UNION ALL
		SELECT payload FROM archived_entries WHERE id = $1
		LIMIT 1
	`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Entry{}, false, nil
		}
		return domain.Entry{}, false, err
	}
	var entry domain.Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return domain.Entry{}, false, err
	}
	return entry, true, nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Entry, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM entries WHERE id = $1
	`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, err
	}
	var entry domain.Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) Read(ctx context.Context, filter ledger.Filter) ([]domain.Entry, error) {
	return s.collect(ctx, "entries", filter)
}

func (s *Store) ListArchived(ctx context.Context, filter ledger.Filter) ([]domain.Entry, error) {
	return s.collect(ctx, "archived_entries", filter)
}

func (s *Store) collect(ctx context.Context, table string, filter ledger.Filter) ([]domain.Entry, error) {
	if table != "entries" && table != "archived_entries" {
		return nil, fmt.Errorf("unsupported entry table")
	}

	conditions := []string{"true"}
	args := make([]any, 0, 8)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !filter.From.IsZero() {
		conditions = append(conditions, "wall_millis >= "+arg(filter.From.UnixMilli()))
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "wall_millis <= "+arg(filter.To.UnixMilli()))
	}
	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = "+arg(filter.DeviceID))
	}
	if filter.SupplierRef != "" {
		conditions = append(conditions, "supplier_ref = "+arg(filter.SupplierRef))
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]string, 0, len(filter.Kinds))
		for _, kind := range filter.Kinds {
			kinds = append(kinds, string(kind))
		}
		conditions = append(conditions, "kind = ANY("+arg(kinds)+")")
	}
	if !filter.After.IsZero() {
		millis := arg(filter.After.WallMillis)
		counter := arg(filter.After.Counter)
		conditions = append(conditions, fmt.Sprintf("(wall_millis, counter) > (%s, %s)", millis, counter))
	}
	if filter.UnackedBy != "" {
		conditions = append(conditions, fmt.Sprintf(
			"NOT EXISTS (SELECT 1 FROM peer_acks pa WHERE pa.peer_id = %s AND pa.entry_id = %s.id)",
			arg(filter.UnackedBy), table))
	}

	query := fmt.Sprintf(`
		SELECT payload
		FROM %s
		WHERE %s
		ORDER BY wall_millis ASC, counter ASC, id ASC
	`, table, strings.Join(conditions, " AND "))
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.Entry, 0, 64)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var entry domain.Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) ReversalOf(ctx context.Context, transactionID string) (*domain.Entry, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM (
			SELECT payload, wall_millis, counter, id FROM entries WHERE reversal_of = $1
			UNION ALL
			SELECT payload, wall_millis, counter, id FROM archived_entries WHERE reversal_of = $1
		) candidates
		ORDER BY wall_millis ASC, counter ASC, id ASC
		LIMIT 1
	`, transactionID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, err
	}
	var entry domain.Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) MarkAcked(ctx context.Context, peerID string, ids []string) error {
	if peerID == "" || len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peer_acks (peer_id, entry_id)
		SELECT $1, unnest($2::text[])
		ON CONFLICT (peer_id, entry_id) DO NOTHING
	`, peerID, ids)
	return err
}

func (s *Store) AckedBy(ctx context.Context, peerID string, ids []string) (map[string]bool, error) {
	result := make(map[string]bool, len(ids))
	for _, id := range ids {
		result[id] = false
	}
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id FROM peer_acks
		WHERE peer_id = $1 AND entry_id = ANY($2)
	`, peerID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) Cursor(ctx context.Context, peerID string) (*domain.SyncCursor, error) {
	cursor := domain.SyncCursor{PeerID: peerID}
	err := s.db.QueryRowContext(ctx, `
		SELECT last_acked_id, last_acked_millis, last_acked_counter, pulled_millis, pulled_counter, updated_at
		FROM sync_cursors
		WHERE peer_id = $1
	`, peerID).Scan(
		&cursor.LastAckedID,
		&cursor.LastAckedAt.WallMillis,
		&cursor.LastAckedAt.Counter,
		&cursor.PulledThrough.WallMillis,
		&cursor.PulledThrough.Counter,
		&cursor.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, err
	}
	cursor.UpdatedAt = cursor.UpdatedAt.UTC()
	return &cursor, nil
}

func (s *Store) SaveCursor(ctx context.Context, cursor domain.SyncCursor) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	existing := domain.SyncCursor{}
	err = tx.QueryRowContext(ctx, `
		SELECT last_acked_id, last_acked_millis, last_acked_counter, pulled_millis, pulled_counter
		FROM sync_cursors
		WHERE peer_id = $1
		FOR UPDATE
	`, cursor.PeerID).Scan(
		&existing.LastAckedID,
		&existing.LastAckedAt.WallMillis,
		&existing.LastAckedAt.Counter,
		&existing.PulledThrough.WallMillis,
		&existing.PulledThrough.Counter,
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if err == nil {
		// Watermarks never move backwards.
		if cursor.LastAckedAt.Compare(existing.LastAckedAt) < 0 {
			cursor.LastAckedAt = existing.LastAckedAt
			cursor.LastAckedID = existing.LastAckedID
		}
		if cursor.PulledThrough.Compare(existing.PulledThrough) < 0 {
			cursor.PulledThrough = existing.PulledThrough
		}
	}
	if cursor.UpdatedAt.IsZero() {
		cursor.UpdatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_cursors (peer_id, last_acked_id, last_acked_millis, last_acked_counter, pulled_millis, pulled_counter, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (peer_id)
		DO UPDATE SET last_acked_id = EXCLUDED.last_acked_id,
			last_acked_millis = EXCLUDED.last_acked_millis,
			last_acked_counter = EXCLUDED.last_acked_counter,
			pulled_millis = EXCLUDED.pulled_millis,
			pulled_counter = EXCLUDED.pulled_counter,
			updated_at = EXCLUDED.updated_at
	`, cursor.PeerID, cursor.LastAckedID, cursor.LastAckedAt.WallMillis, cursor.LastAckedAt.Counter,
		cursor.PulledThrough.WallMillis, cursor.PulledThrough.Counter, cursor.UpdatedAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) PurgeAcked(ctx context.Context, authorityPeer string, ids []string, mode string) (int, error) {
	if mode != domain.RetentionModeArchive && mode != domain.RetentionModeDelete {
		return 0, fmt.Errorf("%w: unknown retention mode %q", ledger.ErrValidation, mode)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// Re-check acknowledgements with the rows locked so a concurrently
	// revoked ack cannot slip a purge through.
	rows, err := tx.QueryContext(ctx, `
		SELECT e.id, (pa.entry_id IS NOT NULL)
		FROM entries e
		LEFT JOIN peer_acks pa ON pa.peer_id = $1 AND pa.entry_id = e.id
		WHERE e.id = ANY($2)
		FOR UPDATE OF e
	`, authorityPeer, ids)
	if err != nil {
		return 0, err
	}
	present := make([]string, 0, len(ids))
	for rows.Next() {
		var id string
		var acked bool
		if err := rows.Scan(&id, &acked); err != nil {
			_ = rows.Close()
			return 0, err
		}
		if !acked {
			_ = rows.Close()
			return 0, fmt.Errorf("%w: entry %s not acknowledged by %s", ledger.ErrUnsynced, id, authorityPeer)
		}
		present = append(present, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	if len(present) == 0 {
		return 0, tx.Commit()
	}

	if mode == domain.RetentionModeArchive {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO archived_entries (id, kind, device_id, wall_millis, counter, supplier_ref, reversal_of, payload)
			SELECT id, kind, device_id, wall_millis, counter, supplier_ref, reversal_of, payload
			FROM entries
			WHERE id = ANY($1)
			ON CONFLICT (id) DO NOTHING
		`, present)
		if err != nil {
			return 0, err
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE id = ANY($1)`, present)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_name, actor_role, action, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, entry.ID, entry.ActorName, entry.ActorRole, entry.Action, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	conditions := []string{"true"}
	args := []any{}
	if !from.IsZero() {
		args = append(args, from)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !to.IsZero() {
		args = append(args, to)
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, actor_name, actor_role, action, entity_id, detail, created_at
		FROM audit_logs
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d
	`, strings.Join(conditions, " AND "), len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorName, &entry.ActorRole, &entry.Action, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateCashier(ctx context.Context, account domain.CashierAccount) error {
	account.Name = strings.ToLower(strings.TrimSpace(account.Name))
	if account.Name == "" || strings.TrimSpace(account.PIN) == "" {
		return fmt.Errorf("%w: cashier needs name and pin", ledger.ErrValidation)
	}
	if account.Role == "" {
		account.Role = "cashier"
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cashiers (name, pin, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, account.Name, account.PIN, account.Role, account.Active, account.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: cashier %s", ledger.ErrConflict, account.Name)
		}
		return err
	}
	return nil
}

func (s *Store) ListCashiers(ctx context.Context) ([]domain.CashierAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, pin, role, active, created_at
		FROM cashiers
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]domain.CashierAccount, 0, 16)
	for rows.Next() {
		var account domain.CashierAccount
		if err := rows.Scan(&account.Name, &account.PIN, &account.Role, &account.Active, &account.CreatedAt); err != nil {
			return nil, err
		}
		account.CreatedAt = account.CreatedAt.UTC()
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (s *Store) UpdateCashierPIN(ctx context.Context, name string, pin string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || strings.TrimSpace(pin) == "" {
		return fmt.Errorf("%w: cashier pin update needs name and pin", ledger.ErrValidation)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE cashiers
		SET pin = $2, updated_at = now()
		WHERE name = $1
	`, name, pin)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func supplierRefOf(entry domain.Entry) any {
	if entry.Expense == nil || entry.Expense.SupplierRef == "" {
		return nil
	}
	return entry.Expense.SupplierRef
}

func reversalOfColumn(entry domain.Entry) any {
	if entry.Reversal == nil || entry.Reversal.OriginalTransactionID == "" {
		return nil
	}
	return entry.Reversal.OriginalTransactionID
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
