// Package localstore is the terminal's durable state: the identity cache,
// the retry queue, and a journal of order snapshots that keeps the order
// list usable across a restart while disconnected. Backed by a single
// SQLite file next to the daemon.
package localstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("localstore: not found")

// Store wraps the terminal's SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
// SQLite allows one writer, so the pool is pinned to a single connection.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ── Identity cache ──

// CachedIdentity is the last identity the terminal successfully resolved.
type CachedIdentity struct {
	BranchID   string
	OrgID      string
	TerminalID string
	UpdatedAt  time.Time
}

// GetIdentity returns the cached identity, or ErrNotFound if the terminal
// has never resolved one.
func (s *Store) GetIdentity(ctx context.Context) (CachedIdentity, error) {
	var ci CachedIdentity
	err := s.db.QueryRowContext(ctx,
		`SELECT branch_id, org_id, terminal_id, updated_at FROM identity_cache WHERE id = 1`,
	).Scan(&ci.BranchID, &ci.OrgID, &ci.TerminalID, &ci.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CachedIdentity{}, ErrNotFound
	}
	if err != nil {
		return CachedIdentity{}, fmt.Errorf("get identity: %w", err)
	}
	return ci, nil
}

// PutIdentity replaces the cached identity as one atomic row.
func (s *Store) PutIdentity(ctx context.Context, ci CachedIdentity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identity_cache (id, branch_id, org_id, terminal_id, updated_at)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   branch_id = excluded.branch_id,
		   org_id = excluded.org_id,
		   terminal_id = excluded.terminal_id,
		   updated_at = excluded.updated_at`,
		ci.BranchID, ci.OrgID, ci.TerminalID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put identity: %w", err)
	}
	return nil
}

// ClearIdentity removes the cached identity (logout, cache invalidation).
func (s *Store) ClearIdentity(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM identity_cache WHERE id = 1`); err != nil {
		return fmt.Errorf("clear identity: %w", err)
	}
	return nil
}

// ── Retry items ──

// RetryItem is one deferred side-effecting operation.
type RetryItem struct {
	OpID          string
	Kind          string
	Payload       []byte
	Attempts      int
	Status        string
	NextAttemptAt time.Time
	CreatedAt     time.Time
}

// InsertRetryItem records a new queued item. Returns false without error if
// an item with the same op_id already exists in any status, so enqueueing is
// idempotent across restarts and reconnects.
func (s *Store) InsertRetryItem(ctx context.Context, it RetryItem) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO retry_items (op_id, kind, payload, attempts, status, next_attempt_at, created_at, updated_at)
		 VALUES (?, ?, ?, 0, 'QUEUED', ?, ?, ?)
		 ON CONFLICT(op_id) DO NOTHING`,
		it.OpID, it.Kind, it.Payload, it.NextAttemptAt.UTC(), now, now)
	if err != nil {
		return false, fmt.Errorf("insert retry item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert retry item: %w", err)
	}
	return n > 0, nil
}

// ListDueRetryItems returns queued items whose next attempt time has passed,
// oldest first.
func (s *Store) ListDueRetryItems(ctx context.Context, now time.Time) ([]RetryItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT op_id, kind, payload, attempts, status, next_attempt_at, created_at
		 FROM retry_items
		 WHERE status = 'QUEUED' AND next_attempt_at <= ?
		 ORDER BY created_at ASC`,
		now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list due retry items: %w", err)
	}
	defer rows.Close()

	var items []RetryItem
	for rows.Next() {
		var it RetryItem
		if err := rows.Scan(&it.OpID, &it.Kind, &it.Payload, &it.Attempts, &it.Status, &it.NextAttemptAt, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan retry item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// RescheduleRetryItem bumps the attempt count and sets the next attempt time.
func (s *Store) RescheduleRetryItem(ctx context.Context, opID string, attempts int, next time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE retry_items SET attempts = ?, next_attempt_at = ?, updated_at = ? WHERE op_id = ?`,
		attempts, next.UTC(), time.Now().UTC(), opID)
	if err != nil {
		return fmt.Errorf("reschedule retry item: %w", err)
	}
	return nil
}

// MarkRetryItemStatus finalizes an item as SUCCEEDED or DEAD. Finalized rows
// stay in the table: succeeded rows block re-enqueues of the same op_id, and
// dead rows remain visible to the operator.
func (s *Store) MarkRetryItemStatus(ctx context.Context, opID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE retry_items SET status = ?, updated_at = ? WHERE op_id = ?`,
		status, time.Now().UTC(), opID)
	if err != nil {
		return fmt.Errorf("mark retry item %s: %w", status, err)
	}
	return nil
}

// ListRetryItems returns every item, newest first, for the status endpoint.
func (s *Store) ListRetryItems(ctx context.Context) ([]RetryItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT op_id, kind, payload, attempts, status, next_attempt_at, created_at
		 FROM retry_items ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list retry items: %w", err)
	}
	defer rows.Close()

	var items []RetryItem
	for rows.Next() {
		var it RetryItem
		if err := rows.Scan(&it.OpID, &it.Kind, &it.Payload, &it.Attempts, &it.Status, &it.NextAttemptAt, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan retry item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ── Order snapshot journal ──

// OrderSnapshot is a serialized order kept for offline restarts.
type OrderSnapshot struct {
	OrderID     string
	Payload     []byte
	SyncVersion int64
	Dirty       bool
	UpdatedAt   time.Time
}

// UpsertOrderSnapshot writes the latest serialized form of an order.
func (s *Store) UpsertOrderSnapshot(ctx context.Context, snap OrderSnapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO order_snapshots (order_id, payload, sync_version, dirty, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(order_id) DO UPDATE SET
		   payload = excluded.payload,
		   sync_version = excluded.sync_version,
		   dirty = excluded.dirty,
		   updated_at = excluded.updated_at`,
		snap.OrderID, snap.Payload, snap.SyncVersion, snap.Dirty, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert order snapshot: %w", err)
	}
	return nil
}

// ListOrderSnapshots returns every journaled order.
func (s *Store) ListOrderSnapshots(ctx context.Context) ([]OrderSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT order_id, payload, sync_version, dirty, updated_at FROM order_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("list order snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []OrderSnapshot
	for rows.Next() {
		var sn OrderSnapshot
		if err := rows.Scan(&sn.OrderID, &sn.Payload, &sn.SyncVersion, &sn.Dirty, &sn.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order snapshot: %w", err)
		}
		snaps = append(snaps, sn)
	}
	return snaps, rows.Err()
}

// DeleteOrderSnapshot removes an archived order from the journal.
func (s *Store) DeleteOrderSnapshot(ctx context.Context, orderID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM order_snapshots WHERE order_id = ?`, orderID); err != nil {
		return fmt.Errorf("delete order snapshot: %w", err)
	}
	return nil
}
