// Package store provides the embedded local datastore for papertrail.
//
// Every synced entity lives in a single SQLite database file per device
// profile, opened in WAL mode so sibling processes on the same device can
// read during writes. The store holds the authoritative local copy of each
// record plus the durable sync metadata (pull watermark, last push time).
// The mutation queue shares the same file so a local write and its queue
// entry commit in one transaction.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/papertrailhq/papertrail/internal/entity"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Meta keys persisted in sync_meta.
const (
	metaPullWatermark = "pull_watermark"
	metaLastPushAt    = "last_push_at"
)

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx.
// Store methods that must participate in a caller-owned transaction
// accept it so enqueue and merge can batch multi-table writes atomically.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the SQLite connection with papertrail-specific functionality.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the file doesn't exist it is created; call InitSchema before use.
// The caller MUST call Close when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	// WAL mode for concurrent reads
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Authoritative local copy of every synced record
	CREATE TABLE IF NOT EXISTS records (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		payload TEXT,  -- opaque JSON, decoded by the app layer only
		updated_at INTEGER NOT NULL,  -- unix milliseconds
		is_deleted INTEGER NOT NULL DEFAULT 0,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		PRIMARY KEY (kind, id)
	);

	-- Durable outbox of local write intents
	CREATE TABLE IF NOT EXISTS sync_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		op TEXT NOT NULL,  -- create, update, delete
		payload TEXT,      -- record snapshot at enqueue time
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		dead_letter INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NOT NULL DEFAULT 0,  -- unix ms backoff gate
		created_at TEXT NOT NULL
	);

	-- Durable per-device sync metadata (watermark, last push)
	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- Indexes for common queries
	CREATE INDEX IF NOT EXISTS idx_records_kind_updated ON records(kind, updated_at);
	CREATE INDEX IF NOT EXISTS idx_records_status ON records(sync_status);
	CREATE INDEX IF NOT EXISTS idx_queue_entity ON sync_queue(kind, entity_id);
	CREATE INDEX IF NOT EXISTS idx_queue_pending
	    ON sync_queue(dead_letter, next_attempt_at, seq);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// WithTx runs fn inside a single transaction, committing on nil return.
//
// This is the multi-table atomic write primitive: the optimistic local
// write plus its queue entry, and a whole merge batch plus the watermark
// advance, each happen inside one WithTx call. No network I/O may run
// inside fn.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Put inserts or updates a record.
func (s *Store) Put(ctx context.Context, rec *entity.Record) error {
	return s.PutTx(ctx, s.conn, rec)
}

// PutTx inserts or updates a record on the given handle, so callers can
// batch it with other writes in one transaction.
func (s *Store) PutTx(ctx context.Context, dbtx DBTX, rec *entity.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}
	if rec.SyncStatus == "" {
		rec.SyncStatus = entity.StatusPending
	}

	query := `
	INSERT INTO records (kind, id, payload, updated_at, is_deleted, sync_status)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(kind, id) DO UPDATE SET
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		is_deleted = excluded.is_deleted,
		sync_status = excluded.sync_status
	`

	_, err := dbtx.ExecContext(ctx, query,
		string(rec.Kind),
		rec.ID,
		string(rec.Payload),
		rec.UpdatedAt,
		boolToInt(rec.Deleted),
		string(rec.SyncStatus),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s/%s: %w", rec.Kind, rec.ID, err)
	}
	return nil
}

// Get retrieves a single record. Returns sql.ErrNoRows if not found.
func (s *Store) Get(ctx context.Context, kind entity.Kind, id string) (*entity.Record, error) {
	return s.GetTx(ctx, s.conn, kind, id)
}

// GetTx retrieves a single record on the given handle.
func (s *Store) GetTx(ctx context.Context, dbtx DBTX, kind entity.Kind, id string) (*entity.Record, error) {
	query := `
	SELECT kind, id, payload, updated_at, is_deleted, sync_status
	FROM records
	WHERE kind = ? AND id = ?
	`
	row := dbtx.QueryRowContext(ctx, query, string(kind), id)
	return scanRecord(row)
}

// ListOptions configures the List query.
type ListOptions struct {
	// IncludeDeleted includes tombstoned records in the result.
	IncludeDeleted bool
	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// List retrieves all records of a kind, newest first.
// Tombstones are excluded unless opts.IncludeDeleted is set.
func (s *Store) List(ctx context.Context, kind entity.Kind, opts ListOptions) ([]*entity.Record, error) {
	query := `
	SELECT kind, id, payload, updated_at, is_deleted, sync_status
	FROM records
	WHERE kind = ?
	`
	args := []any{string(kind)}

	if !opts.IncludeDeleted {
		query += " AND is_deleted = 0"
	}
	query += " ORDER BY updated_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var recs []*entity.Record
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return recs, nil
}

// Remove hard-deletes a record. Only valid once a tombstoned delete has
// been acknowledged by the server, or when a winning remote tombstone
// arrives in a merge. Idempotent.
func (s *Store) Remove(ctx context.Context, kind entity.Kind, id string) error {
	return s.RemoveTx(ctx, s.conn, kind, id)
}

// RemoveTx hard-deletes a record on the given handle.
func (s *Store) RemoveTx(ctx context.Context, dbtx DBTX, kind entity.Kind, id string) error {
	_, err := dbtx.ExecContext(ctx,
		`DELETE FROM records WHERE kind = ? AND id = ?`, string(kind), id)
	if err != nil {
		return fmt.Errorf("failed to remove record %s/%s: %w", kind, id, err)
	}
	return nil
}

// SetSyncStatus updates only the local sync annotation of a record.
func (s *Store) SetSyncStatus(ctx context.Context, kind entity.Kind, id string, status entity.SyncStatus) error {
	return s.SetSyncStatusTx(ctx, s.conn, kind, id, status)
}

// SetSyncStatusTx updates the sync annotation on the given handle.
func (s *Store) SetSyncStatusTx(ctx context.Context, dbtx DBTX, kind entity.Kind, id string, status entity.SyncStatus) error {
	_, err := dbtx.ExecContext(ctx,
		`UPDATE records SET sync_status = ? WHERE kind = ? AND id = ?`,
		string(status), string(kind), id)
	if err != nil {
		return fmt.Errorf("failed to set sync status for %s/%s: %w", kind, id, err)
	}
	return nil
}

// SetServerTimestamp writes back the server-authoritative timestamp after
// a successful push, marking the record synced in the same statement.
func (s *Store) SetServerTimestamp(ctx context.Context, kind entity.Kind, id string, updatedAt int64) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE records SET updated_at = ?, sync_status = ? WHERE kind = ? AND id = ? AND updated_at <= ?`,
		updatedAt, string(entity.StatusSynced), string(kind), id, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to set server timestamp for %s/%s: %w", kind, id, err)
	}
	return nil
}

// CountByKind returns the number of live records per kind.
func (s *Store) CountByKind(ctx context.Context) (map[entity.Kind]int, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM records WHERE is_deleted = 0 GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[entity.Kind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[entity.Kind(kind)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}

func scanRecord(row *sql.Row) (*entity.Record, error) {
	var rec entity.Record
	var kind, status string
	var payload sql.NullString
	var deleted int

	err := row.Scan(&kind, &rec.ID, &payload, &rec.UpdatedAt, &deleted, &status)
	if err != nil {
		return nil, err
	}

	rec.Kind = entity.Kind(kind)
	rec.SyncStatus = entity.SyncStatus(status)
	rec.Deleted = deleted != 0
	if payload.Valid {
		rec.Payload = []byte(payload.String)
	}
	return &rec, nil
}

func scanRecordRows(rows *sql.Rows) (*entity.Record, error) {
	var rec entity.Record
	var kind, status string
	var payload sql.NullString
	var deleted int

	err := rows.Scan(&kind, &rec.ID, &payload, &rec.UpdatedAt, &deleted, &status)
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	rec.Kind = entity.Kind(kind)
	rec.SyncStatus = entity.SyncStatus(status)
	rec.Deleted = deleted != 0
	if payload.Valid {
		rec.Payload = []byte(payload.String)
	}
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
