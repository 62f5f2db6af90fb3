// Package queue implements the durable mutation queue (outbox) for the
// sync engine.
//
// Every local write intent (create, update, delete) is appended here in
// the same transaction as the local store write, then replayed against
// the remote API by the push engine. Entries carry a snapshot of the
// record at enqueue time: later mutations append new entries, they never
// mutate an in-flight one. Insertion order is the required replay order
// per entity id.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/papertrailhq/papertrail/internal/entity"
	"github.com/papertrailhq/papertrail/internal/store"
)

// Op is a queued mutation operation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ErrDeletePending is returned by Enqueue when a pending delete already
// exists for the entity. Nothing may follow a delete for the same id.
var ErrDeletePending = errors.New("a delete is already pending for this entity")

// Entry is one durable write intent.
type Entry struct {
	Seq           int64
	Kind          entity.Kind
	EntityID      string
	Op            Op
	Payload       json.RawMessage
	RetryCount    int
	LastError     string
	DeadLetter    bool
	NextAttemptAt int64 // unix ms; 0 means eligible immediately
	CreatedAt     time.Time
}

// Config holds retry and backoff policy for the queue.
type Config struct {
	// MaxRetries is the failure count after which an entry is dead-lettered.
	MaxRetries int

	// BackoffBase is the delay before the first retry; it doubles per
	// subsequent retry up to BackoffMax.
	BackoffBase time.Duration

	// BackoffMax caps the per-entry retry delay.
	BackoffMax time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  5,
		BackoffBase: 2 * time.Second,
		BackoffMax:  5 * time.Minute,
	}
}

// Queue provides access to the sync_queue table. It shares the local
// store's database so enqueue can join the record write's transaction.
type Queue struct {
	store *store.Store
	cfg   Config

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Queue over the given store.
func New(st *store.Store, cfg Config) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultConfig().BackoffMax
	}
	return &Queue{store: st, cfg: cfg, now: time.Now}
}

// Enqueue appends a write intent on the given handle, which should be the
// same transaction that wrote the record to the local store.
//
// If a pending delete already exists for the entity the new entry is
// rejected with ErrDeletePending. If the new entry is itself a delete,
// earlier pending entries for the entity are compacted away first: there
// is no point updating a record about to be deleted, and the server must
// never see an update after the delete.
func (q *Queue) Enqueue(ctx context.Context, dbtx store.DBTX, kind entity.Kind, id string, op Op, payload json.RawMessage) (*Entry, error) {
	var pendingDeletes int
	err := dbtx.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM sync_queue
	WHERE kind = ? AND entity_id = ? AND op = ? AND dead_letter = 0
	`, string(kind), id, string(OpDelete)).Scan(&pendingDeletes)
	if err != nil {
		return nil, fmt.Errorf("failed to check pending deletes: %w", err)
	}
	if pendingDeletes > 0 {
		return nil, ErrDeletePending
	}

	if op == OpDelete {
		if _, err := dbtx.ExecContext(ctx, `
		DELETE FROM sync_queue WHERE kind = ? AND entity_id = ? AND dead_letter = 0
		`, string(kind), id); err != nil {
			return nil, fmt.Errorf("failed to compact queue before delete: %w", err)
		}
	}

	createdAt := q.now().UTC()
	res, err := dbtx.ExecContext(ctx, `
	INSERT INTO sync_queue (kind, entity_id, op, payload, created_at)
	VALUES (?, ?, ?, ?, ?)
	`, string(kind), id, string(op), string(payload), createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s %s/%s: %w", op, kind, id, err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue seq: %w", err)
	}

	return &Entry{
		Seq:       seq,
		Kind:      kind,
		EntityID:  id,
		Op:        op,
		Payload:   payload,
		CreatedAt: createdAt,
	}, nil
}

// Drain returns entries eligible for push, in insertion order.
// Dead-lettered entries are excluded. An entry still inside its backoff
// window withholds its ENTIRE entity stream, later entries included:
// releasing a later entry while an earlier one waits out its backoff
// would let the retry land after it and replay the id out of order.
// Restartable: calling twice without intervening mutation returns the
// same set.
//
// Pass an empty kind to drain every entity type.
func (q *Queue) Drain(ctx context.Context, kind entity.Kind) ([]*Entry, error) {
	query := `
	SELECT seq, kind, entity_id, op, payload, retry_count, last_error,
	       dead_letter, next_attempt_at, created_at
	FROM sync_queue AS e
	WHERE e.dead_letter = 0
	  AND NOT EXISTS (
	    SELECT 1 FROM sync_queue AS g
	    WHERE g.kind = e.kind AND g.entity_id = e.entity_id
	      AND g.dead_letter = 0 AND g.seq <= e.seq
	      AND g.next_attempt_at > ?
	  )
	`
	args := []any{q.now().UnixMilli()}

	if kind != "" {
		query += " AND e.kind = ?"
		args = append(args, string(kind))
	}
	query += " ORDER BY e.seq ASC"

	return q.queryEntries(ctx, query, args...)
}

// MarkSucceeded removes an entry after the server acknowledged it.
// Idempotent: re-marking a removed entry is a no-op.
func (q *Queue) MarkSucceeded(ctx context.Context, e *Entry) error {
	_, err := q.store.RawDB().ExecContext(ctx,
		`DELETE FROM sync_queue WHERE seq = ?`, e.Seq)
	if err != nil {
		return fmt.Errorf("failed to mark entry %d succeeded: %w", e.Seq, err)
	}
	return nil
}

// MarkFailed records a failed push attempt.
//
// Retryable failures increment the retry count and push the entry's next
// attempt out by an exponential backoff (base doubling per retry,
// capped). Terminal failures, and retryable ones that exhausted
// MaxRetries, are dead-lettered: kept for operator visibility but
// excluded from Drain. Returns whether the entry was dead-lettered.
func (q *Queue) MarkFailed(ctx context.Context, e *Entry, failure error, terminal bool) (bool, error) {
	retries := e.RetryCount + 1
	dead := terminal || retries >= q.cfg.MaxRetries

	next := q.now().Add(q.backoff(retries)).UnixMilli()
	if dead {
		next = 0
	}

	msg := ""
	if failure != nil {
		msg = failure.Error()
	}

	_, err := q.store.RawDB().ExecContext(ctx, `
	UPDATE sync_queue
	SET retry_count = ?, last_error = ?, dead_letter = ?, next_attempt_at = ?
	WHERE seq = ?
	`, retries, msg, boolToInt(dead), next, e.Seq)
	if err != nil {
		return false, fmt.Errorf("failed to mark entry %d failed: %w", e.Seq, err)
	}

	e.RetryCount = retries
	e.LastError = msg
	e.DeadLetter = dead
	e.NextAttemptAt = next
	return dead, nil
}

// backoff computes the delay before attempt n (1-based).
func (q *Queue) backoff(n int) time.Duration {
	d := q.cfg.BackoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= q.cfg.BackoffMax {
			return q.cfg.BackoffMax
		}
	}
	if d > q.cfg.BackoffMax {
		d = q.cfg.BackoffMax
	}
	return d
}

// Count returns the number of live (non-dead-letter) entries.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	err := q.store.RawDB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE dead_letter = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// PendingForEntity returns the live entries for one entity, in order.
func (q *Queue) PendingForEntity(ctx context.Context, kind entity.Kind, id string) ([]*Entry, error) {
	return q.queryEntries(ctx, `
	SELECT seq, kind, entity_id, op, payload, retry_count, last_error,
	       dead_letter, next_attempt_at, created_at
	FROM sync_queue
	WHERE kind = ? AND entity_id = ? AND dead_letter = 0
	ORDER BY seq ASC
	`, string(kind), id)
}

// PendingCountTx reports how many live entries reference the entity, on
// the given handle. The merge resolver uses it inside its transaction to
// decide whether a pulled record races a local edit.
func (q *Queue) PendingCountTx(ctx context.Context, dbtx store.DBTX, kind entity.Kind, id string) (int, error) {
	var n int
	err := dbtx.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM sync_queue
	WHERE kind = ? AND entity_id = ? AND dead_letter = 0
	`, string(kind), id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending entries: %w", err)
	}
	return n, nil
}

// DropPendingTx removes the live entries for one entity on the given
// handle. Called by the merge resolver when a newer remote record
// supersedes the local edit.
func (q *Queue) DropPendingTx(ctx context.Context, dbtx store.DBTX, kind entity.Kind, id string) error {
	_, err := dbtx.ExecContext(ctx, `
	DELETE FROM sync_queue WHERE kind = ? AND entity_id = ? AND dead_letter = 0
	`, string(kind), id)
	if err != nil {
		return fmt.Errorf("failed to drop pending entries for %s/%s: %w", kind, id, err)
	}
	return nil
}

// DeadLetters returns entries excluded from automatic retry, oldest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]*Entry, error) {
	return q.queryEntries(ctx, `
	SELECT seq, kind, entity_id, op, payload, retry_count, last_error,
	       dead_letter, next_attempt_at, created_at
	FROM sync_queue
	WHERE dead_letter = 1
	ORDER BY seq ASC
	`)
}

func (q *Queue) queryEntries(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := q.store.RawDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var kind, op, createdAt string
		var payload, lastErr sql.NullString
		var dead int

		err := rows.Scan(&e.Seq, &kind, &e.EntityID, &op, &payload, &e.RetryCount,
			&lastErr, &dead, &e.NextAttemptAt, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}

		e.Kind = entity.Kind(kind)
		e.Op = Op(op)
		e.DeadLetter = dead != 0
		if payload.Valid {
			e.Payload = []byte(payload.String)
		}
		e.LastError = lastErr.String
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}

		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}
	return entries, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
