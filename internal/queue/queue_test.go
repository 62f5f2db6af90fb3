package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/papertrailhq/papertrail/internal/entity"
	"github.com/papertrailhq/papertrail/internal/store"
)

func setupTestQueue(t *testing.T) (*Queue, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return New(st, DefaultConfig()), st
}

func enqueue(t *testing.T, q *Queue, st *store.Store, kind entity.Kind, id string, op Op) *Entry {
	t.Helper()

	entry, err := q.Enqueue(context.Background(), st.RawDB(), kind, id, op,
		json.RawMessage(`{"v":1}`))
	if err != nil {
		t.Fatalf("Enqueue %s %s/%s failed: %v", op, kind, id, err)
	}
	return entry
}

func TestEnqueueDrainOrder(t *testing.T) {
	q, st := setupTestQueue(t)
	ctx := context.Background()

	enqueue(t, q, st, entity.KindReceipt, "a", OpCreate)
	enqueue(t, q, st, entity.KindBill, "b", OpCreate)
	enqueue(t, q, st, entity.KindReceipt, "a", OpUpdate)

	entries, err := q.Drain(ctx, "")
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	// Strict insertion order across entities.
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq <= entries[i-1].Seq {
			t.Errorf("entries out of order: %d then %d", entries[i-1].Seq, entries[i].Seq)
		}
	}
	if entries[0].EntityID != "a" || entries[0].Op != OpCreate {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[2].EntityID != "a" || entries[2].Op != OpUpdate {
		t.Errorf("unexpected last entry: %+v", entries[2])
	}
}

func TestDrainFiltersByKind(t *testing.T) {
	q, st := setupTestQueue(t)

	enqueue(t, q, st, entity.KindReceipt, "a", OpCreate)
	enqueue(t, q, st, entity.KindBill, "b", OpCreate)

	entries, err := q.Drain(context.Background(), entity.KindBill)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != entity.KindBill {
		t.Errorf("expected only bill entries, got %+v", entries)
	}
}

func TestDeleteCompactsEarlierEntries(t *testing.T) {
	q, st := setupTestQueue(t)
	ctx := context.Background()

	enqueue(t, q, st, entity.KindDevice, "d1", OpCreate)
	enqueue(t, q, st, entity.KindDevice, "d1", OpUpdate)
	enqueue(t, q, st, entity.KindDevice, "other", OpCreate)
	enqueue(t, q, st, entity.KindDevice, "d1", OpDelete)

	entries, err := q.PendingForEntity(ctx, entity.KindDevice, "d1")
	if err != nil {
		t.Fatalf("PendingForEntity failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Op != OpDelete {
		t.Errorf("expected a single delete after compaction, got %+v", entries)
	}

	// Entries for other entities are untouched.
	entries, err = q.PendingForEntity(ctx, entity.KindDevice, "other")
	if err != nil {
		t.Fatalf("PendingForEntity failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("compaction touched another entity: %+v", entries)
	}
}

func TestEnqueueRejectedAfterPendingDelete(t *testing.T) {
	q, st := setupTestQueue(t)

	enqueue(t, q, st, entity.KindDevice, "d1", OpDelete)

	_, err := q.Enqueue(context.Background(), st.RawDB(), entity.KindDevice, "d1",
		OpUpdate, json.RawMessage(`{}`))
	if !errors.Is(err, ErrDeletePending) {
		t.Errorf("expected ErrDeletePending, got %v", err)
	}

	// A second delete for the same entity is also rejected.
	_, err = q.Enqueue(context.Background(), st.RawDB(), entity.KindDevice, "d1",
		OpDelete, nil)
	if !errors.Is(err, ErrDeletePending) {
		t.Errorf("expected ErrDeletePending for repeat delete, got %v", err)
	}
}

func TestMarkSucceededRemovesEntry(t *testing.T) {
	q, st := setupTestQueue(t)
	ctx := context.Background()

	entry := enqueue(t, q, st, entity.KindReceipt, "r1", OpCreate)

	if err := q.MarkSucceeded(ctx, entry); err != nil {
		t.Fatalf("MarkSucceeded failed: %v", err)
	}
	n, err := q.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty queue, got %d entries", n)
	}

	// Re-marking is a no-op.
	if err := q.MarkSucceeded(ctx, entry); err != nil {
		t.Errorf("second MarkSucceeded returned error: %v", err)
	}
}

func TestMarkFailedBackoffHidesEntry(t *testing.T) {
	q, st := setupTestQueue(t)
	ctx := context.Background()

	entry := enqueue(t, q, st, entity.KindReceipt, "r1", OpCreate)

	dead, err := q.MarkFailed(ctx, entry, errors.New("server busy"), false)
	if err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if dead {
		t.Fatal("first retryable failure must not dead-letter")
	}

	// Entry is inside its backoff window, so Drain skips it.
	entries, err := q.Drain(ctx, "")
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entry drained while in backoff: %+v", entries)
	}

	// After the backoff window elapses, it is eligible again.
	q.now = func() time.Time { return time.Now().Add(time.Hour) }
	entries, err = q.Drain(ctx, "")
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected entry back after backoff, got %d", len(entries))
	}
	if entries[0].RetryCount != 1 || entries[0].LastError != "server busy" {
		t.Errorf("retry state not persisted: %+v", entries[0])
	}
}

func TestBackoffWithholdsWholeStream(t *testing.T) {
	q, st := setupTestQueue(t)
	ctx := context.Background()

	first := enqueue(t, q, st, entity.KindReceipt, "r1", OpUpdate)
	enqueue(t, q, st, entity.KindReceipt, "r1", OpUpdate)
	enqueue(t, q, st, entity.KindBill, "b1", OpCreate)

	if _, err := q.MarkFailed(ctx, first, errors.New("server busy"), false); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	// The gated head hides the whole r1 stream; the later r1 entry must
	// not drain ahead of it. Other entities are unaffected.
	entries, err := q.Drain(ctx, "")
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(entries) != 1 || entries[0].EntityID != "b1" {
		t.Fatalf("expected only b1 while r1's head is in backoff, got %+v", entries)
	}

	// Once the backoff expires the stream drains whole, in order.
	q.now = func() time.Time { return time.Now().Add(time.Hour) }
	entries, err = q.Drain(ctx, "")
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries after backoff, got %d", len(entries))
	}
	var r1Seqs []int64
	for _, e := range entries {
		if e.EntityID == "r1" {
			r1Seqs = append(r1Seqs, e.Seq)
		}
	}
	if len(r1Seqs) != 2 || r1Seqs[0] >= r1Seqs[1] {
		t.Errorf("r1 stream out of order: %v", r1Seqs)
	}
	if r1Seqs[0] != first.Seq {
		t.Errorf("retried head %d not first in stream: %v", first.Seq, r1Seqs)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	q := New(nil, Config{MaxRetries: 10, BackoffBase: 2 * time.Second, BackoffMax: 10 * time.Second})

	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for i, w := range want {
		if got := q.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestDeadLetterAfterMaxRetries(t *testing.T) {
	q, st := setupTestQueue(t)
	ctx := context.Background()

	entry := enqueue(t, q, st, entity.KindReceipt, "r1", OpCreate)

	for i := 1; i <= DefaultConfig().MaxRetries; i++ {
		dead, err := q.MarkFailed(ctx, entry, errors.New("still busy"), false)
		if err != nil {
			t.Fatalf("MarkFailed %d failed: %v", i, err)
		}
		if wantDead := i == DefaultConfig().MaxRetries; dead != wantDead {
			t.Errorf("attempt %d: dead = %v, want %v", i, dead, wantDead)
		}
	}

	q.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	entries, err := q.Drain(ctx, "")
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(entries) != 0 {
		t.Error("dead-lettered entry still drains")
	}

	letters, err := q.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(letters) != 1 || !letters[0].DeadLetter {
		t.Errorf("expected one dead letter, got %+v", letters)
	}
}

func TestTerminalFailureDeadLettersImmediately(t *testing.T) {
	q, st := setupTestQueue(t)
	ctx := context.Background()

	entry := enqueue(t, q, st, entity.KindReceipt, "r1", OpCreate)

	dead, err := q.MarkFailed(ctx, entry, errors.New("validation rejected"), true)
	if err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if !dead {
		t.Error("terminal failure must dead-letter on first attempt")
	}

	letters, err := q.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(letters) != 1 || letters[0].RetryCount != 1 {
		t.Errorf("unexpected dead letters: %+v", letters)
	}
}

func TestDropPendingTx(t *testing.T) {
	q, st := setupTestQueue(t)
	ctx := context.Background()

	enqueue(t, q, st, entity.KindBill, "b1", OpCreate)
	enqueue(t, q, st, entity.KindBill, "b1", OpUpdate)
	enqueue(t, q, st, entity.KindBill, "b2", OpCreate)

	if err := q.DropPendingTx(ctx, st.RawDB(), entity.KindBill, "b1"); err != nil {
		t.Fatalf("DropPendingTx failed: %v", err)
	}

	n, err := q.PendingCountTx(ctx, st.RawDB(), entity.KindBill, "b1")
	if err != nil {
		t.Fatalf("PendingCountTx failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected b1 entries dropped, %d remain", n)
	}

	n, err = q.PendingCountTx(ctx, st.RawDB(), entity.KindBill, "b2")
	if err != nil {
		t.Fatalf("PendingCountTx failed: %v", err)
	}
	if n != 1 {
		t.Errorf("b2 entry dropped collaterally")
	}
}
