package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/papertrailhq/papertrail/internal/entity"
)

// setupTestStore creates a temporary database for testing.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return st
}

func testRecord(kind entity.Kind, id string, updatedAt int64) *entity.Record {
	return &entity.Record{
		Kind:       kind,
		ID:         id,
		Payload:    json.RawMessage(`{"amount":100}`),
		UpdatedAt:  updatedAt,
		SyncStatus: entity.StatusPending,
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	rec := testRecord(entity.KindReceipt, "r1", 1000)
	if err := st.Put(ctx, rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := st.Get(ctx, entity.KindReceipt, "r1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != "r1" || got.UpdatedAt != 1000 || got.Deleted {
		t.Errorf("unexpected record: %+v", got)
	}
	if string(got.Payload) != `{"amount":100}` {
		t.Errorf("payload mismatch: %s", got.Payload)
	}
	if got.SyncStatus != entity.StatusPending {
		t.Errorf("expected pending, got %s", got.SyncStatus)
	}
}

func TestGetMissing(t *testing.T) {
	st := setupTestStore(t)

	_, err := st.Get(context.Background(), entity.KindBill, "nope")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestPutUpsert(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	if err := st.Put(ctx, testRecord(entity.KindDevice, "d1", 100)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	updated := testRecord(entity.KindDevice, "d1", 200)
	updated.Payload = json.RawMessage(`{"name":"Dishwasher"}`)
	if err := st.Put(ctx, updated); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	got, err := st.Get(ctx, entity.KindDevice, "d1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UpdatedAt != 200 || string(got.Payload) != `{"name":"Dishwasher"}` {
		t.Errorf("upsert did not replace: %+v", got)
	}
}

func TestListExcludesTombstones(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	live := testRecord(entity.KindBill, "b1", 100)
	dead := testRecord(entity.KindBill, "b2", 200)
	dead.Deleted = true

	for _, rec := range []*entity.Record{live, dead} {
		if err := st.Put(ctx, rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	recs, err := st.List(ctx, entity.KindBill, ListOptions{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "b1" {
		t.Errorf("expected only b1, got %d records", len(recs))
	}

	recs, err = st.List(ctx, entity.KindBill, ListOptions{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("List with deleted failed: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("expected 2 records with tombstones, got %d", len(recs))
	}
}

func TestSetServerTimestampNeverDecreases(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	if err := st.Put(ctx, testRecord(entity.KindReceipt, "r1", 500)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// An older server timestamp must not roll the record back.
	if err := st.SetServerTimestamp(ctx, entity.KindReceipt, "r1", 400); err != nil {
		t.Fatalf("SetServerTimestamp failed: %v", err)
	}
	got, _ := st.Get(ctx, entity.KindReceipt, "r1")
	if got.UpdatedAt != 500 {
		t.Errorf("timestamp decreased to %d", got.UpdatedAt)
	}
	if got.SyncStatus == entity.StatusSynced {
		t.Error("stale ack must not mark record synced")
	}

	if err := st.SetServerTimestamp(ctx, entity.KindReceipt, "r1", 600); err != nil {
		t.Fatalf("SetServerTimestamp failed: %v", err)
	}
	got, _ = st.Get(ctx, entity.KindReceipt, "r1")
	if got.UpdatedAt != 600 || got.SyncStatus != entity.StatusSynced {
		t.Errorf("ack not applied: %+v", got)
	}
}

func TestWatermarkPersistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	ctx := context.Background()

	w, err := st.Watermark(ctx)
	if err != nil {
		t.Fatalf("Watermark failed: %v", err)
	}
	if w != 0 {
		t.Errorf("fresh store watermark = %d, want 0", w)
	}

	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.SetWatermarkTx(ctx, tx, 12345)
	})
	if err != nil {
		t.Fatalf("SetWatermarkTx failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Survives reopen.
	st, err = Open(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer st.Close()

	w, err = st.Watermark(ctx)
	if err != nil {
		t.Fatalf("Watermark after reopen failed: %v", err)
	}
	if w != 12345 {
		t.Errorf("watermark = %d, want 12345", w)
	}
}

func TestWatermarkTxSeesUncommittedWrite(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := st.SetWatermarkTx(ctx, tx, 777); err != nil {
			return err
		}
		// The read must go through the same handle, or it would see
		// the pool's pre-transaction snapshot.
		w, err := st.WatermarkTx(ctx, tx)
		if err != nil {
			return err
		}
		if w != 777 {
			t.Errorf("in-transaction watermark = %d, want 777", w)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx failed: %v", err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := st.PutTx(ctx, tx, testRecord(entity.KindReceipt, "r1", 100)); err != nil {
			return err
		}
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error from WithTx")
	}

	if _, err := st.Get(ctx, entity.KindReceipt, "r1"); !errors.Is(err, sql.ErrNoRows) {
		t.Error("write survived a rolled-back transaction")
	}
}

func TestCountByKind(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	for i, kind := range []entity.Kind{entity.KindReceipt, entity.KindReceipt, entity.KindBill} {
		rec := testRecord(kind, entity.NewID(), int64(100+i))
		if err := st.Put(ctx, rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	counts, err := st.CountByKind(ctx)
	if err != nil {
		t.Fatalf("CountByKind failed: %v", err)
	}
	if counts[entity.KindReceipt] != 2 || counts[entity.KindBill] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}
