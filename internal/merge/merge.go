// Package merge implements the conflict resolver that reconciles a pulled
// server snapshot against the local store.
//
// Resolution is deterministic last-write-wins on the record timestamp,
// with deletes treated as ordinary writes (tombstones). The whole
// snapshot, any queue compaction it causes, and the watermark advance are
// applied inside one local transaction: either the batch lands or none of
// it does.
package merge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/papertrailhq/papertrail/internal/entity"
	"github.com/papertrailhq/papertrail/internal/queue"
	"github.com/papertrailhq/papertrail/internal/remote"
	"github.com/papertrailhq/papertrail/internal/store"
)

// Result reports what a merge changed, for observability.
type Result struct {
	// ByKind counts applied records per entity kind.
	ByKind map[entity.Kind]int

	// Applied is the number of remote records that changed local state.
	Applied int

	// Skipped is the number of remote records the local state already
	// reflected or beat on timestamp.
	Skipped int

	// Superseded is the number of entities whose pending local edits were
	// dropped because a newer remote write won.
	Superseded int
}

// Resolver applies pull snapshots to the local store.
type Resolver struct {
	store  *store.Store
	queue  *queue.Queue
	logger *log.Logger
}

// New creates a Resolver. If logger is nil, a default stderr logger is used.
func New(st *store.Store, q *queue.Queue, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.New(os.Stderr, "[merge] ", log.LstdFlags)
	}
	return &Resolver{store: st, queue: q, logger: logger}
}

// Apply reconciles the snapshot record by record and advances the durable
// pull watermark, all in a single transaction.
//
// Per record, matched by (kind, id) against the local store:
//
//   - no local record: the remote one is inserted as synced (a tombstone
//     for an unknown id is a no-op, there is nothing to remove);
//   - a pending local edit exists: the remote record wins only when its
//     timestamp is strictly greater, in which case it overwrites local
//     state and the pending queue entries are dropped as superseded;
//     otherwise the local edit and its queue entries stay untouched and
//     the next push overwrites the server;
//   - no pending edit: plain last-write-wins, equal timestamps are a no-op.
//
// A winning tombstone removes the local record; a losing one leaves the
// local edit live, which will re-push and un-delete the record remotely.
// That asymmetry (edit beats delete when the edit is newer) is deliberate
// and load-bearing: it is the reading of last-write-wins that never
// discards the strictly newest user action.
//
// Applying the same snapshot twice leaves the store unchanged after the
// first call.
func (r *Resolver) Apply(ctx context.Context, snap *remote.Snapshot) (*Result, error) {
	res := &Result{ByKind: make(map[entity.Kind]int)}

	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		for kind, records := range snap.ByKind {
			if !kind.Valid() {
				r.logger.Printf("WARNING: skipping %d records of unknown kind %q", len(records), kind)
				continue
			}
			for i := range records {
				applied, superseded, err := r.applyOne(ctx, tx, kind, &records[i])
				if err != nil {
					return fmt.Errorf("failed to merge %s/%s: %w", kind, records[i].ID, err)
				}
				if applied {
					res.Applied++
					res.ByKind[kind]++
				} else {
					res.Skipped++
				}
				if superseded {
					res.Superseded++
				}
			}
		}

		// Watermark advances with the data or not at all.
		current, err := r.store.WatermarkTx(ctx, tx)
		if err != nil {
			return err
		}
		if snap.NewWatermark > current {
			if err := r.store.SetWatermarkTx(ctx, tx, snap.NewWatermark); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Printf("Merge complete: applied=%d skipped=%d superseded=%d",
		res.Applied, res.Skipped, res.Superseded)
	return res, nil
}

// applyOne merges a single remote record. Reports whether local state
// changed and whether pending local edits were dropped.
func (r *Resolver) applyOne(ctx context.Context, tx *sql.Tx, kind entity.Kind, rr *remote.RemoteRecord) (applied, superseded bool, err error) {
	local, err := r.store.GetTx(ctx, tx, kind, rr.ID)
	if errors.Is(err, sql.ErrNoRows) {
		if rr.Deleted {
			return false, false, nil
		}
		rec := remoteToRecord(kind, rr)
		if err := r.store.PutTx(ctx, tx, rec); err != nil {
			return false, false, err
		}
		return true, false, nil
	}
	if err != nil {
		return false, false, err
	}

	pending, err := r.queue.PendingCountTx(ctx, tx, kind, rr.ID)
	if err != nil {
		return false, false, err
	}

	// A local tombstone with no pending entries means its delete was
	// acked but the ack-side removal never landed; the server echoing
	// the tombstone back is the moment to finish the job.
	if rr.Deleted && local.Deleted && pending == 0 && rr.UpdatedAt >= local.UpdatedAt {
		if err := r.store.RemoveTx(ctx, tx, kind, rr.ID); err != nil {
			return false, false, err
		}
		return true, false, nil
	}

	// Remote wins only on a strictly greater timestamp; updated_at never
	// decreases through a merge.
	if rr.UpdatedAt <= local.UpdatedAt {
		return false, false, nil
	}

	if pending > 0 {
		if err := r.queue.DropPendingTx(ctx, tx, kind, rr.ID); err != nil {
			return false, false, err
		}
		superseded = true
	}

	if rr.Deleted {
		if err := r.store.RemoveTx(ctx, tx, kind, rr.ID); err != nil {
			return false, superseded, err
		}
		return true, superseded, nil
	}

	if err := r.store.PutTx(ctx, tx, remoteToRecord(kind, rr)); err != nil {
		return false, superseded, err
	}
	return true, superseded, nil
}

func remoteToRecord(kind entity.Kind, rr *remote.RemoteRecord) *entity.Record {
	return &entity.Record{
		Kind:       kind,
		ID:         rr.ID,
		Payload:    rr.Payload,
		UpdatedAt:  rr.UpdatedAt,
		Deleted:    rr.Deleted,
		SyncStatus: entity.StatusSynced,
	}
}
