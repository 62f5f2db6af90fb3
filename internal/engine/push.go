package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/papertrailhq/papertrail/internal/bus"
	"github.com/papertrailhq/papertrail/internal/entity"
	"github.com/papertrailhq/papertrail/internal/queue"
	"github.com/papertrailhq/papertrail/internal/remote"
	"github.com/papertrailhq/papertrail/internal/store"
)

// PushStats summarizes one push run.
type PushStats struct {
	// Succeeded counts server-acknowledged queue entries.
	Succeeded int

	// Failed counts entries that failed this run (retryable ones stay
	// queued with backoff applied).
	Failed int

	// DeadLettered counts entries moved out of automatic retry.
	DeadLettered int

	// Deleted counts acknowledged delete operations.
	Deleted int
}

// PusherConfig holds push engine configuration.
type PusherConfig struct {
	// Concurrency bounds how many entity-id streams push in parallel
	// (default 4). Entries for the same id are always sequential.
	Concurrency int

	// Logger for push activity (default: stderr logger).
	Logger *log.Logger
}

// Pusher turns queued write intents into confirmed remote state.
type Pusher struct {
	store  *store.Store
	queue  *queue.Queue
	client *remote.Client
	bus    bus.Bus
	cfg    PusherConfig
}

// NewPusher creates a push engine. events may be nil.
func NewPusher(st *store.Store, q *queue.Queue, client *remote.Client, events bus.Bus, cfg PusherConfig) *Pusher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[push] ", log.LstdFlags)
	}
	return &Pusher{store: st, queue: q, client: client, bus: events, cfg: cfg}
}

// entityKey identifies one per-entity mutation stream.
type entityKey struct {
	kind entity.Kind
	id   string
}

// Push drains the queue against the remote API.
//
// Entries are grouped by entity id; each group replays strictly in
// insertion order and stops at its first failure so the server never
// sees operations for one id out of order. Groups run concurrently up
// to the configured limit. An authentication failure aborts the whole
// run, since every further call would fail the same way; the untouched
// entries simply wait for the next run.
func (p *Pusher) Push(ctx context.Context) (*PushStats, error) {
	entries, err := p.queue.Drain(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to drain queue: %w", err)
	}
	if len(entries) == 0 {
		return &PushStats{}, nil
	}

	// Group by entity id, preserving insertion order within each group.
	groups := make(map[entityKey][]*queue.Entry)
	var order []entityKey
	for _, e := range entries {
		k := entityKey{e.Kind, e.EntityID}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		stats   PushStats
		authErr error
	)
	sem := make(chan struct{}, p.cfg.Concurrency)

	for _, k := range order {
		group := groups[k]

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			groupStats, err := p.pushGroup(runCtx, group)

			mu.Lock()
			stats.Succeeded += groupStats.Succeeded
			stats.Failed += groupStats.Failed
			stats.DeadLettered += groupStats.DeadLettered
			stats.Deleted += groupStats.Deleted
			if err != nil && authErr == nil {
				authErr = err
				cancel()
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if stats.Succeeded > 0 {
		if err := p.store.SetLastPushAt(context.WithoutCancel(ctx), time.Now().UnixMilli()); err != nil {
			p.cfg.Logger.Printf("WARNING: failed to record push time: %v", err)
		}
	}

	p.cfg.Logger.Printf("Push complete: succeeded=%d failed=%d deadlettered=%d deleted=%d",
		stats.Succeeded, stats.Failed, stats.DeadLettered, stats.Deleted)

	return &stats, authErr
}

// pushGroup replays one entity's entries in order. The returned error is
// non-nil only for failures that must abort the whole run (auth).
func (p *Pusher) pushGroup(ctx context.Context, group []*queue.Entry) (PushStats, error) {
	var stats PushStats

	for i, e := range group {
		if ctx.Err() != nil {
			return stats, nil
		}

		ack, err := p.client.Push(ctx, mutationFor(e))
		if err != nil {
			if ctx.Err() != nil {
				// The run was canceled under us (another group hit an
				// auth failure); the entry is not at fault.
				return stats, nil
			}
			if remote.IsAuth(err) {
				// Leave the entry untouched: not the payload's fault.
				return stats, fmt.Errorf("push aborted: %w", err)
			}

			terminal := !remote.IsRetryable(err)
			dead, markErr := p.queue.MarkFailed(ctx, e, err, terminal)
			if markErr != nil {
				p.cfg.Logger.Printf("WARNING: %v", markErr)
			}

			stats.Failed++
			if dead {
				stats.DeadLettered++
				p.cfg.Logger.Printf("Dead-lettered %s %s/%s after %d attempts: %v",
					e.Op, e.Kind, e.EntityID, e.RetryCount, err)
				if serr := p.store.SetSyncStatus(ctx, e.Kind, e.EntityID, entity.StatusError); serr != nil {
					p.cfg.Logger.Printf("WARNING: %v", serr)
				}
			} else {
				p.cfg.Logger.Printf("Push failed (attempt %d) for %s %s/%s: %v",
					e.RetryCount, e.Op, e.Kind, e.EntityID, err)
			}

			// Later entries for this id must not overtake the failed one.
			return stats, nil
		}

		if err := p.queue.MarkSucceeded(ctx, e); err != nil {
			p.cfg.Logger.Printf("WARNING: %v", err)
		}
		stats.Succeeded++
		if e.Op == queue.OpDelete {
			stats.Deleted++
		}

		last := i == len(group)-1
		if err := p.confirm(ctx, e, ack, last); err != nil {
			p.cfg.Logger.Printf("WARNING: %v", err)
		}
	}

	return stats, nil
}

// confirm applies the server acknowledgment locally and broadcasts the
// committed mutation. The record flips to synced only once the entry
// that last touched it has been acknowledged; an acknowledged delete
// removes the tombstone row for real, the server owns it from here.
func (p *Pusher) confirm(ctx context.Context, e *queue.Entry, ack *remote.PushAck, last bool) error {
	if last {
		if e.Op == queue.OpDelete {
			if err := p.store.Remove(ctx, e.Kind, e.EntityID); err != nil {
				return err
			}
		} else if err := p.store.SetServerTimestamp(ctx, e.Kind, e.EntityID, ack.ServerUpdatedAt); err != nil {
			return err
		}
	}

	if p.bus != nil {
		p.bus.Publish(bus.Event{
			Type:     eventTypeFor(e.Op),
			Kind:     e.Kind,
			EntityID: e.EntityID,
		})
	}
	return nil
}

// mutationFor converts a queue entry's record snapshot to its wire form.
func mutationFor(e *queue.Entry) remote.Mutation {
	m := remote.Mutation{
		Kind: e.Kind,
		ID:   e.EntityID,
		Op:   string(e.Op),
	}

	var snapshot entity.Record
	if len(e.Payload) > 0 && json.Unmarshal(e.Payload, &snapshot) == nil {
		m.Payload = snapshot.Payload
		m.ClientUpdatedAt = snapshot.UpdatedAt
	}
	if m.ClientUpdatedAt == 0 {
		m.ClientUpdatedAt = e.CreatedAt.UnixMilli()
	}
	return m
}

func eventTypeFor(op queue.Op) bus.EventType {
	switch op {
	case queue.OpCreate:
		return bus.EventEntityCreated
	case queue.OpDelete:
		return bus.EventEntityDeleted
	default:
		return bus.EventEntityUpdated
	}
}
