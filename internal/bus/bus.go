// Package bus provides the cross-context broadcaster: fan-out of
// committed mutation and sync events to other execution contexts on the
// same device, so sibling tabs and processes can invalidate their
// in-memory caches.
//
// The Bus interface is the generic publish/subscribe contract; Hub is a
// loopback WebSocket implementation of the fan-out side. The sync engine
// only ever publishes; the underlying store serializes transactions, so
// no cross-context locking is needed.
package bus

import (
	"sync"
	"time"

	"github.com/papertrailhq/papertrail/internal/entity"
)

// EventType identifies a broadcast message.
type EventType string

const (
	EventEntityCreated EventType = "entity-created"
	EventEntityUpdated EventType = "entity-updated"
	EventEntityDeleted EventType = "entity-deleted"
	EventSyncCompleted EventType = "sync-completed"
)

// Event is the broadcast message contract.
type Event struct {
	Type      EventType   `json:"type"`
	Kind      entity.Kind `json:"entity_type,omitempty"`
	EntityID  string      `json:"entity_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Bus fans committed events out to interested contexts. Publish must
// never block the committing writer; slow consumers lose messages rather
// than stall a sync run.
type Bus interface {
	// Publish delivers an event to every current subscriber.
	Publish(ev Event)

	// Subscribe registers a handler for future events and returns an
	// unsubscribe function.
	Subscribe(fn func(Event)) (cancel func())

	// Close releases resources; subsequent publishes are dropped.
	Close() error
}

// MemBus is the in-process Bus used within a single context and in tests.
type MemBus struct {
	mu     sync.RWMutex
	subs   map[int]func(Event)
	nextID int
	closed bool
}

// NewMemBus creates an in-process bus.
func NewMemBus() *MemBus {
	return &MemBus{subs: make(map[int]func(Event))}
}

// Publish implements Bus. Handlers run synchronously in registration
// order; they must be cheap (cache invalidation, channel send).
func (b *MemBus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, fn := range b.subs {
		fn(ev)
	}
}

// Subscribe implements Bus.
func (b *MemBus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Close implements Bus.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]func(Event))
	return nil
}

// Tee is a Bus whose publishes reach both in-process subscribers and the
// cross-process WebSocket hub.
type Tee struct {
	local *MemBus
	hub   *Hub
}

// NewTee combines an in-process bus with a hub.
func NewTee(local *MemBus, hub *Hub) *Tee {
	return &Tee{local: local, hub: hub}
}

// Publish implements Bus.
func (t *Tee) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	t.local.Publish(ev)
	if t.hub != nil {
		t.hub.Publish(ev)
	}
}

// Subscribe implements Bus; subscriptions are in-process.
func (t *Tee) Subscribe(fn func(Event)) func() {
	return t.local.Subscribe(fn)
}

// Close implements Bus.
func (t *Tee) Close() error {
	err := t.local.Close()
	if t.hub != nil {
		if hubErr := t.hub.Close(); err == nil {
			err = hubErr
		}
	}
	return err
}
