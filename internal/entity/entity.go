// Package entity defines the generic record shape shared by every synced
// entity type (receipts, devices, bills, documents, subscriptions,
// reminders).
//
// The sync engine treats records uniformly: the payload is an opaque JSON
// blob that only the application layer decodes. Flat fields plus a
// last-write-wins timestamp keep records mergeable across devices.
package entity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies which entity table a record belongs to.
type Kind string

const (
	KindReceipt      Kind = "receipt"
	KindDevice       Kind = "device"
	KindBill         Kind = "bill"
	KindDocument     Kind = "document"
	KindSubscription Kind = "subscription"
	KindReminder     Kind = "reminder"
)

// Kinds lists every synced entity kind in a stable order.
var Kinds = []Kind{
	KindReceipt,
	KindDevice,
	KindBill,
	KindDocument,
	KindSubscription,
	KindReminder,
}

// Valid reports whether k is a known entity kind.
func (k Kind) Valid() bool {
	switch k {
	case KindReceipt, KindDevice, KindBill, KindDocument, KindSubscription, KindReminder:
		return true
	}
	return false
}

// SyncStatus is the local-only replication state of a record.
// It is never transmitted to the server.
type SyncStatus string

const (
	// StatusSynced means the record matches the last server-acknowledged state.
	StatusSynced SyncStatus = "synced"

	// StatusPending means a local edit has not yet been pushed.
	StatusPending SyncStatus = "pending"

	// StatusError means the last push attempt for this record failed terminally.
	StatusError SyncStatus = "error"
)

// Record is the generic synced-entity shape.
//
// ID is client-generated at creation time so creation can be optimistic
// without waiting on the server. UpdatedAt is unix milliseconds, set by
// whichever side wrote the record last, and is the sole conflict
// tie-breaker. Deleted marks a tombstone: deletion propagates as a
// flagged update, never as a bare removal, so late edits from another
// device cannot resurrect a record by accident.
type Record struct {
	Kind      Kind            `json:"kind"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	UpdatedAt int64           `json:"updated_at"`
	Deleted   bool            `json:"is_deleted"`

	// SyncStatus is local bookkeeping, excluded from the wire format.
	SyncStatus SyncStatus `json:"-"`
}

// Validate checks that the record carries the fields the engine requires.
// Payload contents are not inspected.
func (r *Record) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("unknown entity kind %q", r.Kind)
	}
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.UpdatedAt <= 0 {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// NewID mints a globally unique record id.
func NewID() string {
	return uuid.NewString()
}

// Now returns the current time as a unix-millisecond timestamp, the
// resolution used for UpdatedAt everywhere in the engine.
func Now() int64 {
	return time.Now().UnixMilli()
}
