// Package store defines the event database boundary consumed by the rest of
// the engine, plus DB, an implementation that keeps its key index in memory
// and persists event content through a fiatjaf/eventstore backend.
package store

import (
	"context"
	"errors"

	"github.com/nbd-wtf/go-nostr"

	"github.com/notedeck/notedeck/internal/filter"
)

var (
	// ErrNotFound is returned when a key, id or profile cannot be resolved.
	ErrNotFound = errors.New("store: not found")
	// ErrNoSub names an unknown subscription. DB does not return it: Poll
	// yields nil and Stream a closed channel for an unknown subscription.
	ErrNoSub = errors.New("store: no such subscription")
)

// EventKey is an opaque handle for a stored event, assigned monotonically at
// ingest. Keys are cheap to copy and stay resolvable for the lifetime of the
// process; they do not outlive the store.
type EventKey uint64

// StoreSubID identifies a persistent matcher registered with Subscribe.
type StoreSubID uint64

// NoteRef is the sort key for all views: reverse-chronological by CreatedAt
// with EventKey as tie-breaker (larger key is newer among equal timestamps).
type NoteRef struct {
	Key       EventKey
	CreatedAt int64
}

// Before reports whether a sorts before b in view order (a is newer).
func (a NoteRef) Before(b NoteRef) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.Key > b.Key
}

// EventStore is the abstract local event database. Implementations must be
// safe for concurrent read transactions alongside writers appending via
// IngestFrame.
type EventStore interface {
	// BeginReadTxn opens a scoped read transaction. Callers must Release it
	// on all exit paths.
	BeginReadTxn() *ReadTxn

	// IngestFrame inserts a raw event JSON payload. Idempotent by content
	// id: re-ingesting the same event returns the same key.
	IngestFrame(raw []byte) (EventKey, error)

	// Query returns matches for the filter set, reverse-chronological.
	// A negative limit means unlimited.
	Query(txn *ReadTxn, filters []filter.Filter, limit int) []NoteRef

	// Subscribe registers a persistent matcher; subsequent ingests that
	// match are queued for the subscription.
	Subscribe(filters []filter.Filter) StoreSubID

	// Poll returns up to max new matches since the last poll, in insertion
	// order. It never blocks.
	Poll(sub StoreSubID, max int) []EventKey

	// Stream returns batches of new matches as they land. The channel is
	// closed when the subscription is released or the context ends.
	Stream(ctx context.Context, sub StoreSubID) <-chan []EventKey

	// GetNote resolves a key to its note.
	GetNote(txn *ReadTxn, key EventKey) (*nostr.Event, error)

	// GetNoteByID resolves a 64-char hex event id.
	GetNoteByID(txn *ReadTxn, id string) (*nostr.Event, EventKey, error)

	// GetProfileByPubkey returns the latest kind-0 event for the pubkey.
	GetProfileByPubkey(txn *ReadTxn, pubkey string) (*nostr.Event, error)

	// Unsubscribe releases the matcher and closes its streams.
	Unsubscribe(sub StoreSubID)
}

// ReadTxn scopes a group of reads. The store is append-only with respect to
// keys, so reads inside a transaction are stable; the transaction mainly
// exists to make the read scope explicit and releasable on all exit paths.
type ReadTxn struct {
	db       *DB
	released bool
}

// Release ends the transaction. Safe to call more than once.
func (t *ReadTxn) Release() {
	t.released = true
}
