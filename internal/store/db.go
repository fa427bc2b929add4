package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/fiatjaf/eventstore"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/notedeck/notedeck/internal/filter"
)

// DB implements EventStore. Event content is persisted through an optional
// eventstore backend; the key index, profile index and subscription queues
// live in memory. Keys are assigned monotonically and never reused.
type DB struct {
	backend eventstore.Store

	mu       sync.Mutex
	nextKey  EventKey
	nextSub  StoreSubID
	byID     map[string]EventKey
	refs     []NoteRef // sorted newest-first
	profiles map[string]EventKey
	subs     map[StoreSubID]*storeSub

	notes *xsync.MapOf[EventKey, *nostr.Event]
}

type storeSub struct {
	filters []filter.Filter

	mu     sync.Mutex
	queue  []EventKey
	notify chan struct{}
	closed bool
}

// New creates a DB without a durable backend. Events live in memory only.
func New() *DB {
	return &DB{
		byID:     make(map[string]EventKey),
		profiles: make(map[string]EventKey),
		subs:     make(map[StoreSubID]*storeSub),
		notes:    xsync.NewMapOf[EventKey, *nostr.Event](),
	}
}

// NewWithBackend creates a DB that persists events through the given
// eventstore backend and rebuilds its key index from it.
func NewWithBackend(ctx context.Context, backend eventstore.Store) (*DB, error) {
	db := New()
	db.backend = backend

	ch, err := backend.QueryEvents(ctx, nostr.Filter{})
	if err != nil {
		return nil, fmt.Errorf("store: loading backend: %w", err)
	}

	var loaded int
	for evt := range ch {
		db.index(evt)
		loaded++
	}
	if loaded > 0 {
		log.Info().Int("events", loaded).Msg("Rebuilt event index from backend")
	}
	return db, nil
}

// BeginReadTxn opens a scoped read transaction.
func (db *DB) BeginReadTxn() *ReadTxn {
	return &ReadTxn{db: db}
}

// IngestFrame inserts a raw event JSON payload, persists it to the backend
// if one is configured, and delivers the new key to matching subscriptions.
func (db *DB) IngestFrame(raw []byte) (EventKey, error) {
	evt := &nostr.Event{}
	if err := json.Unmarshal(raw, evt); err != nil {
		return 0, fmt.Errorf("store: bad event json: %w", err)
	}
	if len(evt.ID) != 64 {
		return 0, fmt.Errorf("store: bad event id %q", evt.ID)
	}

	db.mu.Lock()
	if key, ok := db.byID[evt.ID]; ok {
		db.mu.Unlock()
		return key, nil
	}
	db.mu.Unlock()

	if db.backend != nil {
		if err := db.backend.SaveEvent(context.Background(), evt); err != nil {
			return 0, fmt.Errorf("store: backend save: %w", err)
		}
	}

	db.mu.Lock()
	// a concurrent ingest may have won the race
	if key, ok := db.byID[evt.ID]; ok {
		db.mu.Unlock()
		return key, nil
	}
	key := db.index(evt)
	matched := db.matchingSubs(evt)
	db.mu.Unlock()

	for _, sub := range matched {
		sub.push(key)
	}
	return key, nil
}

// index assigns a key and updates the in-memory indexes. Caller holds mu
// (or is the sole owner during load).
func (db *DB) index(evt *nostr.Event) EventKey {
	db.nextKey++
	key := db.nextKey

	db.byID[evt.ID] = key
	db.notes.Store(key, evt)

	ref := NoteRef{Key: key, CreatedAt: int64(evt.CreatedAt)}
	i := sort.Search(len(db.refs), func(i int) bool { return ref.Before(db.refs[i]) })
	db.refs = append(db.refs, NoteRef{})
	copy(db.refs[i+1:], db.refs[i:])
	db.refs[i] = ref

	if evt.Kind == nostr.KindProfileMetadata {
		prev, ok := db.profiles[evt.PubKey]
		if !ok {
			db.profiles[evt.PubKey] = key
		} else if prevEvt, found := db.notes.Load(prev); found && evt.CreatedAt > prevEvt.CreatedAt {
			db.profiles[evt.PubKey] = key
		}
	}
	return key
}

func (db *DB) matchingSubs(evt *nostr.Event) []*storeSub {
	var matched []*storeSub
	for _, sub := range db.subs {
		if filter.MatchesAny(sub.filters, evt) {
			matched = append(matched, sub)
		}
	}
	return matched
}

// Query returns matches for the filter set, reverse-chronological with
// EventKey tie-break. A negative limit means unlimited.
func (db *DB) Query(txn *ReadTxn, filters []filter.Filter, limit int) []NoteRef {
	db.mu.Lock()
	refs := make([]NoteRef, len(db.refs))
	copy(refs, db.refs)
	db.mu.Unlock()

	var out []NoteRef
	for _, ref := range refs {
		evt, ok := db.notes.Load(ref.Key)
		if !ok {
			continue
		}
		if filter.MatchesAny(filters, evt) {
			out = append(out, ref)
			if limit >= 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// Subscribe registers a persistent matcher.
func (db *DB) Subscribe(filters []filter.Filter) StoreSubID {
	sub := &storeSub{
		filters: filters,
		notify:  make(chan struct{}, 1),
	}

	db.mu.Lock()
	db.nextSub++
	id := db.nextSub
	db.subs[id] = sub
	db.mu.Unlock()
	return id
}

// Poll returns up to max new matches since the last poll, in insertion
// order, without blocking.
func (db *DB) Poll(sub StoreSubID, max int) []EventKey {
	db.mu.Lock()
	s, ok := db.subs[sub]
	db.mu.Unlock()
	if !ok {
		return nil
	}
	return s.pop(max)
}

// Stream returns batches of new matches as they land, until the context
// ends or the subscription is released.
func (db *DB) Stream(ctx context.Context, sub StoreSubID) <-chan []EventKey {
	out := make(chan []EventKey)

	db.mu.Lock()
	s, ok := db.subs[sub]
	db.mu.Unlock()
	if !ok {
		close(out)
		return out
	}

	go func() {
		defer close(out)
		for {
			keys := s.pop(-1)
			if len(keys) > 0 {
				select {
				case out <- keys:
				case <-ctx.Done():
					return
				}
				continue
			}
			if s.isClosed() {
				return
			}
			select {
			case <-s.notify:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// GetNote resolves a key to its note.
func (db *DB) GetNote(txn *ReadTxn, key EventKey) (*nostr.Event, error) {
	evt, ok := db.notes.Load(key)
	if !ok {
		return nil, ErrNotFound
	}
	return evt, nil
}

// GetNoteByID resolves a 64-char hex event id.
func (db *DB) GetNoteByID(txn *ReadTxn, id string) (*nostr.Event, EventKey, error) {
	db.mu.Lock()
	key, ok := db.byID[id]
	db.mu.Unlock()
	if !ok {
		return nil, 0, ErrNotFound
	}
	evt, found := db.notes.Load(key)
	if !found {
		return nil, 0, ErrNotFound
	}
	return evt, key, nil
}

// GetProfileByPubkey returns the latest kind-0 event for the pubkey.
func (db *DB) GetProfileByPubkey(txn *ReadTxn, pubkey string) (*nostr.Event, error) {
	db.mu.Lock()
	key, ok := db.profiles[pubkey]
	db.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	evt, found := db.notes.Load(key)
	if !found {
		return nil, ErrNotFound
	}
	return evt, nil
}

// Unsubscribe releases the matcher and wakes any streams so they can end.
func (db *DB) Unsubscribe(sub StoreSubID) {
	db.mu.Lock()
	s, ok := db.subs[sub]
	delete(db.subs, sub)
	db.mu.Unlock()
	if ok {
		s.close()
	}
}

// Close releases the backend, if any.
func (db *DB) Close() {
	if db.backend != nil {
		db.backend.Close()
	}
}

func (s *storeSub) push(key EventKey) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, key)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pop removes up to max keys from the queue; negative max drains it.
func (s *storeSub) pop(max int) []EventKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.queue)
	if n == 0 {
		return nil
	}
	if max >= 0 && n > max {
		n = max
	}
	out := make([]EventKey, n)
	copy(out, s.queue[:n])
	s.queue = s.queue[n:]
	return out
}

func (s *storeSub) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *storeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
