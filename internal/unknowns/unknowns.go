// Package unknowns tracks references mined from incoming notes — pubkeys,
// event ids, bech32 mentions — that the local store cannot yet resolve, and
// turns them into debounced batch fetch filters.
package unknowns

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog/log"

	"github.com/notedeck/notedeck/internal/filter"
	"github.com/notedeck/notedeck/internal/notecache"
	"github.com/notedeck/notedeck/internal/store"
)

// debounceQuiet is how long the set must sit unchanged before a follow-up
// batch is ready. The very first observation fires immediately.
const debounceQuiet = 2 * time.Second

// batchCap bounds how many ids a single batch filter may carry.
const batchCap = 500

// IDKind distinguishes what an unknown id refers to.
type IDKind int

const (
	// KindPubkey is a profile we have not seen a kind-0 for.
	KindPubkey IDKind = iota
	// KindNote is an event id the store cannot resolve.
	KindNote
)

// UnknownID is one missing reference.
type UnknownID struct {
	Kind IDKind
	// Value is the 64-char hex pubkey or event id.
	Value string
}

// UnknownIds accumulates missing references with their relay hints and the
// update timestamps driving the debounce. Single-owner; serialized by the
// frame loop.
type UnknownIds struct {
	ids map[UnknownID]map[string]struct{}

	firstUpdated time.Time
	lastUpdated  time.Time
	now          func() time.Time
}

// New creates an empty tracker.
func New() *UnknownIds {
	return &UnknownIds{
		ids: make(map[UnknownID]map[string]struct{}),
		now: time.Now,
	}
}

// Len returns the number of tracked ids.
func (u *UnknownIds) Len() int { return len(u.ids) }

// Contains reports whether the id is tracked.
func (u *UnknownIds) Contains(id UnknownID) bool {
	_, ok := u.ids[id]
	return ok
}

// RelayHints returns the hints recorded for an id.
func (u *UnknownIds) RelayHints(id UnknownID) []string {
	hints := u.ids[id]
	out := make([]string, 0, len(hints))
	for h := range hints {
		out = append(out, h)
	}
	return out
}

// Clear drops every tracked id. Called after a batch fetch is issued.
func (u *UnknownIds) Clear() {
	u.ids = make(map[UnknownID]map[string]struct{})
}

// ReadyToSend reports whether a batch fetch should be issued now: the set is
// non-empty and either this is the first observation or the set has been
// quiet for the debounce window.
func (u *UnknownIds) ReadyToSend() bool {
	if len(u.ids) == 0 {
		return false
	}
	if u.firstUpdated.Equal(u.lastUpdated) {
		return true
	}
	return u.now().Sub(u.lastUpdated) >= debounceQuiet
}

// markUpdated stamps the debounce clock after the set changed.
func (u *UnknownIds) markUpdated() {
	now := u.now()
	if u.firstUpdated.IsZero() {
		u.firstUpdated = now
	}
	u.lastUpdated = now
}

// add inserts an id with optional relay hints.
func (u *UnknownIds) add(id UnknownID, hints ...string) bool {
	set, known := u.ids[id]
	if !known {
		set = make(map[string]struct{})
		u.ids[id] = set
	}
	for _, h := range hints {
		if h != "" {
			set[h] = struct{}{}
		}
	}
	if !known {
		u.markUpdated()
	}
	return !known
}

// AddPubkeyIfMissing tracks the pubkey unless the store already has its
// profile.
func (u *UnknownIds) AddPubkeyIfMissing(txn *store.ReadTxn, st store.EventStore, pubkey string, hints ...string) {
	if len(pubkey) != 64 {
		return
	}
	if _, err := st.GetProfileByPubkey(txn, pubkey); err == nil {
		return
	}
	u.add(UnknownID{Kind: KindPubkey, Value: pubkey}, hints...)
}

// AddNoteIDIfMissing tracks the event id unless the store already has it.
func (u *UnknownIds) AddNoteIDIfMissing(txn *store.ReadTxn, st store.EventStore, id string, hints ...string) {
	if len(id) != 64 {
		return
	}
	if _, _, err := st.GetNoteByID(txn, id); err == nil {
		return
	}
	u.add(UnknownID{Kind: KindNote, Value: id}, hints...)
}

// UpdateFromNote scans a freshly seen note for references the store cannot
// resolve: the author profile, NIP-10 root and reply parents, and bech32
// mentions in the body. Returns whether anything new was tracked.
func (u *UnknownIds) UpdateFromNote(txn *store.ReadTxn, st store.EventStore, cache *notecache.NoteCache, key store.EventKey, note *nostr.Event) bool {
	before := len(u.ids)

	u.AddPubkeyIfMissing(txn, st, note.PubKey)

	cached := cache.CachedNoteOrInsert(key, note)
	if cached.Reply.IsReply() {
		u.AddNoteIDIfMissing(txn, st, cached.Reply.RootID, cached.Reply.RootRelay)
		if !cached.Reply.IsReplyToRoot() {
			u.AddNoteIDIfMissing(txn, st, cached.Reply.ReplyID, cached.Reply.ReplyRelay)
		}
	}

	for _, mention := range cached.Mentions {
		switch mention.Kind {
		case notecache.MentionPubkey:
			u.AddPubkeyIfMissing(txn, st, mention.ID, mention.Relays...)
		case notecache.MentionNote:
			mentioned, _, err := st.GetNoteByID(txn, mention.ID)
			if err != nil {
				u.AddNoteIDIfMissing(txn, st, mention.ID, mention.Relays...)
				if mention.Author != "" {
					u.AddPubkeyIfMissing(txn, st, mention.Author, mention.Relays...)
				}
			} else {
				u.AddPubkeyIfMissing(txn, st, mentioned.PubKey, mention.Relays...)
			}
		}
	}

	if len(u.ids) != before {
		log.Debug().Int("tracked", len(u.ids)).Msg("Unknown ids updated")
		return true
	}
	return false
}

// MarkResolved removes ids satisfied by a freshly ingested event: its id,
// and for kind-0 events the author profile.
func (u *UnknownIds) MarkResolved(evt *nostr.Event) {
	delete(u.ids, UnknownID{Kind: KindNote, Value: evt.ID})
	if evt.Kind == nostr.KindProfileMetadata {
		delete(u.ids, UnknownID{Kind: KindPubkey, Value: evt.PubKey})
	}
}

// Filter builds at most two batch filters from up to the first batchCap
// tracked ids: one for missing profiles, one for missing events. Returns nil
// when nothing is tracked.
func (u *UnknownIds) Filter() []filter.Filter {
	if len(u.ids) == 0 {
		return nil
	}

	var pubkeys, noteIDs []string
	taken := 0
	for id := range u.ids {
		if taken >= batchCap {
			break
		}
		taken++
		switch id.Kind {
		case KindPubkey:
			pubkeys = append(pubkeys, id.Value)
		case KindNote:
			noteIDs = append(noteIDs, id.Value)
		}
	}

	var filters []filter.Filter
	if len(pubkeys) > 0 {
		filters = append(filters, filter.New(nostr.Filter{
			Authors: pubkeys,
			Kinds:   []int{nostr.KindProfileMetadata},
		}))
	}
	if len(noteIDs) > 0 {
		filters = append(filters, filter.New(nostr.Filter{IDs: noteIDs}))
	}
	return filters
}
