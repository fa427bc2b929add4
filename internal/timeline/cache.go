package timeline

import (
	"fmt"
	"sort"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog/log"

	"github.com/notedeck/notedeck/internal/filter"
	"github.com/notedeck/notedeck/internal/notecache"
	"github.com/notedeck/notedeck/internal/store"
	"github.com/notedeck/notedeck/internal/subman"
	"github.com/notedeck/notedeck/internal/unknowns"
)

// initialQueryCap bounds the snapshot inserted into a freshly opened
// timeline.
const initialQueryCap = 1000

// pollBatch bounds how many new keys one frame consumes per timeline.
const pollBatch = 500

// TimelineCache holds the keyed, refcounted set of live timelines and
// keeps each current. Single-owner; driven by the frame loop.
type TimelineCache struct {
	store store.EventStore
	mgr   *subman.SubMgr

	timelines map[string]*Timeline
}

// NewCache creates an empty timeline cache.
func NewCache(st store.EventStore, mgr *subman.SubMgr) *TimelineCache {
	return &TimelineCache{
		store:     st,
		mgr:       mgr,
		timelines: make(map[string]*Timeline),
	}
}

// Get returns the cached timeline for a kind, if open.
func (c *TimelineCache) Get(kind TimelineKind) (*Timeline, bool) {
	tl, ok := c.timelines[kind.CacheKey()]
	return tl, ok
}

// Len returns the number of open timelines.
func (c *TimelineCache) Len() int { return len(c.timelines) }

// Timelines returns the open timelines for inspection.
func (c *TimelineCache) Timelines() []*Timeline {
	out := make([]*Timeline, 0, len(c.timelines))
	for _, tl := range c.timelines {
		out = append(out, tl)
	}
	return out
}

// Open returns the timeline for the kind, bumping its refcount, creating
// and activating it on first open. Timelines whose filter state needs
// preparatory data start fetching it here and become ready in PollAll.
func (c *TimelineCache) Open(kind TimelineKind) (*Timeline, error) {
	key := kind.CacheKey()
	if tl, ok := c.timelines[key]; ok {
		tl.refcount++
		return tl, nil
	}

	tl := NewTimeline(kind, kind.InitialFilterState())
	tl.refcount = 1
	c.timelines[key] = tl

	switch tl.State.Kind() {
	case filter.StateReady:
		if err := c.activate(tl, tl.State.Filters()); err != nil {
			delete(c.timelines, key)
			return nil, err
		}
	case filter.StateNeedsRemote:
		if err := c.startPrep(tl); err != nil {
			delete(c.timelines, key)
			return nil, err
		}
	case filter.StateBroken:
		return nil, fmt.Errorf("timeline %s: %s", key, tl.State.Reason())
	}

	log.Info().Str("timeline", key).Msg("Opened timeline")
	return tl, nil
}

// Close decrements the refcount and tears the timeline down at zero: the
// subscription is closed on both store and relays.
func (c *TimelineCache) Close(kind TimelineKind) {
	key := kind.CacheKey()
	tl, ok := c.timelines[key]
	if !ok {
		return
	}
	tl.refcount--
	if tl.refcount > 0 {
		return
	}

	if tl.Sub != nil {
		if err := tl.Sub.Close(); err != nil {
			log.Debug().Err(err).Str("timeline", key).Msg("Unsubscribe failed")
		}
		tl.Sub = nil
	}
	if tl.prep != nil {
		if err := tl.prep.Close(); err != nil {
			log.Debug().Err(err).Str("timeline", key).Msg("Preparatory unsubscribe failed")
		}
		tl.prep = nil
	}
	delete(c.timelines, key)
	log.Info().Str("timeline", key).Msg("Dropped timeline")
}

// activate subscribes the timeline for its final filter set and seeds all
// views with an initial snapshot.
func (c *TimelineCache) activate(tl *Timeline, filters []filter.Filter) error {
	recv, err := c.mgr.Subscribe(subman.NewSubSpecBuilder().Filters(filters...).Build())
	if err != nil {
		tl.State = filter.Broken(err.Error())
		return err
	}
	tl.State = filter.Ready(filters)
	tl.Sub = recv

	txn := c.store.BeginReadTxn()
	defer txn.Release()

	refs := c.store.Query(txn, filters, initialQueryCap)
	for _, view := range tl.Views {
		filtered := refs
		if view.Filter != ViewNotesAndReplies {
			filtered = c.filterRefs(txn, view.Filter, refs)
		}
		view.Insert(filtered, false)
	}
	return nil
}

// filterRefs evaluates a view predicate over a snapshot.
func (c *TimelineCache) filterRefs(txn *store.ReadTxn, v ViewFilter, refs []store.NoteRef) []store.NoteRef {
	cache := notecache.New()
	var out []store.NoteRef
	for _, ref := range refs {
		note, err := c.store.GetNote(txn, ref.Key)
		if err != nil {
			continue
		}
		if v.Match(cache.CachedNoteOrInsert(ref.Key, note), note) {
			out = append(out, ref)
		}
	}
	return out
}

// startPrep issues the preparatory one-shot query that must complete before
// the real filter set can be built.
func (c *TimelineCache) startPrep(tl *Timeline) error {
	recv, err := c.mgr.Subscribe(subman.NewSubSpecBuilder().
		Filters(tl.State.Prep()...).
		Constraint(subman.OneShot()).
		Build())
	if err != nil {
		tl.State = filter.Broken(err.Error())
		return err
	}
	tl.prep = recv
	tl.State = filter.FetchingRemote(recv.Unified().Remote)
	return nil
}

// PollAll advances every open timeline one frame: preparatory fetches are
// checked for completion, active subscriptions are drained, new notes are
// routed through the unknown-id tracker and inserted into each view whose
// predicate matches.
func (c *TimelineCache) PollAll(cache *notecache.NoteCache, unk *unknowns.UnknownIds) {
	txn := c.store.BeginReadTxn()
	defer txn.Release()

	for _, tl := range c.timelines {
		switch tl.State.Kind() {
		case filter.StateFetchingRemote:
			c.pollPrep(txn, tl)
		case filter.StateReady:
			c.pollActive(txn, tl, cache, unk)
		}
	}
}

// pollPrep checks an in-flight preparatory fetch. When the contact list
// arrives the timeline transitions got-remote → ready and activates.
func (c *TimelineCache) pollPrep(txn *store.ReadTxn, tl *Timeline) {
	if tl.prep == nil {
		tl.State = filter.Broken("fetching-remote without receiver")
		return
	}
	keys := tl.prep.Poll(pollBatch)
	if len(keys) == 0 {
		return
	}

	// latest contact list wins
	var contactList *nostr.Event
	for _, key := range keys {
		note, err := c.store.GetNote(txn, key)
		if err != nil {
			continue
		}
		if contactList == nil || note.CreatedAt > contactList.CreatedAt {
			contactList = note
		}
	}
	if contactList == nil {
		return
	}

	tl.State = filter.GotRemote()
	_ = tl.prep.Close()
	tl.prep = nil

	filters := filter.FollowFilterFromContactList(contactList)
	if err := c.activate(tl, filters); err != nil {
		log.Error().Err(err).Str("timeline", tl.Kind.CacheKey()).Msg("Failed to activate timeline")
	}
}

// pollActive drains the timeline's subscription and inserts the new refs.
func (c *TimelineCache) pollActive(txn *store.ReadTxn, tl *Timeline, cache *notecache.NoteCache, unk *unknowns.UnknownIds) {
	if tl.Sub == nil {
		return
	}
	keys := tl.Sub.Poll(pollBatch)
	if len(keys) == 0 {
		return
	}

	type pair struct {
		note *nostr.Event
		ref  store.NoteRef
	}
	pairs := make([]pair, 0, len(keys))
	for _, key := range keys {
		note, err := c.store.GetNote(txn, key)
		if err != nil {
			log.Error().Err(err).Uint64("key", uint64(key)).Msg("Polled key did not resolve")
			continue
		}
		if unk != nil {
			unk.UpdateFromNote(txn, c.store, cache, key, note)
		}
		pairs = append(pairs, pair{note: note, ref: store.NoteRef{Key: key, CreatedAt: int64(note.CreatedAt)}})
	}
	if len(pairs) == 0 {
		return
	}

	for _, view := range tl.Views {
		refs := make([]store.NoteRef, 0, len(pairs))
		for _, p := range pairs {
			if view.Filter.Match(cache.CachedNoteOrInsert(p.ref.Key, p.note), p.note) {
				refs = append(refs, p.ref)
			}
		}
		sortRefsDesc(refs)
		view.Insert(refs, false)
	}
}

// sortRefsDesc sorts refs newest-first; poll batches arrive in insertion
// order, not view order.
func sortRefsDesc(refs []store.NoteRef) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].Before(refs[j]) })
}
