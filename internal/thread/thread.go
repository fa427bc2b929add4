// Package thread walks reply chains for an open thread selection, keeps a
// live subscription to the selected note's direct replies, and tracks
// has-unread-replies indicators for ancestors.
package thread

import (
	"fmt"
	"sort"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog/log"

	"github.com/notedeck/notedeck/internal/filter"
	"github.com/notedeck/notedeck/internal/notecache"
	"github.com/notedeck/notedeck/internal/store"
	"github.com/notedeck/notedeck/internal/subman"
	"github.com/notedeck/notedeck/internal/timeline"
	"github.com/notedeck/notedeck/internal/unknowns"
)

// seedQueryCap bounds the initial direct-replies snapshot.
const seedQueryCap = 500

// pollBatch bounds per-frame reply intake.
const pollBatch = 10

// ParentKind classifies what we know about a note's parent.
type ParentKind int

const (
	// ParentUnknown means the chain above has not been walked yet.
	ParentUnknown ParentKind = iota
	// ParentNone means the note is a root.
	ParentNone
	// ParentKnown means the parent id is recorded.
	ParentKnown
)

// ParentState records a note's position in its reply chain.
type ParentState struct {
	Kind ParentKind
	// ID is the parent note id for ParentKnown.
	ID string
}

// ThreadNode is the per-note state of the thread engine.
type ThreadNode struct {
	// Replies holds direct replies sorted ascending by created_at.
	Replies []store.NoteRef
	// Prev is what we know about the note's parent.
	Prev ParentState
	// HaveAllAncestors is set once the chain walked from this note
	// terminates at a root.
	HaveAllAncestors bool
	// List is the UI-side cursor for the reply list.
	List timeline.ListCursor
}

// Selection identifies the thread and the note the user is focused on.
type Selection struct {
	Root string
	// Selected is empty when the root itself is focused.
	Selected string
}

// SelectedOrRoot returns the note whose direct replies are shown.
func (s Selection) SelectedOrRoot() string {
	if s.Selected != "" {
		return s.Selected
	}
	return s.Root
}

func (s Selection) key() string {
	return s.Root + "/" + s.SelectedOrRoot()
}

func (s Selection) String() string {
	return fmt.Sprintf("thread(root=%.8s selected=%.8s)", s.Root, s.SelectedOrRoot())
}

// SeenFlags tracks which notes have unread replies: true means the note has
// at least one reply and has not been viewed since.
type SeenFlags struct {
	flags map[string]bool
}

func newSeenFlags() *SeenFlags {
	return &SeenFlags{flags: make(map[string]bool)}
}

// MarkSeen clears the unread indicator for a note the user selected.
func (s *SeenFlags) MarkSeen(noteID string) {
	s.flags[noteID] = false
}

// MarkReplies records whether a note has replies the user has not viewed.
func (s *SeenFlags) MarkReplies(noteID string, hasReplies bool) {
	s.flags[noteID] = hasReplies
}

// Get returns the flag for a note, if tracked.
func (s *SeenFlags) Get(noteID string) (bool, bool) {
	v, ok := s.flags[noteID]
	return v, ok
}

// Contains reports whether the note is tracked at all.
func (s *SeenFlags) Contains(noteID string) bool {
	_, ok := s.flags[noteID]
	return ok
}

type threadSub struct {
	recv     *subman.SubReceiver
	refcount int
}

// Engine owns the open thread state: nodes by note id, per-selection
// subscriptions, and the unread indicators. Single-owner; driven by the
// frame loop.
type Engine struct {
	store store.EventStore
	mgr   *subman.SubMgr
	cache *notecache.NoteCache

	nodes map[string]*ThreadNode
	subs  map[string]*threadSub
	seen  *SeenFlags

	active *Selection
}

// NewEngine creates a thread engine.
func NewEngine(st store.EventStore, mgr *subman.SubMgr, cache *notecache.NoteCache) *Engine {
	return &Engine{
		store: st,
		mgr:   mgr,
		cache: cache,
		nodes: make(map[string]*ThreadNode),
		subs:  make(map[string]*threadSub),
		seen:  newSeenFlags(),
	}
}

// Seen exposes the unread indicators.
func (e *Engine) Seen() *SeenFlags { return e.seen }

// Node returns the thread node for a note id, if present.
func (e *Engine) Node(noteID string) (*ThreadNode, bool) {
	node, ok := e.nodes[noteID]
	return node, ok
}

// Active returns the currently open selection, if any.
func (e *Engine) Active() *Selection { return e.active }

// directRepliesFilter builds the local filter for the replies shown under
// the selection: replies to the selected note when one is set, root replies
// otherwise. The reply-structure predicate cannot be expressed in NIP-01
// and is dropped when the filter goes remote.
func directRepliesFilter(sel Selection) filter.Filter {
	base := nostr.Filter{
		Kinds: []int{nostr.KindTextNote},
		Tags:  nostr.TagMap{"e": []string{sel.Root}},
	}

	if sel.Selected != "" && sel.Selected != sel.Root {
		selected := sel.Selected
		return filter.NewWithPredicate(base, func(evt *nostr.Event) bool {
			reply := notecache.ParseNoteReply(evt.Tags)
			if reply.IsReplyToRoot() {
				return false
			}
			return reply.ReplyID == selected
		})
	}

	root := sel.Root
	return filter.NewWithPredicate(base, func(evt *nostr.Event) bool {
		reply := notecache.ParseNoteReply(evt.Tags)
		return reply.IsReplyToRoot() && reply.RootID == root
	})
}

// remoteFilters builds the REQ filter set for an open thread: all activity
// under the root, plus the root itself in case it is missing locally.
func remoteFilters(sel Selection) []filter.Filter {
	return []filter.Filter{
		filter.New(nostr.Filter{
			Kinds: []int{nostr.KindTextNote},
			Tags:  nostr.TagMap{"e": []string{sel.Root}},
		}),
		filter.New(nostr.Filter{
			IDs:   []string{sel.Root},
			Limit: 1,
		}),
	}
}

// Open starts (or re-enters) a thread selection: it marks the selected note
// seen, opens the local and remote subscriptions, and seeds the node's
// replies from the store.
func (e *Engine) Open(sel Selection) error {
	log.Info().Stringer("selection", sel).Msg("Opening thread")

	selectedID := sel.SelectedOrRoot()
	e.seen.MarkSeen(selectedID)

	if _, ok := e.nodes[selectedID]; !ok {
		e.nodes[selectedID] = &ThreadNode{Prev: ParentState{Kind: ParentUnknown}}
	}

	if sub, ok := e.subs[sel.key()]; ok {
		sub.refcount++
		e.active = &sel
		return nil
	}

	local := directRepliesFilter(sel)
	spec := subman.NewSubSpecBuilder().
		Filters(local).
		RemoteFilters(remoteFilters(sel)...).
		Build()

	recv, err := e.mgr.Subscribe(spec)
	if err != nil {
		return fmt.Errorf("thread: subscribe: %w", err)
	}
	e.subs[sel.key()] = &threadSub{recv: recv, refcount: 1}
	e.active = &sel

	// seed direct replies
	txn := e.store.BeginReadTxn()
	defer txn.Release()
	refs := e.store.Query(txn, []filter.Filter{local}, seedQueryCap)
	node := e.nodes[selectedID]
	for _, ref := range refs {
		node.insertReply(ref)
	}
	return nil
}

// Close leaves a thread selection, dropping the subscription pair when the
// last navigation path releases it.
func (e *Engine) Close(sel Selection) {
	log.Info().Stringer("selection", sel).Msg("Closing thread")

	sub, ok := e.subs[sel.key()]
	if !ok {
		return
	}
	sub.refcount--
	if sub.refcount > 0 {
		return
	}
	if err := sub.recv.Close(); err != nil {
		log.Debug().Err(err).Stringer("selection", sel).Msg("Thread unsubscribe failed")
	}
	delete(e.subs, sel.key())

	if e.active != nil && e.active.key() == sel.key() {
		e.active = nil
	}
}

// insertReply adds a direct reply keeping ascending created_at order and
// key-level dedup.
func (n *ThreadNode) insertReply(ref store.NoteRef) bool {
	for _, existing := range n.Replies {
		if existing.Key == ref.Key {
			return false
		}
	}
	i := sort.Search(len(n.Replies), func(i int) bool {
		if n.Replies[i].CreatedAt != ref.CreatedAt {
			return n.Replies[i].CreatedAt > ref.CreatedAt
		}
		return n.Replies[i].Key > ref.Key
	})
	n.Replies = append(n.Replies, store.NoteRef{})
	copy(n.Replies[i+1:], n.Replies[i:])
	n.Replies[i] = ref
	return true
}

// UpdateActive advances the open thread one frame: the ancestor chain is
// walked (registering unknown parents), the local subscription is polled,
// and fresh direct replies are folded into the node.
func (e *Engine) UpdateActive(unk *unknowns.UnknownIds) {
	if e.active == nil {
		return
	}
	sel := *e.active

	txn := e.store.BeginReadTxn()
	defer txn.Release()

	selectedID := sel.SelectedOrRoot()
	if selected, _, err := e.store.GetNoteByID(txn, selectedID); err == nil {
		e.walkAncestors(txn, selected, unk)
	} else if unk != nil {
		unk.AddNoteIDIfMissing(txn, e.store, selectedID)
	}

	sub, ok := e.subs[sel.key()]
	if !ok {
		return
	}
	keys := sub.recv.Poll(pollBatch)
	if len(keys) == 0 {
		return
	}

	node := e.nodes[selectedID]
	inserted := 0
	for _, key := range keys {
		note, err := e.store.GetNote(txn, key)
		if err != nil {
			continue
		}
		if unk != nil {
			unk.UpdateFromNote(txn, e.store, e.cache, key, note)
		}
		if node.insertReply(store.NoteRef{Key: key, CreatedAt: int64(note.CreatedAt)}) {
			inserted++
		}
	}
	if inserted > 0 {
		log.Debug().Int("count", inserted).Stringer("selection", sel).Msg("New thread replies")
	}
}

// walkAncestors follows reply-parent links from the selected note towards
// the root, creating nodes along the way. Unknown parents are registered
// with the unknown-id tracker and the walk stops; the chain is complete
// when it terminates at a note with no parent.
func (e *Engine) walkAncestors(txn *store.ReadTxn, selected *nostr.Event, unk *unknowns.UnknownIds) {
	const maxDepth = 256

	cur := selected
	for depth := 0; depth < maxDepth; depth++ {
		node := e.nodeFor(cur.ID)
		if node.HaveAllAncestors {
			return
		}

		_, curKey, err := e.store.GetNoteByID(txn, cur.ID)
		if err != nil {
			return
		}
		reply := e.cache.CachedNoteOrInsert(curKey, cur).Reply

		if !reply.IsReply() {
			node.Prev = ParentState{Kind: ParentNone}
			node.HaveAllAncestors = true
			e.markChainComplete(selected.ID, cur.ID)
			return
		}

		parentID := reply.ReplyTarget()
		if node.Prev.Kind == ParentUnknown {
			node.Prev = ParentState{Kind: ParentKnown, ID: parentID}
		}

		parent, parentKey, err := e.store.GetNoteByID(txn, parentID)
		if err != nil {
			// chain breaks here until the parent is fetched
			if unk != nil {
				unk.AddNoteIDIfMissing(txn, e.store, parentID, reply.ReplyTargetRelay())
			}
			return
		}

		if unk != nil {
			unk.UpdateFromNote(txn, e.store, e.cache, parentKey, parent)
		}

		// surface the unread indicator for a newly discovered ancestor
		if !e.seen.Contains(parent.ID) {
			hasReplies := e.SelectedHasAtLeastNReplies(Selection{Root: rootOf(e.cache, parentKey, parent), Selected: parent.ID}, 1)
			e.seen.MarkReplies(parent.ID, hasReplies)
		}

		cur = parent
	}
}

// rootOf resolves the thread root of a note, falling back to the note
// itself for roots.
func rootOf(cache *notecache.NoteCache, key store.EventKey, note *nostr.Event) string {
	reply := cache.CachedNoteOrInsert(key, note).Reply
	if reply.IsReply() {
		return reply.RootID
	}
	return note.ID
}

// nodeFor returns (creating if needed) the node for a note id.
func (e *Engine) nodeFor(noteID string) *ThreadNode {
	node, ok := e.nodes[noteID]
	if !ok {
		node = &ThreadNode{Prev: ParentState{Kind: ParentUnknown}}
		e.nodes[noteID] = node
	}
	return node
}

// markChainComplete sets HaveAllAncestors on every node between the
// selected note and the discovered root.
func (e *Engine) markChainComplete(fromID, rootID string) {
	txn := e.store.BeginReadTxn()
	defer txn.Release()

	cur := fromID
	for i := 0; i < 256; i++ {
		node := e.nodeFor(cur)
		node.HaveAllAncestors = true
		if cur == rootID || node.Prev.Kind != ParentKnown {
			return
		}
		cur = node.Prev.ID
	}
}

// SelectedHasAtLeastNReplies reports whether the selection has at least n
// direct replies locally, via a bounded query.
func (e *Engine) SelectedHasAtLeastNReplies(sel Selection, n int) bool {
	txn := e.store.BeginReadTxn()
	defer txn.Release()

	refs := e.store.Query(txn, []filter.Filter{directRepliesFilter(sel)}, n)
	return len(refs) >= n
}
