package timeline

import (
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog/log"

	"github.com/notedeck/notedeck/internal/notecache"
	"github.com/notedeck/notedeck/internal/store"
)

// ViewFilter selects which notes of a timeline a view shows.
type ViewFilter int

const (
	// ViewNotes hides replies.
	ViewNotes ViewFilter = iota
	// ViewNotesAndReplies shows everything.
	ViewNotesAndReplies
)

// Name returns the view's display name.
func (v ViewFilter) Name() string {
	switch v {
	case ViewNotes:
		return "Notes"
	case ViewNotesAndReplies:
		return "Notes & Replies"
	}
	return "Unknown"
}

// Match evaluates the view's predicate over a note.
func (v ViewFilter) Match(cached *notecache.CachedNote, note *nostr.Event) bool {
	switch v {
	case ViewNotes:
		return !cached.Reply.IsReply()
	default:
		return true
	}
}

// ListCursor is the UI-side virtual-list cursor of a view. The timeline
// only signals it; rendering happens elsewhere.
type ListCursor struct {
	// Position is the anchor index the list is scrolled to.
	Position int
	// Resets counts how often the cursor was invalidated by a splice.
	Resets int
}

// ItemsInsertedAtStart shifts the anchor so the scroll offset is preserved.
func (c *ListCursor) ItemsInsertedAtStart(n int) {
	c.Position += n
}

// Reset invalidates the cursor.
func (c *ListCursor) Reset() {
	c.Position = 0
	c.Resets++
}

// TimelineTab is one filtered projection of a timeline: a strictly ordered,
// deduplicated ref sequence plus its list cursor.
type TimelineTab struct {
	Notes     []store.NoteRef
	Filter    ViewFilter
	Selection int
	List      ListCursor
}

// NewTimelineTab creates an empty view.
func NewTimelineTab(v ViewFilter) *TimelineTab {
	return &TimelineTab{Filter: v}
}

// Insert merges new refs (sorted newest-first) into the view, preserving
// the ordering invariant and signalling the list cursor. The reversed flag
// marks chronological (non-default) timelines, where the front-insert
// scroll preservation does not apply.
func (t *TimelineTab) Insert(newRefs []store.NoteRef, reversed bool) {
	if len(newRefs) == 0 {
		return
	}
	before := len(t.Notes)
	merged, kind := MergeSortedRefs(t.Notes, newRefs)
	t.Notes = merged

	inserted := len(t.Notes) - before
	if inserted == 0 {
		return
	}

	switch kind {
	case MergeSpliced:
		log.Debug().Int("count", inserted).Msg("Spliced insert, resetting list cursor")
		t.List.Reset()
	case MergeFrontInsert:
		if !reversed {
			t.List.ItemsInsertedAtStart(inserted)
		}
	}
}

// SelectDown moves the selection towards older notes.
func (t *TimelineTab) SelectDown() {
	if t.Selection+1 >= len(t.Notes) {
		return
	}
	t.Selection++
}

// SelectUp moves the selection towards newer notes.
func (t *TimelineTab) SelectUp() {
	if t.Selection == 0 {
		return
	}
	t.Selection--
}
