package notecache

import (
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/notedeck/notedeck/internal/store"
)

// CachedNote holds precomputed per-note metadata.
type CachedNote struct {
	// Reply is the parsed NIP-10 reply structure.
	Reply NoteReply
	// Mentions are the bech32 entities referenced in the body.
	Mentions []Mention

	timeAgo        string
	timeAgoExpires time.Time
}

// NoteCache maps EventKeys to their cached metadata. Single-owner; access
// is serialized by the frame loop.
type NoteCache struct {
	notes map[store.EventKey]*CachedNote
}

// New creates an empty cache.
func New() *NoteCache {
	return &NoteCache{notes: make(map[store.EventKey]*CachedNote)}
}

// CachedNoteOrInsert returns the entry for key, parsing the note on first
// sight. Idempotent and cheap on the hit path.
func (c *NoteCache) CachedNoteOrInsert(key store.EventKey, note *nostr.Event) *CachedNote {
	if cached, ok := c.notes[key]; ok {
		return cached
	}
	cached := &CachedNote{
		Reply:    ParseNoteReply(note.Tags),
		Mentions: parseMentions(note.Content),
	}
	c.notes[key] = cached
	return cached
}

// Get returns the entry for key if it has been cached.
func (c *NoteCache) Get(key store.EventKey) (*CachedNote, bool) {
	cached, ok := c.notes[key]
	return cached, ok
}

// Len returns the number of cached entries.
func (c *NoteCache) Len() int {
	return len(c.notes)
}

// TimeAgo returns a short relative timestamp string for the note,
// recomputed only after the cached rendering expires.
func (c *NoteCache) TimeAgo(key store.EventKey, note *nostr.Event, now time.Time) string {
	cached := c.CachedNoteOrInsert(key, note)
	if cached.timeAgo != "" && now.Before(cached.timeAgoExpires) {
		return cached.timeAgo
	}

	rendered, ttl := renderTimeAgo(now, time.Unix(int64(note.CreatedAt), 0))
	cached.timeAgo = rendered
	cached.timeAgoExpires = now.Add(ttl)
	return rendered
}

// renderTimeAgo formats the age of a note and returns how long the
// rendering stays valid.
func renderTimeAgo(now, then time.Time) (string, time.Duration) {
	age := now.Sub(then)
	switch {
	case age < time.Minute:
		return "now", time.Minute - age
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes())), time.Minute
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh", int(age.Hours())), time.Hour
	case age < 365*24*time.Hour:
		return fmt.Sprintf("%dd", int(age.Hours()/24)), 24 * time.Hour
	default:
		return fmt.Sprintf("%dy", int(age.Hours()/(24*365))), 24 * time.Hour
	}
}
