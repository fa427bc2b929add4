// Package notecache amortizes per-note parsing: NIP-10 reply structure,
// bech32 mentions found in the note body, and rendered timestamp strings.
// Entries are keyed by EventKey and never invalidated; notes are immutable.
package notecache

import (
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip10"
)

// NoteReply is the parsed NIP-10 reply structure of a note. All reply-tag
// interpretation lives here so the thread engine and the unknown-id tracker
// never touch raw tags.
type NoteReply struct {
	// RootID is the thread root id, empty if the note is not a reply.
	RootID string
	// RootRelay is the relay hint carried on the root tag, if any.
	RootRelay string
	// ReplyID is the immediate parent id, empty when replying directly to
	// the root (or not a reply at all).
	ReplyID string
	// ReplyRelay is the relay hint carried on the reply tag, if any.
	ReplyRelay string
}

// ParseNoteReply extracts the reply structure from a note's tags.
func ParseNoteReply(tags nostr.Tags) NoteReply {
	var r NoteReply

	if root := nip10.GetThreadRoot(tags); root != nil {
		if ep, ok := root.(nostr.EventPointer); ok {
			r.RootID = ep.ID
			if len(ep.Relays) > 0 {
				r.RootRelay = ep.Relays[0]
			}
		}
	}
	if reply := nip10.GetImmediateParent(tags); reply != nil {
		if ep, ok := reply.(nostr.EventPointer); ok {
			r.ReplyID = ep.ID
			if len(ep.Relays) > 0 {
				r.ReplyRelay = ep.Relays[0]
			}
		}
	}

	// a lone marker means root and immediate parent coincide
	if r.RootID == "" && r.ReplyID != "" {
		r.RootID = r.ReplyID
	}
	if r.ReplyID == r.RootID {
		r.ReplyID = ""
	}
	return r
}

// IsReply reports whether the note replies to anything.
func (r NoteReply) IsReply() bool {
	return r.RootID != ""
}

// IsReplyToRoot reports whether the note replies directly to the thread
// root rather than to an intermediate note.
func (r NoteReply) IsReplyToRoot() bool {
	return r.RootID != "" && r.ReplyID == ""
}

// ReplyTarget returns the id of the note being directly replied to: the
// immediate parent if present, the root otherwise, empty for non-replies.
func (r NoteReply) ReplyTarget() string {
	if r.ReplyID != "" {
		return r.ReplyID
	}
	return r.RootID
}

// ReplyTargetRelay returns the relay hint attached to the reply target.
func (r NoteReply) ReplyTargetRelay() string {
	if r.ReplyID != "" {
		return r.ReplyRelay
	}
	return r.RootRelay
}
