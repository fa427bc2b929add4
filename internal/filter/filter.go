// Package filter wraps NIP-01 filters with an optional local predicate.
//
// The predicate is evaluated against candidate notes when matching locally
// and is dropped when the filter is serialized for a relay, so remote
// results may be supersets that get post-filtered on arrival.
package filter

import (
	"github.com/nbd-wtf/go-nostr"
)

// Predicate is an opaque local constraint on a candidate note.
type Predicate func(*nostr.Event) bool

// Filter is a NIP-01 filter plus an optional local predicate.
type Filter struct {
	nostr.Filter
	Predicate Predicate `json:"-"`
}

// New wraps a plain NIP-01 filter.
func New(f nostr.Filter) Filter {
	return Filter{Filter: f}
}

// NewWithPredicate wraps a NIP-01 filter and attaches a local predicate.
func NewWithPredicate(f nostr.Filter, p Predicate) Filter {
	return Filter{Filter: f, Predicate: p}
}

// Matches reports whether the event satisfies both the NIP-01 part and the
// predicate, if any.
func (f Filter) Matches(evt *nostr.Event) bool {
	if !f.Filter.Matches(evt) {
		return false
	}
	if f.Predicate != nil && !f.Predicate(evt) {
		return false
	}
	return true
}

// Remote returns the serializable wire form with the predicate dropped.
func (f Filter) Remote() nostr.Filter {
	return f.Filter
}

// Remotes maps a filter set to its wire form.
func Remotes(fs []Filter) []nostr.Filter {
	out := make([]nostr.Filter, len(fs))
	for i, f := range fs {
		out[i] = f.Remote()
	}
	return out
}

// MatchesAny reports whether any filter in the set matches the event.
func MatchesAny(fs []Filter, evt *nostr.Event) bool {
	for _, f := range fs {
		if f.Matches(evt) {
			return true
		}
	}
	return false
}

// FollowFilterFromContactList builds the home-timeline filter set from a
// kind-3 contact list: text notes authored by any followed pubkey plus the
// list owner.
func FollowFilterFromContactList(contactList *nostr.Event) []Filter {
	authors := make([]string, 0, len(contactList.Tags)+1)
	seen := map[string]struct{}{}

	add := func(pk string) {
		if len(pk) != 64 {
			return
		}
		if _, ok := seen[pk]; ok {
			return
		}
		seen[pk] = struct{}{}
		authors = append(authors, pk)
	}

	add(contactList.PubKey)
	for _, tag := range contactList.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			add(tag[1])
		}
	}

	return []Filter{New(nostr.Filter{
		Kinds:   []int{nostr.KindTextNote},
		Authors: authors,
	})}
}
