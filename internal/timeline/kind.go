package timeline

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/notedeck/notedeck/internal/filter"
)

// KindTag names the logical stream a timeline shows.
type KindTag int

const (
	// KindHome shows every text note, with the same filter as KindUniverse;
	// it is not tied to an account and does not restrict authors to follows.
	KindHome KindTag = iota
	// KindContacts is the follow feed derived from a contact list.
	KindContacts
	// KindProfile shows one author.
	KindProfile
	// KindNotifications shows notes tagging the account.
	KindNotifications
	// KindHashtag shows one hashtag.
	KindHashtag
	// KindUniverse is the firehose.
	KindUniverse
	// KindSearch is a NIP-50 search stream.
	KindSearch
	// KindThread shows one reply tree.
	KindThread
)

// TimelineKind identifies a logical timeline together with its parameter.
type TimelineKind struct {
	Tag KindTag
	// Pubkey parameterizes Contacts, Profile and Notifications.
	Pubkey string
	// Hashtag parameterizes Hashtag, without the leading '#'.
	Hashtag string
	// Query parameterizes Search.
	Query string
	// Root parameterizes Thread.
	Root string
}

// Home returns the home timeline kind.
func Home() TimelineKind { return TimelineKind{Tag: KindHome} }

// Contacts returns the contact-list timeline kind for a pubkey.
func Contacts(pubkey string) TimelineKind { return TimelineKind{Tag: KindContacts, Pubkey: pubkey} }

// Profile returns the profile timeline kind for a pubkey.
func Profile(pubkey string) TimelineKind { return TimelineKind{Tag: KindProfile, Pubkey: pubkey} }

// Notifications returns the notifications timeline kind for a pubkey.
func Notifications(pubkey string) TimelineKind {
	return TimelineKind{Tag: KindNotifications, Pubkey: pubkey}
}

// Hashtag returns the hashtag timeline kind.
func Hashtag(tag string) TimelineKind { return TimelineKind{Tag: KindHashtag, Hashtag: tag} }

// Universe returns the firehose timeline kind.
func Universe() TimelineKind { return TimelineKind{Tag: KindUniverse} }

// Search returns the search timeline kind.
func Search(query string) TimelineKind { return TimelineKind{Tag: KindSearch, Query: query} }

// Thread returns the thread timeline kind for a root note id.
func Thread(root string) TimelineKind { return TimelineKind{Tag: KindThread, Root: root} }

// CacheKey returns the identity of the timeline in the cache.
func (k TimelineKind) CacheKey() string {
	switch k.Tag {
	case KindHome:
		return "home"
	case KindContacts:
		return "contacts:" + k.Pubkey
	case KindProfile:
		return "profile:" + k.Pubkey
	case KindNotifications:
		return "notifications:" + k.Pubkey
	case KindHashtag:
		return "hashtag:" + k.Hashtag
	case KindUniverse:
		return "universe"
	case KindSearch:
		return "search:" + k.Query
	case KindThread:
		return "thread:" + k.Root
	}
	return fmt.Sprintf("unknown:%d", k.Tag)
}

func (k TimelineKind) String() string { return k.CacheKey() }

// InitialFilterState derives the starting filter state for the kind.
// Contacts needs the contact list first; everything else is ready
// immediately.
func (k TimelineKind) InitialFilterState() filter.State {
	switch k.Tag {
	case KindHome, KindUniverse:
		return filter.Ready([]filter.Filter{filter.New(nostr.Filter{
			Kinds: []int{nostr.KindTextNote},
		})})
	case KindContacts:
		return filter.NeedsRemote([]filter.Filter{filter.New(nostr.Filter{
			Kinds:   []int{nostr.KindFollowList},
			Authors: []string{k.Pubkey},
			Limit:   1,
		})})
	case KindProfile:
		return filter.Ready([]filter.Filter{filter.New(nostr.Filter{
			Kinds:   []int{nostr.KindTextNote},
			Authors: []string{k.Pubkey},
		})})
	case KindNotifications:
		return filter.Ready([]filter.Filter{filter.New(nostr.Filter{
			Kinds: []int{nostr.KindTextNote},
			Tags:  nostr.TagMap{"p": []string{k.Pubkey}},
		})})
	case KindHashtag:
		return filter.Ready([]filter.Filter{filter.New(nostr.Filter{
			Kinds: []int{nostr.KindTextNote},
			Tags:  nostr.TagMap{"t": []string{k.Hashtag}},
		})})
	case KindSearch:
		return filter.Ready([]filter.Filter{filter.New(nostr.Filter{
			Kinds:  []int{nostr.KindTextNote},
			Search: k.Query,
		})})
	case KindThread:
		return filter.Ready([]filter.Filter{filter.New(nostr.Filter{
			Kinds: []int{nostr.KindTextNote},
			Tags:  nostr.TagMap{"e": []string{k.Root}},
		})})
	}
	return filter.Broken(fmt.Sprintf("unknown timeline kind %d", k.Tag))
}
