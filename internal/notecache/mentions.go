package notecache

import (
	"regexp"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// MentionKind distinguishes what a bech32 mention points at.
type MentionKind int

const (
	// MentionPubkey is an npub or nprofile mention.
	MentionPubkey MentionKind = iota
	// MentionNote is a note or nevent mention.
	MentionNote
)

// Mention is a bech32 entity referenced from a note body.
type Mention struct {
	Kind MentionKind
	// ID is the pubkey hex for MentionPubkey, the event id hex for
	// MentionNote.
	ID string
	// Author is the event author pubkey for nevent mentions that carry it.
	Author string
	// Relays are the relay hints embedded in nprofile/nevent entities.
	Relays []string
}

var bech32MentionRe = regexp.MustCompile(`\b(?:nostr:)?((?:npub|nprofile|note|nevent)1[02-9ac-hj-np-z]{6,})`)

// parseMentions scans a note body for bech32 entity references, both bare
// and nostr:-prefixed. Undecodable candidates are skipped.
func parseMentions(content string) []Mention {
	if !strings.Contains(content, "npub1") &&
		!strings.Contains(content, "nprofile1") &&
		!strings.Contains(content, "note1") &&
		!strings.Contains(content, "nevent1") {
		return nil
	}

	var mentions []Mention
	for _, match := range bech32MentionRe.FindAllStringSubmatch(content, -1) {
		prefix, value, err := nip19.Decode(match[1])
		if err != nil {
			continue
		}

		switch prefix {
		case "npub":
			pk, ok := value.(string)
			if !ok {
				continue
			}
			mentions = append(mentions, Mention{Kind: MentionPubkey, ID: pk})
		case "nprofile":
			p, ok := value.(nostr.ProfilePointer)
			if !ok {
				continue
			}
			mentions = append(mentions, Mention{Kind: MentionPubkey, ID: p.PublicKey, Relays: p.Relays})
		case "note":
			id, ok := value.(string)
			if !ok {
				continue
			}
			mentions = append(mentions, Mention{Kind: MentionNote, ID: id})
		case "nevent":
			e, ok := value.(nostr.EventPointer)
			if !ok {
				continue
			}
			mentions = append(mentions, Mention{Kind: MentionNote, ID: e.ID, Author: e.Author, Relays: e.Relays})
		}
	}
	return mentions
}
