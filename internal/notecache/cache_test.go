package notecache

import (
	"fmt"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

const (
	pkB   = "4a0510f26880d40e432f4865cb5714d9d3c200ca6ebb16b418ae6c555f574967"
	idOne = "70b10f70c1318967eddf12527799411b1a9780ad9c43858f5e5fcd45486a13a5"
	idTwo = "b1a649ebe8b435ec71d3784793f3bbf4b93e64e17568a741aecd4c7ddeafce30"
)

func TestParseNoteReply(t *testing.T) {
	tests := []struct {
		name            string
		tags            nostr.Tags
		wantRoot        string
		wantReply       string
		wantIsReply     bool
		wantReplyToRoot bool
		wantTarget      string
	}{
		{
			name: "not a reply",
			tags: nostr.Tags{{"p", pkB}},
		},
		{
			name:            "reply to root",
			tags:            nostr.Tags{{"e", idOne, "", "root"}},
			wantRoot:        idOne,
			wantIsReply:     true,
			wantReplyToRoot: true,
			wantTarget:      idOne,
		},
		{
			name:        "nested reply",
			tags:        nostr.Tags{{"e", idOne, "", "root"}, {"e", idTwo, "", "reply"}},
			wantRoot:    idOne,
			wantReply:   idTwo,
			wantIsReply: true,
			wantTarget:  idTwo,
		},
		{
			name:            "marker equals root",
			tags:            nostr.Tags{{"e", idOne, "", "root"}, {"e", idOne, "", "reply"}},
			wantRoot:        idOne,
			wantIsReply:     true,
			wantReplyToRoot: true,
			wantTarget:      idOne,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ParseNoteReply(tt.tags)
			if r.RootID != tt.wantRoot {
				t.Errorf("RootID = %q, want %q", r.RootID, tt.wantRoot)
			}
			if r.ReplyID != tt.wantReply {
				t.Errorf("ReplyID = %q, want %q", r.ReplyID, tt.wantReply)
			}
			if r.IsReply() != tt.wantIsReply {
				t.Errorf("IsReply = %v, want %v", r.IsReply(), tt.wantIsReply)
			}
			if r.IsReplyToRoot() != tt.wantReplyToRoot {
				t.Errorf("IsReplyToRoot = %v, want %v", r.IsReplyToRoot(), tt.wantReplyToRoot)
			}
			if r.ReplyTarget() != tt.wantTarget {
				t.Errorf("ReplyTarget = %q, want %q", r.ReplyTarget(), tt.wantTarget)
			}
		})
	}
}

func TestReplyRelayHints(t *testing.T) {
	tags := nostr.Tags{
		{"e", idOne, "wss://root.example.com", "root"},
		{"e", idTwo, "wss://reply.example.com", "reply"},
	}
	r := ParseNoteReply(tags)
	if r.RootRelay != "wss://root.example.com" {
		t.Errorf("RootRelay = %q", r.RootRelay)
	}
	if r.ReplyTargetRelay() != "wss://reply.example.com" {
		t.Errorf("ReplyTargetRelay = %q", r.ReplyTargetRelay())
	}
}

func TestParseMentions(t *testing.T) {
	npub, err := nip19.EncodePublicKey(pkB)
	if err != nil {
		t.Fatal(err)
	}
	nevent, err := nip19.EncodeEvent(idOne, []string{"wss://hint.example.com"}, pkB)
	if err != nil {
		t.Fatal(err)
	}

	content := fmt.Sprintf("gm nostr:%s did you see nostr:%s?", npub, nevent)
	mentions := parseMentions(content)
	if len(mentions) != 2 {
		t.Fatalf("len(mentions) = %d, want 2", len(mentions))
	}

	if mentions[0].Kind != MentionPubkey || mentions[0].ID != pkB {
		t.Errorf("mention[0] = %+v", mentions[0])
	}
	if mentions[1].Kind != MentionNote || mentions[1].ID != idOne {
		t.Errorf("mention[1] = %+v", mentions[1])
	}
	if mentions[1].Author != pkB {
		t.Errorf("nevent author = %q, want %q", mentions[1].Author, pkB)
	}
	if len(mentions[1].Relays) != 1 || mentions[1].Relays[0] != "wss://hint.example.com" {
		t.Errorf("nevent relays = %v", mentions[1].Relays)
	}
}

func TestParseMentionsBare(t *testing.T) {
	npub, err := nip19.EncodePublicKey(pkB)
	if err != nil {
		t.Fatal(err)
	}

	mentions := parseMentions("bare mention " + npub + " without the uri scheme")
	if len(mentions) != 1 {
		t.Fatalf("len(mentions) = %d, want 1", len(mentions))
	}
	if mentions[0].ID != pkB {
		t.Errorf("mention = %+v", mentions[0])
	}
}

func TestParseMentionsIgnoresGarbage(t *testing.T) {
	if got := parseMentions("nothing to see here"); got != nil {
		t.Errorf("mentions = %v, want nil", got)
	}
	if got := parseMentions("broken npub1qqqq mention"); len(got) != 0 {
		t.Errorf("mentions = %v, want none", got)
	}
}

func TestCachedNoteOrInsertIdempotent(t *testing.T) {
	c := New()
	note := &nostr.Event{
		ID:      idOne,
		Kind:    1,
		Tags:    nostr.Tags{{"e", idTwo, "", "root"}},
		Content: "hello",
	}

	first := c.CachedNoteOrInsert(7, note)
	second := c.CachedNoteOrInsert(7, note)
	if first != second {
		t.Error("cache must return the same entry")
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
	if !first.Reply.IsReply() {
		t.Error("reply structure not parsed")
	}
}

func TestTimeAgoCachesUntilExpiry(t *testing.T) {
	c := New()
	base := time.Unix(10_000, 0)
	note := &nostr.Event{ID: idOne, Kind: 1, CreatedAt: nostr.Timestamp(base.Add(-5 * time.Minute).Unix())}

	s1 := c.TimeAgo(1, note, base)
	if s1 != "5m" {
		t.Errorf("TimeAgo = %q, want 5m", s1)
	}

	// within the expiry window the cached rendering is reused
	s2 := c.TimeAgo(1, note, base.Add(30*time.Second))
	if s2 != "5m" {
		t.Errorf("TimeAgo = %q, want cached 5m", s2)
	}

	// past expiry it re-renders
	s3 := c.TimeAgo(1, note, base.Add(10*time.Minute))
	if s3 != "15m" {
		t.Errorf("TimeAgo = %q, want 15m", s3)
	}
}
