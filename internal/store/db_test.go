package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/notedeck/notedeck/internal/filter"
)

const (
	pkA = "379e863e8357163b5bce5d2688dc4f1dcc2d505222fb8d74db600f30535dfdfe"
	pkB = "4a0510f26880d40e432f4865cb5714d9d3c200ca6ebb16b418ae6c555f574967"
)

// testEvent builds a deterministic raw event frame. The id is synthetic but
// well-formed; the store does not verify signatures.
func testEvent(t *testing.T, pubkey string, kind int, createdAt int64, content string, tags nostr.Tags) []byte {
	t.Helper()
	evt := nostr.Event{
		ID:        fmt.Sprintf("%064x", createdAt*1000003+int64(kind)*31+int64(len(content))),
		PubKey:    pubkey,
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
		Sig:       fmt.Sprintf("%0128x", 1),
	}
	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	return raw
}

func TestIngestIdempotent(t *testing.T) {
	db := New()

	raw := testEvent(t, pkA, 1, 100, "hello", nil)
	k1, err := db.IngestFrame(raw)
	require.NoError(t, err)
	k2, err := db.IngestFrame(raw)
	require.NoError(t, err)
	require.Equal(t, k1, k2, "re-ingest must return the same key")

	txn := db.BeginReadTxn()
	defer txn.Release()
	refs := db.Query(txn, []filter.Filter{filter.New(nostr.Filter{Kinds: []int{1}})}, -1)
	require.Len(t, refs, 1)
}

func TestIngestRejectsGarbage(t *testing.T) {
	db := New()

	if _, err := db.IngestFrame([]byte("not json")); err == nil {
		t.Error("expected error for non-json payload")
	}
	if _, err := db.IngestFrame([]byte(`{"id":"short","kind":1}`)); err == nil {
		t.Error("expected error for malformed id")
	}
}

func TestQueryOrdering(t *testing.T) {
	db := New()

	_, err := db.IngestFrame(testEvent(t, pkA, 1, 100, "first", nil))
	require.NoError(t, err)
	_, err = db.IngestFrame(testEvent(t, pkA, 1, 300, "third", nil))
	require.NoError(t, err)
	_, err = db.IngestFrame(testEvent(t, pkA, 1, 200, "second", nil))
	require.NoError(t, err)

	txn := db.BeginReadTxn()
	defer txn.Release()

	refs := db.Query(txn, []filter.Filter{filter.New(nostr.Filter{Kinds: []int{1}})}, -1)
	require.Len(t, refs, 3)
	for i := 1; i < len(refs); i++ {
		require.True(t, refs[i-1].Before(refs[i]), "query results must be reverse-chronological")
	}
	require.Equal(t, int64(300), refs[0].CreatedAt)

	limited := db.Query(txn, []filter.Filter{filter.New(nostr.Filter{Kinds: []int{1}})}, 2)
	require.Len(t, limited, 2)
}

func TestNoteRefTieBreak(t *testing.T) {
	a := NoteRef{Key: 2, CreatedAt: 100}
	b := NoteRef{Key: 1, CreatedAt: 100}
	require.True(t, a.Before(b), "larger key is newer among equal timestamps")
	require.False(t, b.Before(a))
}

func TestSubscriptionRoundTrip(t *testing.T) {
	db := New()

	sub := db.Subscribe([]filter.Filter{filter.New(nostr.Filter{Kinds: []int{1}, Authors: []string{pkA}})})

	// nothing available yet
	require.Empty(t, db.Poll(sub, 10))

	k1, err := db.IngestFrame(testEvent(t, pkA, 1, 100, "match", nil))
	require.NoError(t, err)
	_, err = db.IngestFrame(testEvent(t, pkB, 1, 101, "other author", nil))
	require.NoError(t, err)
	_, err = db.IngestFrame(testEvent(t, pkA, 7, 102, "other kind", nil))
	require.NoError(t, err)

	keys := db.Poll(sub, 10)
	require.Equal(t, []EventKey{k1}, keys)

	// drained
	require.Empty(t, db.Poll(sub, 10))
}

func TestSubscriptionPredicate(t *testing.T) {
	db := New()

	f := filter.NewWithPredicate(
		nostr.Filter{Kinds: []int{1}},
		func(evt *nostr.Event) bool { return evt.Content == "yes" },
	)
	sub := db.Subscribe([]filter.Filter{f})

	_, err := db.IngestFrame(testEvent(t, pkA, 1, 100, "yes", nil))
	require.NoError(t, err)
	_, err = db.IngestFrame(testEvent(t, pkA, 1, 101, "no", nil))
	require.NoError(t, err)

	require.Len(t, db.Poll(sub, 10), 1)
}

func TestStream(t *testing.T) {
	db := New()
	sub := db.Subscribe([]filter.Filter{filter.New(nostr.Filter{Kinds: []int{1}})})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch := db.Stream(ctx, sub)

	k1, err := db.IngestFrame(testEvent(t, pkA, 1, 100, "streamed", nil))
	require.NoError(t, err)

	select {
	case keys := <-ch:
		require.Contains(t, keys, k1)
	case <-ctx.Done():
		t.Fatal("stream did not deliver in time")
	}

	// releasing the subscription ends the stream
	db.Unsubscribe(sub)
	select {
	case _, open := <-ch:
		require.False(t, open, "stream must close after unsubscribe")
	case <-ctx.Done():
		t.Fatal("stream did not close in time")
	}
}

func TestProfileLookup(t *testing.T) {
	db := New()
	txn := db.BeginReadTxn()
	defer txn.Release()

	_, err := db.GetProfileByPubkey(txn, pkA)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = db.IngestFrame(testEvent(t, pkA, 0, 100, `{"name":"alice"}`, nil))
	require.NoError(t, err)
	_, err = db.IngestFrame(testEvent(t, pkA, 0, 200, `{"name":"alice2"}`, nil))
	require.NoError(t, err)

	profile, err := db.GetProfileByPubkey(txn, pkA)
	require.NoError(t, err)
	require.Equal(t, nostr.Timestamp(200), profile.CreatedAt, "latest kind-0 wins")
}

func TestGetNoteByID(t *testing.T) {
	db := New()

	raw := testEvent(t, pkA, 1, 100, "findme", nil)
	key, err := db.IngestFrame(raw)
	require.NoError(t, err)

	var evt nostr.Event
	require.NoError(t, json.Unmarshal(raw, &evt))

	txn := db.BeginReadTxn()
	defer txn.Release()

	got, gotKey, err := db.GetNoteByID(txn, evt.ID)
	require.NoError(t, err)
	require.Equal(t, key, gotKey)
	require.Equal(t, "findme", got.Content)

	_, _, err = db.GetNoteByID(txn, fmt.Sprintf("%064x", 424242))
	require.ErrorIs(t, err, ErrNotFound)
}
