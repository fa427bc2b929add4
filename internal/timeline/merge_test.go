package timeline

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/notedeck/notedeck/internal/store"
)

func refs(pairs ...[2]int64) []store.NoteRef {
	out := make([]store.NoteRef, len(pairs))
	for i, p := range pairs {
		out[i] = store.NoteRef{Key: store.EventKey(p[0]), CreatedAt: p[1]}
	}
	return out
}

func assertSortedUnique(t *testing.T, got []store.NoteRef) {
	t.Helper()
	seen := make(map[store.EventKey]struct{})
	for i, ref := range got {
		if _, dup := seen[ref.Key]; dup {
			t.Fatalf("duplicate key %d at index %d", ref.Key, i)
		}
		seen[ref.Key] = struct{}{}
		if i > 0 && !got[i-1].Before(ref) {
			t.Fatalf("ordering violated at index %d: %v then %v", i, got[i-1], ref)
		}
	}
}

func TestMergeFrontInsert(t *testing.T) {
	existing := refs([2]int64{2, 200}, [2]int64{1, 100})
	incoming := refs([2]int64{4, 400}, [2]int64{3, 300})

	merged, kind := MergeSortedRefs(existing, incoming)
	if kind != MergeFrontInsert {
		t.Errorf("kind = %v, want front insert", kind)
	}
	assertSortedUnique(t, merged)
	if len(merged) != 4 || merged[0].Key != 4 {
		t.Errorf("merged = %v", merged)
	}
}

func TestMergeSpliced(t *testing.T) {
	existing := refs([2]int64{3, 300}, [2]int64{1, 100})
	incoming := refs([2]int64{4, 400}, [2]int64{2, 200})

	merged, kind := MergeSortedRefs(existing, incoming)
	if kind != MergeSpliced {
		t.Errorf("kind = %v, want spliced", kind)
	}
	assertSortedUnique(t, merged)
	if len(merged) != 4 {
		t.Errorf("len = %d, want 4", len(merged))
	}
}

func TestMergeSkipsDuplicates(t *testing.T) {
	existing := refs([2]int64{2, 200}, [2]int64{1, 100})
	incoming := refs([2]int64{3, 300}, [2]int64{2, 200})

	merged, _ := MergeSortedRefs(existing, incoming)
	assertSortedUnique(t, merged)
	if len(merged) != 3 {
		t.Errorf("len = %d, want 3 (duplicate skipped)", len(merged))
	}
}

func TestMergeTieBreakByKey(t *testing.T) {
	existing := refs([2]int64{1, 100})
	incoming := refs([2]int64{2, 100})

	merged, _ := MergeSortedRefs(existing, incoming)
	assertSortedUnique(t, merged)
	if merged[0].Key != 2 {
		t.Errorf("larger key must sort first among equal timestamps, got %v", merged)
	}
}

// merge(a, b) == sort_desc(a ∪ b), and front-insert is detected iff every
// incoming item sorts before every existing one.
func TestMergeMatchesSortProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 200; trial++ {
		var existing, incoming []store.NoteRef
		key := store.EventKey(1)
		for i := 0; i < rng.Intn(10); i++ {
			existing = append(existing, store.NoteRef{Key: key, CreatedAt: int64(rng.Intn(20) * 10)})
			key++
		}
		for i := 0; i < rng.Intn(10); i++ {
			incoming = append(incoming, store.NoteRef{Key: key, CreatedAt: int64(rng.Intn(20) * 10)})
			key++
		}
		sort.Slice(existing, func(i, j int) bool { return existing[i].Before(existing[j]) })
		sort.Slice(incoming, func(i, j int) bool { return incoming[i].Before(incoming[j]) })

		merged, kind := MergeSortedRefs(existing, incoming)
		assertSortedUnique(t, merged)
		if len(merged) != len(existing)+len(incoming) {
			t.Fatalf("merged length %d, want %d", len(merged), len(existing)+len(incoming))
		}

		want := append(append([]store.NoteRef{}, existing...), incoming...)
		sort.Slice(want, func(i, j int) bool { return want[i].Before(want[j]) })
		for i := range want {
			if merged[i] != want[i] {
				t.Fatalf("trial %d: merged[%d] = %v, want %v", trial, i, merged[i], want[i])
			}
		}

		isFront := true
		for _, in := range incoming {
			for _, ex := range existing {
				if !in.Before(ex) {
					isFront = false
				}
			}
		}
		if len(existing) == 0 || len(incoming) == 0 {
			continue
		}
		if isFront != (kind == MergeFrontInsert) {
			t.Fatalf("trial %d: front-insert detection = %v, want %v", trial, kind == MergeFrontInsert, isFront)
		}
	}
}

func TestTabInsertSignalsCursor(t *testing.T) {
	tab := NewTimelineTab(ViewNotesAndReplies)
	tab.Insert(refs([2]int64{2, 200}, [2]int64{1, 100}), false)
	tab.List.Position = 1 // user scrolled

	// front insert preserves the scroll anchor
	tab.Insert(refs([2]int64{3, 300}), false)
	if tab.List.Position != 2 {
		t.Errorf("Position = %d, want 2 after front insert", tab.List.Position)
	}
	if tab.List.Resets != 0 {
		t.Errorf("Resets = %d, want 0", tab.List.Resets)
	}

	// splice resets the cursor
	tab.Insert(refs([2]int64{4, 150}), false)
	if tab.List.Resets != 1 {
		t.Errorf("Resets = %d, want 1 after splice", tab.List.Resets)
	}
	if tab.List.Position != 0 {
		t.Errorf("Position = %d, want 0 after reset", tab.List.Position)
	}

	// reversed timelines do not shift the anchor on front inserts
	rev := NewTimelineTab(ViewNotesAndReplies)
	rev.Insert(refs([2]int64{1, 100}), true)
	rev.Insert(refs([2]int64{2, 200}), true)
	if rev.List.Position != 0 {
		t.Errorf("reversed Position = %d, want 0", rev.List.Position)
	}
}

func TestTabInsertIgnoresAllDuplicates(t *testing.T) {
	tab := NewTimelineTab(ViewNotesAndReplies)
	tab.Insert(refs([2]int64{2, 200}, [2]int64{1, 100}), false)
	tab.List.Position = 1

	tab.Insert(refs([2]int64{2, 200}), false)
	if len(tab.Notes) != 2 {
		t.Errorf("len = %d, want 2", len(tab.Notes))
	}
	if tab.List.Position != 1 {
		t.Errorf("Position changed on no-op insert")
	}
}
