// Package timeline maintains merged, deduplicated, reverse-chronologically
// ordered note views for columns, incrementally updated as events arrive,
// behind a keyed refcounted cache.
package timeline

import (
	"github.com/notedeck/notedeck/internal/store"
)

// MergeKind describes how a merge changed the existing view.
type MergeKind int

const (
	// MergeFrontInsert means every new item was strictly newer than the
	// existing ones; the virtual list can keep its scroll offset.
	MergeFrontInsert MergeKind = iota
	// MergeSpliced means new items interleaved with existing ones; rare
	// (backfill or clock skew) and handled by resetting the list.
	MergeSpliced
)

// MergeSortedRefs merges two newest-first sorted ref slices into one,
// skipping incoming refs whose EventKey is already present. It reports
// whether the merge was a pure front insert.
func MergeSortedRefs(existing, incoming []store.NoteRef) ([]store.NoteRef, MergeKind) {
	merged := make([]store.NoteRef, 0, len(existing)+len(incoming))
	seen := make(map[store.EventKey]struct{}, len(existing))
	for _, ref := range existing {
		seen[ref.Key] = struct{}{}
	}

	kind := MergeFrontInsert
	i, j := 0, 0
	for i < len(existing) && j < len(incoming) {
		if _, dup := seen[incoming[j].Key]; dup {
			j++
			continue
		}
		if incoming[j].Before(existing[i]) {
			merged = append(merged, incoming[j])
			j++
		} else {
			// an existing item surfaces while incoming items remain: the
			// incoming slice interleaves rather than front-inserting
			kind = MergeSpliced
			merged = append(merged, existing[i])
			i++
		}
	}
	merged = append(merged, existing[i:]...)
	for ; j < len(incoming); j++ {
		if _, dup := seen[incoming[j].Key]; dup {
			continue
		}
		merged = append(merged, incoming[j])
	}

	return merged, kind
}
