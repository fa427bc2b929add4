package timeline

import (
	"sync/atomic"

	"github.com/notedeck/notedeck/internal/filter"
	"github.com/notedeck/notedeck/internal/subman"
)

// TimelineID is a process-unique timeline identifier.
type TimelineID uint32

var timelineIDs atomic.Uint32

// Timeline is one column's stream: its kind, filter state, filtered views
// and the active subscription pair, if any. Refcounting lives in the cache.
type Timeline struct {
	ID    TimelineID
	Kind  TimelineKind
	State filter.State

	Views        []*TimelineTab
	SelectedView int

	// Sub is the active subscription; non-nil only when State is ready,
	// and obtained for exactly that filter set.
	Sub *subman.SubReceiver

	// prep is the in-flight preparatory receiver while State is
	// fetching-remote.
	prep *subman.SubReceiver

	refcount int
}

// NewTimeline creates a timeline with the standard two views.
func NewTimeline(kind TimelineKind, state filter.State) *Timeline {
	return &Timeline{
		ID:    TimelineID(timelineIDs.Add(1)),
		Kind:  kind,
		State: state,
		Views: []*TimelineTab{
			NewTimelineTab(ViewNotes),
			NewTimelineTab(ViewNotesAndReplies),
		},
	}
}

// CurrentView returns the selected view.
func (t *Timeline) CurrentView() *TimelineTab {
	return t.Views[t.SelectedView]
}

// View returns the view with the given filter.
func (t *Timeline) View(v ViewFilter) *TimelineTab {
	for _, tab := range t.Views {
		if tab.Filter == v {
			return tab
		}
	}
	return nil
}

// Refcount returns how many open columns reference the timeline.
func (t *Timeline) Refcount() int { return t.refcount }
