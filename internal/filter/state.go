package filter

// StateKind enumerates the phases of resolving a timeline's filter set.
type StateKind int

const (
	// StateNeedsRemote means local data is insufficient and a preparatory
	// remote query is required before the real filter can be built.
	StateNeedsRemote StateKind = iota
	// StateFetchingRemote means the preparatory query is in flight.
	StateFetchingRemote
	// StateGotRemote means preparatory data arrived and the state is about
	// to transition to ready.
	StateGotRemote
	// StateReady means the final filter set is available.
	StateReady
	// StateBroken is terminal.
	StateBroken
)

func (k StateKind) String() string {
	switch k {
	case StateNeedsRemote:
		return "needs-remote"
	case StateFetchingRemote:
		return "fetching-remote"
	case StateGotRemote:
		return "got-remote"
	case StateReady:
		return "ready"
	case StateBroken:
		return "broken"
	}
	return "unknown"
}

// State tracks how far along a timeline is in producing its filter set.
type State struct {
	kind        StateKind
	prep        []Filter
	remoteSubID string
	ready       []Filter
	reason      string
}

// NeedsRemote creates a state carrying the preparatory filter set that must
// be fetched remotely first.
func NeedsRemote(prep []Filter) State {
	return State{kind: StateNeedsRemote, prep: prep}
}

// FetchingRemote creates a state waiting on the given remote subscription.
func FetchingRemote(remoteSubID string) State {
	return State{kind: StateFetchingRemote, remoteSubID: remoteSubID}
}

// GotRemote creates the transitional state after preparatory data arrived.
func GotRemote() State {
	return State{kind: StateGotRemote}
}

// Ready creates a state carrying the final filter set.
func Ready(fs []Filter) State {
	return State{kind: StateReady, ready: fs}
}

// Broken creates the terminal failure state.
func Broken(reason string) State {
	return State{kind: StateBroken, reason: reason}
}

// Kind returns the current phase.
func (s State) Kind() StateKind { return s.kind }

// Prep returns the preparatory filters for StateNeedsRemote.
func (s State) Prep() []Filter { return s.prep }

// RemoteSubID returns the in-flight preparatory sub id for
// StateFetchingRemote.
func (s State) RemoteSubID() string { return s.remoteSubID }

// Filters returns the final filter set for StateReady.
func (s State) Filters() []Filter { return s.ready }

// Reason returns the failure reason for StateBroken.
func (s State) Reason() string { return s.reason }
