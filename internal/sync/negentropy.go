// Package sync implements the NIP-77 negentropy client: a per-relay state
// machine that reconciles the local event set for a filter against a relay
// and fetches whatever is missing, in bounded REQ batches.
package sync

import (
	"encoding/json"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip77/negentropy"
	"github.com/nbd-wtf/go-nostr/nip77/negentropy/storage/vector"
	"github.com/rs/zerolog/log"

	"github.com/notedeck/notedeck/internal/filter"
	"github.com/notedeck/notedeck/internal/pool"
	"github.com/notedeck/notedeck/internal/protocol"
	"github.com/notedeck/notedeck/internal/store"
)

// fetchBatchSize is the maximum number of ids in a single missing-id REQ.
const fetchBatchSize = 100

// frameSizeLimit bounds negentropy protocol frames.
const frameSizeLimit = 1024 * 1024

// State is the reconciliation phase.
type State int

const (
	// StateIdle means no session is active.
	StateIdle State = iota
	// StateReconciling means a NEG-OPEN has been sent and rounds are in
	// flight.
	StateReconciling
)

// EventKind classifies inputs to the state machine.
type EventKind int

const (
	// EventRelayOpened means the target relay (re)connected.
	EventRelayOpened EventKind = iota
	// EventMsg is a NEG-MSG payload for a session.
	EventMsg
	// EventErr is a NEG-ERR for a session.
	EventErr
)

// Event is one input to Process.
type Event struct {
	Kind    EventKind
	SubID   string
	Payload string
	Reason  string
}

// FromRelayMessage extracts a negentropy event from a parsed relay frame,
// returning nil for frames the state machine does not consume.
func FromRelayMessage(msg protocol.RelayMessage) *Event {
	switch m := msg.(type) {
	case protocol.NegMsgMessage:
		return &Event{Kind: EventMsg, SubID: m.SubID, Payload: m.Payload}
	case protocol.NegErrMessage:
		return &Event{Kind: EventErr, SubID: m.SubID, Reason: m.Reason}
	}
	return nil
}

// RelayOpened builds the reconnect trigger event.
func RelayOpened() *Event {
	return &Event{Kind: EventRelayOpened}
}

// NegentropySync drives at most one reconciliation session at a time.
// Callers typically own one per (account, relay, filter) tuple.
type NegentropySync struct {
	state State
	subID string
	neg   *negentropy.Negentropy

	syncRequested bool

	mu      gosync.Mutex
	needIDs []string
	// drained closes once the engine's have-not stream ends, which the
	// engine does when reconciliation completes.
	drained chan struct{}
}

// New creates an idle state machine.
func New() *NegentropySync {
	return &NegentropySync{}
}

// State returns the current phase.
func (s *NegentropySync) State() State { return s.state }

// TriggerNow requests a sync on the next Process call. Called when a
// session is registered and, through Process, on relay reconnect.
func (s *NegentropySync) TriggerNow() {
	s.syncRequested = true
}

// Process feeds collected events through the state machine and, when a sync
// is requested and no session is active, initiates one. Triggers are
// coalesced: at most one session starts per call. Returns the number of
// missing ids fetched, for telemetry and re-trigger decisions.
func (s *NegentropySync) Process(events []*Event, st store.EventStore, p *pool.RelayPool, f filter.Filter, relayURL string) int {
	fetched := 0

	for _, ev := range events {
		if ev == nil {
			continue
		}
		switch ev.Kind {
		case EventRelayOpened:
			s.TriggerNow()
		case EventMsg:
			if ev.SubID != s.subID || s.state != StateReconciling {
				continue
			}
			fetched += s.handleMsg(ev.Payload, p, relayURL)
		case EventErr:
			if ev.SubID != s.subID {
				continue
			}
			log.Warn().Str("reason", ev.Reason).Str("relay", relayURL).Msg("Negentropy NEG-ERR")
			s.resetAfterError()
		}
	}

	if s.syncRequested && s.state == StateIdle {
		s.syncRequested = false
		if openMsg, ok := s.initiate(st, f); ok {
			p.SendTo(protocol.RawMessage{Text: openMsg}, relayURL)
			log.Info().Str("relay", relayURL).Msg("Negentropy sync initiated")
		}
	}

	return fetched
}

// initiate builds the reconciliation storage from the local event set,
// constructs the engine and returns the NEG-OPEN frame.
func (s *NegentropySync) initiate(st store.EventStore, f filter.Filter) (string, bool) {
	txn := st.BeginReadTxn()
	defer txn.Release()

	vec := vector.New()
	for _, ref := range st.Query(txn, []filter.Filter{f}, -1) {
		note, err := st.GetNote(txn, ref.Key)
		if err != nil {
			continue
		}
		vec.Insert(note.CreatedAt, note.ID)
	}
	vec.Seal()

	neg := negentropy.New(vec, frameSizeLimit)
	initMsg := neg.Start()

	filterJSON, err := json.Marshal(f.Remote())
	if err != nil {
		log.Error().Err(err).Msg("Negentropy filter marshal failed")
		return "", false
	}

	subID := uuid.New().String()
	frame, err := json.Marshal([]interface{}{"NEG-OPEN", subID, json.RawMessage(filterJSON), initMsg})
	if err != nil {
		log.Error().Err(err).Msg("Negentropy open frame marshal failed")
		return "", false
	}

	s.neg = neg
	s.subID = subID
	s.state = StateReconciling
	s.mu.Lock()
	s.needIDs = nil
	s.mu.Unlock()
	s.drainIDChannels(neg)

	return string(frame), true
}

// drainIDChannels collects the engine's have/have-not streams for the
// session's lifetime. The engine writes ids during Reconcile calls and
// closes the streams when reconciliation completes.
func (s *NegentropySync) drainIDChannels(neg *negentropy.Negentropy) {
	drained := make(chan struct{})
	s.drained = drained
	go func() {
		defer close(drained)
		for id := range neg.HaveNots {
			s.mu.Lock()
			s.needIDs = append(s.needIDs, id)
			s.mu.Unlock()
		}
	}()
	go func() {
		for range neg.Haves {
		}
	}()
}

// waitDrained waits for the have-not stream to finish after the final
// round, bounded in case the engine leaves it open.
func (s *NegentropySync) waitDrained() {
	if s.drained == nil {
		return
	}
	select {
	case <-s.drained:
	case <-time.After(time.Second):
		log.Debug().Msg("Negentropy id stream did not close, taking what arrived")
	}
	s.drained = nil
}

// handleMsg runs one reconciliation round. A non-empty next message keeps
// the session open; an empty one completes it, closing the session and
// fetching accumulated missing ids.
func (s *NegentropySync) handleMsg(payloadHex string, p *pool.RelayPool, relayURL string) int {
	next, err := s.neg.Reconcile(payloadHex)
	if err != nil {
		log.Warn().Err(err).Str("relay", relayURL).Msg("Negentropy reconcile failed")
		s.resetAfterError()
		return 0
	}

	if next != "" {
		frame, err := json.Marshal([]interface{}{"NEG-MSG", s.subID, next})
		if err != nil {
			log.Error().Err(err).Msg("Negentropy msg frame marshal failed")
			s.resetAfterError()
			return 0
		}
		p.SendTo(protocol.RawMessage{Text: string(frame)}, relayURL)
		return 0
	}

	// reconciliation complete
	closeFrame, err := json.Marshal([]interface{}{"NEG-CLOSE", s.subID})
	if err == nil {
		p.SendTo(protocol.RawMessage{Text: string(closeFrame)}, relayURL)
	}

	s.waitDrained()
	s.mu.Lock()
	missing := s.needIDs
	s.needIDs = nil
	s.mu.Unlock()

	s.state = StateIdle
	s.subID = ""
	s.neg = nil

	if len(missing) > 0 {
		log.Info().Int("count", len(missing)).Str("relay", relayURL).Msg("Negentropy fetching missing events")
		fetchMissing(missing, p, relayURL)
	}
	return len(missing)
}

// fetchMissing issues REQs for the missing ids in bounded chunks, each
// under a fresh subscription id.
func fetchMissing(ids []string, p *pool.RelayPool, relayURL string) {
	for start := 0; start < len(ids); start += fetchBatchSize {
		end := start + fetchBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := make([]string, end-start)
		copy(chunk, ids[start:end])

		req := protocol.ReqMessage{
			SubID:   uuid.New().String(),
			Filters: []nostr.Filter{{IDs: chunk}},
		}
		p.SendTo(req, relayURL)
	}
}

// resetAfterError returns to idle without a NEG-CLOSE.
func (s *NegentropySync) resetAfterError() {
	s.state = StateIdle
	s.syncRequested = false
	s.subID = ""
	s.neg = nil
	s.drained = nil
	s.mu.Lock()
	s.needIDs = nil
	s.mu.Unlock()
}
