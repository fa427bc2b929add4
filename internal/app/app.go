// Package app glues the engine together: one frame drains the relay pool,
// routes frames into the store and the protocol state machines, advances the
// timeline and thread caches, flushes unknown-id fetches and runs keepalive.
package app

import (
	"github.com/rs/zerolog/log"

	"github.com/notedeck/notedeck/internal/filter"
	"github.com/notedeck/notedeck/internal/notecache"
	"github.com/notedeck/notedeck/internal/pool"
	"github.com/notedeck/notedeck/internal/protocol"
	"github.com/notedeck/notedeck/internal/store"
	"github.com/notedeck/notedeck/internal/subman"
	"github.com/notedeck/notedeck/internal/sync"
	"github.com/notedeck/notedeck/internal/thread"
	"github.com/notedeck/notedeck/internal/timeline"
	"github.com/notedeck/notedeck/internal/unknowns"
)

// drainCap bounds how many pool events a single frame consumes, so a busy
// relay cannot starve the cache updates.
const drainCap = 2048

// SyncSession binds a negentropy state machine to its relay and filter.
type SyncSession struct {
	Sync   *sync.NegentropySync
	Relay  string
	Filter filter.Filter

	pending []*sync.Event
}

// App owns the single-threaded core. All methods run on the frame loop
// goroutine; only the pool's transports live elsewhere.
type App struct {
	Store     store.EventStore
	Pool      *pool.RelayPool
	SubMgr    *subman.SubMgr
	Timelines *timeline.TimelineCache
	Threads   *thread.Engine
	Unknowns  *unknowns.UnknownIds
	NoteCache *notecache.NoteCache

	syncSessions []*SyncSession
	fetches      []*subman.SubReceiver
}

// New wires an app over the given store and pool.
func New(st store.EventStore, p *pool.RelayPool) *App {
	mgr := subman.New(st, p)
	cache := notecache.New()
	return &App{
		Store:     st,
		Pool:      p,
		SubMgr:    mgr,
		Timelines: timeline.NewCache(st, mgr),
		Threads:   thread.NewEngine(st, mgr, cache),
		Unknowns:  unknowns.New(),
		NoteCache: cache,
	}
}

// AddSyncSession registers a negentropy session for a relay and filter and
// requests an initial reconciliation.
func (a *App) AddSyncSession(relayURL string, f filter.Filter) *SyncSession {
	canonical, err := pool.CanonicalURL(relayURL)
	if err != nil {
		log.Warn().Err(err).Str("url", relayURL).Msg("Rejecting sync session")
		return nil
	}
	session := &SyncSession{
		Sync:   sync.New(),
		Relay:  canonical,
		Filter: f,
	}
	session.Sync.TriggerNow()
	a.syncSessions = append(a.syncSessions, session)
	return session
}

// Frame runs one iteration of the core loop.
func (a *App) Frame() {
	a.drainPool()

	a.Timelines.PollAll(a.NoteCache, a.Unknowns)
	a.Threads.UpdateActive(a.Unknowns)

	for _, session := range a.syncSessions {
		events := session.pending
		session.pending = nil
		session.Sync.Process(events, a.Store, a.Pool, session.Filter, session.Relay)
	}

	a.maybeFlushUnknowns()
	a.reapFetches()
	a.Pool.KeepaliveTick()
}

// reapFetches drives outstanding one-shot fetches to completion so their
// subscriptions are released once EOSE lands and the queue drains.
func (a *App) reapFetches() {
	alive := a.fetches[:0]
	for _, recv := range a.fetches {
		recv.Poll(-1)
		if !recv.Ended() {
			alive = append(alive, recv)
		}
	}
	a.fetches = alive
}

// drainPool consumes pending transport events and routes them.
func (a *App) drainPool() {
	for i := 0; i < drainCap; i++ {
		pe := a.Pool.TryRecv()
		if pe == nil {
			return
		}
		a.route(pe)
	}
}

// route dispatches one pool event.
func (a *App) route(pe *pool.PoolEvent) {
	switch pe.Event.Kind {
	case pool.EventOpened:
		log.Info().Str("relay", pe.Relay).Msg("Relay connected")
		for _, session := range a.syncSessions {
			if session.Relay == pe.Relay {
				session.pending = append(session.pending, sync.RelayOpened())
			}
		}

	case pool.EventClosed:
		log.Info().Str("relay", pe.Relay).Msg("Relay disconnected")

	case pool.EventError:
		log.Warn().Err(pe.Event.Err).Str("relay", pe.Relay).Msg("Relay error")

	case pool.EventMessage:
		a.routeMessage(pe.Relay, pe.Event.Text)
	}
}

// routeMessage parses and dispatches one relay frame. Decode failures drop
// the frame with a log line and nothing else.
func (a *App) routeMessage(relayURL, text string) {
	msg, err := protocol.ParseRelayMessage(text)
	if err != nil {
		log.Debug().Err(err).Str("relay", relayURL).Msg("Dropping undecodable frame")
		return
	}

	switch m := msg.(type) {
	case protocol.EventMessage:
		key, err := a.Store.IngestFrame(m.Event)
		if err != nil {
			log.Debug().Err(err).Str("relay", relayURL).Msg("Ingest failed")
			return
		}
		txn := a.Store.BeginReadTxn()
		if note, err := a.Store.GetNote(txn, key); err == nil {
			a.Unknowns.MarkResolved(note)
		}
		txn.Release()

	case protocol.EoseMessage:
		a.SubMgr.HandleEose(m.SubID)

	case protocol.OKMessage:
		if !m.Accepted {
			log.Warn().Str("event", m.EventID).Str("reason", m.Message).Str("relay", relayURL).Msg("Event rejected")
		}

	case protocol.NoticeMessage:
		log.Info().Str("relay", relayURL).Str("notice", m.Message).Msg("Relay notice")

	case protocol.NegMsgMessage, protocol.NegErrMessage:
		ev := sync.FromRelayMessage(msg)
		for _, session := range a.syncSessions {
			if session.Relay == relayURL {
				session.pending = append(session.pending, ev)
			}
		}
	}
}

// maybeFlushUnknowns issues the batched unknown-id fetch once the tracker's
// debounce window allows it. The set is cleared after the REQ goes out;
// still-unresolved references resurface on the next scan.
func (a *App) maybeFlushUnknowns() {
	if !a.Unknowns.ReadyToSend() {
		return
	}
	filters := a.Unknowns.Filter()
	if len(filters) == 0 {
		return
	}

	recv, err := a.SubMgr.Subscribe(subman.NewSubSpecBuilder().
		Filters(filters...).
		Constraint(subman.OneShot()).
		Build())
	if err != nil {
		log.Error().Err(err).Msg("Unknown-id fetch failed")
		return
	}
	// the fetched events land in the store like any others; the receiver
	// is only kept so the one-shot pair gets reaped after EOSE
	a.fetches = append(a.fetches, recv)

	log.Debug().Int("ids", a.Unknowns.Len()).Msg("Issued unknown-id fetch")
	a.Unknowns.Clear()
}
