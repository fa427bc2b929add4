// Package subman bridges logical subscriptions onto the event store and the
// relay pool. A SubSpec compiles into a store subscription (always) plus a
// remote REQ (unless local-only); the resulting SubReceiver is the sole
// handle to the pair and yields new event keys as matches land in the store.
package subman

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/notedeck/notedeck/internal/filter"
	"github.com/notedeck/notedeck/internal/pool"
	"github.com/notedeck/notedeck/internal/protocol"
	"github.com/notedeck/notedeck/internal/store"
)

var (
	// ErrStreamEnded is returned by Next once a subscription has delivered
	// its final batch. Not really an error; callers should clean up.
	ErrStreamEnded = errors.New("subman: stream ended")
	// ErrNoActiveSub is returned for operations on a closed receiver.
	ErrNoActiveSub = errors.New("subman: no active subscription")
)

// SubConstraint adjusts how a subscription is mapped onto store and relays.
type SubConstraint struct {
	oneShot bool
	local   bool
	outbox  []string
	allowed []string
	blocked []string
}

// OneShot closes the subscription after the first EOSE-terminated batch.
func OneShot() SubConstraint { return SubConstraint{oneShot: true} }

// Local keeps the subscription off the relays entirely.
func Local() SubConstraint { return SubConstraint{local: true} }

// OutboxRelays asks that at least one of the given relays be connected;
// advisory, a miss only produces a telemetry warning.
func OutboxRelays(relays ...string) SubConstraint { return SubConstraint{outbox: relays} }

// AllowedRelays confines the remote REQ to the given relays.
func AllowedRelays(relays ...string) SubConstraint { return SubConstraint{allowed: relays} }

// BlockedRelays excludes the given relays from the remote REQ.
func BlockedRelays(relays ...string) SubConstraint { return SubConstraint{blocked: relays} }

// SubSpec is a compiled logical subscription.
type SubSpec struct {
	RemoteID string
	Filters  []filter.Filter
	// RemoteFilters, when set, replace Filters on the wire. Used when the
	// REQ should be wider than the local matcher (e.g. whole-thread
	// activity behind a direct-replies predicate).
	RemoteFilters []filter.Filter

	Outbox  []string
	Allowed []string
	Blocked []string
	OneShot bool
	Local   bool
}

// SubSpecBuilder accumulates filters and constraints into a SubSpec.
type SubSpecBuilder struct {
	remoteID      string
	filters       []filter.Filter
	remoteFilters []filter.Filter
	constraints   []SubConstraint
}

// NewSubSpecBuilder creates an empty builder.
func NewSubSpecBuilder() *SubSpecBuilder {
	return &SubSpecBuilder{}
}

// RemoteID pins the remote subscription id instead of a fresh uuid.
func (b *SubSpecBuilder) RemoteID(id string) *SubSpecBuilder {
	b.remoteID = id
	return b
}

// Filters appends to the filter set.
func (b *SubSpecBuilder) Filters(fs ...filter.Filter) *SubSpecBuilder {
	b.filters = append(b.filters, fs...)
	return b
}

// RemoteFilters overrides the filter set sent on the wire.
func (b *SubSpecBuilder) RemoteFilters(fs ...filter.Filter) *SubSpecBuilder {
	b.remoteFilters = append(b.remoteFilters, fs...)
	return b
}

// Constraint appends a constraint.
func (b *SubSpecBuilder) Constraint(c SubConstraint) *SubSpecBuilder {
	b.constraints = append(b.constraints, c)
	return b
}

// Build compiles the spec. Remote ids are freshly generated uuids unless
// pinned.
func (b *SubSpecBuilder) Build() SubSpec {
	spec := SubSpec{
		RemoteID:      b.remoteID,
		Filters:       b.filters,
		RemoteFilters: b.remoteFilters,
	}
	if spec.RemoteID == "" {
		spec.RemoteID = uuid.New().String()
	}
	for _, c := range b.constraints {
		spec.OneShot = spec.OneShot || c.oneShot
		spec.Local = spec.Local || c.local
		spec.Outbox = append(spec.Outbox, c.outbox...)
		spec.Allowed = append(spec.Allowed, c.allowed...)
		spec.Blocked = append(spec.Blocked, c.blocked...)
	}
	return spec
}

// UnifiedSubscription pairs the local store handle with the remote REQ id.
type UnifiedSubscription struct {
	Local  store.StoreSubID
	Remote string
}

type managedSub struct {
	spec     SubSpec
	unified  UnifiedSubscription
	remote   bool
	eoseSeen bool
}

// SubMgr owns the mapping from logical subscriptions to store subs and
// relay REQs. Single-owner; driven by the frame loop.
type SubMgr struct {
	store store.EventStore
	pool  *pool.RelayPool
	subs  map[store.StoreSubID]*managedSub
}

// New creates a subscription manager over the given store and pool.
func New(st store.EventStore, p *pool.RelayPool) *SubMgr {
	return &SubMgr{
		store: st,
		pool:  p,
		subs:  make(map[store.StoreSubID]*managedSub),
	}
}

// Subscribe maps the spec onto the store and, unless local, the relays, and
// returns the receiver owning both halves.
func (m *SubMgr) Subscribe(spec SubSpec) (*SubReceiver, error) {
	if len(spec.Filters) == 0 {
		return nil, errors.New("subman: spec has no filters")
	}

	localID := m.store.Subscribe(spec.Filters)
	sub := &managedSub{
		spec:    spec,
		unified: UnifiedSubscription{Local: localID, Remote: spec.RemoteID},
	}

	if !spec.Local {
		targets := m.remoteTargets(spec)
		sub.remote = true
		wire := spec.Filters
		if len(spec.RemoteFilters) > 0 {
			wire = spec.RemoteFilters
		}
		remote := filter.Remotes(wire)
		if len(targets) == len(m.pool.URLs()) {
			m.pool.Subscribe(spec.RemoteID, remote)
		} else {
			for _, u := range targets {
				m.pool.SendTo(protocol.ReqMessage{SubID: spec.RemoteID, Filters: remote}, u)
			}
		}
	}

	m.subs[localID] = sub
	return &SubReceiver{mgr: m, unified: sub.unified}, nil
}

// remoteTargets resolves relay constraints against the current pool. The
// full pool is the default; AllowedRelays confines, BlockedRelays excludes,
// OutboxRelays only warns when none of the listed relays is connected.
func (m *SubMgr) remoteTargets(spec SubSpec) []string {
	urls := m.pool.URLs()

	if len(spec.Allowed) > 0 {
		allowed := canonicalAll(spec.Allowed)
		urls = lo.Intersect(urls, allowed)
	} else if len(spec.Blocked) > 0 {
		blocked := canonicalAll(spec.Blocked)
		urls = lo.Without(urls, blocked...)
	}

	if len(spec.Outbox) > 0 {
		connected := m.pool.ConnectedURLs()
		outbox := canonicalAll(spec.Outbox)
		if len(lo.Intersect(connected, outbox)) == 0 {
			log.Warn().
				Strs("outbox", spec.Outbox).
				Str("sub", spec.RemoteID).
				Msg("No outbox relay connected for subscription")
		}
	}
	return urls
}

func canonicalAll(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		canonical, err := pool.CanonicalURL(raw)
		if err != nil {
			continue
		}
		out = append(out, canonical)
	}
	return out
}

// Unsubscribe closes both halves of the subscription. Best-effort: the
// CLOSE is broadcast, the store sub is released either way.
func (m *SubMgr) Unsubscribe(r *SubReceiver) error {
	if r == nil || r.closed {
		return ErrNoActiveSub
	}
	r.closed = true

	sub, ok := m.subs[r.unified.Local]
	if !ok {
		return ErrNoActiveSub
	}
	delete(m.subs, r.unified.Local)

	if sub.remote {
		m.pool.Unsubscribe(sub.unified.Remote)
	}
	m.store.Unsubscribe(sub.unified.Local)
	return nil
}

// HandleEose feeds an observed EOSE frame to the manager. For OneShot
// subscriptions the first EOSE ends the stream: the remote REQ is closed
// and the receiver reports ErrStreamEnded once drained.
func (m *SubMgr) HandleEose(remoteID string) {
	for _, sub := range m.subs {
		if sub.unified.Remote != remoteID || sub.eoseSeen {
			continue
		}
		sub.eoseSeen = true
		if sub.spec.OneShot && sub.remote {
			// stop the remote side now; the store sub stays alive until
			// the receiver has drained its final batch
			m.pool.Unsubscribe(sub.unified.Remote)
			sub.remote = false
		}
		return
	}
}

// lookup returns the managed sub for a receiver, if still active.
func (m *SubMgr) lookup(r *SubReceiver) (*managedSub, bool) {
	sub, ok := m.subs[r.unified.Local]
	return sub, ok
}

// SubReceiver is the sole handle to an active subscription.
type SubReceiver struct {
	mgr     *SubMgr
	unified UnifiedSubscription
	stream  <-chan []store.EventKey
	closed  bool
}

// Unified returns the underlying subscription pair.
func (r *SubReceiver) Unified() UnifiedSubscription {
	return r.unified
}

// Poll returns up to max new keys without blocking. For OneShot
// subscriptions the pair is released on the first empty poll after EOSE,
// deferring the actual teardown to the poll cycle.
func (r *SubReceiver) Poll(max int) []store.EventKey {
	if r.closed {
		return nil
	}
	keys := r.mgr.store.Poll(r.unified.Local, max)
	if len(keys) == 0 {
		if sub, ok := r.mgr.lookup(r); ok && sub.spec.OneShot && sub.eoseSeen {
			_ = r.Close()
		}
	}
	return keys
}

// Ended reports whether the subscription has fully terminated: closed
// explicitly, or released after a OneShot drained its final batch. From the
// caller's perspective this is indistinguishable from success.
func (r *SubReceiver) Ended() bool {
	if r.closed {
		return true
	}
	_, ok := r.mgr.lookup(r)
	return !ok
}

// Next suspends until the store signals new keys for the subscription, the
// stream terminates, or the context ends.
func (r *SubReceiver) Next(ctx context.Context) ([]store.EventKey, error) {
	if r.closed {
		return nil, ErrStreamEnded
	}
	if r.stream == nil {
		r.stream = r.mgr.store.Stream(ctx, r.unified.Local)
	}
	select {
	case keys, ok := <-r.stream:
		if !ok {
			return nil, ErrStreamEnded
		}
		return keys, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unsubscribes both halves.
func (r *SubReceiver) Close() error {
	return r.mgr.Unsubscribe(r)
}
