package pool

import (
	"fmt"
	"net/url"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog/log"

	"github.com/notedeck/notedeck/internal/protocol"
)

const (
	// defaultPingRate is how long a connection may sit idle before we ping.
	defaultPingRate = 25 * time.Second
	// initialReconnectAfter is the retry delay for a fresh relay.
	initialReconnectAfter = 5 * time.Second
	// nextReconnectAfter is the bounded retry delay after the first attempt.
	nextReconnectAfter = 3 * time.Second
)

// PoolRelay wraps a relay transport with its keepalive bookkeeping.
type PoolRelay struct {
	relay              *Relay
	lastPing           time.Time
	lastConnectAttempt time.Time
	retryConnectAfter  time.Duration
}

// URL returns the relay's canonical URL.
func (pr *PoolRelay) URL() string { return pr.relay.URL }

// Status returns the relay's connection state.
func (pr *PoolRelay) Status() RelayStatus { return pr.relay.Status() }

// RelayPool multiplexes client commands over a set of relays and funnels
// their transport events into a single non-blocking receive call. The pool
// is owned by the core loop; only the transports run on goroutines.
type RelayPool struct {
	relays   []*PoolRelay
	pingRate time.Duration
	dial     Dialer
	now      func() time.Time

	// subs records every active subscription so it can be replayed onto
	// relays that connect later.
	subs map[string][]nostr.Filter

	sets relaySets
}

// NewRelayPool constructs an empty pool using the production websocket
// transport.
func NewRelayPool() *RelayPool {
	return newRelayPool(nil)
}

// NewRelayPoolWithDialer constructs a pool over a custom transport dialer.
func NewRelayPoolWithDialer(dial Dialer) *RelayPool {
	return newRelayPool(dial)
}

func newRelayPool(dial Dialer) *RelayPool {
	return &RelayPool{
		pingRate: defaultPingRate,
		dial:     dial,
		now:      time.Now,
		subs:     make(map[string][]nostr.Filter),
	}
}

// SetPingRate overrides the keepalive ping rate.
func (p *RelayPool) SetPingRate(d time.Duration) {
	p.pingRate = d
}

// CanonicalURL normalizes a relay URL to the form used for pool identity.
// It returns an error for URLs that do not parse as websocket endpoints.
func CanonicalURL(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("pool: empty relay url")
	}
	normalized := nostr.NormalizeURL(raw)
	if normalized == "" {
		return "", fmt.Errorf("pool: invalid relay url %q", raw)
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return "", fmt.Errorf("pool: invalid relay url %q: %w", raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("pool: relay url %q is not a websocket url", raw)
	}
	return normalized, nil
}

// Has reports whether the pool already holds the canonical URL.
func (p *RelayPool) Has(canonical string) bool {
	for _, pr := range p.relays {
		if pr.URL() == canonical {
			return true
		}
	}
	return false
}

// URLs returns the canonical URLs of all pool relays.
func (p *RelayPool) URLs() []string {
	out := make([]string, 0, len(p.relays))
	for _, pr := range p.relays {
		out = append(out, pr.URL())
	}
	return out
}

// ConnectedURLs returns the canonical URLs of relays currently connected.
func (p *RelayPool) ConnectedURLs() []string {
	var out []string
	for _, pr := range p.relays {
		if pr.Status() == StatusConnected {
			out = append(out, pr.URL())
		}
	}
	return out
}

// Relays returns the pool's relays for inspection.
func (p *RelayPool) Relays() []*PoolRelay {
	return p.relays
}

// AddURL normalizes and inserts a relay, starting its first connection
// attempt. Invalid URLs are rejected; duplicates are no-ops.
func (p *RelayPool) AddURL(raw string) error {
	canonical, err := CanonicalURL(raw)
	if err != nil {
		return err
	}
	if p.Has(canonical) {
		return nil
	}

	pr := &PoolRelay{
		relay:              newRelay(canonical, p.dial),
		lastPing:           p.now(),
		lastConnectAttempt: p.now(),
		retryConnectAfter:  initialReconnectAfter,
	}
	p.relays = append(p.relays, pr)
	pr.relay.Connect()

	log.Debug().Str("url", canonical).Msg("Added relay to pool")
	return nil
}

// RemoveURLs drops the given canonical URLs from the pool, closing their
// transports.
func (p *RelayPool) RemoveURLs(urls map[string]struct{}) {
	kept := p.relays[:0]
	for _, pr := range p.relays {
		if _, drop := urls[pr.URL()]; drop {
			pr.relay.close()
			log.Debug().Str("url", pr.URL()).Msg("Removed relay from pool")
			continue
		}
		kept = append(kept, pr)
	}
	p.relays = kept
}

// Broadcast sends the command to every relay, best-effort. Per-relay send
// errors are logged and do not affect the others.
func (p *RelayPool) Broadcast(cmd protocol.ClientMessage) {
	frame, err := cmd.Encode()
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode client message")
		return
	}
	for _, pr := range p.relays {
		if err := pr.relay.Send(frame); err != nil {
			log.Debug().Err(err).Str("url", pr.URL()).Msg("Broadcast send failed")
		}
	}
}

// SendTo sends the command to exactly one relay by canonical URL; it is a
// no-op when the relay is not in the pool.
func (p *RelayPool) SendTo(cmd protocol.ClientMessage, relayURL string) {
	frame, err := cmd.Encode()
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode client message")
		return
	}
	for _, pr := range p.relays {
		if pr.URL() == relayURL {
			if err := pr.relay.Send(frame); err != nil {
				log.Debug().Err(err).Str("url", relayURL).Msg("Unicast send failed")
			}
			return
		}
	}
}

// Subscribe records the filters under subID and sends the REQ to every
// relay. Relays that connect later receive the REQ at connect time.
func (p *RelayPool) Subscribe(subID string, filters []nostr.Filter) {
	p.subs[subID] = filters
	p.Broadcast(protocol.ReqMessage{SubID: subID, Filters: filters})
}

// Unsubscribe sends CLOSE to every relay and forgets the subscription.
func (p *RelayPool) Unsubscribe(subID string) {
	delete(p.subs, subID)
	p.Broadcast(protocol.CloseMessage{SubID: subID})
}

// Subscriptions returns the recorded subscription filters.
func (p *RelayPool) Subscriptions() map[string][]nostr.Filter {
	return p.subs
}

// replaySubs sends every recorded subscription to one relay, used when a
// relay (re)connects.
func (p *RelayPool) replaySubs(pr *PoolRelay) {
	for subID, filters := range p.subs {
		msg := protocol.ReqMessage{SubID: subID, Filters: filters}
		frame, err := msg.Encode()
		if err != nil {
			log.Error().Err(err).Str("sub", subID).Msg("Failed to encode replayed REQ")
			continue
		}
		if err := pr.relay.Send(frame); err != nil {
			log.Debug().Err(err).Str("url", pr.URL()).Str("sub", subID).Msg("Replay send failed")
		}
	}
}

// TryRecv scans the relays in order and returns the first pending event,
// updating relay status on Opened/Closed/Error before handing the event to
// the caller. Returns nil when nothing is pending.
func (p *RelayPool) TryRecv() *PoolEvent {
	for _, pr := range p.relays {
		ev, ok := pr.relay.TryRecv()
		if !ok {
			continue
		}

		switch ev.Kind {
		case EventOpened:
			pr.relay.setStatus(StatusConnected)
			pr.retryConnectAfter = initialReconnectAfter
			p.replaySubs(pr)
		case EventClosed:
			pr.relay.setStatus(StatusDisconnected)
		case EventError:
			log.Debug().Err(ev.Err).Str("url", pr.URL()).Msg("Relay transport error")
			pr.relay.setStatus(StatusDisconnected)
		}

		return &PoolEvent{Relay: pr.URL(), Event: ev}
	}
	return nil
}

// KeepaliveTick runs the per-relay keepalive state machine once: retry
// connects for disconnected relays whose backoff elapsed, ping connected
// relays that have been idle past the ping rate, leave connecting relays
// alone.
func (p *RelayPool) KeepaliveTick() {
	now := p.now()
	for _, pr := range p.relays {
		switch pr.relay.Status() {
		case StatusDisconnected:
			if now.Sub(pr.lastConnectAttempt) >= pr.retryConnectAfter {
				pr.lastConnectAttempt = now
				log.Debug().
					Str("url", pr.URL()).
					Dur("retry_after", pr.retryConnectAfter).
					Msg("Retrying relay connect")
				pr.retryConnectAfter = nextReconnectAfter
				pr.relay.Connect()
			}

		case StatusConnected:
			if now.Sub(pr.lastPing) > p.pingRate {
				if err := pr.relay.Ping(); err != nil {
					log.Debug().Err(err).Str("url", pr.URL()).Msg("Ping failed")
				}
				pr.lastPing = now
			}

		case StatusConnecting:
			// wait for the dial to resolve
		}
	}
}
