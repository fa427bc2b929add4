package pool

import (
	"sort"

	"github.com/rs/zerolog/log"
)

// relaySets holds the configurable relay source sets. The effective set is
// forced when non-empty, else local ∪ advertised, else bootstrapping.
type relaySets struct {
	bootstrapping map[string]struct{}
	local         map[string]struct{}
	advertised    map[string]struct{}
	forced        map[string]struct{}
}

func normalizeSet(urls []string) map[string]struct{} {
	set := make(map[string]struct{}, len(urls))
	for _, raw := range urls {
		canonical, err := CanonicalURL(raw)
		if err != nil {
			log.Warn().Err(err).Str("url", raw).Msg("Dropping invalid relay url")
			continue
		}
		set[canonical] = struct{}{}
	}
	return set
}

// SetBootstrapping replaces the bootstrapping relay set and reapplies the
// effective set.
func (p *RelayPool) SetBootstrapping(urls []string) {
	p.sets.bootstrapping = normalizeSet(urls)
	p.applyEffective()
}

// SetLocal replaces the user-configured relay set and reapplies.
func (p *RelayPool) SetLocal(urls []string) {
	p.sets.local = normalizeSet(urls)
	p.applyEffective()
}

// SetAdvertised replaces the advertised (e.g. NIP-65) relay set and
// reapplies.
func (p *RelayPool) SetAdvertised(urls []string) {
	p.sets.advertised = normalizeSet(urls)
	p.applyEffective()
}

// SetForced replaces the forced override set and reapplies. An empty set
// clears the override.
func (p *RelayPool) SetForced(urls []string) {
	p.sets.forced = normalizeSet(urls)
	p.applyEffective()
}

// EffectiveURLs resolves the configured sets into the relay set the pool
// should be running.
func (p *RelayPool) EffectiveURLs() []string {
	effective := p.sets.effective()
	out := make([]string, 0, len(effective))
	for u := range effective {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (s *relaySets) effective() map[string]struct{} {
	if len(s.forced) > 0 {
		return s.forced
	}
	if len(s.local) > 0 || len(s.advertised) > 0 {
		merged := make(map[string]struct{}, len(s.local)+len(s.advertised))
		for u := range s.local {
			merged[u] = struct{}{}
		}
		for u := range s.advertised {
			merged[u] = struct{}{}
		}
		return merged
	}
	return s.bootstrapping
}

// applyEffective reconciles the pool against the effective set: missing
// relays are added (and receive the recorded subscriptions on connect),
// matching relays are kept, the rest are dropped.
func (p *RelayPool) applyEffective() {
	effective := p.sets.effective()

	drop := make(map[string]struct{})
	for _, pr := range p.relays {
		if _, keep := effective[pr.URL()]; !keep {
			drop[pr.URL()] = struct{}{}
		}
	}
	p.RemoveURLs(drop)

	for u := range effective {
		if err := p.AddURL(u); err != nil {
			log.Warn().Err(err).Str("url", u).Msg("Failed to add relay")
		}
	}
}
