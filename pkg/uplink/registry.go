package uplink

import (
	"github.com/maypok86/otter/v2"
)

// Registry is the immutable-after-init uplink set (spec §9): every
// configured Uplink plus a bounded memo of which uplinks match a given
// package name. The memo caches a pure function of static config (the
// compiled ProxyAccess regexes), never mutable package state, so it
// never needs invalidation and §5's "no in-memory package cache" rule
// doesn't apply to it.
type Registry struct {
	uplinks []Uplink
	matches *otter.Cache[string, []Uplink]
}

// NewRegistry returns a Registry over uplinks, ready for concurrent use.
// uplinks is never mutated or replaced after construction.
func NewRegistry(uplinks []Uplink) *Registry {
	cache := otter.Must(&otter.Options[string, []Uplink]{
		MaximumSize: 4096,
	})
	return &Registry{uplinks: uplinks, matches: cache}
}

// All returns every configured uplink, in configuration order.
func (r *Registry) All() []Uplink {
	return r.uplinks
}

// Matching returns the uplinks with proxy access to name, in
// configuration order, memoized per name.
func (r *Registry) Matching(name string) []Uplink {
	if cached, ok := r.matches.GetIfPresent(name); ok {
		return cached
	}

	var matched []Uplink
	for _, u := range r.uplinks {
		if u.Matches(name) {
			matched = append(matched, u)
		}
	}

	r.matches.Set(name, matched)
	return matched
}
