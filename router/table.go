package router

import (
	"sort"
	"sync"
)

// routeTable maps identity keys (DIDs and verkeys) to handlers. Both keys
// of a registration are written under one lock, so readers see either
// the old or the new binding for the pair.
type routeTable[H any] struct {
	name   string
	routes map[string]H
	mu     sync.RWMutex
}

func newRouteTable[H any](name string) *routeTable[H] {
	return &routeTable[H]{
		name:   name,
		routes: make(map[string]H),
	}
}

func (t *routeTable[H]) get(identity string) (H, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, ok := t.routes[identity]
	return h, ok
}

// insert binds h under every non-empty key; last write wins.
func (t *routeTable[H]) insert(did, verkey string, h H) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, key := range [...]string{did, verkey} {
		if key != "" {
			t.routes[key] = h
		}
	}
}

// insertRestored binds a reconstructed handler unless a live handler was
// registered under did or verkey while the reconstruction ran. It returns
// the handler that ended up bound and whether it is the one passed in.
func (t *routeTable[H]) insertRestored(did, verkey string, h H) (H, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, key := range [...]string{did, verkey} {
		if existing, ok := t.routes[key]; ok && !terminated(existing) {
			return existing, false
		}
	}

	t.routes[did] = h
	t.routes[verkey] = h
	return h, true
}

// keys returns the registered identities, sorted.
func (t *routeTable[H]) keys() []string {
	t.mu.RLock()
	keys := make([]string, 0, len(t.routes))
	for k := range t.routes {
		keys = append(keys, k)
	}
	t.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

func (t *routeTable[H]) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}
