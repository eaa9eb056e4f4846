package resilience

import (
	"sync"
)

// defaultGroupSize bounds how many keys a Group tracks before it forgets
// closed breakers.
const defaultGroupSize = 1024

// Group hands out one breaker per key, all sharing the same settings. It
// is used to isolate failures per outbound host.
type Group struct {
	prefix   string
	settings Settings
	maxKeys  int

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGroup creates a group whose breakers are named prefix + ":" + key.
// maxKeys <= 0 uses a default.
func NewGroup(prefix string, settings Settings, maxKeys int) *Group {
	if maxKeys <= 0 {
		maxKeys = defaultGroupSize
	}
	return &Group{
		prefix:   prefix,
		settings: settings,
		maxKeys:  maxKeys,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key, creating it if needed.
func (g *Group) Get(key string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if b, ok := g.breakers[key]; ok {
		return b
	}
	if len(g.breakers) >= g.maxKeys {
		g.pruneLocked()
	}
	b := New(g.prefix+":"+key, g.settings)
	g.breakers[key] = b
	return b
}

// States returns the current state of every tracked breaker.
func (g *Group) States() map[string]State {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]State, len(g.breakers))
	for key, b := range g.breakers {
		out[key] = b.State()
	}
	return out
}

// Len returns the number of tracked keys.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.breakers)
}

// pruneLocked forgets closed breakers. Open and half-open ones are kept so
// a failing host cannot escape its breaker by churning keys.
func (g *Group) pruneLocked() {
	for key, b := range g.breakers {
		if b.State() == StateClosed {
			delete(g.breakers, key)
		}
	}
}
