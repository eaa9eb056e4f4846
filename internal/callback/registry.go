package callback

import (
	"errors"
	"fmt"
	"sort"
)

// ErrDuplicateName is returned when two callbacks share a name.
var ErrDuplicateName = errors.New("duplicate callback name")

// Registry is an immutable, name-indexed set of callbacks. It preserves
// registration order for listing.
type Registry struct {
	ordered []Callback
	byName  map[string]int
}

// NewRegistry validates and indexes callbacks.
func NewRegistry(callbacks ...Callback) (*Registry, error) {
	r := &Registry{byName: make(map[string]int, len(callbacks))}
	for _, cb := range callbacks {
		if cb == nil {
			continue
		}
		name := cb.Name()
		if err := ValidateName(name); err != nil {
			return nil, err
		}
		if _, exists := r.byName[name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
		r.byName[name] = len(r.ordered)
		r.ordered = append(r.ordered, cb)
	}
	return r, nil
}

// Lookup returns the callback registered under name.
func (r *Registry) Lookup(name string) (Callback, bool) {
	if r == nil {
		return nil, false
	}
	i, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.ordered[i], true
}

// Len returns the number of callbacks.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.ordered)
}

// Names returns callback names sorted alphabetically.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.ordered))
	for _, cb := range r.ordered {
		names = append(names, cb.Name())
	}
	sort.Strings(names)
	return names
}

// Descriptors returns descriptors in registration order.
func (r *Registry) Descriptors() []Descriptor {
	if r == nil {
		return nil
	}
	out := make([]Descriptor, 0, len(r.ordered))
	for _, cb := range r.ordered {
		out = append(out, Describe(cb))
	}
	return out
}
