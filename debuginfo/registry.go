// Package debuginfo keeps per-thread debug information, such as the active
// profiling session, in typed slots.
//
// A slot holds at most one value. Push returns the previous occupant so that
// callers can restore it, and Pop empties the slot and returns what it held.
package debuginfo

// A Key identifies a slot and the type of value the slot holds. Keys are
// compared by identity, so each call to NewKey creates a distinct slot.
type Key[T any] struct {
	name string
}

// NewKey creates a new slot key.
func NewKey[T any](name string) *Key[T] {
	return &Key[T]{name: name}
}

// Name returns the name that the key was created with.
func (k *Key[T]) Name() string {
	return k.name
}

// A Registry is the set of debug-info slots of one thread. A Registry is
// owned by a single goroutine and is not safe for concurrent use.
type Registry struct {
	slots map[any]any
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[any]any)}
}

// Clone returns a registry that starts with the same slot contents. Later
// pushes and pops on either registry do not affect the other.
func (r *Registry) Clone() *Registry {
	c := NewRegistry()
	for k, v := range r.slots {
		c.slots[k] = v
	}

	return c
}

// Len returns the number of occupied slots.
func (r *Registry) Len() int {
	return len(r.slots)
}

// Get returns the value in the slot of key.
func Get[T any](r *Registry, key *Key[T]) (T, bool) {
	v, ok := r.slots[key]
	if !ok {
		var zero T
		return zero, false
	}

	return v.(T), true
}

// Push places value in the slot of key and returns the previous occupant.
func Push[T any](r *Registry, key *Key[T], value T) (prev T, hadPrev bool) {
	prev, hadPrev = Get(r, key)
	r.slots[key] = value

	return prev, hadPrev
}

// Pop empties the slot of key and returns what it held.
func Pop[T any](r *Registry, key *Key[T]) (T, bool) {
	v, ok := Get(r, key)
	delete(r.slots, key)

	return v, ok
}
