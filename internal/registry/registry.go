// Package registry holds the in-memory runs a process is driving.
package registry

import "sync"

// Registry is a keyed arena: values live in slots reused through a free
// list, and a map indexes them by composite key. It is safe for concurrent use.
type Registry[K comparable, V any] struct {
	mu    sync.RWMutex
	slots []slot[K, V]
	free  []int
	index map[K]int
}

type slot[K comparable, V any] struct {
	key   K
	value V
	used  bool
}

// New creates an empty registry.
func New[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{index: make(map[K]int)}
}

func (r *Registry[K, V]) Get(key K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i, ok := r.index[key]; ok {
		return r.slots[i].value, true
	}
	var zero V
	return zero, false
}

// Put stores value under key, replacing any previous value.
func (r *Registry[K, V]) Put(key K, value V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(key, value)
}

// GetOrInsert returns the value under key, or stores and returns the value
// built by create. inserted reports which happened.
func (r *Registry[K, V]) GetOrInsert(key K, create func() V) (value V, inserted bool) {
	return r.InsertUnless(key, func(V) bool { return true }, create)
}

// InsertUnless returns the current value under key if keep approves it;
// otherwise it stores the value built by create, replacing any previous one.
func (r *Registry[K, V]) InsertUnless(key K, keep func(V) bool, create func() V) (value V, inserted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.index[key]; ok && keep(r.slots[i].value) {
		return r.slots[i].value, false
	}
	value = create()
	r.put(key, value)
	return value, true
}

func (r *Registry[K, V]) put(key K, value V) {
	if i, ok := r.index[key]; ok {
		r.slots[i].value = value
		return
	}
	s := slot[K, V]{key: key, value: value, used: true}
	if n := len(r.free); n > 0 {
		i := r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[i] = s
		r.index[key] = i
		return
	}
	r.slots = append(r.slots, s)
	r.index[key] = len(r.slots) - 1
}

// Delete removes key. It reports whether anything was removed.
func (r *Registry[K, V]) Delete(key K) bool {
	return r.DeleteIf(key, func(V) bool { return true })
}

// DeleteIf removes key only when pred approves the current value. Callers
// use it to avoid evicting a newer value stored under the same key.
func (r *Registry[K, V]) DeleteIf(key K, pred func(V) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[key]
	if !ok || !pred(r.slots[i].value) {
		return false
	}
	delete(r.index, key)
	r.slots[i] = slot[K, V]{}
	r.free = append(r.free, i)
	return true
}

// List returns a snapshot of every value.
func (r *Registry[K, V]) List() []V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]V, 0, len(r.index))
	for _, s := range r.slots {
		if s.used {
			out = append(out, s.value)
		}
	}
	return out
}

func (r *Registry[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}
