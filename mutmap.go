package distobj

import (
	"slices"
	"sync"
)

// Mutexmap is a map guarded by a sync.RWMutex.
type Mutexmap[K comparable, V any] struct {
	mut sync.RWMutex
	m   map[K]V
}

func NewMutexmap[K comparable, V any]() *Mutexmap[K, V] {
	return &Mutexmap[K, V]{m: make(map[K]V)}
}

func (m *Mutexmap[K, V]) Get(key K) (val V, ok bool) {
	m.mut.RLock()
	defer m.mut.RUnlock()
	val, ok = m.m[key]
	return
}

// Set stores val under key, returning what it replaced.
func (m *Mutexmap[K, V]) Set(key K, val V) (prev V, replaced bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	prev, replaced = m.m[key]
	m.m[key] = val
	return
}

// Del removes key, returning the value it held.
func (m *Mutexmap[K, V]) Del(key K) (val V, ok bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	val, ok = m.m[key]
	if ok {
		delete(m.m, key)
	}
	return
}

// sortedKeys returns the keys of m in order.
func sortedKeys[V any](m *Mutexmap[string, V]) []string {
	m.mut.RLock()
	keys := make([]string, 0, len(m.m))
	for k := range m.m {
		keys = append(keys, k)
	}
	m.mut.RUnlock()
	slices.Sort(keys)
	return keys
}
