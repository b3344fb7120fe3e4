package registry

import (
	"iter"
	"sync"
)

// Map is a mutex guarded map with atomic get-or-create. Values are expected
// to be pointers so CompareAndDelete can match on identity.
type Map[K comparable, V comparable] struct {
	mu    sync.RWMutex
	items map[K]V
}

// NewMap creates an empty map
func NewMap[K comparable, V comparable]() *Map[K, V] {
	return &Map[K, V]{items: make(map[K]V)}
}

// GetOrCreate returns the value for key, calling create under the lock when
// it is absent. created reports whether create was called.
func (m *Map[K, V]) GetOrCreate(key K, create func() V) (value V, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.items[key]; ok {
		return v, false
	}
	v := create()
	m.items[key] = v
	return v, true
}

func (m *Map[K, V]) Load(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok
}

func (m *Map[K, V]) Store(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
}

// LoadAndDelete removes key and returns the value it held
func (m *Map[K, V]) LoadAndDelete(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	if ok {
		delete(m.items, key)
	}
	return v, ok
}

func (m *Map[K, V]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
}

// CompareAndDelete removes key only while it still maps to old
func (m *Map[K, V]) CompareAndDelete(key K, old V) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.items[key]; ok && v == old {
		delete(m.items, key)
		return true
	}
	return false
}

func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// All iterates over a snapshot of the entries, so the loop body may modify the map
func (m *Map[K, V]) All() iter.Seq2[K, V] {
	m.mu.RLock()
	snapshot := make(map[K]V, len(m.items))
	for k, v := range m.items {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	return func(yield func(K, V) bool) {
		for k, v := range snapshot {
			if !yield(k, v) {
				return
			}
		}
	}
}
