// Package safemap provides a generic concurrent map with a constant-time
// length, used for tables that many goroutines add to and remove from.
package safemap

import (
	"sync"
	"sync/atomic"
)

// SafeMap is a typed wrapper over sync.Map. The zero value is ready to use
// and must not be copied after first use.
type SafeMap[K comparable, V any] struct {
	m   sync.Map
	len atomic.Int64
}

// NewSafeMap returns an empty map.
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{}
}

// Store sets the value for k, replacing any previous value.
func (m *SafeMap[K, V]) Store(k K, v V) {
	if _, loaded := m.m.Swap(k, v); !loaded {
		m.len.Add(1)
	}
}

// Delete removes k. Deleting a missing key is a no-op.
func (m *SafeMap[K, V]) Delete(k K) {
	if _, loaded := m.m.LoadAndDelete(k); loaded {
		m.len.Add(-1)
	}
}

// Values returns a snapshot of every value, in no particular order. Entries
// stored or deleted concurrently may or may not be included.
func (m *SafeMap[K, V]) Values() []V {
	out := make([]V, 0, m.Len())
	m.m.Range(func(_, v any) bool {
		out = append(out, v.(V))
		return true
	})

	return out
}

// Len returns the number of entries.
func (m *SafeMap[K, V]) Len() int {
	return int(m.len.Load())
}
