// Package shard provides a map partitioned by key hash so that operations
// on different bodies rarely contend on the same lock.
package shard

import (
	"hash/fnv"
	"sync"
)

// DefaultShards is used when New is given a non-positive count.
const DefaultShards = 32

type bucket[K ~string, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// Map is a concurrent map keyed by string-like identifiers.
type Map[K ~string, V any] struct {
	buckets []*bucket[K, V]
}

// New returns a map with n shards.
func New[K ~string, V any](n int) *Map[K, V] {
	if n <= 0 {
		n = DefaultShards
	}
	m := &Map[K, V]{buckets: make([]*bucket[K, V], n)}
	for i := range m.buckets {
		m.buckets[i] = &bucket[K, V]{m: make(map[K]V)}
	}
	return m
}

func (m *Map[K, V]) bucketFor(k K) *bucket[K, V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k))
	return m.buckets[h.Sum32()%uint32(len(m.buckets))]
}

// Get returns the value stored under k.
func (m *Map[K, V]) Get(k K) (V, bool) {
	b := m.bucketFor(k)
	b.mu.RLock()
	v, ok := b.m[k]
	b.mu.RUnlock()
	return v, ok
}

// Set stores v under k.
func (m *Map[K, V]) Set(k K, v V) {
	b := m.bucketFor(k)
	b.mu.Lock()
	b.m[k] = v
	b.mu.Unlock()
}

// GetOrCreate returns the value under k, creating it with mk if absent.
// The boolean reports whether the value already existed.
func (m *Map[K, V]) GetOrCreate(k K, mk func() V) (V, bool) {
	b := m.bucketFor(k)
	b.mu.RLock()
	v, ok := b.m[k]
	b.mu.RUnlock()
	if ok {
		return v, true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.m[k]; ok {
		return v, true
	}
	v = mk()
	b.m[k] = v
	return v, false
}

// Delete removes k and returns the value it held.
func (m *Map[K, V]) Delete(k K) (V, bool) {
	b := m.bucketFor(k)
	b.mu.Lock()
	v, ok := b.m[k]
	delete(b.m, k)
	b.mu.Unlock()
	return v, ok
}

// Len returns the number of entries across all shards.
func (m *Map[K, V]) Len() int {
	n := 0
	for _, b := range m.buckets {
		b.mu.RLock()
		n += len(b.m)
		b.mu.RUnlock()
	}
	return n
}

// Range calls fn for every entry until fn returns false. Each shard is
// copied before iteration so fn may call back into the map.
func (m *Map[K, V]) Range(fn func(K, V) bool) {
	for _, b := range m.buckets {
		b.mu.RLock()
		keys := make([]K, 0, len(b.m))
		vals := make([]V, 0, len(b.m))
		for k, v := range b.m {
			keys = append(keys, k)
			vals = append(vals, v)
		}
		b.mu.RUnlock()
		for i := range keys {
			if !fn(keys[i], vals[i]) {
				return
			}
		}
	}
}
