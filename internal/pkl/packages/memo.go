package packages

import (
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

var errAbsent = errors.New("absent")

// tracked is a cached value plus the file identities it was derived from.
type tracked[V any] struct {
	value  V
	stamps []stamp
}

// memo caches values per key and drops an entry lazily, on read, once any of its
// tracked files changed. Absent results are never cached. Concurrent misses for
// one key share a single computation.
type memo[V any] struct {
	mu      sync.RWMutex
	entries map[string]*tracked[V]
	group   singleflight.Group

	// onEvict releases resources held by a dropped value.
	onEvict func(V)
}

func newMemo[V any](onEvict func(V)) *memo[V] {
	return &memo[V]{
		entries: make(map[string]*tracked[V]),
		onEvict: onEvict,
	}
}

// get returns the cached value for key, computing it when missing or stale.
// compute reports ok=false for absence.
func (m *memo[V]) get(key string, compute func() (V, []stamp, bool)) (V, bool) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if ok {
		if allCurrent(entry.stamps) {
			return entry.value, true
		}
		m.drop(key, entry)
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		value, stamps, ok := compute()
		if !ok {
			return nil, errAbsent
		}
		m.put(key, &tracked[V]{value: value, stamps: stamps})
		return value, nil
	})
	if err != nil {
		var zero V
		return zero, false
	}
	return v.(V), true
}

func (m *memo[V]) put(key string, entry *tracked[V]) {
	m.mu.Lock()
	old := m.entries[key]
	m.entries[key] = entry
	m.mu.Unlock()

	if old != nil && old != entry {
		m.release(old.value)
	}
}

// drop removes entry if it is still the one stored under key.
func (m *memo[V]) drop(key string, entry *tracked[V]) {
	m.mu.Lock()
	if m.entries[key] != entry {
		m.mu.Unlock()
		return
	}
	delete(m.entries, key)
	m.mu.Unlock()

	m.release(entry.value)
}

func (m *memo[V]) clear() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*tracked[V])
	m.mu.Unlock()

	for _, entry := range entries {
		m.release(entry.value)
	}
}

func (m *memo[V]) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *memo[V]) release(v V) {
	if m.onEvict != nil {
		m.onEvict(v)
	}
}
