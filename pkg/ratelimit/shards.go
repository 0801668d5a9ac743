package ratelimit

import (
	"hash/maphash"
	"sync"
)

const shardCount = 64

// shardedMap spreads keys over independently locked shards so that traffic
// for different clients never contends on one mutex.
type shardedMap[V any] struct {
	seed   maphash.Seed
	shards [shardCount]shard[V]
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

func newShardedMap[V any]() *shardedMap[V] {
	m := &shardedMap[V]{seed: maphash.MakeSeed()}
	for i := range m.shards {
		m.shards[i].items = make(map[string]V)
	}
	return m
}

func (m *shardedMap[V]) shardFor(key string) *shard[V] {
	return &m.shards[maphash.String(m.seed, key)%shardCount]
}

// get returns the value for key, if any.
func (m *shardedMap[V]) get(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	return v, ok
}

// getOrCreate returns the existing value or stores the one built by create.
// create runs under the shard lock and must not block.
func (m *shardedMap[V]) getOrCreate(key string, create func() V) (V, bool) {
	if v, ok := m.get(key); ok {
		return v, false
	}

	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.items[key]; ok {
		return v, false
	}
	v := create()
	s.items[key] = v
	return v, true
}

// delete removes key and returns the removed value.
func (m *shardedMap[V]) delete(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	v, ok := s.items[key]
	delete(s.items, key)
	s.mu.Unlock()
	return v, ok
}

// deleteIf removes every entry for which drop returns true, one shard at a time.
func (m *shardedMap[V]) deleteIf(drop func(key string, v V) bool) int {
	removed := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for key, v := range s.items {
			if drop(key, v) {
				delete(s.items, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// deleteWhen removes key if drop approves it. drop runs under the shard lock.
func (m *shardedMap[V]) deleteWhen(key string, drop func(v V) bool) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	if !ok || !drop(v) {
		var zero V
		return zero, false
	}
	delete(s.items, key)
	return v, true
}

func (m *shardedMap[V]) len() int {
	total := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}
