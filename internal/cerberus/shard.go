package cerberus

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

// shardedMap partitions per-address state so request handlers touching different
// addresses never contend on the same lock.
type shardedMap[V any] struct {
	shards [shardCount]shard[V]
}

type shard[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

func newShardedMap[V any]() *shardedMap[V] {
	s := &shardedMap[V]{}
	for i := range s.shards {
		s.shards[i].m = make(map[string]V)
	}
	return s
}

func (s *shardedMap[V]) shardFor(key string) *shard[V] {
	return &s.shards[xxhash.Sum64String(key)%shardCount]
}

func (s *shardedMap[V]) get(key string) (V, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	v, ok := sh.m[key]
	sh.mu.RUnlock()
	return v, ok
}

// update replaces the value under key with fn(current, exists) while holding the
// shard lock and returns the stored value.
func (s *shardedMap[V]) update(key string, fn func(V, bool) V) V {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.m[key]
	next := fn(cur, ok)
	sh.m[key] = next
	return next
}

func (s *shardedMap[V]) delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.m[key]; !ok {
		return false
	}
	delete(sh.m, key)
	return true
}

// deleteIf removes key only when pred holds for its current value.
func (s *shardedMap[V]) deleteIf(key string, pred func(V) bool) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.m[key]
	if !ok || !pred(v) {
		return false
	}
	delete(sh.m, key)
	return true
}

// sweep removes every entry for which evict returns true and reports how many went.
func (s *shardedMap[V]) sweep(evict func(string, V) bool) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, v := range sh.m {
			if evict(k, v) {
				delete(sh.m, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (s *shardedMap[V]) clear() int {
	return s.sweep(func(string, V) bool { return true })
}

func (s *shardedMap[V]) len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}

// each visits entries under the read lock of their shard. fn must not call back
// into the map.
func (s *shardedMap[V]) each(fn func(string, V)) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k, v := range sh.m {
			fn(k, v)
		}
		sh.mu.RUnlock()
	}
}
