package store

import (
	"sync"
	"time"

	"warden/pkg/clock"
)

// Stats reports the live entry count and a rough memory estimate.
type Stats struct {
	Entries     int   `json:"entries"`
	ApproxBytes int64 `json:"approx_bytes"`
}

// Store is an in-memory keyed cache with per-entry TTL. Expired entries are
// dropped lazily when read, so memory for stale keys is reclaimed in
// proportion to read traffic.
type Store[V any] struct {
	mu    sync.Mutex
	clock clock.Clock
	items map[string]item[V]
}

type item[V any] struct {
	value     V
	createdAt time.Time
	ttl       time.Duration
}

func New[V any](c clock.Clock) *Store[V] {
	if c == nil {
		c = clock.System()
	}
	return &Store[V]{
		clock: c,
		items: make(map[string]item[V]),
	}
}

// Get returns the value for key if it has not outlived its TTL. An expired
// entry is removed on the spot.
func (s *Store[V]) Get(key string) (V, bool) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if now.Sub(it.createdAt) >= it.ttl {
		delete(s.items, key)
		var zero V
		return zero, false
	}
	return it.value, true
}

func (s *Store[V]) Set(key string, value V, ttl time.Duration) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = item[V]{value: value, createdAt: now, ttl: ttl}
}

func (s *Store[V]) Del(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

func (s *Store[V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]item[V])
}

func (s *Store[V]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var bytes int64
	for k, it := range s.items {
		bytes += entryOverheadBytes + int64(len(k)) + approxValueBytes(it.value)
	}
	return Stats{Entries: len(s.items), ApproxBytes: bytes}
}

// entryOverheadBytes covers map bucket, timestamps and bookkeeping per entry.
const entryOverheadBytes = 64

func approxValueBytes(v any) int64 {
	switch t := v.(type) {
	case string:
		return int64(len(t))
	case []byte:
		return int64(len(t))
	default:
		return 48
	}
}
