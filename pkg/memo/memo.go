// Package memo caches the results of expensive idempotent computations in a
// TTL store keyed by the operation and its arguments.
package memo

import (
	"time"

	"golang.org/x/sync/singleflight"

	"warden/pkg/clock"
	"warden/pkg/store"
)

type Memoizer[V any] struct {
	store *store.Store[V]
	group *singleflight.Group
}

type Option func(*options)

type options struct {
	singleFlight bool
}

// WithSingleFlight collapses concurrent misses on the same key into one
// compute call. Without it two concurrent misses may both compute and the
// last write wins.
func WithSingleFlight() Option {
	return func(o *options) { o.singleFlight = true }
}

func New[V any](c clock.Clock, opts ...Option) *Memoizer[V] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	m := &Memoizer[V]{store: store.New[V](c)}
	if o.singleFlight {
		m.group = &singleflight.Group{}
	}
	return m
}

// GetOrCompute returns the cached value for key when a stored entry is
// younger than ttl, otherwise invokes compute, stores the result with the
// current timestamp and returns it. Errors from compute are never cached.
func (m *Memoizer[V]) GetOrCompute(key string, ttl time.Duration, compute func() (V, error)) (V, error) {
	if v, ok := m.store.Get(key); ok {
		return v, nil
	}
	if m.group == nil {
		v, err := compute()
		if err != nil {
			var zero V
			return zero, err
		}
		m.store.Set(key, v, ttl)
		return v, nil
	}
	res, err, _ := m.group.Do(key, func() (any, error) {
		if v, ok := m.store.Get(key); ok {
			return v, nil
		}
		v, err := compute()
		if err != nil {
			return nil, err
		}
		m.store.Set(key, v, ttl)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

func (m *Memoizer[V]) Invalidate(key string) {
	m.store.Del(key)
}

func (m *Memoizer[V]) Clear() {
	m.store.Clear()
}

func (m *Memoizer[V]) Stats() store.Stats {
	return m.store.Stats()
}
