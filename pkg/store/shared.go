package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"warden/pkg/clock"
)

// Shared is a compute-through string cache backed by Redis so multiple
// replicas of a host can reuse one memoized result. Without a reachable
// Redis it degrades to an in-process Store.
type Shared struct {
	client   *redis.Client
	prefix   string
	fallback *Store[string]
}

// NewShared pings Redis once; on failure every operation uses the in-memory
// fallback from the start.
func NewShared(ctx context.Context, client *redis.Client, prefix string) *Shared {
	if prefix == "" {
		prefix = "memo:"
	}
	s := &Shared{prefix: prefix, fallback: New[string](clock.System())}
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			s.client = client
		}
	}
	return s
}

// GetOrCompute returns the cached value for key when present and unexpired,
// otherwise runs compute, stores the result for ttl and returns it. Redis
// errors fall through to the in-memory path.
func (s *Shared) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func() (string, error)) (string, error) {
	if s.client == nil {
		return s.computeMemory(key, ttl, compute)
	}
	full := s.prefix + key
	val, err := s.client.Get(ctx, full).Result()
	if err == nil {
		return val, nil
	}
	if !errors.Is(err, redis.Nil) {
		return s.computeMemory(key, ttl, compute)
	}
	val, err = compute()
	if err != nil {
		return "", err
	}
	if setErr := s.client.Set(ctx, full, val, ttl).Err(); setErr != nil {
		s.fallback.Set(key, val, ttl)
	}
	return val, nil
}

func (s *Shared) computeMemory(key string, ttl time.Duration, compute func() (string, error)) (string, error) {
	if val, ok := s.fallback.Get(key); ok {
		return val, nil
	}
	val, err := compute()
	if err != nil {
		return "", err
	}
	s.fallback.Set(key, val, ttl)
	return val, nil
}

func (s *Shared) Del(ctx context.Context, key string) error {
	s.fallback.Del(key)
	if s.client == nil {
		return nil
	}
	return s.client.Del(ctx, s.prefix+key).Err()
}
