package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestSharedComputeThroughRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewShared(context.Background(), client, "memo:")

	calls := 0
	compute := func() (string, error) {
		calls++
		return "result", nil
	}
	ctx := context.Background()
	got, err := s.GetOrCompute(ctx, "op|a", time.Second, compute)
	if err != nil || got != "result" {
		t.Fatalf("unexpected first result: %q %v", got, err)
	}
	got, err = s.GetOrCompute(ctx, "op|a", time.Second, compute)
	if err != nil || got != "result" {
		t.Fatalf("unexpected second result: %q %v", got, err)
	}
	if calls != 1 {
		t.Fatalf("expected one compute, got %d", calls)
	}
	mr.FastForward(2 * time.Second)
	if _, err := s.GetOrCompute(ctx, "op|a", time.Second, compute); err != nil {
		t.Fatalf("recompute after expiry: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected recompute after expiry, calls=%d", calls)
	}
}

func TestSharedFallsBackWithoutRedis(t *testing.T) {
	s := NewShared(context.Background(), nil, "")
	calls := 0
	compute := func() (string, error) {
		calls++
		return "v", nil
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		got, err := s.GetOrCompute(ctx, "k", time.Minute, compute)
		if err != nil || got != "v" {
			t.Fatalf("unexpected result: %q %v", got, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected memoized fallback, calls=%d", calls)
	}
}

func TestSharedComputeErrorNotCached(t *testing.T) {
	s := NewShared(context.Background(), nil, "")
	boom := errors.New("boom")
	calls := 0
	compute := func() (string, error) {
		calls++
		return "", boom
	}
	ctx := context.Background()
	if _, err := s.GetOrCompute(ctx, "k", time.Minute, compute); !errors.Is(err, boom) {
		t.Fatalf("expected compute error, got %v", err)
	}
	if _, err := s.GetOrCompute(ctx, "k", time.Minute, compute); !errors.Is(err, boom) {
		t.Fatalf("expected compute error on retry, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected errors to bypass the cache, calls=%d", calls)
	}
}

func TestSharedDel(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewShared(context.Background(), client, "memo:")
	ctx := context.Background()

	calls := 0
	compute := func() (string, error) {
		calls++
		return "v", nil
	}
	if _, err := s.GetOrCompute(ctx, "k", time.Minute, compute); err != nil {
		t.Fatalf("compute: %v", err)
	}
	if err := s.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := s.GetOrCompute(ctx, "k", time.Minute, compute); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected recompute after del, calls=%d", calls)
	}
}
