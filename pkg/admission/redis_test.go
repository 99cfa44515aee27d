package admission

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisControllerWindow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedis(client)
	id := "tenant-a:10.0.0.1"

	first := c.Allow(id, 2, 50*time.Millisecond)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := c.Allow(id, 2, 50*time.Millisecond)
	if !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := c.Allow(id, 2, 50*time.Millisecond)
	if third.Allowed {
		t.Fatalf("unexpected third decision: %+v", third)
	}

	time.Sleep(70 * time.Millisecond)
	mr.FastForward(70 * time.Millisecond)
	reset := c.Allow(id, 2, 50*time.Millisecond)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected admission after window aged out, got %+v", reset)
	}
}

func TestRedisControllerEscalation(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedis(client, WithBlockPolicy(2, time.Minute))
	id := "offender"

	var d Decision
	for i := 0; i < 3; i++ {
		d = c.Allow(id, 1, time.Minute)
	}
	if d.Allowed || d.BlockedUntil.IsZero() {
		t.Fatalf("expected escalation block: %+v", d)
	}
	d = c.Allow(id, 1, time.Minute)
	if d.Allowed || d.BlockedUntil.IsZero() {
		t.Fatalf("expected denial while blocked: %+v", d)
	}

	mr.FastForward(2 * time.Minute)
	d = c.Allow(id, 1, time.Minute)
	if !d.BlockedUntil.IsZero() {
		t.Fatalf("expected block lifted after cooldown, got %+v", d)
	}
}

func TestRedisControllerResetAfter(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedis(client)
	id := "id"

	if d := c.ResetAfter(id, time.Minute); d != 0 {
		t.Fatalf("expected zero reset for unknown identity, got %v", d)
	}
	c.Allow(id, 3, time.Minute)
	d := c.ResetAfter(id, time.Minute)
	if d <= 0 || d > time.Minute {
		t.Fatalf("expected reset within the window, got %v", d)
	}
}

func TestRedisControllerFallsBackOnOutage(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	c := NewRedis(client)
	first := c.Allow("id", 1, time.Minute)
	if !first.Allowed {
		t.Fatalf("expected in-memory fallback allow on redis outage, got %+v", first)
	}
	second := c.Allow("id", 1, time.Minute)
	if second.Allowed {
		t.Fatalf("expected fallback to enforce limits, got %+v", second)
	}
}
