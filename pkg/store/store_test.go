package store

import (
	"testing"
	"time"

	"warden/pkg/clock"
)

func TestStoreTTLBoundary(t *testing.T) {
	fc := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	s := New[string](fc)
	s.Set("k", "v", 10*time.Second)

	got, ok := s.Get("k")
	if !ok || got != "v" {
		t.Fatalf("expected fresh hit, got %q ok=%v", got, ok)
	}
	fc.Advance(9 * time.Second)
	if _, ok := s.Get("k"); !ok {
		t.Fatal("expected hit just inside ttl")
	}
	fc.Advance(time.Second)
	if _, ok := s.Get("k"); ok {
		t.Fatal("expected miss exactly at ttl")
	}
}

func TestStoreLazyExpiryReclaimsEntry(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	s := New[int](fc)
	s.Set("stale", 1, time.Second)
	fc.Advance(2 * time.Second)
	if _, ok := s.Get("stale"); ok {
		t.Fatal("expected expired entry to miss")
	}
	if st := s.Stats(); st.Entries != 0 {
		t.Fatalf("expected expired entry removed on read, stats=%+v", st)
	}
}

func TestStoreDelAndClear(t *testing.T) {
	s := New[string](clock.System())
	s.Set("a", "1", time.Minute)
	s.Set("b", "2", time.Minute)
	s.Del("a")
	if _, ok := s.Get("a"); ok {
		t.Fatal("expected miss after del")
	}
	s.Clear()
	if st := s.Stats(); st.Entries != 0 {
		t.Fatalf("expected empty store after clear, stats=%+v", st)
	}
}

func TestStoreStatsApproximation(t *testing.T) {
	s := New[string](clock.System())
	s.Set("key", "value", time.Minute)
	st := s.Stats()
	if st.Entries != 1 {
		t.Fatalf("expected one entry, got %d", st.Entries)
	}
	want := int64(entryOverheadBytes + len("key") + len("value"))
	if st.ApproxBytes != want {
		t.Fatalf("expected %d approx bytes, got %d", want, st.ApproxBytes)
	}
}

func TestStoreOverwriteRefreshesCreatedAt(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	s := New[string](fc)
	s.Set("k", "old", 10*time.Second)
	fc.Advance(8 * time.Second)
	s.Set("k", "new", 10*time.Second)
	fc.Advance(5 * time.Second)
	got, ok := s.Get("k")
	if !ok || got != "new" {
		t.Fatalf("expected overwritten entry to survive, got %q ok=%v", got, ok)
	}
}
