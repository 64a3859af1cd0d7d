package kv

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClockedStore() (*MemoryStore, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewMemoryStore(WithClock(clock.Now)), clock
}

func TestMemory_SetGetExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, clock := newClockedStore()

	if err := s.Set(ctx, "k", "v", 180*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := s.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("Get: got %q, %v", got, err)
	}

	clock.Advance(181 * time.Second)

	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after expiry: want ErrNotFound, got %v", err)
	}
	ok, err := s.Exists(ctx, "k")
	if err != nil || ok {
		t.Fatalf("Exists after expiry: got %v, %v", ok, err)
	}
}

func TestMemory_SetOverwriteRefreshesTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, clock := newClockedStore()

	if err := s.Set(ctx, "k", "old", 60*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	clock.Advance(50 * time.Second)
	if err := s.Set(ctx, "k", "new", 60*time.Second); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	clock.Advance(50 * time.Second)

	got, err := s.Get(ctx, "k")
	if err != nil || got != "new" {
		t.Fatalf("Get: got %q, %v (overwrite must refresh TTL)", got, err)
	}
}

func TestMemory_SetKeepTTLPreservesExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, clock := newClockedStore()

	if err := s.SetKeepTTL(ctx, "missing", "v"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetKeepTTL on missing key: want ErrNotFound, got %v", err)
	}

	if err := s.Set(ctx, "k", "PENDING", 120*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	clock.Advance(100 * time.Second)

	if err := s.SetKeepTTL(ctx, "k", "REJECTED"); err != nil {
		t.Fatalf("SetKeepTTL: %v", err)
	}

	got, err := s.Get(ctx, "k")
	if err != nil || got != "REJECTED" {
		t.Fatalf("Get: got %q, %v", got, err)
	}

	// Expiry must stay at the original deadline, not reset.
	clock.Advance(21 * time.Second)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after original deadline: want ErrNotFound, got %v", err)
	}
}

func TestMemory_PairOps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newClockedStore()

	if err := s.SetPair(ctx, "a", "1", "b", "2", time.Minute); err != nil {
		t.Fatalf("SetPair: %v", err)
	}
	if v, _ := s.Get(ctx, "a"); v != "1" {
		t.Fatalf("Get a: got %q", v)
	}
	if v, _ := s.Get(ctx, "b"); v != "2" {
		t.Fatalf("Get b: got %q", v)
	}

	if err := s.DeletePair(ctx, "a", "b"); err != nil {
		t.Fatalf("DeletePair: %v", err)
	}
	if _, err := s.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get a after DeletePair: %v", err)
	}
	if _, err := s.Get(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get b after DeletePair: %v", err)
	}
}

func TestMemory_Incr(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newClockedStore()

	for want := int64(1); want <= 3; want++ {
		got, err := s.Incr(ctx, "counter")
		if err != nil || got != want {
			t.Fatalf("Incr: got %d, %v; want %d", got, err, want)
		}
	}
}

func TestMemory_CountWindowResets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, clock := newClockedStore()

	for want := int64(1); want <= 2; want++ {
		got, err := s.CountWindow(ctx, "w", time.Minute)
		if err != nil || got != want {
			t.Fatalf("CountWindow: got %d, %v; want %d", got, err, want)
		}
	}

	clock.Advance(61 * time.Second)

	got, err := s.CountWindow(ctx, "w", time.Minute)
	if err != nil || got != 1 {
		t.Fatalf("CountWindow after window: got %d, %v; want 1", got, err)
	}
}

func TestMemory_AddBoundedEvictsOldest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newClockedStore()

	for _, id := range []string{"c1", "c2", "c3"} {
		evicted, err := s.AddBounded(ctx, "set", id, 3, 0)
		if err != nil || len(evicted) != 0 {
			t.Fatalf("AddBounded %s: evicted=%v err=%v", id, evicted, err)
		}
	}

	evicted, err := s.AddBounded(ctx, "set", "c4", 3, 0)
	if err != nil {
		t.Fatalf("AddBounded c4: %v", err)
	}
	if len(evicted) != 1 || evicted[0] != "c1" {
		t.Fatalf("AddBounded c4: want evicted=[c1], got %v", evicted)
	}

	members, err := s.SetMembers(ctx, "set")
	if err != nil {
		t.Fatalf("SetMembers: %v", err)
	}
	if len(members) != 3 || members[0] != "c2" || members[2] != "c4" {
		t.Fatalf("SetMembers: got %v", members)
	}
}

func TestMemory_AddBoundedCapOne(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newClockedStore()

	if _, err := s.AddBounded(ctx, "set", "a", 1, 0); err != nil {
		t.Fatalf("AddBounded a: %v", err)
	}
	evicted, err := s.AddBounded(ctx, "set", "b", 1, 0)
	if err != nil {
		t.Fatalf("AddBounded b: %v", err)
	}
	if len(evicted) != 1 || evicted[0] != "a" {
		t.Fatalf("want [a] evicted, got %v", evicted)
	}
	members, _ := s.SetMembers(ctx, "set")
	if len(members) != 1 || members[0] != "b" {
		t.Fatalf("want members=[b], got %v", members)
	}
}

func TestMemory_RemoveFromSetCollapsesEmpty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newClockedStore()

	if _, err := s.AddBounded(ctx, "set", "only", 4, 0); err != nil {
		t.Fatalf("AddBounded: %v", err)
	}
	if err := s.RemoveFromSet(ctx, "set", "only"); err != nil {
		t.Fatalf("RemoveFromSet: %v", err)
	}

	// The record must be gone, not an empty set.
	s.mu.Lock()
	_, present := s.sets["set"]
	s.mu.Unlock()
	if present {
		t.Fatalf("empty set record was retained")
	}

	// Removing from an absent set is not an error.
	if err := s.RemoveFromSet(ctx, "set", "ghost"); err != nil {
		t.Fatalf("RemoveFromSet absent: %v", err)
	}
}

func TestMemory_SetTTLExpiresWholeSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, clock := newClockedStore()

	if _, err := s.AddBounded(ctx, "set", "a", 4, 30*time.Second); err != nil {
		t.Fatalf("AddBounded: %v", err)
	}
	clock.Advance(31 * time.Second)

	members, err := s.SetMembers(ctx, "set")
	if err != nil {
		t.Fatalf("SetMembers: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expired set still has members: %v", members)
	}
}
