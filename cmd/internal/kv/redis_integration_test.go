package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

// Integration tests are enabled when AEGIS_TEST_REDIS_URL is set.
// In non-CI runs, an unreachable Redis skips these tests to keep local runs fast.

func mustRedis(ctx context.Context, t *testing.T) *RedisStore {
	t.Helper()

	url := os.Getenv("AEGIS_TEST_REDIS_URL")
	if url == "" {
		t.Skip("AEGIS_TEST_REDIS_URL is not set; skipping Redis integration test")
	}
	s, err := NewRedisStore(ctx, url)
	if err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testKey(t *testing.T, suffix string) string {
	return fmt.Sprintf("aegis:test:%s:%d:%s", t.Name(), time.Now().UnixNano(), suffix)
}

func TestRedis_SetGetDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := mustRedis(ctx, t)
	key := testKey(t, "kv")

	if err := s.Set(ctx, key, "v", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	t.Cleanup(func() { _ = s.Delete(ctx, key) })

	got, err := s.Get(ctx, key)
	if err != nil || got != "v" {
		t.Fatalf("Get: got %q, %v", got, err)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: want ErrNotFound, got %v", err)
	}
}

func TestRedis_AddBoundedEvictionOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := mustRedis(ctx, t)
	key := testKey(t, "set")
	t.Cleanup(func() {
		_ = s.Delete(ctx, key)
		_ = s.Delete(ctx, key+":seq")
	})

	for _, id := range []string{"c1", "c2", "c3"} {
		if evicted, err := s.AddBounded(ctx, key, id, 3, time.Minute); err != nil || len(evicted) != 0 {
			t.Fatalf("AddBounded %s: evicted=%v err=%v", id, evicted, err)
		}
	}

	evicted, err := s.AddBounded(ctx, key, "c4", 3, time.Minute)
	if err != nil {
		t.Fatalf("AddBounded c4: %v", err)
	}
	if len(evicted) != 1 || evicted[0] != "c1" {
		t.Fatalf("want evicted=[c1], got %v", evicted)
	}

	members, err := s.SetMembers(ctx, key)
	if err != nil {
		t.Fatalf("SetMembers: %v", err)
	}
	if len(members) != 3 || members[0] != "c2" || members[2] != "c4" {
		t.Fatalf("SetMembers: got %v", members)
	}
}

func TestRedis_RemoveFromSetCollapses(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := mustRedis(ctx, t)
	key := testKey(t, "collapse")
	t.Cleanup(func() {
		_ = s.Delete(ctx, key)
		_ = s.Delete(ctx, key+":seq")
	})

	if _, err := s.AddBounded(ctx, key, "only", 4, time.Minute); err != nil {
		t.Fatalf("AddBounded: %v", err)
	}
	if err := s.RemoveFromSet(ctx, key, "only"); err != nil {
		t.Fatalf("RemoveFromSet: %v", err)
	}

	ok, err := s.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Fatalf("empty set key was retained")
	}
}

func TestRedis_CountWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := mustRedis(ctx, t)
	key := testKey(t, "window")
	t.Cleanup(func() { _ = s.Delete(ctx, key) })

	for want := int64(1); want <= 3; want++ {
		got, err := s.CountWindow(ctx, key, time.Minute)
		if err != nil || got != want {
			t.Fatalf("CountWindow: got %d, %v; want %d", got, err, want)
		}
	}
}
