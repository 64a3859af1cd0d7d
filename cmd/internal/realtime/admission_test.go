package realtime

import (
	"context"
	"fmt"
	"testing"
	"time"

	"aegis/cmd/internal/kv"
)

func newTestAdmission(userLimit, addrLimit int) *Admission {
	a := NewAdmission(kv.NewMemoryStore())
	a.userLimit = userLimit
	a.addrLimit = addrLimit
	a.entryTTL = time.Hour
	return a
}

func TestAdmission_UnderLimitEvictsNothing(t *testing.T) {
	ctx := context.Background()
	a := newTestAdmission(3, 10)

	for i := 0; i < 3; i++ {
		evicted, err := a.Admit(ctx, fmt.Sprintf("c%d", i), "u1", "10.0.0.1")
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		if len(evicted) != 0 {
			t.Fatalf("admit %d: unexpected evictions: %+v", i, evicted)
		}
	}

	conns, err := a.Connections(ctx, "u1")
	if err != nil {
		t.Fatalf("connections: %v", err)
	}
	if len(conns) != 3 || conns[0] != "c0" || conns[2] != "c2" {
		t.Fatalf("unexpected connection set: %v", conns)
	}
}

func TestAdmission_UserOverflowEvictsOldest(t *testing.T) {
	ctx := context.Background()
	a := newTestAdmission(3, 10)

	for i := 0; i < 3; i++ {
		if _, err := a.Admit(ctx, fmt.Sprintf("c%d", i), "u1", "10.0.0.1"); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}

	evicted, err := a.Admit(ctx, "c3", "u1", "10.0.0.1")
	if err != nil {
		t.Fatalf("admit overflow: %v", err)
	}
	if len(evicted) != 1 {
		t.Fatalf("want 1 eviction, got %+v", evicted)
	}
	if evicted[0].ConnID != "c0" {
		t.Fatalf("want oldest connection c0 evicted, got %q", evicted[0].ConnID)
	}
	if evicted[0].Scope() != "user" || evicted[0].UserID != "u1" {
		t.Fatalf("want user-scope eviction for u1, got %+v", evicted[0])
	}

	conns, err := a.Connections(ctx, "u1")
	if err != nil {
		t.Fatalf("connections: %v", err)
	}
	if len(conns) != 3 || conns[0] != "c1" {
		t.Fatalf("unexpected connection set after eviction: %v", conns)
	}
}

func TestAdmission_AddressOverflowCrossesUsers(t *testing.T) {
	ctx := context.Background()
	a := newTestAdmission(10, 2)

	// Two users behind the same address fill the address set.
	if _, err := a.Admit(ctx, "c1", "u1", "10.0.0.1"); err != nil {
		t.Fatalf("admit c1: %v", err)
	}
	if _, err := a.Admit(ctx, "c2", "u2", "10.0.0.1"); err != nil {
		t.Fatalf("admit c2: %v", err)
	}

	evicted, err := a.Admit(ctx, "c3", "u3", "10.0.0.1")
	if err != nil {
		t.Fatalf("admit c3: %v", err)
	}
	if len(evicted) != 1 || evicted[0].ConnID != "c1" {
		t.Fatalf("want c1 evicted from the address set, got %+v", evicted)
	}
	if evicted[0].Scope() != "ip" || evicted[0].Address != "10.0.0.1" {
		t.Fatalf("want ip-scope eviction for 10.0.0.1, got %+v", evicted[0])
	}

	// u1's own set never overflowed, so c1 lingers there until Release.
	conns, err := a.Connections(ctx, "u1")
	if err != nil {
		t.Fatalf("connections: %v", err)
	}
	if len(conns) != 1 || conns[0] != "c1" {
		t.Fatalf("unexpected u1 set: %v", conns)
	}
}

func TestAdmission_DoubleEvictionReportedOnce(t *testing.T) {
	ctx := context.Background()
	a := newTestAdmission(1, 1)

	if _, err := a.Admit(ctx, "c1", "u1", "10.0.0.1"); err != nil {
		t.Fatalf("admit c1: %v", err)
	}

	// c2 overflows both sets; c1 falls out of each but is one connection.
	evicted, err := a.Admit(ctx, "c2", "u1", "10.0.0.1")
	if err != nil {
		t.Fatalf("admit c2: %v", err)
	}
	if len(evicted) != 1 || evicted[0].ConnID != "c1" {
		t.Fatalf("want c1 reported exactly once, got %+v", evicted)
	}
}

func TestAdmission_ReleaseFreesBothSets(t *testing.T) {
	ctx := context.Background()
	a := newTestAdmission(1, 1)

	if _, err := a.Admit(ctx, "c1", "u1", "10.0.0.1"); err != nil {
		t.Fatalf("admit c1: %v", err)
	}
	if err := a.Release(ctx, "c1", "u1", "10.0.0.1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	// Both sets are free again: a fresh admission evicts nothing.
	evicted, err := a.Admit(ctx, "c2", "u1", "10.0.0.1")
	if err != nil {
		t.Fatalf("admit c2: %v", err)
	}
	if len(evicted) != 0 {
		t.Fatalf("unexpected evictions after release: %+v", evicted)
	}

	// Releasing an unknown connection is a no-op.
	if err := a.Release(ctx, "ghost", "u1", "10.0.0.1"); err != nil {
		t.Fatalf("release unknown: %v", err)
	}
}
