package realtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"aegis/cmd/internal/kv"
)

// Connection-set keys. Both sets are insertion-ordered and bounded; the kv
// store evicts the oldest member when a new connection pushes a set over its
// limit.
func admissionUserKey(userID string) string { return "rt:conn:user:" + userID }
func admissionAddrKey(addr string) string   { return "rt:conn:ip:" + addr }

// Eviction scopes for metrics and superseded notices.
const (
	evictScopeUser = "user"
	evictScopeAddr = "ip"
)

// Evicted describes one connection displaced by an admission. Exactly one of
// UserID/Address is set, naming the set the connection fell out of.
type Evicted struct {
	ConnID  string
	UserID  string
	Address string
}

// Scope returns the eviction scope label for metrics.
func (e Evicted) Scope() string {
	if e.UserID != "" {
		return evictScopeUser
	}
	return evictScopeAddr
}

// Admission is the connection admission controller. It tracks live
// connections in two bounded kv sets, per user and per source address, and
// reports which connections a new admission displaced.
//
// Entries carry a TTL as a safety net against leaked connections (crashed
// instances that never called Release). Every Admit refreshes the TTL of the
// whole set, so long-lived connections stay tracked as long as their owner
// keeps connecting.
type Admission struct {
	store kv.Store

	userLimit int
	addrLimit int
	entryTTL  time.Duration
}

// NewAdmission constructs an admission controller with env-tunable limits:
// AEGIS_RT_USER_CONN_LIMIT (default 8), AEGIS_RT_IP_CONN_LIMIT (default 32),
// AEGIS_RT_CONN_TTL (default 24h).
func NewAdmission(store kv.Store) *Admission {
	return &Admission{
		store:     store,
		userLimit: envIntWS("AEGIS_RT_USER_CONN_LIMIT", defaultUserConnLimit),
		addrLimit: envIntWS("AEGIS_RT_IP_CONN_LIMIT", defaultAddrConnLimit),
		entryTTL:  envDurationWS("AEGIS_RT_CONN_TTL", defaultConnEntryTTL),
	}
}

// Admit records connID in the owner's and the address's connection sets and
// returns the connections displaced by the insertion, oldest first. The
// caller is responsible for delivering superseded notices and closing the
// displaced connections; their own teardown paths call Release, which cleans
// the set the eviction did not touch.
func (a *Admission) Admit(ctx context.Context, connID, userID, addr string) ([]Evicted, error) {
	byUser, err := a.store.AddBounded(ctx, admissionUserKey(userID), connID, a.userLimit, a.entryTTL)
	if err != nil {
		return nil, fmt.Errorf("admit user set: %w", err)
	}

	byAddr, err := a.store.AddBounded(ctx, admissionAddrKey(addr), connID, a.addrLimit, a.entryTTL)
	if err != nil {
		// The user-set insert already happened; surface its evictions so the
		// caller can still tear the displaced connections down.
		return evictedFromUser(byUser, userID), fmt.Errorf("admit address set: %w", err)
	}

	out := evictedFromUser(byUser, userID)
	seen := make(map[string]struct{}, len(byUser))
	for _, id := range byUser {
		seen[id] = struct{}{}
	}
	for _, id := range byAddr {
		if _, dup := seen[id]; dup {
			continue
		}
		out = append(out, Evicted{ConnID: id, Address: addr})
	}
	return out, nil
}

// Release removes connID from both sets. Empty sets are deleted by the
// store. Both removals are attempted even when the first fails.
func (a *Admission) Release(ctx context.Context, connID, userID, addr string) error {
	errUser := a.store.RemoveFromSet(ctx, admissionUserKey(userID), connID)
	errAddr := a.store.RemoveFromSet(ctx, admissionAddrKey(addr), connID)

	if errUser != nil {
		return fmt.Errorf("release user set: %w", errUser)
	}
	if errAddr != nil {
		return fmt.Errorf("release address set: %w", errAddr)
	}
	return nil
}

// Connections returns the live connection ids for a user, oldest first.
func (a *Admission) Connections(ctx context.Context, userID string) ([]string, error) {
	members, err := a.store.SetMembers(ctx, admissionUserKey(userID))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		if s := strings.TrimSpace(m); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func evictedFromUser(connIDs []string, userID string) []Evicted {
	if len(connIDs) == 0 {
		return nil
	}
	out := make([]Evicted, 0, len(connIDs))
	for _, id := range connIDs {
		out = append(out, Evicted{ConnID: id, UserID: userID})
	}
	return out
}
