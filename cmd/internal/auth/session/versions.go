package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"aegis/cmd/identity"
	"aegis/cmd/internal/kv"
)

// versionKey is the ephemeral-store key for a user's cached token version.
func versionKey(userID string) string {
	return "session:ver:" + userID
}

// Versions is the token-version authority.
//
// The durable copy lives on the identity record; the ephemeral store serves
// the hot validation path with a bounded cache TTL, write-through on bump.
// Stale reads are bounded by the cache TTL; a crashed write-through only
// means one extra durable read, never a resurrected old version.
type Versions struct {
	store    kv.Store
	identity identity.Store
	cacheTTL time.Duration
}

// NewVersions constructs the version authority.
func NewVersions(store kv.Store, ids identity.Store, cacheTTL time.Duration) *Versions {
	if cacheTTL <= 0 {
		cacheTTL = DefaultConfig().VersionCacheTTL
	}
	return &Versions{store: store, identity: ids, cacheTTL: cacheTTL}
}

// Current returns the user's current token version.
// Cache miss (or an unparsable cached value) falls through to the durable copy.
func (v *Versions) Current(ctx context.Context, userID string) (int64, error) {
	raw, err := v.store.Get(ctx, versionKey(userID))
	if err == nil {
		if ver, perr := strconv.ParseInt(raw, 10, 64); perr == nil && ver >= 1 {
			return ver, nil
		}
		// Corrupt cache entry: drop it and re-read durable state.
		_ = v.store.Delete(ctx, versionKey(userID))
	}

	ver, err := v.identity.TokenVersion(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("session: durable version read: %w", err)
	}

	// Best-effort cache fill; a failed Set only costs the next read.
	_ = v.store.Set(ctx, versionKey(userID), strconv.FormatInt(ver, 10), v.cacheTTL)

	return ver, nil
}

// Bump increments the durable version and writes the new value through to the
// cache. If the cache write fails, the stale entry is deleted so the next read
// hits the durable copy.
func (v *Versions) Bump(ctx context.Context, userID string) (int64, error) {
	ver, err := v.identity.BumpTokenVersion(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("session: bump version: %w", err)
	}

	if err := v.store.Set(ctx, versionKey(userID), strconv.FormatInt(ver, 10), v.cacheTTL); err != nil {
		_ = v.store.Delete(ctx, versionKey(userID))
	}

	return ver, nil
}
