package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or already expired.
// Callers treat absence as the EXPIRED state of TTL-bound entries.
var ErrNotFound = errors.New("kv: not found")

// Store is the ephemeral-state boundary.
//
// Requirements for implementations:
//   - Every method is safe for concurrent use.
//   - Single-key operations are atomic; AddBounded and DeletePair are atomic
//     across the keys they touch (no window where a partial write is visible).
//   - TTLs are enforced by the store; an expired key behaves exactly like a
//     deleted one.
type Store interface {
	// Set writes value under key with the given TTL, overwriting any previous
	// value and refreshing the TTL. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the live value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key holds a live value.
	Exists(ctx context.Context, key string) (bool, error)

	// SetKeepTTL replaces the value of an existing key without touching its
	// TTL. Returns ErrNotFound when the key is absent or already expired.
	// Used to record terminal challenge outcomes for the pending window's
	// remaining lifetime.
	SetKeepTTL(ctx context.Context, key, value string) error

	// SetPair atomically writes two keys with one TTL. Used for symmetric
	// lookups (token->user and user->token) that must appear together.
	SetPair(ctx context.Context, keyA, valueA, keyB, valueB string, ttl time.Duration) error

	// DeletePair atomically removes two keys.
	DeletePair(ctx context.Context, keyA, keyB string) error

	// Incr atomically increments the integer at key (creating it at 0 first)
	// and returns the new value. The key does not expire.
	Incr(ctx context.Context, key string) (int64, error)

	// CountWindow increments a fixed-window counter and returns the count for
	// the current window. The window TTL is attached when the counter is
	// created. Used for request throttling.
	CountWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	// AddBounded inserts member into the ordered set at key, evicting the
	// oldest members first if the insert would push the set past limit. The
	// evicted members (oldest first) are returned. ttl, when positive,
	// refreshes the whole set's expiry on every insert.
	AddBounded(ctx context.Context, key, member string, limit int, ttl time.Duration) (evicted []string, err error)

	// RemoveFromSet removes member from the ordered set at key, deleting the
	// key entirely when the set becomes empty.
	RemoveFromSet(ctx context.Context, key, member string) error

	// SetMembers returns the members of the ordered set at key in insertion
	// order. An absent key yields an empty slice.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Close releases client resources.
	Close() error
}
