package kv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for dev mode and unit tests.
//
// It mirrors the Redis implementation's semantics, including lazy expiry and
// collapse-on-empty for sets. The clock is injectable so TTL behavior can be
// tested without a live clock.
type MemoryStore struct {
	mu   sync.Mutex
	vals map[string]memEntry
	sets map[string]*memSet
	now  func() time.Time
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type memSet struct {
	seq     int64
	members []memMember
	// expiry applies to the whole set, refreshed on AddBounded.
	expiresAt time.Time
}

type memMember struct {
	id  string
	seq int64
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the store's time source (tests).
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		vals: make(map[string]memEntry),
		sets: make(map[string]*memSet),
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) expired(at time.Time) bool {
	return !at.IsZero() && !at.After(s.now())
}

// liveEntry returns the entry for key if present and unexpired, pruning
// expired entries as a side effect. Caller must hold mu.
func (s *MemoryStore) liveEntry(key string) (memEntry, bool) {
	e, ok := s.vals[key]
	if !ok {
		return memEntry{}, false
	}
	if s.expired(e.expiresAt) {
		delete(s.vals, key)
		return memEntry{}, false
	}
	return e, true
}

// liveSet returns the set for key if present and unexpired. Caller must hold mu.
func (s *MemoryStore) liveSet(key string) (*memSet, bool) {
	set, ok := s.sets[key]
	if !ok {
		return nil, false
	}
	if s.expired(set.expiresAt) {
		delete(s.sets, key)
		return nil, false
	}
	return set, true
}

func (s *MemoryStore) setLocked(key, value string, ttl time.Duration) {
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.vals[key] = e
}

// Set writes value under key (overwrite + TTL refresh).
func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value, ttl)
	return nil
}

// Get returns the live value for key, or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveEntry(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

// Delete removes key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vals, key)
	return nil
}

// Exists reports whether key holds a live value.
func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.liveEntry(key)
	return ok, nil
}

// SetKeepTTL replaces an existing value, preserving its expiry.
func (s *MemoryStore) SetKeepTTL(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveEntry(key)
	if !ok {
		return ErrNotFound
	}
	e.value = value
	s.vals[key] = e
	return nil
}

// SetPair writes both keys under one lock acquisition (atomic to readers).
func (s *MemoryStore) SetPair(ctx context.Context, keyA, valueA, keyB, valueB string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(keyA, valueA, ttl)
	s.setLocked(keyB, valueB, ttl)
	return nil
}

// DeletePair removes both keys under one lock acquisition.
func (s *MemoryStore) DeletePair(ctx context.Context, keyA, keyB string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vals, keyA)
	delete(s.vals, keyB)
	return nil
}

// Incr increments the non-expiring counter at key.
func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(0)
	if e, ok := s.liveEntry(key); ok {
		n = parseInt64(e.value)
	}
	n++
	s.vals[key] = memEntry{value: formatInt64(n)}
	return n, nil
}

// CountWindow increments a fixed-window counter, starting the window at the
// first event.
func (s *MemoryStore) CountWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveEntry(key)
	if !ok {
		s.vals[key] = memEntry{value: "1", expiresAt: s.now().Add(window)}
		return 1, nil
	}
	n := parseInt64(e.value) + 1
	s.vals[key] = memEntry{value: formatInt64(n), expiresAt: e.expiresAt}
	return n, nil
}

// AddBounded inserts member, evicting oldest members past limit.
func (s *MemoryStore) AddBounded(ctx context.Context, key, member string, limit int, ttl time.Duration) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.liveSet(key)
	if !ok {
		set = &memSet{}
		s.sets[key] = set
	}

	// Re-adding an existing member refreshes its position (matches ZADD).
	for i, m := range set.members {
		if m.id == member {
			set.members = append(set.members[:i], set.members[i+1:]...)
			break
		}
	}

	set.seq++
	set.members = append(set.members, memMember{id: member, seq: set.seq})

	var evicted []string
	if limit > 0 {
		for len(set.members) > limit {
			evicted = append(evicted, set.members[0].id)
			set.members = set.members[1:]
		}
	}

	if ttl > 0 {
		set.expiresAt = s.now().Add(ttl)
	}
	return evicted, nil
}

// RemoveFromSet removes member, collapsing the record when empty.
func (s *MemoryStore) RemoveFromSet(ctx context.Context, key, member string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.liveSet(key)
	if !ok {
		return nil
	}
	for i, m := range set.members {
		if m.id == member {
			set.members = append(set.members[:i], set.members[i+1:]...)
			break
		}
	}
	if len(set.members) == 0 {
		delete(s.sets, key)
	}
	return nil
}

// SetMembers returns members in insertion order.
func (s *MemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.liveSet(key)
	if !ok {
		return []string{}, nil
	}
	out := make([]string, 0, len(set.members))
	for _, m := range set.members {
		out = append(out, m.id)
	}
	return out, nil
}

func parseInt64(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func formatInt64(n int64) string {
	return strconv.FormatInt(n, 10)
}
