package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of a Redis client.
//
// Atomicity model:
//   - Plain commands are atomic per Redis semantics.
//   - Multi-step operations (bounded insert, remove-and-collapse) run as Lua
//     scripts so concurrent admissions never interleave between the read and
//     the write; evict-then-insert must not lose updates.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to Redis and returns a ready-to-use store.
// It pings Redis to verify connectivity before returning; the returned store
// is safe for concurrent use.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("kv: parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("kv: redis ping: %w", err)
	}

	return &RedisStore{rdb: rdb}, nil
}

// Close shuts down the Redis client and releases all resources.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Set writes value under key with TTL (overwrite + TTL refresh).
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// Get returns the live value for key, or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", err
	}
	return v, nil
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// Exists reports whether key holds a live value.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetKeepTTL replaces an existing value, preserving its TTL (SET XX KEEPTTL).
func (s *RedisStore) SetKeepTTL(ctx context.Context, key, value string) error {
	err := s.rdb.SetArgs(ctx, key, value, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return err
}

// SetPair writes two keys with one TTL inside a MULTI/EXEC pipeline.
func (s *RedisStore) SetPair(ctx context.Context, keyA, valueA, keyB, valueB string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyA, valueA, ttl)
	pipe.Set(ctx, keyB, valueB, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// DeletePair removes two keys inside a MULTI/EXEC pipeline.
func (s *RedisStore) DeletePair(ctx context.Context, keyA, keyB string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keyA)
	pipe.Del(ctx, keyB)
	_, err := pipe.Exec(ctx)
	return err
}

// Incr atomically increments the counter at key.
func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

// CountWindow implements a fixed-window counter: INCR plus an NX expiry so
// the window starts when the first event of the window lands.
func (s *RedisStore) CountWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	if window <= 0 {
		return 0, fmt.Errorf("kv: non-positive window")
	}
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// addBoundedScript inserts into a sorted set scored by a side sequence
// counter (FIFO by insertion order), evicting the oldest members when the
// set would exceed the limit. Returns the evicted members, oldest first.
var addBoundedScript = redis.NewScript(`
local key = KEYS[1]
local seqkey = key .. ':seq'
local member = ARGV[1]
local cap = tonumber(ARGV[2])
local ttlms = tonumber(ARGV[3])

local seq = redis.call('INCR', seqkey)
redis.call('ZADD', key, seq, member)

local evicted = {}
local n = redis.call('ZCARD', key)
if cap > 0 and n > cap then
  evicted = redis.call('ZRANGE', key, 0, n - cap - 1)
  redis.call('ZREMRANGEBYRANK', key, 0, n - cap - 1)
end

if ttlms > 0 then
  redis.call('PEXPIRE', key, ttlms)
  redis.call('PEXPIRE', seqkey, ttlms)
end
return evicted
`)

// AddBounded runs the evict-then-insert as one script call.
func (s *RedisStore) AddBounded(ctx context.Context, key, member string, limit int, ttl time.Duration) ([]string, error) {
	ttlMillis := int64(0)
	if ttl > 0 {
		ttlMillis = ttl.Milliseconds()
	}
	res, err := addBoundedScript.Run(ctx, s.rdb, []string{key}, member, limit, ttlMillis).Result()
	if err != nil {
		return nil, err
	}

	raw, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("kv: unexpected script result type %T", res)
	}
	evicted := make([]string, 0, len(raw))
	for _, v := range raw {
		sv, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("kv: unexpected evicted member type %T", v)
		}
		evicted = append(evicted, sv)
	}
	return evicted, nil
}

// removeCollapseScript removes a member and deletes the key (and its sequence
// counter) when the set empties, so churn never leaves zero-length records.
var removeCollapseScript = redis.NewScript(`
local key = KEYS[1]
redis.call('ZREM', key, ARGV[1])
if redis.call('ZCARD', key) == 0 then
  redis.call('DEL', key, key .. ':seq')
end
return 0
`)

// RemoveFromSet removes member, collapsing the set record when it empties.
func (s *RedisStore) RemoveFromSet(ctx context.Context, key, member string) error {
	return removeCollapseScript.Run(ctx, s.rdb, []string{key}, member).Err()
}

// SetMembers returns members in insertion order (ascending sequence score).
func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.ZRange(ctx, key, 0, -1).Result()
}
