// Package state provides the typed ephemeral-state operations backed by Valkey: membership sets, hashes with
// whole-key TTLs, and plain values with expiry. Every failure is wrapped in ErrStoreUnavailable so callers can
// degrade without inspecting driver errors.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable wraps any Valkey failure surfaced by this package.
var ErrStoreUnavailable = errors.New("state store unavailable")

// opTimeout bounds every store operation so a stalled Valkey cannot wedge a gateway pump.
const opTimeout = 2 * time.Second

// Store wraps a Valkey client with the typed operations the ephemeral-state packages are built on.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a Store backed by the given Valkey client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

func wrapErr(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrStoreUnavailable, op, key, err)
}

// AddSetMember adds a member to a set and refreshes the whole-key TTL in one pipeline, so a set nobody re-adds
// expires on its own. Returns true when the member was not already present.
func (s *Store) AddSetMember(ctx context.Context, key, member string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pipe := s.rdb.Pipeline()
	add := pipe.SAdd(ctx, key, member)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, wrapErr("sadd", key, err)
	}
	return add.Val() > 0, nil
}

// RemoveSetMember removes a member from a set. Returns true when the member was present.
func (s *Store) RemoveSetMember(ctx context.Context, key, member string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.rdb.SRem(ctx, key, member).Result()
	if err != nil {
		return false, wrapErr("srem", key, err)
	}
	return n > 0, nil
}

// SetMembers returns all members of a set. A missing key yields an empty slice.
func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	members, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrapErr("smembers", key, err)
	}
	return members, nil
}

// IsSetMember reports whether member is in the set at key.
func (s *Store) IsSetMember(ctx context.Context, key, member string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ok, err := s.rdb.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, wrapErr("sismember", key, err)
	}
	return ok, nil
}

// HashSet writes a hash field and refreshes the whole-key TTL in one pipeline. Hash TTLs are per key, not per
// field: any write extends the lifetime of the entire hash.
func (s *Store) HashSet(ctx context.Context, key, field, value string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, field, value)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr("hset", key, err)
	}
	return nil
}

// HashDelete removes a hash field. Returns true when the field existed.
func (s *Store) HashDelete(ctx context.Context, key, field string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.rdb.HDel(ctx, key, field).Result()
	if err != nil {
		return false, wrapErr("hdel", key, err)
	}
	return n > 0, nil
}

// HashGet returns a single hash field. The second return is false when the field does not exist.
func (s *Store) HashGet(ctx context.Context, key, field string) (string, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	val, err := s.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr("hget", key, err)
	}
	return val, true, nil
}

// HashGetAll returns every field of a hash. A missing key yields an empty map.
func (s *Store) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapErr("hgetall", key, err)
	}
	return fields, nil
}

// HashLen returns the number of fields in a hash.
func (s *Store) HashLen(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.rdb.HLen(ctx, key).Result()
	if err != nil {
		return 0, wrapErr("hlen", key, err)
	}
	return n, nil
}

// SetValue stores a plain value with a TTL.
func (s *Store) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return wrapErr("set", key, err)
	}
	return nil
}

// SetValueNX stores a plain value with a TTL only when the key does not exist. Returns true when the key was
// created by this call.
func (s *Store) SetValueNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrapErr("setnx", key, err)
	}
	return ok, nil
}

// GetValue reads a plain value. The second return is false when the key does not exist.
func (s *Store) GetValue(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr("get", key, err)
	}
	return val, true, nil
}

// Delete removes the given keys.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return wrapErr("del", keys[0], err)
	}
	return nil
}

// Expire refreshes the TTL of an existing key without touching its value.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return wrapErr("expire", key, err)
	}
	return nil
}
