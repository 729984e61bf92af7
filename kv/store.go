package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable wraps transport-level failures from the backing cache. Callers
// may retry operations that fail with it; every other error is terminal.
var ErrUnavailable = errors.New("key-value store unavailable")

const (
	defaultOpTimeout = 3 * time.Second
	defaultScanPage  = 512
)

// unlinkMemberScript deletes a record key and removes its set membership in a
// single atomic step, reporting whether the key existed. Rotation uses the
// result as a claim: of two concurrent callers presenting the same key, exactly
// one observes existed == 1.
const unlinkMemberScript = `
local existed = redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
return existed
`

var unlinkMemberLua = redis.NewScript(unlinkMemberScript)

// Store adapts a Redis client to the narrow set of primitives the registries
// need. Every operation is a network call bounded by the configured per-op
// timeout and safe for unbounded concurrent use.
type Store struct {
	redis     redis.UniversalClient
	opTimeout time.Duration
}

// NewStore wraps client with a per-operation timeout. A non-positive opTimeout
// falls back to a conservative default.
func NewStore(client redis.UniversalClient, opTimeout time.Duration) *Store {
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	return &Store{redis: client, opTimeout: opTimeout}
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// Get returns the value stored at key and whether it was present.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return data, true, nil
}

// SetWithTTL stores value at key with the given expiry.
func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.redis.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete removes the given keys and returns how many existed.
func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	removed, err := s.redis.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return removed, nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	n, err := s.redis.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n == 1, nil
}

// AddToSet inserts member into the set at setKey.
func (s *Store) AddToSet(ctx context.Context, setKey, member string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.redis.SAdd(ctx, setKey, member).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// RemoveFromSet drops member from the set at setKey.
func (s *Store) RemoveFromSet(ctx context.Context, setKey, member string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.redis.SRem(ctx, setKey, member).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// IsSetMember reports whether member belongs to the set at setKey.
func (s *Store) IsSetMember(ctx context.Context, setKey, member string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	ok, err := s.redis.SIsMember(ctx, setKey, member).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ok, nil
}

// SetMembers returns all members of the set at setKey; an absent set yields an
// empty slice.
func (s *Store) SetMembers(ctx context.Context, setKey string) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	members, err := s.redis.SMembers(ctx, setKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return members, nil
}

// ExpireSet re-applies an expiry to the set at setKey.
func (s *Store) ExpireSet(ctx context.Context, setKey string, ttl time.Duration) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.redis.Expire(ctx, setKey, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// UnlinkMember atomically deletes key and removes member from the set at
// setKey, reporting whether key existed. This is the compare-and-delete
// primitive that makes rotation effectively exactly-once.
func (s *Store) UnlinkMember(ctx context.Context, key, setKey, member string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	existed, err := unlinkMemberLua.Run(ctx, s.redis, []string{key, setKey}, member).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return existed == 1, nil
}

// Ping checks store reachability.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Scan returns a cursor iterator over keys matching pattern. A non-positive
// page falls back to the default page size.
func (s *Store) Scan(pattern string, page int64) *KeyIterator {
	if page <= 0 {
		page = defaultScanPage
	}
	return &KeyIterator{store: s, pattern: pattern, page: page}
}

// KeyIterator pages through SCAN results. It never blocks the store with a
// full-keyspace walk; each Next call issues one bounded SCAN.
type KeyIterator struct {
	store   *Store
	pattern string
	page    int64
	cursor  uint64
	done    bool
}

// Next returns the next page of matching keys and whether the cursor is
// exhausted. Pages may be empty before the iterator is done.
func (it *KeyIterator) Next(ctx context.Context) ([]string, bool, error) {
	if it.done {
		return nil, true, nil
	}

	ctx, cancel := it.store.opCtx(ctx)
	defer cancel()

	keys, next, err := it.store.redis.Scan(ctx, it.cursor, it.pattern, it.page).Result()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	it.cursor = next
	if next == 0 {
		it.done = true
	}
	return keys, it.done, nil
}
