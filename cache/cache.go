// Package cache implements the content-addressed result store. Entries are
// keyed by node fingerprint and hold the ordered list of values the node
// produced. A builder lock gives each fingerprint at most one producer;
// readers either see a sealed complete stream or treat the entry as absent.
//
// Keyspace:
//
//	cache:<fp>        list of values in yield order
//	cache:<fp>:meta   hash: sealed flag, byte size
//	cache:lock:<fp>   builder lock, auto-expiring
//	cache:seal:<fp>   pub/sub channel notifying waiters of the seal
//	cache:lru         sorted set of sealed fingerprints by last read
//	cache:bytes       total bytes held by sealed entries
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// Cache is a fingerprint-addressed value store over Redis. Safe for
	// concurrent use.
	Cache struct {
		rdb        redis.UniversalClient
		lockTTL    time.Duration
		byteBudget int64
	}

	// Option configures a Cache.
	Option func(*Cache)
)

// ErrOutOfOrder reports a Put whose index is not the next contiguous slot.
var ErrOutOfOrder = errors.New("cache write out of order")

// WithLockTTL sets the builder lock expiry. Must exceed the largest expected
// adapter runtime so a crashed builder cannot block the fingerprint forever.
// Default 15 minutes.
func WithLockTTL(d time.Duration) Option {
	return func(c *Cache) { c.lockTTL = d }
}

// WithByteBudget bounds the total bytes held by sealed entries; least
// recently read sealed entries are evicted first. Zero disables eviction.
func WithByteBudget(n int64) Option {
	return func(c *Cache) { c.byteBudget = n }
}

// New returns a Cache over the given Redis client.
func New(rdb redis.UniversalClient, opts ...Option) *Cache {
	c := &Cache{
		rdb:     rdb,
		lockTTL: 15 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func valuesKey(fp string) string { return "cache:" + fp }
func metaKey(fp string) string   { return "cache:" + fp + ":meta" }
func lockKey(fp string) string   { return "cache:lock:" + fp }
func sealChannel(fp string) string {
	return "cache:seal:" + fp
}

const (
	lruKey   = "cache:lru"
	bytesKey = "cache:bytes"
)

// putScript appends a value only when index is the next contiguous slot,
// tracking entry bytes in the meta hash.
var putScript = redis.NewScript(`
local len = redis.call("LLEN", KEYS[1])
if tostring(len) ~= ARGV[1] then
  return -1
end
redis.call("RPUSH", KEYS[1], ARGV[2])
redis.call("HINCRBY", KEYS[2], "bytes", string.len(ARGV[2]))
return len + 1
`)

// unlockScript releases the builder lock only for its owner.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireBuild takes the builder lock for a fingerprint on behalf of owner.
// It returns false when another producer holds the lock.
func (c *Cache) AcquireBuild(ctx context.Context, fp, owner string) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, lockKey(fp), owner, c.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire build lock %s: %w", fp, err)
	}
	return ok, nil
}

// ReleaseBuild drops the builder lock if owner still holds it.
func (c *Cache) ReleaseBuild(ctx context.Context, fp, owner string) error {
	if err := unlockScript.Run(ctx, c.rdb, []string{lockKey(fp)}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release build lock %s: %w", fp, err)
	}
	return nil
}

// Locked reports whether a builder currently holds the fingerprint.
func (c *Cache) Locked(ctx context.Context, fp string) (bool, error) {
	n, err := c.rdb.Exists(ctx, lockKey(fp)).Result()
	if err != nil {
		return false, fmt.Errorf("check build lock %s: %w", fp, err)
	}
	return n == 1, nil
}

// Put appends the value at the given index. Indices must be contiguous
// starting from zero; any other index returns ErrOutOfOrder.
func (c *Cache) Put(ctx context.Context, fp string, index int, value []byte) error {
	n, err := putScript.Run(ctx, c.rdb, []string{valuesKey(fp), metaKey(fp)},
		fmt.Sprint(index), string(value)).Int()
	if err != nil {
		return fmt.Errorf("cache put %s[%d]: %w", fp, index, err)
	}
	if n < 0 {
		return fmt.Errorf("cache put %s[%d]: %w", fp, index, ErrOutOfOrder)
	}
	return nil
}

// Seal marks the entry complete, publishes the seal to waiters, accounts the
// entry in the eviction budget, and evicts older sealed entries when over
// budget. Sealing is the single atomic write that makes the entry visible.
func (c *Cache) Seal(ctx context.Context, fp string) error {
	if err := c.rdb.HSet(ctx, metaKey(fp), "sealed", "1").Err(); err != nil {
		return fmt.Errorf("seal %s: %w", fp, err)
	}
	size, err := c.rdb.HGet(ctx, metaKey(fp), "bytes").Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read size of %s: %w", fp, err)
	}
	if err := c.rdb.IncrBy(ctx, bytesKey, size).Err(); err != nil {
		return fmt.Errorf("account %s: %w", fp, err)
	}
	if err := c.touch(ctx, fp); err != nil {
		return err
	}
	if err := c.rdb.Publish(ctx, sealChannel(fp), "1").Err(); err != nil {
		return fmt.Errorf("notify seal of %s: %w", fp, err)
	}
	return c.evict(ctx)
}

// Sealed reports whether the fingerprint holds a complete stream.
func (c *Cache) Sealed(ctx context.Context, fp string) (bool, error) {
	v, err := c.rdb.HGet(ctx, metaKey(fp), "sealed").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check seal of %s: %w", fp, err)
	}
	return v == "1", nil
}

// Get returns the complete value stream for a sealed fingerprint, in yield
// order. Unsealed or absent entries report a miss.
func (c *Cache) Get(ctx context.Context, fp string) ([][]byte, bool, error) {
	sealed, err := c.Sealed(ctx, fp)
	if err != nil {
		return nil, false, err
	}
	if !sealed {
		return nil, false, nil
	}
	raw, err := c.rdb.LRange(ctx, valuesKey(fp), 0, -1).Result()
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", fp, err)
	}
	if err := c.touch(ctx, fp); err != nil {
		return nil, false, err
	}
	out := make([][]byte, len(raw))
	for i, v := range raw {
		out[i] = []byte(v)
	}
	return out, true, nil
}

// WaitSealed blocks until the fingerprint is sealed or the timeout elapses.
// It returns false on timeout. Used by readers that found the builder lock
// held.
func (c *Cache) WaitSealed(ctx context.Context, fp string, timeout time.Duration) (bool, error) {
	sub := c.rdb.Subscribe(ctx, sealChannel(fp))
	defer sub.Close()

	// The seal may have landed between the lock observation and the
	// subscription.
	sealed, err := c.Sealed(ctx, fp)
	if err != nil || sealed {
		return sealed, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(time.Second)
	defer poll.Stop()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-ch:
			return true, nil
		case <-poll.C:
			sealed, err := c.Sealed(ctx, fp)
			if err != nil || sealed {
				return sealed, err
			}
		}
	}
}

// Invalidate removes the entry and its accounting.
func (c *Cache) Invalidate(ctx context.Context, fp string) error {
	sealed, err := c.Sealed(ctx, fp)
	if err != nil {
		return err
	}
	if sealed {
		size, err := c.rdb.HGet(ctx, metaKey(fp), "bytes").Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("read size of %s: %w", fp, err)
		}
		if err := c.rdb.DecrBy(ctx, bytesKey, size).Err(); err != nil {
			return fmt.Errorf("unaccount %s: %w", fp, err)
		}
	}
	if err := c.rdb.ZRem(ctx, lruKey, fp).Err(); err != nil {
		return fmt.Errorf("drop %s from lru: %w", fp, err)
	}
	if err := c.rdb.Del(ctx, valuesKey(fp), metaKey(fp)).Err(); err != nil {
		return fmt.Errorf("invalidate %s: %w", fp, err)
	}
	return nil
}

// touch records a read for LRU ordering. Only sealed entries enter the LRU
// set, so unsealed entries are never candidates for eviction.
func (c *Cache) touch(ctx context.Context, fp string) error {
	if err := c.rdb.ZAdd(ctx, lruKey, redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: fp,
	}).Err(); err != nil {
		return fmt.Errorf("touch %s: %w", fp, err)
	}
	return nil
}

// evict discards least recently read sealed entries until total bytes fit
// the budget.
func (c *Cache) evict(ctx context.Context) error {
	if c.byteBudget <= 0 {
		return nil
	}
	for {
		total, err := c.rdb.Get(ctx, bytesKey).Int64()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read cache size: %w", err)
		}
		if total <= c.byteBudget {
			return nil
		}
		victims, err := c.rdb.ZPopMin(ctx, lruKey, 1).Result()
		if err != nil {
			return fmt.Errorf("pick eviction victim: %w", err)
		}
		if len(victims) == 0 {
			return nil
		}
		fp, _ := victims[0].Member.(string)
		if err := c.Invalidate(ctx, fp); err != nil {
			return err
		}
	}
}
