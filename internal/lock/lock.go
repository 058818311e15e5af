// Package lock provides cross-process run locks backed by Redis.
package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Locker acquires and releases named locks on behalf of an owner. All keys
// are taken together or none are.
type Locker interface {
	Acquire(ctx context.Context, keys []string, owner string) (bool, error)
	Extend(ctx context.Context, keys []string, owner string) error
	Release(ctx context.Context, keys []string, owner string) error
}

// Client is the subset of the go-redis client the locker uses.
type Client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// Deletes the key only while it still holds the caller's owner id.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Resets the TTL only while the key still holds the caller's owner id.
const extendScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// ErrNotOwner is returned by Extend when a key expired or was taken over.
var ErrNotOwner = eris.New("lock: not owner")

// RedisLocker implements Locker with SETNX plus compare-and-delete.
type RedisLocker struct {
	client Client
	prefix string
	ttl    time.Duration
}

// NewRedisLocker creates a locker. Keys are stored as prefix+key and expire
// after ttl unless extended.
func NewRedisLocker(client Client, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisClient opens a go-redis client from a redis:// URL and pings it.
func NewRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, eris.Wrap(err, "lock: parse redis url")
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "lock: ping redis")
	}
	return c, nil
}

// TTL returns the lock lifetime.
func (l *RedisLocker) TTL() time.Duration { return l.ttl }

// Acquire takes every key for owner. When any key is already held the keys
// taken so far are released and Acquire reports false.
func (l *RedisLocker) Acquire(ctx context.Context, keys []string, owner string) (bool, error) {
	var taken []string
	for _, k := range keys {
		ok, err := l.client.SetNX(ctx, l.prefix+k, owner, l.ttl).Result()
		if err != nil {
			l.releaseQuietly(ctx, taken, owner)
			return false, eris.Wrapf(err, "lock: setnx %s", k)
		}
		if !ok {
			l.releaseQuietly(ctx, taken, owner)
			return false, nil
		}
		taken = append(taken, k)
	}
	return true, nil
}

// Extend resets the TTL on keys still owned by owner.
func (l *RedisLocker) Extend(ctx context.Context, keys []string, owner string) error {
	ms := l.ttl.Milliseconds()
	for _, k := range keys {
		n, err := l.client.Eval(ctx, extendScript, []string{l.prefix + k}, owner, ms).Int64()
		if err != nil {
			return eris.Wrapf(err, "lock: extend %s", k)
		}
		if n == 0 {
			return eris.Wrapf(ErrNotOwner, "key %s", k)
		}
	}
	return nil
}

// Release deletes the keys still owned by owner. Keys held by someone else
// are left alone.
func (l *RedisLocker) Release(ctx context.Context, keys []string, owner string) error {
	var lastErr error
	for _, k := range keys {
		if err := l.client.Eval(ctx, releaseScript, []string{l.prefix + k}, owner).Err(); err != nil {
			lastErr = eris.Wrapf(err, "lock: release %s", k)
		}
	}
	return lastErr
}

func (l *RedisLocker) releaseQuietly(ctx context.Context, keys []string, owner string) {
	if len(keys) == 0 {
		return
	}
	if err := l.Release(ctx, keys, owner); err != nil {
		zap.L().Warn("lock: rollback of partial acquire failed", zap.Strings("keys", keys), zap.Error(err))
	}
}
