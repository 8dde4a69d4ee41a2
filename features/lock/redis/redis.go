// Package redis implements lock.Locker on Redis.
//
// A lock on account <id> held by owner <token> is two keys sharing the
// {id} hash tag:
//
//	inbound-sync-lock::{<id>}                   owner token
//	inbound-sync-lock::{<id>}::<token>::count   remaining count
//
// Both carry the lock TTL. Lock and unlock are Lua scripts so the owner
// comparison and the write happen atomically.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/syncdiag/runtime/lock"
)

// Locker implements lock.Locker.
type Locker struct {
	rdb    redis.UniversalClient
	prefix string
}

var (
	// KEYS[1] lock, KEYS[2] count; ARGV[1] owner, ARGV[2] ttl ms, ARGV[3] count.
	lockScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and cur ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('SET', KEYS[2], ARGV[3], 'PX', ARGV[2])
return 1
`)

	// KEYS[1] lock, KEYS[2] count; ARGV[1] owner.
	unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
local n = redis.call('DECR', KEYS[2])
if n <= 0 then
  redis.call('DEL', KEYS[1], KEYS[2])
end
return 1
`)
)

// New returns a Locker. prefix is prepended to every key.
func New(rdb redis.UniversalClient, prefix string) (*Locker, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	return &Locker{rdb: rdb, prefix: prefix}, nil
}

// Lock implements lock.Locker.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration, owner string, count int) (bool, error) {
	if err := lock.ValidateArgs(key, ttl, owner, count); err != nil {
		return false, err
	}
	ms := ttl.Milliseconds()
	if ms == 0 {
		ms = 1
	}
	n, err := lockScript.Run(ctx, l.rdb, l.keys(key, owner), owner, ms, count).Int()
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", key, err)
	}
	return n == 1, nil
}

// Unlock implements lock.Locker.
func (l *Locker) Unlock(ctx context.Context, key, owner string) error {
	if err := unlockScript.Run(ctx, l.rdb, l.keys(key, owner), owner).Err(); err != nil {
		return fmt.Errorf("unlock %s: %w", key, err)
	}
	return nil
}

// IsLocked implements lock.Locker.
func (l *Locker) IsLocked(ctx context.Context, key, exceptOwner string) (bool, error) {
	cur, err := l.rdb.Get(ctx, l.lockKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get lock %s: %w", key, err)
	}
	return exceptOwner == "" || cur != exceptOwner, nil
}

func (l *Locker) lockKey(key string) string {
	return l.prefix + "inbound-sync-lock::{" + key + "}"
}

func (l *Locker) keys(key, owner string) []string {
	lk := l.lockKey(key)
	return []string{lk, lk + "::" + owner + "::count"}
}
