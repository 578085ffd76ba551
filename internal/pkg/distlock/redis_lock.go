package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLock takes a key with SET NX + TTL. A random owner token and a Lua
// compare-and-delete keep one process from releasing another's lock.
type RedisLock struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

// NewRedisLock creates a redis-backed lock under "lock:<key>".
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	b := make([]byte, 16)
	rand.Read(b)
	return &RedisLock{
		client: client,
		key:    "lock:" + key,
		owner:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

// TryAcquire reports whether the lock was taken.
func (l *RedisLock) TryAcquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// Release deletes the key only while this instance still owns it.
func (l *RedisLock) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Result()
	return err
}

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// Extend pushes the TTL out for long-held locks.
func (l *RedisLock) Extend(ctx context.Context, ttl time.Duration) error {
	_, err := extendScript.Run(ctx, l.client, []string{l.key}, l.owner, ttl.Milliseconds()).Result()
	return err
}
