package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/appforge/internal/pkg/logger"
)

// Redis backs the cache with a shared Redis instance so multiple API
// processes observe the same invalidations.
type Redis struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedis wraps a Redis client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, log: logger.With("cache")}
}

func (r *Redis) Get(ctx context.Context, workspaceID, key string) ([]byte, bool) {
	val, err := r.client.Get(ctx, fullKey(workspaceID, key)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		r.log.Warn("cache get failed", "key", key, "error", err.Error())
		return nil, false
	}
	return val, true
}

func (r *Redis) Set(ctx context.Context, workspaceID, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, fullKey(workspaceID, key), value, ttl).Err()
}

// InvalidatePrefix scans and deletes every key of a workspace+prefix family.
func (r *Redis) InvalidatePrefix(ctx context.Context, workspaceID, prefix string) error {
	pattern := workspaceID + ":" + prefix + "*"
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 500 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) > 0 {
		return r.client.Del(ctx, keys...).Err()
	}
	return nil
}
