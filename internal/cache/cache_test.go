package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_PrefixInvalidation(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "ws-1", "records:list:jobs", []byte("a"), 0))
	require.NoError(t, c.Set(ctx, "ws-1", "records:get:r1", []byte("b"), 0))
	require.NoError(t, c.Set(ctx, "ws-1", "bootstrap:p1", []byte("c"), 0))
	require.NoError(t, c.Set(ctx, "ws-2", "records:list:jobs", []byte("d"), 0))

	require.NoError(t, c.InvalidatePrefix(ctx, "ws-1", "records"))

	_, ok := c.Get(ctx, "ws-1", "records:list:jobs")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "ws-1", "records:get:r1")
	assert.False(t, ok)
	v, ok := c.Get(ctx, "ws-1", "bootstrap:p1")
	assert.True(t, ok)
	assert.Equal(t, []byte("c"), v)
	_, ok = c.Get(ctx, "ws-2", "records:list:jobs")
	assert.True(t, ok, "invalidation is workspace-scoped")
}

func TestMemory_TTL(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "ws-1", "k", []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get(ctx, "ws-1", "k")
	assert.False(t, ok)
}

func TestRedis_PrefixInvalidation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedis(client)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "ws-1", "manifest:jobs", []byte("a"), 0))
	require.NoError(t, c.Set(ctx, "ws-1", "manifest:crm", []byte("b"), 0))
	require.NoError(t, c.Set(ctx, "ws-1", "modules:list", []byte("c"), 0))

	require.NoError(t, c.InvalidatePrefix(ctx, "ws-1", "manifest"))

	_, ok := c.Get(ctx, "ws-1", "manifest:jobs")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "ws-1", "modules:list")
	assert.True(t, ok)
}
