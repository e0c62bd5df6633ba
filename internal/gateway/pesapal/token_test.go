package pesapal

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTokenStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTokenStore()

	_, ok, err := store.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	token := Token{Value: "t-1", ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, store.Put(ctx, token))

	got, ok, err := store.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t-1", got.Value)
	assert.True(t, got.ValidAt(time.Now(), tokenSkew))
	assert.False(t, got.ValidAt(time.Now().Add(2*time.Minute), tokenSkew))

	require.NoError(t, store.Invalidate(ctx))
	_, ok, err = store.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisTokenStore(t *testing.T) {
	addr := os.Getenv("PAYCOORD_REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("PAYCOORD_REDIS_TEST_ADDR is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis is not available: %v", err)
	}

	store := NewRedisTokenStore(client, "paycoord:test:pesapal:token")
	require.NoError(t, store.Invalidate(ctx))

	expires := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	require.NoError(t, store.Put(ctx, Token{Value: "shared", ExpiresAt: expires}))

	got, ok, err := store.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "shared", got.Value)
	assert.True(t, got.ExpiresAt.Equal(expires))

	ttl, err := client.TTL(ctx, "paycoord:test:pesapal:token").Result()
	require.NoError(t, err)
	assert.Positive(t, ttl)

	require.NoError(t, store.Invalidate(ctx))
	_, ok, err = store.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
