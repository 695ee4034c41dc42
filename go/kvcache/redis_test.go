package kvcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	var mr = miniredis.RunT(t)
	provider, err := NewRedis(RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })
	return mr, provider
}

func TestRedisProviderRoundTrip(t *testing.T) {
	var ctx = context.Background()
	var _, provider = newTestRedis(t)

	require.NoError(t, provider.Ping(ctx))

	_, err := provider.Get(ctx, "absent")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, provider.Set(ctx, "session:1", []byte("payload"), 0))
	value, err := provider.Get(ctx, "session:1")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), value)

	require.NoError(t, provider.Delete(ctx, "session:1"))
	_, err = provider.Get(ctx, "session:1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisProviderTTL(t *testing.T) {
	var ctx = context.Background()
	var mr, provider = newTestRedis(t)

	require.NoError(t, provider.Set(ctx, "lock:task:9", []byte("inst-a"), time.Minute))

	mr.FastForward(2 * time.Minute)

	_, err := provider.Get(ctx, "lock:task:9")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisProviderListAndBulk(t *testing.T) {
	var ctx = context.Background()
	var _, provider = newTestRedis(t)

	require.NoError(t, provider.BulkSet(ctx, []Entry{
		{Key: "instance:a", Value: []byte("1")},
		{Key: "instance:b", Value: []byte("2"), TTL: time.Hour},
		{Key: "other", Value: []byte("3")},
	}))

	keys, err := provider.ListKeys(ctx, "instance:")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"instance:a", "instance:b"}, keys)
}

func TestCacheOverRedisProvider(t *testing.T) {
	var ctx = context.Background()
	var _, provider = newTestRedis(t)
	var cache = newTestCache(t, provider, nil)

	require.NoError(t, cache.Set(ctx, "setting:drive:7", []byte("gcs"), 0, Options{}))

	value, err := cache.Get(ctx, "setting:drive:7", Options{})
	require.NoError(t, err)
	require.Equal(t, []byte("gcs"), value)

	value, err = cache.Get(ctx, "setting:drive:7", Options{SkipCache: true})
	require.NoError(t, err)
	require.Equal(t, []byte("gcs"), value)
}
