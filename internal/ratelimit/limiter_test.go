package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, max int, window time.Duration) *RedisLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLimiter(client, "", max, window)
}

func TestAllowUnderQuota(t *testing.T) {
	l := newLimiter(t, 3, time.Minute)
	ctx := context.Background()
	key := Key("user-1", "calendar_event")

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, key)
		require.NoError(t, err)
		require.True(t, res.Allowed, "hit %d should be allowed", i+1)
		require.Equal(t, int64(2-i), res.Remaining)
	}
}

func TestAllowOverQuota(t *testing.T) {
	l := newLimiter(t, 2, time.Minute)
	ctx := context.Background()
	key := Key("user-1", "calendar_event")

	for i := 0; i < 2; i++ {
		res, err := l.Allow(ctx, key)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := l.Allow(ctx, key)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, int64(0), res.Remaining)
	require.Greater(t, res.RetryAfter, time.Duration(0))
	require.LessOrEqual(t, res.RetryAfter, time.Minute)
}

func TestKeysAreIndependent(t *testing.T) {
	l := newLimiter(t, 1, time.Minute)
	ctx := context.Background()

	res, err := l.Allow(ctx, Key("user-1", "calendar_event"))
	require.NoError(t, err)
	require.True(t, res.Allowed)

	// Exhausted for user-1, but user-2 and other resource types are untouched.
	res, err = l.Allow(ctx, Key("user-1", "calendar_event"))
	require.NoError(t, err)
	require.False(t, res.Allowed)

	res, err = l.Allow(ctx, Key("user-2", "calendar_event"))
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.Allow(ctx, Key("user-1", "document"))
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestKeyComposition(t *testing.T) {
	if got := Key("u", "calendar_event"); got != "u:calendar_event" {
		t.Fatalf("Key = %q", got)
	}
}
