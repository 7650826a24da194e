package ratelimiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/leadgen-engine/internal/service/ratelimiter"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestAllow_WithinCapacity(t *testing.T) {
	t.Parallel()
	l := ratelimiter.NewPerMinute(testClient(t), 3)

	for i := 0; i < 3; i++ {
		ok, _, err := l.Allow(context.Background(), "u1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should pass", i)
	}
	ok, retryAfter, err := l.Allow(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	t.Parallel()
	l := ratelimiter.NewPerMinute(testClient(t), 1)

	ok, _, err := l.Allow(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = l.Allow(context.Background(), "u2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, _ = l.Allow(context.Background(), "u1")
	assert.False(t, ok)
}

func TestAllow_NilClientAlwaysAllows(t *testing.T) {
	t.Parallel()
	l := ratelimiter.NewPerMinute(nil, 100)
	for i := 0; i < 10; i++ {
		ok, _, err := l.Allow(context.Background(), "u1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestAllow_FailsOpenOnRedisError(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := ratelimiter.NewPerMinute(rdb, 5)
	mr.Close()

	ok, _, err := l.Allow(context.Background(), "u1")
	require.Error(t, err)
	assert.True(t, ok)
}
