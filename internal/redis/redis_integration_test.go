//go:build integration

package redis_test

import (
	"context"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/ramiqadoumi/go-task-dispatch/internal/redis"
)

var testRedisAddr string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	ctr, err := tcRedis.Run(ctx, "redis:7-alpine")
	if err != nil {
		log.Fatalf("start redis container: %v", err)
	}
	defer ctr.Terminate(ctx) //nolint:errcheck

	connStr, err := ctr.ConnectionString(ctx)
	if err != nil {
		log.Fatalf("redis connection string: %v", err)
	}
	// ConnectionString returns "redis://host:port"; go-redis wants host:port.
	testRedisAddr = strings.TrimPrefix(connStr, "redis://")
	return m.Run()
}

// newRedisClient flushes the database on cleanup so tests don't interfere.
func newRedisClient(t *testing.T) *goredis.Client {
	t.Helper()
	client := redis.NewClient(testRedisAddr)
	t.Cleanup(func() {
		client.FlushDB(context.Background()) //nolint:errcheck
		client.Close()                       //nolint:errcheck
	})
	return client
}

func TestCache_Queues(t *testing.T) {
	cache := redis.NewCache(newRedisClient(t), time.Minute)
	ctx := context.Background()

	_, ok, err := cache.GetQueues(ctx, "bot1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.SetQueues(ctx, "bot1", []uint32{3, 4000000000}))
	got, ok, err := cache.GetQueues(ctx, "bot1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []uint32{3, 4000000000}, got)

	require.NoError(t, cache.SetQueues(ctx, "bot2", nil))
	got, ok, err = cache.GetQueues(ctx, "bot2")
	require.NoError(t, err)
	assert.True(t, ok, "an empty list is still a hit")
	assert.Empty(t, got)

	require.NoError(t, cache.DeleteQueues(ctx, "bot1"))
	_, ok, err = cache.GetQueues(ctx, "bot1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_Claims(t *testing.T) {
	cache := redis.NewCache(newRedisClient(t), 0)
	ctx := context.Background()

	won, err := cache.TryClaim(ctx, "abc1:0", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = cache.TryClaim(ctx, "abc1:0", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	claimed, err := cache.IsClaimed(ctx, "abc1:0")
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, cache.Release(ctx, "abc1:0"))
	claimed, err = cache.IsClaimed(ctx, "abc1:0")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestRebuildThrottle_AllowsOnePerWindow(t *testing.T) {
	throttle := redis.NewRebuildThrottle(newRedisClient(t), 1, time.Minute)
	ctx := context.Background()

	ok, err := throttle.Allow(ctx, "pool:default/42")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = throttle.Allow(ctx, "pool:default/42")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = throttle.Allow(ctx, "pool:default/43")
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")
}

func TestLeader_SingleHolder(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()
	a := redis.NewLeader(client, "cron", time.Minute)
	b := redis.NewLeader(client, "cron", time.Minute)
	require.NotEqual(t, a.ID(), b.ID())

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "the holder renews")

	// Releasing someone else's lease is a no-op.
	require.NoError(t, b.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
