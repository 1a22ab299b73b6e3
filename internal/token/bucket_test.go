package token

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestAcquireCreatesBucket(t *testing.T) {
	rdb, mr := newTestRedis(t)
	ctx := context.Background()
	b := NewBucket(rdb, 30, 10*time.Minute)

	require.NoError(t, b.Acquire(ctx, "g1", time.Minute))
	v, err := rdb.Get(ctx, keyPrefix+"g1").Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(30), v)
	assert.Greater(t, mr.TTL(keyPrefix+"g1"), time.Duration(0))
}

func TestAcquireScalesForShortInterval(t *testing.T) {
	rdb, _ := newTestRedis(t)
	ctx := context.Background()
	b := NewBucket(rdb, 30, 10*time.Minute)

	require.NoError(t, b.Acquire(ctx, "fast", 10*time.Second))
	v, err := rdb.Get(ctx, keyPrefix+"fast").Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(180), v)
}

func TestReleaseAndDeny(t *testing.T) {
	rdb, mr := newTestRedis(t)
	ctx := context.Background()
	b := NewBucket(rdb, 30, 10*time.Minute)

	require.NoError(t, b.Acquire(ctx, "g1", time.Minute))
	// spend the full 30s budget one second at a time
	for i := 0; i < 30; i++ {
		require.NoError(t, b.Release(ctx, "g1", time.Second))
	}
	err := b.Acquire(ctx, "g1", time.Minute)
	assert.ErrorIs(t, err, ErrExhausted)

	// overspend extends TTL by window/tokenPerWindow per token
	ttlBefore := mr.TTL(keyPrefix + "g1")
	require.NoError(t, b.Release(ctx, "g1", 5*time.Second))
	ttlAfter := mr.TTL(keyPrefix + "g1")
	assert.Greater(t, ttlAfter, ttlBefore)
	// 5 overspent tokens * 20s share = 100s penalty
	assert.GreaterOrEqual(t, ttlAfter, ttlBefore+100*time.Second-2*time.Second)
	assert.LessOrEqual(t, ttlAfter, 30*time.Minute)
}

func TestReleaseTTLCap(t *testing.T) {
	rdb, mr := newTestRedis(t)
	ctx := context.Background()
	b := NewBucket(rdb, 30, 10*time.Minute)

	require.NoError(t, b.Acquire(ctx, "g1", time.Minute))
	require.NoError(t, b.Release(ctx, "g1", 2*time.Hour))
	assert.LessOrEqual(t, mr.TTL(keyPrefix+"g1"), 30*time.Minute)
}

func TestReleaseSubSecondCharge(t *testing.T) {
	rdb, _ := newTestRedis(t)
	ctx := context.Background()
	b := NewBucket(rdb, 30, 10*time.Minute)

	require.NoError(t, b.Acquire(ctx, "g1", time.Minute))
	// a fast query still costs one token
	require.NoError(t, b.Release(ctx, "g1", 200*time.Millisecond))
	v, err := rdb.Get(ctx, keyPrefix+"g1").Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(29), v)
}

func TestThrottled(t *testing.T) {
	rdb, _ := newTestRedis(t)
	ctx := context.Background()
	b := NewBucket(rdb, 30, 10*time.Minute)

	require.NoError(t, b.Acquire(ctx, "ok", time.Minute))
	require.NoError(t, b.Acquire(ctx, "slow", time.Minute))
	require.NoError(t, b.Release(ctx, "slow", 40*time.Second))

	list, err := b.Throttled(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "slow", list[0].GroupKey)
	assert.LessOrEqual(t, list[0].Remaining, int64(0))
	assert.Greater(t, list[0].TTL, time.Duration(0))
}
