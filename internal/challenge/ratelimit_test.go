package challenge_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/internal/apierr"
	"github.com/sgrastar/authrim/internal/challenge"
)

func newRateLimiter(t *testing.T) (*challenge.RateLimiterCounter, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := challenge.NewRateLimiterCounter(client, "test:ratelimit")
	return limiter, func() { _ = client.Close(); mr.Close() }
}

func TestIncrementStaysUnderLimit(t *testing.T) {
	ctx := context.Background()
	limiter, done := newRateLimiter(t)
	defer done()

	now := time.Now()
	for i := 0; i < 3; i++ {
		count, err := limiter.Increment(ctx, "bucket-1", now, time.Minute, 5)
		require.NoError(t, err)
		require.Equal(t, int64(i+1), count)
	}
}

func TestIncrementReturnsCapacityErrorOverLimit(t *testing.T) {
	ctx := context.Background()
	limiter, done := newRateLimiter(t)
	defer done()

	now := time.Now()
	for i := 0; i < 3; i++ {
		_, err := limiter.Increment(ctx, "bucket-1", now, time.Minute, 3)
		require.NoError(t, err)
	}

	_, err := limiter.Increment(ctx, "bucket-1", now, time.Minute, 3)
	require.Error(t, err)
	e, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindCapacity, e.Kind)
	require.Greater(t, e.RetryAfter, 0)
}

func TestIncrementBucketsAreIndependent(t *testing.T) {
	ctx := context.Background()
	limiter, done := newRateLimiter(t)
	defer done()

	now := time.Now()
	_, err := limiter.Increment(ctx, "bucket-a", now, time.Minute, 1)
	require.NoError(t, err)

	count, err := limiter.Increment(ctx, "bucket-b", now, time.Minute, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestIncrementEntriesExpireOutOfWindow(t *testing.T) {
	ctx := context.Background()
	limiter, done := newRateLimiter(t)
	defer done()

	now := time.Now()
	_, err := limiter.Increment(ctx, "bucket-1", now, time.Minute, 1)
	require.NoError(t, err)

	later := now.Add(2 * time.Minute)
	count, err := limiter.Increment(ctx, "bucket-1", later, time.Minute, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), count, "the earlier entry should have fallen out of the sliding window")
}
