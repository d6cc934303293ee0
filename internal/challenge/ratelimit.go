package challenge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sgrastar/authrim/internal/apierr"
)

// RateLimiterCounter implements the sliding-window counter of §4.1's
// capacity controls directly on Redis sorted sets rather than through
// actorstore.Actor. A sliding window needs per-request atomic
// add-then-trim-then-count, which Redis natively provides as a ZADD +
// ZREMRANGEBYSCORE + ZCARD pipeline; routing it through the actor's
// load-whole-blob-then-save-whole-blob cycle would serialize every limiter
// check behind a full JSON round trip for no benefit, so this one
// component talks to Redis directly. Documented exception to the Durable
// actor pattern used everywhere else (§9).
type RateLimiterCounter struct {
	client    redis.UniversalClient
	namespace string
}

// NewRateLimiterCounter constructs a RateLimiterCounter scoped to
// namespace, typically "authrim:ratelimit:{shardKind}".
func NewRateLimiterCounter(client redis.UniversalClient, namespace string) *RateLimiterCounter {
	return &RateLimiterCounter{client: client, namespace: namespace}
}

func (r *RateLimiterCounter) key(bucket string) string {
	return fmt.Sprintf("%s:%s", r.namespace, bucket)
}

// Increment records one event for bucket (e.g. a client IP or client id)
// at now, evicts entries older than window, and returns the event count
// still inside the window. If the count exceeds limit, it returns an
// apierr.Capacity error carrying the seconds until the oldest surviving
// entry falls out of the window (§7's Retry-After).
func (r *RateLimiterCounter) Increment(ctx context.Context, bucket string, now time.Time, window time.Duration, limit int64) (int64, error) {
	key := r.key(bucket)
	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return 0, apierr.Dependency("temporarily_unavailable", fmt.Errorf("ratelimit: member nonce: %w", err))
	}
	member := fmt.Sprintf("%d.%s", now.UnixNano(), hex.EncodeToString(nonce[:]))
	windowStart := now.Add(-window)

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, apierr.Dependency("temporarily_unavailable", fmt.Errorf("ratelimit: pipeline %q: %w", bucket, err))
	}

	count := countCmd.Val()
	if count > limit {
		retryAfter, err := r.retryAfter(ctx, key, now, window)
		if err != nil {
			retryAfter = int(window.Seconds())
		}
		return count, apierr.Capacity("slow_down", retryAfter, "rate limit exceeded")
	}
	return count, nil
}

// retryAfter estimates seconds until the oldest surviving entry in key
// falls outside window, so the caller can set Retry-After accurately
// rather than always returning the full window length.
func (r *RateLimiterCounter) retryAfter(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	oldest, err := r.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return 0, err
	}
	if len(oldest) == 0 {
		return int(window.Seconds()), nil
	}
	oldestTime := time.Unix(0, int64(oldest[0].Score))
	remaining := oldestTime.Add(window).Sub(now)
	if remaining < 0 {
		return 0, nil
	}
	return int(remaining.Seconds()) + 1, nil
}
