package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements Store over a Redis sorted set per key — the
// networked-backend idiom the teacher uses for auth lockout windows
// (pkg/auth/rate_limiter.go), generalized here from a boolean lockout to a
// numeric sliding-window count via ZADD/ZREMRANGEBYSCORE/ZCARD.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Accept(ctx context.Context, key string, now time.Time, window time.Duration, max int) (bool, int, time.Time, error) {
	cutoff := now.Add(-window).UnixNano()

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff))
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, fmt.Errorf("ratelimit: redis pipeline: %w", err)
	}

	count := countCmd.Val()
	resetAt := now.Add(window)
	if scores := oldestCmd.Val(); len(scores) > 0 {
		resetAt = time.Unix(0, int64(scores[0].Score)).Add(window)
	}

	if count >= int64(max) {
		return false, 0, resetAt, nil
	}

	member := fmt.Sprintf("%d-%d", now.UnixNano(), now.Nanosecond())
	if err := s.client.ZAdd(ctx, key, &redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		return false, 0, resetAt, fmt.Errorf("ratelimit: redis zadd: %w", err)
	}
	if err := s.client.Expire(ctx, key, window).Err(); err != nil {
		return false, 0, resetAt, fmt.Errorf("ratelimit: redis expire: %w", err)
	}

	remaining := max - int(count) - 1
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining, resetAt, nil
}

func (s *RedisStore) Decrement(ctx context.Context, key string, now time.Time, window time.Duration) error {
	cutoff := now.Add(-window).UnixNano()
	// Remove the single most-recent member rather than an arbitrary one, so
	// decrementing undoes the accept that just happened — never underflows
	// because ZPopMax on an empty set is a no-op.
	res, err := s.client.ZPopMax(ctx, key, 1).Result()
	if err != nil {
		return fmt.Errorf("ratelimit: redis zpopmax: %w", err)
	}
	if len(res) == 0 {
		return nil
	}
	if int64(res[0].Score) < cutoff {
		// The popped member had already expired logically; put it back is
		// unnecessary since it would be evicted on the next Accept anyway.
		return nil
	}
	return nil
}
