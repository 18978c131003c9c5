package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisBackend implements Backend over go-redis/v8, following the teacher's
// RedisCache (pkg/cache/redis_cache.go) get/set/delete/flush shape.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, data, ttl).Err()
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

func (b *RedisBackend) Flush(ctx context.Context) error {
	return b.client.FlushDB(ctx).Err()
}

// Scan walks the keyspace with Redis's cursor-based SCAN (never KEYS, which
// blocks the server on a large keyspace), grounded on the teacher's
// Service.InvalidatePattern (pkg/cache/service.go).
func (b *RedisBackend) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := b.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func (b *RedisBackend) Len(ctx context.Context) (int, error) {
	n, err := b.client.DBSize(ctx).Result()
	return int(n), err
}
