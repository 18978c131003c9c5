// Package cache implements the Retrieval Cache (C2): a stale-while-revalidate
// layer over a pluggable backend, grounded on the teacher's pkg/cache
// (Cache interface + RedisCache, pkg/cache/cache.go and redis_cache.go),
// generalized from a plain get/set cache to one that tracks freshness and
// coalesces concurrent revalidation via singleflight.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sitevoice/kb-engine/internal/observability"
)

// ErrNotFound mirrors the teacher's cache.ErrNotFound sentinel.
var ErrNotFound = errors.New("cache: key not found")

// Backend is the pluggable key-value store (Redis, or an in-memory
// fallback). It deals in raw bytes; Cache handles (de)serialization and
// freshness bookkeeping on top.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error) // ErrNotFound if absent
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Flush(ctx context.Context) error
	// Scan returns every key matching the glob pattern (Redis-style "*"
	// wildcards), used by Clear to find a tenant's keys without flushing
	// the whole backend.
	Scan(ctx context.Context, pattern string) ([]string, error)
	// Len returns the total number of keys currently stored.
	Len(ctx context.Context) (int, error)
}

// Freshness classifies a Get result per I4 (stale-while-revalidate).
type Freshness int

const (
	Miss Freshness = iota
	Fresh
	Stale
)

// entry is the on-wire envelope: payload plus the bookkeeping needed to
// classify freshness without a second round-trip.
type entry struct {
	Payload   json.RawMessage `json:"payload"`
	StoredAt  time.Time       `json:"stored_at"`
	FreshTTL  time.Duration   `json:"fresh_ttl"`
	StaleTTL  time.Duration   `json:"stale_ttl"`
}

// RevalidateFunc recomputes the value for key; its return replaces the
// cached entry.
type RevalidateFunc func(ctx context.Context) (any, error)

// Cache implements stale-while-revalidate semantics (I4): a Get within
// freshTTL returns Fresh; within freshTTL+staleTTL returns Stale and
// triggers one background revalidation per key (coalesced via
// singleflight so N concurrent stale reads trigger a single origin call);
// beyond that it's a Miss.
type Cache struct {
	backend  Backend
	logger   observability.Logger
	freshTTL time.Duration
	staleTTL time.Duration

	group singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

func WithLogger(l observability.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New builds a Cache. freshTTL is how long a value is served without
// revalidation; staleTTL is the grace window after that during which a
// value is still served (stale) while one background revalidation runs.
func New(backend Backend, freshTTL, staleTTL time.Duration, opts ...Option) *Cache {
	c := &Cache{
		backend:  backend,
		logger:   observability.NewNoopLogger(),
		freshTTL: freshTTL,
		staleTTL: staleTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get retrieves value into dst (via JSON unmarshal) and reports its
// freshness. On Stale it starts revalidate in the background exactly once
// per key, even under concurrent callers. On Miss or backend error it
// leaves dst untouched.
func (c *Cache) Get(ctx context.Context, key string, dst any, revalidate RevalidateFunc) (Freshness, error) {
	raw, err := c.backend.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		c.misses.Add(1)
		return Miss, nil
	}
	if err != nil {
		c.misses.Add(1)
		return Miss, err
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.misses.Add(1)
		return Miss, err
	}

	age := time.Since(e.StoredAt)
	switch {
	case age <= e.FreshTTL:
		if err := json.Unmarshal(e.Payload, dst); err != nil {
			c.misses.Add(1)
			return Miss, err
		}
		c.hits.Add(1)
		return Fresh, nil
	case age <= e.FreshTTL+e.StaleTTL:
		if err := json.Unmarshal(e.Payload, dst); err != nil {
			c.misses.Add(1)
			return Miss, err
		}
		if revalidate != nil {
			c.revalidateOnce(key, revalidate)
		}
		c.hits.Add(1)
		return Stale, nil
	default:
		c.misses.Add(1)
		return Miss, nil
	}
}

// revalidateOnce kicks off revalidate in the background, deduplicated by
// key via singleflight so a burst of stale reads for the same key collapses
// into one origin call. The caller already has a Stale value to serve, so
// this runs detached rather than blocking the request.
func (c *Cache) revalidateOnce(key string, revalidate RevalidateFunc) {
	go func() {
		_, _, _ = c.group.Do(key, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			value, err := revalidate(ctx)
			if err != nil {
				c.logger.Warn("cache: revalidation failed", map[string]any{"key": key, "error": err.Error()})
				return nil, err
			}
			if err := c.Set(ctx, key, value); err != nil {
				c.logger.Warn("cache: revalidation store failed", map[string]any{"key": key, "error": err.Error()})
			}
			return nil, nil
		})
	}()
}

// Set stores value under key with the Cache's configured fresh/stale TTLs.
func (c *Cache) Set(ctx context.Context, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	e := entry{
		Payload:  payload,
		StoredAt: time.Now(),
		FreshTTL: c.freshTTL,
		StaleTTL: c.staleTTL,
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.backend.Set(ctx, key, raw, c.freshTTL+c.staleTTL)
}

// Delete removes key (used when a page is retired and its cached results
// must not outlive it).
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.backend.Delete(ctx, key)
}

// ClearResult reports the outcome of a Clear call.
type ClearResult struct {
	Cleared          int
	RemainingEntries int
}

// Clear purges a tenant's cache entries (§4.2's "tenant-scoped purge"),
// optionally narrowed to one entry type and one key-local pattern. tenantID
// is required: this never flushes other tenants' entries (I-T). Pass an
// empty typ/pattern to clear everything under the tenant.
func (c *Cache) Clear(ctx context.Context, tenantID, typ, pattern string) (ClearResult, error) {
	if tenantID == "" {
		return ClearResult{}, errors.New("cache: Clear requires a tenantId")
	}

	keys, err := c.backend.Scan(ctx, Prefix(tenantID, typ, pattern))
	if err != nil {
		return ClearResult{}, err
	}
	for _, key := range keys {
		if err := c.backend.Delete(ctx, key); err != nil {
			c.logger.Warn("cache: failed to delete key during clear", map[string]any{"key": key, "error": err.Error()})
			continue
		}
	}

	remaining, err := c.backend.Scan(ctx, TenantPrefix(tenantID))
	if err != nil {
		return ClearResult{Cleared: len(keys)}, err
	}
	return ClearResult{Cleared: len(keys), RemainingEntries: len(remaining)}, nil
}

// Stats reports the cache's hit rate and size (§4.2).
type Stats struct {
	HitRate float64
	Entries int
	Hits    int64
	Misses  int64
}

// Stats computes the running hit rate since process start and the current
// backend entry count.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	entries, err := c.backend.Len(ctx)
	if err != nil {
		return Stats{}, err
	}

	return Stats{HitRate: hitRate, Entries: entries, Hits: hits, Misses: misses}, nil
}
