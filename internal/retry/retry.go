// Package retry provides exponential-backoff retry helpers shared by the
// embedding client and the indexer, grounded on the teacher's
// pkg/adapters/resilience/retry.go Retry/RetryWithResult.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config mirrors the teacher's RetryConfig.
type Config struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
	RetryIf         func(error) bool
}

// DefaultConfig matches the crawl config's documented base_backoff=500ms
// with up to 3 retries after the first attempt, 4 attempts in all
// (§ crawl defaults).
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  time.Minute,
	}
}

func (c Config) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.Multiplier = c.Multiplier
	b.MaxElapsedTime = c.MaxElapsedTime

	var bo backoff.BackOff = b
	if c.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(b, uint64(c.MaxRetries))
	}
	return backoff.WithContext(bo, ctx)
}

// Do retries operation with exponential backoff until it succeeds, the
// context is cancelled, MaxElapsedTime elapses, or RetryIf rejects the
// error as non-retryable.
func Do(ctx context.Context, cfg Config, operation func() error) error {
	return backoff.Retry(func() error {
		err := operation()
		if err != nil && cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return backoff.Permanent(err)
		}
		return err
	}, cfg.backOff(ctx))
}

// DoWithResult is Do generalized over a return value.
func DoWithResult[T any](ctx context.Context, cfg Config, operation func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var opErr error
		result, opErr = operation()
		return opErr
	})
	return result, err
}
