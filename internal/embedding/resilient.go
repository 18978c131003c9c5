package embedding

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sitevoice/kb-engine/internal/errs"
	"github.com/sitevoice/kb-engine/internal/observability"
	"github.com/sitevoice/kb-engine/internal/retry"
)

// ResilientProvider wraps a Provider with retry (cenkalti/backoff) and a
// circuit breaker (sony/gobreaker), so a flaky or down embedding API
// degrades to a classified Transient/StoreUnavailable error rather than
// hanging every caller — the same resilience shape the vector store uses
// (internal/vectorstore.PostgresStore), applied here to the teacher's
// provider.Close/HealthCheck concerns this module doesn't otherwise need.
type ResilientProvider struct {
	inner      Provider
	retryCfg   retry.Config
	breaker    *gobreaker.CircuitBreaker
	logger     observability.Logger
}

func NewResilientProvider(inner Provider, retryCfg retry.Config, logger observability.Logger) *ResilientProvider {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	p := &ResilientProvider{inner: inner, retryCfg: retryCfg, logger: logger}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedding-" + inner.Name(),
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("embedding: circuit breaker state change", map[string]any{
				"provider": name, "from": from.String(), "to": to.String(),
			})
		},
	})
	return p
}

func (p *ResilientProvider) Name() string { return p.inner.Name() }

func (p *ResilientProvider) Dimensions(model string) (int, bool) { return p.inner.Dimensions(model) }

func (p *ResilientProvider) Embed(ctx context.Context, reqs []Request) ([]Vector, error) {
	result, err := p.breaker.Execute(func() (any, error) {
		vectors, err := retry.DoWithResult(ctx, p.retryCfg, func() ([]Vector, error) {
			return p.inner.Embed(ctx, reqs)
		})
		return vectors, err
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, errs.Wrap(err, errs.ClassStoreUnavailable, "embedding provider circuit open")
	}
	if err != nil {
		return nil, errs.Wrap(err, errs.ClassTransient, "embedding provider failed")
	}
	return result.([]Vector), nil
}
