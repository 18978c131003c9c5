package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sitevoice/kb-engine/internal/observability"
)

// Strategy selects which algorithm backs Limiter.
type Strategy string

const (
	StrategySlidingWindow Strategy = "sliding-window"
	StrategyTokenBucket   Strategy = "token-bucket"
)

// Decision is the outcome of a rate-limit check, carrying everything needed
// to emit the IETF RateLimit headers (§4.7).
type Decision struct {
	Allowed      bool
	Limit        int
	Remaining    int
	ResetSeconds int
	Window       time.Duration
	RetryAfter   time.Duration
}

// Config controls both strategies and the optional decrement hooks.
type Config struct {
	Strategy               Strategy
	Max                    int           // sliding-window: requests per Window
	Window                 time.Duration // sliding-window
	Burst                  int           // token-bucket: bucket size
	RefillPerSecond         float64       // token-bucket: tokens added per second
	SkipSuccessfulRequests bool
	SkipFailedRequests     bool
}

// Limiter checks and records requests for arbitrary caller-chosen keys (by
// IP, user, tenant, tenant+endpoint, ...). On store failure it fails open —
// logs and allows — matching §4.7's "On store failure the limiter fails
// open" requirement.
type Limiter struct {
	cfg    Config
	store  Store
	logger observability.Logger

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLimiter builds a Limiter. store is only consulted for the
// sliding-window strategy; token-bucket keeps its buckets in-process
// because golang.org/x/time/rate has no networked backend.
func NewLimiter(cfg Config, store Store, logger observability.Logger) *Limiter {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Limiter{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Check evaluates the limiter for key at the current time and counts the
// request against it (the sliding-window store records it; the token
// bucket consumes a token). Middleware uses it to enforce the limit.
func (l *Limiter) Check(ctx context.Context, key string) Decision {
	return l.evaluate(ctx, key, time.Now())
}

func (l *Limiter) evaluate(ctx context.Context, key string, now time.Time) Decision {
	switch l.cfg.Strategy {
	case StrategyTokenBucket:
		return l.evaluateTokenBucket(key)
	default:
		return l.evaluateSlidingWindow(ctx, key, now)
	}
}

func (l *Limiter) evaluateSlidingWindow(ctx context.Context, key string, now time.Time) Decision {
	accepted, remaining, resetAt, err := l.store.Accept(ctx, key, now, l.cfg.Window, l.cfg.Max)
	if err != nil {
		// Fail open: log and allow, per §4.7 and §7 ("Rate-limit store
		// failures fail open").
		l.logger.Warn("ratelimit: store unavailable, failing open", map[string]any{
			"key": key, "error": err.Error(),
		})
		return Decision{Allowed: true, Limit: l.cfg.Max, Remaining: l.cfg.Max, Window: l.cfg.Window}
	}

	resetSeconds := int(time.Until(resetAt).Seconds())
	if resetSeconds < 0 {
		resetSeconds = 0
	}

	d := Decision{
		Allowed:      accepted,
		Limit:        l.cfg.Max,
		Remaining:    remaining,
		ResetSeconds: resetSeconds,
		Window:       l.cfg.Window,
	}
	if !accepted {
		d.RetryAfter = time.Until(resetAt)
		if d.RetryAfter < time.Second {
			d.RetryAfter = time.Second
		}
	}
	return d
}

func (l *Limiter) evaluateTokenBucket(key string) Decision {
	limiter := l.bucketFor(key)
	allowed := limiter.Allow()

	remaining := int(limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}

	d := Decision{
		Allowed:      allowed,
		Limit:        l.cfg.Burst,
		Remaining:    remaining,
		ResetSeconds: 1,
		Window:       time.Second,
	}
	if !allowed {
		d.RetryAfter = time.Second
	}
	return d
}

func (l *Limiter) bucketFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.cfg.RefillPerSecond), l.cfg.Burst)
		l.buckets[key] = b
	}
	return b
}

// Decrement applies the skipSuccessfulRequests/skipFailedRequests hooks
// after the response status is known. Only meaningful for sliding-window;
// token-bucket has no notion of "give a token back" in x/time/rate, so it's
// a no-op there (documented, not silently wrong).
func (l *Limiter) Decrement(ctx context.Context, key string, status int) {
	if l.cfg.Strategy != StrategySlidingWindow {
		return
	}
	shouldDecrement := (l.cfg.SkipSuccessfulRequests && status >= 200 && status < 300) ||
		(l.cfg.SkipFailedRequests && status >= 400)
	if !shouldDecrement {
		return
	}
	if err := l.store.Decrement(ctx, key, time.Now(), l.cfg.Window); err != nil {
		l.logger.Warn("ratelimit: decrement failed", map[string]any{"key": key, "error": err.Error()})
	}
}

// Policy renders the IETF draft's RateLimit-Policy field value.
func (d Decision) Policy() string {
	return fmt.Sprintf("%d;w=%d", d.Limit, int(d.Window.Seconds()))
}
