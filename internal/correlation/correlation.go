// Package correlation propagates a request correlation id through context,
// logs and problem responses, generating one when the caller didn't send
// one.
package correlation

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const key contextKey = "correlation_id"

const HeaderName = "X-Correlation-ID"

// New generates a fresh correlation id.
func New() string {
	return uuid.New().String()
}

// WithID returns a context carrying id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, key, id)
}

// FromContext returns the correlation id stored in ctx, or "" if absent.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(key).(string)
	return id
}

// OrNew returns the correlation id carried by header value h, generating one
// if h is empty.
func OrNew(h string) string {
	if h != "" {
		return h
	}
	return New()
}
