// Package api wires the request-path guard layer (§4.8, §4.10, §4.7) and
// the §6 HTTP surface on top of gin, grounded on the teacher's
// apps/mcp-server/internal/api router composition: a chain of
// gin.HandlerFunc middleware applied once at the engine level, then
// per-route handlers that only see typed request/response structs.
package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sitevoice/kb-engine/internal/correlation"
	"github.com/sitevoice/kb-engine/internal/errs"
	"github.com/sitevoice/kb-engine/internal/locale"
	"github.com/sitevoice/kb-engine/internal/observability"
	"github.com/sitevoice/kb-engine/internal/problem"
	"github.com/sitevoice/kb-engine/internal/tenant"
)

func panicError(r any) error {
	return errs.New(errs.ClassInternal, fmt.Sprintf("panic: %v", r))
}

// CorrelationMiddleware attaches a correlation id (generated if the
// request didn't send one), echoing it on the response and in ctx for
// downstream logging and problem responses (§4.10).
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := correlation.OrNew(c.GetHeader(correlation.HeaderName))
		c.Set("correlation_id", id)
		c.Header(correlation.HeaderName, id)
		ctx := correlation.WithID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// TenantMiddleware resolves tenantId per §4.8's precedence chain and
// attaches it to the gin context and request context. required=false
// allows the Anonymous sentinel through for endpoints that don't need a
// tenant (e.g. /info).
func TenantMiddleware(jwtSecret []byte, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		src := tenant.Source{
			BearerToken:    bearerToken(c.GetHeader("Authorization")),
			TenantHeader:   c.GetHeader("X-Tenant-Id"),
			RouteParam:     c.Param("tenantId"),
			QueryParam:     c.Query("tenantId"),
			SubdomainLabel: subdomainLabel(c.Request.Host),
			JWTSecret:      jwtSecret,
		}

		id, err := tenant.Resolve(src, required)
		if err != nil {
			problem.Write(c, err)
			return
		}

		c.Set("tenant_id", id)
		ctx := tenant.WithContext(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func bearerToken(authHeader string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(authHeader, prefix) {
		return strings.TrimPrefix(authHeader, prefix)
	}
	return ""
}

func subdomainLabel(host string) string {
	host = strings.Split(host, ":")[0]
	parts := strings.Split(host, ".")
	if len(parts) < 3 {
		return ""
	}
	return parts[0]
}

// LocaleMiddleware negotiates the effective locale (§4.10) and attaches it
// to the gin context for handlers to read.
func LocaleMiddleware(n *locale.Negotiator) gin.HandlerFunc {
	return func(c *gin.Context) {
		override := c.GetHeader("X-User-Locale")
		if override == "" {
			override = c.Query("locale")
		}
		resolved := n.Negotiate(c.GetHeader("Accept-Language"), override)
		c.Set("locale", resolved)
		c.Next()
	}
}

// RecoveryLogger logs panics recovered by gin.Recovery through the
// engine's structured logger instead of gin's default writer, so crash
// diagnostics carry the same correlation id as every other log line.
func RecoveryLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				cid, _ := c.Get("correlation_id")
				logger.Error("api: panic recovered", map[string]any{
					"panic": r, "path": c.Request.URL.Path, "correlationId": cid,
				})
				problem.Write(c, panicError(r))
			}
		}()
		c.Next()
	}
}

// RequestLogger logs one line per request at Info level, grounded on the
// teacher's RequestLogger gin middleware.
func RequestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		cid, _ := c.Get("correlation_id")
		logger.Info("api: request completed", map[string]any{
			"method":        c.Request.Method,
			"path":          c.Request.URL.Path,
			"status":        c.Writer.Status(),
			"durationMs":    time.Since(start).Milliseconds(),
			"correlationId": cid,
		})
	}
}
