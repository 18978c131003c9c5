package ratelimit

import (
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sitevoice/kb-engine/internal/errs"
	"github.com/sitevoice/kb-engine/internal/problem"
)

// KeyFunc derives the rate-limit key for a request — by IP, by user, by
// tenant, by tenant+endpoint, etc. — the caller chooses (§4.7).
type KeyFunc func(c *gin.Context) string

// ByIP keys on the client's remote address.
func ByIP(c *gin.Context) string { return "ip:" + c.ClientIP() }

// ByTenant keys on the resolved tenant id.
func ByTenant(c *gin.Context) string {
	tid, _ := c.Get("tenant_id")
	id, _ := tid.(string)
	return "tenant:" + id
}

// ByTenantAndEndpoint keys on tenant id plus the matched route path.
func ByTenantAndEndpoint(c *gin.Context) string {
	tid, _ := c.Get("tenant_id")
	id, _ := tid.(string)
	return fmt.Sprintf("tenant:%s:endpoint:%s", id, c.FullPath())
}

// Middleware returns gin middleware enforcing l for every request, keyed by
// key. It always sets the IETF RateLimit-* headers (and the legacy
// X-RateLimit-* mirror) on the response, even when the request is allowed.
func Middleware(l *Limiter, key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		k := key(c)
		d := l.Check(c.Request.Context(), k)

		writeHeaders(c, d)

		if !d.Allowed {
			problem.Write(c, errs.New(errs.ClassRateLimited, "rate limit exceeded").WithRetryAfter(d.RetryAfter))
			return
		}

		c.Next()

		l.Decrement(c.Request.Context(), k, c.Writer.Status())
	}
}

func writeHeaders(c *gin.Context, d Decision) {
	c.Header("RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Header("RateLimit-Reset", strconv.Itoa(d.ResetSeconds))
	c.Header("RateLimit-Policy", d.Policy())

	// Legacy mirror, for clients still reading the older draft's headers.
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Header("X-RateLimit-Reset", strconv.Itoa(d.ResetSeconds))
}
