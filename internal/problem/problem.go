// Package problem renders RFC 9457 ("problem+json") error responses. Every
// HTTP error path in the engine goes through FromError so the wire format
// never drifts between handlers.
package problem

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sitevoice/kb-engine/internal/errs"
)

const ContentType = "application/problem+json"

// Problem is the RFC 9457 envelope.
type Problem struct {
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	Status     int            `json:"status"`
	Detail     string         `json:"detail,omitempty"`
	Instance   string         `json:"instance,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// typeURI maps a taxonomy class to a stable problem "type" URI. These never
// change shape once published, per RFC 9457 §3.1.
var typeURI = map[errs.Class]string{
	errs.ClassValidationFailed:  "/problems/validation-failed",
	errs.ClassMissingTenantID:   "/problems/missing-tenant-id",
	errs.ClassInvalidTenantID:   "/problems/invalid-tenant-id",
	errs.ClassUnauthorized:      "/problems/unauthorized",
	errs.ClassForbidden:         "/problems/forbidden",
	errs.ClassRateLimited:       "/problems/rate-limited",
	errs.ClassNotFound:          "/problems/not-found",
	errs.ClassAlreadyRunning:    "/problems/already-running",
	errs.ClassSearchUnavailable: "/problems/search-unavailable",
	errs.ClassStoreUnavailable:  "/problems/store-unavailable",
	errs.ClassTransient:         "/problems/transient",
	errs.ClassDimensionMismatch: "/problems/dimension-mismatch",
	errs.ClassInternal:          "/problems/internal",
}

var title = map[errs.Class]string{
	errs.ClassValidationFailed:  "Validation failed",
	errs.ClassMissingTenantID:   "Missing tenant id",
	errs.ClassInvalidTenantID:   "Invalid tenant id",
	errs.ClassUnauthorized:      "Unauthorized",
	errs.ClassForbidden:         "Forbidden",
	errs.ClassRateLimited:       "Too many requests",
	errs.ClassNotFound:          "Not found",
	errs.ClassAlreadyRunning:    "Duplicate job already running",
	errs.ClassSearchUnavailable: "Search unavailable",
	errs.ClassStoreUnavailable:  "Store unavailable",
	errs.ClassTransient:         "Transient failure",
	errs.ClassDimensionMismatch: "Embedding dimension mismatch",
	errs.ClassInternal:          "Internal error",
}

// FromError builds a Problem from any error. Classified errors (internal/errs)
// carry a precise class; everything else is reported as a generic 500 with a
// safe, non-leaking detail.
func FromError(err error, instance, correlationID string) *Problem {
	ce, ok := errs.As(err)
	if !ok {
		return &Problem{
			Type:     "/problems/internal",
			Title:    "Internal error",
			Status:   http.StatusInternalServerError,
			Detail:   "an unexpected error occurred",
			Instance: instance,
			Extensions: map[string]any{
				"correlationId": correlationID,
			},
		}
	}

	ext := map[string]any{"correlationId": correlationID}
	if ce.TenantID != "" {
		ext["tenantId"] = ce.TenantID
	}
	if ce.RetryAfter > 0 {
		ext["retryAfter"] = int(ce.RetryAfter.Seconds())
	}

	return &Problem{
		Type:       typeURIFor(ce.Class),
		Title:      titleFor(ce.Class),
		Status:     errs.HTTPStatus(ce.Class),
		Detail:     ce.Message,
		Instance:   instance,
		Extensions: ext,
	}
}

func typeURIFor(c errs.Class) string {
	if u, ok := typeURI[c]; ok {
		return u
	}
	return "/problems/internal"
}

func titleFor(c errs.Class) string {
	if t, ok := title[c]; ok {
		return t
	}
	return "Internal error"
}

// Write sends the problem as the gin response, setting status, content type
// and (for rate limiting) Retry-After.
func Write(c *gin.Context, err error) {
	correlationID, _ := c.Get("correlation_id")
	cid, _ := correlationID.(string)

	p := FromError(err, c.Request.URL.Path, cid)
	if ce, ok := errs.As(err); ok && ce.RetryAfter > 0 {
		c.Header("Retry-After", formatSeconds(ce.RetryAfter))
	}
	c.Header("Content-Type", ContentType)
	c.AbortWithStatusJSON(p.Status, p)
}

func formatSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
