// Package tenant implements the Tenant Context Resolver (C8): extraction of
// tenantId from the request by precedence, UUID format validation, and a
// scoped helper for attaching tenant filters to downstream queries.
package tenant

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/sitevoice/kb-engine/internal/errs"
)

// Anonymous is the sentinel tenant used when a tenant id is optional and
// none was supplied.
const Anonymous = "anonymous"

var reservedSubdomains = map[string]bool{
	"www": true, "api": true, "admin": true, "app": true,
}

// uuidV4 matches the RFC 4122 version-4 UUID textual form.
var uuidV4 = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// IsValidUUID reports whether s is a type-4 UUID.
func IsValidUUID(s string) bool {
	return uuidV4.MatchString(strings.ToLower(s))
}

// Source carries the raw request data the resolver extracts tenantId from,
// in the order defined by §4.8's precedence chain.
type Source struct {
	BearerToken    string // raw "Authorization: Bearer <token>" value, token only
	TenantHeader   string // X-Tenant-Id
	RouteParam     string // :tenantId path param
	QueryParam     string // ?tenantId=
	SubdomainLabel string // first label of the Host header
	// JWTSecret verifies BearerToken's signature before trusting its claims.
	// A nil/empty secret means bearer-token extraction is skipped.
	JWTSecret []byte
}

// claims is the subset of JWT claims the resolver cares about.
type claims struct {
	TenantID string `json:"tenantId"`
	jwt.RegisteredClaims
}

// Resolve extracts and validates a tenant id from src following the
// five-step precedence chain. required=false produces the Anonymous
// sentinel instead of MissingTenantId when nothing is found.
func Resolve(src Source, required bool) (string, error) {
	if id, ok := fromBearerToken(src); ok {
		return validate(id)
	}
	if src.TenantHeader != "" {
		return validate(src.TenantHeader)
	}
	if src.RouteParam != "" {
		return validate(src.RouteParam)
	}
	if src.QueryParam != "" {
		return validate(src.QueryParam)
	}
	if src.SubdomainLabel != "" && !reservedSubdomains[strings.ToLower(src.SubdomainLabel)] {
		return validate(src.SubdomainLabel)
	}

	if !required {
		return Anonymous, nil
	}
	return "", errs.New(errs.ClassMissingTenantID, "tenant id is required")
}

func fromBearerToken(src Source) (string, bool) {
	if src.BearerToken == "" || len(src.JWTSecret) == 0 {
		return "", false
	}

	token, err := jwt.ParseWithClaims(src.BearerToken, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return src.JWTSecret, nil
	})
	if err != nil || !token.Valid {
		return "", false
	}
	c, ok := token.Claims.(*claims)
	if !ok || c.TenantID == "" {
		return "", false
	}
	return c.TenantID, true
}

func validate(id string) (string, error) {
	if !IsValidUUID(id) {
		return "", errs.New(errs.ClassInvalidTenantID, "tenant id is not a valid UUID")
	}
	return strings.ToLower(id), nil
}

type contextKey string

const ctxKey contextKey = "tenant_id"

// WithContext attaches tenantID to ctx.
func WithContext(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxKey, tenantID)
}

// FromContext returns the tenant id carried by ctx, or "" if absent.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey).(string)
	return id
}

// Scope attaches a tenant-scoped filter for downstream queries. It is the
// single place invariant T ("every query MUST include tenantId") is
// enforced for hand-built predicates outside the vector store's own
// parameter binding.
type Scope struct {
	TenantID string
}

// NewScope builds a Scope for tenantID. Panics if tenantID is empty — this
// is invariant T, a programmer error, not a runtime condition (per spec §3).
func NewScope(tenantID string) Scope {
	if tenantID == "" {
		panic("tenant: NewScope called with empty tenantID — invariant T violation")
	}
	return Scope{TenantID: tenantID}
}

// Predicate returns the SQL fragment and bind argument for a tenant-scoped
// WHERE clause, e.g. "tenant_id = $1", [scope.TenantID].
func (s Scope) Predicate(paramIndex int) (string, any) {
	return predicateSQL(paramIndex), s.TenantID
}

func predicateSQL(paramIndex int) string {
	return "tenant_id = $" + strconv.Itoa(paramIndex)
}

// Owns validates that value (e.g. a row's tenant_id field) matches the
// scope's tenant, for single-object ownership checks after a fetch.
func (s Scope) Owns(value string) bool {
	return s.TenantID == value
}

// Filter keeps only the items in values whose accessor returns a tenant id
// equal to the scope's tenant.
func Filter[T any](s Scope, values []T, tenantIDOf func(T) string) []T {
	out := make([]T, 0, len(values))
	for _, v := range values {
		if tenantIDOf(v) == s.TenantID {
			out = append(out, v)
		}
	}
	return out
}
