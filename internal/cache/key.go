package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// KeyParams is the full input to a cache key, following §4.2's derivation
// key = stable_hash(tenantId, locale, model, k, queryEmbeddingHash,
// filterDigest, fusionWeights[0]?) with one difference: the raw Query text
// is hashed in place of a digest of the query's embedding, so no embedding
// is computed to probe the cache. TenantID and Type are kept out of the
// hash and carried as a visible key prefix instead, so Clear can scope a
// purge to one tenant (and optionally one entry type) with a plain prefix
// scan rather than needing to enumerate and re-hash every candidate key.
type KeyParams struct {
	Type         string // cache entry type, e.g. "search"; defaults to "search"
	TenantID     string
	SiteID       string
	Locale       string
	Query        string
	Model        string
	TopK         int
	Strategies   []string
	Filters      map[string]string
	FusionWeight float64 // fusionWeights[0]; 0 when the caller doesn't use weighted fusion
}

// Key builds a deterministic cache key: two requests differing only in
// map-iteration order of their filters or strategies must still hash
// identically, so both are sorted before hashing. Requests differing in
// topK, model or fusion weight must NOT collide, so all three are part of
// the hashed material.
func Key(p KeyParams) string {
	if p.Type == "" {
		p.Type = "search"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "s=%s|l=%s|q=%s|m=%s|k=%d|fw=%g", p.SiteID, p.Locale, p.Query, p.Model, p.TopK, p.FusionWeight)

	sortedStrategies := append([]string(nil), p.Strategies...)
	sort.Strings(sortedStrategies)
	fmt.Fprintf(&b, "|strat=%s", strings.Join(sortedStrategies, ","))

	keys := make([]string, 0, len(p.Filters))
	for k := range p.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%s", k, p.Filters[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("kb:%s:%s:%s", p.Type, p.TenantID, hex.EncodeToString(sum[:]))
}

// Prefix builds the glob pattern matching every key for tenantID, optionally
// narrowed to one entry type and one key-local pattern (matched against the
// part of the key after "kb:<type>:<tenantId>:"). An empty typ matches every
// type; an empty pattern matches every key under the tenant/type scope.
func Prefix(tenantID, typ, pattern string) string {
	typSegment := typ
	if typSegment == "" {
		typSegment = "*"
	}
	if pattern == "" {
		return fmt.Sprintf("kb:%s:%s:*", typSegment, tenantID)
	}
	return fmt.Sprintf("kb:%s:%s:%s*", typSegment, tenantID, pattern)
}

// TenantPrefix matches every key belonging to tenantID regardless of type,
// used by Clear to count what's left after a narrower purge.
func TenantPrefix(tenantID string) string {
	return Prefix(tenantID, "", "")
}
