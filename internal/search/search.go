// Package search implements the Hybrid Search Engine (C4): request
// validation, cache integration, concurrent per-strategy fan-out, RRF
// fusion, snippet extraction, and the vector-only fallback path. Grounded
// on the teacher's HybridSearch orchestration
// (pkg/rag/retrieval/hybrid.go's SearchWithOptions), generalized from the
// teacher's fixed two-strategy pipeline to the spec's configurable
// strategy set and replacing its direct embedding-client call with the
// independently-resilient internal/embedding.Client.
package search

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sitevoice/kb-engine/internal/cache"
	"github.com/sitevoice/kb-engine/internal/embedding"
	"github.com/sitevoice/kb-engine/internal/errs"
	"github.com/sitevoice/kb-engine/internal/observability"
	"github.com/sitevoice/kb-engine/internal/rrf"
	"github.com/sitevoice/kb-engine/internal/vectorstore"
)

// Strategy names accepted in Request.Strategies.
const (
	StrategyVector     = "vector"
	StrategyFullText   = "fulltext"
	StrategyBM25       = "bm25"
	StrategyStructured = "structured"
)

var allStrategies = map[string]bool{
	StrategyVector: true, StrategyFullText: true, StrategyBM25: true, StrategyStructured: true,
}

// Request is the input to Engine.Search.
type Request struct {
	TenantID   string
	SiteID     string
	Locale     string // "" means any locale
	Query      string
	TopK       int
	Strategies []string // defaults to {vector, fulltext}
	Filters    map[string]vectorstore.FilterValue
	NoCache    bool // set when this call is itself a background revalidation, to avoid loops
}

// Fusion is the per-hit fusion metadata: the normalized RRF score and the
// score/rank each strategy assigned the item.
type Fusion struct {
	RRFScore         float64
	SystemScores     map[string]float64
	SystemRanks      map[string]int
	AppearsInSystems []string
	ConsensusRatio   float64
}

// Hit is one result item, enriched with the §4.4 step-7 fusion metadata
// and an extracted snippet.
type Hit struct {
	ID      string
	PageID  string
	URL     string
	Title   string
	Content string
	Snippet string
	Rank    int
	Fusion  Fusion
}

// Response is the full result set plus whether it was degraded (fewer
// strategies ran than requested because some failed).
type Response struct {
	Hits     []Hit
	Degraded bool
}

// Store is the subset of vectorstore.Store the engine drives directly.
type Store interface {
	NNSearch(ctx context.Context, q vectorstore.NNQuery) ([]vectorstore.Hit, error)
	FullTextSearch(ctx context.Context, tenantID, siteID, query, locale string, k int) ([]vectorstore.Hit, error)
	BM25Search(ctx context.Context, tenantID, siteID, query, locale string, k int) ([]vectorstore.Hit, error)
	StructuredSearch(ctx context.Context, tenantID, siteID string, filters map[string]vectorstore.FilterValue, k int) ([]vectorstore.Hit, error)
}

// Engine implements C4.
type Engine struct {
	store     Store
	embedder  *embedding.Client
	cache     *cache.Cache
	logger    observability.Logger
	cacheTTL  time.Duration
	staleTTL  time.Duration
}

// Config configures an Engine.
type Config struct {
	CacheFreshTTL time.Duration // default 5m
	CacheStaleTTL time.Duration // default 60s
	Logger        observability.Logger
}

func NewEngine(store Store, embedder *embedding.Client, c *cache.Cache, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	freshTTL := cfg.CacheFreshTTL
	if freshTTL <= 0 {
		freshTTL = 5 * time.Minute
	}
	staleTTL := cfg.CacheStaleTTL
	if staleTTL <= 0 {
		staleTTL = 60 * time.Second
	}
	return &Engine{store: store, embedder: embedder, cache: c, logger: logger, cacheTTL: freshTTL, staleTTL: staleTTL}
}

// Search implements §4.4's Search(req) operation end to end.
func (e *Engine) Search(ctx context.Context, req Request) (Response, error) {
	if err := e.validate(&req); err != nil {
		return Response{}, err
	}

	filterDigest := make(map[string]string, len(req.Filters))
	for k, v := range req.Filters {
		filterDigest[k] = v.String()
	}
	key := cache.Key(cache.KeyParams{
		Type:       "search",
		TenantID:   req.TenantID,
		SiteID:     req.SiteID,
		Locale:     req.Locale,
		Query:      req.Query,
		Model:      e.embedder.ProviderName(),
		TopK:       req.TopK,
		Strategies: req.Strategies,
		Filters:    filterDigest,
	})

	if !req.NoCache && e.cache != nil {
		var cached Response
		revalidate := func(ctx context.Context) (any, error) {
			bgReq := req
			bgReq.NoCache = true
			resp, err := e.Search(ctx, bgReq)
			if err != nil {
				return nil, err
			}
			return resp, nil
		}
		fresh, err := e.cache.Get(ctx, key, &cached, revalidate)
		if err != nil {
			e.logger.Warn("search: cache read failed", map[string]any{"error": err.Error()})
		} else if fresh == cache.Fresh || fresh == cache.Stale {
			return cached, nil
		}
	}

	resp, err := e.execute(ctx, req)
	if err != nil {
		return Response{}, err
	}

	if !req.NoCache && e.cache != nil {
		if err := e.cache.Set(ctx, key, resp); err != nil {
			e.logger.Warn("search: cache write failed", map[string]any{"error": err.Error()})
		}
	}
	return resp, nil
}

func (e *Engine) validate(req *Request) error {
	if req.TenantID == "" {
		return errs.New(errs.ClassMissingTenantID, "tenantId is required")
	}
	if req.SiteID == "" {
		return errs.New(errs.ClassValidationFailed, "siteId is required")
	}
	if strings.TrimSpace(req.Query) == "" {
		return errs.New(errs.ClassValidationFailed, "query must not be empty")
	}
	if req.TopK <= 0 {
		req.TopK = 10
	}
	if req.TopK > 100 {
		return errs.New(errs.ClassValidationFailed, "topK must be <= 100")
	}
	switch {
	case req.Strategies == nil:
		req.Strategies = []string{StrategyVector, StrategyFullText}
	case len(req.Strategies) == 0:
		return errs.New(errs.ClassValidationFailed, "strategies must not be empty")
	}
	seen := make(map[string]bool, len(req.Strategies))
	for _, s := range req.Strategies {
		if !allStrategies[s] {
			return errs.New(errs.ClassValidationFailed, "unknown strategy: "+s)
		}
		seen[s] = true
	}
	req.Strategies = req.Strategies[:0]
	for s := range seen {
		req.Strategies = append(req.Strategies, s)
	}
	sort.Strings(req.Strategies)
	return nil
}

type strategyResult struct {
	name string
	hits []vectorstore.Hit
	err  error
}

// execute runs steps 3-7 of §4.4: embed, fan out, fuse, post-process.
func (e *Engine) execute(ctx context.Context, req Request) (Response, error) {
	var queryVec []float32
	if needsEmbedding(req.Strategies) {
		vectors, err := e.embedder.EmbedAll(ctx, []embedding.Request{{Text: req.Query}})
		if err != nil || len(vectors) == 0 {
			return e.fallbackVectorOnly(ctx, req, nil, err)
		}
		queryVec = vectors[0].Values
	}

	results, anySucceeded := e.fanOut(ctx, req, queryVec)
	if !anySucceeded {
		return e.fallbackVectorOnly(ctx, req, queryVec, errs.New(errs.ClassSearchDegraded, "all strategies failed"))
	}

	degraded := false
	ranked := map[string][]rrf.Item{}
	byID := map[string]vectorstore.Hit{}
	systemScores := map[string]map[string]float64{}

	for _, r := range results {
		if r.err != nil {
			degraded = true
			e.logger.Warn("search: strategy failed", map[string]any{"strategy": r.name, "error": r.err.Error()})
			continue
		}
		items := make([]rrf.Item, len(r.hits))
		for rank, h := range r.hits {
			items[rank] = rrf.Item{ID: h.ID, Rank: rank}
			byID[h.ID] = h
			if systemScores[h.ID] == nil {
				systemScores[h.ID] = map[string]float64{}
			}
			score := h.Score
			if score == 0 {
				score = h.Rank
			}
			systemScores[h.ID][r.name] = score
		}
		ranked[r.name] = items
	}

	fused := rrf.Fuse(ranked, rrf.Config{MaxResults: req.TopK})
	maxScore := 0.0
	for _, f := range fused {
		if f.Score > maxScore {
			maxScore = f.Score
		}
	}

	hits := make([]Hit, len(fused))
	for i, f := range fused {
		base := byID[f.ID]
		normalized := f.Score
		if maxScore > 0 {
			normalized = f.Score / maxScore
		}
		ranks := map[string]int{}
		for _, strat := range f.Strategies {
			for rank, item := range ranked[strat] {
				if item.ID == f.ID {
					ranks[strat] = rank + 1
					break
				}
			}
		}
		hits[i] = Hit{
			ID:      f.ID,
			PageID:  base.PageID,
			URL:     base.URL,
			Title:   base.Title,
			Content: base.Content,
			Snippet: extractSnippet(base.Content, req.Query, 200),
			Rank:    i + 1,
			Fusion: Fusion{
				RRFScore:         normalized,
				SystemScores:     systemScores[f.ID],
				SystemRanks:      ranks,
				AppearsInSystems: f.Strategies,
				ConsensusRatio:   f.ConsensusRatio,
			},
		}
	}

	return Response{Hits: hits, Degraded: degraded}, nil
}

func needsEmbedding(strategies []string) bool {
	for _, s := range strategies {
		if s == StrategyVector {
			return true
		}
	}
	return false
}

// fanOut launches one goroutine per strategy via errgroup, each fetching
// 2*topK candidates (§4.4 step 4); a per-task failure is captured, never
// aborting the others.
func (e *Engine) fanOut(ctx context.Context, req Request, queryVec []float32) ([]strategyResult, bool) {
	candidateK := req.TopK * 2
	results := make([]strategyResult, len(req.Strategies))
	var mu sync.Mutex
	anySucceeded := false

	g, gctx := errgroup.WithContext(ctx)
	for i, strategy := range req.Strategies {
		i, strategy := i, strategy
		g.Go(func() error {
			hits, err := e.runStrategy(gctx, strategy, req, queryVec, candidateK)
			mu.Lock()
			results[i] = strategyResult{name: strategy, hits: hits, err: err}
			if err == nil {
				anySucceeded = true
			}
			mu.Unlock()
			return nil // never abort siblings
		})
	}
	_ = g.Wait()
	return results, anySucceeded
}

func (e *Engine) runStrategy(ctx context.Context, strategy string, req Request, queryVec []float32, k int) ([]vectorstore.Hit, error) {
	switch strategy {
	case StrategyVector:
		return e.store.NNSearch(ctx, vectorstore.NNQuery{
			TenantID: req.TenantID, SiteID: req.SiteID, Locale: req.Locale, Embedding: queryVec, K: k,
		})
	case StrategyFullText:
		return e.store.FullTextSearch(ctx, req.TenantID, req.SiteID, req.Query, req.Locale, k)
	case StrategyBM25:
		return e.store.BM25Search(ctx, req.TenantID, req.SiteID, req.Query, req.Locale, k)
	case StrategyStructured:
		return e.store.StructuredSearch(ctx, req.TenantID, req.SiteID, req.Filters, k)
	default:
		return nil, errs.New(errs.ClassValidationFailed, "unknown strategy: "+strategy)
	}
}

// fallbackVectorOnly implements §4.4 step 5's fallback path: try vector
// search alone; if that also fails (or a query vector was never
// produced), surface SearchUnavailable.
func (e *Engine) fallbackVectorOnly(ctx context.Context, req Request, queryVec []float32, cause error) (Response, error) {
	if len(queryVec) == 0 {
		return Response{}, searchUnavailable(cause, "search unavailable: no strategy produced results")
	}
	hits, err := e.store.NNSearch(ctx, vectorstore.NNQuery{
		TenantID: req.TenantID, SiteID: req.SiteID, Locale: req.Locale, Embedding: queryVec, K: req.TopK,
	})
	if err != nil || len(hits) == 0 {
		return Response{}, searchUnavailable(cause, "search unavailable: fallback vector search failed")
	}

	out := make([]Hit, len(hits))
	for i, h := range hits {
		out[i] = Hit{
			ID: h.ID, PageID: h.PageID, URL: h.URL, Title: h.Title, Content: h.Content,
			Snippet: extractSnippet(h.Content, req.Query, 200),
			Rank:    i + 1,
			Fusion: Fusion{
				RRFScore: h.Score, SystemScores: map[string]float64{StrategyVector: h.Score},
				SystemRanks: map[string]int{StrategyVector: i + 1}, AppearsInSystems: []string{StrategyVector},
				ConsensusRatio: 1,
			},
		}
	}
	return Response{Hits: out, Degraded: true}, nil
}

// searchUnavailable builds a SearchUnavailable error, tolerating a nil
// cause (errs.Wrap returns nil for a nil err, which would otherwise become
// a non-nil error interface wrapping a nil *errs.Error).
func searchUnavailable(cause error, message string) error {
	if cause == nil {
		return errs.New(errs.ClassSearchUnavailable, message)
	}
	return errs.Wrap(cause, errs.ClassSearchUnavailable, message)
}

// extractSnippet returns up to maxLen characters of content centered on
// the first occurrence of any query token, ellipsis-truncated at either
// end (§4.4 step 7).
func extractSnippet(content, query string, maxLen int) string {
	if len(content) <= maxLen {
		return content
	}

	lowerContent := strings.ToLower(content)
	pos := -1
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		if i := strings.Index(lowerContent, tok); i >= 0 && (pos == -1 || i < pos) {
			pos = i
		}
	}
	if pos == -1 {
		pos = 0
	}

	half := maxLen / 2
	start := pos - half
	if start < 0 {
		start = 0
	}
	end := start + maxLen
	if end > len(content) {
		end = len(content)
		start = end - maxLen
		if start < 0 {
			start = 0
		}
	}

	snippet := content[start:end]
	if start > 0 {
		snippet = "…" + snippet
	}
	if end < len(content) {
		snippet = snippet + "…"
	}
	return snippet
}
