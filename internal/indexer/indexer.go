// Package indexer implements the Incremental Indexer (C5): delta/full/
// selective crawl-to-store reconciliation, bounded concurrency, retry with
// backoff, and chunk-level diffing. Grounded on the teacher's worker pool
// shape (apps/worker/internal/worker — bounded goroutines draining a work
// queue with per-item retry) and pkg/adapters/resilience/retry.go for the
// backoff policy.
package indexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sitevoice/kb-engine/internal/chunk"
	"github.com/sitevoice/kb-engine/internal/embedding"
	"github.com/sitevoice/kb-engine/internal/errs"
	"github.com/sitevoice/kb-engine/internal/observability"
	"github.com/sitevoice/kb-engine/internal/retry"
	"github.com/sitevoice/kb-engine/internal/vectorstore"
)

// SessionType selects which algorithm Run executes (§4.5).
type SessionType string

const (
	SessionFull      SessionType = "full"
	SessionDelta     SessionType = "delta"
	SessionSelective SessionType = "selective"
)

// LastCrawlInfo describes the previous run. Run does not read it: delta
// sessions always compare each URL's pageHash/lastmod against the stored
// document, whether or not LastCrawlHash is set.
type LastCrawlInfo struct {
	LastCrawlHash string
	LastCrawlTime time.Time
}

// RunOptions configures one indexing run.
type RunOptions struct {
	TenantID      string
	SiteID        string
	Type          SessionType
	LastCrawl     LastCrawlInfo
	SelectiveURLs []string // required when Type == SessionSelective

	Parallelism   int // default 20, clamped to <=20 (§4.5 back-pressure)
	RetryAttempts int // default 3
	ChunkMin      int // default 200
	ChunkMax      int // default 2000
	ChunkOverlap  int // default 0, clamped to <=500
	EmbedBatchMax int // default 100
	EmbedModel    string
}

// PageOutcome reports what happened to one URL during a run, for Stats and
// for tests asserting the §8 seed scenarios (e.g. "exactly that
// document's chunks re-embedded, others untouched").
type PageOutcome struct {
	URL          string
	Skipped      bool // pageHash unchanged, lastmod not newer
	ChunksTotal  int
	ChunksChanged int
	Err          error
}

// RunResult summarizes a completed run.
type RunResult struct {
	PagesProcessed int
	PagesSkipped   int
	PagesFailed    int
	Outcomes       []PageOutcome
}

// Indexer implements §4.5.
type Indexer struct {
	store    vectorstore.Store
	driver   Driver
	embedder *embedding.Client
	logger   observability.Logger
}

func New(store vectorstore.Store, driver Driver, embedder *embedding.Client, logger observability.Logger) *Indexer {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Indexer{store: store, driver: driver, embedder: embedder, logger: logger}
}

// Run executes opts.Type against tenant+site, respecting cooperative
// cancellation via ctx.
func (ix *Indexer) Run(ctx context.Context, opts RunOptions) (RunResult, error) {
	opts = normalizeOptions(opts)

	var refs []PageRef
	var err error
	switch opts.Type {
	case SessionSelective:
		refs = make([]PageRef, len(opts.SelectiveURLs))
		for i, u := range opts.SelectiveURLs {
			refs[i] = PageRef{URL: u}
		}
	default:
		refs, err = ix.driver.DiscoverURLs(ctx, opts.SiteID)
	}
	if err != nil {
		return RunResult{}, errs.Wrap(err, errs.ClassTransient, "discover URLs failed")
	}

	outcomes := make([]PageOutcome, len(refs))
	touchedIDs := make([]string, 0, len(refs))
	var touchedMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Parallelism)

	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			if gctx.Err() != nil {
				outcomes[i] = PageOutcome{URL: ref.URL, Err: gctx.Err()}
				return nil
			}
			outcome, docID, err := ix.processPage(gctx, opts, ref)
			outcome.Err = err
			outcomes[i] = outcome
			if err == nil && docID != "" {
				touchedMu.Lock()
				touchedIDs = append(touchedIDs, docID)
				touchedMu.Unlock()
			}
			return nil // per-page errors are captured, never abort siblings
		})
	}
	_ = g.Wait()

	if opts.Type == SessionFull {
		if err := ix.store.SoftDeleteDocumentsNotIn(ctx, opts.TenantID, opts.SiteID, touchedIDs); err != nil {
			ix.logger.Warn("indexer: full-crawl reconciliation failed", map[string]any{"error": err.Error()})
		}
	}

	result := RunResult{Outcomes: outcomes}
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			result.PagesFailed++
		case o.Skipped:
			result.PagesSkipped++
		default:
			result.PagesProcessed++
		}
	}
	return result, nil
}

func normalizeOptions(opts RunOptions) RunOptions {
	if opts.Parallelism <= 0 || opts.Parallelism > 20 {
		opts.Parallelism = 20
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.ChunkMin <= 0 {
		opts.ChunkMin = 200
	}
	if opts.ChunkMax <= 0 {
		opts.ChunkMax = 2000
	}
	if opts.ChunkOverlap < 0 {
		opts.ChunkOverlap = 0
	}
	if opts.ChunkOverlap > 500 {
		opts.ChunkOverlap = 500
	}
	if opts.EmbedBatchMax <= 0 || opts.EmbedBatchMax > embedding.MaxBatchSize {
		opts.EmbedBatchMax = embedding.MaxBatchSize
	}
	return opts
}

// processPage implements §4.5 steps 2-8 for a single URL, retrying
// transient fetch/store failures with backoff.
func (ix *Indexer) processPage(ctx context.Context, opts RunOptions, ref PageRef) (PageOutcome, string, error) {
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = opts.RetryAttempts

	existing, found, err := ix.store.GetDocumentByURL(ctx, opts.TenantID, opts.SiteID, ref.URL)
	if err != nil {
		return PageOutcome{URL: ref.URL}, "", err
	}

	if opts.Type == SessionDelta && found {
		head, err := retry.DoWithResult(ctx, retryCfg, func() (PageHead, error) {
			return ix.driver.FetchHead(ctx, ref.URL)
		})
		if err != nil {
			return PageOutcome{URL: ref.URL}, "", err
		}
		if head.PageHash == existing.PageHash && !head.Lastmod.After(existing.Lastmod) {
			return PageOutcome{URL: ref.URL, Skipped: true}, existing.ID, nil
		}
	}

	page, err := retry.DoWithResult(ctx, retryCfg, func() (Page, error) {
		return ix.driver.FetchContent(ctx, ref.URL)
	})
	if err != nil {
		return PageOutcome{URL: ref.URL}, "", err
	}

	chunks := chunk.Split(page.Content, chunk.Options{MinTokens: opts.ChunkMin, MaxTokens: opts.ChunkMax, Overlap: opts.ChunkOverlap})

	docID := existing.ID
	if docID == "" {
		docID = fmt.Sprintf("doc-%s-%s", opts.SiteID, vectorstore.ContentHash(ref.URL)[:16])
	}

	existingHashes, err := ix.store.ListChunkHashes(ctx, opts.TenantID, docID)
	if err != nil {
		return PageOutcome{URL: ref.URL}, "", err
	}

	var toEmbed []chunk.Result
	keepIndexes := make([]int, 0, len(chunks))
	for _, c := range chunks {
		hash := vectorstore.ContentHash(c.Content)
		keepIndexes = append(keepIndexes, c.Index)
		if existingHashes[c.Index] == hash {
			continue // unchanged, §4.5 step 5 no-op
		}
		toEmbed = append(toEmbed, c)
	}

	items, err := ix.embedChunks(ctx, docID, opts.TenantID, opts.SiteID, opts, toEmbed)
	if err != nil {
		return PageOutcome{URL: ref.URL}, "", err
	}

	doc := vectorstore.Document{
		ID: docID, TenantID: opts.TenantID, SiteID: opts.SiteID, CanonicalURL: ref.URL,
		ContentHash: vectorstore.ContentHash(page.Content), PageHash: pageHashOf(page),
		Lastmod: page.Lastmod, ETag: page.ETag, Locale: page.Locale, Version: existing.Version,
	}

	if err := retry.Do(ctx, retryCfg, func() error {
		return ix.store.Upsert(ctx, doc, items)
	}); err != nil {
		return PageOutcome{URL: ref.URL}, "", err
	}

	if err := ix.store.DeleteChunksNotIn(ctx, opts.TenantID, docID, keepIndexes); err != nil {
		ix.logger.Warn("indexer: chunk reconciliation failed", map[string]any{"url": ref.URL, "error": err.Error()})
	}

	return PageOutcome{URL: ref.URL, ChunksTotal: len(chunks), ChunksChanged: len(toEmbed)}, docID, nil
}

func pageHashOf(page Page) string {
	if page.ETag != "" {
		return page.ETag
	}
	return vectorstore.ContentHash(page.Content)
}

func (ix *Indexer) embedChunks(ctx context.Context, docID, tenantID, siteID string, opts RunOptions, chunks []chunk.Result) ([]vectorstore.ChunkWithEmbedding, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	reqs := make([]embedding.Request, len(chunks))
	for i, c := range chunks {
		reqs[i] = embedding.Request{Text: c.Content, Model: opts.EmbedModel}
	}

	vectors, err := ix.embedder.EmbedAll(ctx, reqs)
	if err != nil {
		return nil, errs.Wrap(err, errs.ClassTransient, "embedding batch failed")
	}
	if len(vectors) != len(chunks) {
		return nil, errs.New(errs.ClassDimensionMismatch, "embedding count does not match chunk count")
	}

	out := make([]vectorstore.ChunkWithEmbedding, len(chunks))
	for i, c := range chunks {
		out[i] = vectorstore.ChunkWithEmbedding{
			Chunk: vectorstore.Chunk{
				ID:          fmt.Sprintf("%s-%d", docID, c.Index),
				DocumentID:  docID,
				TenantID:    tenantID,
				SiteID:      siteID,
				ChunkIndex:  c.Index,
				Content:     c.Content,
				ContentHash: vectorstore.ContentHash(c.Content),
				HPath:       c.HPath,
				WordCount:   c.WordCount,
				TokenCount:  c.TokenCount,
			},
			Embedding: vectorstore.Embedding{
				ChunkID: fmt.Sprintf("%s-%d", docID, c.Index), TenantID: tenantID, SiteID: siteID,
				Model: vectors[i].Model, Dimensions: len(vectors[i].Values), Vector: vectors[i].Values,
			},
		}
	}
	return out, nil
}
