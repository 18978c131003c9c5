package vectorstore

import "context"

// Store is the Vector Store contract (C1): every method is tenant-scoped —
// callers pass tenantId explicitly rather than relying on a package-level
// connection pinned to one tenant, since a single store instance serves all
// tenants (I-T).
type Store interface {
	// Upsert writes chunks+embeddings atomically. Idempotent by
	// (documentId, chunkIndex, contentHash): a chunk row whose contentHash
	// is unchanged is left as it is (I2). Every call still refreshes the
	// document's lastCrawled/etag, increments its version, and rewrites
	// the embedding row of each item passed in.
	Upsert(ctx context.Context, doc Document, items []ChunkWithEmbedding) error

	// NNSearch performs approximate nearest-neighbor search over the active
	// ANN index.
	NNSearch(ctx context.Context, q NNQuery) ([]Hit, error)

	// FullTextSearch runs a tsvector/tsquery search scoped to tenant+site.
	FullTextSearch(ctx context.Context, tenantID, siteID, query string, locale string, k int) ([]Hit, error)

	// BM25Search runs a BM25-ranked search (via ts_rank_cd weighting, absent
	// a dedicated BM25 extension) scoped to tenant+site.
	BM25Search(ctx context.Context, tenantID, siteID, query string, locale string, k int) ([]Hit, error)

	// StructuredSearch returns only the chunks whose metadata flags
	// (has_structured_data, has_actions, has_forms) equal the given
	// filters; other filter keys are ignored.
	StructuredSearch(ctx context.Context, tenantID, siteID string, filters map[string]FilterValue, k int) ([]Hit, error)

	// HybridSearch fuses vector + full-text (+ optional structured) ranked
	// lists server-side via RRF, returning a single fused list. Used when
	// the caller wants the DB to do the fusion rather than internal/rrf.
	HybridSearch(ctx context.Context, q HybridQuery) ([]Hit, error)

	// DeleteByPage removes all chunks/embeddings for a document (hard
	// delete — used by crawl reconciliation when a page 404s/410s).
	DeleteByPage(ctx context.Context, tenantID, documentID string) error

	// GetDocumentByURL looks up the stored Document for a canonical URL,
	// used by the indexer's delta comparison against pageHash/lastmod.
	// found is false (not an error) when no document exists yet.
	GetDocumentByURL(ctx context.Context, tenantID, siteID, canonicalURL string) (doc Document, found bool, err error)

	// ListChunkHashes returns (chunkIndex -> contentHash) for every chunk
	// currently stored under documentID, used to diff against freshly
	// computed chunks (unchanged / changed / removed) without re-reading
	// full chunk bodies.
	ListChunkHashes(ctx context.Context, tenantID, documentID string) (map[int]string, error)

	// DeleteChunksNotIn removes chunks of documentID whose index is not in
	// keepIndexes — used when a re-crawl produces fewer chunks than before.
	DeleteChunksNotIn(ctx context.Context, tenantID, documentID string, keepIndexes []int) error

	// ListDocuments returns every non-deleted document for tenant+site,
	// used by full-crawl reconciliation to soft-delete anything not
	// touched in the current session.
	ListDocuments(ctx context.Context, tenantID, siteID string) ([]Document, error)

	// SoftDeleteDocumentsNotIn marks every document for tenant+site whose
	// ID is not in touchedIDs as deleted (full-crawl reconciliation).
	SoftDeleteDocumentsNotIn(ctx context.Context, tenantID, siteID string, touchedIDs []string) error

	// Reindex rebuilds the ANN index for tenantId (optionally scoped to
	// siteId) using the given index kind and parameters.
	Reindex(ctx context.Context, tenantID, siteID string, kind IndexKind, params map[string]FilterValue) error

	// Stats reports chunk/embedding counts and the active index kind.
	Stats(ctx context.Context, tenantID, siteID string) (Stats, error)
}

// HybridQuery is the input to HybridSearch.
type HybridQuery struct {
	TenantID     string
	SiteID       string
	Locale       string
	QueryText    string
	Embedding    []float32
	K            int
	Strategies   []string // subset of {"vector","fulltext","structured"}
	Filters      map[string]FilterValue
}
