package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/sony/gobreaker"

	"github.com/sitevoice/kb-engine/internal/errs"
	"github.com/sitevoice/kb-engine/internal/observability"
	"github.com/sitevoice/kb-engine/internal/rrf"
)

// PostgresStore is the production Store, backed by Postgres + pgvector.
// Schema follows the teacher's kb_documents/kb_chunks/kb_embeddings layout
// (pkg/database/vector.go, pkg/repository/vector/repository.go), upgraded
// to use pgvector-go's Vector type instead of the teacher's hand-rolled
// "$1::vector::text" string marshaling.
type PostgresStore struct {
	db     *sqlx.DB
	logger observability.Logger
	cb     *gobreaker.CircuitBreaker
}

// Option configures a PostgresStore.
type Option func(*PostgresStore)

func WithLogger(l observability.Logger) Option {
	return func(s *PostgresStore) { s.logger = l }
}

// NewPostgresStore wraps db. Every query runs through a circuit breaker that
// trips to StoreUnavailable after repeated failures, rather than letting
// every caller individually time out against a dead database (§7).
func NewPostgresStore(db *sqlx.DB, opts ...Option) *PostgresStore {
	s := &PostgresStore{
		db:     db,
		logger: observability.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "vectorstore",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("vectorstore: circuit breaker state change", map[string]any{
				"from": from.String(), "to": to.String(),
			})
		},
	})
	return s
}

// Name satisfies health.HealthCheckable. PostgresStore is not a
// health.StatsReportable: its Stats method takes tenant/site arguments.
func (s *PostgresStore) Name() string { return "vector_store" }

// HealthCheck pings the connection pool, satisfying health.HealthCheckable.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) guarded(ctx context.Context, fn func() error) error {
	_, err := s.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return errs.Wrap(err, errs.ClassStoreUnavailable, "vector store circuit open")
	}
	if err != nil {
		if _, ok := errs.As(err); ok {
			return err // already classified, e.g. DimensionMismatch
		}
		return errs.Wrap(err, errs.ClassTransient, "vector store query failed")
	}
	return nil
}

// Upsert implements Store.
func (s *PostgresStore) Upsert(ctx context.Context, doc Document, items []ChunkWithEmbedding) error {
	return s.guarded(ctx, func() error {
		return s.upsert(ctx, doc, items)
	})
}

func (s *PostgresStore) upsert(ctx context.Context, doc Document, items []ChunkWithEmbedding) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const docQuery = `
		INSERT INTO kb_documents (id, tenant_id, site_id, canonical_url, content_hash, page_hash, lastmod, last_crawled, etag, locale, version, is_deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), $8, $9, $10, false)
		ON CONFLICT (tenant_id, site_id, canonical_url) DO UPDATE SET
			content_hash = EXCLUDED.content_hash,
			page_hash = EXCLUDED.page_hash,
			lastmod = EXCLUDED.lastmod,
			last_crawled = now(),
			etag = EXCLUDED.etag,
			version = kb_documents.version + 1,
			is_deleted = false
		RETURNING id`

	var docID string
	if err := tx.QueryRowxContext(ctx, docQuery,
		doc.ID, doc.TenantID, doc.SiteID, doc.CanonicalURL, doc.ContentHash, doc.PageHash,
		doc.Lastmod, doc.ETag, doc.Locale, doc.Version,
	).Scan(&docID); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}

	const chunkQuery = `
		INSERT INTO kb_chunks (id, document_id, tenant_id, site_id, chunk_index, content, cleaned_content, content_hash, h_path, selector, word_count, token_count, locale, has_structured_data, has_actions, has_forms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (document_id, chunk_index) DO UPDATE SET
			content = EXCLUDED.content,
			cleaned_content = EXCLUDED.cleaned_content,
			content_hash = EXCLUDED.content_hash,
			h_path = EXCLUDED.h_path,
			selector = EXCLUDED.selector,
			word_count = EXCLUDED.word_count,
			token_count = EXCLUDED.token_count,
			has_structured_data = EXCLUDED.has_structured_data,
			has_actions = EXCLUDED.has_actions,
			has_forms = EXCLUDED.has_forms
		WHERE kb_chunks.content_hash IS DISTINCT FROM EXCLUDED.content_hash`

	const embQuery = `
		INSERT INTO kb_embeddings (chunk_id, tenant_id, site_id, model, dimensions, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chunk_id) DO UPDATE SET
			model = EXCLUDED.model,
			dimensions = EXCLUDED.dimensions,
			embedding = EXCLUDED.embedding`

	for _, item := range items {
		c := item.Chunk
		if c.DocumentID == "" {
			c.DocumentID = docID
		}
		_, err := tx.ExecContext(ctx, chunkQuery,
			c.ID, c.DocumentID, doc.TenantID, doc.SiteID, c.ChunkIndex, c.Content, c.CleanedContent,
			c.ContentHash, c.HPath, c.Selector, c.WordCount, c.TokenCount, c.Locale,
			c.Metadata.HasStructuredData, c.Metadata.HasActions, c.Metadata.HasForms,
		)
		if err != nil {
			return fmt.Errorf("upsert chunk %d: %w", c.ChunkIndex, err)
		}

		e := item.Embedding
		if e.Dimensions != len(e.Vector) {
			return errs.New(errs.ClassDimensionMismatch, fmt.Sprintf("embedding dimensions %d does not match vector length %d", e.Dimensions, len(e.Vector)))
		}
		_, err = tx.ExecContext(ctx, embQuery, c.ID, doc.TenantID, doc.SiteID, e.Model, e.Dimensions, pgvector.NewVector(e.Vector))
		if err != nil {
			return fmt.Errorf("upsert embedding %d: %w", c.ChunkIndex, err)
		}
	}

	return tx.Commit()
}

// NNSearch implements Store.
func (s *PostgresStore) NNSearch(ctx context.Context, q NNQuery) ([]Hit, error) {
	var hits []Hit
	err := s.guarded(ctx, func() error {
		query := `
			SELECT c.id, c.document_id AS page_id, c.chunk_index, c.content,
			       d.canonical_url AS url, (e.embedding <=> $1) AS distance
			FROM kb_embeddings e
			JOIN kb_chunks c ON c.id = e.chunk_id
			JOIN kb_documents d ON d.id = c.document_id
			WHERE e.tenant_id = $2 AND ($3 = '' OR e.site_id = $3) AND ($4 = '' OR c.locale = $4)
			  AND d.is_deleted = false
			ORDER BY e.embedding <=> $1
			LIMIT $5`

		rows, err := s.db.QueryxContext(ctx, query, pgvector.NewVector(q.Embedding), q.TenantID, q.SiteID, q.Locale, q.K)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var h Hit
			if err := rows.Scan(&h.ID, &h.PageID, &h.ChunkIndex, &h.Content, &h.URL, &h.Distance); err != nil {
				return err
			}
			h.Score = 1 - h.Distance
			if q.MinScore > 0 && h.Score < q.MinScore {
				continue
			}
			hits = append(hits, h)
		}
		return rows.Err()
	})
	return hits, err
}

// FullTextSearch implements Store.
func (s *PostgresStore) FullTextSearch(ctx context.Context, tenantID, siteID, queryText, locale string, k int) ([]Hit, error) {
	return s.textSearch(ctx, tenantID, siteID, queryText, locale, k, "ts_rank")
}

// BM25Search implements Store. ts_rank_cd (cover density) is the closest
// built-in Postgres analogue to BM25 absent a dedicated extension such as
// pg_search/ParadeDB, which is not part of this stack.
func (s *PostgresStore) BM25Search(ctx context.Context, tenantID, siteID, queryText, locale string, k int) ([]Hit, error) {
	return s.textSearch(ctx, tenantID, siteID, queryText, locale, k, "ts_rank_cd")
}

func (s *PostgresStore) textSearch(ctx context.Context, tenantID, siteID, queryText, locale string, k int, rankFn string) ([]Hit, error) {
	var hits []Hit
	err := s.guarded(ctx, func() error {
		query := fmt.Sprintf(`
			SELECT c.id, c.document_id AS page_id, c.chunk_index, c.content, d.canonical_url AS url,
			       %s(c.search_vector, plainto_tsquery($4, $1)) AS rank
			FROM kb_chunks c
			JOIN kb_documents d ON d.id = c.document_id
			WHERE c.tenant_id = $2 AND ($3 = '' OR c.site_id = $3) AND d.is_deleted = false
			  AND c.search_vector @@ plainto_tsquery($4, $1)
			ORDER BY rank DESC
			LIMIT $5`, rankFn)

		cfg := textSearchConfig(locale)
		rows, err := s.db.QueryxContext(ctx, query, queryText, tenantID, siteID, cfg, k)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var h Hit
			if err := rows.Scan(&h.ID, &h.PageID, &h.ChunkIndex, &h.Content, &h.URL, &h.Rank); err != nil {
				return err
			}
			h.Score = h.Rank
			hits = append(hits, h)
		}
		return rows.Err()
	})
	return hits, err
}

// textSearchConfig maps a BCP-47 locale to a Postgres text-search
// configuration name; defaults to "simple" for locales without a tuned
// dictionary, matching the behavior of unaccent-agnostic search.
func textSearchConfig(locale string) string {
	switch strings.ToLower(strings.SplitN(locale, "-", 2)[0]) {
	case "en":
		return "english"
	case "es":
		return "spanish"
	case "fr":
		return "french"
	case "de":
		return "german"
	default:
		return "simple"
	}
}

// StructuredSearch implements Store.
func (s *PostgresStore) StructuredSearch(ctx context.Context, tenantID, siteID string, filters map[string]FilterValue, k int) ([]Hit, error) {
	var hits []Hit
	err := s.guarded(ctx, func() error {
		clauses := []string{"c.tenant_id = $1", "($2 = '' OR c.site_id = $2)", "d.is_deleted = false"}
		args := []any{tenantID, siteID}
		idx := 3

		keys := make([]string, 0, len(filters))
		for k := range filters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			col, ok := structuredColumn(key)
			if !ok {
				continue
			}
			clauses = append(clauses, fmt.Sprintf("c.%s = $%d", col, idx))
			args = append(args, filters[key].String() == "b:true")
			idx++
		}

		query := fmt.Sprintf(`
			SELECT c.id, c.document_id AS page_id, c.chunk_index, c.content, d.canonical_url AS url
			FROM kb_chunks c
			JOIN kb_documents d ON d.id = c.document_id
			WHERE %s
			ORDER BY c.chunk_index
			LIMIT $%d`, strings.Join(clauses, " AND "), idx)
		args = append(args, k)

		rows, err := s.db.QueryxContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var h Hit
			if err := rows.Scan(&h.ID, &h.PageID, &h.ChunkIndex, &h.Content, &h.URL); err != nil {
				return err
			}
			h.Score = 1
			hits = append(hits, h)
		}
		return rows.Err()
	})
	return hits, err
}

func structuredColumn(filterKey string) (string, bool) {
	switch filterKey {
	case "has_structured_data":
		return "has_structured_data", true
	case "has_actions":
		return "has_actions", true
	case "has_forms":
		return "has_forms", true
	default:
		return "", false
	}
}

// HybridSearch implements Store by fanning out to the per-strategy queries
// above and fusing with the same RRF constant the standalone fuser uses
// (internal/rrf), so DB-side and service-side fusion agree.
func (s *PostgresStore) HybridSearch(ctx context.Context, q HybridQuery) ([]Hit, error) {
	strategySet := map[string]bool{}
	for _, s := range q.Strategies {
		strategySet[s] = true
	}
	if len(strategySet) == 0 {
		strategySet["vector"] = true
		strategySet["fulltext"] = true
	}

	ranked := map[string][]Hit{}
	if strategySet["vector"] {
		hits, err := s.NNSearch(ctx, NNQuery{TenantID: q.TenantID, SiteID: q.SiteID, Locale: q.Locale, Embedding: q.Embedding, K: q.K})
		if err != nil {
			return nil, err
		}
		ranked["vector"] = hits
	}
	if strategySet["fulltext"] {
		hits, err := s.FullTextSearch(ctx, q.TenantID, q.SiteID, q.QueryText, q.Locale, q.K)
		if err != nil {
			return nil, err
		}
		ranked["fulltext"] = hits
	}
	if strategySet["structured"] {
		hits, err := s.StructuredSearch(ctx, q.TenantID, q.SiteID, q.Filters, q.K)
		if err != nil {
			return nil, err
		}
		ranked["structured"] = hits
	}

	return fuseRankedLists(ranked, q.K), nil
}

func fuseRankedLists(ranked map[string][]Hit, k int) []Hit {
	byID := map[string]Hit{}
	items := make(map[string][]rrf.Item, len(ranked))
	for strategy, hits := range ranked {
		list := make([]rrf.Item, len(hits))
		for rank, h := range hits {
			list[rank] = rrf.Item{ID: h.ID, Rank: rank}
			byID[h.ID] = h
		}
		items[strategy] = list
	}

	fused := rrf.Fuse(items, rrf.Config{MaxResults: k})

	out := make([]Hit, len(fused))
	for i, r := range fused {
		h := byID[r.ID]
		h.Score = r.Score
		out[i] = h
	}
	return out
}

// GetDocumentByURL implements Store.
func (s *PostgresStore) GetDocumentByURL(ctx context.Context, tenantID, siteID, canonicalURL string) (Document, bool, error) {
	var doc Document
	found := false
	err := s.guarded(ctx, func() error {
		const query = `
			SELECT id, tenant_id, site_id, canonical_url, content_hash, page_hash, lastmod, last_crawled, etag, locale, version, is_deleted
			FROM kb_documents
			WHERE tenant_id = $1 AND site_id = $2 AND canonical_url = $3`
		row := s.db.QueryRowxContext(ctx, query, tenantID, siteID, canonicalURL)
		if err := row.Scan(&doc.ID, &doc.TenantID, &doc.SiteID, &doc.CanonicalURL, &doc.ContentHash,
			&doc.PageHash, &doc.Lastmod, &doc.LastCrawled, &doc.ETag, &doc.Locale, &doc.Version, &doc.IsDeleted); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		found = true
		return nil
	})
	return doc, found, err
}

// ListChunkHashes implements Store.
func (s *PostgresStore) ListChunkHashes(ctx context.Context, tenantID, documentID string) (map[int]string, error) {
	out := make(map[int]string)
	err := s.guarded(ctx, func() error {
		rows, err := s.db.QueryxContext(ctx, `SELECT chunk_index, content_hash FROM kb_chunks WHERE tenant_id = $1 AND document_id = $2`, tenantID, documentID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var idx int
			var hash string
			if err := rows.Scan(&idx, &hash); err != nil {
				return err
			}
			out[idx] = hash
		}
		return rows.Err()
	})
	return out, err
}

// DeleteChunksNotIn implements Store.
func (s *PostgresStore) DeleteChunksNotIn(ctx context.Context, tenantID, documentID string, keepIndexes []int) error {
	return s.guarded(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM kb_embeddings WHERE tenant_id = $1 AND chunk_id IN (
				SELECT id FROM kb_chunks WHERE tenant_id = $1 AND document_id = $2 AND NOT (chunk_index = ANY($3))
			)`, tenantID, documentID, pq.Array(keepIndexes)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM kb_chunks WHERE tenant_id = $1 AND document_id = $2 AND NOT (chunk_index = ANY($3))`,
			tenantID, documentID, pq.Array(keepIndexes)); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ListDocuments implements Store.
func (s *PostgresStore) ListDocuments(ctx context.Context, tenantID, siteID string) ([]Document, error) {
	var docs []Document
	err := s.guarded(ctx, func() error {
		rows, err := s.db.QueryxContext(ctx, `
			SELECT id, tenant_id, site_id, canonical_url, content_hash, page_hash, lastmod, last_crawled, etag, locale, version, is_deleted
			FROM kb_documents WHERE tenant_id = $1 AND site_id = $2 AND is_deleted = false`, tenantID, siteID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var d Document
			if err := rows.Scan(&d.ID, &d.TenantID, &d.SiteID, &d.CanonicalURL, &d.ContentHash,
				&d.PageHash, &d.Lastmod, &d.LastCrawled, &d.ETag, &d.Locale, &d.Version, &d.IsDeleted); err != nil {
				return err
			}
			docs = append(docs, d)
		}
		return rows.Err()
	})
	return docs, err
}

// SoftDeleteDocumentsNotIn implements Store.
func (s *PostgresStore) SoftDeleteDocumentsNotIn(ctx context.Context, tenantID, siteID string, touchedIDs []string) error {
	return s.guarded(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE kb_documents SET is_deleted = true
			WHERE tenant_id = $1 AND site_id = $2 AND NOT (id = ANY($3)) AND is_deleted = false`,
			tenantID, siteID, pq.Array(touchedIDs))
		return err
	})
}

// DeleteByPage implements Store.
func (s *PostgresStore) DeleteByPage(ctx context.Context, tenantID, documentID string) error {
	return s.guarded(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM kb_embeddings WHERE tenant_id = $1 AND chunk_id IN (SELECT id FROM kb_chunks WHERE document_id = $2)`, tenantID, documentID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM kb_chunks WHERE tenant_id = $1 AND document_id = $2`, tenantID, documentID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE kb_documents SET is_deleted = true WHERE tenant_id = $1 AND id = $2`, tenantID, documentID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// Reindex implements Store, rebuilding the ANN index concurrently so reads
// are not blocked (Postgres's CREATE INDEX CONCURRENTLY cannot run inside a
// transaction block, hence no guarded/circuit-breaker wrapping here — a
// long-running DDL statement isn't the kind of failure the breaker should
// count against the read/write path). The index covers every site of
// tenantID; siteID is not used.
func (s *PostgresStore) Reindex(ctx context.Context, tenantID, siteID string, kind IndexKind, params map[string]FilterValue) error {
	indexName := fmt.Sprintf("kb_embeddings_%s_idx", pq.QuoteIdentifier(sanitizeIdent(tenantID)))

	var using string
	switch kind {
	case IndexIVFFlat:
		lists := 100
		if v, ok := params["lists"]; ok {
			lists = int(parseFilterNumber(v))
		}
		using = fmt.Sprintf("ivfflat (embedding vector_cosine_ops) WITH (lists = %d)", lists)
	default:
		m := 16
		efConstruction := 64
		if v, ok := params["m"]; ok {
			m = int(parseFilterNumber(v))
		}
		if v, ok := params["ef_construction"]; ok {
			efConstruction = int(parseFilterNumber(v))
		}
		using = fmt.Sprintf("hnsw (embedding vector_cosine_ops) WITH (m = %d, ef_construction = %d)", m, efConstruction)
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP INDEX CONCURRENTLY IF EXISTS %s`, indexName)); err != nil {
		return errs.Wrap(err, errs.ClassTransient, "drop existing index")
	}
	stmt := fmt.Sprintf(`CREATE INDEX CONCURRENTLY %s ON kb_embeddings USING %s WHERE tenant_id = %s`, indexName, using, pq.QuoteLiteral(tenantID))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return errs.Wrap(err, errs.ClassTransient, "create index")
	}
	return nil
}

func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func parseFilterNumber(v FilterValue) float64 {
	var n float64
	_, _ = fmt.Sscanf(v.String(), "n:%g", &n)
	return n
}

// Stats implements Store.
func (s *PostgresStore) Stats(ctx context.Context, tenantID, siteID string) (Stats, error) {
	var out Stats
	err := s.guarded(ctx, func() error {
		const query = `
			SELECT count(distinct c.id) AS chunk_count, count(distinct e.chunk_id) AS embedding_count,
			       coalesce(avg(c.token_count), 0) AS avg_chunk_size
			FROM kb_chunks c
			LEFT JOIN kb_embeddings e ON e.chunk_id = c.id
			WHERE c.tenant_id = $1 AND ($2 = '' OR c.site_id = $2)`
		row := s.db.QueryRowxContext(ctx, query, tenantID, siteID)
		if err := row.Scan(&out.ChunkCount, &out.EmbeddingCount, &out.AvgChunkSize); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		out.ActiveIndexKind = IndexHNSW
		return nil
	})
	return out, err
}
