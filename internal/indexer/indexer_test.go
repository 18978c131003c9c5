package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitevoice/kb-engine/internal/embedding"
	"github.com/sitevoice/kb-engine/internal/vectorstore"
)

type fakeDriver struct {
	refs    []PageRef
	heads   map[string]PageHead
	pages   map[string]Page
	headErr error
}

func (d *fakeDriver) DiscoverURLs(context.Context, string) ([]PageRef, error) {
	return d.refs, nil
}

func (d *fakeDriver) FetchHead(_ context.Context, url string) (PageHead, error) {
	if d.headErr != nil {
		return PageHead{}, d.headErr
	}
	return d.heads[url], nil
}

func (d *fakeDriver) FetchContent(_ context.Context, url string) (Page, error) {
	return d.pages[url], nil
}

type fakeStore struct {
	docs          map[string]vectorstore.Document
	chunkHashes   map[string]map[int]string
	upserts       []vectorstore.Document
	deletedNotIn  map[string][]int
	softDeleted   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:        map[string]vectorstore.Document{},
		chunkHashes: map[string]map[int]string{},
	}
}

func (s *fakeStore) Upsert(_ context.Context, doc vectorstore.Document, items []vectorstore.ChunkWithEmbedding) error {
	s.docs[doc.CanonicalURL] = doc
	s.upserts = append(s.upserts, doc)
	hashes := map[int]string{}
	for _, it := range items {
		hashes[it.Chunk.ChunkIndex] = it.Chunk.ContentHash
	}
	existing := s.chunkHashes[doc.ID]
	for idx, h := range hashes {
		if existing == nil {
			existing = map[int]string{}
		}
		existing[idx] = h
	}
	s.chunkHashes[doc.ID] = existing
	return nil
}

func (s *fakeStore) NNSearch(context.Context, vectorstore.NNQuery) ([]vectorstore.Hit, error) {
	return nil, nil
}
func (s *fakeStore) FullTextSearch(context.Context, string, string, string, string, int) ([]vectorstore.Hit, error) {
	return nil, nil
}
func (s *fakeStore) BM25Search(context.Context, string, string, string, string, int) ([]vectorstore.Hit, error) {
	return nil, nil
}
func (s *fakeStore) StructuredSearch(context.Context, string, string, map[string]vectorstore.FilterValue, int) ([]vectorstore.Hit, error) {
	return nil, nil
}
func (s *fakeStore) HybridSearch(context.Context, vectorstore.HybridQuery) ([]vectorstore.Hit, error) {
	return nil, nil
}
func (s *fakeStore) DeleteByPage(context.Context, string, string) error { return nil }

func (s *fakeStore) GetDocumentByURL(_ context.Context, _, _, canonicalURL string) (vectorstore.Document, bool, error) {
	doc, ok := s.docs[canonicalURL]
	return doc, ok, nil
}

func (s *fakeStore) ListChunkHashes(_ context.Context, _, documentID string) (map[int]string, error) {
	return s.chunkHashes[documentID], nil
}

func (s *fakeStore) DeleteChunksNotIn(_ context.Context, _, documentID string, keepIndexes []int) error {
	if s.deletedNotIn == nil {
		s.deletedNotIn = map[string][]int{}
	}
	s.deletedNotIn[documentID] = keepIndexes
	return nil
}

func (s *fakeStore) ListDocuments(context.Context, string, string) ([]vectorstore.Document, error) {
	docs := make([]vectorstore.Document, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	return docs, nil
}

func (s *fakeStore) SoftDeleteDocumentsNotIn(_ context.Context, _, _ string, touchedIDs []string) error {
	s.softDeleted = touchedIDs
	return nil
}

func (s *fakeStore) Reindex(context.Context, string, string, vectorstore.IndexKind, map[string]vectorstore.FilterValue) error {
	return nil
}

func (s *fakeStore) Stats(context.Context, string, string) (vectorstore.Stats, error) {
	return vectorstore.Stats{}, nil
}

func newTestIndexer(store vectorstore.Store, driver Driver) *Indexer {
	client := embedding.NewClient(embedding.NewMockProvider(), 10)
	return New(store, driver, client, nil)
}

func TestIndexer_Full_IndexesNewPages(t *testing.T) {
	driver := &fakeDriver{
		refs: []PageRef{{URL: "https://example.com/a"}, {URL: "https://example.com/b"}},
		pages: map[string]Page{
			"https://example.com/a": {URL: "https://example.com/a", Content: "hello world from page a"},
			"https://example.com/b": {URL: "https://example.com/b", Content: "hello world from page b"},
		},
	}
	store := newFakeStore()
	ix := newTestIndexer(store, driver)

	result, err := ix.Run(context.Background(), RunOptions{TenantID: "t1", SiteID: "s1", Type: SessionFull})
	require.NoError(t, err)
	assert.Equal(t, 2, result.PagesProcessed)
	assert.Equal(t, 0, result.PagesSkipped)
	assert.Equal(t, 0, result.PagesFailed)
	assert.Len(t, store.upserts, 2)
}

func TestIndexer_Delta_SkipsUnchangedPageHash(t *testing.T) {
	now := time.Unix(1700000000, 0)
	driver := &fakeDriver{
		refs: []PageRef{{URL: "https://example.com/a"}},
		heads: map[string]PageHead{
			"https://example.com/a": {PageHash: "unchanged-hash", Lastmod: now},
		},
	}
	store := newFakeStore()
	store.docs["https://example.com/a"] = vectorstore.Document{
		ID: "doc-1", CanonicalURL: "https://example.com/a", PageHash: "unchanged-hash", Lastmod: now,
	}
	ix := newTestIndexer(store, driver)

	result, err := ix.Run(context.Background(), RunOptions{TenantID: "t1", SiteID: "s1", Type: SessionDelta})
	require.NoError(t, err)
	assert.Equal(t, 1, result.PagesSkipped)
	assert.Equal(t, 0, result.PagesProcessed)
	assert.Empty(t, store.upserts, "unchanged page must not be re-upserted")
}

func TestIndexer_Delta_ReembedsOnlyChangedPage(t *testing.T) {
	now := time.Unix(1700000000, 0)
	later := now.Add(time.Hour)
	driver := &fakeDriver{
		refs: []PageRef{{URL: "https://example.com/a"}, {URL: "https://example.com/b"}},
		heads: map[string]PageHead{
			"https://example.com/a": {PageHash: "same", Lastmod: now},
			"https://example.com/b": {PageHash: "changed", Lastmod: later},
		},
		pages: map[string]Page{
			"https://example.com/b": {URL: "https://example.com/b", Content: "brand new content here", Lastmod: later},
		},
	}
	store := newFakeStore()
	store.docs["https://example.com/a"] = vectorstore.Document{ID: "doc-a", CanonicalURL: "https://example.com/a", PageHash: "same", Lastmod: now}
	store.docs["https://example.com/b"] = vectorstore.Document{ID: "doc-b", CanonicalURL: "https://example.com/b", PageHash: "old", Lastmod: now}
	ix := newTestIndexer(store, driver)

	result, err := ix.Run(context.Background(), RunOptions{TenantID: "t1", SiteID: "s1", Type: SessionDelta})
	require.NoError(t, err)
	assert.Equal(t, 1, result.PagesSkipped)
	assert.Equal(t, 1, result.PagesProcessed)
	require.Len(t, store.upserts, 1)
	assert.Equal(t, "https://example.com/b", store.upserts[0].CanonicalURL)
}

func TestIndexer_Full_SoftDeletesUntouchedDocuments(t *testing.T) {
	driver := &fakeDriver{
		refs:  []PageRef{{URL: "https://example.com/a"}},
		pages: map[string]Page{"https://example.com/a": {URL: "https://example.com/a", Content: "still here"}},
	}
	store := newFakeStore()
	store.docs["https://example.com/stale"] = vectorstore.Document{ID: "doc-stale", CanonicalURL: "https://example.com/stale"}
	ix := newTestIndexer(store, driver)

	_, err := ix.Run(context.Background(), RunOptions{TenantID: "t1", SiteID: "s1", Type: SessionFull})
	require.NoError(t, err)
	require.NotNil(t, store.softDeleted)
	assert.NotContains(t, store.softDeleted, "doc-stale")
}

func TestIndexer_Selective_UsesProvidedURLsOnly(t *testing.T) {
	driver := &fakeDriver{
		refs:  []PageRef{{URL: "https://example.com/unused"}},
		pages: map[string]Page{"https://example.com/only": {URL: "https://example.com/only", Content: "selected content"}},
	}
	store := newFakeStore()
	ix := newTestIndexer(store, driver)

	result, err := ix.Run(context.Background(), RunOptions{
		TenantID: "t1", SiteID: "s1", Type: SessionSelective,
		SelectiveURLs: []string{"https://example.com/only"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.PagesProcessed)
	require.Len(t, store.upserts, 1)
	assert.Equal(t, "https://example.com/only", store.upserts[0].CanonicalURL)
}

func TestIndexer_ChunkDiff_UnchangedChunksNotReembedded(t *testing.T) {
	content := "identical content across both runs, long enough to be one chunk"
	driver := &fakeDriver{
		refs:  []PageRef{{URL: "https://example.com/a"}},
		pages: map[string]Page{"https://example.com/a": {URL: "https://example.com/a", Content: content}},
	}
	store := newFakeStore()
	ix := newTestIndexer(store, driver)

	_, err := ix.Run(context.Background(), RunOptions{TenantID: "t1", SiteID: "s1", Type: SessionFull})
	require.NoError(t, err)
	require.Len(t, store.upserts, 1)

	outcome, _, err := ix.processPage(context.Background(), normalizeOptions(RunOptions{TenantID: "t1", SiteID: "s1", Type: SessionFull}), PageRef{URL: "https://example.com/a"})
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.ChunksChanged, "re-running with identical content must re-embed nothing")
}
