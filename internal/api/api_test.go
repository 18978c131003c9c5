package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitevoice/kb-engine/internal/crawl"
	"github.com/sitevoice/kb-engine/internal/embedding"
	"github.com/sitevoice/kb-engine/internal/health"
	"github.com/sitevoice/kb-engine/internal/indexer"
	"github.com/sitevoice/kb-engine/internal/locale"
	"github.com/sitevoice/kb-engine/internal/search"
	"github.com/sitevoice/kb-engine/internal/vectorstore"
	"github.com/sitevoice/kb-engine/internal/voice"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeStore is a minimal vectorstore.Store sufficient to drive the search
// engine and the /kb/status handler; every search returns one fixed hit.
type fakeStore struct{}

func (fakeStore) Upsert(context.Context, vectorstore.Document, []vectorstore.ChunkWithEmbedding) error {
	return nil
}
func (fakeStore) NNSearch(context.Context, vectorstore.NNQuery) ([]vectorstore.Hit, error) {
	return []vectorstore.Hit{{ID: "c1", PageID: "p1", URL: "https://example.com", Title: "Example", Content: "hello world", Score: 0.9}}, nil
}
func (fakeStore) FullTextSearch(context.Context, string, string, string, string, int) ([]vectorstore.Hit, error) {
	return nil, nil
}
func (fakeStore) BM25Search(context.Context, string, string, string, string, int) ([]vectorstore.Hit, error) {
	return nil, nil
}
func (fakeStore) StructuredSearch(context.Context, string, string, map[string]vectorstore.FilterValue, int) ([]vectorstore.Hit, error) {
	return nil, nil
}
func (fakeStore) HybridSearch(context.Context, vectorstore.HybridQuery) ([]vectorstore.Hit, error) {
	return nil, nil
}
func (fakeStore) DeleteByPage(context.Context, string, string) error { return nil }
func (fakeStore) GetDocumentByURL(context.Context, string, string, string) (vectorstore.Document, bool, error) {
	return vectorstore.Document{}, false, nil
}
func (fakeStore) ListChunkHashes(context.Context, string, string) (map[int]string, error) {
	return nil, nil
}
func (fakeStore) DeleteChunksNotIn(context.Context, string, string, []int) error { return nil }
func (fakeStore) ListDocuments(context.Context, string, string) ([]vectorstore.Document, error) {
	return nil, nil
}
func (fakeStore) SoftDeleteDocumentsNotIn(context.Context, string, string, []string) error { return nil }
func (fakeStore) Reindex(context.Context, string, string, vectorstore.IndexKind, map[string]vectorstore.FilterValue) error {
	return nil
}
func (fakeStore) Stats(context.Context, string, string) (vectorstore.Stats, error) {
	return vectorstore.Stats{ChunkCount: 42, EmbeddingCount: 42}, nil
}

type emptyDriver struct{}

func (emptyDriver) DiscoverURLs(context.Context, string) ([]indexer.PageRef, error) { return nil, nil }
func (emptyDriver) FetchHead(context.Context, string) (indexer.PageHead, error)     { return indexer.PageHead{}, nil }
func (emptyDriver) FetchContent(context.Context, string) (indexer.Page, error)      { return indexer.Page{}, nil }

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()

	store := fakeStore{}
	embedder := embedding.NewClient(embedding.NewMockProvider(), 10)
	engine := search.NewEngine(store, embedder, nil, search.Config{})

	ix := indexer.New(store, emptyDriver{}, embedder, nil)
	orch := crawl.New(ix, nil)

	registry := voice.NewRegistry(nil)

	kbHealth := health.NewAggregator(0)
	voiceHealth := health.NewAggregator(0)
	kbHealth.Register(registry)
	voiceHealth.Register(registry)

	deps := Deps{
		Store:            store,
		SearchEngine:     engine,
		Crawl:            orch,
		Voice:            registry,
		Locale:           locale.NewNegotiator([]string{"en-US"}),
		KBHealth:         kbHealth,
		VoiceHealth:      voiceHealth,
		SupportedLocales: []string{"en-US"},
	}
	return NewRouter(deps)
}

func TestRouter_Search_ReturnsHits(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/kb/search",
		strings.NewReader(`{"siteId":"site1","query":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", "11111111-1111-4111-8111-111111111111")
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hello world")
}

func TestRouter_Search_MissingTenantRejected(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/kb/search",
		strings.NewReader(`{"siteId":"site1","query":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "problem+json")
}

func TestRouter_Reindex_SchedulesJob(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/kb/reindex",
		strings.NewReader(`{"siteId":"site1","mode":"full"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", "11111111-1111-4111-8111-111111111111")
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"scheduled"`)
}

func TestRouter_Status_ReportsChunkCounts(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/kb/status?siteId=site1", nil)
	req.Header.Set("X-Tenant-Id", "11111111-1111-4111-8111-111111111111")
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"chunkCount":42`)
}

func TestRouter_VoiceSession_Create(t *testing.T) {
	r := newTestRouter(t)

	createReq := httptest.NewRequest(http.MethodPost, "/api/v1/voice/session",
		strings.NewReader(`{"siteId":"site1","locale":"en-US"}`))
	createReq.Header.Set("Content-Type", "application/json")
	createReq.Header.Set("X-Tenant-Id", "11111111-1111-4111-8111-111111111111")
	createW := httptest.NewRecorder()
	r.ServeHTTP(createW, createReq)
	require.Equal(t, http.StatusCreated, createW.Code)
	assert.Contains(t, createW.Body.String(), `"sessionId"`)
}

func TestRouter_KBHealth_ReturnsHealthy(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/kb/health", nil)
	req.Header.Set("X-Tenant-Id", "11111111-1111-4111-8111-111111111111")
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy":true`)
}

func TestRouter_Info_DoesNotRequireTenant(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/info", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "kb-engine")
}
