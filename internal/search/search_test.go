package search

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitevoice/kb-engine/internal/cache"
	"github.com/sitevoice/kb-engine/internal/embedding"
	"github.com/sitevoice/kb-engine/internal/errs"
	"github.com/sitevoice/kb-engine/internal/vectorstore"
)

type fakeStore struct {
	vector, fulltext, bm25, structured []vectorstore.Hit
	vectorErr, fulltextErr             error
}

func (f *fakeStore) NNSearch(context.Context, vectorstore.NNQuery) ([]vectorstore.Hit, error) {
	return f.vector, f.vectorErr
}
func (f *fakeStore) FullTextSearch(context.Context, string, string, string, string, int) ([]vectorstore.Hit, error) {
	return f.fulltext, f.fulltextErr
}
func (f *fakeStore) BM25Search(context.Context, string, string, string, string, int) ([]vectorstore.Hit, error) {
	return f.bm25, nil
}
func (f *fakeStore) StructuredSearch(context.Context, string, string, map[string]vectorstore.FilterValue, int) ([]vectorstore.Hit, error) {
	return f.structured, nil
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	backend := cache.NewRedisBackend(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return cache.New(backend, 0, 0)
}

func TestEngine_Search_ValidatesTenant(t *testing.T) {
	e := NewEngine(&fakeStore{}, embedding.NewClient(embedding.NewMockProvider(), 10), nil, Config{})
	_, err := e.Search(context.Background(), Request{SiteID: "s1", Query: "hi"})
	require.Error(t, err)
	assert.Equal(t, errs.ClassMissingTenantID, errs.ClassOf(err))
}

func TestEngine_Search_RejectsTopKOver100(t *testing.T) {
	e := NewEngine(&fakeStore{}, embedding.NewClient(embedding.NewMockProvider(), 10), nil, Config{})
	_, err := e.Search(context.Background(), Request{TenantID: "t1", SiteID: "s1", Query: "hi", TopK: 101})
	require.Error(t, err)
	assert.Equal(t, errs.ClassValidationFailed, errs.ClassOf(err))
}

func TestEngine_Search_RejectsEmptyStrategiesList(t *testing.T) {
	e := NewEngine(&fakeStore{}, embedding.NewClient(embedding.NewMockProvider(), 10), nil, Config{})
	_, err := e.Search(context.Background(), Request{TenantID: "t1", SiteID: "s1", Query: "hi", Strategies: []string{}})
	require.Error(t, err)
	assert.Equal(t, errs.ClassValidationFailed, errs.ClassOf(err))
}

func TestEngine_Search_DefaultsStrategiesWhenNil(t *testing.T) {
	e := NewEngine(&fakeStore{}, embedding.NewClient(embedding.NewMockProvider(), 10), nil, Config{})
	resp, err := e.Search(context.Background(), Request{TenantID: "t1", SiteID: "s1", Query: "hi"})
	require.NoError(t, err)
	_ = resp
}

func TestEngine_Search_FusesAndRanks(t *testing.T) {
	store := &fakeStore{
		vector:   []vectorstore.Hit{{ID: "a", Content: "hello there world", Score: 0.9}, {ID: "b", Content: "goodbye", Score: 0.5}},
		fulltext: []vectorstore.Hit{{ID: "a", Content: "hello there world", Score: 1.2}},
	}
	e := NewEngine(store, embedding.NewClient(embedding.NewMockProvider(), 10), nil, Config{})

	resp, err := e.Search(context.Background(), Request{
		TenantID: "t1", SiteID: "s1", Query: "hello", TopK: 10,
		Strategies: []string{StrategyVector, StrategyFullText},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Hits)
	assert.Equal(t, "a", resp.Hits[0].ID, "item surfaced by both strategies should rank first")
	assert.Equal(t, 1, resp.Hits[0].Rank)
	assert.Contains(t, resp.Hits[0].Fusion.AppearsInSystems, StrategyVector)
	assert.Contains(t, resp.Hits[0].Fusion.AppearsInSystems, StrategyFullText)
	assert.False(t, resp.Degraded)
}

func TestEngine_Search_DegradesWhenOneStrategyFails(t *testing.T) {
	store := &fakeStore{
		vector:      []vectorstore.Hit{{ID: "a", Content: "hello world"}},
		fulltextErr: errors.New("fts unavailable"),
	}
	e := NewEngine(store, embedding.NewClient(embedding.NewMockProvider(), 10), nil, Config{})

	resp, err := e.Search(context.Background(), Request{
		TenantID: "t1", SiteID: "s1", Query: "hello", TopK: 10,
		Strategies: []string{StrategyVector, StrategyFullText},
	})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.NotEmpty(t, resp.Hits)
}

func TestEngine_Search_FallsBackToVectorOnlyWhenAllFail(t *testing.T) {
	store := &fakeStore{
		vectorErr:   errors.New("vector down"),
		fulltextErr: errors.New("fts down"),
	}
	e := NewEngine(store, embedding.NewClient(embedding.NewMockProvider(), 10), nil, Config{})

	_, err := e.Search(context.Background(), Request{
		TenantID: "t1", SiteID: "s1", Query: "hello", TopK: 10,
		Strategies: []string{StrategyVector, StrategyFullText},
	})
	require.Error(t, err)
	assert.Equal(t, errs.ClassSearchUnavailable, errs.ClassOf(err))
}

func TestEngine_Search_CachesFreshResult(t *testing.T) {
	store := &fakeStore{vector: []vectorstore.Hit{{ID: "a", Content: "hello world"}}}
	e := NewEngine(store, embedding.NewClient(embedding.NewMockProvider(), 10), newTestCache(t), Config{})

	req := Request{TenantID: "t1", SiteID: "s1", Query: "hello", TopK: 5, Strategies: []string{StrategyVector}}
	resp1, err := e.Search(context.Background(), req)
	require.NoError(t, err)

	store.vector = nil // prove the second call doesn't hit the store again
	resp2, err := e.Search(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, resp1.Hits[0].ID, resp2.Hits[0].ID)
}

func TestExtractSnippet_CentersOnQueryToken(t *testing.T) {
	content := "aaaaaaaaaa bbbbbbbbbb needle cccccccccc dddddddddd eeeeeeeeee ffffffffff gggggggggg hhhhhhhhhh iiiiiiiiii jjjjjjjjjj"
	snippet := extractSnippet(content, "needle", 40)
	assert.Contains(t, snippet, "needle")
	assert.LessOrEqual(t, len(snippet), 46) // +2 ellipses worst case, 3 bytes each ("…")
}

func TestExtractSnippet_ShortContentUnchanged(t *testing.T) {
	assert.Equal(t, "short", extractSnippet("short", "query", 200))
}
