package crawl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitevoice/kb-engine/internal/embedding"
	"github.com/sitevoice/kb-engine/internal/errs"
	"github.com/sitevoice/kb-engine/internal/indexer"
	"github.com/sitevoice/kb-engine/internal/vectorstore"
)

type fakeVectorStore struct {
	docs map[string]vectorstore.Document
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{docs: map[string]vectorstore.Document{}}
}

func (s *fakeVectorStore) Upsert(_ context.Context, doc vectorstore.Document, _ []vectorstore.ChunkWithEmbedding) error {
	s.docs[doc.CanonicalURL] = doc
	return nil
}
func (s *fakeVectorStore) NNSearch(context.Context, vectorstore.NNQuery) ([]vectorstore.Hit, error) {
	return nil, nil
}
func (s *fakeVectorStore) FullTextSearch(context.Context, string, string, string, string, int) ([]vectorstore.Hit, error) {
	return nil, nil
}
func (s *fakeVectorStore) BM25Search(context.Context, string, string, string, string, int) ([]vectorstore.Hit, error) {
	return nil, nil
}
func (s *fakeVectorStore) StructuredSearch(context.Context, string, string, map[string]vectorstore.FilterValue, int) ([]vectorstore.Hit, error) {
	return nil, nil
}
func (s *fakeVectorStore) HybridSearch(context.Context, vectorstore.HybridQuery) ([]vectorstore.Hit, error) {
	return nil, nil
}
func (s *fakeVectorStore) DeleteByPage(context.Context, string, string) error { return nil }
func (s *fakeVectorStore) GetDocumentByURL(_ context.Context, _, _, canonicalURL string) (vectorstore.Document, bool, error) {
	doc, ok := s.docs[canonicalURL]
	return doc, ok, nil
}
func (s *fakeVectorStore) ListChunkHashes(context.Context, string, string) (map[int]string, error) {
	return nil, nil
}
func (s *fakeVectorStore) DeleteChunksNotIn(context.Context, string, string, []int) error { return nil }
func (s *fakeVectorStore) ListDocuments(context.Context, string, string) ([]vectorstore.Document, error) {
	docs := make([]vectorstore.Document, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	return docs, nil
}
func (s *fakeVectorStore) SoftDeleteDocumentsNotIn(context.Context, string, string, []string) error {
	return nil
}
func (s *fakeVectorStore) Reindex(context.Context, string, string, vectorstore.IndexKind, map[string]vectorstore.FilterValue) error {
	return nil
}
func (s *fakeVectorStore) Stats(context.Context, string, string) (vectorstore.Stats, error) {
	return vectorstore.Stats{}, nil
}

type blockingDriver struct {
	release chan struct{}
}

func (d *blockingDriver) DiscoverURLs(ctx context.Context, siteID string) ([]indexer.PageRef, error) {
	select {
	case <-d.release:
	case <-ctx.Done():
	}
	return nil, ctx.Err()
}
func (d *blockingDriver) FetchHead(context.Context, string) (indexer.PageHead, error) {
	return indexer.PageHead{}, nil
}
func (d *blockingDriver) FetchContent(context.Context, string) (indexer.Page, error) {
	return indexer.Page{}, nil
}

type emptyDriver struct{}

func (emptyDriver) DiscoverURLs(context.Context, string) ([]indexer.PageRef, error) { return nil, nil }
func (emptyDriver) FetchHead(context.Context, string) (indexer.PageHead, error) {
	return indexer.PageHead{}, nil
}
func (emptyDriver) FetchContent(context.Context, string) (indexer.Page, error) {
	return indexer.Page{}, nil
}

func newTestOrchestrator(t *testing.T, driver indexer.Driver) *Orchestrator {
	t.Helper()
	store := newFakeVectorStore()
	client := embedding.NewClient(embedding.NewMockProvider(), 10)
	ix := indexer.New(store, driver, client, nil)
	return New(ix, nil)
}

func TestOrchestrator_Start_CompletesSession(t *testing.T) {
	o := newTestOrchestrator(t, emptyDriver{})

	id, err := o.Start(context.Background(), Config{TenantID: "t1", SiteID: "s1", Mode: indexer.SessionFull})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		sess, err := o.Get(id, "t1")
		return err == nil && sess.Status == StatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_Start_RejectsDuplicateRunningSession(t *testing.T) {
	release := make(chan struct{})
	o := newTestOrchestrator(t, &blockingDriver{release: release})
	defer close(release)

	_, err := o.Start(context.Background(), Config{TenantID: "t1", SiteID: "s1", Mode: indexer.SessionFull})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		o.mu.RLock()
		_, running := o.running[runningKey("t1", "s1", indexer.SessionFull)]
		o.mu.RUnlock()
		return running
	}, time.Second, 5*time.Millisecond)

	_, err = o.Start(context.Background(), Config{TenantID: "t1", SiteID: "s1", Mode: indexer.SessionFull})
	require.Error(t, err)
	assert.Equal(t, errs.ClassAlreadyRunning, errs.ClassOf(err))
}

func TestOrchestrator_Cancel_TransitionsToCancelled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	o := newTestOrchestrator(t, &blockingDriver{release: release})

	id, err := o.Start(context.Background(), Config{TenantID: "t1", SiteID: "s1", Mode: indexer.SessionFull})
	require.NoError(t, err)

	_, err = o.Cancel(id, "t1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sess, err := o.Get(id, "t1")
		return err == nil && sess.Status == StatusCancelled
	}, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_Get_CrossTenantForbidden(t *testing.T) {
	o := newTestOrchestrator(t, emptyDriver{})

	id, err := o.Start(context.Background(), Config{TenantID: "t1", SiteID: "s1", Mode: indexer.SessionFull})
	require.NoError(t, err)

	_, err = o.Get(id, "t2")
	require.Error(t, err)
	assert.Equal(t, errs.ClassForbidden, errs.ClassOf(err))
}

func TestOrchestrator_Get_UnknownSessionNotFound(t *testing.T) {
	o := newTestOrchestrator(t, emptyDriver{})
	_, err := o.Get("does-not-exist", "t1")
	require.Error(t, err)
	assert.Equal(t, errs.ClassNotFound, errs.ClassOf(err))
}

type fakeSessionStore struct {
	mu      sync.Mutex
	claimed map[string]bool
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{claimed: map[string]bool{}}
}

func (f *fakeSessionStore) Claim(_ context.Context, _, tenantID, siteID string, mode indexer.SessionType) error {
	key := runningKey(tenantID, siteID, mode)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed[key] {
		return errs.New(errs.ClassAlreadyRunning, "crawl: a session is already running for this site and mode")
	}
	f.claimed[key] = true
	return nil
}

func (f *fakeSessionStore) Finish(_ context.Context, _ string, _ Status, _, _ int, _ string) error {
	return nil
}

func TestOrchestrator_Start_ConsultsSessionStoreAcrossInstances(t *testing.T) {
	store := newFakeSessionStore()
	vstore := newFakeVectorStore()
	client := embedding.NewClient(embedding.NewMockProvider(), 10)

	release := make(chan struct{})
	defer close(release)

	// Two independently-constructed orchestrators sharing one SessionStore,
	// standing in for cmd/server and cmd/worker each holding their own
	// in-process Orchestrator against the same database.
	ix1 := indexer.New(vstore, &blockingDriver{release: release}, client, nil)
	o1 := New(ix1, nil, WithSessionStore(store))
	ix2 := indexer.New(vstore, &blockingDriver{release: release}, client, nil)
	o2 := New(ix2, nil, WithSessionStore(store))

	_, err := o1.Start(context.Background(), Config{TenantID: "t1", SiteID: "s1", Mode: indexer.SessionFull})
	require.NoError(t, err)

	_, err = o2.Start(context.Background(), Config{TenantID: "t1", SiteID: "s1", Mode: indexer.SessionFull})
	require.Error(t, err, "a second orchestrator instance must see the first's claim via the shared store")
	assert.Equal(t, errs.ClassAlreadyRunning, errs.ClassOf(err))
}

func TestOrchestrator_Stats_AggregatesByTenant(t *testing.T) {
	o := newTestOrchestrator(t, emptyDriver{})

	_, err := o.Start(context.Background(), Config{TenantID: "t1", SiteID: "s1", Mode: indexer.SessionFull})
	require.NoError(t, err)
	_, err = o.Start(context.Background(), Config{TenantID: "t1", SiteID: "s2", Mode: indexer.SessionFull})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return o.Stats("t1").Sessions == 2
	}, time.Second, 5*time.Millisecond)
}
