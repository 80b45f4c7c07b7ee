package rag

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/citerag/types"
)

type staticEmbedder struct {
	vector []float64
	err    error
	calls  atomic.Int64
}

func (e *staticEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = e.vector
	}
	return out, nil
}

// flakyStore fails the first n searches with err, then delegates.
type flakyStore struct {
	inner Store
	n     atomic.Int64
	err   error
	calls atomic.Int64
}

func (s *flakyStore) Search(ctx context.Context, vector []float64, filter Filter, limit int) ([]EvidenceChunk, error) {
	s.calls.Add(1)
	if s.n.Add(-1) >= 0 {
		return nil, s.err
	}
	return s.inner.Search(ctx, vector, filter, limit)
}

type blockingStore struct{}

func (blockingStore) Search(ctx context.Context, _ []float64, _ Filter, _ int) ([]EvidenceChunk, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// leakyStore ignores the tenant filter.
type leakyStore struct{ chunks []EvidenceChunk }

func (s leakyStore) Search(context.Context, []float64, Filter, int) ([]EvidenceChunk, error) {
	return append([]EvidenceChunk(nil), s.chunks...), nil
}

func testRetrieverConfig() RetrieverConfig {
	cfg := DefaultRetrieverConfig()
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func TestRetriever_Retrieve(t *testing.T) {
	r := NewRetriever(seededMemoryStore(t), &staticEmbedder{vector: []float64{1, 0, 0}}, testRetrieverConfig(), zap.NewNop())

	got, err := r.Retrieve(context.Background(), NewQuery(Query{
		Text:     "What was Q3 revenue?",
		TenantID: "t1",
		Section:  &SectionFilter{Mode: SectionPrefix, Segments: []string{"block_9"}},
	}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ChunkID)
}

func TestRetriever_Validation(t *testing.T) {
	r := NewRetriever(NewInMemoryStore(nil), &staticEmbedder{vector: []float64{1}}, testRetrieverConfig(), nil)

	tests := []struct {
		name string
		q    Query
	}{
		{"missing tenant", Query{Text: "q"}},
		{"empty text", Query{TenantID: "t1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Retrieve(context.Background(), tt.q)
			require.Error(t, err)
			assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
		})
	}

	_, err := r.Search(context.Background(), Query{Text: "q", TenantID: "t1"}, Filter{TenantID: "t2"}, 3)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestRetriever_SearchFillsTenant(t *testing.T) {
	r := NewRetriever(seededMemoryStore(t), &staticEmbedder{vector: []float64{1, 0, 0}}, testRetrieverConfig(), nil)

	got, err := r.Search(context.Background(), Query{Text: "q", TenantID: "t2"}, Filter{}, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "x1", got[0].ChunkID)
}

func TestRetriever_TopK(t *testing.T) {
	r := NewRetriever(NewInMemoryStore(nil), &staticEmbedder{}, RetrieverConfig{DefaultTopK: 5, MaxTopK: 20}, nil)
	assert.Equal(t, 5, r.TopK(0))
	assert.Equal(t, 3, r.TopK(3))
	assert.Equal(t, 20, r.TopK(100))
}

func TestRetriever_RetriesTransientFailure(t *testing.T) {
	store := &flakyStore{inner: seededMemoryStore(t), err: &QdrantError{Method: "POST", Path: "/search", StatusCode: 503}}
	store.n.Store(1)
	r := NewRetriever(store, &staticEmbedder{vector: []float64{1, 0, 0}}, testRetrieverConfig(), nil)

	got, err := r.Retrieve(context.Background(), Query{Text: "q", TenantID: "t1"})
	require.NoError(t, err)
	assert.NotEmpty(t, got)
	assert.Equal(t, int64(2), store.calls.Load())
}

func TestRetriever_PermanentFailure(t *testing.T) {
	store := &flakyStore{inner: NewInMemoryStore(nil), err: &QdrantError{Method: "POST", Path: "/search", StatusCode: 400}}
	store.n.Store(5)
	r := NewRetriever(store, &staticEmbedder{vector: []float64{1}}, testRetrieverConfig(), nil)

	_, err := r.Retrieve(context.Background(), Query{Text: "q", TenantID: "t1"})
	require.Error(t, err)
	assert.Equal(t, types.ErrRetrievalFailed, types.GetErrorCode(err))
	assert.Equal(t, int64(1), store.calls.Load(), "4xx is not retried")

	var qe *QdrantError
	assert.ErrorAs(t, err, &qe)
}

func TestRetriever_Timeout(t *testing.T) {
	cfg := testRetrieverConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxRetries = 0
	r := NewRetriever(blockingStore{}, &staticEmbedder{vector: []float64{1}}, cfg, nil)

	start := time.Now()
	_, err := r.Retrieve(context.Background(), Query{Text: "q", TenantID: "t1"})
	require.Error(t, err)
	assert.Equal(t, types.ErrRetrievalTimeout, types.GetErrorCode(err))
	assert.True(t, types.IsRetrievalError(err))
	assert.Less(t, time.Since(start), time.Second)

	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, 504, e.HTTPStatus)
}

func TestRetriever_EmbedFailure(t *testing.T) {
	emb := &staticEmbedder{err: errors.New("boom")}
	r := NewRetriever(NewInMemoryStore(nil), emb, testRetrieverConfig(), nil)

	_, err := r.Retrieve(context.Background(), Query{Text: "q", TenantID: "t1"})
	assert.Equal(t, types.ErrRetrievalFailed, types.GetErrorCode(err))
	assert.Equal(t, int64(1), emb.calls.Load(), "plain errors are not retried")
}

func TestRetriever_DropsForeignTenantResults(t *testing.T) {
	store := leakyStore{chunks: []EvidenceChunk{
		{ChunkID: "x", TenantID: "t2", Score: 0.99},
		{ChunkID: "a", TenantID: "t1", Score: 0.5},
	}}
	r := NewRetriever(store, &staticEmbedder{vector: []float64{1}}, testRetrieverConfig(), nil)

	got, err := r.Retrieve(context.Background(), Query{Text: "q", TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ChunkID)
}

func TestRetriever_ExpandSections(t *testing.T) {
	store := NewInMemoryStore(nil)
	require.NoError(t, store.Upsert(context.Background(),
		StoredChunk{ChunkID: "hit", TenantID: "t1", SectionPath: SectionPath{"block_9", "table_2"}, Embedding: []float64{1, 0}},
		StoredChunk{ChunkID: "sib", TenantID: "t1", SectionPath: SectionPath{"block_9", "notes"}, Embedding: []float64{0, 1}},
		StoredChunk{ChunkID: "far", TenantID: "t1", SectionPath: SectionPath{"block_10", "x"}, Embedding: []float64{0.1, 1}},
	))

	cfg := testRetrieverConfig()
	cfg.DefaultTopK = 1
	cfg.ExpandSections = true
	cfg.ExpandHits = 1
	cfg.ExpandLimit = 4
	r := NewRetriever(store, &staticEmbedder{vector: []float64{1, 0}}, cfg, nil)

	got, err := r.Retrieve(context.Background(), Query{Text: "q", TenantID: "t1"})
	require.NoError(t, err)

	ids := map[string]bool{}
	for _, c := range got {
		ids[c.ChunkID] = true
	}
	assert.True(t, ids["hit"])
	assert.True(t, ids["sib"])
	assert.False(t, ids["far"])

	// expansion respects the caller's own section filter
	got, err = r.Retrieve(context.Background(), Query{
		Text:     "q",
		TenantID: "t1",
		Section:  &SectionFilter{Mode: SectionAny, Segments: []string{"table_2"}},
	})
	require.NoError(t, err)
	for _, c := range got {
		assert.Contains(t, c.SectionPath, "table_2")
	}
}

func TestIsTransientRetrievalError(t *testing.T) {
	assert.True(t, isTransientRetrievalError(context.DeadlineExceeded))
	assert.True(t, isTransientRetrievalError(&QdrantError{StatusCode: 502}))
	assert.False(t, isTransientRetrievalError(&QdrantError{StatusCode: 404}))
	assert.False(t, isTransientRetrievalError(errors.New("bad")))
}
