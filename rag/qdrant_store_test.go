package rag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeQdrant struct {
	t *testing.T

	mu          sync.Mutex
	searches    []map[string]any
	upserts     []map[string]any
	indexFields []string

	createCalls atomic.Int64
	results     string
	status      int
	failTimes   atomic.Int64
}

func newFakeQdrant(t *testing.T, results string) (*fakeQdrant, *httptest.Server) {
	t.Helper()
	f := &fakeQdrant{t: t, results: results, status: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("/collections/chunks", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		f.createCalls.Add(1)
		_, _ = w.Write([]byte(`{"status":"ok","result":true}`))
	})
	mux.HandleFunc("/collections/chunks/index", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			FieldName string `json:"field_name"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.indexFields = append(f.indexFields, req.FieldName)
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"status":"ok","result":{}}`))
	})
	mux.HandleFunc("/collections/chunks/points", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Contains(t, r.URL.RawQuery, "wait=true")
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.upserts = append(f.upserts, req)
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"status":"ok","result":{"operation_id":1}}`))
	})
	mux.HandleFunc("/collections/chunks/points/search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		if f.failTimes.Load() > 0 {
			f.failTimes.Add(-1)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":{"error":"unavailable"}}`))
			return
		}
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.searches = append(f.searches, req)
		f.mu.Unlock()
		if f.status != http.StatusOK {
			w.WriteHeader(f.status)
			_, _ = w.Write([]byte(`{"status":{"error":"bad request"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok","result":` + f.results + `}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeQdrant) lastSearch() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(f.t, f.searches)
	return f.searches[len(f.searches)-1]
}

// mustConditions returns the filter.must array of a recorded search request.
func mustConditions(t *testing.T, req map[string]any) []any {
	t.Helper()
	filter, ok := req["filter"].(map[string]any)
	require.True(t, ok, "filter missing")
	must, ok := filter["must"].([]any)
	require.True(t, ok, "filter.must missing")
	return must
}

func conditionKeys(must []any) []string {
	var keys []string
	for _, c := range must {
		m := c.(map[string]any)
		if k, ok := m["key"].(string); ok {
			keys = append(keys, k)
		}
	}
	return keys
}

const q3Results = `[
	{"id":"a","score":0.91,"payload":{"tenant":"t1","doc_id":"report-2023","chunk_id":"c1","section_path":["block_9","table_2"],"content":"Q3 revenue was $125.3 million."}},
	{"id":"b","score":0.80,"payload":{"tenant":"t1","doc_id":"report-2023","chunk_id":"c2","section_path":["block_90"],"content":"Unrelated block."}},
	{"id":"c","score":0.75,"payload":{"tenant":"t1","doc_id":"report-2023","chunk_id":"c3","section_path":["block_9","notes"],"content":"Notes."}}
]`

func TestQdrantStore_SearchBuildsFilter(t *testing.T) {
	f, srv := newFakeQdrant(t, q3Results)
	store := NewQdrantStore(QdrantConfig{BaseURL: srv.URL, Collection: "chunks"}, zap.NewNop())

	filter := Filter{
		TenantID:    "t1",
		DocumentIDs: []string{"report-2023"},
		GroupIDs:    []string{"finance"},
		Section:     &SectionFilter{Mode: SectionAny, Segments: []string{"table_2"}},
	}
	got, err := store.Search(context.Background(), []float64{0.1, 0.2}, filter, 5)
	require.NoError(t, err)

	// only c1 contains the table_2 segment
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ChunkID)
	assert.Equal(t, "report-2023", got[0].DocumentID)
	assert.Equal(t, SectionPath{"block_9", "table_2"}, got[0].SectionPath)
	assert.InDelta(t, 0.91, got[0].Score, 1e-9)
	assert.Equal(t, "t1", got[0].TenantID)

	req := f.lastSearch()
	assert.Equal(t, float64(5), req["limit"])
	assert.Equal(t, true, req["with_payload"])

	must := mustConditions(t, req)
	assert.ElementsMatch(t, []string{"tenant", "doc_id", "section_path"}, conditionKeys(must))

	var sawShould bool
	for _, c := range must {
		if should, ok := c.(map[string]any)["should"].([]any); ok {
			sawShould = true
			assert.Len(t, should, 2)
		}
	}
	assert.True(t, sawShould, "groups clause should admit shared or empty groups")
}

func TestQdrantStore_NoGroupsOnlySeesUnrestricted(t *testing.T) {
	f, srv := newFakeQdrant(t, `[]`)
	store := NewQdrantStore(QdrantConfig{BaseURL: srv.URL, Collection: "chunks"}, zap.NewNop())

	_, err := store.Search(context.Background(), []float64{1}, Filter{TenantID: "t1"}, 3)
	require.NoError(t, err)

	must := mustConditions(t, f.lastSearch())
	require.Len(t, must, 2)
	isEmpty, ok := must[1].(map[string]any)["is_empty"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "groups", isEmpty["key"])
}

func TestQdrantStore_PrefixStrategies(t *testing.T) {
	tests := []struct {
		name        string
		strategy    string
		wantKey     string
		wantLimit   float64
		wantMatchOp string
	}{
		{name: "keyword", strategy: PrefixKeyword, wantKey: "section_prefixes", wantLimit: 2, wantMatchOp: "value"},
		{name: "text", strategy: PrefixText, wantKey: "section_path_text", wantLimit: 8, wantMatchOp: "text"},
		{name: "client", strategy: PrefixClient, wantLimit: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, srv := newFakeQdrant(t, q3Results)
			store := NewQdrantStore(QdrantConfig{
				BaseURL:        srv.URL,
				Collection:     "chunks",
				PrefixStrategy: tt.strategy,
				OverFetch:      4,
			}, zap.NewNop())

			filter := Filter{
				TenantID: "t1",
				Section:  &SectionFilter{Mode: SectionPrefix, Segments: []string{"block_9"}},
			}
			got, err := store.Search(context.Background(), []float64{1}, filter, 2)
			require.NoError(t, err)

			// block_90 never matches the block_9 prefix
			ids := []string{}
			for _, c := range got {
				ids = append(ids, c.ChunkID)
			}
			assert.Equal(t, []string{"c1", "c3"}, ids)

			req := f.lastSearch()
			assert.Equal(t, tt.wantLimit, req["limit"])

			must := mustConditions(t, req)
			if tt.wantKey == "" {
				assert.NotContains(t, conditionKeys(must), "section_prefixes")
				assert.NotContains(t, conditionKeys(must), "section_path_text")
				return
			}
			for _, c := range must {
				m := c.(map[string]any)
				if m["key"] == tt.wantKey {
					match := m["match"].(map[string]any)
					assert.Equal(t, "block_9", match[tt.wantMatchOp])
					return
				}
			}
			t.Fatalf("no condition on %s", tt.wantKey)
		})
	}
}

func TestQdrantStore_RejectsForeignTenantPayload(t *testing.T) {
	_, srv := newFakeQdrant(t, `[
		{"id":"x","score":0.99,"payload":{"tenant":"t2","doc_id":"d","chunk_id":"x1","content":"secret"}},
		{"id":"y","score":0.50,"payload":{"tenant":"t1","doc_id":"d","chunk_id":"y1","content":"ok"}}
	]`)
	store := NewQdrantStore(QdrantConfig{BaseURL: srv.URL, Collection: "chunks"}, zap.NewNop())

	got, err := store.Search(context.Background(), []float64{1}, Filter{TenantID: "t1"}, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "y1", got[0].ChunkID)
}

func TestQdrantStore_Upsert(t *testing.T) {
	f, srv := newFakeQdrant(t, `[]`)
	store := NewQdrantStore(QdrantConfig{BaseURL: srv.URL, Collection: "chunks", APIKey: "k"}, zap.NewNop())

	chunks := []StoredChunk{
		{ChunkID: "c1", DocumentID: "d1", TenantID: "t1", SectionPath: SectionPath{"a", "b"}, Text: "one", Embedding: []float64{1, 0}},
		{ChunkID: "c2", DocumentID: "d1", TenantID: "t1", Groups: []string{"hr"}, Text: "two", Embedding: []float64{0, 1}},
	}
	require.NoError(t, store.Upsert(context.Background(), chunks...))
	require.NoError(t, store.Upsert(context.Background(), chunks[:1]...))

	assert.Equal(t, int64(1), f.createCalls.Load(), "collection is created once")
	assert.Contains(t, f.indexFields, "tenant")
	assert.Contains(t, f.indexFields, "section_prefixes")

	require.Len(t, f.upserts, 2)
	points := f.upserts[0]["points"].([]any)
	require.Len(t, points, 2)

	p0 := points[0].(map[string]any)
	assert.Equal(t, qdrantPointID("c1"), p0["id"])
	payload := p0["payload"].(map[string]any)
	assert.Equal(t, "t1", payload["tenant"])
	assert.Equal(t, "a/b", payload["section_path_text"])
	assert.Equal(t, []any{"a", "a/b"}, payload["section_prefixes"])
	assert.Equal(t, []any{}, payload["groups"])
}

func TestQdrantStore_EnsureCollectionRetriesAfterFailure(t *testing.T) {
	var creates atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/collections/chunks":
			if creates.Add(1) == 1 {
				http.Error(w, `{"status":{"error":"unavailable"}}`, http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"status":"ok","result":true}`))
		default:
			_, _ = w.Write([]byte(`{"status":"ok","result":true}`))
		}
	}))
	t.Cleanup(srv.Close)

	store := NewQdrantStore(QdrantConfig{BaseURL: srv.URL, Collection: "chunks"}, zap.NewNop())
	chunk := StoredChunk{ChunkID: "c1", DocumentID: "d1", TenantID: "t1", Text: "one", Embedding: []float64{1, 0}}

	err := store.Upsert(context.Background(), chunk)
	var qe *QdrantError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, http.StatusServiceUnavailable, qe.StatusCode)

	require.NoError(t, store.Upsert(context.Background(), chunk))
	require.NoError(t, store.Upsert(context.Background(), chunk))
	assert.Equal(t, int64(2), creates.Load(), "setup retried once, then remembered")
}

func TestQdrantStore_UpsertValidation(t *testing.T) {
	store := NewQdrantStore(QdrantConfig{BaseURL: "http://127.0.0.1:1", Collection: "chunks"}, zap.NewNop())

	err := store.Upsert(context.Background(), StoredChunk{ChunkID: "c1", Embedding: []float64{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant")

	err = store.Upsert(context.Background(),
		StoredChunk{ChunkID: "c1", TenantID: "t", Embedding: []float64{1, 2}},
		StoredChunk{ChunkID: "c2", TenantID: "t", Embedding: []float64{1}},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension mismatch")
}

func TestQdrantStore_HTTPError(t *testing.T) {
	f, srv := newFakeQdrant(t, `[]`)
	f.status = http.StatusBadRequest
	store := NewQdrantStore(QdrantConfig{BaseURL: srv.URL, Collection: "chunks"}, zap.NewNop())

	_, err := store.Search(context.Background(), []float64{1}, Filter{TenantID: "t1"}, 3)
	require.Error(t, err)

	var qe *QdrantError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, http.StatusBadRequest, qe.StatusCode)
	assert.False(t, qe.Transient())
	assert.True(t, strings.Contains(qe.Body, "bad request"))
}

func TestQdrantStore_SearchValidation(t *testing.T) {
	store := NewQdrantStore(QdrantConfig{BaseURL: "http://127.0.0.1:1", Collection: "chunks"}, zap.NewNop())

	got, err := store.Search(context.Background(), []float64{1}, Filter{TenantID: "t1"}, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = store.Search(context.Background(), []float64{1}, Filter{}, 3)
	assert.Error(t, err)

	_, err = store.Search(context.Background(), nil, Filter{TenantID: "t1"}, 3)
	assert.Error(t, err)
}

func TestQdrantError_Transient(t *testing.T) {
	assert.True(t, (&QdrantError{StatusCode: 0}).Transient())
	assert.True(t, (&QdrantError{StatusCode: 429}).Transient())
	assert.True(t, (&QdrantError{StatusCode: 503}).Transient())
	assert.False(t, (&QdrantError{StatusCode: 404}).Transient())
}

func TestQdrantPointID_Stable(t *testing.T) {
	assert.Equal(t, qdrantPointID("chunk-1"), qdrantPointID("chunk-1"))
	assert.NotEqual(t, qdrantPointID("chunk-1"), qdrantPointID("chunk-2"))
}

func TestQdrantStore_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "secret", r.Header.Get("api-key"))
		if r.URL.Path == "/collections/chunks" {
			_, _ = w.Write([]byte(`{"status":"ok","result":{"status":"green"}}`))
			return
		}
		http.Error(w, `{"status":{"error":"Not found"}}`, http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	store := NewQdrantStore(QdrantConfig{BaseURL: srv.URL, APIKey: "secret", Collection: "chunks"}, zap.NewNop())
	require.NoError(t, store.Ping(context.Background()))

	missing := NewQdrantStore(QdrantConfig{BaseURL: srv.URL, APIKey: "secret", Collection: "other"}, zap.NewNop())
	err := missing.Ping(context.Background())
	var qe *QdrantError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, http.StatusNotFound, qe.StatusCode)
}
