package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/citerag/api"
	"github.com/BaSui01/citerag/api/handlers"
	"github.com/BaSui01/citerag/config"
	"github.com/BaSui01/citerag/internal/metrics"
	"github.com/BaSui01/citerag/orchestrator"
	"github.com/BaSui01/citerag/rag"
	"github.com/BaSui01/citerag/synthesis"
	"github.com/BaSui01/citerag/testutil/mocks"
	"github.com/BaSui01/citerag/types"
)

type seededRetriever struct {
	chunks []rag.EvidenceChunk
}

func (s seededRetriever) Retrieve(_ context.Context, q rag.Query) ([]rag.EvidenceChunk, error) {
	var out []rag.EvidenceChunk
	for _, c := range s.chunks {
		if c.TenantID == q.TenantID {
			out = append(out, c)
		}
	}
	return out, nil
}

// newTestServer 组装不监听端口的 Server，只用于测试路由与中间件
func newTestServer(t *testing.T, serverCfg config.ServerConfig) http.Handler {
	t.Helper()

	retriever := seededRetriever{chunks: []rag.EvidenceChunk{{
		ChunkID:     "c1",
		DocumentID:  "annual-report-2023",
		SectionPath: rag.SectionPath{"block_9", "table_2"},
		Text:        "Revenue for Q3 2023 was $125.3 million.",
		Score:       0.91,
		TenantID:    "acme",
	}}}
	provider := mocks.NewMockProvider().WithResponse("Q3 2023 revenue was $125.3 million [1].")
	synth := synthesis.NewClient(provider, rag.NewCitationBinder(nil), synthesis.Config{
		Model:             "test-model",
		StreamEnabled:     true,
		StreamIdleTimeout: time.Second,
	}, zap.NewNop())

	s := &Server{
		cfg:       &config.Config{Server: serverCfg},
		logger:    zap.NewNop(),
		collector: metrics.NewCollectorWithRegistry("citerag", prometheus.NewRegistry(), zap.NewNop()),
	}
	s.orchestrator = orchestrator.New(retriever, nil, nil, synth, orchestrator.Config{}, zap.NewNop(),
		orchestrator.WithMetrics(s.collector))
	s.healthHandler = handlers.NewHealthHandler(zap.NewNop(), time.Second)
	s.queryHandler = handlers.NewQueryHandler(s.orchestrator, zap.NewNop())

	h := s.routes()
	t.Cleanup(s.rateLimiterCancel)
	return h
}

func postQuery(t *testing.T, h http.Handler, token string, body api.QueryRequest) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_HealthSkipsAuth(t *testing.T) {
	h := newTestServer(t, config.ServerConfig{JWT: config.JWTConfig{Secret: testSecret}})

	for _, path := range []string{"/health", "/healthz", "/ready", "/version"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestServer_QueryRequiresToken(t *testing.T) {
	h := newTestServer(t, config.ServerConfig{JWT: config.JWTConfig{Secret: testSecret}})

	w := postQuery(t, h, "", api.QueryRequest{Query: "What was Q3 2023 revenue?"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, string(types.ErrUnauthorized), errorCode(t, w))
}

func TestServer_QueryTenantFromToken(t *testing.T) {
	h := newTestServer(t, config.ServerConfig{JWT: config.JWTConfig{Secret: testSecret}})
	token := signToken(t, jwt.MapClaims{"tenant_id": "acme", "user_id": "u1"})

	w := postQuery(t, h, token, api.QueryRequest{Query: "What was Q3 2023 revenue?"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Answer, "125.3 million")
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, "c1", resp.Citations[0].ChunkID)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestServer_QueryTenantMismatch(t *testing.T) {
	h := newTestServer(t, config.ServerConfig{JWT: config.JWTConfig{Secret: testSecret}})
	token := signToken(t, jwt.MapClaims{"tenant_id": "globex"})

	w := postQuery(t, h, token, api.QueryRequest{
		Query:       "What was Q3 2023 revenue?",
		UserContext: api.UserContext{TenantID: "acme"},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, string(types.ErrForbidden), errorCode(t, w))
}

func TestServer_NoAuthWithoutSecret(t *testing.T) {
	h := newTestServer(t, config.ServerConfig{})

	w := postQuery(t, h, "", api.QueryRequest{
		Query:       "What was Q3 2023 revenue?",
		UserContext: api.UserContext{TenantID: "acme"},
	})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestServer_RateLimitPerTenant(t *testing.T) {
	h := newTestServer(t, config.ServerConfig{
		RateLimitRPS:   1,
		RateLimitBurst: 1,
		JWT:            config.JWTConfig{Secret: testSecret},
	})
	acme := signToken(t, jwt.MapClaims{"tenant_id": "acme"})
	globex := signToken(t, jwt.MapClaims{"tenant_id": "globex"})
	body := api.QueryRequest{Query: "What was Q3 2023 revenue?"}

	assert.Equal(t, http.StatusOK, postQuery(t, h, acme, body).Code)
	limited := postQuery(t, h, acme, body)
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, string(types.ErrRateLimited), errorCode(t, limited))

	// globex has no evidence, so it gets the fallback answer rather than a 429
	w := postQuery(t, h, globex, body)
	require.Equal(t, http.StatusOK, w.Code)
	var resp api.QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, orchestrator.DefaultFallbackAnswer, resp.Answer)
}

func TestServer_MetricsOnMainPortWhenNoMetricsPort(t *testing.T) {
	h := newTestServer(t, config.ServerConfig{})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_AuditRoutesAbsentWithoutStore(t *testing.T) {
	h := newTestServer(t, config.ServerConfig{})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/queries?tenantId=acme", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
