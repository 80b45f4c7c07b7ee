package rag

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/citerag/llm"
)

func newEmbeddingServer(t *testing.T, handler http.HandlerFunc) *OpenAIEmbedder {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIEmbedder(OpenAIEmbedderConfig{
		APIKey:     "test-key",
		BaseURL:    srv.URL + "/v1/",
		Model:      "text-embedding-3-small",
		Dimensions: 3,
	}, zap.NewNop())
}

func TestOpenAIEmbedder_Embed(t *testing.T) {
	var got map[string]any
	e := newEmbeddingServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		// indexes arrive out of order on purpose
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"object": "list",
			"model": "text-embedding-3-small",
			"data": [
				{"object": "embedding", "index": 1, "embedding": [0, 1, 0]},
				{"object": "embedding", "index": 0, "embedding": [1, 0, 0]}
			],
			"usage": {"prompt_tokens": 4, "total_tokens": 4}
		}`))
	})

	vectors, err := e.Embed(context.Background(), []string{"revenue", "costs"})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 0, 0}, {0, 1, 0}}, vectors)

	assert.Equal(t, "text-embedding-3-small", got["model"])
	assert.EqualValues(t, 3, got["dimensions"])
	assert.Equal(t, []any{"revenue", "costs"}, got["input"])
}

func TestOpenAIEmbedder_EmptyInput(t *testing.T) {
	e := newEmbeddingServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Fail(t, "no request expected for empty input")
	})

	vectors, err := e.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestOpenAIEmbedder_CountMismatch(t *testing.T) {
	e := newEmbeddingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[1]}]}`))
	})

	_, err := e.Embed(context.Background(), []string{"a", "b"})
	require.ErrorContains(t, err, "1 vectors for 2 inputs")
}

func TestOpenAIEmbedder_APIError(t *testing.T) {
	e := newEmbeddingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key","type":"invalid_request_error"}}`))
	})

	_, err := e.Embed(context.Background(), []string{"a"})
	require.Error(t, err)

	var llmErr *llm.Error
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, llm.ErrUnauthorized, llmErr.Code)
	assert.Equal(t, "embedding", llmErr.Provider)
	assert.False(t, llmErr.Retryable)
}

func TestFloat32ToFloat64(t *testing.T) {
	assert.Nil(t, Float32ToFloat64(nil))
	assert.Equal(t, []float64{0.5, -1}, Float32ToFloat64([]float32{0.5, -1}))
}
