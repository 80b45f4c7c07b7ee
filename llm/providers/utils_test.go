package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/citerag/llm"
	"github.com/BaSui01/citerag/testutil/mocks"
)

func TestChooseModel_Priority(t *testing.T) {
	tests := []struct {
		name          string
		req           *llm.ChatRequest
		configModel   string
		fallback      string
		expectedModel string
	}{
		{"request wins", &llm.ChatRequest{Model: "request-model"}, "config-model", "fallback", "request-model"},
		{"config when request empty", &llm.ChatRequest{}, "config-model", "fallback", "config-model"},
		{"fallback when both empty", &llm.ChatRequest{}, "", "fallback", "fallback"},
		{"nil request", nil, "", "fallback", "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedModel, ChooseModel(tt.req, tt.configModel, tt.fallback))
		})
	}
}

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		status    int
		msg       string
		code      llm.ErrorCode
		retryable bool
	}{
		{http.StatusUnauthorized, "bad key", llm.ErrUnauthorized, false},
		{http.StatusForbidden, "nope", llm.ErrForbidden, false},
		{http.StatusTooManyRequests, "slow down", llm.ErrRateLimited, true},
		{http.StatusBadRequest, "monthly quota exceeded", llm.ErrQuotaExceeded, false},
		{http.StatusBadRequest, "messages must not be empty", llm.ErrInvalidRequest, false},
		{http.StatusGatewayTimeout, "timeout", llm.ErrUpstreamTimeout, true},
		{http.StatusBadGateway, "bad gateway", llm.ErrUpstreamError, true},
		{http.StatusServiceUnavailable, "unavailable", llm.ErrUpstreamError, true},
		{529, "overloaded", llm.ErrModelOverloaded, true},
		{http.StatusInternalServerError, "boom", llm.ErrUpstreamError, true},
		{http.StatusNotFound, "no such model", llm.ErrUpstreamError, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%s", tt.status, tt.code), func(t *testing.T) {
			e := MapHTTPError(tt.status, tt.msg, "test")
			assert.Equal(t, tt.code, e.Code)
			assert.Equal(t, tt.retryable, e.Retryable)
			assert.Equal(t, tt.status, e.HTTPStatus)
			assert.Equal(t, "test", e.Provider)
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestMapTransportError(t *testing.T) {
	e := MapTransportError(fmt.Errorf("post: %w", context.DeadlineExceeded), "p")
	assert.Equal(t, llm.ErrUpstreamTimeout, e.Code)
	assert.True(t, e.Retryable)

	e = MapTransportError(timeoutErr{}, "p")
	assert.Equal(t, llm.ErrUpstreamTimeout, e.Code)

	e = MapTransportError(fmt.Errorf("post: %w", context.Canceled), "p")
	assert.False(t, e.Retryable)

	e = MapTransportError(errors.New("connection refused"), "p")
	assert.Equal(t, llm.ErrProviderUnavailable, e.Code)
	assert.True(t, e.Retryable)
}

func TestReadErrorMessage(t *testing.T) {
	assert.Equal(t, "invalid model (type: invalid_request_error)",
		ReadErrorMessage(strings.NewReader(`{"error":{"message":"invalid model","type":"invalid_request_error"}}`)))
	assert.Equal(t, "Overloaded (type: overloaded_error)",
		ReadErrorMessage(strings.NewReader(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)))
	assert.Equal(t, "upstream connect error", ReadErrorMessage(strings.NewReader("upstream connect error\n")))
}

func TestBearerTokenHeaders(t *testing.T) {
	r, _ := http.NewRequest(http.MethodPost, "http://x", nil)
	BearerTokenHeaders(r, "")
	assert.Empty(t, r.Header.Get("Authorization"))

	BearerTokenHeaders(r, "k")
	assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
	assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryableProvider_RetriesTransientOnce(t *testing.T) {
	calls := 0
	inner := mocks.NewMockProvider().WithCompletionFunc(func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		calls++
		if calls == 1 {
			return nil, &llm.Error{Code: llm.ErrUpstreamError, Retryable: true, Message: "502"}
		}
		return &llm.ChatResponse{Choices: []llm.ChatChoice{{Message: llm.Message{Content: "ok"}}}}, nil
	})

	p := NewRetryableProvider(inner, fastRetry(), zaptest.NewLogger(t))
	resp, err := p.Completion(context.Background(), &llm.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Choices[0].Message.Content)
	assert.Equal(t, 2, calls)
}

func TestRetryableProvider_DoesNotRetryRateLimit(t *testing.T) {
	inner := mocks.NewMockProvider().WithError(&llm.Error{Code: llm.ErrRateLimited, Retryable: true, Message: "429"})

	p := NewRetryableProvider(inner, fastRetry(), nil)
	_, err := p.Completion(context.Background(), &llm.ChatRequest{})
	require.Error(t, err)

	e, ok := llm.AsError(err)
	require.True(t, ok)
	assert.Equal(t, llm.ErrRateLimited, e.Code)
	assert.Equal(t, 1, inner.CompletionCount())
}

func TestRetryableProvider_GivesUpAfterMaxRetries(t *testing.T) {
	inner := mocks.NewMockProvider().WithError(&llm.Error{Code: llm.ErrUpstreamTimeout, Retryable: true, Message: "timeout"})

	p := NewRetryableProvider(inner, fastRetry(), nil)
	_, err := p.Completion(context.Background(), &llm.ChatRequest{})
	require.Error(t, err)
	e, ok := llm.AsError(err)
	require.True(t, ok)
	assert.Equal(t, llm.ErrUpstreamTimeout, e.Code)
	assert.Equal(t, 2, inner.CompletionCount())
}

func TestRetryableProvider_StreamRetriesConnectionOnly(t *testing.T) {
	attempts := 0
	inner := mocks.NewMockProvider().WithStreamFunc(func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
		attempts++
		if attempts == 1 {
			return nil, &llm.Error{Code: llm.ErrProviderUnavailable, Retryable: true, Message: "refused"}
		}
		ch := make(chan llm.StreamChunk, 2)
		ch <- llm.StreamChunk{Delta: llm.Message{Content: "a"}}
		ch <- llm.StreamChunk{Err: &llm.Error{Code: llm.ErrUpstreamError, Retryable: true}}
		close(ch)
		return ch, nil
	})

	p := NewRetryableProvider(inner, fastRetry(), nil)
	ch, err := p.Stream(context.Background(), &llm.ChatRequest{})
	require.NoError(t, err)

	var chunks []llm.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 2)
	assert.NotNil(t, chunks[1].Err)
	assert.Equal(t, 2, attempts, "mid-stream errors are not retried")
	assert.True(t, p.SupportsStreaming())
	assert.Equal(t, "mock", p.Name())
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&llm.Error{Code: llm.ErrUpstreamTimeout, Retryable: true}))
	assert.True(t, IsTransient(&llm.Error{Code: llm.ErrModelOverloaded, Retryable: true}))
	assert.False(t, IsTransient(&llm.Error{Code: llm.ErrRateLimited, Retryable: true}))
	assert.False(t, IsTransient(&llm.Error{Code: llm.ErrUpstreamError, Retryable: false}))
	assert.False(t, IsTransient(errors.New("plain")))
}
