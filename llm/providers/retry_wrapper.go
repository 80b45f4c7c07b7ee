package providers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/citerag/llm"
	"github.com/BaSui01/citerag/llm/retry"
)

// RetryConfig holds retry configuration for a provider wrapper.
type RetryConfig struct {
	MaxRetries   int           `json:"max_retries"`   // Maximum retry attempts
	InitialDelay time.Duration `json:"initial_delay"` // Initial backoff delay
	MaxDelay     time.Duration `json:"max_delay"`     // Maximum backoff delay
}

// DefaultRetryConfig retries once with a short backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   1,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
}

// RetryableProvider wraps an llm.Provider with exponential-backoff retry.
// Only timeouts and upstream 5xx are retried; rate limiting, auth and
// request errors are returned to the caller immediately.
type RetryableProvider struct {
	inner   llm.Provider
	retryer retry.Retryer
	logger  *zap.Logger
}

// NewRetryableProvider creates a retrying wrapper around the given provider.
func NewRetryableProvider(inner llm.Provider, cfg RetryConfig, logger *zap.Logger) *RetryableProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "retry_provider"), zap.String("provider", inner.Name()))
	return &RetryableProvider{
		inner: inner,
		retryer: retry.NewBackoffRetryer(&retry.RetryPolicy{
			MaxRetries:   cfg.MaxRetries,
			InitialDelay: cfg.InitialDelay,
			MaxDelay:     cfg.MaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
			ShouldRetry:  IsTransient,
			OnRetry: func(attempt int, err error, delay time.Duration) {
				logger.Warn("provider call failed, retrying",
					zap.Int("attempt", attempt),
					zap.Duration("delay", delay),
					zap.Error(err))
			},
		}, logger),
		logger: logger,
	}
}

// Compile-time interface check.
var _ llm.Provider = (*RetryableProvider)(nil)

func (p *RetryableProvider) Name() string            { return p.inner.Name() }
func (p *RetryableProvider) SupportsStreaming() bool { return p.inner.SupportsStreaming() }

// Completion performs a chat completion with retry on transient errors.
func (p *RetryableProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return retry.DoWithResultTyped[*llm.ChatResponse](p.retryer, ctx, func() (*llm.ChatResponse, error) {
		return p.inner.Completion(ctx, req)
	})
}

// Stream retries only the connection-establishment phase; once the channel
// is returned, mid-stream failures surface as StreamChunk.Err.
func (p *RetryableProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return retry.DoWithResultTyped[<-chan llm.StreamChunk](p.retryer, ctx, func() (<-chan llm.StreamChunk, error) {
		return p.inner.Stream(ctx, req)
	})
}

// IsTransient reports whether err is a timeout or upstream failure worth retrying.
func IsTransient(err error) bool {
	e, ok := llm.AsError(err)
	if !ok {
		return false
	}
	switch e.Code {
	case llm.ErrUpstreamTimeout, llm.ErrUpstreamError, llm.ErrModelOverloaded, llm.ErrProviderUnavailable:
		return e.Retryable
	default:
		return false
	}
}
