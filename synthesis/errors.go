package synthesis

import (
	"context"
	"errors"
	"net/http"

	"github.com/BaSui01/citerag/llm"
	"github.com/BaSui01/citerag/types"
)

// MapError converts a provider or context error into a synthesis error.
// A nil error maps to nil.
func MapError(err error, provider string) *types.Error {
	if err == nil {
		return nil
	}
	if e, ok := types.AsError(err); ok && types.IsSynthesisError(e) {
		return e
	}

	if le, ok := llm.AsError(err); ok {
		if provider == "" {
			provider = le.Provider
		}
		code, status := mapLLMCode(le.Code)
		return types.NewError(code, le.Message).
			WithCause(err).
			WithHTTPStatus(status).
			WithRetryable(le.Retryable).
			WithProvider(provider)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewError(types.ErrSynthesisTimeout, "synthesis timed out").
			WithCause(err).WithHTTPStatus(http.StatusGatewayTimeout).WithRetryable(true).WithProvider(provider)
	case errors.Is(err, context.Canceled):
		return types.NewError(types.ErrSynthesisFailed, "synthesis canceled").
			WithCause(err).WithHTTPStatus(499).WithProvider(provider)
	default:
		return types.NewError(types.ErrSynthesisFailed, "synthesis failed").
			WithCause(err).WithHTTPStatus(http.StatusBadGateway).WithProvider(provider)
	}
}

func mapLLMCode(code llm.ErrorCode) (types.ErrorCode, int) {
	switch code {
	case llm.ErrUpstreamTimeout:
		return types.ErrSynthesisTimeout, http.StatusGatewayTimeout
	case llm.ErrRateLimited, llm.ErrQuotaExceeded:
		return types.ErrSynthesisRateLimited, http.StatusTooManyRequests
	case llm.ErrMalformedResponse:
		return types.ErrSynthesisMalformedResponse, http.StatusBadGateway
	case llm.ErrProviderUnavailable, llm.ErrModelOverloaded, llm.ErrUnauthorized, llm.ErrForbidden:
		return types.ErrSynthesisUnavailable, http.StatusServiceUnavailable
	default:
		return types.ErrSynthesisFailed, http.StatusBadGateway
	}
}

func idleTimeoutError(provider string) *types.Error {
	return types.NewError(types.ErrSynthesisTimeout, "no stream output within idle timeout").
		WithHTTPStatus(http.StatusGatewayTimeout).
		WithRetryable(true).
		WithProvider(provider)
}
