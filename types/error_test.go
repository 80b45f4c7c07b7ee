package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrSynthesisUnavailable, "upstream failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true).
		WithProvider("openai")

	assert.Equal(t, ErrSynthesisUnavailable, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.True(t, errors.Is(err, root))
	assert.Contains(t, err.Error(), "SYNTHESIS_UNAVAILABLE")
	assert.Contains(t, err.Error(), "root")
}

func TestError_WrappedLookup(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrRetrievalTimeout, "qdrant timed out")
	wrapped := fmt.Errorf("answer query: %w", inner)

	assert.Equal(t, ErrRetrievalTimeout, GetErrorCode(wrapped))
	assert.True(t, IsRetrievalError(wrapped))
	assert.False(t, IsSynthesisError(wrapped))
}

func TestError_Classification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code      ErrorCode
		retrieval bool
		synthesis bool
	}{
		{ErrRetrievalFailed, true, false},
		{ErrRetrievalTimeout, true, false},
		{ErrSynthesisFailed, false, true},
		{ErrSynthesisTimeout, false, true},
		{ErrSynthesisRateLimited, false, true},
		{ErrSynthesisMalformedResponse, false, true},
		{ErrSynthesisUnavailable, false, true},
		{ErrInvalidRequest, false, false},
		{ErrInternalError, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := NewError(tt.code, "x")
			assert.Equal(t, tt.retrieval, IsRetrievalError(err))
			assert.Equal(t, tt.synthesis, IsSynthesisError(err))
		})
	}
}

func TestError_PlainErrors(t *testing.T) {
	t.Parallel()

	err := errors.New("plain")
	assert.Equal(t, ErrorCode(""), GetErrorCode(err))
	assert.False(t, IsRetryable(err))
	assert.False(t, IsRetrievalError(nil))
}
