package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the service.
type ErrorCode string

// Request / transport error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrForbidden      ErrorCode = "FORBIDDEN"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
	ErrInternalError  ErrorCode = "INTERNAL_ERROR"
)

// Retrieval error codes. Both mean the vector store could not be queried,
// which is different from a successful query that found nothing.
const (
	ErrRetrievalFailed  ErrorCode = "RETRIEVAL_FAILED"
	ErrRetrievalTimeout ErrorCode = "RETRIEVAL_TIMEOUT"
)

// Synthesis error codes
const (
	ErrSynthesisFailed            ErrorCode = "SYNTHESIS_FAILED"
	ErrSynthesisTimeout           ErrorCode = "SYNTHESIS_TIMEOUT"
	ErrSynthesisRateLimited       ErrorCode = "SYNTHESIS_RATE_LIMITED"
	ErrSynthesisMalformedResponse ErrorCode = "SYNTHESIS_MALFORMED_RESPONSE"
	ErrSynthesisUnavailable       ErrorCode = "SYNTHESIS_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsRetrievalError reports whether err is a vector store failure.
func IsRetrievalError(err error) bool {
	switch GetErrorCode(err) {
	case ErrRetrievalFailed, ErrRetrievalTimeout:
		return true
	}
	return false
}

// IsSynthesisError reports whether err is an LLM provider failure.
func IsSynthesisError(err error) bool {
	switch GetErrorCode(err) {
	case ErrSynthesisFailed, ErrSynthesisTimeout, ErrSynthesisRateLimited,
		ErrSynthesisMalformedResponse, ErrSynthesisUnavailable:
		return true
	}
	return false
}
