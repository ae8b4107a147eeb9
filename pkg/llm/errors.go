package llm

import (
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// ErrorType categorizes LLM call failures.
type ErrorType string

const (
	ErrorTypeRateLimit   ErrorType = "rate_limit"
	ErrorTypeServer      ErrorType = "server"
	ErrorTypeAuth        ErrorType = "auth"
	ErrorTypeBadRequest  ErrorType = "bad_request"
	ErrorTypeUnavailable ErrorType = "unavailable"
	ErrorTypeUnknown     ErrorType = "unknown"
)

// Error wraps an LLM failure with its category and explicit retryability,
// consumed by the retry package through the RetryableError interface.
type Error struct {
	Type      ErrorType
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm %s error: %v", e.Type, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable implements retry.RetryableError.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// ClassifyError categorizes an error from the OpenAI-compatible API.
// Rate limits and server-side failures are retryable; auth and request
// shape errors are permanent.
func ClassifyError(err error) *Error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return &Error{Type: ErrorTypeRateLimit, Retryable: true, Err: err}
		case apiErr.HTTPStatusCode >= 500:
			return &Error{Type: ErrorTypeServer, Retryable: true, Err: err}
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return &Error{Type: ErrorTypeAuth, Retryable: false, Err: err}
		case apiErr.HTTPStatusCode >= 400:
			return &Error{Type: ErrorTypeBadRequest, Retryable: false, Err: err}
		}
	}

	// Transport-level failures (connection refused, timeouts) are worth
	// retrying.
	return &Error{Type: ErrorTypeUnavailable, Retryable: true, Err: err}
}
