package client

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrBatchTooLarge is returned when a batch exceeds MaxBatchSize.
	// It is raised before any network call is made.
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")

	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// nonRetryableStatuses are client-fault HTTP statuses that are never
// retried: retrying them wastes calls and risks upstream abuse defenses.
var nonRetryableStatuses = map[int]bool{
	400: true,
	401: true,
	403: true,
	404: true,
}

// APIError represents an upstream OneKey API failure.
type APIError struct {
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("onekey api error (status %d): %s", e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("onekey api error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("onekey api error: %s", e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// statusError builds an APIError for a non-2xx response, marking the
// fixed client-error set as non-retryable.
func statusError(statusCode int, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Message:    message,
		Retryable:  !nonRetryableStatuses[statusCode],
	}
}

// networkError builds a retryable APIError for a transport-level failure.
func networkError(message string, err error) *APIError {
	return &APIError{
		Message:   message,
		Retryable: true,
		Err:       err,
	}
}

// isRetryable reports whether an error may be retried. APIErrors carry an
// explicit flag; anything else (credential failures, validation, context
// errors) surfaces to the caller immediately.
func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return false
}
