package transport

import (
	"errors"
	"fmt"
)

// Common errors returned by the transport.
var (
	// ErrCancelled is returned when a request is aborted by CancelAll.
	ErrCancelled = errors.New("request cancelled")
)

// RequestError represents a failed endpoint fetch with additional context.
type RequestError struct {
	StatusCode int
	Message    string
	Detail     string
	Err        error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("request error (status %d): %s: %v",
			e.StatusCode, e.Message, e.Err)
	}
	if e.Detail != "" {
		return fmt.Sprintf("request error (status %d): %s: %s",
			e.StatusCode, e.Message, e.Detail)
	}
	return fmt.Sprintf("request error (status %d): %s",
		e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// IsStatus reports whether err is a RequestError with the given status code.
func IsStatus(err error, status int) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode == status
	}
	return false
}

// AsRequestError extracts a RequestError from err, wrapping plain errors
// (network failures and the like) into one with status code 0.
func AsRequestError(err error) *RequestError {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr
	}
	return &RequestError{
		Message: "transport failure",
		Err:     err,
	}
}
