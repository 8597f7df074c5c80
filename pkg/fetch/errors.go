package fetch

import (
	"errors"
	"fmt"
)

// Common errors returned by the pipeline.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrNotJSON is returned by FetchJSON when the response body is not
	// valid JSON.
	ErrNotJSON = errors.New("response body is not JSON")
)

// ErrorClass represents a classification of fetch failures.
type ErrorClass string

const (
	// ErrorClassBlocked represents a detected soft-block (403/503 with a
	// challenge-page signature).
	ErrorClassBlocked ErrorClass = "blocked"

	// ErrorClassClient represents definitive 4xx client errors (excluding 429).
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network and timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// Error is a classified fetch failure with the underlying cause.
type Error struct {
	Status  int
	Class   ErrorClass
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s error (status %d): %s: %v",
			e.Class, e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("fetch %s error (status %d): %s",
		e.Class, e.Status, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// classify categorizes an HTTP response for the retry loop. The detector
// decides whether a 403/503 body carries a soft-block signature.
func classify(status int, body []byte, detector BlockDetector) ErrorClass {
	switch {
	case (status == 403 || status == 503) && detector != nil && detector(status, body):
		return ErrorClassBlocked
	case status == 429:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassServer
	case status >= 400:
		return ErrorClassClient
	default:
		return ""
	}
}

// shouldRetry determines if an error class is transient.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassClient:
		// Definitive 4xx responses are returned to the caller as-is.
		return false
	case ErrorClassBlocked, ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}
