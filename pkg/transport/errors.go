package transport

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Transport errors
var (
	// ErrUpstreamUnavailable classifies failures that may succeed later:
	// exhausted retries and open circuits.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrCircuitOpen is returned when a host's circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrRejected classifies 3xx/4xx responses
	ErrRejected = errors.New("upstream rejected request")
	// ErrHostNotAllowed is returned for hosts outside the allow-list
	ErrHostNotAllowed = errors.New("host not allowed")
	// ErrResponseTooLarge classifies bodies over the configured limit
	ErrResponseTooLarge = errors.New("upstream response too large")
)

// ResponseTooLargeError reports a reply whose body exceeded Limit. The
// request reached the upstream, so its outcome is unknown and it is not
// retried.
type ResponseTooLargeError struct {
	StatusCode int
	Limit      int64
}

func (e *ResponseTooLargeError) Error() string {
	return fmt.Sprintf("upstream response too large: status %d: body exceeds %d bytes", e.StatusCode, e.Limit)
}

func (e *ResponseTooLargeError) Is(target error) bool {
	return target == ErrResponseTooLarge
}

// ReceiptError is a non-retryable rejection by the upstream service.
type ReceiptError struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *ReceiptError) Error() string {
	return fmt.Sprintf("upstream rejected request: status %d: %s", e.StatusCode, snippet(e.Body))
}

func (e *ReceiptError) Is(target error) bool {
	return target == ErrRejected
}

// UpstreamError is a 5xx reply. It is retried and counted by the breaker.
type UpstreamError struct {
	StatusCode int
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error: status %d: %s", e.StatusCode, snippet(e.Body))
}

// CircuitOpenError reports a call refused without network I/O.
type CircuitOpenError struct {
	Host  string
	Until time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s until %s", e.Host, e.Until.UTC().Format(time.RFC3339))
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RetryableError is returned once retries are exhausted or the breaker
// refuses an attempt. Err is the last underlying failure, unmodified.
type RetryableError struct {
	Attempts int
	Err      error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("upstream unavailable after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func (e *RetryableError) Is(target error) bool {
	return target == ErrUpstreamUnavailable
}

func snippet(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
