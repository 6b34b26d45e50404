package fetchkit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind discriminates the failure classes a request can settle with.
type ErrorKind string

const (
	// KindNetwork means no response was received (connection or DNS failure).
	KindNetwork ErrorKind = "Network"
	// KindTimeout means a per-attempt or overall deadline expired.
	KindTimeout ErrorKind = "Timeout"
	// KindHTTPStatus means a response arrived with a status outside the
	// request's expected set.
	KindHTTPStatus ErrorKind = "HTTPStatus"
	// KindCanceled means the caller canceled the request.
	KindCanceled ErrorKind = "Canceled"
	// KindDecode means the body of an otherwise successful response could
	// not be converted to the requested shape.
	KindDecode ErrorKind = "Decode"
	// KindValidation means the request or client configuration was invalid.
	KindValidation ErrorKind = "Validation"
	// KindRateLimit means the local rate limiter denied dispatch.
	KindRateLimit ErrorKind = "RateLimit"
	// KindCircuitOpen means the circuit breaker rejected dispatch.
	KindCircuitOpen ErrorKind = "CircuitOpen"
)

// Sentinel errors for common failure scenarios
var (
	// ErrCircuitOpen is returned when the circuit breaker is in open state
	ErrCircuitOpen = errors.New("fetchkit: circuit open")

	// ErrRateLimited is returned when a request is denied due to rate limiting
	ErrRateLimited = errors.New("fetchkit: rate limited")

	// ErrRetryBudgetExceeded is returned when the retry budget is exhausted
	ErrRetryBudgetExceeded = errors.New("fetchkit: retry budget exceeded")
)

// RequestError is the normalized failure a request settles with. It is
// created once per failed attempt by the classifier and carries the
// caller-supplied provenance (Area/Action) so downstream consumers can
// log or display origin without the client needing domain knowledge.
type RequestError struct {
	Kind       ErrorKind
	Message    string
	Cause      error
	StatusCode int
	Area       string
	Action     string
	RequestID  string
	Method     string
	URL        string
	Attempt    int
	MaxRetries int
	Timestamp  time.Time
	Duration   time.Duration
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.Area != "" || e.Action != "" {
		msg = fmt.Sprintf("%s/%s: %s", e.Area, e.Action, msg)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches on Kind, and additionally on StatusCode when the target
// specifies one, so errors.Is(err, &RequestError{Kind: KindHTTPStatus})
// matches any status failure.
func (e *RequestError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*RequestError)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	if t.StatusCode != 0 && e.StatusCode != t.StatusCode {
		return false
	}
	return true
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *RequestError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Kind: %s\n", e.Kind)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.Area != "" {
		info += fmt.Sprintf("Area: %s\n", e.Area)
	}
	if e.Action != "" {
		info += fmt.Sprintf("Action: %s\n", e.Action)
	}
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxRetries)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// IsTransient reports whether an error represents a failure that might
// succeed on retry: network faults, attempt timeouts, 5xx responses,
// 429 responses and local admission failures. Decode failures,
// cancellation and other 4xx statuses are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrRetryBudgetExceeded) {
		return true
	}

	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.Kind {
		case KindNetwork, KindTimeout, KindRateLimit, KindCircuitOpen:
			return true
		case KindHTTPStatus:
			return reqErr.StatusCode == 429 || reqErr.StatusCode >= 500
		default:
			return false
		}
	}

	return false
}

// classifyTransport maps a transport-level failure onto an error kind.
// Priority: caller cancellation, then overall deadline, then per-attempt
// timeout, then plain network failure. parent is the caller's context,
// overall carries the request's MaxTimeout deadline.
func classifyTransport(err error, parent, overall context.Context) (ErrorKind, string) {
	if parent.Err() == context.Canceled {
		return KindCanceled, "request canceled by caller"
	}
	if parent.Err() == context.DeadlineExceeded {
		return KindTimeout, "caller deadline exceeded"
	}
	if overall.Err() == context.DeadlineExceeded {
		return KindTimeout, "overall deadline exceeded"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, "attempt timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout, "attempt timed out"
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled, "request canceled"
	}
	return KindNetwork, "network request failed"
}
