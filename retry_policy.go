package fetchkit

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rulereel/fetchkit/internal/backoff"
)

// RetryPolicy decides whether a failed attempt should be retried and
// after how long. The orchestrator enforces the per-request attempt
// budget and terminal kinds (Canceled, overall-deadline Timeout) before
// consulting the policy.
type RetryPolicy interface {
	// ShouldRetry reports whether the classified failure of the given
	// 0-based attempt is retryable and the delay before the next
	// attempt. resp is non-nil when a response was received.
	ShouldRetry(resp *Response, err *RequestError, attempt int) (time.Duration, bool)
}

// DefaultRetryPolicy retries transient failures (network faults,
// attempt timeouts, 5xx and 429 statuses) with exponential backoff,
// honoring Retry-After on 429/503 responses. Decode failures and other
// unexpected statuses are terminal on first occurrence.
type DefaultRetryPolicy struct {
	base     time.Duration
	cap      time.Duration
	strategy backoff.Strategy
}

// NewDefaultRetryPolicy creates the default policy. A nil strategy uses
// exponential jitter seeded from the clock.
func NewDefaultRetryPolicy(base, cap time.Duration, strategy backoff.Strategy) *DefaultRetryPolicy {
	if strategy == nil {
		strategy = backoff.NewExponentialJitter(nil)
	}
	return &DefaultRetryPolicy{
		base:     base,
		cap:      cap,
		strategy: strategy,
	}
}

// ShouldRetry implements RetryPolicy.
func (p *DefaultRetryPolicy) ShouldRetry(resp *Response, err *RequestError, attempt int) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}

	switch err.Kind {
	case KindNetwork, KindTimeout:
	case KindHTTPStatus:
		if err.StatusCode != http.StatusTooManyRequests && err.StatusCode < 500 {
			return 0, false
		}
	default:
		return 0, false
	}

	if resp != nil && resp.Header != nil {
		if delay := parseRetryAfter(resp.Header.Get("Retry-After")); delay > 0 {
			return delay, true
		}
	}

	return p.strategy.Delay(attempt, p.base, p.cap), true
}

// withBackoff returns a copy of the policy using per-request backoff
// overrides, keeping the shared jitter source.
func (p *DefaultRetryPolicy) withBackoff(base, cap time.Duration) *DefaultRetryPolicy {
	clone := *p
	if base > 0 {
		clone.base = base
	}
	if cap > 0 {
		clone.cap = cap
	}
	return &clone
}

// parseRetryAfter parses a Retry-After header value. It supports both
// delay-seconds and HTTP-date formats, capped at one hour.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > time.Hour {
				delay = time.Hour
			}
			return delay
		}
		return 0
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}

// RetryBudget caps the total number of retries a client may issue per
// sliding window, protecting upstreams from retry storms when several
// call sites degrade at once.
type RetryBudget struct {
	mu          sync.Mutex
	maxRetries  int
	perWindow   time.Duration
	current     int
	windowStart time.Time
	clock       clockwork.Clock
}

// NewRetryBudget creates a budget of maxRetries per window.
func NewRetryBudget(maxRetries int, perWindow time.Duration) *RetryBudget {
	return &RetryBudget{
		maxRetries: maxRetries,
		perWindow:  perWindow,
		clock:      clockwork.NewRealClock(),
	}
}

// Allow consumes one retry from the budget, reporting whether the retry
// may proceed.
func (rb *RetryBudget) Allow() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	now := rb.clock.Now()
	if rb.windowStart.IsZero() || now.Sub(rb.windowStart) >= rb.perWindow {
		rb.windowStart = now
		rb.current = 0
	}

	if rb.current >= rb.maxRetries {
		return false
	}
	rb.current++
	return true
}

// Stats returns the consumed count, the cap and the current window start.
func (rb *RetryBudget) Stats() (current, max int, windowStart time.Time) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.current, rb.maxRetries, rb.windowStart
}
