package fetchkit

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter gates request dispatch with a token bucket. A denied
// request fails fast with KindRateLimit instead of queueing, matching
// the UI's expectation that a stalled call surfaces promptly.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter allows rps requests per second with the given burst.
func NewRateLimiter(rps rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rps, burst)}
}

// Allow consumes one token, reporting whether dispatch may proceed.
func (rl *RateLimiter) Allow() bool {
	return rl.limiter.Allow()
}

// Tokens reports the tokens currently available, for the metrics gauge.
func (rl *RateLimiter) Tokens() float64 {
	return rl.limiter.Tokens()
}

// EndpointLimiters keeps an independent token bucket per upstream
// endpoint so one degraded service (say, the render poller) cannot
// starve calls to the others.
type EndpointLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewEndpointLimiters creates a registry of per-endpoint buckets, each
// refilled at rps with the given burst.
func NewEndpointLimiters(rps rate.Limit, burst int) *EndpointLimiters {
	return &EndpointLimiters{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

// Allow consumes a token from the endpoint's bucket, creating it lazily.
func (e *EndpointLimiters) Allow(endpoint string) bool {
	e.mu.Lock()
	lim, ok := e.limiters[endpoint]
	if !ok {
		lim = rate.NewLimiter(e.rps, e.burst)
		e.limiters[endpoint] = lim
	}
	e.mu.Unlock()

	return lim.Allow()
}

// Len reports how many endpoint buckets exist.
func (e *EndpointLimiters) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.limiters)
}
