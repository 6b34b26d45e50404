package backoff

import (
	"math/rand"
	"sync"
	"time"
)

// Strategy defines the interface for retry delay calculation algorithms.
type Strategy interface {
	// Delay returns the wait before retry number attempt (0-based),
	// given the base interval and an upper cap. max <= 0 means uncapped.
	Delay(attempt int, base, max time.Duration) time.Duration
}

// ExponentialJitter doubles the base interval per attempt, caps the
// result at max, then adds uniform jitter drawn from [0, base). The
// returned delay is never below base.
type ExponentialJitter struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewExponentialJitter returns the default strategy. A nil source is
// seeded from the clock; tests pass a fixed seed for determinism.
func NewExponentialJitter(src rand.Source) *ExponentialJitter {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &ExponentialJitter{rnd: rand.New(src)}
}

// Delay implements Strategy.
func (s *ExponentialJitter) Delay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	// Limit the shift so the doubling cannot overflow.
	if attempt > 30 {
		attempt = 30
	}

	d := base << uint(attempt)
	if d <= 0 || (max > 0 && d > max) {
		d = max
	}
	if d < base {
		d = base
	}

	s.mu.Lock()
	jitter := time.Duration(s.rnd.Int63n(int64(base)))
	s.mu.Unlock()

	return d + jitter
}

// DecorrelatedJitter implements decorrelated jitter as per the AWS
// architecture blog: each delay is drawn uniformly from
// [base, min(max, base*3^attempt)]. It yields smoother tail latencies
// than plain exponential jitter under heavy contention.
type DecorrelatedJitter struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewDecorrelatedJitter returns the AWS-style strategy. A nil source is
// seeded from the clock.
func NewDecorrelatedJitter(src rand.Source) *DecorrelatedJitter {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &DecorrelatedJitter{rnd: rand.New(src)}
}

// Delay implements Strategy.
func (s *DecorrelatedJitter) Delay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		return base
	}
	if attempt > 10 {
		attempt = 10
	}

	upper := float64(base) * pow(3.0, attempt)
	if upper < float64(base) {
		upper = float64(base)
	}
	if max > 0 && (upper > float64(max) || upper < 0) {
		upper = float64(max)
	}

	s.mu.Lock()
	f := s.rnd.Float64()
	s.mu.Unlock()

	d := time.Duration(float64(base) + f*(upper-float64(base)))
	if d < base {
		d = base
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
