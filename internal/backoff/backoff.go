// Package backoff computes delays between dispatch retries.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"time"
)

// Strategy computes the delay before a retry.
type Strategy interface {
	// Delay returns how long to wait before retry n (1-indexed): retry 1
	// follows the first failed attempt.
	Delay(retry int) time.Duration
}

// Exponential doubles the delay on each retry.
// Delay = min(Initial * 2^(retry-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(retry-1), capped at Max.
func (e *Exponential) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := float64(e.Initial) * math.Pow(2, float64(retry-1))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Constant always waits the same interval. Useful in tests.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// DefaultStrategy is exponential from 1s, capped at 30s.
func DefaultStrategy() Strategy {
	return NewExponential(time.Second, 30*time.Second)
}
