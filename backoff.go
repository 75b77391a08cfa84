package taskmq

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes the delay before a retry attempt. The attempt number is
// the retry count of the execution that just failed, starting at 0 for the
// first failure. Implementations must be safe for concurrent use.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// ConstantBackoff always returns the same delay regardless of attempt number.
type ConstantBackoff struct {
	Interval time.Duration
}

// NewConstantBackoff creates a constant backoff policy.
func NewConstantBackoff(interval time.Duration) *ConstantBackoff {
	return &ConstantBackoff{Interval: interval}
}

// Delay returns the fixed interval.
func (b *ConstantBackoff) Delay(_ int) time.Duration {
	return b.Interval
}

// LinearBackoff increases the delay linearly with the attempt number.
type LinearBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinearBackoff creates a linear backoff policy.
func NewLinearBackoff(initial, maxDelay time.Duration) *LinearBackoff {
	return &LinearBackoff{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * (attempt+1), capped at Max.
func (b *LinearBackoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Initial * time.Duration(attempt+1)
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// ExponentialBackoff doubles the delay each attempt.
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration

	// Jitter selects full jitter: the delay becomes a random value in
	// [0, computed delay]. This spreads out retry storms when many tasks
	// fail at once.
	Jitter bool
}

// NewExponentialBackoff creates an exponential backoff policy without jitter.
func NewExponentialBackoff(initial, maxDelay time.Duration) *ExponentialBackoff {
	return &ExponentialBackoff{Initial: initial, Max: maxDelay}
}

// NewExponentialJitterBackoff creates an exponential backoff policy with
// full jitter.
func NewExponentialJitterBackoff(initial, maxDelay time.Duration) *ExponentialBackoff {
	return &ExponentialBackoff{Initial: initial, Max: maxDelay, Jitter: true}
}

// Delay returns Initial * 2^attempt, capped at Max. With Jitter set, the
// result is a uniformly random duration in [0, that value].
func (b *ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.Initial) * math.Pow(2, float64(attempt))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter {
		d = rand.Float64() * d
	}
	return time.Duration(d)
}

// DefaultBackoff returns the retry policy used when a task does not set its
// own: exponential with full jitter, 1s initial, 1m cap.
func DefaultBackoff() Backoff {
	return NewExponentialJitterBackoff(time.Second, time.Minute)
}
