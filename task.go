package taskmq

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Handler processes one task envelope. It must respect ctx: the engine
// cancels it on timeout and on forced shutdown, and side effects performed
// before cancellation are not rolled back (at-least-once semantics).
//
// A nil return acks the envelope. Errors are classified for the retry path:
// plain errors and Unexpected-wrapped errors count as unexpected failures,
// Expected-wrapped errors as anticipated ones, and RetryIn requests a retry
// with an explicit delay. All classes consume the same retry budget.
type Handler func(ctx context.Context, env *Envelope) error

// TaskOption configures the execution policy of a registered task.
type TaskOption func(*taskPolicy)

// taskPolicy is the per-task execution policy held by the registry.
type taskPolicy struct {
	maxRetries int
	backoff    Backoff
	timeout    time.Duration
	expires    time.Duration
	limiter    *rate.Limiter
}

const defaultMaxRetries = 3

func defaultTaskPolicy() taskPolicy {
	return taskPolicy{
		maxRetries: defaultMaxRetries,
		backoff:    DefaultBackoff(),
	}
}

// MaxRetries sets how many times a failed execution is retried before the
// envelope is nacked as a terminal failure. Zero disables retries.
func MaxRetries(n int) TaskOption {
	return func(p *taskPolicy) {
		if n >= 0 {
			p.maxRetries = n
		}
	}
}

// RetryBackoff sets the delay policy applied between retry attempts.
func RetryBackoff(b Backoff) TaskOption {
	return func(p *taskPolicy) {
		if b != nil {
			p.backoff = b
		}
	}
}

// Timeout sets the per-execution wall-clock limit for the task. Zero falls
// back to the worker's default timeout.
func Timeout(d time.Duration) TaskOption {
	return func(p *taskPolicy) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// ExpiresAfter sets the task's default expiration horizon. It is stamped
// onto retry envelopes whose original message carried no expiry, bounding
// how long a failing task can keep cycling through the retry path.
func ExpiresAfter(d time.Duration) TaskOption {
	return func(p *taskPolicy) {
		if d > 0 {
			p.expires = d
		}
	}
}

// RateLimit caps how fast this worker starts executions of the task:
// at most perSecond starts per second with bursts up to burst. The limit is
// per worker process, not cluster-wide. A task waiting on the limiter holds
// its execution slot.
func RateLimit(perSecond float64, burst int) TaskOption {
	return func(p *taskPolicy) {
		if perSecond > 0 && burst > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}
