package taskmq

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTaskAlreadyRegistered is returned when a task name is registered twice.
	ErrTaskAlreadyRegistered = errors.New("taskmq: task already registered")

	// ErrTaskNotRegistered is returned when an envelope names a task with no
	// registered handler.
	ErrTaskNotRegistered = errors.New("taskmq: task not registered")

	// ErrWorkerRunning is returned when registration is attempted after Run.
	ErrWorkerRunning = errors.New("taskmq: worker already running")

	// ErrBroker is returned for broker protocol errors (bad frame, channel
	// exception, rejected command).
	ErrBroker = errors.New("taskmq: broker protocol error")

	// ErrBrokerConnection is returned when the broker is unreachable or the
	// connection has been lost.
	ErrBrokerConnection = errors.New("taskmq: broker connection error")

	// ErrBrokerClosed is returned when operations are attempted on a closed broker.
	ErrBrokerClosed = errors.New("taskmq: broker closed")

	// ErrInvalidBrokerURL is returned when a broker URL cannot be parsed or
	// uses an unsupported scheme.
	ErrInvalidBrokerURL = errors.New("taskmq: invalid broker url")

	// ErrSerialization is returned when task arguments cannot be encoded or
	// decoded.
	ErrSerialization = errors.New("taskmq: serialization error")

	// ErrMessageFormat is returned when a delivery's body is not a valid
	// task envelope.
	ErrMessageFormat = errors.New("taskmq: malformed task message")

	// ErrUnknownQueue is returned when no routing rule matches a task and no
	// default queue is configured.
	ErrUnknownQueue = errors.New("taskmq: unknown queue")

	// ErrBadRoutingPattern is returned when a routing rule pattern does not
	// compile.
	ErrBadRoutingPattern = errors.New("taskmq: bad routing rule pattern")

	// ErrTaskExpired is returned when an envelope's expiration is in the past
	// at execution time.
	ErrTaskExpired = errors.New("taskmq: task expired")

	// ErrTaskTimeout is returned when a handler exceeds its time limit.
	ErrTaskTimeout = errors.New("taskmq: task timed out")

	// ErrForcedShutdown is reported for tasks cancelled by a forced shutdown.
	ErrForcedShutdown = errors.New("taskmq: forced shutdown")

	// ErrInvalidQueueName is returned when a queue name contains invalid
	// characters (only alphanumeric, hyphen, underscore, dot allowed; max 128 chars).
	ErrInvalidQueueName = errors.New("taskmq: invalid queue name")

	// ErrInvalidTaskName is returned when a task name is empty or contains
	// invalid characters.
	ErrInvalidTaskName = errors.New("taskmq: invalid task name")
)

type failureClass int

const (
	classUnexpected failureClass = iota
	classExpected
	classRetry
)

// taskError carries a handler failure with an explicit classification.
// Handlers produce these through Expected, Unexpected, and RetryIn.
type taskError struct {
	class failureClass
	delay time.Duration
	err   error
}

func (e *taskError) Error() string {
	switch e.class {
	case classExpected:
		return fmt.Sprintf("taskmq: expected failure: %v", e.err)
	case classRetry:
		if e.err != nil {
			return fmt.Sprintf("taskmq: retry requested in %s: %v", e.delay, e.err)
		}
		return fmt.Sprintf("taskmq: retry requested in %s", e.delay)
	default:
		return fmt.Sprintf("taskmq: unexpected failure: %v", e.err)
	}
}

func (e *taskError) Unwrap() error { return e.err }

// Expected marks err as an anticipated domain failure (validation error,
// missing record). Expected failures consume the retry budget like any other
// failure but are logged at warning rather than error level.
func Expected(err error) error {
	if err == nil {
		return nil
	}
	return &taskError{class: classExpected, err: err}
}

// Unexpected marks err as an unanticipated failure. Handler errors carry
// this classification by default; the explicit marker exists for wrapping
// errors that bubble up through layers which might otherwise mark them.
func Unexpected(err error) error {
	if err == nil {
		return nil
	}
	return &taskError{class: classUnexpected, err: err}
}

// RetryIn signals that the task should be retried after the given delay,
// overriding the task's backoff policy for this attempt. A non-positive
// delay falls back to the policy. The retry budget still applies.
func RetryIn(delay time.Duration) error {
	return &taskError{class: classRetry, delay: delay}
}

// IsExpected reports whether err or any error it wraps carries the
// Expected classification.
func IsExpected(err error) bool {
	var te *taskError
	return errors.As(err, &te) && te.class == classExpected
}

// retryRequest extracts an explicit retry delay from err. The second return
// is true only when the handler asked for a retry via RetryIn.
func retryRequest(err error) (time.Duration, bool) {
	var te *taskError
	if errors.As(err, &te) && te.class == classRetry {
		return te.delay, true
	}
	return 0, false
}
