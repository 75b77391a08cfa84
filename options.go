package taskmq

import "time"

// SendOption configures a single task submission.
type SendOption func(*Envelope)

// Queue routes the submission to a specific queue, bypassing the routing
// table.
func Queue(name string) SendOption {
	return func(e *Envelope) { e.Queue = name }
}

// ETA delays execution until the given time. Workers keep the envelope
// parked, without holding an execution slot, until the time arrives.
func ETA(t time.Time) SendOption {
	return func(e *Envelope) {
		ts := t.UTC()
		e.ETA = &ts
	}
}

// Countdown delays execution by the given duration from now.
func Countdown(d time.Duration) SendOption {
	return func(e *Envelope) {
		ts := time.Now().Add(d).UTC()
		e.ETA = &ts
	}
}

// ExpiresAt discards the task if it has not started executing by the given
// time. Expired tasks are rejected by workers, never retried.
func ExpiresAt(t time.Time) SendOption {
	return func(e *Envelope) {
		ts := t.UTC()
		e.ExpiresAt = &ts
	}
}

// ExpiresIn discards the task if it has not started executing within the
// given duration from now.
func ExpiresIn(d time.Duration) SendOption {
	return func(e *Envelope) {
		ts := time.Now().Add(d).UTC()
		e.ExpiresAt = &ts
	}
}

// CorrelationID overrides the id used to correlate this submission and all
// of its retries in logs. Defaults to the envelope id.
func CorrelationID(id string) SendOption {
	return func(e *Envelope) { e.CorrelationID = id }
}
