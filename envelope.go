package taskmq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// maxEnvelopeSize is the maximum allowed size of an encoded envelope (1 MB).
	maxEnvelopeSize = 1 << 20
)

// Envelope is one task message in flight: the unit handed to the broker by
// producers and pulled back off it by workers. The JSON encoding is the wire
// contract; both sides of a deployment must agree on it.
type Envelope struct {
	ID            string          `json:"id"`
	Task          string          `json:"task"`
	Args          json.RawMessage `json:"args,omitempty"`
	Queue         string          `json:"queue,omitempty"`
	Retries       int             `json:"retries"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	ETA           *time.Time      `json:"eta,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEnvelope creates an envelope for the named task with JSON-encoded args.
// The envelope gets a generated UUID which also serves as its correlation ID
// until an option overrides it.
func NewEnvelope(task string, args any) (*Envelope, error) {
	var raw json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding args for task %q: %v", ErrSerialization, task, err)
		}
		raw = data
	}

	id := newID()
	return &Envelope{
		ID:            id,
		Task:          task,
		Args:          raw,
		CorrelationID: id,
	}, nil
}

// newID returns a UUIDv7 string. The embedded millisecond timestamp makes
// envelope IDs sort by creation time in broker listings. Falls back to a
// random v4 if the entropy source fails.
func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// Encode serializes the envelope to JSON bytes.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding envelope %s: %v", ErrSerialization, e.ID, err)
	}
	if len(data) > maxEnvelopeSize {
		return nil, fmt.Errorf("%w: envelope %s exceeds %d bytes", ErrSerialization, e.ID, maxEnvelopeSize)
	}
	return data, nil
}

// DecodeEnvelope deserializes an envelope from JSON bytes. Structurally
// invalid input (bad JSON, missing id or task, negative retry count) is
// rejected with ErrMessageFormat; the consume loop nacks such deliveries
// without retry, since the message cannot be trusted a second time.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessageFormat, err)
	}
	if e.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMessageFormat)
	}
	if e.Task == "" {
		return nil, fmt.Errorf("%w: envelope %s missing task name", ErrMessageFormat, e.ID)
	}
	if e.Retries < 0 {
		return nil, fmt.Errorf("%w: envelope %s has negative retry count %d", ErrMessageFormat, e.ID, e.Retries)
	}
	return &e, nil
}

// UnmarshalArgs decodes the envelope's arguments into target.
func (e *Envelope) UnmarshalArgs(target any) error {
	if len(e.Args) == 0 {
		return fmt.Errorf("%w: envelope %s has no args", ErrSerialization, e.ID)
	}
	if err := json.Unmarshal(e.Args, target); err != nil {
		return fmt.Errorf("%w: decoding args for task %q: %v", ErrSerialization, e.Task, err)
	}
	return nil
}

// expired reports whether the envelope's expiry timestamp has passed.
// Envelopes without an expiry never expire.
func (e *Envelope) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// due reports whether the envelope is ready to execute, and if not, how long
// until its eta arrives.
func (e *Envelope) due(now time.Time) (bool, time.Duration) {
	if e.ETA == nil || !e.ETA.After(now) {
		return true, 0
	}
	return false, e.ETA.Sub(now)
}

// retryEnvelope builds the successor envelope for a failed execution: a new
// message carrying an incremented retry count and an eta reflecting the
// backoff delay. The correlation ID is preserved so all attempts of one
// logical task share a trace handle; the expiry horizon is never extended.
func (e *Envelope) retryEnvelope(delay time.Duration, now time.Time) *Envelope {
	correlation := e.CorrelationID
	if correlation == "" {
		correlation = e.ID
	}
	eta := now.Add(delay).UTC()
	return &Envelope{
		ID:            newID(),
		Task:          e.Task,
		Args:          e.Args,
		Queue:         e.Queue,
		Retries:       e.Retries + 1,
		ExpiresAt:     e.ExpiresAt,
		ETA:           &eta,
		CorrelationID: correlation,
	}
}
