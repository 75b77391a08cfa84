package taskmq

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope("email.send", map[string]string{"to": "user@example.com"})
	if err != nil {
		t.Fatalf("NewEnvelope error = %v", err)
	}
	if env.ID == "" {
		t.Error("envelope ID should be generated")
	}
	if env.CorrelationID != env.ID {
		t.Errorf("CorrelationID = %q, want envelope ID %q", env.CorrelationID, env.ID)
	}
	if env.Task != "email.send" {
		t.Errorf("Task = %q, want %q", env.Task, "email.send")
	}
	if env.Retries != 0 {
		t.Errorf("Retries = %d, want 0", env.Retries)
	}
	if !strings.Contains(string(env.Args), "user@example.com") {
		t.Errorf("Args = %s, want encoded args", env.Args)
	}
}

func TestNewEnvelope_NilArgs(t *testing.T) {
	env, err := NewEnvelope("ops.ping", nil)
	if err != nil {
		t.Fatalf("NewEnvelope error = %v", err)
	}
	if len(env.Args) != 0 {
		t.Errorf("Args = %s, want empty", env.Args)
	}
}

func TestNewEnvelope_UnencodableArgs(t *testing.T) {
	_, err := NewEnvelope("bad.args", func() {})
	if !errors.Is(err, ErrSerialization) {
		t.Errorf("error = %v, want ErrSerialization", err)
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	eta := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	expires := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)

	env, err := NewEnvelope("orders.process", []int{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	env.Queue = "orders"
	env.Retries = 2
	env.ETA = &eta
	env.ExpiresAt = &expires

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode error = %v", err)
	}
	got, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope error = %v", err)
	}

	if got.ID != env.ID {
		t.Errorf("ID = %q, want %q", got.ID, env.ID)
	}
	if got.Task != env.Task {
		t.Errorf("Task = %q, want %q", got.Task, env.Task)
	}
	if got.Queue != env.Queue {
		t.Errorf("Queue = %q, want %q", got.Queue, env.Queue)
	}
	if got.Retries != env.Retries {
		t.Errorf("Retries = %d, want %d", got.Retries, env.Retries)
	}
	if got.ETA == nil || !got.ETA.Equal(eta) {
		t.Errorf("ETA = %v, want %v", got.ETA, eta)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, expires)
	}
	if got.CorrelationID != env.CorrelationID {
		t.Errorf("CorrelationID = %q, want %q", got.CorrelationID, env.CorrelationID)
	}
	if string(got.Args) != string(env.Args) {
		t.Errorf("Args = %s, want %s", got.Args, env.Args)
	}
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "this is not json"},
		{"wrong type", `"just a string"`},
		{"missing id", `{"task": "email.send", "retries": 0}`},
		{"missing task", `{"id": "abc123", "retries": 0}`},
		{"negative retries", `{"id": "abc123", "task": "email.send", "retries": -1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tt.data))
			if !errors.Is(err, ErrMessageFormat) {
				t.Errorf("error = %v, want ErrMessageFormat", err)
			}
		})
	}
}

func TestEncode_RejectsOversizedEnvelope(t *testing.T) {
	env, err := NewEnvelope("big.payload", strings.Repeat("x", maxEnvelopeSize))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Encode(); !errors.Is(err, ErrSerialization) {
		t.Errorf("Encode error = %v, want ErrSerialization", err)
	}
}

func TestUnmarshalArgs(t *testing.T) {
	type emailArgs struct {
		To      string `json:"to"`
		Subject string `json:"subject"`
	}

	env, err := NewEnvelope("email.send", emailArgs{To: "a@b.c", Subject: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	var got emailArgs
	if err := env.UnmarshalArgs(&got); err != nil {
		t.Fatalf("UnmarshalArgs error = %v", err)
	}
	if got.To != "a@b.c" || got.Subject != "hi" {
		t.Errorf("UnmarshalArgs = %+v, want To=a@b.c Subject=hi", got)
	}
}

func TestUnmarshalArgs_Empty(t *testing.T) {
	env, err := NewEnvelope("no.args", nil)
	if err != nil {
		t.Fatal(err)
	}
	var target map[string]any
	if err := env.UnmarshalArgs(&target); !errors.Is(err, ErrSerialization) {
		t.Errorf("error = %v, want ErrSerialization", err)
	}
}

func TestEnvelope_Expired(t *testing.T) {
	now := time.Now()

	env := &Envelope{ID: "x", Task: "t"}
	if env.expired(now) {
		t.Error("envelope without expiry should never expire")
	}

	past := now.Add(-time.Minute)
	env.ExpiresAt = &past
	if !env.expired(now) {
		t.Error("envelope with past expiry should be expired")
	}

	future := now.Add(time.Minute)
	env.ExpiresAt = &future
	if env.expired(now) {
		t.Error("envelope with future expiry should not be expired")
	}

	// Exactly at the boundary counts as expired.
	env.ExpiresAt = &now
	if !env.expired(now) {
		t.Error("envelope expiring exactly now should be expired")
	}
}

func TestEnvelope_Due(t *testing.T) {
	now := time.Now()

	env := &Envelope{ID: "x", Task: "t"}
	if ready, _ := env.due(now); !ready {
		t.Error("envelope without eta should be due immediately")
	}

	future := now.Add(30 * time.Second)
	env.ETA = &future
	ready, wait := env.due(now)
	if ready {
		t.Error("envelope with future eta should not be due")
	}
	if wait != 30*time.Second {
		t.Errorf("wait = %v, want %v", wait, 30*time.Second)
	}

	past := now.Add(-time.Second)
	env.ETA = &past
	if ready, _ := env.due(now); !ready {
		t.Error("envelope with past eta should be due")
	}
}

func TestRetryEnvelope(t *testing.T) {
	now := time.Now()
	expires := now.Add(time.Hour).UTC()

	parent, err := NewEnvelope("orders.process", map[string]int{"order": 7})
	if err != nil {
		t.Fatal(err)
	}
	parent.Queue = "orders"
	parent.Retries = 1
	parent.ExpiresAt = &expires

	next := parent.retryEnvelope(10*time.Second, now)

	if next.ID == parent.ID {
		t.Error("retry envelope must get a fresh ID")
	}
	if next.ID == "" {
		t.Error("retry envelope ID should be generated")
	}
	if next.Retries != 2 {
		t.Errorf("Retries = %d, want 2", next.Retries)
	}
	if next.Task != parent.Task {
		t.Errorf("Task = %q, want %q", next.Task, parent.Task)
	}
	if next.Queue != "orders" {
		t.Errorf("Queue = %q, want orders", next.Queue)
	}
	if string(next.Args) != string(parent.Args) {
		t.Errorf("Args = %s, want %s", next.Args, parent.Args)
	}
	if next.CorrelationID != parent.CorrelationID {
		t.Errorf("CorrelationID = %q, want %q preserved", next.CorrelationID, parent.CorrelationID)
	}
	if next.ETA == nil {
		t.Fatal("retry envelope should carry a backoff eta")
	}
	wantETA := now.Add(10 * time.Second).UTC()
	if !next.ETA.Equal(wantETA) {
		t.Errorf("ETA = %v, want %v", next.ETA, wantETA)
	}
	if next.ExpiresAt == nil || !next.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt = %v, want %v unchanged", next.ExpiresAt, expires)
	}
}

func TestRetryEnvelope_CorrelationFallback(t *testing.T) {
	parent := &Envelope{ID: "parent-id", Task: "t"}
	next := parent.retryEnvelope(time.Second, time.Now())
	if next.CorrelationID != "parent-id" {
		t.Errorf("CorrelationID = %q, want fallback to parent ID", next.CorrelationID)
	}
}
