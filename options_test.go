package taskmq

import (
	"testing"
	"time"
)

func testEnvelope(t *testing.T) *Envelope {
	t.Helper()
	env, err := NewEnvelope("test.task", nil)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func TestQueue_Option(t *testing.T) {
	env := testEnvelope(t)
	Queue("high-priority")(env)
	if env.Queue != "high-priority" {
		t.Errorf("Queue = %q, want %q", env.Queue, "high-priority")
	}
}

func TestETA_Option(t *testing.T) {
	env := testEnvelope(t)
	loc := time.FixedZone("UTC+7", 7*3600)
	at := time.Date(2024, 6, 1, 17, 0, 0, 0, loc)

	ETA(at)(env)
	if env.ETA == nil {
		t.Fatal("ETA not set")
	}
	if !env.ETA.Equal(at) {
		t.Errorf("ETA = %v, want %v", env.ETA, at)
	}
	if env.ETA.Location() != time.UTC {
		t.Errorf("ETA location = %v, want UTC", env.ETA.Location())
	}
}

func TestCountdown_Option(t *testing.T) {
	env := testEnvelope(t)
	before := time.Now()
	Countdown(10 * time.Minute)(env)
	after := time.Now()

	if env.ETA == nil {
		t.Fatal("ETA not set")
	}
	if env.ETA.Before(before.Add(10*time.Minute)) || env.ETA.After(after.Add(10*time.Minute)) {
		t.Errorf("ETA = %v, want about 10m from now", env.ETA)
	}
}

func TestExpiresAt_Option(t *testing.T) {
	env := testEnvelope(t)
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	ExpiresAt(at)(env)
	if env.ExpiresAt == nil || !env.ExpiresAt.Equal(at) {
		t.Errorf("ExpiresAt = %v, want %v", env.ExpiresAt, at)
	}
}

func TestExpiresIn_Option(t *testing.T) {
	env := testEnvelope(t)
	before := time.Now()
	ExpiresIn(time.Hour)(env)
	after := time.Now()

	if env.ExpiresAt == nil {
		t.Fatal("ExpiresAt not set")
	}
	if env.ExpiresAt.Before(before.Add(time.Hour)) || env.ExpiresAt.After(after.Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v, want about 1h from now", env.ExpiresAt)
	}
}

func TestCorrelationID_Option(t *testing.T) {
	env := testEnvelope(t)
	CorrelationID("batch-42")(env)
	if env.CorrelationID != "batch-42" {
		t.Errorf("CorrelationID = %q, want %q", env.CorrelationID, "batch-42")
	}
}
