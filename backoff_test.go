package taskmq

import (
	"testing"
	"time"
)

func TestConstantBackoff(t *testing.T) {
	b := NewConstantBackoff(5 * time.Second)
	for attempt := 0; attempt < 6; attempt++ {
		if got := b.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, 5*time.Second)
		}
	}
}

func TestLinearBackoff(t *testing.T) {
	b := NewLinearBackoff(2*time.Second, 7*time.Second)

	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		6 * time.Second,
		7 * time.Second, // capped
		7 * time.Second,
	}
	for attempt, w := range want {
		if got := b.Delay(attempt); got != w {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestExponentialBackoff(t *testing.T) {
	b := NewExponentialBackoff(time.Second, 10*time.Second)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second, // capped
		10 * time.Second,
	}
	for attempt, w := range want {
		if got := b.Delay(attempt); got != w {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestExponentialJitterBackoff_Bounds(t *testing.T) {
	b := NewExponentialJitterBackoff(time.Second, 30*time.Second)

	ceilings := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, ceiling := range ceilings {
		for i := 0; i < 50; i++ {
			got := b.Delay(attempt)
			if got < 0 || got > ceiling {
				t.Fatalf("Delay(%d) = %v, want in [0, %v]", attempt, got, ceiling)
			}
		}
	}
}

func TestBackoff_NegativeAttemptClamps(t *testing.T) {
	lin := NewLinearBackoff(time.Second, time.Minute)
	if got := lin.Delay(-3); got != time.Second {
		t.Errorf("linear Delay(-3) = %v, want %v", got, time.Second)
	}

	exp := NewExponentialBackoff(time.Second, time.Minute)
	if got := exp.Delay(-1); got != time.Second {
		t.Errorf("exponential Delay(-1) = %v, want %v", got, time.Second)
	}
}

func TestDefaultBackoff(t *testing.T) {
	b := DefaultBackoff()
	for attempt := 0; attempt < 20; attempt++ {
		got := b.Delay(attempt)
		if got < 0 || got > time.Minute {
			t.Fatalf("Delay(%d) = %v, want in [0, 1m]", attempt, got)
		}
	}
}
