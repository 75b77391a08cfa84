package taskmq

import (
	"context"
	"testing"
)

// --- Envelope codec ---------------------------------------------------------

func BenchmarkEnvelopeEncode(b *testing.B) {
	env, err := NewEnvelope("bench.encode", map[string]any{"key": "value", "num": 42})
	if err != nil {
		b.Fatalf("NewEnvelope: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := env.Encode(); err != nil {
			b.Fatalf("Encode: %v", err)
		}
	}
}

func BenchmarkEnvelopeDecode(b *testing.B) {
	env, _ := NewEnvelope("bench.decode", map[string]any{"key": "value", "num": 42})
	data, err := env.Encode()
	if err != nil {
		b.Fatalf("Encode: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := DecodeEnvelope(data); err != nil {
			b.Fatalf("DecodeEnvelope: %v", err)
		}
	}
}

// --- Routing ----------------------------------------------------------------

func BenchmarkRouterResolve(b *testing.B) {
	r, err := NewRouter("default",
		Rule{Pattern: "email.*", Queue: "mail"},
		Rule{Pattern: "reports.*", Queue: "reports"},
		Rule{Pattern: "video.encode.*", Queue: "media"},
	)
	if err != nil {
		b.Fatalf("NewRouter: %v", err)
	}

	b.Run("match", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			if _, err := r.Resolve("email.send", ""); err != nil {
				b.Fatalf("Resolve: %v", err)
			}
		}
	})
	b.Run("default", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			if _, err := r.Resolve("payments.charge", ""); err != nil {
				b.Fatalf("Resolve: %v", err)
			}
		}
	})
}

// --- Broker round trip ------------------------------------------------------

func BenchmarkMemoryPublishConsumeAck(b *testing.B) {
	broker := NewMemoryBroker()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := broker.Consume(ctx, "bench")
	if err != nil {
		b.Fatalf("Consume: %v", err)
	}

	env, _ := NewEnvelope("bench.roundtrip", map[string]int{"n": 1})
	body, _ := env.Encode()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := broker.Publish(ctx, "bench", body); err != nil {
			b.Fatalf("Publish: %v", err)
		}
		d := <-deliveries
		if err := broker.Ack(ctx, d.Tag); err != nil {
			b.Fatalf("Ack: %v", err)
		}
	}
}

// --- End to end -------------------------------------------------------------

// BenchmarkWorkerRoundTrip measures full submit-to-completion latency
// through a running worker, one task in flight at a time.
func BenchmarkWorkerRoundTrip(b *testing.B) {
	broker := NewMemoryBroker()

	client, err := NewClient(broker)
	if err != nil {
		b.Fatalf("NewClient: %v", err)
	}

	done := make(chan struct{}, 1)
	w, err := NewWorker(broker, WithConcurrency(4), WithLogger(quietLogger()))
	if err != nil {
		b.Fatalf("NewWorker: %v", err)
	}
	w.Register("bench.task", func(ctx context.Context, env *Envelope) error {
		done <- struct{}{}
		return nil
	}, MaxRetries(0))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-errCh
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := client.SendTask(ctx, "bench.task", nil); err != nil {
			b.Fatalf("SendTask: %v", err)
		}
		<-done
	}
}
