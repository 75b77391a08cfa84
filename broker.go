package taskmq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// defaultPrefetch bounds how many unacked deliveries a broker hands a
// single consumer before waiting for acks.
const defaultPrefetch = 16

// Delivery is one raw message pulled off a broker queue. The tag is the
// broker-side handle used to ack or nack the message; it is opaque to
// everything above the broker.
type Delivery struct {
	Tag  uint64
	Body []byte
}

// Broker is the transport contract shared by the AMQP and Redis backends.
//
// Consume returns an infinite stream of deliveries for one queue; the
// stream survives reconnects internally and closes only when ctx is
// cancelled or the broker is closed. Every delivery must be settled exactly
// once with Ack or Nack. Publish enqueues an encoded envelope; delivery
// guarantees are those of the underlying broker.
type Broker interface {
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
	Ack(ctx context.Context, tag uint64) error
	Nack(ctx context.Context, tag uint64, requeue bool) error
	Publish(ctx context.Context, queue string, body []byte) error
	Close() error
}

// ConnState describes a broker connection's lifecycle position.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnectBackoff
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectBackoff:
		return "reconnect_backoff"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// BrokerOption configures a broker constructed by DialBroker, DialAMQP, or
// NewRedisBroker.
type BrokerOption func(*brokerConfig)

type brokerConfig struct {
	logger   *slog.Logger
	prefetch int
	prefix   string
}

func newBrokerConfig(opts []BrokerOption) *brokerConfig {
	cfg := &brokerConfig{
		logger:   slog.Default(),
		prefetch: defaultPrefetch,
		prefix:   defaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithBrokerLogger sets the logger used for connection lifecycle events.
func WithBrokerLogger(l *slog.Logger) BrokerOption {
	return func(cfg *brokerConfig) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithPrefetch sets the per-consumer unacked delivery bound.
func WithPrefetch(n int) BrokerOption {
	return func(cfg *brokerConfig) {
		if n > 0 {
			cfg.prefetch = n
		}
	}
}

// WithKeyPrefix sets the key prefix used by the Redis backend. Ignored by
// the AMQP backend.
func WithKeyPrefix(prefix string) BrokerOption {
	return func(cfg *brokerConfig) {
		if prefix != "" {
			cfg.prefix = prefix
		}
	}
}

// DialBroker connects to the broker named by rawURL, selecting the backend
// from the URL scheme: amqp:// and amqps:// for RabbitMQ, redis:// and
// rediss:// for Redis. Unsupported schemes are rejected before any
// connection attempt.
func DialBroker(rawURL string, opts ...BrokerOption) (Broker, error) {
	switch {
	case strings.HasPrefix(rawURL, "amqp://"), strings.HasPrefix(rawURL, "amqps://"):
		return DialAMQP(rawURL, opts...)
	case strings.HasPrefix(rawURL, "redis://"), strings.HasPrefix(rawURL, "rediss://"):
		return NewRedisBroker(rawURL, opts...)
	default:
		return nil, fmt.Errorf("%w: %q: scheme must be amqp, amqps, redis, or rediss", ErrInvalidBrokerURL, rawURL)
	}
}
