package taskmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// reconnectBaseDelay and reconnectMaxDelay bound the exponential backoff
	// between reconnect attempts.
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second

	// consumeRetryDelay is how long a consume loop waits before retrying
	// setup while the connection is down.
	consumeRetryDelay = time.Second

	// Delivery tags are scoped to one channel. The connection epoch is packed
	// into the top bits of the public tag so a settle attempt against a
	// delivery from a dead connection is rejected instead of poisoning the
	// current channel.
	epochShift = 48
	rawTagMask = uint64(1)<<epochShift - 1
)

// AMQPBroker is the RabbitMQ transport. It maintains a single connection
// and channel, reconnecting with capped exponential backoff when the
// connection drops; consume streams ride through reconnects transparently.
type AMQPBroker struct {
	url      string
	logger   *slog.Logger
	prefetch int

	state atomic.Int32
	epoch atomic.Uint64

	mu       sync.RWMutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool

	closed   bool
	closedCh chan struct{}
}

// DialAMQP connects to a RabbitMQ broker. The URL is validated before any
// connection attempt; malformed URLs fail with ErrInvalidBrokerURL.
func DialAMQP(url string, opts ...BrokerOption) (*AMQPBroker, error) {
	if _, err := amqp.ParseURI(url); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBrokerURL, err)
	}

	cfg := newBrokerConfig(opts)
	b := &AMQPBroker{
		url:      url,
		logger:   cfg.logger,
		prefetch: cfg.prefetch,
		declared: make(map[string]bool),
		closedCh: make(chan struct{}),
	}

	if err := b.connect(); err != nil {
		return nil, err
	}

	go b.watchConnection()

	return b, nil
}

// State returns the connection's current lifecycle state.
func (b *AMQPBroker) State() ConnState {
	return ConnState(b.state.Load())
}

func (b *AMQPBroker) setState(s ConnState) {
	b.state.Store(int32(s))
}

// connect establishes the connection and opens the channel.
func (b *AMQPBroker) connect() error {
	b.setState(StateConnecting)

	conn, err := amqp.Dial(b.url)
	if err != nil {
		b.setState(StateDisconnected)
		return classifyAMQP(err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		b.setState(StateDisconnected)
		return classifyAMQP(err)
	}

	b.mu.Lock()
	b.conn = conn
	b.ch = ch
	b.declared = make(map[string]bool)
	b.mu.Unlock()

	b.epoch.Add(1)
	b.setState(StateConnected)
	b.logger.Info("connected to broker", "url", redactURL(b.url))
	return nil
}

// watchConnection monitors the connection and reconnects when it drops.
func (b *AMQPBroker) watchConnection() {
	for {
		b.mu.RLock()
		if b.closed {
			b.mu.RUnlock()
			return
		}
		conn := b.conn
		b.mu.RUnlock()

		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-b.closedCh:
			return
		case amqpErr := <-notifyClose:
			if amqpErr != nil {
				b.logger.Warn("broker connection lost", "error", amqpErr)
			}
			if !b.reconnect() {
				return
			}
		}
	}
}

// reconnect retries connect with exponential backoff, doubling the delay up
// to reconnectMaxDelay. Returns false if the broker was closed meanwhile.
func (b *AMQPBroker) reconnect() bool {
	delay := reconnectBaseDelay

	for {
		b.setState(StateReconnectBackoff)
		b.logger.Info("reconnecting to broker", "delay", delay)

		select {
		case <-b.closedCh:
			b.setState(StateDisconnected)
			return false
		case <-time.After(delay):
		}

		if err := b.connect(); err != nil {
			b.logger.Warn("reconnect failed", "error", err)
			delay = min(delay*2, reconnectMaxDelay)
			continue
		}
		return true
	}
}

// channel returns the current channel, or ErrBrokerConnection when the
// connection is down.
func (b *AMQPBroker) channel() (*amqp.Channel, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}
	if b.ch == nil || b.ch.IsClosed() {
		return nil, fmt.Errorf("%w: channel not open", ErrBrokerConnection)
	}
	return b.ch, nil
}

// ensureQueue declares the queue durable. Declarations are cached per
// connection; the cache resets on reconnect since the server may be fresh.
func (b *AMQPBroker) ensureQueue(ch *amqp.Channel, queue string) error {
	b.mu.RLock()
	done := b.declared[queue]
	b.mu.RUnlock()
	if done {
		return nil
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return classifyAMQP(err)
	}

	b.mu.Lock()
	b.declared[queue] = true
	b.mu.Unlock()
	return nil
}

// Consume returns a stream of deliveries for the named queue. The stream is
// infinite and restartable: when the connection drops mid-consume, the loop
// waits for reconnection and resumes, and unacked deliveries are redelivered
// by the server. The stream closes only on ctx cancellation or Close.
func (b *AMQPBroker) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	if !validName(queue, maxQueueNameLen) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidQueueName, queue)
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrBrokerClosed
	}

	out := make(chan Delivery)
	go b.consumeLoop(ctx, queue, out)
	return out, nil
}

func (b *AMQPBroker) consumeLoop(ctx context.Context, queue string, out chan<- Delivery) {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closedCh:
			return
		default:
		}

		deliveries, err := b.setupConsume(queue)
		if err != nil {
			b.logger.Warn("consume setup failed, retrying", "queue", queue, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-b.closedCh:
				return
			case <-time.After(consumeRetryDelay):
				continue
			}
		}

		b.logger.Info("consuming", "queue", queue)
		epoch := b.epoch.Load()

		if !b.forwardDeliveries(ctx, epoch, deliveries, out) {
			return
		}
		b.logger.Warn("delivery stream interrupted, resuming after reconnect", "queue", queue)
	}
}

// setupConsume declares the queue, applies prefetch, and starts consuming
// on the current channel.
func (b *AMQPBroker) setupConsume(queue string) (<-chan amqp.Delivery, error) {
	ch, err := b.channel()
	if err != nil {
		return nil, err
	}
	if err := b.ensureQueue(ch, queue); err != nil {
		return nil, err
	}
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		return nil, classifyAMQP(err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, classifyAMQP(err)
	}
	return deliveries, nil
}

// forwardDeliveries pumps raw deliveries into out until the source closes
// (connection loss; returns true to resume) or the consumer goes away
// (returns false).
func (b *AMQPBroker) forwardDeliveries(ctx context.Context, epoch uint64, deliveries <-chan amqp.Delivery, out chan<- Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-b.closedCh:
			return false
		case raw, ok := <-deliveries:
			if !ok {
				return true
			}
			d := Delivery{Tag: epoch<<epochShift | raw.DeliveryTag&rawTagMask, Body: raw.Body}
			select {
			case out <- d:
			case <-ctx.Done():
				return false
			case <-b.closedCh:
				return false
			}
		}
	}
}

// settleChannel resolves a public tag back to the current channel, rejecting
// tags minted under a previous connection. Such deliveries are already being
// redelivered by the server; settling them is neither possible nor needed.
func (b *AMQPBroker) settleChannel(tag uint64) (*amqp.Channel, uint64, error) {
	if tag>>epochShift != b.epoch.Load()&(1<<(64-epochShift)-1) {
		return nil, 0, fmt.Errorf("%w: delivery predates current connection", ErrBrokerConnection)
	}
	ch, err := b.channel()
	if err != nil {
		return nil, 0, err
	}
	return ch, tag & rawTagMask, nil
}

// Ack settles a delivery as successfully processed.
func (b *AMQPBroker) Ack(ctx context.Context, tag uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, raw, err := b.settleChannel(tag)
	if err != nil {
		return err
	}
	if err := ch.Ack(raw, false); err != nil {
		return classifyAMQP(err)
	}
	return nil
}

// Nack settles a delivery as not processed, optionally requeueing it.
func (b *AMQPBroker) Nack(ctx context.Context, tag uint64, requeue bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, raw, err := b.settleChannel(tag)
	if err != nil {
		return err
	}
	if err := ch.Nack(raw, false, requeue); err != nil {
		return classifyAMQP(err)
	}
	return nil
}

// Publish sends a message body to the named queue via the default exchange.
// Messages are persistent so they survive a broker restart.
func (b *AMQPBroker) Publish(ctx context.Context, queue string, body []byte) error {
	if !validName(queue, maxQueueNameLen) {
		return fmt.Errorf("%w: %q", ErrInvalidQueueName, queue)
	}
	ch, err := b.channel()
	if err != nil {
		return err
	}
	if err := b.ensureQueue(ch, queue); err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return classifyAMQP(err)
	}
	return nil
}

// Close shuts down the channel and connection. Close is idempotent.
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	close(b.closedCh)
	b.setState(StateDisconnected)

	var errs []error
	if b.ch != nil {
		if err := b.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("closing channel: %w", err))
		}
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("closing connection: %w", err))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// classifyAMQP normalizes transport errors into the broker error taxonomy:
// connectivity failures (dial refused, connection or channel not open, I/O
// errors, forced server close) map to ErrBrokerConnection and drive the
// reconnect policy; everything else is a protocol fault mapped to ErrBroker.
func classifyAMQP(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBrokerConnection) || errors.Is(err, ErrBroker) || errors.Is(err, ErrBrokerClosed) {
		return err
	}
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrBrokerConnection, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrBrokerConnection, err)
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.ConnectionForced {
		return fmt.Errorf("%w: %v", ErrBrokerConnection, err)
	}
	return fmt.Errorf("%w: %v", ErrBroker, err)
}

// redactURL strips credentials from a broker URL for logging.
func redactURL(url string) string {
	u, err := amqp.ParseURI(url)
	if err != nil {
		return url
	}
	u.Password = ""
	u.Username = ""
	return u.String()
}
