package taskmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "taskmq"

	// blockTimeout is the BLMOVE block duration before the consume loop
	// recycles to check for shutdown.
	blockTimeout = 5 * time.Second

	// redisRetryDelay is how long a consume loop waits after a transport
	// error before trying again.
	redisRetryDelay = time.Second
)

// nackScript settles a delivery atomically: remove the message from the
// processing list and, when requeueing, push it back to the ready list so
// it is redelivered next.
var nackScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
if removed > 0 and ARGV[2] == '1' then
	redis.call('RPUSH', KEYS[2], ARGV[1])
end
return removed
`)

// requeueProcessingScript drains a processing list back into its ready list,
// oldest entries first, returning how many were moved.
var requeueProcessingScript = redis.NewScript(`
local n = 0
while true do
	local v = redis.call('RPOP', KEYS[1])
	if not v then
		break
	end
	redis.call('RPUSH', KEYS[2], v)
	n = n + 1
end
return n
`)

type redisPending struct {
	queue string
	body  string
}

// RedisBroker is the Redis transport. Each queue is a pair of lists: ready
// holds undelivered messages and processing holds deliveries awaiting a
// settle. Consume moves messages between them atomically with BLMOVE; Ack
// removes from processing; Nack removes and optionally pushes back to ready.
//
// A worker that dies without settling leaves its entries in processing.
// They are not recovered automatically; RequeueProcessing exists for
// deployments where a single worker owns the queue and can safely reclaim
// them at startup.
type RedisBroker struct {
	rdb    *redis.Client
	logger *slog.Logger
	prefix string
	owned  bool

	state atomic.Int32

	mu      sync.Mutex
	nextTag uint64
	pending map[uint64]redisPending

	closed   bool
	closedCh chan struct{}
}

// NewRedisBroker connects to a Redis broker. The URL is validated before
// any connection attempt; malformed URLs fail with ErrInvalidBrokerURL.
func NewRedisBroker(url string, opts ...BrokerOption) (*RedisBroker, error) {
	ropt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBrokerURL, err)
	}

	b := newRedisBroker(redis.NewClient(ropt), true, opts)
	b.state.Store(int32(StateConnecting))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		b.rdb.Close()
		b.state.Store(int32(StateDisconnected))
		return nil, normalizeRedis(err)
	}

	b.state.Store(int32(StateConnected))
	b.logger.Info("connected to broker", "addr", ropt.Addr)
	return b, nil
}

// NewRedisBrokerFromClient wraps an existing go-redis client, enabling
// Sentinel, Cluster, or any custom configuration. The caller retains
// ownership of rdb; Close will not close it.
func NewRedisBrokerFromClient(rdb *redis.Client, opts ...BrokerOption) *RedisBroker {
	b := newRedisBroker(rdb, false, opts)
	b.state.Store(int32(StateConnected))
	return b
}

func newRedisBroker(rdb *redis.Client, owned bool, opts []BrokerOption) *RedisBroker {
	cfg := newBrokerConfig(opts)
	return &RedisBroker{
		rdb:      rdb,
		logger:   cfg.logger,
		prefix:   cfg.prefix,
		owned:    owned,
		pending:  make(map[uint64]redisPending),
		closedCh: make(chan struct{}),
	}
}

// State returns the connection's current lifecycle state. go-redis manages
// reconnection per command, so only the endpoints are observable.
func (b *RedisBroker) State() ConnState {
	return ConnState(b.state.Load())
}

// key returns a prefixed Redis key.
func (b *RedisBroker) key(parts ...string) string {
	return b.prefix + ":" + strings.Join(parts, ":")
}

func (b *RedisBroker) readyKey(queue string) string {
	return b.key("queue", queue, "ready")
}

func (b *RedisBroker) processingKey(queue string) string {
	return b.key("queue", queue, "processing")
}

// Publish enqueues a message body on the named queue.
func (b *RedisBroker) Publish(ctx context.Context, queue string, body []byte) error {
	if !validName(queue, maxQueueNameLen) {
		return fmt.Errorf("%w: %q", ErrInvalidQueueName, queue)
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBrokerClosed
	}

	if err := b.rdb.LPush(ctx, b.readyKey(queue), body).Err(); err != nil {
		return normalizeRedis(err)
	}
	return nil
}

// Consume returns a stream of deliveries for the named queue. Messages move
// to the queue's processing list as they are handed out and stay there until
// settled, so a clean shutdown that nacks its in-flight work leaves nothing
// stranded.
func (b *RedisBroker) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	if !validName(queue, maxQueueNameLen) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidQueueName, queue)
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrBrokerClosed
	}

	out := make(chan Delivery)
	go b.consumeLoop(ctx, queue, out)
	return out, nil
}

func (b *RedisBroker) consumeLoop(ctx context.Context, queue string, out chan<- Delivery) {
	defer close(out)

	ready := b.readyKey(queue)
	processing := b.processingKey(queue)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closedCh:
			return
		default:
		}

		body, err := b.rdb.BLMove(ctx, ready, processing, "RIGHT", "LEFT", blockTimeout).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("dequeue failed, retrying", "queue", queue, "error", normalizeRedis(err))
			select {
			case <-ctx.Done():
				return
			case <-b.closedCh:
				return
			case <-time.After(redisRetryDelay):
				continue
			}
		}

		b.mu.Lock()
		b.nextTag++
		tag := b.nextTag
		b.pending[tag] = redisPending{queue: queue, body: body}
		b.mu.Unlock()

		select {
		case out <- Delivery{Tag: tag, Body: []byte(body)}:
		case <-ctx.Done():
			b.abandon(context.Background(), tag)
			return
		case <-b.closedCh:
			b.abandon(context.Background(), tag)
			return
		}
	}
}

// abandon returns an undeliverable message to its ready list.
func (b *RedisBroker) abandon(ctx context.Context, tag uint64) {
	if err := b.Nack(ctx, tag, true); err != nil {
		b.logger.Warn("failed to restore delivery", "tag", tag, "error", err)
	}
}

func (b *RedisBroker) take(tag uint64) (redisPending, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[tag]
	if !ok {
		return redisPending{}, fmt.Errorf("%w: settle of unknown delivery tag %d", ErrBroker, tag)
	}
	delete(b.pending, tag)
	return p, nil
}

// Ack settles a delivery as successfully processed, removing it from the
// processing list.
func (b *RedisBroker) Ack(ctx context.Context, tag uint64) error {
	p, err := b.take(tag)
	if err != nil {
		return err
	}
	removed, err := b.rdb.LRem(ctx, b.processingKey(p.queue), 1, p.body).Result()
	if err != nil {
		return normalizeRedis(err)
	}
	if removed == 0 {
		b.logger.Warn("acked delivery missing from processing list", "queue", p.queue, "tag", tag)
	}
	return nil
}

// Nack settles a delivery as not processed, optionally pushing it back to
// the ready list for immediate redelivery.
func (b *RedisBroker) Nack(ctx context.Context, tag uint64, requeue bool) error {
	p, err := b.take(tag)
	if err != nil {
		return err
	}
	flag := "0"
	if requeue {
		flag = "1"
	}
	err = nackScript.Run(ctx, b.rdb,
		[]string{b.processingKey(p.queue), b.readyKey(p.queue)},
		p.body, flag,
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return normalizeRedis(err)
	}
	return nil
}

// RequeueProcessing reclaims every unsettled message on the queue's
// processing list back onto its ready list and returns how many were moved.
// Only safe when no other worker is consuming the queue.
func (b *RedisBroker) RequeueProcessing(ctx context.Context, queue string) (int, error) {
	if !validName(queue, maxQueueNameLen) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidQueueName, queue)
	}
	n, err := requeueProcessingScript.Run(ctx, b.rdb,
		[]string{b.processingKey(queue), b.readyKey(queue)},
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, normalizeRedis(err)
	}
	if n > 0 {
		b.logger.Info("requeued stale processing entries", "queue", queue, "count", n)
	}
	return n, nil
}

// Close closes the broker. If the client was injected via
// NewRedisBrokerFromClient the caller keeps ownership and the underlying
// connection stays open. Close is idempotent.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closedCh)
	b.mu.Unlock()

	b.state.Store(int32(StateDisconnected))
	if !b.owned {
		return nil
	}
	return b.rdb.Close()
}

// normalizeRedis maps go-redis errors into the broker error taxonomy:
// network failures become ErrBrokerConnection, command failures ErrBroker.
// Context cancellation passes through untouched.
func normalizeRedis(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrBrokerConnection, err)
	}
	return fmt.Errorf("%w: %v", ErrBroker, err)
}
