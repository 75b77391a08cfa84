package taskmq

import (
	"context"
	"fmt"
	"sync"
)

// memoryQueueDepth bounds how many messages a single in-memory queue holds.
const memoryQueueDepth = 1024

type memPending struct {
	queue string
	body  []byte
}

// MemoryBroker is an in-process Broker for tests and local development.
// It enforces the same settle-exactly-once discipline as the network
// backends: every delivery carries a unique tag, settling an unknown or
// already-settled tag is an error, and a nack with requeue redelivers the
// message under a fresh tag. Counters record every settlement so tests can
// assert on acknowledgment behavior.
type MemoryBroker struct {
	mu      sync.Mutex
	queues  map[string]chan Delivery
	pending map[uint64]memPending
	nextTag uint64

	acked    int
	requeued int
	rejected int

	closed   bool
	closedCh chan struct{}
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:   make(map[string]chan Delivery),
		pending:  make(map[uint64]memPending),
		closedCh: make(chan struct{}),
	}
}

func (b *MemoryBroker) queue(name string) chan Delivery {
	if q, ok := b.queues[name]; ok {
		return q
	}
	q := make(chan Delivery, memoryQueueDepth)
	b.queues[name] = q
	return q
}

// Publish enqueues a message body on the named queue.
func (b *MemoryBroker) Publish(ctx context.Context, queue string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}

	owned := append([]byte(nil), body...)
	b.nextTag++
	tag := b.nextTag
	b.pending[tag] = memPending{queue: queue, body: owned}

	select {
	case b.queue(queue) <- Delivery{Tag: tag, Body: owned}:
		return nil
	default:
		delete(b.pending, tag)
		return fmt.Errorf("%w: queue %q full", ErrBroker, queue)
	}
}

// Consume returns a stream of deliveries for the named queue. The stream
// closes when ctx is cancelled or the broker is closed; a delivery already
// pulled off the queue but not yet handed to the reader is put back rather
// than lost.
func (b *MemoryBroker) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	q := b.queue(queue)
	b.mu.Unlock()

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.closedCh:
				return
			case d := <-q:
				select {
				case out <- d:
				case <-ctx.Done():
					b.restore(queue, d)
					return
				case <-b.closedCh:
					b.restore(queue, d)
					return
				}
			}
		}
	}()
	return out, nil
}

// restore puts a delivery back on its queue after a consumer went away
// without taking it.
func (b *MemoryBroker) restore(queue string, d Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.queue(queue) <- d:
	default:
	}
}

// Ack settles a delivery as successfully processed.
func (b *MemoryBroker) Ack(ctx context.Context, tag uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pending[tag]; !ok {
		return fmt.Errorf("%w: ack of unknown delivery tag %d", ErrBroker, tag)
	}
	delete(b.pending, tag)
	b.acked++
	return nil
}

// Nack settles a delivery as not processed. With requeue the message is
// redelivered under a fresh tag; without it the message is dropped.
func (b *MemoryBroker) Nack(ctx context.Context, tag uint64, requeue bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[tag]
	if !ok {
		return fmt.Errorf("%w: nack of unknown delivery tag %d", ErrBroker, tag)
	}
	delete(b.pending, tag)

	if !requeue {
		b.rejected++
		return nil
	}

	b.requeued++
	if b.closed {
		return nil
	}
	b.nextTag++
	next := b.nextTag
	b.pending[next] = p
	select {
	case b.queue(p.queue) <- Delivery{Tag: next, Body: p.body}:
	default:
		delete(b.pending, next)
		return fmt.Errorf("%w: queue %q full on requeue", ErrBroker, p.queue)
	}
	return nil
}

// Close shuts the broker down. Close is idempotent; in-flight consumers see
// their streams end.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.closedCh)
	return nil
}

// Queued returns the number of messages waiting on the named queue.
func (b *MemoryBroker) Queued(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q)
	}
	return 0
}

// Acked returns how many deliveries were settled with Ack.
func (b *MemoryBroker) Acked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

// Requeued returns how many deliveries were settled with Nack(requeue=true).
func (b *MemoryBroker) Requeued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requeued
}

// Rejected returns how many deliveries were settled with Nack(requeue=false).
func (b *MemoryBroker) Rejected() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected
}

// Unacked returns how many deliveries are published or in flight but not
// yet settled.
func (b *MemoryBroker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
