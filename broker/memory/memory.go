// Package memory is an in-process broker for tests, demos and single binary deployments.
// Messages do not survive the process.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	outbox "github.com/oagudo/txoutbox"
)

// Option is a function that configures a Broker instance.
type Option func(*Broker)

// WithBufferSize sets how many messages a destination holds before Publish blocks.
// Default is 1024.
func WithBufferSize(size int) Option {
	return func(b *Broker) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// WithRedeliveryDelay sets the wait before a rejected delivery is retried.
// Default is 100 milliseconds.
func WithRedeliveryDelay(delay time.Duration) Option {
	return func(b *Broker) {
		if delay >= 0 {
			b.redeliveryDelay = delay
		}
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Broker keeps one queue per destination. Subscribers of the same destination compete
// for its messages, and a message rejected by a subscriber is redelivered until accepted.
type Broker struct {
	bufferSize      int
	redeliveryDelay time.Duration
	logger          *zap.Logger

	mu     sync.Mutex
	queues map[string]chan *outbox.Envelope
}

// New creates an empty Broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		bufferSize:      1024,
		redeliveryDelay: 100 * time.Millisecond,
		logger:          zap.NewNop(),
		queues:          make(map[string]chan *outbox.Envelope),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

func (b *Broker) queue(destination string) chan *outbox.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[destination]
	if !ok {
		q = make(chan *outbox.Envelope, b.bufferSize)
		b.queues[destination] = q
	}
	return q
}

// Publish implements outbox.Publisher. The envelope is copied, so the caller may reuse it.
func (b *Broker) Publish(ctx context.Context, env *outbox.Envelope) error {
	cp := *env
	cp.Payload = slices.Clone(env.Payload)
	cp.Headers = maps.Clone(env.Headers)

	select {
	case b.queue(env.Destination) <- &cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of messages waiting in a destination.
func (b *Broker) Pending(destination string) int {
	return len(b.queue(destination))
}

// Subscribe delivers the messages of destination to fn until ctx is done, then returns nil.
// A delivery is acknowledged when fn returns nil; otherwise it is retried after the
// redelivery delay.
func (b *Broker) Subscribe(ctx context.Context, destination string, fn outbox.DeliveryFunc) error {
	q := b.queue(destination)

	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-q:
			b.deliver(ctx, q, env, fn)
		}
	}
}

func (b *Broker) deliver(ctx context.Context, q chan *outbox.Envelope, env *outbox.Envelope, fn outbox.DeliveryFunc) {
	log := b.logger.With(zap.String("message_id", env.MessageID), zap.String("destination", env.Destination))

	for attempt := 1; ; attempt++ {
		err := fn(ctx, env)
		if err == nil {
			return
		}
		log.Warn("delivery rejected, redelivering", zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-ctx.Done():
			// hand the message back for the next subscriber
			select {
			case q <- env:
			default:
				log.Error("queue full, dropping unacknowledged message")
			}
			return
		case <-time.After(b.redeliveryDelay):
		}
	}
}
