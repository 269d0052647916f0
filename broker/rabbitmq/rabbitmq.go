// Package rabbitmq publishes outbox messages to RabbitMQ with publisher confirms and
// consumes them back with manual acknowledgments.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	outbox "github.com/oagudo/txoutbox"
	"github.com/oagudo/txoutbox/broker"
)

var (
	// ErrPublishNacked is returned when the broker refuses a message.
	ErrPublishNacked = errors.New("message was nacked by broker")
	// ErrChannelClosed is returned when the channel closed before confirming a message.
	ErrChannelClosed = errors.New("amqp channel closed")
)

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends envelopes to an exchange, routed by destination, and returns once
// the broker confirmed them. Publishes are serialized so confirmations stay in order.
type Publisher struct {
	exchange string

	mu       sync.Mutex
	ch       Channel
	confirms chan amqp.Confirmation
}

// NewPublisher puts ch in confirm mode. With an empty exchange the default exchange is
// used and destinations are queue names.
func NewPublisher(ch Channel, exchange string) (*Publisher, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enabling publisher confirms: %w", err)
	}

	return &Publisher{
		exchange: exchange,
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

func toPublishing(env *outbox.Envelope) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range broker.Headers(env) {
		headers[k] = v
	}

	return amqp.Publishing{
		Headers:      headers,
		ContentType:  env.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    env.MessageID,
		Type:         env.Type,
		Body:         env.Payload,
	}
}

// Publish implements outbox.Publisher.
func (p *Publisher) Publish(ctx context.Context, env *outbox.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.PublishWithContext(ctx, p.exchange, env.Destination, false, false, toPublishing(env)); err != nil {
		return fmt.Errorf("publishing message %s: %w", env.MessageID, err)
	}

	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			return ErrChannelClosed
		}
		if !confirm.Ack {
			return fmt.Errorf("%w: message %s", ErrPublishNacked, env.MessageID)
		}
		return nil
	case <-ctx.Done():
		// the late confirmation would be matched to the next publish
		_ = p.ch.Close()
		return fmt.Errorf("waiting for confirmation of message %s: %w", env.MessageID, ctx.Err())
	}
}

// Close closes the channel.
func (p *Publisher) Close() error {
	return p.ch.Close()
}

func fromDelivery(queue string, d amqp.Delivery) *outbox.Envelope {
	headers := make(map[string]string, len(d.Headers)+3)
	for k, v := range d.Headers {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		default:
			headers[k] = fmt.Sprint(val)
		}
	}
	if d.MessageId != "" {
		headers[outbox.HeaderMessageID] = d.MessageId
	}
	if d.Type != "" {
		headers[outbox.HeaderMessageType] = d.Type
	}
	if d.ContentType != "" {
		headers[outbox.HeaderContentType] = d.ContentType
	}

	return broker.Envelope(queue, d.Body, headers)
}

// SubscriberOption is a function that configures a Subscriber instance.
type SubscriberOption func(*Subscriber)

// WithPrefetch limits the unacknowledged deliveries held by the subscriber. Default is 10.
func WithPrefetch(count int) SubscriberOption {
	return func(s *Subscriber) {
		if count > 0 {
			s.prefetch = count
		}
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) SubscriberOption {
	return func(s *Subscriber) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Subscriber consumes a durable queue. Accepted deliveries are acked; rejected ones are
// nacked with requeue so the broker delivers them again.
type Subscriber struct {
	ch       *amqp.Channel
	queue    string
	tag      string
	prefetch int
	logger   *zap.Logger
}

// NewSubscriber declares queue on ch and returns a Subscriber for it.
func NewSubscriber(ch *amqp.Channel, queue string, opts ...SubscriberOption) (*Subscriber, error) {
	s := &Subscriber{
		ch:       ch,
		queue:    queue,
		tag:      "txoutbox-" + queue,
		prefetch: 10,
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declaring queue %s: %w", queue, err)
	}
	if err := ch.Qos(s.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("setting prefetch: %w", err)
	}

	return s, nil
}

// Run delivers messages to fn until ctx is done, then returns nil.
func (s *Subscriber) Run(ctx context.Context, fn outbox.DeliveryFunc) error {
	deliveries, err := s.ch.Consume(s.queue, s.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming queue %s: %w", s.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			_ = s.ch.Cancel(s.tag, false)
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("consuming queue %s: %w", s.queue, ErrChannelClosed)
			}
			if err := s.handle(ctx, d, fn); err != nil {
				return err
			}
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, d amqp.Delivery, fn outbox.DeliveryFunc) error {
	env := fromDelivery(s.queue, d)

	if err := fn(ctx, env); err != nil {
		s.logger.Warn("amqp delivery rejected",
			zap.String("message_id", env.MessageID),
			zap.String("queue", s.queue),
			zap.Bool("redelivered", d.Redelivered),
			zap.Error(err))
		if nackErr := d.Nack(false, true); nackErr != nil {
			return fmt.Errorf("nacking message %s: %w", env.MessageID, nackErr)
		}
		return nil
	}

	if err := d.Ack(false); err != nil {
		return fmt.Errorf("acking message %s: %w", env.MessageID, err)
	}
	return nil
}
