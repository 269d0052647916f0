// Package nats publishes outbox messages to NATS JetStream and consumes them back
// through a durable pull consumer.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	outbox "github.com/oagudo/txoutbox"
	"github.com/oagudo/txoutbox/broker"
)

type jetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher stores envelopes in JetStream and returns once the stream acknowledged them.
// The message id is sent as Nats-Msg-Id, so the stream drops republications of a message
// that arrive within its duplicate window.
type Publisher struct {
	js jetStream
}

// NewPublisher creates a Publisher on a JetStream context.
func NewPublisher(js nats.JetStreamContext) *Publisher {
	return &Publisher{js: js}
}

// EnsureStream creates the stream capturing subjects if it does not exist yet.
func EnsureStream(js nats.JetStreamContext, name string, subjects ...string) error {
	_, err := js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("looking up stream %s: %w", name, err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   subjects,
		Storage:    nats.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("creating stream %s: %w", name, err)
	}
	return nil
}

func toNatsMsg(env *outbox.Envelope) *nats.Msg {
	msg := &nats.Msg{
		Subject: env.Destination,
		Data:    env.Payload,
		Header:  make(nats.Header),
	}
	for k, v := range broker.Headers(env) {
		msg.Header.Set(k, v)
	}
	return msg
}

func fromNatsMsg(msg *nats.Msg) *outbox.Envelope {
	headers := make(map[string]string, len(msg.Header))
	for k := range msg.Header {
		if k == nats.MsgIdHdr {
			continue
		}
		headers[k] = msg.Header.Get(k)
	}
	return broker.Envelope(msg.Subject, msg.Data, headers)
}

// Publish implements outbox.Publisher.
func (p *Publisher) Publish(ctx context.Context, env *outbox.Envelope) error {
	_, err := p.js.PublishMsg(toNatsMsg(env), nats.MsgId(env.MessageID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publishing message %s to %s: %w", env.MessageID, env.Destination, err)
	}
	return nil
}

// SubscriberOption is a function that configures a Subscriber instance.
type SubscriberOption func(*Subscriber)

// WithBatchSize sets how many messages are pulled at once. Default is 10.
func WithBatchSize(size int) SubscriberOption {
	return func(s *Subscriber) {
		if size > 0 {
			s.batchSize = size
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

// Subscriber pulls messages of a subject through a durable consumer. Accepted messages
// are acked; rejected ones are nacked and redelivered by the server.
type Subscriber struct {
	sub       *nats.Subscription
	batchSize int
	logger    *zap.Logger
}

// NewSubscriber binds a durable pull consumer to subject.
func NewSubscriber(js nats.JetStreamContext, subject, durable string, opts ...SubscriberOption) (*Subscriber, error) {
	s := &Subscriber{
		batchSize: 10,
		logger:    zap.NewNop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	sub, err := js.PullSubscribe(subject, durable, nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	s.sub = sub

	return s, nil
}

// Run delivers messages to fn until ctx is done, then returns nil.
func (s *Subscriber) Run(ctx context.Context, fn outbox.DeliveryFunc) error {
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		msgs, err := s.sub.Fetch(s.batchSize, nats.Context(fetchCtx))
		cancel()

		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, nats.ErrTimeout) {
			return fmt.Errorf("fetching from %s: %w", s.sub.Subject, err)
		}

		for _, msg := range msgs {
			if err := s.handle(ctx, msg, fn); err != nil {
				return err
			}
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, msg *nats.Msg, fn outbox.DeliveryFunc) error {
	env := fromNatsMsg(msg)

	if err := fn(ctx, env); err != nil {
		s.logger.Warn("jetstream delivery rejected",
			zap.String("message_id", env.MessageID),
			zap.String("subject", msg.Subject),
			zap.Error(err))
		if nakErr := msg.Nak(); nakErr != nil {
			return fmt.Errorf("nacking message %s: %w", env.MessageID, nakErr)
		}
		return nil
	}

	if err := msg.Ack(); err != nil {
		return fmt.Errorf("acking message %s: %w", env.MessageID, err)
	}
	return nil
}

// Close removes the interest of the subscription. The durable consumer is kept.
func (s *Subscriber) Close() error {
	return s.sub.Unsubscribe()
}
