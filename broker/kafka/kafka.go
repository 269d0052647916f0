// Package kafka publishes outbox messages to Kafka topics and consumes them back.
//
// The destination of a message is its topic and the message id is its key, so every
// delivery of a message lands on the same partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	outbox "github.com/oagudo/txoutbox"
	"github.com/oagudo/txoutbox/broker"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes envelopes to Kafka and returns once all in-sync replicas acknowledged them.
type Publisher struct {
	writer messageWriter
}

// NewPublisher creates a Publisher for the given brokers.
func NewPublisher(brokers ...string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
}

func toKafkaMessage(env *outbox.Envelope) kafka.Message {
	headers := broker.Headers(env)
	kafkaHeaders := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		kafkaHeaders = append(kafkaHeaders, kafka.Header{Key: k, Value: []byte(v)})
	}

	return kafka.Message{
		Topic:   env.Destination,
		Key:     []byte(env.MessageID),
		Value:   env.Payload,
		Headers: kafkaHeaders,
	}
}

func fromKafkaMessage(m kafka.Message) *outbox.Envelope {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	if _, ok := headers[outbox.HeaderMessageID]; !ok {
		headers[outbox.HeaderMessageID] = string(m.Key)
	}
	return broker.Envelope(m.Topic, m.Value, headers)
}

// Publish implements outbox.Publisher.
func (p *Publisher) Publish(ctx context.Context, env *outbox.Envelope) error {
	if err := p.writer.WriteMessages(ctx, toKafkaMessage(env)); err != nil {
		return fmt.Errorf("writing message %s to topic %s: %w", env.MessageID, env.Destination, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SubscriberOption is a function that configures a Subscriber instance.
type SubscriberOption func(*Subscriber)

// WithRetryDelay sets the wait before a rejected message is delivered again.
// Default is 1 second.
func WithRetryDelay(delay time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		s.retryDelay = delay
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

// Subscriber reads a topic as part of a consumer group. Offsets are committed only
// after the delivery function accepted the message, so a crash leads to redelivery.
type Subscriber struct {
	reader     messageReader
	retryDelay time.Duration
	logger     *zap.Logger
}

// NewSubscriber creates a Subscriber reading topic as member of groupID.
func NewSubscriber(brokers []string, groupID, topic string, opts ...SubscriberOption) *Subscriber {
	return newSubscriber(kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		GroupID: groupID,
		Topic:   topic,
	}), opts...)
}

func newSubscriber(reader messageReader, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		reader:     reader,
		retryDelay: time.Second,
		logger:     zap.NewNop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Run delivers messages to fn until ctx is done, then returns nil.
// A message is retried in place until fn accepts it, which keeps the partition order.
func (s *Subscriber) Run(ctx context.Context, fn outbox.DeliveryFunc) error {
	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetching kafka message: %w", err)
		}

		if !s.deliver(ctx, m, fn) {
			return nil
		}

		if err := s.reader.CommitMessages(ctx, m); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("committing kafka offset %d: %w", m.Offset, err)
		}
	}
}

func (s *Subscriber) deliver(ctx context.Context, m kafka.Message, fn outbox.DeliveryFunc) bool {
	env := fromKafkaMessage(m)

	for {
		err := fn(ctx, env)
		if err == nil {
			return true
		}
		s.logger.Warn("kafka delivery rejected",
			zap.String("message_id", env.MessageID),
			zap.String("topic", m.Topic),
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.retryDelay):
		}
	}
}

// Close leaves the consumer group.
func (s *Subscriber) Close() error {
	return s.reader.Close()
}
