package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	outbox "github.com/oagudo/txoutbox"
	"github.com/oagudo/txoutbox/broker"
	"github.com/oagudo/txoutbox/broker/kafka"
	"github.com/oagudo/txoutbox/broker/memory"
	natsbroker "github.com/oagudo/txoutbox/broker/nats"
	"github.com/oagudo/txoutbox/broker/rabbitmq"
	"github.com/oagudo/txoutbox/internal/config"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// transport bundles the publisher used by the dispatcher with the subscription
// feeding the consumer, for the configured broker.
type transport struct {
	publisher outbox.Publisher
	subscribe func(ctx context.Context, fn outbox.DeliveryFunc) error
	closers   []func() error
}

func (t *transport) Close() error {
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		errs = append(errs, t.closers[i]())
	}
	return errors.Join(errs...)
}

func connect(cfg config.Broker, logger *zap.Logger) (*transport, error) {
	t, err := dial(cfg, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Breaker {
		t.publisher = broker.NewBreakerPublisher(t.publisher, broker.DefaultBreakerConfig(), logger)
	}

	return t, nil
}

func dial(cfg config.Broker, logger *zap.Logger) (*transport, error) {
	log := logger.With(zap.String("broker", cfg.Kind))

	switch cfg.Kind {
	case config.BrokerMemory:
		b := memory.New(memory.WithLogger(log))
		return &transport{
			publisher: b,
			subscribe: func(ctx context.Context, fn outbox.DeliveryFunc) error {
				return b.Subscribe(ctx, cfg.Destination, fn)
			},
		}, nil

	case config.BrokerKafka:
		p := kafka.NewPublisher(cfg.URLs...)
		return &transport{
			publisher: p,
			subscribe: func(ctx context.Context, fn outbox.DeliveryFunc) error {
				s := kafka.NewSubscriber(cfg.URLs, cfg.Group, cfg.Destination, kafka.WithLogger(log))
				defer func() {
					_ = s.Close()
				}()
				return s.Run(ctx, fn)
			},
			closers: []func() error{p.Close},
		}, nil

	case config.BrokerRabbitMQ:
		return dialRabbitMQ(cfg, log)

	case config.BrokerNATS:
		return dialNATS(cfg, log)

	default:
		return nil, fmt.Errorf("unsupported broker %q", cfg.Kind)
	}
}

func dialRabbitMQ(cfg config.Broker, log *zap.Logger) (*transport, error) {
	conn, err := amqp.Dial(cfg.URLs[0])
	if err != nil {
		return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening rabbitmq channel: %w", err)
	}

	p, err := rabbitmq.NewPublisher(ch, cfg.Exchange)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &transport{
		publisher: p,
		subscribe: func(ctx context.Context, fn outbox.DeliveryFunc) error {
			subCh, err := conn.Channel()
			if err != nil {
				return fmt.Errorf("opening rabbitmq channel: %w", err)
			}
			s, err := rabbitmq.NewSubscriber(subCh, cfg.Destination, rabbitmq.WithLogger(log))
			if err != nil {
				_ = subCh.Close()
				return err
			}
			defer func() {
				_ = subCh.Close()
			}()
			return s.Run(ctx, fn)
		},
		closers: []func() error{conn.Close, p.Close},
	}, nil
}

func dialNATS(cfg config.Broker, log *zap.Logger) (*transport, error) {
	nc, err := nats.Connect(strings.Join(cfg.URLs, ","), nats.Name("txoutbox"))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	if err := natsbroker.EnsureStream(js, cfg.Stream, cfg.Destination); err != nil {
		nc.Close()
		return nil, err
	}

	return &transport{
		publisher: natsbroker.NewPublisher(js),
		subscribe: func(ctx context.Context, fn outbox.DeliveryFunc) error {
			s, err := natsbroker.NewSubscriber(js, cfg.Destination, cfg.Group, natsbroker.WithLogger(log))
			if err != nil {
				return err
			}
			defer func() {
				_ = s.Close()
			}()
			return s.Run(ctx, fn)
		},
		closers: []func() error{func() error {
			return nc.Drain()
		}},
	}, nil
}
