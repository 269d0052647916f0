package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	outbox "github.com/oagudo/txoutbox"
)

type fakeChannel struct {
	confirms  chan amqp.Confirmation
	ack       bool
	silent    bool
	published []amqp.Publishing
	keys      []string
	closed    bool
}

func (c *fakeChannel) Confirm(bool) error { return nil }

func (c *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.confirms = confirm
	return confirm
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.published = append(c.published, msg)
	c.keys = append(c.keys, key)
	if !c.silent {
		c.confirms <- amqp.Confirmation{DeliveryTag: uint64(len(c.published)), Ack: c.ack}
	}
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

type fakeAcknowledger struct {
	acked, nacked, requeued bool
}

func (a *fakeAcknowledger) Ack(uint64, bool) error { a.acked = true; return nil }

func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked, a.requeued = true, requeue
	return nil
}

func (a *fakeAcknowledger) Reject(uint64, bool) error { return nil }

func testEnvelope() *outbox.Envelope {
	return &outbox.Envelope{
		MessageID:   "id-1",
		Destination: "orders",
		Type:        "OrderPlaced",
		ContentType: outbox.ContentTypeJSON,
		Payload:     []byte(`{}`),
		Headers:     map[string]string{"trace_id": "t-1"},
	}
}

func TestPublisherWaitsForConfirmation(t *testing.T) {
	ch := &fakeChannel{ack: true}
	p, err := NewPublisher(ch, "")
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), testEnvelope()))

	require.Len(t, ch.published, 1)
	assert.Equal(t, "orders", ch.keys[0])
	assert.Equal(t, "id-1", ch.published[0].MessageId)
	assert.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)
	assert.Equal(t, "t-1", ch.published[0].Headers["trace_id"])
}

func TestPublisherReportsNack(t *testing.T) {
	p, err := NewPublisher(&fakeChannel{ack: false}, "")
	require.NoError(t, err)

	assert.ErrorIs(t, p.Publish(context.Background(), testEnvelope()), ErrPublishNacked)
}

func TestPublisherGivesUpOnMissingConfirmation(t *testing.T) {
	ch := &fakeChannel{silent: true}
	p, err := NewPublisher(ch, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, p.Publish(ctx, testEnvelope()), context.DeadlineExceeded)
	assert.True(t, ch.closed)
}

func TestSubscriberAcksAcceptedAndRequeuesRejected(t *testing.T) {
	s := &Subscriber{queue: "orders", logger: zaptest.NewLogger(t)}
	delivery := func(ack amqp.Acknowledger) amqp.Delivery {
		return amqp.Delivery{
			Acknowledger: ack,
			MessageId:    "id-1",
			Type:         "OrderPlaced",
			ContentType:  outbox.ContentTypeJSON,
			Headers:      amqp.Table{"trace_id": "t-1"},
			Body:         []byte(`{}`),
		}
	}

	var got *outbox.Envelope
	accepted := &fakeAcknowledger{}
	require.NoError(t, s.handle(context.Background(), delivery(accepted), func(_ context.Context, env *outbox.Envelope) error {
		got = env
		return nil
	}))
	assert.True(t, accepted.acked)
	assert.Equal(t, testEnvelope(), got)

	rejected := &fakeAcknowledger{}
	require.NoError(t, s.handle(context.Background(), delivery(rejected), func(context.Context, *outbox.Envelope) error {
		return errors.New("not now")
	}))
	assert.False(t, rejected.acked)
	assert.True(t, rejected.nacked)
	assert.True(t, rejected.requeued)
}
