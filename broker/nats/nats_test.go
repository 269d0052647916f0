package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	outbox "github.com/oagudo/txoutbox"
)

type fakeJetStream struct {
	err  error
	msgs []*nats.Msg
	opts []nats.PubOpt
}

func (f *fakeJetStream) PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	f.msgs = append(f.msgs, m)
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return &nats.PubAck{Stream: "OUTBOX", Sequence: uint64(len(f.msgs))}, nil
}

func TestPublisherSendsHeadersAndDeduplicationID(t *testing.T) {
	js := &fakeJetStream{}
	p := &Publisher{js: js}

	env := &outbox.Envelope{
		MessageID:   "id-1",
		Destination: "orders.placed",
		Type:        "OrderPlaced",
		ContentType: outbox.ContentTypeJSON,
		Payload:     []byte(`{}`),
		Headers:     map[string]string{"trace_id": "t-1"},
	}
	require.NoError(t, p.Publish(context.Background(), env))

	require.Len(t, js.msgs, 1)
	msg := js.msgs[0]
	assert.Equal(t, "orders.placed", msg.Subject)
	assert.Equal(t, "id-1", msg.Header.Get(outbox.HeaderMessageID))
	assert.Len(t, js.opts, 2)

	// the server adds the deduplication header on the way back
	msg.Header.Set(nats.MsgIdHdr, "id-1")
	assert.Equal(t, env, fromNatsMsg(msg))

	js.err = errors.New("no responders")
	assert.ErrorIs(t, p.Publish(context.Background(), env), js.err)
}
