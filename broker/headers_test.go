package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	outbox "github.com/oagudo/txoutbox"
)

func TestHeadersCarryEnvelopeFields(t *testing.T) {
	env := &outbox.Envelope{
		MessageID:   "0190a5e2-0000-7000-8000-000000000001",
		Destination: "orders",
		Type:        "OrderPlaced",
		ContentType: outbox.ContentTypeJSON,
		Payload:     []byte(`{}`),
		Headers:     map[string]string{"trace_id": "t-1"},
	}

	h := Headers(env)
	assert.Equal(t, env.MessageID, h[outbox.HeaderMessageID])
	assert.Equal(t, "OrderPlaced", h[outbox.HeaderMessageType])
	assert.Equal(t, "t-1", h["trace_id"])

	assert.Equal(t, env, Envelope("orders", []byte(`{}`), h))
}
