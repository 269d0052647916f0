package broker

import (
	"maps"

	outbox "github.com/oagudo/txoutbox"
)

// Headers flattens an envelope into transport headers: its metadata plus the
// message id, type and content type.
func Headers(env *outbox.Envelope) map[string]string {
	h := make(map[string]string, len(env.Headers)+3)
	maps.Copy(h, env.Headers)

	h[outbox.HeaderMessageID] = env.MessageID
	if env.Type != "" {
		h[outbox.HeaderMessageType] = env.Type
	}
	if env.ContentType != "" {
		h[outbox.HeaderContentType] = env.ContentType
	}

	return h
}

// Envelope rebuilds an envelope from a received message. Headers set by [Headers]
// are moved back to their fields; the rest becomes metadata.
func Envelope(destination string, payload []byte, headers map[string]string) *outbox.Envelope {
	env := &outbox.Envelope{
		MessageID:   headers[outbox.HeaderMessageID],
		Destination: destination,
		Type:        headers[outbox.HeaderMessageType],
		ContentType: headers[outbox.HeaderContentType],
		Payload:     payload,
		Headers:     make(map[string]string, len(headers)),
	}

	for k, v := range headers {
		switch k {
		case outbox.HeaderMessageID, outbox.HeaderMessageType, outbox.HeaderContentType:
		default:
			env.Headers[k] = v
		}
	}

	return env
}
