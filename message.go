package outbox

import (
	"time"

	"github.com/google/uuid"
)

// ContentTypeJSON is the default content type of outbox messages.
const ContentTypeJSON = "application/json"

// MessageOption is a function that can be used to configure a Message.
type MessageOption func(*Message)

// Message is a row of the outbox table: a message waiting to be, or already, published
// to a broker destination.
type Message struct {
	// ID is the unique identifier of the message. It is also the message id seen by
	// consumers, so it stays the same across redeliveries.
	ID uuid.UUID

	// Destination is the logical channel (topic, queue, subject) the message is published to.
	Destination string

	// Type discriminates the payload so consumers can pick a handler.
	Type string

	// ContentType describes the payload encoding. Defaults to application/json.
	ContentType string

	// Payload contains the actual message data.
	Payload []byte

	// Metadata holds headers such as correlation or trace ids.
	Metadata map[string]string

	// State is the lifecycle state. Read only field.
	State State

	// CreatedAt is the timestamp when the message was created
	CreatedAt time.Time

	// ScheduledAt is the earliest time the message may be published.
	// The dispatcher pushes it forward after each failed attempt.
	ScheduledAt time.Time

	// DispatchedAt is set once the broker acknowledged the message. Read only field.
	DispatchedAt *time.Time

	// TimesAttempted is the number of failed publish attempts. Read only field.
	TimesAttempted int32

	// LastError is the error of the latest failed attempt. Read only field.
	LastError string
}

// WithID sets the unique identifier of the message.
// If not provided, a new time ordered UUID is generated.
func WithID(id uuid.UUID) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

// WithType sets the type discriminator of the message.
func WithType(msgType string) MessageOption {
	return func(m *Message) {
		m.Type = msgType
	}
}

// WithContentType sets the content type of the payload.
func WithContentType(contentType string) MessageOption {
	return func(m *Message) {
		m.ContentType = contentType
	}
}

// WithCreatedAt sets the time the message was created.
// If not provided, the current time will be used.
func WithCreatedAt(createdAt time.Time) MessageOption {
	return func(m *Message) {
		m.CreatedAt = createdAt
	}
}

// WithScheduledAt sets the time the message should be published.
// If not provided, the current time will be used.
func WithScheduledAt(scheduledAt time.Time) MessageOption {
	return func(m *Message) {
		m.ScheduledAt = scheduledAt
	}
}

// WithMetadata attaches message metadata (e.g. correlation ID, trace ID, etc).
func WithMetadata(metadata map[string]string) MessageOption {
	return func(m *Message) {
		m.Metadata = metadata
	}
}

// NewMessage creates a new pending Message for destination with the given payload.
func NewMessage(destination string, payload []byte, opts ...MessageOption) *Message {
	now := time.Now().UTC()

	m := &Message{
		ID:          uuid.Must(uuid.NewV7()),
		Destination: destination,
		ContentType: ContentTypeJSON,
		Payload:     payload,
		State:       StatePending,
		CreatedAt:   now,
		ScheduledAt: now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Envelope returns the broker facing view of the message.
func (m *Message) Envelope() *Envelope {
	headers := make(map[string]string, len(m.Metadata))
	for k, v := range m.Metadata {
		headers[k] = v
	}

	return &Envelope{
		MessageID:   m.ID.String(),
		Destination: m.Destination,
		Type:        m.Type,
		ContentType: m.ContentType,
		Payload:     m.Payload,
		Headers:     headers,
	}
}

// Envelope is a message as it travels through a broker.
type Envelope struct {
	// MessageID is stable across redeliveries and is the consumer deduplication key.
	MessageID   string
	Destination string
	Type        string
	ContentType string
	Payload     []byte
	Headers     map[string]string
}

// Header names used by broker adapters to carry envelope fields.
const (
	HeaderMessageID   = "message_id"
	HeaderMessageType = "message_type"
	HeaderContentType = "content_type"
)
