package outbox

import "context"

// Publisher sends envelopes to a message broker.
type Publisher interface {
	// Publish sends env to env.Destination and returns nil only once the broker
	// acknowledged it. It may be called several times for the same message, so
	// consumers must be idempotent. Implementations must be safe for concurrent use.
	Publish(ctx context.Context, env *Envelope) error
}

// PublisherFunc adapts an ordinary function to the Publisher interface.
type PublisherFunc func(ctx context.Context, env *Envelope) error

// Publish calls f(ctx, env).
func (f PublisherFunc) Publish(ctx context.Context, env *Envelope) error {
	return f(ctx, env)
}

// DeliveryFunc receives envelopes from a broker subscription. Returning nil
// acknowledges the delivery; an error asks the broker to redeliver it.
type DeliveryFunc func(ctx context.Context, env *Envelope) error
