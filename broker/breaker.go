// Package broker holds what the broker adapters share.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	outbox "github.com/oagudo/txoutbox"
)

// BreakerConfig tunes the circuit breakers of a BreakerPublisher.
type BreakerConfig struct {
	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32
	// Interval is the cyclic period of the closed state after which counts are cleared.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
}

// DefaultBreakerConfig returns settings suited to a dispatcher publishing every few seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// BreakerPublisher guards a Publisher with one circuit breaker per destination.
// While a destination's breaker is open, publishes fail fast with ErrBreakerOpen and the
// dispatcher schedules the message for a later attempt.
type BreakerPublisher struct {
	next   outbox.Publisher
	config BreakerConfig
	logger *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// ErrBreakerOpen is returned while the circuit breaker of a destination rejects publishes.
var ErrBreakerOpen = errors.New("circuit breaker open")

// NewBreakerPublisher wraps next. A nil logger disables logging.
func NewBreakerPublisher(next outbox.Publisher, config BreakerConfig, logger *zap.Logger) *BreakerPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerPublisher{
		next:     next,
		config:   config,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (p *BreakerPublisher) breaker(destination string) *gobreaker.CircuitBreaker {
	p.mu.RLock()
	cb, exists := p.breakers[destination]
	p.mu.RUnlock()

	if exists {
		return cb
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if cb, exists = p.breakers[destination]; exists {
		return cb
	}

	threshold := p.config.ConsecutiveFailures
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "publish-" + destination,
		MaxRequests: p.config.MaxRequests,
		Interval:    p.config.Interval,
		Timeout:     p.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			p.logger.Warn("publisher circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})
	p.breakers[destination] = cb

	return cb
}

// Publish implements outbox.Publisher.
func (p *BreakerPublisher) Publish(ctx context.Context, env *outbox.Envelope) error {
	_, err := p.breaker(env.Destination).Execute(func() (any, error) {
		return nil, p.next.Publish(ctx, env)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w for destination %s: %w", ErrBreakerOpen, env.Destination, err)
	}
	return err
}

// State returns the breaker state of a destination. Destinations never published to are closed.
func (p *BreakerPublisher) State(destination string) gobreaker.State {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if cb, ok := p.breakers[destination]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}
