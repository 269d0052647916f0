package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

// Dispatcher periodically claims pending messages from the outbox table
// and publishes them to a broker, retrying failures with backoff and moving
// messages that exhaust their attempts to the failed state.
type Dispatcher struct {
	store     *Store
	publisher Publisher
	logger    *zap.Logger
	metrics   *dispatcherMetrics

	interval       time.Duration
	readTimeout    time.Duration
	publishTimeout time.Duration
	updateTimeout  time.Duration
	batchSize      int
	maxAttempts    int32
	lease          time.Duration
	delayFunc      DelayFunc
	meterProvider  metric.MeterProvider

	started     int32
	closed      int32
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	notifyCh    chan struct{}
	errCh       chan error
	deadLetters chan Message
}

// DispatcherOption is a function that configures a Dispatcher instance.
type DispatcherOption func(*Dispatcher)

// WithInterval sets the time between dispatch cycles.
// Default is 10 seconds.
func WithInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

// WithReadTimeout sets the timeout for claiming messages from the outbox.
// Default is 5 seconds.
func WithReadTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.readTimeout = timeout
	}
}

// WithPublishTimeout sets the timeout of a single publish call.
// Default is 5 seconds.
func WithPublishTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.publishTimeout = timeout
	}
}

// WithUpdateTimeout sets the timeout for updating a message in the outbox table.
// Default is 5 seconds.
func WithUpdateTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.updateTimeout = timeout
	}
}

// WithBatchSize sets the maximum number of messages claimed per cycle.
// Default is 100 messages. Must be positive.
func WithBatchSize(batchSize int) DispatcherOption {
	return func(d *Dispatcher) {
		if batchSize > 0 {
			d.batchSize = batchSize
		}
	}
}

// WithMaxAttempts sets the number of publish attempts a message gets before it is
// moved to the failed state and sent to the DeadLetters channel.
// Default is 10. Must be positive.
func WithMaxAttempts(maxAttempts int32) DispatcherOption {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
	}
}

// WithLease sets how long a claimed message stays reserved for this dispatcher.
// If the process dies holding a claim, other dispatchers pick the message up once
// the lease expires. It should comfortably exceed the publish timeout.
// Default is 30 seconds.
func WithLease(lease time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if lease > 0 {
			d.lease = lease
		}
	}
}

// WithExponentialDelay sets the delay between attempts to publish a message to be exponential.
// See [Exponential].
func WithExponentialDelay(initialDelay time.Duration, maxDelay time.Duration) DispatcherOption {
	return WithDelay(Exponential(initialDelay, maxDelay))
}

// WithFixedDelay sets the delay between attempts to publish a message to be fixed.
func WithFixedDelay(delay time.Duration) DispatcherOption {
	return WithDelay(Fixed(delay))
}

// WithDelay sets the delay function to apply between attempts to publish a message.
// Default is Exponential(200ms, 1h).
func WithDelay(delayFunc DelayFunc) DispatcherOption {
	return func(d *Dispatcher) {
		if delayFunc != nil {
			d.delayFunc = delayFunc
		}
	}
}

// WithErrorChannelSize sets the size of the error channel.
// Default is 128. Size must be positive.
func WithErrorChannelSize(size int) DispatcherOption {
	return func(d *Dispatcher) {
		if size > 0 {
			d.errCh = make(chan error, size)
		}
	}
}

// WithDeadLetterChannelSize sets the size of the dead letters channel.
// Default is 128. Size must be positive.
func WithDeadLetterChannelSize(size int) DispatcherOption {
	return func(d *Dispatcher) {
		if size > 0 {
			d.deadLetters = make(chan Message, size)
		}
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider.
// Default is the global provider.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(d *Dispatcher) {
		d.meterProvider = provider
	}
}

// NewDispatcher creates a new Dispatcher publishing the messages of store through publisher.
func NewDispatcher(store *Store, publisher Publisher, opts ...DispatcherOption) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		store:          store,
		publisher:      publisher,
		logger:         zap.NewNop(),
		ctx:            ctx,
		cancel:         cancel,
		interval:       10 * time.Second,
		readTimeout:    5 * time.Second,
		publishTimeout: 5 * time.Second,
		updateTimeout:  5 * time.Second,
		batchSize:      100,
		maxAttempts:    10,
		lease:          30 * time.Second,
		delayFunc:      Exponential(200*time.Millisecond, 1*time.Hour),
		notifyCh:       make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.errCh == nil {
		d.errCh = make(chan error, 128)
	}

	if d.deadLetters == nil {
		d.deadLetters = make(chan Message, 128)
	}

	m, err := newDispatcherMetrics(d.meterProvider)
	if err != nil {
		d.logger.Warn("outbox metrics disabled", zap.Error(err))
		m, _ = newDispatcherMetrics(noop.NewMeterProvider())
	}
	d.metrics = m

	return d
}

// Start begins the background dispatching of outbox messages.
// A cycle runs every interval and whenever Notify is called.
// If Start is called multiple times, only the first call has an effect.
func (d *Dispatcher) Start() {
	if !atomic.CompareAndSwapInt32(&d.started, 0, 1) {
		return
	}

	d.logger.Info("outbox dispatcher started",
		zap.String("worker_id", d.store.WorkerID()),
		zap.Duration("interval", d.interval),
		zap.Int32("max_attempts", d.maxAttempts))

	d.wg.Add(1)
	go func() {
		ticker := time.NewTicker(d.interval)

		defer d.wg.Done()
		defer close(d.errCh)
		defer close(d.deadLetters)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.runCycle()
			case <-d.notifyCh:
				d.runCycle()
			case <-d.ctx.Done():
				return
			}
		}
	}()
}

// Notify wakes the dispatcher up for an immediate cycle. It never blocks and
// can be registered as a commit hook with [WithAfterCommit].
func (d *Dispatcher) Notify() {
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

// Stop gracefully shuts down the dispatcher.
// It prevents new cycles from starting, interrupts in-flight publishing and waits for
// the current cycle to finish. Messages claimed but not yet published are released.
// The provided context controls how long to wait for graceful shutdown before giving up.
//
// If the context expires before processing completes, Stop returns the context's
// error. If shutdown completes successfully, it returns nil.
// Calling Stop multiple times is safe and only the first call has an effect.
// Stopping a dispatcher that was never started closes its channels and keeps it
// from being started later.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&d.closed, 0, 1) {
		return nil
	}

	d.cancel() // signal stop

	if atomic.CompareAndSwapInt32(&d.started, 0, 1) {
		// never started, nobody else will close the channels
		close(d.errCh)
		close(d.deadLetters)
		d.logger.Info("outbox dispatcher stopped")
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()

	select {
	case <-done:
		d.logger.Info("outbox dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Errors returns a channel that receives errors occurring during dispatching:
// *ReadError, *PublishError, *UpdateError and *ExhaustedRetriesError.
// The channel is buffered and closed when the dispatcher is stopped.
// Errors are dropped when the buffer is full.
//
// None of these errors reach the callers that enqueued the messages: once committed,
// delivery is the dispatcher's job.
func (d *Dispatcher) Errors() <-chan error {
	return d.errCh
}

// DeadLetters returns a channel that receives messages moved to the failed state
// because they exhausted their attempts. Failed messages stay in the outbox table
// until requeued or purged; the channel is a notification only.
// The channel is closed when the dispatcher is stopped.
func (d *Dispatcher) DeadLetters() <-chan Message {
	return d.deadLetters
}

func (d *Dispatcher) sendError(err error) {
	select {
	case d.errCh <- err:
	default:
		// Channel buffer full, drop the error to prevent blocking
	}
}

func (d *Dispatcher) sendDeadLetter(msg *Message) {
	select {
	case d.deadLetters <- *msg:
	default:
		// Channel buffer full, drop the message to prevent blocking
	}
}

func (d *Dispatcher) runCycle() {
	if _, err := d.RunOnce(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
		d.sendError(err)
	}
}

// RunOnce runs a single dispatch cycle and returns how many messages were dispatched.
// The returned error is a *ReadError when the batch could not be claimed; errors of
// individual messages are reported on the Errors channel.
//
// RunOnce is meant for dispatchers driven by the caller (CLI, tests) and must not be
// called once a started dispatcher has been stopped.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	started := time.Now()

	if err := d.failExhausted(ctx); err != nil {
		d.sendError(&ReadError{Err: err})
	}

	msgs, err := d.claim(ctx)
	if err != nil {
		d.logger.Error("claiming outbox messages", zap.Error(err))
		return 0, &ReadError{Err: err}
	}

	dispatched := 0
	for i, msg := range msgs {
		if ctx.Err() != nil {
			d.release(msgs[i:])
			break
		}
		if d.dispatch(ctx, msg) {
			dispatched++
		}
	}

	d.metrics.recordCycle(context.WithoutCancel(ctx), started, len(msgs))

	return dispatched, ctx.Err()
}

func (d *Dispatcher) claim(ctx context.Context) ([]*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, d.readTimeout)
	defer cancel()

	return d.store.FetchBatch(ctx, d.batchSize, d.maxAttempts, d.lease)
}

func (d *Dispatcher) failExhausted(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.updateTimeout)
	defer cancel()

	failed, err := d.store.FailExhausted(ctx, d.maxAttempts)
	for _, msg := range failed {
		d.metrics.recordDeadLettered(ctx, msg)
		d.logger.Warn("message failed without attempts left",
			zap.Stringer("message_id", msg.ID),
			zap.String("destination", msg.Destination),
			zap.Int32("attempts", msg.TimesAttempted),
			zap.Int32("max_attempts", d.maxAttempts))

		cause := ErrAttemptsExhausted
		if msg.LastError != "" {
			cause = fmt.Errorf("%w: %s", ErrAttemptsExhausted, msg.LastError)
		}
		d.sendError(&ExhaustedRetriesError{Message: *msg, Err: cause})
		d.sendDeadLetter(msg)
	}
	return err
}

// dispatch publishes one claimed message and records the outcome.
// It reports whether the message is now dispatched.
func (d *Dispatcher) dispatch(ctx context.Context, msg *Message) bool {
	log := d.logger.With(
		zap.Stringer("message_id", msg.ID),
		zap.String("destination", msg.Destination),
		zap.String("message_type", msg.Type))

	publishErr := d.publish(ctx, msg)
	if publishErr == nil {
		// the broker has the message, record it even if we are stopping
		if err := d.update(func(ctx context.Context) error { return d.store.MarkDispatched(ctx, msg.ID) }); err != nil {
			log.Error("marking message dispatched", zap.Error(err))
			d.sendError(&UpdateError{Message: *msg, Err: err})
			return false
		}
		d.metrics.recordDispatched(ctx, msg)
		log.Debug("message dispatched")
		return true
	}

	if ctx.Err() != nil {
		// interrupted by Stop, the attempt does not count
		d.release([]*Message{msg})
		return false
	}

	d.sendError(&PublishError{Message: *msg, Err: publishErr})
	cause := publishErr.Error()

	attempts := msg.TimesAttempted + 1
	if attempts >= d.maxAttempts {
		if err := d.update(func(ctx context.Context) error { return d.store.FailAttempt(ctx, msg.ID, cause) }); err != nil {
			log.Error("marking message failed", zap.Error(err))
			d.sendError(&UpdateError{Message: *msg, Err: err})
			return false
		}
		msg.TimesAttempted = attempts
		msg.State = StateFailed
		msg.LastError = cause
		d.metrics.recordDeadLettered(ctx, msg)
		log.Warn("message exhausted its publish attempts", zap.Int32("attempts", attempts), zap.Error(publishErr))
		d.sendError(&ExhaustedRetriesError{Message: *msg, Err: publishErr})
		d.sendDeadLetter(msg)
		return false
	}

	nextAt := d.store.now().Add(d.delayFunc(int(msg.TimesAttempted)))
	if err := d.update(func(ctx context.Context) error { return d.store.RecordAttempt(ctx, msg.ID, nextAt, cause) }); err != nil {
		log.Error("scheduling next attempt", zap.Error(err))
		d.sendError(&UpdateError{Message: *msg, Err: err})
		return false
	}
	d.metrics.recordRetried(ctx, msg)
	log.Info("message publish failed, retry scheduled",
		zap.Int32("attempts", attempts), zap.Time("next_attempt_at", nextAt), zap.Error(publishErr))

	return false
}

func (d *Dispatcher) publish(ctx context.Context, msg *Message) error {
	ctx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()

	return d.publisher.Publish(ctx, msg.Envelope())
}

// update runs a bookkeeping statement detached from the dispatcher lifetime:
// when the dispatcher is stopped we want the outcome of a publish to be recorded.
func (d *Dispatcher) update(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.updateTimeout)
	defer cancel()

	return fn(ctx)
}

func (d *Dispatcher) release(msgs []*Message) {
	ids := make([]uuid.UUID, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, msg.ID)
	}
	if err := d.update(func(ctx context.Context) error { return d.store.Release(ctx, ids) }); err != nil {
		d.logger.Warn("releasing claimed messages", zap.Int("count", len(ids)), zap.Error(err))
	}
}
