package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HandlerFunc applies the effect of a message. Every write must go through tx so the
// effect commits together with the processed-message record.
type HandlerFunc func(ctx context.Context, tx *Tx, env *Envelope) error

// JSONHandler decodes the JSON payload of a message into T before calling fn.
func JSONHandler[T any](fn func(ctx context.Context, tx *Tx, msg T, env *Envelope) error) HandlerFunc {
	return func(ctx context.Context, tx *Tx, env *Envelope) error {
		var msg T
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return fmt.Errorf("decoding %s payload: %w", env.Type, err)
		}
		return fn(ctx, tx, msg, env)
	}
}

// Result tells what Handle did with a message.
type Result int

const (
	// Applied means the handler ran and its effect committed.
	Applied Result = iota + 1
	// Duplicate means the message had already been processed and nothing ran.
	Duplicate
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Err returns ErrDuplicateMessage for duplicates and nil otherwise, for callers
// that prefer to branch on errors.
func (r Result) Err() error {
	if r == Duplicate {
		return ErrDuplicateMessage
	}
	return nil
}

// ProcessedMessage is a row of the processed messages ledger.
type ProcessedMessage struct {
	MessageID   string
	MessageType string
	ProcessedAt time.Time
}

// ConsumerOption is a function that configures a Consumer instance.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger. Default is a no-op logger.
func WithConsumerLogger(logger *zap.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConsumerClock replaces the time source used for processed_at.
func WithConsumerClock(now func() time.Time) ConsumerOption {
	return func(c *Consumer) {
		if now != nil {
			c.now = now
		}
	}
}

// Consumer applies incoming messages at most once per message id.
//
// Handlers are resolved from the message type through an explicit registry.
// For each message, the ledger lookup, the handler effect and the ledger insert share
// one transaction, so a failed handler leaves no trace and a retried delivery runs again.
type Consumer struct {
	coord  *Coordinator
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewConsumer creates a Consumer running its transactions through coord.
func NewConsumer(coord *Coordinator, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		coord:    coord,
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
		handlers: make(map[string]HandlerFunc),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Register binds a handler to a message type. Each type has exactly one handler.
func (c *Consumer) Register(msgType string, handler HandlerFunc) error {
	msgType = strings.TrimSpace(msgType)
	if msgType == "" {
		return ErrMessageTypeRequired
	}
	if handler == nil {
		return ErrHandlerRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.handlers[msgType]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, msgType)
	}
	c.handlers[msgType] = handler

	return nil
}

func (c *Consumer) handler(msgType string) (HandlerFunc, error) {
	c.mu.RLock()
	h, ok := c.handlers[strings.TrimSpace(msgType)]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrHandlerNotRegistered, msgType)
	}
	return h, nil
}

// Handle applies env unless its message id was already processed.
//
// Duplicates return (Duplicate, nil). A handler error rolls back the effect and the
// ledger record together and is returned wrapped in a *TransactionAbortedError, so
// the delivery can be retried.
func (c *Consumer) Handle(ctx context.Context, env *Envelope) (Result, error) {
	if env == nil {
		return 0, ErrMessageRequired
	}
	if env.MessageID == "" {
		return 0, ErrMessageIDRequired
	}

	h, err := c.handler(env.Type)
	if err != nil {
		return 0, err
	}

	log := c.logger.With(zap.String("message_id", env.MessageID), zap.String("message_type", env.Type))

	result := Applied
	err = c.coord.RunInTransaction(ctx, func(ctx context.Context, tx *Tx) error {
		seen, err := c.processedInTx(ctx, tx, env.MessageID)
		if err != nil {
			return err
		}
		if seen {
			result = Duplicate
			return nil
		}

		if err := h(ctx, tx, env); err != nil {
			return err
		}

		return c.recordProcessed(ctx, tx, env)
	})
	if err != nil {
		// a concurrent delivery of the same message may have won the insert race
		if seen, checkErr := c.Processed(ctx, env.MessageID); checkErr == nil && seen {
			log.Info("duplicate message suppressed after concurrent delivery")
			return Duplicate, nil
		}
		log.Warn("message handling failed", zap.Error(err))
		return 0, err
	}

	if result == Duplicate {
		log.Info("duplicate message suppressed")
	} else {
		log.Debug("message applied")
	}

	return result, nil
}

// Deliver adapts Handle to a broker subscription: duplicates are acknowledged like
// applied messages.
func (c *Consumer) Deliver(ctx context.Context, env *Envelope) error {
	_, err := c.Handle(ctx, env)
	return err
}

// Processed reports whether a message id is in the ledger.
func (c *Consumer) Processed(ctx context.Context, messageID string) (bool, error) {
	rec, err := c.LookupProcessed(ctx, messageID)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// LookupProcessed returns the ledger record of a message id, or nil if the message
// was never processed.
func (c *Consumer) LookupProcessed(ctx context.Context, messageID string) (*ProcessedMessage, error) {
	dbCtx := c.coord.dbCtx
	rows, err := dbCtx.db.QueryContext(ctx, dbCtx.buildGetProcessedQuery(), messageID)
	if err != nil {
		return nil, fmt.Errorf("looking up processed message %s: %w", messageID, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("looking up processed message %s: %w", messageID, err)
		}
		return nil, nil
	}

	var (
		rec     ProcessedMessage
		msgType sql.NullString
	)
	if err := rows.Scan(&rec.MessageID, &msgType, &rec.ProcessedAt); err != nil {
		return nil, fmt.Errorf("scanning processed message %s: %w", messageID, err)
	}
	rec.MessageType = msgType.String

	return &rec, nil
}

func (c *Consumer) processedInTx(ctx context.Context, tx *Tx, messageID string) (bool, error) {
	q, err := tx.Native()
	if err != nil {
		return false, err
	}

	var count int
	if err := q.QueryRowContext(ctx, c.coord.dbCtx.buildProcessedExistsQuery(), messageID).Scan(&count); err != nil {
		return false, fmt.Errorf("checking processed message %s: %w", messageID, err)
	}
	return count > 0, nil
}

func (c *Consumer) recordProcessed(ctx context.Context, tx *Tx, env *Envelope) error {
	_, err := tx.ExecContext(ctx, c.coord.dbCtx.buildInsertProcessedQuery(), env.MessageID, env.Type, c.now())
	if err != nil {
		return fmt.Errorf("recording processed message %s: %w", env.MessageID, err)
	}
	return nil
}
