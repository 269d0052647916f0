package outbox

import (
	"context"
	"encoding/json"
	"fmt"
)

// Event is a message body that knows its own type discriminator.
type Event interface {
	MessageType() string
}

// MutationFunc performs the state change of a unit of work and returns its result,
// e.g. the entity with its database generated key.
type MutationFunc[T any] func(ctx context.Context, tx *Tx) (T, error)

// MessageBuilder derives the message to emit from the result of a mutation.
type MessageBuilder[T any] func(result T) (Event, error)

// OutboxWorkFunc is the user supplied callback for [Session.Write].
// It executes user defined queries and stores messages within the same transaction.
type OutboxWorkFunc func(ctx context.Context, tx *Tx, msgWriter MessageWriter) error

// MessageWriter allows storing messages within a managed transaction.
type MessageWriter interface {
	// Store persists a message in the outbox table.
	// The message is committed when the enclosing transaction commits.
	Store(ctx context.Context, msg *Message) error
}

// Session is the entry point of business workflows: it runs a state change and
// records the messages it implies in one transaction.
type Session struct {
	coord *Coordinator
	store *Store
}

// NewSession creates a Session storing messages through store inside transactions of coord.
func NewSession(coord *Coordinator, store *Store) *Session {
	return &Session{
		coord: coord,
		store: store,
	}
}

// Execute runs mutation, builds a message from its result and enqueues it to
// destination, all in one transaction. The message body is JSON encoded and its type
// is taken from the event.
//
// Either both the state change and the message commit, or neither does: any failure is
// returned as a *TransactionAbortedError and the zero value of T is returned.
//
// Example:
//
//	data, err := outbox.Execute(ctx, session,
//	    func(ctx context.Context, tx *outbox.Tx) (*MyData, error) {
//	        return repo.Create(ctx, tx, StatusPending)
//	    },
//	    "mydata",
//	    func(data *MyData) (outbox.Event, error) {
//	        return UpdateMyDataMessage{MyDataID: data.ID}, nil
//	    })
func Execute[T any](ctx context.Context, s *Session, mutation MutationFunc[T], destination string, build MessageBuilder[T]) (T, error) {
	var result T

	err := s.coord.RunInTransaction(ctx, func(ctx context.Context, tx *Tx) error {
		res, err := mutation(ctx, tx)
		if err != nil {
			return err
		}

		ev, err := build(res)
		if err != nil {
			return fmt.Errorf("building message: %w", err)
		}
		if ev == nil {
			return ErrMessageRequired
		}

		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", ev.MessageType(), err)
		}

		msg := NewMessage(destination, payload, WithType(ev.MessageType()))
		if err := s.store.Enqueue(ctx, tx, msg); err != nil {
			return err
		}

		result = res
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}

	return result, nil
}

// Write executes user defined queries and stores messages in the outbox table within
// the same managed transaction.
//
// This is the recommended approach when you need to:
//   - Conditionally store messages based on business logic
//   - Store multiple messages per transaction
//
// The transaction commits if the callback returns nil, or rolls back if it
// returns an error or panics.
//
// Example:
//
//	err := session.Write(ctx, func(ctx context.Context, tx *outbox.Tx, msgWriter outbox.MessageWriter) error {
//	    result, err := tx.ExecContext(ctx,
//	        "UPDATE inventory SET quantity = quantity - $1 WHERE product_id = $2 AND quantity >= $1",
//	        order.Quantity, order.ProductID)
//	    if err != nil {
//	        return err
//	    }
//
//	    rows, _ := result.RowsAffected()
//	    if rows == 0 {
//	        return ErrInsufficientInventory // no message emitted, transaction rolled back
//	    }
//
//	    return msgWriter.Store(ctx, outbox.NewMessage("orders", orderPayload))
//	})
func (s *Session) Write(ctx context.Context, fn OutboxWorkFunc) error {
	return s.coord.RunInTransaction(ctx, func(ctx context.Context, tx *Tx) error {
		return fn(ctx, tx, &messageWriter{store: s.store, tx: tx})
	})
}

// WriteOne executes fn and stores msg as part of the same managed transaction.
// For conditional or multiple messages use [Session.Write] instead.
func (s *Session) WriteOne(ctx context.Context, msg *Message, fn TxWorkFunc) error {
	return s.Write(ctx, func(ctx context.Context, tx *Tx, msgWriter MessageWriter) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return msgWriter.Store(ctx, msg)
	})
}

type messageWriter struct {
	store *Store
	tx    *Tx
}

func (w *messageWriter) Store(ctx context.Context, msg *Message) error {
	return w.store.Enqueue(ctx, w.tx, msg)
}
