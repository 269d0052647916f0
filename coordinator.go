package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// TxWorkFunc is the user supplied callback for [Coordinator.RunInTransaction].
// Every write that must commit atomically with the outbox goes through tx.
type TxWorkFunc func(ctx context.Context, tx *Tx) error

// CoordinatorOption is a function that configures a Coordinator instance.
type CoordinatorOption func(*Coordinator)

// WithTxOptions sets the options used to begin transactions (isolation level, read only).
func WithTxOptions(opts *sql.TxOptions) CoordinatorOption {
	return func(c *Coordinator) {
		c.txOpts = opts
	}
}

// WithAfterCommit registers a hook called after every commit that stored at least one
// outbox message. Hooks run on the committing goroutine and must not block;
// [Dispatcher.Notify] is the intended hook.
func WithAfterCommit(hook func()) CoordinatorOption {
	return func(c *Coordinator) {
		if hook != nil {
			c.afterCommit = append(c.afterCommit, hook)
		}
	}
}

// Coordinator runs units of work inside a single local database transaction.
type Coordinator struct {
	dbCtx       *DBContext
	txOpts      *sql.TxOptions
	afterCommit []func()
}

// NewCoordinator creates a Coordinator for the given database context.
func NewCoordinator(dbCtx *DBContext, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{dbCtx: dbCtx}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// DBContext returns the database context the coordinator opens transactions on.
func (c *Coordinator) DBContext() *DBContext {
	return c.dbCtx
}

type txContextKey struct{}

// RunInTransaction begins a transaction, hands it to fn and commits if fn returns nil.
//
// The transaction rolls back if fn returns an error, panics, or ctx is done before commit.
// Every failure is returned as a *TransactionAbortedError wrapping the cause.
// Calling RunInTransaction with the ctx received by fn fails with ErrNestedTransaction:
// a unit of work is one flat transaction.
func (c *Coordinator) RunInTransaction(ctx context.Context, fn TxWorkFunc) (err error) {
	if ctx.Value(txContextKey{}) != nil {
		return ErrNestedTransaction
	}

	sqlTx, err := c.dbCtx.db.BeginTx(ctx, c.txOpts)
	if err != nil {
		return &TransactionAbortedError{Cause: fmt.Errorf("beginning transaction: %w", err)}
	}

	tx := &Tx{tx: sqlTx, active: true}

	var committed bool
	defer func() {
		if committed {
			return
		}
		tx.close()
		_ = sqlTx.Rollback()
	}()

	err = fn(context.WithValue(ctx, txContextKey{}, tx), tx)
	if err != nil {
		return &TransactionAbortedError{Cause: err}
	}

	if err = ctx.Err(); err != nil {
		return &TransactionAbortedError{Cause: err}
	}

	tx.close()
	err = sqlTx.Commit()
	committed = err == nil
	if err != nil {
		return &TransactionAbortedError{Cause: fmt.Errorf("committing transaction: %w", err)}
	}

	if tx.stored > 0 {
		for _, hook := range c.afterCommit {
			hook()
		}
	}

	return nil
}

// Tx is the handle of an active unit of work. It exposes the native transaction so
// business writes and outbox inserts share it, and it refuses to be used once the
// unit of work is over.
//
// A Tx must not be shared between goroutines.
type Tx struct {
	mu     sync.Mutex
	tx     SQLTx
	active bool
	stored int
}

// Active reports whether the transaction can still be used.
func (t *Tx) Active() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Tx) close() {
	t.mu.Lock()
	t.active = false
	t.mu.Unlock()
}

func (t *Tx) queryer() (TxQueryer, error) {
	if !t.Active() {
		return nil, ErrInvalidTransactionState
	}
	return t.tx, nil
}

// ExecContext executes a statement inside the transaction.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	q, err := t.queryer()
	if err != nil {
		return nil, err
	}
	return q.ExecContext(ctx, query, args...)
}

// QueryContext runs a query inside the transaction.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	q, err := t.queryer()
	if err != nil {
		return nil, err
	}
	return q.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single row query inside the transaction.
// On an inactive transaction it panics with ErrInvalidTransactionState, since *sql.Row
// cannot carry an error of its own; check Active first when unsure.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	q, err := t.queryer()
	if err != nil {
		panic(err)
	}
	return q.QueryRowContext(ctx, query, args...)
}

// Native returns the underlying transaction, e.g. to hand it to a query builder.
// It must not be committed or rolled back by the caller.
func (t *Tx) Native() (TxQueryer, error) {
	return t.queryer()
}

func (t *Tx) markStored() {
	t.mu.Lock()
	t.stored++
	t.mu.Unlock()
}
