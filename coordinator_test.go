package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunInTransactionCommits(t *testing.T) {
	tx := &fakeTx{}
	coord := NewCoordinator(NewDBContextWithDB(&fakeDB{tx: tx}, SQLDialectPostgres))

	var callbackCalled bool
	err := coord.RunInTransaction(context.Background(), func(ctx context.Context, tx *Tx) error {
		callbackCalled = true
		_, err := tx.ExecContext(ctx, "UPDATE accounts SET balance = 1")
		return err
	})

	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !callbackCalled {
		t.Fatal("expected callback to be called")
	}
	if !tx.execCalled {
		t.Fatal("expected tx.ExecContext to be called")
	}
	if tx.rolledBack {
		t.Fatal("expected tx not to be rolled back")
	}
	if !tx.committed {
		t.Fatal("expected tx to be committed")
	}
}

func TestRunInTransactionErrorOnTxBegin(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeDB{beginTxErr: errors.New("failed to begin transaction"), tx: tx}
	coord := NewCoordinator(NewDBContextWithDB(db, SQLDialectPostgres))

	err := coord.RunInTransaction(context.Background(), func(_ context.Context, _ *Tx) error {
		t.Fatal("should not be called")
		return nil
	})

	if !errors.Is(err, ErrTransactionAborted) {
		t.Fatalf("expected a transaction aborted error, got: %v", err)
	}
	if !errors.Is(err, db.beginTxErr) {
		t.Fatalf("expected error to wrap %v, got: %v", db.beginTxErr, err)
	}
	if tx.committed || tx.rolledBack {
		t.Fatal("expected tx to be untouched")
	}
}

func TestRunInTransactionRollsBackOnCallbackError(t *testing.T) {
	tx := &fakeTx{}
	coord := NewCoordinator(NewDBContextWithDB(&fakeDB{tx: tx}, SQLDialectPostgres))
	cause := errors.New("insufficient funds")

	err := coord.RunInTransaction(context.Background(), func(_ context.Context, _ *Tx) error {
		return cause
	})

	var aborted *TransactionAbortedError
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, cause, aborted.Cause)
	assert.ErrorIs(t, err, cause)
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
}

func TestRunInTransactionErrorOnTxCommit(t *testing.T) {
	tx := &fakeTx{commitErr: errors.New("failed to commit transaction")}
	coord := NewCoordinator(NewDBContextWithDB(&fakeDB{tx: tx}, SQLDialectPostgres))

	err := coord.RunInTransaction(context.Background(), func(_ context.Context, _ *Tx) error {
		return nil
	})

	assert.ErrorIs(t, err, ErrTransactionAborted)
	assert.ErrorIs(t, err, tx.commitErr)
	assert.True(t, tx.rolledBack)
}

func TestRunInTransactionRollsBackOnPanic(t *testing.T) {
	tx := &fakeTx{}
	coord := NewCoordinator(NewDBContextWithDB(&fakeDB{tx: tx}, SQLDialectPostgres))

	assert.PanicsWithValue(t, "boom", func() {
		_ = coord.RunInTransaction(context.Background(), func(_ context.Context, _ *Tx) error {
			panic("boom")
		})
	})

	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
}

func TestRunInTransactionRollsBackOnCanceledContext(t *testing.T) {
	tx := &fakeTx{}
	coord := NewCoordinator(NewDBContextWithDB(&fakeDB{tx: tx}, SQLDialectPostgres))

	ctx, cancel := context.WithCancel(context.Background())
	err := coord.RunInTransaction(ctx, func(_ context.Context, _ *Tx) error {
		cancel()
		return nil
	})

	assert.ErrorIs(t, err, ErrTransactionAborted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
}

func TestRunInTransactionRejectsNesting(t *testing.T) {
	tx := &fakeTx{}
	coord := NewCoordinator(NewDBContextWithDB(&fakeDB{tx: tx}, SQLDialectPostgres))

	var nestedErr error
	err := coord.RunInTransaction(context.Background(), func(ctx context.Context, _ *Tx) error {
		nestedErr = coord.RunInTransaction(ctx, func(_ context.Context, _ *Tx) error {
			t.Fatal("nested callback should not be called")
			return nil
		})
		return nestedErr
	})

	assert.ErrorIs(t, nestedErr, ErrNestedTransaction)
	assert.ErrorIs(t, err, ErrNestedTransaction)
	assert.True(t, tx.rolledBack)
}

func TestTxIsUnusableAfterCompletion(t *testing.T) {
	coord := NewCoordinator(NewDBContextWithDB(&fakeDB{tx: &fakeTx{}}, SQLDialectPostgres))

	var leaked *Tx
	err := coord.RunInTransaction(context.Background(), func(_ context.Context, tx *Tx) error {
		leaked = tx
		assert.True(t, tx.Active())
		return nil
	})
	require.NoError(t, err)

	assert.False(t, leaked.Active())

	_, err = leaked.ExecContext(context.Background(), "DELETE FROM accounts")
	assert.ErrorIs(t, err, ErrInvalidTransactionState)

	_, err = leaked.QueryContext(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, ErrInvalidTransactionState)

	_, err = leaked.Native()
	assert.ErrorIs(t, err, ErrInvalidTransactionState)

	assert.PanicsWithError(t, ErrInvalidTransactionState.Error(), func() {
		leaked.QueryRowContext(context.Background(), "SELECT 1")
	})
}

func TestAfterCommitHookFiresOnlyWhenMessagesWereStored(t *testing.T) {
	var calls int
	coord := NewCoordinator(NewDBContextWithDB(&fakeDB{tx: &fakeTx{}}, SQLDialectPostgres),
		WithAfterCommit(func() { calls++ }))
	store := NewStore(coord.DBContext())

	err := coord.RunInTransaction(context.Background(), func(_ context.Context, _ *Tx) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, calls)

	err = coord.RunInTransaction(context.Background(), func(ctx context.Context, tx *Tx) error {
		return store.Enqueue(ctx, tx, NewMessage("orders", []byte(`{}`)))
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	err = coord.RunInTransaction(context.Background(), func(ctx context.Context, tx *Tx) error {
		if err := store.Enqueue(ctx, tx, NewMessage("orders", []byte(`{}`))); err != nil {
			return err
		}
		return errors.New("changed my mind")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRunInTransactionAtomicityOnSQLite(t *testing.T) {
	dbCtx := newTestDBContext(t)
	coord := NewCoordinator(dbCtx)
	store := NewStore(dbCtx)

	err := coord.RunInTransaction(context.Background(), func(ctx context.Context, tx *Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO accounts (name) VALUES (?)`, "alice"); err != nil {
			return err
		}
		if err := store.Enqueue(ctx, tx, NewMessage("accounts", []byte(`{"name":"alice"}`))); err != nil {
			return err
		}
		return errors.New("validation failed")
	})
	require.ErrorIs(t, err, ErrTransactionAborted)
	assert.Equal(t, 0, countRows(t, dbCtx, "accounts"))
	assert.Equal(t, 0, countRows(t, dbCtx, "outbox"))

	err = coord.RunInTransaction(context.Background(), func(ctx context.Context, tx *Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO accounts (name) VALUES (?)`, "bob"); err != nil {
			return err
		}
		return store.Enqueue(ctx, tx, NewMessage("accounts", []byte(`{"name":"bob"}`)))
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countRows(t, dbCtx, "accounts"))
	assert.Equal(t, 1, countRows(t, dbCtx, "outbox"))
}
