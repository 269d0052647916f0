package outbox

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

type fakeDB struct {
	beginTxErr error
	tx         *fakeTx
}

func (f *fakeDB) BeginTx(_ context.Context, _ *sql.TxOptions) (SQLTx, error) {
	if f.beginTxErr != nil {
		return nil, f.beginTxErr
	}
	return f.tx, nil
}

func (f *fakeDB) ExecContext(_ context.Context, _ string, _ ...any) (sql.Result, error) {
	return fakeResult(1), nil
}

func (f *fakeDB) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	return nil, nil
}

type fakeTx struct {
	execErr     error
	commitErr   error
	rollbackErr error

	execCalled bool
	committed  bool
	rolledBack bool
}

func (f *fakeTx) ExecContext(_ context.Context, _ string, _ ...any) (sql.Result, error) {
	f.execCalled = true
	return fakeResult(1), f.execErr
}

func (f *fakeTx) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	return nil, nil
}

func (f *fakeTx) QueryRowContext(_ context.Context, _ string, _ ...any) *sql.Row {
	return nil
}

func (f *fakeTx) Commit() error {
	f.committed = true
	return f.commitErr
}

func (f *fakeTx) Rollback() error {
	f.rolledBack = true
	return f.rollbackErr
}

type fakeResult int64

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakePublisher struct {
	mu        sync.Mutex
	err       error
	published []*Envelope
	onPublish func(env *Envelope)
}

func (p *fakePublisher) Publish(_ context.Context, env *Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.published = append(p.published, env)
	if p.onPublish != nil {
		p.onPublish(env)
	}
	return p.err
}

func (p *fakePublisher) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *fakePublisher) messageIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.published))
	for _, env := range p.published {
		ids = append(ids, env.MessageID)
	}
	return ids
}

// interceptDB calls beforeExec ahead of every statement it forwards.
type interceptDB struct {
	DB
	beforeExec func(query string)
}

func (d *interceptDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if d.beforeExec != nil {
		d.beforeExec(query)
	}
	return d.DB.ExecContext(ctx, query, args...)
}

// withClaimInterleaving returns a context on the same database that runs fn once,
// right before its first claim statement.
func withClaimInterleaving(t *testing.T, dbCtx *DBContext, fn func()) *DBContext {
	t.Helper()

	var once sync.Once
	claimQuery := dbCtx.buildClaimQuery()
	return NewDBContextWithDB(&interceptDB{
		DB: dbCtx.db,
		beforeExec: func(query string) {
			if query == claimQuery {
				once.Do(fn)
			}
		},
	}, dbCtx.dialect, WithTableName(dbCtx.tableName), WithProcessedTableName(dbCtx.processedTableName))
}

// newTestDBContext returns a DBContext on a fresh SQLite database with the outbox
// schema and an accounts table for business writes.
func newTestDBContext(t *testing.T, opts ...DBContextOption) *DBContext {
	t.Helper()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "outbox.db")+"?_busy_timeout=5000")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = db.Close()
	})

	dbCtx := NewDBContext(db, SQLDialectSQLite, opts...)
	require.NoError(t, dbCtx.CreateSchema(context.Background()))

	_, err = db.Exec(`CREATE TABLE accounts (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL, balance INTEGER NOT NULL DEFAULT 0)`)
	require.NoError(t, err)

	return dbCtx
}

func countRows(t *testing.T, dbCtx *DBContext, table string) int {
	t.Helper()

	rows, err := dbCtx.db.QueryContext(context.Background(), "SELECT COUNT(*) FROM "+table)
	require.NoError(t, err)
	defer func() {
		_ = rows.Close()
	}()

	require.True(t, rows.Next())
	var n int
	require.NoError(t, rows.Scan(&n))
	return n
}

func enqueue(t *testing.T, coord *Coordinator, store *Store, msgs ...*Message) {
	t.Helper()

	err := coord.RunInTransaction(context.Background(), func(ctx context.Context, tx *Tx) error {
		for _, msg := range msgs {
			if err := store.Enqueue(ctx, tx, msg); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}
