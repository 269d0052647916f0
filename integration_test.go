//go:build integration

package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgres(t *testing.T) (*DBContext, *sql.DB) {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("outbox"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	require.NoError(t, db.PingContext(ctx))

	dbCtx := NewDBContext(db, SQLDialectPostgres)
	require.NoError(t, dbCtx.CreateSchema(ctx))
	// idempotent
	require.NoError(t, dbCtx.CreateSchema(ctx))

	_, err = db.ExecContext(ctx, `CREATE TABLE accounts (id BIGSERIAL PRIMARY KEY, name TEXT NOT NULL, balance INTEGER NOT NULL DEFAULT 0)`)
	require.NoError(t, err)

	return dbCtx, db
}

func TestIntegrationPostgres(t *testing.T) {
	dbCtx, db := setupPostgres(t)
	ctx := context.Background()

	t.Run("business write and message commit together", func(t *testing.T) {
		coord := NewCoordinator(dbCtx)
		store := NewStore(dbCtx)

		err := coord.RunInTransaction(ctx, func(ctx context.Context, tx *Tx) error {
			if _, err := tx.ExecContext(ctx, "INSERT INTO accounts (name) VALUES ($1)", "alice"); err != nil {
				return err
			}
			return store.Enqueue(ctx, tx, NewMessage("accounts", []byte(`{"name":"alice"}`), WithType("AccountOpened")))
		})
		require.NoError(t, err)

		err = coord.RunInTransaction(ctx, func(ctx context.Context, tx *Tx) error {
			if _, err := tx.ExecContext(ctx, "INSERT INTO accounts (name) VALUES ($1)", "bob"); err != nil {
				return err
			}
			if err := store.Enqueue(ctx, tx, NewMessage("accounts", []byte(`{"name":"bob"}`))); err != nil {
				return err
			}
			return fmt.Errorf("abort")
		})
		require.Error(t, err)

		assert.Equal(t, 1, countRows(t, dbCtx, "accounts"))
		assert.Equal(t, 1, countRows(t, dbCtx, "outbox"))
	})

	t.Run("concurrent dispatchers claim disjoint batches", func(t *testing.T) {
		coord := NewCoordinator(dbCtx)
		producer := NewStore(dbCtx)

		const total = 40
		msgs := make([]*Message, 0, total)
		for i := range total {
			msgs = append(msgs, NewMessage("claims", []byte(fmt.Sprintf(`{"n":%d}`, i))))
		}
		enqueue(t, coord, producer, msgs...)

		var (
			mu      sync.Mutex
			claimed = make(map[string]string)
			wg      sync.WaitGroup
		)
		for w := range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				worker := NewStore(dbCtx, WithWorkerID(fmt.Sprintf("worker-%d", w)))
				for {
					batch, err := worker.FetchBatch(ctx, 5, 10, time.Minute)
					if !assert.NoError(t, err) || len(batch) == 0 {
						return
					}
					mu.Lock()
					for _, m := range batch {
						if m.Destination != "claims" {
							continue
						}
						if owner, dup := claimed[m.ID.String()]; dup {
							t.Errorf("message %s claimed by %s and worker-%d", m.ID, owner, w)
						}
						claimed[m.ID.String()] = fmt.Sprintf("worker-%d", w)
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, claimed, total)
	})

	t.Run("dispatch and consume effectively once", func(t *testing.T) {
		_, err := db.ExecContext(ctx, "DELETE FROM outbox")
		require.NoError(t, err)

		pub := &fakePublisher{}
		store := NewStore(dbCtx)
		coord := NewCoordinator(dbCtx)
		d := NewDispatcher(store, pub)
		consumer := NewConsumer(coord)

		require.NoError(t, consumer.Register("Deposit", JSONHandler(
			func(ctx context.Context, tx *Tx, msg struct{ Amount int }, _ *Envelope) error {
				_, err := tx.ExecContext(ctx, "UPDATE accounts SET balance = balance + $1 WHERE name = $2", msg.Amount, "alice")
				return err
			})))

		enqueue(t, coord, store, NewMessage("deposits", []byte(`{"Amount":25}`), WithType("Deposit")))

		n, err := d.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Len(t, pub.published, 1)

		for range 3 {
			require.NoError(t, consumer.Deliver(ctx, pub.published[0]))
		}

		var balance int
		require.NoError(t, db.QueryRowContext(ctx, "SELECT balance FROM accounts WHERE name = $1", "alice").Scan(&balance))
		assert.Equal(t, 25, balance)

		rec, err := consumer.LookupProcessed(ctx, pub.published[0].MessageID)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "Deposit", rec.MessageType)
	})
}
