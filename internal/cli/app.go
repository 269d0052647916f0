package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	outbox "github.com/oagudo/txoutbox"
	"github.com/oagudo/txoutbox/internal/config"
	"github.com/oagudo/txoutbox/internal/demo"
	"github.com/oagudo/txoutbox/internal/sqldb"
	"go.uber.org/zap"
)

// app holds the components a command works with. Components a command does not
// need stay nil: the transport is only dialed by commands that publish or consume.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	db         *sql.DB
	dbCtx      *outbox.DBContext
	coord      *outbox.Coordinator
	store      *outbox.Store
	repo       *demo.Repository
	transport  *transport
	dispatcher *outbox.Dispatcher
	consumer   *outbox.Consumer
	service    *demo.Service
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger, withTransport bool) (*app, error) {
	db, dialect, err := sqldb.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, db: db}

	var dbOpts []outbox.DBContextOption
	if cfg.Database.OutboxTable != "" {
		dbOpts = append(dbOpts, outbox.WithTableName(cfg.Database.OutboxTable))
	}
	if cfg.Database.ProcessedTable != "" {
		dbOpts = append(dbOpts, outbox.WithProcessedTableName(cfg.Database.ProcessedTable))
	}
	a.dbCtx = outbox.NewDBContext(db, dialect, dbOpts...)

	var storeOpts []outbox.StoreOption
	if cfg.Dispatcher.WorkerID != "" {
		storeOpts = append(storeOpts, outbox.WithWorkerID(cfg.Dispatcher.WorkerID))
	}
	a.store = outbox.NewStore(a.dbCtx, storeOpts...)
	a.repo = demo.NewRepository(db, dialect)

	a.coord = outbox.NewCoordinator(a.dbCtx, outbox.WithAfterCommit(func() {
		if a.dispatcher != nil {
			a.dispatcher.Notify()
		}
	}))
	a.consumer = outbox.NewConsumer(a.coord, outbox.WithConsumerLogger(logger.Named("consumer")))
	if err := demo.Register(a.consumer, a.repo, logger.Named("demo")); err != nil {
		_ = db.Close()
		return nil, err
	}
	a.service = demo.NewService(outbox.NewSession(a.coord, a.store), a.repo, cfg.Broker.Destination, logger.Named("demo"))

	if withTransport {
		t, err := connect(cfg.Broker, logger)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		a.transport = t
		a.dispatcher = outbox.NewDispatcher(a.store, t.publisher, a.dispatcherOptions()...)
	}

	return a, nil
}

func (a *app) dispatcherOptions() []outbox.DispatcherOption {
	d := a.cfg.Dispatcher

	delay := outbox.Exponential(time.Duration(d.InitialDelay), time.Duration(d.MaxDelay))
	if d.Jitter {
		delay = outbox.WithJitter(delay)
	}

	return []outbox.DispatcherOption{
		outbox.WithInterval(time.Duration(d.Interval)),
		outbox.WithBatchSize(d.BatchSize),
		outbox.WithMaxAttempts(d.MaxAttempts),
		outbox.WithLease(time.Duration(d.Lease)),
		outbox.WithPublishTimeout(time.Duration(d.PublishTimeout)),
		outbox.WithDelay(delay),
		outbox.WithLogger(a.logger.Named("dispatcher")),
	}
}

// ensureSchema creates the outbox tables and the demo table.
func (a *app) ensureSchema(ctx context.Context) error {
	if err := a.dbCtx.CreateSchema(ctx); err != nil {
		return err
	}
	return a.repo.CreateTable(ctx)
}

func (a *app) Close() error {
	var errs []error
	if a.transport != nil {
		errs = append(errs, a.transport.Close())
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing database: %w", err))
	}
	return errors.Join(errs...)
}

// drainErrors logs dispatcher errors and dead letters until both channels are closed.
func (a *app) drainErrors() {
	errCh, dead := a.dispatcher.Errors(), a.dispatcher.DeadLetters()
	for errCh != nil || dead != nil {
		select {
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			a.logger.Warn("dispatch error", zap.Error(err))
		case msg, ok := <-dead:
			if !ok {
				dead = nil
				continue
			}
			a.logger.Error("message dead-lettered",
				zap.String("message_id", msg.ID.String()),
				zap.String("destination", msg.Destination),
				zap.Int32("attempts", msg.TimesAttempted),
				zap.String("last_error", msg.LastError))
		}
	}
}
