// Package demo wires the outbox into a small MyData workflow: creating a record
// enqueues an UpdateMyDataMessage, and handling that message completes the record.
package demo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	outbox "github.com/oagudo/txoutbox"
	"go.uber.org/zap"
)

// TableName is the table holding MyData records.
const TableName = "my_data"

// Status of a MyData record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
)

// CanTransitionTo reports whether a record may move from s to next.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusPending && next == StatusComplete
}

var (
	ErrNotFound                = errors.New("mydata not found")
	ErrInvalidStatusTransition = errors.New("invalid mydata status transition")
)

// MyData is the business entity created by the demo workflow.
type MyData struct {
	ID     int64
	Status Status
	// Completions counts how many times a completion was applied. It stays at 1
	// when redeliveries are deduplicated.
	Completions int
}

// UpdateMyDataMessage asks the consumer to complete a MyData record.
type UpdateMyDataMessage struct {
	MyDataID int64 `json:"MyDataId"`
}

// MessageType implements outbox.Event.
func (UpdateMyDataMessage) MessageType() string {
	return "UpdateMyDataMessage"
}

// Repository reads and writes MyData rows.
type Repository struct {
	db      *sql.DB
	dialect outbox.SQLDialect
}

func NewRepository(db *sql.DB, dialect outbox.SQLDialect) *Repository {
	return &Repository{db: db, dialect: dialect}
}

// CreateTable creates the my_data table when missing.
func (r *Repository) CreateTable(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, tableDDL(r.dialect)); err != nil {
		return fmt.Errorf("creating %s table: %w", TableName, err)
	}
	return nil
}

func tableDDL(dialect outbox.SQLDialect) string {
	columns := "status VARCHAR(16) NOT NULL, completions INTEGER DEFAULT 0 NOT NULL"
	switch dialect {
	case outbox.SQLDialectPostgres:
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id BIGSERIAL PRIMARY KEY, %s)", TableName, columns)
	case outbox.SQLDialectMySQL, outbox.SQLDialectMariaDB:
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id BIGINT AUTO_INCREMENT PRIMARY KEY, %s)", TableName, columns)
	case outbox.SQLDialectOracle:
		// ORA-00955: the table already exists
		return fmt.Sprintf(`BEGIN
	EXECUTE IMMEDIATE 'CREATE TABLE %s (id NUMBER(19) GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY, status VARCHAR2(16) NOT NULL, completions NUMBER(10) DEFAULT 0 NOT NULL)';
EXCEPTION
	WHEN OTHERS THEN
		IF SQLCODE != -955 THEN
			RAISE;
		END IF;
END;`, TableName)
	case outbox.SQLDialectSQLServer:
		return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (id BIGINT IDENTITY(1,1) PRIMARY KEY, %s)", TableName, TableName, columns)
	default:
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id INTEGER PRIMARY KEY AUTOINCREMENT, %s)", TableName, columns)
	}
}

// Create inserts a record inside tx and returns it with its generated id.
func (r *Repository) Create(ctx context.Context, tx *outbox.Tx, status Status) (*MyData, error) {
	var (
		id  int64
		err error
	)

	switch r.dialect {
	case outbox.SQLDialectMySQL:
		var res sql.Result
		res, err = tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (status, completions) VALUES (?, 0)", TableName), string(status))
		if err == nil {
			id, err = res.LastInsertId()
		}

	case outbox.SQLDialectOracle:
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (status, completions) VALUES (:1, 0) RETURNING id INTO :2", TableName),
			string(status), sql.Out{Dest: &id})

	case outbox.SQLDialectSQLServer:
		err = tx.QueryRowContext(ctx,
			fmt.Sprintf("INSERT INTO %s (status, completions) OUTPUT INSERTED.id VALUES (@p1, 0)", TableName),
			string(status)).Scan(&id)

	default:
		err = tx.QueryRowContext(ctx,
			fmt.Sprintf("INSERT INTO %s (status, completions) VALUES (%s, 0) RETURNING id", TableName, r.dialect.Placeholder(1)),
			string(status)).Scan(&id)
	}
	if err != nil {
		return nil, fmt.Errorf("inserting mydata: %w", err)
	}

	return &MyData{ID: id, Status: status}, nil
}

// Get loads a record through q, which may be the database or an active *outbox.Tx.
func (r *Repository) Get(ctx context.Context, q outbox.Queryer, id int64) (*MyData, error) {
	rows, err := q.QueryContext(ctx,
		fmt.Sprintf("SELECT id, status, completions FROM %s WHERE id = %s", TableName, r.dialect.Placeholder(1)), id)
	if err != nil {
		return nil, fmt.Errorf("loading mydata %d: %w", id, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("loading mydata %d: %w", id, err)
		}
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	var (
		d      MyData
		status string
	)
	if err := rows.Scan(&d.ID, &status, &d.Completions); err != nil {
		return nil, fmt.Errorf("scanning mydata %d: %w", id, err)
	}
	d.Status = Status(status)

	return &d, nil
}

// GetByID loads a record outside any transaction.
func (r *Repository) GetByID(ctx context.Context, id int64) (*MyData, error) {
	return r.Get(ctx, r.db, id)
}

// Complete moves a pending record to complete inside tx.
func (r *Repository) Complete(ctx context.Context, tx *outbox.Tx, id int64) error {
	d, err := r.Get(ctx, tx, id)
	if err != nil {
		return err
	}
	if !d.Status.CanTransitionTo(StatusComplete) {
		return fmt.Errorf("%w: %d is %s", ErrInvalidStatusTransition, id, d.Status)
	}

	_, err = tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET status = %s, completions = completions + 1 WHERE id = %s",
			TableName, r.dialect.Placeholder(1), r.dialect.Placeholder(2)),
		string(StatusComplete), id)
	if err != nil {
		return fmt.Errorf("completing mydata %d: %w", id, err)
	}
	return nil
}

// Service runs the demo workflow.
type Service struct {
	session     *outbox.Session
	repo        *Repository
	destination string
	logger      *zap.Logger
}

func NewService(session *outbox.Session, repo *Repository, destination string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{session: session, repo: repo, destination: destination, logger: logger}
}

// Create stores a pending record and its UpdateMyDataMessage in one transaction.
func (s *Service) Create(ctx context.Context) (*MyData, error) {
	d, err := outbox.Execute(ctx, s.session,
		func(ctx context.Context, tx *outbox.Tx) (*MyData, error) {
			return s.repo.Create(ctx, tx, StatusPending)
		},
		s.destination,
		func(d *MyData) (outbox.Event, error) {
			return UpdateMyDataMessage{MyDataID: d.ID}, nil
		})
	if err != nil {
		return nil, err
	}

	s.logger.Info("mydata created", zap.Int64("mydata_id", d.ID))
	return d, nil
}

// Register binds the UpdateMyDataMessage handler on consumer.
func Register(consumer *outbox.Consumer, repo *Repository, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	return consumer.Register(UpdateMyDataMessage{}.MessageType(), outbox.JSONHandler(
		func(ctx context.Context, tx *outbox.Tx, msg UpdateMyDataMessage, env *outbox.Envelope) error {
			if err := repo.Complete(ctx, tx, msg.MyDataID); err != nil {
				return err
			}
			logger.Info("mydata completed", zap.Int64("mydata_id", msg.MyDataID), zap.String("message_id", env.MessageID))
			return nil
		}))
}
