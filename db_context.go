package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// SQLDialect represents a SQL database dialect.
type SQLDialect string

// Supported database dialects.
const (
	SQLDialectPostgres  SQLDialect = "postgres"
	SQLDialectMySQL     SQLDialect = "mysql"
	SQLDialectMariaDB   SQLDialect = "mariadb"
	SQLDialectSQLite    SQLDialect = "sqlite"
	SQLDialectOracle    SQLDialect = "oracle"
	SQLDialectSQLServer SQLDialect = "sqlserver"
)

// ParseSQLDialect validates a dialect name.
func ParseSQLDialect(raw string) (SQLDialect, error) {
	d := SQLDialect(strings.ToLower(strings.TrimSpace(raw)))
	switch d {
	case SQLDialectPostgres, SQLDialectMySQL, SQLDialectMariaDB, SQLDialectSQLite, SQLDialectOracle, SQLDialectSQLServer:
		return d, nil
	default:
		return "", fmt.Errorf("unsupported sql dialect %q", raw)
	}
}

// Queryer represents a query executor.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TxQueryer represents a query executor inside a transaction.
type TxQueryer interface {
	Queryer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLTx represents a native database transaction.
// It is compatible with the standard sql.Tx type.
type SQLTx interface {
	Commit() error
	Rollback() error
	TxQueryer
}

// DB represents a database connection.
// It is compatible with the standard sql.DB type.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (SQLTx, error)
	Queryer
}

// DBContext holds the database connection, the SQL dialect and the table names.
type DBContext struct {
	db                 DB
	dialect            SQLDialect
	tableName          string
	processedTableName string
}

// DBContextOption is a function that configures a DBContext instance.
type DBContextOption func(*DBContext)

// WithTableName sets a custom table name for the outbox table.
// Default is "outbox".
// The table name must be a valid SQL identifier matching the pattern [a-zA-Z_][a-zA-Z0-9_]*
// (must start with a letter or underscore, followed by letters, digits, or underscores).
// An invalid table name will cause a panic when creating the DBContext.
func WithTableName(tableName string) DBContextOption {
	return func(c *DBContext) {
		c.tableName = tableName
	}
}

// WithProcessedTableName sets a custom table name for the consumer's processed messages ledger.
// Default is "processed_messages". The same identifier rules as WithTableName apply.
func WithProcessedTableName(tableName string) DBContextOption {
	return func(c *DBContext) {
		c.processedTableName = tableName
	}
}

// NewDBContext creates a new DBContext from a standard *sql.DB.
func NewDBContext(db *sql.DB, dialect SQLDialect, opts ...DBContextOption) *DBContext {
	return NewDBContextWithDB(&dbAdapter{DB: db}, dialect, opts...)
}

// NewDBContextWithDB creates a new DBContext with a custom DB implementation.
// This is useful for users who want to provide their own database abstraction or for testing.
func NewDBContextWithDB(db DB, dialect SQLDialect, opts ...DBContextOption) *DBContext {
	c := &DBContext{
		db:                 db,
		dialect:            dialect,
		tableName:          "outbox",
		processedTableName: "processed_messages",
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := validateTableName(c.tableName); err != nil {
		panic(err)
	}
	if err := validateTableName(c.processedTableName); err != nil {
		panic(err)
	}

	return c
}

// Dialect returns the SQL dialect of the context.
func (c *DBContext) Dialect() SQLDialect {
	return c.dialect
}

// TableName returns the outbox table name.
func (c *DBContext) TableName() string {
	return c.tableName
}

// ProcessedTableName returns the processed messages table name.
func (c *DBContext) ProcessedTableName() string {
	return c.processedTableName
}

var sqlIdentifierRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name cannot be empty")
	}
	if !sqlIdentifierRegexp.MatchString(name) {
		return fmt.Errorf(
			"invalid table name %q: must match [a-zA-Z_][a-zA-Z0-9_]*",
			name,
		)
	}
	return nil
}

// formatIDForDB formats a message ID based on the SQL dialect.
func (c *DBContext) formatIDForDB(id uuid.UUID) any {
	switch c.dialect {
	case SQLDialectMySQL, SQLDialectOracle, SQLDialectSQLServer:
		bytes, _ := id.MarshalBinary() // Convert UUID to binary for better storage
		return bytes
	case SQLDialectPostgres, SQLDialectMariaDB:
		return id // Native support
	default:
		return id.String()
	}
}

func (c *DBContext) formatIDsForDB(ids []uuid.UUID) []any {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.formatIDForDB(id))
	}
	return out
}

// Placeholder returns the bind parameter marker for the given 1-based index.
func (d SQLDialect) Placeholder(index int) string {
	switch d {
	case SQLDialectPostgres:
		return fmt.Sprintf("$%d", index)

	case SQLDialectOracle:
		return fmt.Sprintf(":%d", index)

	case SQLDialectSQLServer:
		return fmt.Sprintf("@p%d", index)

	default:
		return "?"
	}
}

func (c *DBContext) getSQLPlaceholder(index int) string {
	return c.dialect.Placeholder(index)
}

// placeholderList returns n comma separated placeholders numbered from start.
func (c *DBContext) placeholderList(start, n int) string {
	placeholders := make([]string, 0, n)
	for i := range n {
		placeholders = append(placeholders, c.getSQLPlaceholder(start+i))
	}
	return strings.Join(placeholders, ", ")
}

const messageColumns = "id, destination, msg_type, content_type, payload, metadata, state, " +
	"created_at, scheduled_at, dispatched_at, times_attempted, last_error"

func (c *DBContext) buildInsertMessageQuery() string {
	return fmt.Sprintf(`INSERT INTO %s (%s, claimed_by, claimed_until) VALUES (%s, NULL, NULL)`,
		c.tableName, messageColumns, c.placeholderList(1, 12))
}

// buildSelectCandidatesQuery selects claimable messages.
// Args: state, now, maxAttempts, now, limit.
func (c *DBContext) buildSelectCandidatesQuery() string {
	where := fmt.Sprintf(`WHERE state = %s AND scheduled_at <= %s AND times_attempted < %s
			AND (claimed_until IS NULL OR claimed_until <= %s)`,
		c.getSQLPlaceholder(1), c.getSQLPlaceholder(2), c.getSQLPlaceholder(3), c.getSQLPlaceholder(4))
	limitPlaceholder := c.getSQLPlaceholder(5)

	switch c.dialect {
	case SQLDialectOracle:
		return fmt.Sprintf(`SELECT %s FROM %s
			%s
			ORDER BY created_at ASC, id ASC FETCH FIRST %s ROWS ONLY`, messageColumns, c.tableName, where, limitPlaceholder)

	case SQLDialectSQLServer:
		return fmt.Sprintf(`SELECT TOP (%s) %s FROM %s
			%s
			ORDER BY created_at ASC, id ASC`, limitPlaceholder, messageColumns, c.tableName, where)

	default:
		return fmt.Sprintf(`SELECT %s FROM %s
			%s
			ORDER BY created_at ASC, id ASC LIMIT %s`, messageColumns, c.tableName, where, limitPlaceholder)
	}
}

// buildClaimQuery takes the lease of a single message if nobody holds it and the row
// is still the one the candidate query saw: due, and with an unchanged attempt count.
// Args: workerID, claimedUntil, id, state, now, now, timesAttempted.
func (c *DBContext) buildClaimQuery() string {
	return fmt.Sprintf(`UPDATE %s SET claimed_by = %s, claimed_until = %s
		WHERE id = %s AND state = %s AND (claimed_until IS NULL OR claimed_until <= %s)
			AND scheduled_at <= %s AND times_attempted = %s`,
		c.tableName, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2), c.getSQLPlaceholder(3),
		c.getSQLPlaceholder(4), c.getSQLPlaceholder(5), c.getSQLPlaceholder(6), c.getSQLPlaceholder(7))
}

// buildTransitionQuery moves a message between states, releasing its lease.
// Args: next, dispatchedAt, lastError, attemptIncrement, id, from.
func (c *DBContext) buildTransitionQuery() string {
	return fmt.Sprintf(`UPDATE %s SET state = %s, dispatched_at = %s, last_error = %s,
		times_attempted = times_attempted + %s, claimed_by = NULL, claimed_until = NULL
		WHERE id = %s AND state = %s`,
		c.tableName, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2), c.getSQLPlaceholder(3),
		c.getSQLPlaceholder(4), c.getSQLPlaceholder(5), c.getSQLPlaceholder(6))
}

// buildRecordAttemptQuery reschedules a pending message after a failed attempt.
// Args: scheduledAt, lastError, id, state.
func (c *DBContext) buildRecordAttemptQuery() string {
	return fmt.Sprintf(`UPDATE %s SET times_attempted = times_attempted + 1, scheduled_at = %s, last_error = %s,
		claimed_by = NULL, claimed_until = NULL
		WHERE id = %s AND state = %s`,
		c.tableName, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2), c.getSQLPlaceholder(3), c.getSQLPlaceholder(4))
}

// buildRequeueQuery resets a failed message. Args: next, scheduledAt, id, from.
func (c *DBContext) buildRequeueQuery() string {
	return fmt.Sprintf(`UPDATE %s SET state = %s, scheduled_at = %s, times_attempted = 0,
		claimed_by = NULL, claimed_until = NULL
		WHERE id = %s AND state = %s`,
		c.tableName, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2), c.getSQLPlaceholder(3), c.getSQLPlaceholder(4))
}

// buildSelectExhaustedQuery lists pending messages without attempts left.
// Args: state, maxAttempts.
func (c *DBContext) buildSelectExhaustedQuery() string {
	return fmt.Sprintf(`SELECT %s FROM %s WHERE state = %s AND times_attempted >= %s
		ORDER BY created_at ASC, id ASC`,
		messageColumns, c.tableName, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2))
}

// buildFailExhaustedQuery fails one pending message without attempts left.
// Args: failed, id, pending, maxAttempts.
func (c *DBContext) buildFailExhaustedQuery() string {
	return fmt.Sprintf(`UPDATE %s SET state = %s, claimed_by = NULL, claimed_until = NULL
		WHERE id = %s AND state = %s AND times_attempted >= %s`,
		c.tableName, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2), c.getSQLPlaceholder(3), c.getSQLPlaceholder(4))
}

// buildReleaseQuery drops the leases of the given ids held by a worker.
// Args: workerID, state, ids...
func (c *DBContext) buildReleaseQuery(n int) string {
	return fmt.Sprintf(`UPDATE %s SET claimed_by = NULL, claimed_until = NULL
		WHERE claimed_by = %s AND state = %s AND id IN (%s)`,
		c.tableName, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2), c.placeholderList(3, n))
}

func (c *DBContext) buildGetMessageQuery() string {
	return fmt.Sprintf(`SELECT %s FROM %s WHERE id = %s`, messageColumns, c.tableName, c.getSQLPlaceholder(1))
}

// buildListByStateQuery args: state, limit.
func (c *DBContext) buildListByStateQuery() string {
	switch c.dialect {
	case SQLDialectOracle:
		return fmt.Sprintf(`SELECT %s FROM %s WHERE state = %s
			ORDER BY created_at ASC, id ASC FETCH FIRST %s ROWS ONLY`,
			messageColumns, c.tableName, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2))
	case SQLDialectSQLServer:
		return fmt.Sprintf(`SELECT TOP (%s) %s FROM %s WHERE state = %s
			ORDER BY created_at ASC, id ASC`,
			c.getSQLPlaceholder(2), messageColumns, c.tableName, c.getSQLPlaceholder(1))
	default:
		return fmt.Sprintf(`SELECT %s FROM %s WHERE state = %s
			ORDER BY created_at ASC, id ASC LIMIT %s`,
			messageColumns, c.tableName, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2))
	}
}

// buildPurgeQuery args: state, dispatchedBefore.
func (c *DBContext) buildPurgeQuery() string {
	return fmt.Sprintf(`DELETE FROM %s WHERE state = %s AND dispatched_at < %s`,
		c.tableName, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2))
}

func (c *DBContext) buildProcessedExistsQuery() string {
	return fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE message_id = %s`,
		c.processedTableName, c.getSQLPlaceholder(1))
}

func (c *DBContext) buildGetProcessedQuery() string {
	return fmt.Sprintf(`SELECT message_id, message_type, processed_at FROM %s WHERE message_id = %s`,
		c.processedTableName, c.getSQLPlaceholder(1))
}

func (c *DBContext) buildInsertProcessedQuery() string {
	return fmt.Sprintf(`INSERT INTO %s (message_id, message_type, processed_at) VALUES (%s)`,
		c.processedTableName, c.placeholderList(1, 3))
}

// txAdapter is a wrapper around a sql.Tx that implements the SQLTx interface.
type txAdapter struct {
	tx *sql.Tx
}

func (a *txAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.tx.ExecContext(ctx, query, args...)
}

func (a *txAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.tx.QueryContext(ctx, query, args...)
}

func (a *txAdapter) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return a.tx.QueryRowContext(ctx, query, args...)
}

func (a *txAdapter) Commit() error {
	return a.tx.Commit()
}

func (a *txAdapter) Rollback() error {
	return a.tx.Rollback()
}

// dbAdapter is a wrapper around a sql.DB that implements the DB interface.
type dbAdapter struct {
	DB *sql.DB
}

func (a *dbAdapter) BeginTx(ctx context.Context, opts *sql.TxOptions) (SQLTx, error) {
	tx, err := a.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &txAdapter{tx}, nil
}

func (a *dbAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.DB.ExecContext(ctx, query, args...)
}

func (a *dbAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.DB.QueryContext(ctx, query, args...)
}
