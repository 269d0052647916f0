package outbox

import (
	"context"
	"fmt"
	"strings"
)

// oracleIgnoreExisting runs ddl and ignores ORA-00955 (name already used) and
// ORA-01408 (columns already indexed), for Oracle releases without IF NOT EXISTS.
func oracleIgnoreExisting(ddl string) string {
	return fmt.Sprintf(`BEGIN
	EXECUTE IMMEDIATE '%s';
EXCEPTION
	WHEN OTHERS THEN
		IF SQLCODE NOT IN (-955, -1408) THEN
			RAISE;
		END IF;
END;`, strings.ReplaceAll(ddl, "'", "''"))
}

type columnTypes struct {
	id, text, shortText, blob, timestamp, integer string
}

func (c *DBContext) columnTypes() columnTypes {
	switch c.dialect {
	case SQLDialectPostgres:
		return columnTypes{"UUID", "TEXT", "VARCHAR(255)", "BYTEA", "TIMESTAMPTZ", "INTEGER"}
	case SQLDialectMySQL:
		return columnTypes{"BINARY(16)", "TEXT", "VARCHAR(255)", "LONGBLOB", "DATETIME(6)", "INT"}
	case SQLDialectMariaDB:
		return columnTypes{"UUID", "TEXT", "VARCHAR(255)", "LONGBLOB", "DATETIME(6)", "INT"}
	case SQLDialectOracle:
		return columnTypes{"RAW(16)", "CLOB", "VARCHAR2(255)", "BLOB", "TIMESTAMP", "NUMBER(10)"}
	case SQLDialectSQLServer:
		return columnTypes{"VARBINARY(16)", "NVARCHAR(MAX)", "NVARCHAR(255)", "VARBINARY(MAX)", "DATETIME2", "INT"}
	default:
		return columnTypes{"TEXT", "TEXT", "TEXT", "BLOB", "TIMESTAMP", "INTEGER"}
	}
}

func (c *DBContext) createTable(name, body string) string {
	switch c.dialect {
	case SQLDialectSQLServer:
		return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (%s)", name, name, body)
	case SQLDialectOracle:
		return oracleIgnoreExisting(fmt.Sprintf("CREATE TABLE %s (%s)", name, body))
	default:
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", name, body)
	}
}

func (c *DBContext) createIndex(name, table, columns string) string {
	switch c.dialect {
	case SQLDialectSQLServer:
		return fmt.Sprintf("IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s') CREATE INDEX %s ON %s (%s)",
			name, name, table, columns)
	case SQLDialectMySQL, SQLDialectMariaDB:
		// no IF NOT EXISTS for indexes, declared inline instead
		return ""
	case SQLDialectOracle:
		return oracleIgnoreExisting(fmt.Sprintf("CREATE INDEX %s ON %s (%s)", name, table, columns))
	default:
		return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", name, table, columns)
	}
}

// SchemaStatements returns the DDL creating the outbox table and the processed messages
// ledger for the context's dialect and table names. Statements are idempotent.
func (c *DBContext) SchemaStatements() []string {
	t := c.columnTypes()
	indexName := "idx_" + c.tableName + "_dispatch"
	indexColumns := "state, scheduled_at, created_at"

	outboxBody := fmt.Sprintf(`id %[1]s NOT NULL PRIMARY KEY,
	destination %[2]s NOT NULL,
	msg_type %[2]s,
	content_type %[2]s,
	payload %[3]s,
	metadata %[3]s,
	state %[2]s NOT NULL,
	created_at %[4]s NOT NULL,
	scheduled_at %[4]s NOT NULL,
	dispatched_at %[4]s,
	times_attempted %[5]s DEFAULT 0 NOT NULL,
	last_error %[6]s,
	claimed_by %[2]s,
	claimed_until %[4]s`, t.id, t.shortText, t.blob, t.timestamp, t.integer, t.text)

	if c.dialect == SQLDialectMySQL || c.dialect == SQLDialectMariaDB {
		outboxBody += fmt.Sprintf(",\n\tINDEX %s (%s)", indexName, indexColumns)
	}

	processedBody := fmt.Sprintf(`message_id %[1]s NOT NULL PRIMARY KEY,
	message_type %[1]s,
	processed_at %[2]s NOT NULL`, t.shortText, t.timestamp)

	statements := []string{c.createTable(c.tableName, outboxBody)}
	if idx := c.createIndex(indexName, c.tableName, indexColumns); idx != "" {
		statements = append(statements, idx)
	}
	statements = append(statements, c.createTable(c.processedTableName, processedBody))

	return statements
}

// CreateSchema executes SchemaStatements against the database.
func (c *DBContext) CreateSchema(ctx context.Context) error {
	for _, stmt := range c.SchemaStatements() {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating outbox schema: %w", err)
		}
	}
	return nil
}
