// Package sqldb opens database/sql connections for every supported dialect.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/denisenkom/go-mssqldb"
	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/sijms/go-ora/v2"

	outbox "github.com/oagudo/txoutbox"
	"github.com/oagudo/txoutbox/internal/config"
)

var defaultDrivers = map[outbox.SQLDialect]string{
	outbox.SQLDialectPostgres:  "pgx",
	outbox.SQLDialectMySQL:     "mysql",
	outbox.SQLDialectMariaDB:   "mysql",
	outbox.SQLDialectSQLite:    "sqlite3",
	outbox.SQLDialectOracle:    "oracle",
	outbox.SQLDialectSQLServer: "sqlserver",
}

// DriverFor returns the database/sql driver name used for a dialect when none is configured.
func DriverFor(dialect outbox.SQLDialect) string {
	return defaultDrivers[dialect]
}

// Open connects to the configured database and checks it is reachable.
func Open(ctx context.Context, cfg config.Database) (*sql.DB, outbox.SQLDialect, error) {
	dialect, err := outbox.ParseSQLDialect(cfg.Dialect)
	if err != nil {
		return nil, "", err
	}

	driver := cfg.Driver
	if driver == "" {
		driver = DriverFor(dialect)
	}

	dsn, err := normalizeDSN(driver, cfg.DSN)
	if err != nil {
		return nil, "", err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("opening %s database: %w", driver, err)
	}

	if dialect == outbox.SQLDialectSQLite {
		// a single writer avoids SQLITE_BUSY between the dispatcher and the workflows
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("connecting to %s database: %w", dialect, err)
	}

	return db, dialect, nil
}

// normalizeDSN makes the mysql driver scan DATETIME columns into UTC time.Time values,
// which the outbox store relies on.
func normalizeDSN(driver, dsn string) (string, error) {
	if driver != "mysql" {
		return dsn, nil
	}

	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parsing mysql dsn: %w", err)
	}
	mc.ParseTime = true
	mc.Loc = time.UTC

	return mc.FormatDSN(), nil
}
