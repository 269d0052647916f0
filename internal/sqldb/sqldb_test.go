package sqldb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	outbox "github.com/oagudo/txoutbox"
	"github.com/oagudo/txoutbox/internal/config"
)

func TestDriverFor(t *testing.T) {
	assert.Equal(t, "pgx", DriverFor(outbox.SQLDialectPostgres))
	assert.Equal(t, "mysql", DriverFor(outbox.SQLDialectMariaDB))
	assert.Equal(t, "oracle", DriverFor(outbox.SQLDialectOracle))
	assert.Equal(t, "sqlserver", DriverFor(outbox.SQLDialectSQLServer))
	assert.Equal(t, "sqlite3", DriverFor(outbox.SQLDialectSQLite))
}

func TestOpenSQLite(t *testing.T) {
	db, dialect, err := Open(context.Background(), config.Database{
		Dialect: "sqlite",
		DSN:     filepath.Join(t.TempDir(), "outbox.db"),
	})
	require.NoError(t, err)
	defer func() {
		_ = db.Close()
	}()

	assert.Equal(t, outbox.SQLDialectSQLite, dialect)
	assert.Equal(t, 1, db.Stats().MaxOpenConnections)
}

func TestOpenRejectsUnknownDialectAndDriver(t *testing.T) {
	_, _, err := Open(context.Background(), config.Database{Dialect: "db2", DSN: "x"})
	assert.Error(t, err)

	_, _, err = Open(context.Background(), config.Database{Dialect: "sqlite", Driver: "nope", DSN: "x"})
	assert.Error(t, err)
}

func TestNormalizeDSNForcesMySQLTimeParsing(t *testing.T) {
	for _, raw := range []string{
		"user:secret@tcp(localhost:3306)/outbox",
		"user:secret@tcp(localhost:3306)/outbox?parseTime=false&loc=Local",
	} {
		dsn, err := normalizeDSN("mysql", raw)
		require.NoError(t, err)

		mc, err := mysql.ParseDSN(dsn)
		require.NoError(t, err)
		assert.True(t, mc.ParseTime, raw)
		assert.Equal(t, time.UTC, mc.Loc, raw)
		assert.Equal(t, "outbox", mc.DBName)
		assert.Equal(t, "secret", mc.Passwd)
	}

	_, err := normalizeDSN("mysql", "not a dsn")
	require.Error(t, err)

	dsn, err := normalizeDSN("pgx", "postgres://localhost/outbox")
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/outbox", dsn)
}
