package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/oagudo/txoutbox/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, dsn string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--dialect", "sqlite", "--dsn", dsn, "--broker", "memory", "--log-level", "error"}, args...))

	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func testDSN(t *testing.T) string {
	return "file:" + filepath.Join(t.TempDir(), "cli.db") + "?_busy_timeout=5000"
}

func TestCreateThenDispatch(t *testing.T) {
	dsn := testDSN(t)

	out, err := runCommand(t, dsn, "schema")
	require.NoError(t, err)
	assert.Contains(t, out, "schema ready")

	out, err = runCommand(t, dsn, "create", "-n", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "created mydata 1 (pending)")
	assert.Contains(t, out, "created mydata 2 (pending)")

	out, err = runCommand(t, dsn, "dispatch")
	require.NoError(t, err)
	assert.Contains(t, out, "dispatched 2 message(s)")

	out, err = runCommand(t, dsn, "dispatch")
	require.NoError(t, err)
	assert.Contains(t, out, "dispatched 0 message(s)")

	out, err = runCommand(t, dsn, "failed", "list")
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(out))

	out, err = runCommand(t, dsn, "purge", "--older-than", "0s")
	require.NoError(t, err)
	assert.Contains(t, out, "purged 2 message(s)")
}

func TestSchemaPrint(t *testing.T) {
	out, err := runCommand(t, testDSN(t), "schema", "--print")
	require.NoError(t, err)
	assert.Contains(t, out, "CREATE TABLE IF NOT EXISTS outbox")
	assert.Contains(t, out, "CREATE TABLE IF NOT EXISTS processed_messages")
}

func TestRequeueRejectsInvalidID(t *testing.T) {
	_, err := runCommand(t, testDSN(t), "failed", "requeue", "not-a-uuid")
	require.ErrorContains(t, err, "invalid message id")
}

func TestInvalidConfigIsRejected(t *testing.T) {
	_, err := runCommand(t, testDSN(t), "--broker", "carrier-pigeon", "schema")
	require.ErrorContains(t, err, "unsupported broker")
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(config.Log{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))

	_, err = NewLogger(config.Log{Level: "loud", Format: "json"})
	require.Error(t, err)
}
