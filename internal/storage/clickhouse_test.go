package storage

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/station-recovery/internal/config"
	"github.com/station-recovery/internal/logging"
	"github.com/station-recovery/migrations"
)

func TestNewClickHouseDB(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := &config.ClickHouseConfig{
		Host:     "localhost",
		Port:     "9000",
		Database: "station_recovery",
		User:     "default",
	}

	db, err := NewClickHouseDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - ClickHouse not available: %v", err)
		return
	}
	defer func() {
		_ = db.Close()
	}()

	ctx := testContext(t)
	require.NoError(t, db.Ping(ctx))
	require.NoError(t, RunClickHouseMigrations(ctx, db, logging.NewNopLogger()))
}

func TestClickHouseOptions(t *testing.T) {
	opts := clickHouseOptions(&config.ClickHouseConfig{
		Host:     "ch.internal",
		Port:     "9440",
		Database: "station_recovery",
		User:     "recorder",
		Password: "secret",
	})

	assert.Equal(t, []string{"ch.internal:9440"}, opts.Addr)
	assert.Equal(t, "station_recovery", opts.Auth.Database)
	assert.Equal(t, "recorder", opts.Auth.Username)
	assert.Equal(t, 1, opts.Settings["async_insert"])
	assert.Equal(t, 1, opts.Settings["wait_for_async_insert"])
	require.NotNil(t, opts.Compression)
	assert.Equal(t, clickhouse.CompressionLZ4, opts.Compression.Method)
}

func TestSplitSQLStatements(t *testing.T) {
	content := `
-- header comment
CREATE TABLE a (x Int32) ENGINE = Memory;

CREATE TABLE b (
    y String
) ENGINE = Memory;
SELECT 1`

	stmts := splitSQLStatements(content)
	require.Len(t, stmts, 3)
	assert.Equal(t, "CREATE TABLE a (x Int32) ENGINE = Memory", stmts[0])
	assert.Contains(t, stmts[1], "y String")
	assert.NotContains(t, stmts[1], ";")
	assert.Equal(t, "SELECT 1", stmts[2])
}

func TestApplyClickHouseSchemaOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"ch/002_b.sql":  {Data: []byte("CREATE TABLE b (x Int8) ENGINE = Memory;")},
		"ch/001_a.sql":  {Data: []byte("CREATE TABLE a (x Int8) ENGINE = Memory;\nCREATE TABLE a2 (x Int8) ENGINE = Memory;")},
		"ch/readme.txt": {Data: []byte("ignored")},
	}

	var executed []string
	exec := func(_ context.Context, q string, _ ...interface{}) error {
		executed = append(executed, q)
		return nil
	}

	require.NoError(t, applyClickHouseSchema(context.Background(), exec, fsys, "ch", logging.NewNopLogger()))
	require.Len(t, executed, 3)
	assert.Contains(t, executed[0], "TABLE a ")
	assert.Contains(t, executed[1], "TABLE a2")
	assert.Contains(t, executed[2], "TABLE b")
}

func TestEmbeddedClickHouseSchemaParses(t *testing.T) {
	var executed []string
	exec := func(_ context.Context, q string, _ ...interface{}) error {
		executed = append(executed, q)
		return nil
	}

	require.NoError(t, applyClickHouseSchema(context.Background(), exec, migrations.ClickHouse, "clickhouse", logging.NewNopLogger()))
	require.NotEmpty(t, executed)
	assert.Contains(t, executed[0], "device_api_calls")
}
