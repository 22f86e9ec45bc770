package storage

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/station-recovery/internal/config"
	"github.com/station-recovery/internal/logging"
)

// callLogTable holds one row per relay vendor API call
const callLogTable = "device_api_calls"

// ClickHouseDB is the connection behind the device call log. Inserts are
// small batches from every process, so the server is asked to coalesce them.
type ClickHouseDB struct {
	conn driver.Conn
}

// clickHouseOptions builds the driver options for the call log connection
func clickHouseOptions(cfg *config.ClickHouseConfig) *clickhouse.Options {
	return &clickhouse.Options{
		Addr: []string{net.JoinHostPort(cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time":    30,
			"async_insert":          1,
			"wait_for_async_insert": 1,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout:      5 * time.Second,
		MaxOpenConns:     4,
		MaxIdleConns:     2,
		ConnMaxLifetime:  30 * time.Minute,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	}
}

// NewClickHouseDB connects to ClickHouse and checks it answers
func NewClickHouseDB(cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(clickHouseOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// EnsureCallLogTable creates the call log table when a fresh ClickHouse
// has not been migrated yet
func (db *ClickHouseDB) EnsureCallLogTable(ctx context.Context, logger *logging.Logger) error {
	var exists uint8
	if err := db.conn.QueryRow(ctx, "EXISTS TABLE "+callLogTable).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check %s: %w", callLogTable, err)
	}
	if exists == 1 {
		return nil
	}

	logger.WithField("table", callLogTable).Warn("Call log table missing, applying ClickHouse schema")
	return RunClickHouseMigrations(ctx, db, logger)
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying ClickHouse connection
func (db *ClickHouseDB) Conn() driver.Conn {
	return db.conn
}

func (db *ClickHouseDB) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

// Exec runs a statement that returns no rows
func (db *ClickHouseDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	return db.conn.Exec(ctx, query, args...)
}
