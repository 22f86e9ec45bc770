// Package migrations embeds the SQL schema for Postgres and ClickHouse.
package migrations

import "embed"

// Postgres holds golang-migrate files for the record store.
//
//go:embed postgres/*.sql
var Postgres embed.FS

// ClickHouse holds the device call log schema, applied in filename order.
//
//go:embed clickhouse/*.sql
var ClickHouse embed.FS
