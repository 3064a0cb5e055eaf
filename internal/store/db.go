// Package store provides the per-tenant namespace primitive (C1, Tenant
// Store) every other component builds on: Open connects the database the
// way pkg/platform/storage.Connect does, and WithTenant pins the search
// path and runs the caller's function inside a transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"              // driver: sqlite

	"github.com/gunning4it/epitome/internal/apperr"
)

// DB is a thin wrapper around *sql.DB, following pkg/platform/storage.DB.
type DB struct {
	SQL    *sql.DB
	Driver string
}

func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	drvName, dsn := resolveDriver(driver, dsn)
	sqlDB, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, apperr.Wrap(apperr.Fatal, err, "store: open")
	}
	tunePool(drvName, sqlDB)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, apperr.Wrap(apperr.Fatal, err, "store: ping")
	}
	if drvName == "sqlite" {
		if err := applySQLitePragmas(ctx, sqlDB); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}
	db := &DB{SQL: sqlDB, Driver: drvName}
	if err := db.ensureSharedSchema(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func resolveDriver(driver, dsn string) (string, string) {
	switch normalizeDriver(driver) {
	case "postgres":
		if dsn == "" {
			dsn = "postgres://localhost:5432/epitome?sslmode=disable"
		}
		return "pgx", dsn
	default:
		if dsn == "" {
			dsn = "file:epitome.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
		return "sqlite", dsn
	}
}

func normalizeDriver(d string) string {
	switch strings.ToLower(strings.TrimSpace(d)) {
	case "pg", "pgsql", "pgx", "postgres", "postgresql":
		return "postgres"
	default:
		return "sqlite"
	}
}

func (d *DB) IsPostgres() bool { return d.Driver == "pgx" }

func (d *DB) Close() error {
	if d == nil || d.SQL == nil {
		return nil
	}
	return d.SQL.Close()
}

func tunePool(driver string, db *sql.DB) {
	maxOpen, maxIdle := 20, 10
	connLife, idleLife := 45*time.Minute, 15*time.Minute
	if driver == "sqlite" {
		maxOpen, maxIdle = 1, 1
		connLife, idleLife = 0, 0
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(connLife)
	db.SetConnMaxIdleTime(idleLife)
}

func applySQLitePragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA temp_store = MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return apperr.Wrap(apperr.Fatal, err, fmt.Sprintf("store: sqlite pragma %q", p))
		}
	}
	return nil
}

// ensureSharedSchema creates the global, cross-tenant tables: tenants,
// users, api_keys, oauth_clients, oauth_codes, usage_counters, and the
// system_config table tier limits are loaded from. The enrichment queues
// (pending_vectors, enrichment_jobs) are not shared: each tenant's
// namespace has its own, created from the tenant template.
func (d *DB) ensureSharedSchema(ctx context.Context) error {
	_, err := d.SQL.ExecContext(ctx, sharedSchema(d.IsPostgres()))
	if err != nil {
		return apperr.Wrap(apperr.Fatal, err, "store: ensure shared schema")
	}
	return nil
}

func sharedSchema(pg bool) string {
	autoID := "TEXT PRIMARY KEY"
	ts := "BIGINT NOT NULL"
	if !pg {
		ts = "INTEGER NOT NULL"
	}
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS tenants (
  id %s,
  namespace TEXT NOT NULL UNIQUE,
  created_at %s
);

CREATE TABLE IF NOT EXISTS users (
  id %s,
  email TEXT NOT NULL UNIQUE,
  tenant_id TEXT NOT NULL REFERENCES tenants(id),
  created_at %s
);

CREATE TABLE IF NOT EXISTS api_keys (
  id %s,
  tenant_id TEXT NOT NULL,
  agent_id TEXT NOT NULL,
  key_hash TEXT NOT NULL UNIQUE,
  tier TEXT NOT NULL DEFAULT 'free',
  scopes TEXT NOT NULL DEFAULT '',
  created_at %s,
  expires_at %s,
  revoked_at BIGINT
);

CREATE TABLE IF NOT EXISTS oauth_clients (
  client_id TEXT PRIMARY KEY,
  redirect_uris TEXT NOT NULL,
  created_at %s
);

CREATE TABLE IF NOT EXISTS oauth_codes (
  code_hash TEXT PRIMARY KEY,
  client_id TEXT NOT NULL,
  tenant_id TEXT NOT NULL,
  agent_id TEXT NOT NULL,
  redirect_uri TEXT NOT NULL,
  code_challenge TEXT NOT NULL,
  scope TEXT NOT NULL DEFAULT '',
  resource TEXT NOT NULL DEFAULT '',
  created_at %s,
  expires_at BIGINT NOT NULL,
  used_at BIGINT
);

CREATE TABLE IF NOT EXISTS system_config (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_counters (
  tenant_id TEXT NOT NULL,
  resource TEXT NOT NULL,
  agent_id TEXT NOT NULL,
  day TEXT NOT NULL,
  count BIGINT NOT NULL DEFAULT 0,
  PRIMARY KEY (tenant_id, resource, agent_id, day)
);
`, autoID, ts, autoID, ts, autoID, ts, ts, autoID, ts, autoID, ts)
}

// ErrTenantNotFound mirrors spec §4.1: withTenant fails with TENANT_NOT_FOUND
// when the namespace is missing.
var ErrTenantNotFound = errors.New("store: tenant namespace not found")
