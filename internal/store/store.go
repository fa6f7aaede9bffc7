// Package store provides the embedded SQLite persistence layer for the
// tillsync engine.
//
// The database runs in embedded mode with WAL for concurrent access.
// One authoritative store serves many intermittently-connected desktop
// clients; everything in it is scoped by tenant.
//
// Tables:
//   - tenants, clients, cursors: identity and per-client sync state
//   - ledger: append-only change log, one row per committed version
//   - records: per-record sync metadata (version, hash, status, policy)
//   - queue: per-client outbound delivery queue
//   - conflicts: divergences awaiting operator resolution
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with engine-specific queries.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist it is created; call InitSchema before
// first use. The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Immediate transactions take the write lock up front, so two
	// appenders on the same lineage serialize instead of racing past
	// each other's deferred-mode reads.
	connStr := fmt.Sprintf("file:%s?_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		path: path,
	}

	// WAL mode for concurrent reads during writes
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
// Useful for integrating with other libraries that expect *sql.DB.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		default_policy TEXT NOT NULL DEFAULT 'last-write-wins',
		max_clients INTEGER NOT NULL DEFAULT 0,  -- 0 = unlimited
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		sync_interval_secs INTEGER NOT NULL DEFAULT 300,
		status TEXT NOT NULL DEFAULT 'active',  -- active, suspended, revoked
		read_only INTEGER NOT NULL DEFAULT 0,
		last_seen_at TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (tenant_id) REFERENCES tenants(id)
	);

	-- Per-client last-acknowledged version per record lineage
	CREATE TABLE IF NOT EXISTS cursors (
		client_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (client_id, table_name, record_id),
		FOREIGN KEY (client_id) REFERENCES clients(id)
	);

	-- Append-only change ledger. Rows are never mutated or removed
	-- except by an explicit tenant purge.
	CREATE TABLE IF NOT EXISTS ledger (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		op TEXT NOT NULL,  -- insert, update, delete
		payload TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		origin_client TEXT,  -- NULL = server-authored
		changed_at TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		UNIQUE (tenant_id, table_name, record_id, version)
	);

	-- Per-record sync metadata
	CREATE TABLE IF NOT EXISTS records (
		tenant_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		content_hash TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'pending',  -- pending, synced, conflict, error
		conflict_policy TEXT,  -- NULL = tenant default
		deleted INTEGER NOT NULL DEFAULT 0,
		last_sync_error TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, table_name, record_id)
	);

	-- Outbound delivery queue, deduplicated at version granularity
	CREATE TABLE IF NOT EXISTS queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		op TEXT NOT NULL,
		payload TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',  -- pending, sent, confirmed, failed, dead-lettered
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		priority INTEGER NOT NULL DEFAULT 0,
		batch_id TEXT,
		expires_at TEXT,
		error_code TEXT,
		error_message TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (client_id, table_name, record_id, version),
		FOREIGN KEY (client_id) REFERENCES clients(id)
	);

	-- Manual-policy divergences awaiting operator resolution
	CREATE TABLE IF NOT EXISTS conflicts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		base_version INTEGER NOT NULL,
		server_version INTEGER NOT NULL,
		client_id TEXT NOT NULL,
		client_payload TEXT NOT NULL,
		server_payload TEXT NOT NULL,
		detected_at TEXT NOT NULL,
		resolved_at TEXT,
		resolution TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_clients_tenant ON clients(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_lineage
	    ON ledger(tenant_id, table_name, record_id, version);
	CREATE INDEX IF NOT EXISTS idx_ledger_tenant_id ON ledger(tenant_id, id);
	CREATE INDEX IF NOT EXISTS idx_queue_due
	    ON queue(client_id, status, priority, version);
	CREATE INDEX IF NOT EXISTS idx_queue_batch ON queue(client_id, batch_id);
	CREATE INDEX IF NOT EXISTS idx_queue_tenant_status ON queue(tenant_id, status);
	CREATE INDEX IF NOT EXISTS idx_conflicts_open
	    ON conflicts(tenant_id, resolved_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// formatTime renders a timestamp the way every table stores it.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime is the inverse of formatTime. A zero time is returned for
// unparseable input rather than failing the whole row scan.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
