// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Owns schema creation and idempotent column migrations

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	inMemory := path == ":memory:"
	if !inMemory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// Pragmas in the DSN apply to every pooled connection, not just the first
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every connection to :memory: is a separate database
	if inMemory {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if !inMemory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// DB exposes the underlying handle for sinks that share the connection pool.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS servers (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid         TEXT NOT NULL UNIQUE,
			owner_id     INTEGER NOT NULL,
			name         TEXT NOT NULL,
			description  TEXT,
			access_level TEXT,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,

			CHECK (access_level IS NULL OR access_level IN ('', 'public', 'organization', 'private'))
		);

		CREATE TABLE IF NOT EXISTS tools (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			name        TEXT NOT NULL,
			description TEXT,
			method      TEXT NOT NULL,
			url         TEXT,
			headers     TEXT,
			body        TEXT,
			timeout_ms  INTEGER NOT NULL DEFAULT 30000,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tool_instances (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			server_id     INTEGER NOT NULL,
			tool_id       INTEGER NOT NULL,
			instance_name TEXT NOT NULL,
			description   TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,
			FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE,
			UNIQUE (server_id, instance_name)
		);

		CREATE INDEX IF NOT EXISTS idx_tool_instances_server ON tool_instances(server_id);

		CREATE TABLE IF NOT EXISTS instance_params (
			instance_id INTEGER NOT NULL,
			param_name  TEXT NOT NULL,
			source      TEXT NOT NULL,
			value       TEXT,
			PRIMARY KEY (instance_id, param_name),
			FOREIGN KEY (instance_id) REFERENCES tool_instances(id) ON DELETE CASCADE,

			CHECK (source IN ('instance', 'server', 'exposed'))
		);

		CREATE TABLE IF NOT EXISTS server_globals (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			server_id  INTEGER NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			is_secret  INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE,
			UNIQUE (server_id, key)
		);

		CREATE TABLE IF NOT EXISTS oauth_clients (
			client_id          TEXT PRIMARY KEY,
			client_secret_hash TEXT NOT NULL,
			owner_id           INTEGER,
			name               TEXT NOT NULL,
			redirect_uris      TEXT NOT NULL,
			created_at         TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS oauth_codes (
			code                  TEXT PRIMARY KEY,
			client_id             TEXT NOT NULL,
			user_id               INTEGER NOT NULL,
			redirect_uri          TEXT NOT NULL,
			scope                 TEXT NOT NULL,
			code_challenge        TEXT,
			code_challenge_method TEXT,
			expires_at            INTEGER NOT NULL,
			used_at               INTEGER,
			created_at            TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS oauth_access_tokens (
			token_hash   TEXT PRIMARY KEY,
			client_id    TEXT NOT NULL,
			user_id      INTEGER NOT NULL,
			scope        TEXT NOT NULL,
			expires_at   INTEGER NOT NULL,
			last_used_at INTEGER,
			created_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS oauth_refresh_tokens (
			token_hash TEXT PRIMARY KEY,
			client_id  TEXT NOT NULL,
			user_id    INTEGER NOT NULL,
			scope      TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			used_at    INTEGER,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_oauth_codes_expires ON oauth_codes(expires_at);
		CREATE INDEX IF NOT EXISTS idx_oauth_access_expires ON oauth_access_tokens(expires_at);
		CREATE INDEX IF NOT EXISTS idx_oauth_refresh_expires ON oauth_refresh_tokens(expires_at);

		CREATE TABLE IF NOT EXISTS execution_history (
			id                  TEXT PRIMARY KEY,
			server_id           INTEGER NOT NULL,
			instance_id         INTEGER NOT NULL,
			tool_id             INTEGER NOT NULL,
			started_at          TEXT NOT NULL,
			completed_at        TEXT,
			duration_ms         INTEGER,
			status              TEXT NOT NULL,
			http_status         INTEGER,
			error_message       TEXT,
			input_params        TEXT,
			response_body       TEXT,
			request_url         TEXT,
			request_method      TEXT,
			response_size_bytes INTEGER,
			transport           TEXT,

			CHECK (status IN ('success', 'error', 'timeout'))
		);

		CREATE INDEX IF NOT EXISTS idx_execution_server ON execution_history(server_id, started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_execution_instance ON execution_history(instance_id, started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "execution_history",
			column: "transport",
			apply:  `ALTER TABLE execution_history ADD COLUMN transport TEXT`,
		},
		{
			table:  "servers",
			column: "description",
			apply:  `ALTER TABLE servers ADD COLUMN description TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := `SELECT 1 FROM pragma_table_info('` + m.table + `') WHERE name = ?`
		err := s.db.QueryRow(check, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func ptrToString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime parses an RFC3339 column, logging instead of failing on bad data.
func (s *SQLiteStore) parseTime(field, raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		s.logger.Warn("failed to parse timestamp", "field", field, "value", raw, "error", err)
		return time.Time{}
	}
	return parsed
}

func nowPair(created, updated *time.Time) {
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	if updated.IsZero() {
		*updated = now
	}
}
