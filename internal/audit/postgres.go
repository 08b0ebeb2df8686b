// ABOUTME: PostgreSQL execution sink for deployments that centralize audit data
// ABOUTME: Creates its own table on first connect and inserts one row per call

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/2389/relay-gateway/internal/store"
)

// PostgresSink writes executions to a PostgreSQL table.
type PostgresSink struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresSink connects, verifies the connection and ensures the table exists.
func NewPostgresSink(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &PostgresSink{db: db, logger: logger.With("component", "audit.postgres")}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	s.logger.Info("postgres audit sink connected")
	return s, nil
}

func (s *PostgresSink) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS relay_executions (
		id                  UUID PRIMARY KEY,
		server_id           BIGINT NOT NULL,
		instance_id         BIGINT NOT NULL,
		tool_id             BIGINT NOT NULL,
		started_at          TIMESTAMPTZ NOT NULL,
		completed_at        TIMESTAMPTZ,
		duration_ms         BIGINT,
		status              VARCHAR(16) NOT NULL,
		http_status         INTEGER,
		error_message       TEXT,
		input_params        JSONB,
		response_body       TEXT,
		request_url         TEXT,
		request_method      VARCHAR(16),
		response_size_bytes BIGINT,
		transport           VARCHAR(16)
	);

	CREATE INDEX IF NOT EXISTS idx_relay_executions_server ON relay_executions(server_id, started_at DESC);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

const insertExecutionSQL = `
	INSERT INTO relay_executions (id, server_id, instance_id, tool_id, started_at, completed_at,
		duration_ms, status, http_status, error_message, input_params, response_body,
		request_url, request_method, response_size_bytes, transport)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
`

// Record inserts one execution row.
func (s *PostgresSink) Record(ctx context.Context, e *store.Execution) error {
	args, err := postgresArgs(e)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertExecutionSQL, args...); err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// postgresArgs maps an execution onto the insert placeholders, using NULL for unset optionals.
func postgresArgs(e *store.Execution) ([]any, error) {
	var params any
	if e.InputParams != nil {
		data, err := json.Marshal(e.InputParams)
		if err != nil {
			return nil, fmt.Errorf("marshaling input params: %w", err)
		}
		params = string(data)
	}

	var completed any
	if !e.CompletedAt.IsZero() {
		completed = e.CompletedAt.UTC()
	}
	var httpStatus any
	if e.HTTPStatus != 0 {
		httpStatus = e.HTTPStatus
	}

	return []any{
		e.ID,
		e.TenantID,
		e.InstanceID,
		e.ToolID,
		e.StartedAt.UTC(),
		completed,
		e.DurationMS,
		string(e.Status),
		httpStatus,
		nullable(e.ErrorMessage),
		params,
		nullable(e.ResponseBody),
		nullable(e.RequestURL),
		nullable(e.RequestMethod),
		e.ResponseSizeBytes,
		nullable(e.Transport),
	}, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Close closes the connection pool.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
