// ABOUTME: Append-only execution history recorded for every tool call attempt
// ABOUTME: The gateway only writes here; listing exists for the CLI and tests

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the outcome class of a tool call.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionError   ExecutionStatus = "error"
	ExecutionTimeout ExecutionStatus = "timeout"
)

// Execution is a single audit row describing one tool call attempt.
type Execution struct {
	ID                string // UUID v4
	TenantID          int64
	InstanceID        int64
	ToolID            int64
	StartedAt         time.Time
	CompletedAt       time.Time
	DurationMS        int64
	Status            ExecutionStatus
	HTTPStatus        int // zero when no response arrived
	ErrorMessage      string
	InputParams       map[string]any
	ResponseBody      string // truncated by the caller
	RequestURL        string
	RequestMethod     string
	ResponseSizeBytes int64
	Transport         string // http, sse or subdomain
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	TenantID   *int64
	InstanceID *int64
	Status     *ExecutionStatus
	Since      *time.Time
	Limit      int // default 100, max 1000
}

// ExecutionStore is the execution-history sink backed by the gateway database.
type ExecutionStore interface {
	RecordExecution(ctx context.Context, e *Execution) error
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*Execution, error)
	DeleteExecutionsBefore(ctx context.Context, before time.Time) (int64, error)
}

// Millisecond precision with fixed width keeps lexical order equal to time order.
const executionTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// RecordExecution appends an execution row. Generates ID and StartedAt if not set.
func (s *SQLiteStore) RecordExecution(ctx context.Context, e *Execution) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}

	var paramsJSON *string
	if e.InputParams != nil {
		data, err := json.Marshal(e.InputParams)
		if err != nil {
			return fmt.Errorf("marshaling input params: %w", err)
		}
		str := string(data)
		paramsJSON = &str
	}

	var completedAt any
	if !e.CompletedAt.IsZero() {
		completedAt = e.CompletedAt.UTC().Format(executionTimeFormat)
	}

	var httpStatus any
	if e.HTTPStatus != 0 {
		httpStatus = e.HTTPStatus
	}

	query := `
		INSERT INTO execution_history (id, server_id, instance_id, tool_id, started_at, completed_at,
			duration_ms, status, http_status, error_message, input_params, response_body,
			request_url, request_method, response_size_bytes, transport)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.TenantID,
		e.InstanceID,
		e.ToolID,
		e.StartedAt.UTC().Format(executionTimeFormat),
		completedAt,
		e.DurationMS,
		string(e.Status),
		httpStatus,
		nullString(e.ErrorMessage),
		paramsJSON,
		nullString(e.ResponseBody),
		nullString(e.RequestURL),
		nullString(e.RequestMethod),
		e.ResponseSizeBytes,
		nullString(e.Transport),
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}

	s.logger.Debug("recorded execution",
		"id", e.ID,
		"tenant_id", e.TenantID,
		"instance_id", e.InstanceID,
		"status", e.Status,
	)
	return nil
}

// ListExecutions returns executions matching the filter, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*Execution, error) {
	limit := f.Limit
	switch {
	case limit <= 0:
		limit = 100
	case limit > 1000:
		limit = 1000
	}

	query := `
		SELECT id, server_id, instance_id, tool_id, started_at, completed_at, duration_ms, status,
			http_status, error_message, input_params, response_body, request_url, request_method,
			response_size_bytes, transport
		FROM execution_history
		WHERE 1=1
	`
	var args []any

	if f.TenantID != nil {
		query += ` AND server_id = ?`
		args = append(args, *f.TenantID)
	}
	if f.InstanceID != nil {
		query += ` AND instance_id = ?`
		args = append(args, *f.InstanceID)
	}
	if f.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*f.Status))
	}
	if f.Since != nil {
		query += ` AND started_at >= ?`
		args = append(args, f.Since.UTC().Format(executionTimeFormat))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Execution
	for rows.Next() {
		var e Execution
		var startedAt, status string
		var completedAt, errMsg, params, body, reqURL, reqMethod, transport sql.NullString
		var duration, httpStatus, size sql.NullInt64

		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.InstanceID, &e.ToolID, &startedAt, &completedAt, &duration, &status,
			&httpStatus, &errMsg, &params, &body, &reqURL, &reqMethod, &size, &transport,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}

		e.StartedAt = s.parseExecutionTime(startedAt)
		if completedAt.Valid {
			e.CompletedAt = s.parseExecutionTime(completedAt.String)
		}
		e.DurationMS = duration.Int64
		e.Status = ExecutionStatus(status)
		e.HTTPStatus = int(httpStatus.Int64)
		e.ErrorMessage = errMsg.String
		e.ResponseBody = body.String
		e.RequestURL = reqURL.String
		e.RequestMethod = reqMethod.String
		e.ResponseSizeBytes = size.Int64
		e.Transport = transport.String
		if params.Valid {
			if err := json.Unmarshal([]byte(params.String), &e.InputParams); err != nil {
				s.logger.Warn("failed to decode execution params", "id", e.ID, "error", err)
			}
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating execution rows: %w", err)
	}
	return out, nil
}

// DeleteExecutionsBefore prunes history older than the cutoff and returns the count removed.
func (s *SQLiteStore) DeleteExecutionsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_history WHERE started_at < ?`, before.UTC().Format(executionTimeFormat))
	if err != nil {
		return 0, fmt.Errorf("deleting executions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) parseExecutionTime(raw string) time.Time {
	parsed, err := time.Parse(executionTimeFormat, raw)
	if err != nil {
		s.logger.Warn("failed to parse execution timestamp", "value", raw, "error", err)
		return time.Time{}
	}
	return parsed
}
