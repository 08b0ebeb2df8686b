// ABOUTME: Catalog persistence for tenants, tools, tool instances and parameter configs
// ABOUTME: Reads feed the registry builder; writes serve the seed command and tests

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateTenant inserts a tenant row and fills in its generated ID.
func (s *SQLiteStore) CreateTenant(ctx context.Context, t *Tenant) error {
	nowPair(&t.CreatedAt, &t.UpdatedAt)

	query := `
		INSERT INTO servers (uuid, owner_id, name, description, access_level, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		t.UUID,
		t.OwnerID,
		t.Name,
		nullString(t.Description),
		nullString(string(t.AccessLevel)),
		formatTime(t.CreatedAt),
		formatTime(t.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting tenant: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading tenant id: %w", err)
	}
	t.ID = id

	s.logger.Debug("created tenant", "id", t.ID, "uuid", t.UUID)
	return nil
}

// SetTenantAccess changes a tenant's access tier.
func (s *SQLiteStore) SetTenantAccess(ctx context.Context, id int64, level AccessLevel) error {
	if level != "" && !level.Valid() {
		return fmt.Errorf("invalid access level %q", level)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE servers SET access_level = ?, updated_at = ? WHERE id = ?`,
		nullString(string(level)), formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("updating tenant access: %w", err)
	}
	return expectOneRow(result)
}

const tenantColumns = `id, uuid, owner_id, name, description, access_level, created_at, updated_at`

func (s *SQLiteStore) scanTenant(row interface{ Scan(...any) error }) (*Tenant, error) {
	var t Tenant
	var description, access sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&t.ID, &t.UUID, &t.OwnerID, &t.Name, &description, &access, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	t.Description = description.String
	t.AccessLevel = AccessLevel(access.String)
	t.CreatedAt = s.parseTime("servers.created_at", createdAt)
	t.UpdatedAt = s.parseTime("servers.updated_at", updatedAt)
	return &t, nil
}

// GetTenant retrieves a tenant by its numeric ID.
func (s *SQLiteStore) GetTenant(ctx context.Context, id int64) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM servers WHERE id = ?`, id)
	t, err := s.scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant: %w", err)
	}
	return t, nil
}

// GetTenantByUUID retrieves a tenant by its public UUID.
func (s *SQLiteStore) GetTenantByUUID(ctx context.Context, uuid string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM servers WHERE uuid = ?`, uuid)
	t, err := s.scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant: %w", err)
	}
	return t, nil
}

// ListTenants returns every tenant ordered by ID.
func (s *SQLiteStore) ListTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM servers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tenants []*Tenant
	for rows.Next() {
		t, err := s.scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tenant row: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenant rows: %w", err)
	}
	return tenants, nil
}

// CreateTool inserts a tool template.
func (s *SQLiteStore) CreateTool(ctx context.Context, t *Tool) error {
	nowPair(&t.CreatedAt, &t.UpdatedAt)
	if t.TimeoutMS == 0 {
		t.TimeoutMS = 30000
	}

	query := `
		INSERT INTO tools (name, description, method, url, headers, body, timeout_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		t.Name,
		nullString(t.Description),
		t.Method,
		nullString(t.URL),
		nullString(t.Headers),
		nullString(t.Body),
		t.TimeoutMS,
		formatTime(t.CreatedAt),
		formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting tool: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading tool id: %w", err)
	}
	t.ID = id

	s.logger.Debug("created tool", "id", t.ID, "name", t.Name)
	return nil
}

// GetTool retrieves a tool template by ID.
func (s *SQLiteStore) GetTool(ctx context.Context, id int64) (*Tool, error) {
	query := `
		SELECT id, name, description, method, url, headers, body, timeout_ms, created_at, updated_at
		FROM tools WHERE id = ?
	`

	var t Tool
	var description, url, headers, body sql.NullString
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.Name, &description, &t.Method, &url, &headers, &body,
		&t.TimeoutMS, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tool: %w", err)
	}

	t.Description = description.String
	t.URL = url.String
	t.Headers = headers.String
	t.Body = body.String
	t.CreatedAt = s.parseTime("tools.created_at", createdAt)
	t.UpdatedAt = s.parseTime("tools.updated_at", updatedAt)
	return &t, nil
}

// CreateToolInstance binds a tool to a tenant. The name must be unique per tenant.
func (s *SQLiteStore) CreateToolInstance(ctx context.Context, inst *ToolInstance) error {
	nowPair(&inst.CreatedAt, &inst.UpdatedAt)

	query := `
		INSERT INTO tool_instances (server_id, tool_id, instance_name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		inst.TenantID,
		inst.ToolID,
		inst.Name,
		nullString(inst.Description),
		formatTime(inst.CreatedAt),
		formatTime(inst.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting tool instance: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading tool instance id: %w", err)
	}
	inst.ID = id

	s.logger.Debug("created tool instance", "id", inst.ID, "tenant_id", inst.TenantID, "name", inst.Name)
	return nil
}

// DeleteToolInstance removes an instance and, by cascade, its parameter configs.
func (s *SQLiteStore) DeleteToolInstance(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tool_instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting tool instance: %w", err)
	}
	return expectOneRow(result)
}

// ListToolInstances returns a tenant's instances in creation order.
func (s *SQLiteStore) ListToolInstances(ctx context.Context, tenantID int64) ([]*ToolInstance, error) {
	query := `
		SELECT id, server_id, tool_id, instance_name, description, created_at, updated_at
		FROM tool_instances
		WHERE server_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying tool instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var instances []*ToolInstance
	for rows.Next() {
		var inst ToolInstance
		var description sql.NullString
		var createdAt, updatedAt string

		if err := rows.Scan(&inst.ID, &inst.TenantID, &inst.ToolID, &inst.Name, &description, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning tool instance row: %w", err)
		}
		inst.Description = description.String
		inst.CreatedAt = s.parseTime("tool_instances.created_at", createdAt)
		inst.UpdatedAt = s.parseTime("tool_instances.updated_at", updatedAt)
		instances = append(instances, &inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool instance rows: %w", err)
	}
	return instances, nil
}

// SetInstanceParam upserts one parameter config.
func (s *SQLiteStore) SetInstanceParam(ctx context.Context, p *ParamConfig) error {
	switch p.Source {
	case ParamSourceInstance, ParamSourceServer, ParamSourceExposed:
	default:
		return fmt.Errorf("invalid parameter source %q", p.Source)
	}

	query := `
		INSERT INTO instance_params (instance_id, param_name, source, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (instance_id, param_name) DO UPDATE SET source = excluded.source, value = excluded.value
	`

	var value any
	if p.Value != nil {
		value = *p.Value
	}

	if _, err := s.db.ExecContext(ctx, query, p.InstanceID, p.Name, string(p.Source), value); err != nil {
		return fmt.Errorf("upserting instance param: %w", err)
	}
	return nil
}

// ListInstanceParams returns the parameter configs of one instance ordered by name.
func (s *SQLiteStore) ListInstanceParams(ctx context.Context, instanceID int64) ([]*ParamConfig, error) {
	query := `
		SELECT instance_id, param_name, source, value
		FROM instance_params
		WHERE instance_id = ?
		ORDER BY param_name
	`

	rows, err := s.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("querying instance params: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var params []*ParamConfig
	for rows.Next() {
		var p ParamConfig
		var source string
		var value sql.NullString

		if err := rows.Scan(&p.InstanceID, &p.Name, &source, &value); err != nil {
			return nil, fmt.Errorf("scanning instance param row: %w", err)
		}
		p.Source = ParamSource(source)
		if value.Valid {
			p.Value = &value.String
		}
		params = append(params, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating instance param rows: %w", err)
	}
	return params, nil
}

func expectOneRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
