// ABOUTME: Tenant-scoped server globals used by the parameter resolver
// ABOUTME: Secret values arrive here already encrypted; the store never sees plaintext secrets

package store

import (
	"context"
	"fmt"
)

// SetServerGlobal inserts or replaces a tenant global keyed by (tenant, key).
func (s *SQLiteStore) SetServerGlobal(ctx context.Context, g *ServerGlobal) error {
	nowPair(&g.CreatedAt, &g.UpdatedAt)

	query := `
		INSERT INTO server_globals (server_id, key, value, is_secret, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (server_id, key) DO UPDATE SET
			value = excluded.value,
			is_secret = excluded.is_secret,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		g.TenantID,
		g.Key,
		g.Value,
		boolToInt(g.IsSecret),
		formatTime(g.CreatedAt),
		formatTime(g.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting server global: %w", err)
	}

	// Never log values; they may be ciphertext of a secret
	s.logger.Debug("set server global", "tenant_id", g.TenantID, "key", g.Key, "secret", g.IsSecret)
	return nil
}

// DeleteServerGlobal removes one global. Returns ErrNotFound if absent.
func (s *SQLiteStore) DeleteServerGlobal(ctx context.Context, tenantID int64, key string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM server_globals WHERE server_id = ? AND key = ?`, tenantID, key)
	if err != nil {
		return fmt.Errorf("deleting server global: %w", err)
	}
	return expectOneRow(result)
}

// ListServerGlobals returns every global of a tenant ordered by key.
func (s *SQLiteStore) ListServerGlobals(ctx context.Context, tenantID int64) ([]*ServerGlobal, error) {
	query := `
		SELECT id, server_id, key, value, is_secret, created_at, updated_at
		FROM server_globals
		WHERE server_id = ?
		ORDER BY key
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying server globals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var globals []*ServerGlobal
	for rows.Next() {
		var g ServerGlobal
		var isSecret int
		var createdAt, updatedAt string

		if err := rows.Scan(&g.ID, &g.TenantID, &g.Key, &g.Value, &isSecret, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning server global row: %w", err)
		}
		g.IsSecret = isSecret != 0
		g.CreatedAt = s.parseTime("server_globals.created_at", createdAt)
		g.UpdatedAt = s.parseTime("server_globals.updated_at", updatedAt)
		globals = append(globals, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating server global rows: %w", err)
	}
	return globals, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
