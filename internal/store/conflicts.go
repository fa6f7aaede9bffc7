package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tillsync/tillsync/internal/model"
)

// InsertConflict records both sides of a manual-policy divergence for
// operator resolution.
func (s *Store) InsertConflict(ctx context.Context, c *model.Conflict) (int64, error) {
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now()
	}

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO conflicts (
			tenant_id, table_name, record_id, base_version, server_version,
			client_id, client_payload, server_payload, detected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.TenantID, c.Table, c.RecordID, c.BaseVersion, c.ServerVersion,
		c.ClientID, string(c.ClientPayload), string(c.ServerPayload),
		formatTime(c.DetectedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert conflict: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read conflict id: %w", err)
	}
	c.ID = id
	return id, nil
}

// GetConflict returns one conflict by id.
func (s *Store) GetConflict(ctx context.Context, id int64) (*model.Conflict, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, tenant_id, table_name, record_id, base_version,
		       server_version, client_id, client_payload, server_payload,
		       detected_at, resolved_at, resolution
		FROM conflicts WHERE id = ?`, id,
	)

	var c model.Conflict
	var clientPayload, serverPayload, detectedAt string
	var resolvedAt, resolution sql.NullString

	err := row.Scan(
		&c.ID, &c.TenantID, &c.Table, &c.RecordID, &c.BaseVersion,
		&c.ServerVersion, &c.ClientID, &clientPayload, &serverPayload,
		&detectedAt, &resolvedAt, &resolution,
	)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict %d: %w", id, err)
	}

	c.ClientPayload = []byte(clientPayload)
	c.ServerPayload = []byte(serverPayload)
	c.DetectedAt = parseTime(detectedAt)
	c.ResolvedAt = nullStringToTime(resolvedAt)
	if resolution.Valid {
		c.Resolution = resolution.String
	}
	return &c, nil
}

// OpenConflicts returns a tenant's unresolved conflicts, oldest first.
func (s *Store) OpenConflicts(ctx context.Context, tenantID string) ([]*model.Conflict, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, tenant_id, table_name, record_id, base_version,
		       server_version, client_id, client_payload, server_payload,
		       detected_at, resolved_at, resolution
		FROM conflicts
		WHERE tenant_id = ? AND resolved_at IS NULL
		ORDER BY detected_at ASC`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*model.Conflict
	for rows.Next() {
		var c model.Conflict
		var clientPayload, serverPayload, detectedAt string
		var resolvedAt, resolution sql.NullString

		err := rows.Scan(
			&c.ID, &c.TenantID, &c.Table, &c.RecordID, &c.BaseVersion,
			&c.ServerVersion, &c.ClientID, &clientPayload, &serverPayload,
			&detectedAt, &resolvedAt, &resolution,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}

		c.ClientPayload = []byte(clientPayload)
		c.ServerPayload = []byte(serverPayload)
		c.DetectedAt = parseTime(detectedAt)
		c.ResolvedAt = nullStringToTime(resolvedAt)
		if resolution.Valid {
			c.Resolution = resolution.String
		}
		conflicts = append(conflicts, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}

// ResolveConflict marks a conflict resolved with the operator's chosen
// outcome ("kept-server", "kept-client", or free text).
func (s *Store) ResolveConflict(ctx context.Context, id int64, resolution string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE conflicts SET resolved_at = ?, resolution = ?
		WHERE id = ? AND resolved_at IS NULL`,
		formatTime(time.Now()), resolution, id,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}
