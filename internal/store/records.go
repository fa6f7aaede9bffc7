package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tillsync/tillsync/internal/model"
)

// GetRecordMeta retrieves the sync metadata for one record.
// Returns model.ErrNotFound if the record has never been synced.
func (s *Store) GetRecordMeta(ctx context.Context, tenantID, table, recordID string) (*model.RecordMeta, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT tenant_id, table_name, record_id, version, content_hash,
		       sync_status, conflict_policy, deleted, last_sync_error, updated_at
		FROM records
		WHERE tenant_id = ? AND table_name = ? AND record_id = ?`,
		tenantID, table, recordID,
	)

	var m model.RecordMeta
	var status, updatedAt string
	var policy, lastErr sql.NullString
	var deleted int

	err := row.Scan(
		&m.TenantID, &m.Table, &m.RecordID, &m.Version, &m.ContentHash,
		&status, &policy, &deleted, &lastErr, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan record metadata: %w", err)
	}

	m.Status = model.SyncStatus(status)
	if policy.Valid {
		m.Policy = model.ConflictPolicy(policy.String)
	}
	m.Deleted = deleted != 0
	if lastErr.Valid {
		m.LastSyncError = lastErr.String
	}
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

// SetRecordStatus updates a record's sync status and last error text.
// Pass an empty lastErr to clear it.
func (s *Store) SetRecordStatus(ctx context.Context, tenantID, table, recordID string, status model.SyncStatus, lastErr string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE records SET sync_status = ?, last_sync_error = ?, updated_at = ?
		WHERE tenant_id = ? AND table_name = ? AND record_id = ?`,
		string(status), nullIfEmpty(lastErr), formatTime(time.Now()),
		tenantID, table, recordID,
	)
	if err != nil {
		return fmt.Errorf("failed to set record status: %w", err)
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

// SetRecordPolicy sets or clears the per-record conflict policy
// override. An empty policy falls back to the tenant default.
func (s *Store) SetRecordPolicy(ctx context.Context, tenantID, table, recordID string, policy model.ConflictPolicy) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE records SET conflict_policy = ?, updated_at = ?
		WHERE tenant_id = ? AND table_name = ? AND record_id = ?`,
		nullIfEmpty(string(policy)), formatTime(time.Now()),
		tenantID, table, recordID,
	)
	if err != nil {
		return fmt.Errorf("failed to set record policy: %w", err)
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
