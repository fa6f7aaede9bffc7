package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tillsync/tillsync/internal/model"
)

// AppendEntry atomically assigns the next version for the entry's
// (tenant, table, record) lineage and persists it to the ledger.
//
// expectedPrior is the optimistic concurrency check: if it is >= 0 and
// does not match the lineage's current version, the append fails with
// model.ErrVersionConflict and nothing is written. Pass -1 to skip the
// check (force-append, used by the client-wins policy).
//
// The assignment runs inside an immediate transaction so that concurrent
// appenders for the same lineage serialize; this is what guarantees the
// strictly-increasing, no-gap version invariant.
func (s *Store) AppendEntry(ctx context.Context, e *model.LedgerEntry, expectedPrior int64) (int64, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM ledger
		WHERE tenant_id = ? AND table_name = ? AND record_id = ?`,
		e.TenantID, e.Table, e.RecordID,
	).Scan(&current)
	if err != nil {
		return 0, fmt.Errorf("failed to read current version: %w", err)
	}

	if expectedPrior >= 0 && current != expectedPrior {
		return 0, fmt.Errorf("record %s/%s at version %d, expected %d: %w",
			e.Table, e.RecordID, current, expectedPrior, model.ErrVersionConflict)
	}

	version := current + 1
	now := time.Now()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger (
			tenant_id, table_name, record_id, version, op,
			payload, content_hash, origin_client, changed_at, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TenantID, e.Table, e.RecordID, version, string(e.Op),
		string(e.Payload), e.ContentHash, nullIfEmpty(e.OriginClient),
		formatTime(e.ChangedAt), formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	deleted := 0
	if e.Op == model.OpDelete {
		deleted = 1
	}

	// Keep the per-record metadata in step with the ledger head.
	// Soft-deleted records keep their version lineage.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (
			tenant_id, table_name, record_id, version, content_hash,
			sync_status, deleted, last_sync_error, updated_at
		) VALUES (?, ?, ?, ?, ?, 'pending', ?, NULL, ?)
		ON CONFLICT(tenant_id, table_name, record_id) DO UPDATE SET
			version = excluded.version,
			content_hash = excluded.content_hash,
			sync_status = 'pending',
			deleted = excluded.deleted,
			last_sync_error = NULL,
			updated_at = excluded.updated_at`,
		e.TenantID, e.Table, e.RecordID, version, e.ContentHash,
		deleted, formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update record metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit append: %w", err)
	}

	e.Version = version
	e.RecordedAt = now
	return version, nil
}

// CurrentVersion returns the latest committed version for a record
// lineage, or 0 if the lineage has no entries yet.
func (s *Store) CurrentVersion(ctx context.Context, tenantID, table, recordID string) (int64, error) {
	var version int64
	err := s.conn.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM ledger
		WHERE tenant_id = ? AND table_name = ? AND record_id = ?`,
		tenantID, table, recordID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query current version: %w", err)
	}
	return version, nil
}

// GetEntry retrieves one ledger entry by lineage and version.
func (s *Store) GetEntry(ctx context.Context, tenantID, table, recordID string, version int64) (*model.LedgerEntry, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, tenant_id, table_name, record_id, version, op,
		       payload, content_hash, origin_client, changed_at, recorded_at
		FROM ledger
		WHERE tenant_id = ? AND table_name = ? AND record_id = ? AND version = ?`,
		tenantID, table, recordID, version,
	)
	return scanEntry(row)
}

// LatestEntry retrieves the head entry for a record lineage.
// Returns model.ErrNotFound if the lineage has no entries.
func (s *Store) LatestEntry(ctx context.Context, tenantID, table, recordID string) (*model.LedgerEntry, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, tenant_id, table_name, record_id, version, op,
		       payload, content_hash, origin_client, changed_at, recorded_at
		FROM ledger
		WHERE tenant_id = ? AND table_name = ? AND record_id = ?
		ORDER BY version DESC LIMIT 1`,
		tenantID, table, recordID,
	)
	return scanEntry(row)
}

// EntriesAfter returns up to limit ledger entries for a tenant with row
// id greater than afterID, in commit order. Used by the JSONL exporter.
func (s *Store) EntriesAfter(ctx context.Context, tenantID string, afterID int64, limit int) ([]*model.LedgerEntry, error) {
	query := `
		SELECT id, tenant_id, table_name, record_id, version, op,
		       payload, content_hash, origin_client, changed_at, recorded_at
		FROM ledger
		WHERE tenant_id = ? AND id > ?
		ORDER BY id ASC`
	args := []interface{}{tenantID, afterID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.LedgerEntry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}
	return entries, nil
}

// LineageVersions returns all versions recorded for a lineage in
// ascending order. Used by tests and the operator CLI.
func (s *Store) LineageVersions(ctx context.Context, tenantID, table, recordID string) ([]int64, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT version FROM ledger
		WHERE tenant_id = ? AND table_name = ? AND record_id = ?
		ORDER BY version ASC`,
		tenantID, table, recordID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query lineage versions: %w", err)
	}
	defer rows.Close()

	var versions []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}
	return versions, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row *sql.Row) (*model.LedgerEntry, error) {
	e, err := scanEntryFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	return e, err
}

func scanEntryRows(rows *sql.Rows) (*model.LedgerEntry, error) {
	return scanEntryFrom(rows)
}

func scanEntryFrom(row rowScanner) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var op, payload, changedAt, recordedAt string
	var origin sql.NullString

	err := row.Scan(
		&e.ID, &e.TenantID, &e.Table, &e.RecordID, &e.Version, &op,
		&payload, &e.ContentHash, &origin, &changedAt, &recordedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Op = model.Operation(op)
	e.Payload = []byte(payload)
	if origin.Valid {
		e.OriginClient = origin.String
	}
	e.ChangedAt = parseTime(changedAt)
	e.RecordedAt = parseTime(recordedAt)
	return &e, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
