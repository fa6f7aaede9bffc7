package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tillsync/tillsync/internal/model"
)

// ErrorCodeExpired is recorded on items dead-lettered by lazy expiry,
// distinct from exhausted retry attempts.
const ErrorCodeExpired = "expired"

// InsertQueueItem adds one delivery obligation for a client.
//
// Delivery is deduplicated at the version granularity: if an item
// already exists for (client, table, record, version), the insert is a
// no-op and false is returned.
func (s *Store) InsertQueueItem(ctx context.Context, item *model.QueueItem) (bool, error) {
	if item.Status == "" {
		item.Status = model.QueuePending
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = 5
	}
	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO queue (
			client_id, tenant_id, table_name, record_id, version, op,
			payload, content_hash, status, attempts, max_attempts,
			priority, batch_id, expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id, table_name, record_id, version) DO NOTHING`,
		item.ClientID, item.TenantID, item.Table, item.RecordID,
		item.Version, string(item.Op), string(item.Payload),
		item.ContentHash, string(item.Status), item.MaxAttempts,
		item.Priority, nullIfEmpty(item.BatchID),
		timeToNullString(item.ExpiresAt),
		formatTime(item.CreatedAt), formatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert queue item: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n > 0, nil
}

// ExpireOverdue lazily dead-letters every undelivered item for the
// client whose expiry deadline has passed. Expiry does not consume a
// retry attempt. Returns the items that were expired.
func (s *Store) ExpireOverdue(ctx context.Context, clientID string, now time.Time) ([]*model.QueueItem, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, queueSelect+`
		WHERE client_id = ?
		  AND status IN ('pending', 'sent', 'failed')
		  AND expires_at IS NOT NULL AND expires_at < ?`,
		clientID, formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue items: %w", err)
	}
	expired, err := collectItems(rows)
	if err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE queue SET
			status = 'dead-lettered',
			error_code = ?,
			error_message = 'expired before delivery',
			updated_at = ?
		WHERE client_id = ?
		  AND status IN ('pending', 'sent', 'failed')
		  AND expires_at IS NOT NULL AND expires_at < ?`,
		ErrorCodeExpired, formatTime(now), clientID, formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to expire overdue items: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit expiry: %w", err)
	}

	for _, item := range expired {
		item.Status = model.QueueDeadLetter
		item.ErrorCode = ErrorCodeExpired
		item.ErrorMsg = "expired before delivery"
	}
	return expired, nil
}

// DueItems returns the client's deliverable items: pending, failed with
// retry budget left, and sent-but-unconfirmed (a client disconnecting
// mid-batch leaves items at sent; they must be re-deliverable).
//
// Items are ordered by priority descending then version ascending, so
// urgent records jump ahead while per-record causal order is preserved.
// What is owed is defined entirely by item status: versions are
// per-record lineages, so no version threshold can be compared across
// records. Currency is handled at fan-out via per-record cursors.
func (s *Store) DueItems(ctx context.Context, clientID string, limit int) ([]*model.QueueItem, error) {
	query := queueSelect + `
		WHERE client_id = ?
		  AND (status IN ('pending', 'sent')
		       OR (status = 'failed' AND attempts < max_attempts))
		ORDER BY priority DESC, version ASC`
	args := []interface{}{clientID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query due items: %w", err)
	}
	return collectItems(rows)
}

// MarkSent stamps the given items with a batch id and moves them to
// sent. Items stay re-deliverable until the batch is confirmed.
func (s *Store) MarkSent(ctx context.Context, clientID, batchID string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := []interface{}{batchID, formatTime(time.Now()), clientID}
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := s.conn.ExecContext(ctx, `
		UPDATE queue SET status = 'sent', batch_id = ?, updated_at = ?
		WHERE client_id = ? AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to mark items sent: %w", err)
	}
	return nil
}

// ConfirmBatch confirms every sent item in the batch, all-or-nothing,
// and returns the confirmed items so the caller can advance cursors.
func (s *Store) ConfirmBatch(ctx context.Context, clientID, batchID string) ([]*model.QueueItem, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, queueSelect+`
		WHERE client_id = ? AND batch_id = ? AND status = 'sent'`,
		clientID, batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch items: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE queue SET status = 'confirmed', updated_at = ?
		WHERE client_id = ? AND batch_id = ? AND status = 'sent'`,
		formatTime(time.Now()), clientID, batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to confirm batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch confirmation: %w", err)
	}

	for _, item := range items {
		item.Status = model.QueueConfirmed
	}
	return items, nil
}

// FailBatch records a delivery failure for every sent item in the
// batch. Each item's attempt count is incremented; items that reach
// max_attempts transition to dead-lettered. Returns the items that were
// dead-lettered so the caller can raise operator alerts.
func (s *Store) FailBatch(ctx context.Context, clientID, batchID, errorCode, errorMsg string) ([]*model.QueueItem, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())

	_, err = tx.ExecContext(ctx, `
		UPDATE queue SET
			attempts = attempts + 1,
			status = CASE WHEN attempts + 1 >= max_attempts
			              THEN 'dead-lettered' ELSE 'failed' END,
			error_code = ?,
			error_message = ?,
			updated_at = ?
		WHERE client_id = ? AND batch_id = ? AND status = 'sent'`,
		errorCode, errorMsg, now, clientID, batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fail batch: %w", err)
	}

	rows, err := tx.QueryContext(ctx, queueSelect+`
		WHERE client_id = ? AND batch_id = ? AND status = 'dead-lettered'`,
		clientID, batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead-lettered items: %w", err)
	}
	dead, err := collectItems(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch failure: %w", err)
	}
	return dead, nil
}

// DeadLetterItem moves one item straight to the dead-letter state,
// bypassing the retry budget. Used for non-retriable failures.
func (s *Store) DeadLetterItem(ctx context.Context, id int64, errorCode, errorMsg string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE queue SET
			status = 'dead-lettered',
			error_code = ?,
			error_message = ?,
			updated_at = ?
		WHERE id = ? AND status != 'confirmed'`,
		errorCode, errorMsg, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to dead-letter item %d: %w", id, err)
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

// DeadLetterClient dead-letters every undelivered item queued for a
// client. Used when a client is suspended or revoked.
func (s *Store) DeadLetterClient(ctx context.Context, clientID, errorCode, errorMsg string) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE queue SET
			status = 'dead-lettered',
			error_code = ?,
			error_message = ?,
			updated_at = ?
		WHERE client_id = ? AND status IN ('pending', 'sent', 'failed')`,
		errorCode, errorMsg, formatTime(time.Now()), clientID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to dead-letter client queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n, nil
}

// DeadLetters returns a tenant's retained dead-lettered items, newest
// first. They are kept with their error code and message for operator
// inspection, never deleted by the engine.
func (s *Store) DeadLetters(ctx context.Context, tenantID string, limit int) ([]*model.QueueItem, error) {
	query := queueSelect + `
		WHERE tenant_id = ? AND status = 'dead-lettered'
		ORDER BY updated_at DESC`
	args := []interface{}{tenantID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	return collectItems(rows)
}

// RequeueDeadLetter resets a dead-lettered item to pending with a fresh
// retry budget. An operator action; expiresAt replaces the old deadline
// (nil clears it).
func (s *Store) RequeueDeadLetter(ctx context.Context, id int64, expiresAt *time.Time) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE queue SET
			status = 'pending',
			attempts = 0,
			batch_id = NULL,
			error_code = NULL,
			error_message = NULL,
			expires_at = ?,
			updated_at = ?
		WHERE id = ? AND status = 'dead-lettered'`,
		timeToNullString(expiresAt), formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to requeue dead letter: %w", err)
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

// QueueStats returns item counts by status for a tenant.
func (s *Store) QueueStats(ctx context.Context, tenantID string) (map[string]int, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM queue
		WHERE tenant_id = ? GROUP BY status`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		stats[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue stats: %w", err)
	}
	return stats, nil
}

const queueSelect = `
	SELECT id, client_id, tenant_id, table_name, record_id, version, op,
	       payload, content_hash, status, attempts, max_attempts,
	       priority, batch_id, expires_at, error_code, error_message,
	       created_at, updated_at
	FROM queue`

// collectItems scans queue rows and closes the result set.
func collectItems(rows *sql.Rows) ([]*model.QueueItem, error) {
	defer rows.Close()

	var items []*model.QueueItem
	for rows.Next() {
		var item model.QueueItem
		var op, payload, status, createdAt, updatedAt string
		var batchID, expiresAt, errorCode, errorMsg sql.NullString

		err := rows.Scan(
			&item.ID, &item.ClientID, &item.TenantID, &item.Table,
			&item.RecordID, &item.Version, &op, &payload,
			&item.ContentHash, &status, &item.Attempts,
			&item.MaxAttempts, &item.Priority, &batchID, &expiresAt,
			&errorCode, &errorMsg, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}

		item.Op = model.Operation(op)
		item.Payload = []byte(payload)
		item.Status = model.QueueStatus(status)
		if batchID.Valid {
			item.BatchID = batchID.String
		}
		item.ExpiresAt = nullStringToTime(expiresAt)
		if errorCode.Valid {
			item.ErrorCode = errorCode.String
		}
		if errorMsg.Valid {
			item.ErrorMsg = errorMsg.String
		}
		item.CreatedAt = parseTime(createdAt)
		item.UpdatedAt = parseTime(updatedAt)

		items = append(items, &item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}
	return items, nil
}
