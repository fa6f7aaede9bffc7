package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tillsync/tillsync/internal/model"
)

// CreateTenant inserts a new tenant.
func (s *Store) CreateTenant(ctx context.Context, t *model.Tenant) error {
	if t.DefaultPolicy == "" {
		t.DefaultPolicy = model.PolicyLastWriteWins
	}
	if !t.DefaultPolicy.Valid() {
		return fmt.Errorf("invalid default policy %q", t.DefaultPolicy)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO tenants (id, name, default_policy, max_clients, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Name, string(t.DefaultPolicy), t.MaxClients, formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert tenant %s: %w", t.ID, err)
	}
	return nil
}

// GetTenant retrieves a tenant by id.
func (s *Store) GetTenant(ctx context.Context, id string) (*model.Tenant, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, name, default_policy, max_clients, created_at
		FROM tenants WHERE id = ?`, id,
	)

	var t model.Tenant
	var policy, createdAt string
	err := row.Scan(&t.ID, &t.Name, &policy, &t.MaxClients, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tenant: %w", err)
	}

	t.DefaultPolicy = model.ConflictPolicy(policy)
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

// PurgeTenant removes a tenant and everything scoped to it: queue items,
// cursors, conflicts, ledger entries, record metadata, and client
// registrations. The sweep is one transaction; cascades are explicit
// rather than delegated to the database engine.
func (s *Store) PurgeTenant(ctx context.Context, tenantID string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	steps := []struct {
		desc  string
		query string
	}{
		{"queue items", `DELETE FROM queue WHERE tenant_id = ?`},
		{"cursors", `DELETE FROM cursors WHERE client_id IN (SELECT id FROM clients WHERE tenant_id = ?)`},
		{"conflicts", `DELETE FROM conflicts WHERE tenant_id = ?`},
		{"ledger entries", `DELETE FROM ledger WHERE tenant_id = ?`},
		{"record metadata", `DELETE FROM records WHERE tenant_id = ?`},
		{"clients", `DELETE FROM clients WHERE tenant_id = ?`},
		{"tenant", `DELETE FROM tenants WHERE id = ?`},
	}

	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step.query, tenantID); err != nil {
			return fmt.Errorf("failed to purge %s for tenant %s: %w", step.desc, tenantID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tenant purge: %w", err)
	}
	return nil
}

// InsertClient registers a new client row.
func (s *Store) InsertClient(ctx context.Context, c *model.Client) error {
	if c.Status == "" {
		c.Status = model.ClientActive
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	readOnly := 0
	if c.ReadOnly {
		readOnly = 1
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO clients (
			id, tenant_id, user_id, sync_interval_secs,
			status, read_only, last_seen_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.UserID, int(c.SyncInterval.Seconds()),
		string(c.Status), readOnly, timeToNullString(c.LastSeenAt),
		formatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert client %s: %w", c.ID, err)
	}
	return nil
}

// GetClient retrieves a client by id.
func (s *Store) GetClient(ctx context.Context, id string) (*model.Client, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, tenant_id, user_id, sync_interval_secs,
		       status, read_only, last_seen_at, created_at
		FROM clients WHERE id = ?`, id,
	)
	return scanClient(row)
}

// ListClients returns all clients registered to a tenant.
func (s *Store) ListClients(ctx context.Context, tenantID string) ([]*model.Client, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, tenant_id, user_id, sync_interval_secs,
		       status, read_only, last_seen_at, created_at
		FROM clients WHERE tenant_id = ?
		ORDER BY created_at ASC`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query clients: %w", err)
	}
	defer rows.Close()

	var clients []*model.Client
	for rows.Next() {
		c, err := scanClientRow(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating clients: %w", err)
	}
	return clients, nil
}

// ActiveClients returns the tenant's clients that participate in
// fan-out: active status only.
func (s *Store) ActiveClients(ctx context.Context, tenantID string) ([]*model.Client, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, tenant_id, user_id, sync_interval_secs,
		       status, read_only, last_seen_at, created_at
		FROM clients WHERE tenant_id = ? AND status = 'active'
		ORDER BY created_at ASC`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query active clients: %w", err)
	}
	defer rows.Close()

	var clients []*model.Client
	for rows.Next() {
		c, err := scanClientRow(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating active clients: %w", err)
	}
	return clients, nil
}

// CountClients returns how many non-revoked clients a tenant has.
// Used to enforce the membership-tier cap at registration.
func (s *Store) CountClients(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM clients
		WHERE tenant_id = ? AND status != 'revoked'`, tenantID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count clients: %w", err)
	}
	return count, nil
}

// SetClientStatus transitions a client's lifecycle status.
// Registrations are never physically deleted while ledger and queue
// rows reference them; revocation is the terminal state.
func (s *Store) SetClientStatus(ctx context.Context, clientID string, status model.ClientStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid client status %q", status)
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE clients SET status = ? WHERE id = ?`,
		string(status), clientID,
	)
	if err != nil {
		return fmt.Errorf("failed to set client status: %w", err)
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

// SetClientReadOnly flips a client's read-only flag. Read-only clients
// still pull deliveries; their pushes are refused.
func (s *Store) SetClientReadOnly(ctx context.Context, clientID string, readOnly bool) error {
	flag := 0
	if readOnly {
		flag = 1
	}
	res, err := s.conn.ExecContext(ctx, `
		UPDATE clients SET read_only = ? WHERE id = ?`,
		flag, clientID,
	)
	if err != nil {
		return fmt.Errorf("failed to set read-only flag: %w", err)
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

// TouchClient records when the client was last seen.
func (s *Store) TouchClient(ctx context.Context, clientID string, seen time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE clients SET last_seen_at = ? WHERE id = ?`,
		formatTime(seen), clientID,
	)
	if err != nil {
		return fmt.Errorf("failed to touch client: %w", err)
	}
	return nil
}

// GetCursor returns the client's last-acknowledged version for a record
// lineage, or 0 if the client has never acknowledged it.
func (s *Store) GetCursor(ctx context.Context, clientID, table, recordID string) (int64, error) {
	var version int64
	err := s.conn.QueryRowContext(ctx, `
		SELECT version FROM cursors
		WHERE client_id = ? AND table_name = ? AND record_id = ?`,
		clientID, table, recordID,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query cursor: %w", err)
	}
	return version, nil
}

// AdvanceCursor moves the client's cursor for a lineage forward.
// The cursor never moves backward; a stale version is a no-op.
func (s *Store) AdvanceCursor(ctx context.Context, clientID, table, recordID string, version int64) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO cursors (client_id, table_name, record_id, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(client_id, table_name, record_id) DO UPDATE SET
			version = MAX(version, excluded.version),
			updated_at = excluded.updated_at`,
		clientID, table, recordID, version, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	return nil
}

func scanClient(row *sql.Row) (*model.Client, error) {
	c, err := scanClientFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	return c, err
}

func scanClientRow(rows *sql.Rows) (*model.Client, error) {
	return scanClientFrom(rows)
}

func scanClientFrom(row rowScanner) (*model.Client, error) {
	var c model.Client
	var intervalSecs, readOnly int
	var status, createdAt string
	var lastSeen sql.NullString

	err := row.Scan(
		&c.ID, &c.TenantID, &c.UserID, &intervalSecs,
		&status, &readOnly, &lastSeen, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	c.SyncInterval = time.Duration(intervalSecs) * time.Second
	c.Status = model.ClientStatus(status)
	c.ReadOnly = readOnly != 0
	c.LastSeenAt = nullStringToTime(lastSeen)
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}
