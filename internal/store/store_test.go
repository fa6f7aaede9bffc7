package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tillsync/tillsync/internal/model"
)

// newTestStore opens a schema-initialized store on a temp database
func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return st
}

// seedTenant creates a tenant with the given default policy
func seedTenant(t *testing.T, st *Store, id string, policy model.ConflictPolicy) *model.Tenant {
	t.Helper()
	tenant := &model.Tenant{ID: id, Name: id, DefaultPolicy: policy}
	if err := st.CreateTenant(context.Background(), tenant); err != nil {
		t.Fatalf("CreateTenant() failed: %v", err)
	}
	return tenant
}

// seedClient registers an active client under a tenant
func seedClient(t *testing.T, st *Store, tenantID, id string) *model.Client {
	t.Helper()
	client := &model.Client{
		ID:           id,
		TenantID:     tenantID,
		UserID:       "user-" + id,
		SyncInterval: time.Minute,
		Status:       model.ClientActive,
	}
	if err := st.InsertClient(context.Background(), client); err != nil {
		t.Fatalf("InsertClient() failed: %v", err)
	}
	return client
}

// TestOpen_Success tests database creation and initialization
func TestOpen_Success(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer st.Close()

	if st.path != path {
		t.Errorf("path = %q, want %q", st.path, path)
	}
}

// TestInitSchema_Success tests that all tables are created
func TestInitSchema_Success(t *testing.T) {
	st := newTestStore(t)

	tables := []string{"tenants", "clients", "cursors", "ledger", "records", "queue", "conflicts"}
	for _, table := range tables {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := st.conn.QueryRow(query, table).Scan(&count); err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

// TestInitSchema_Idempotent tests that schema initialization can run
// repeatedly
func TestInitSchema_Idempotent(t *testing.T) {
	st := newTestStore(t)

	if err := st.InitSchema(context.Background()); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}
