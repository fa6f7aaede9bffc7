package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tillsync/tillsync/internal/integrity"
	"github.com/tillsync/tillsync/internal/model"
	"github.com/tillsync/tillsync/internal/store"
)

// newTestStore opens a store on a temp file with the schema applied
// and one seeded tenant
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	if err := st.CreateTenant(ctx, &model.Tenant{ID: "t1", Name: "Shop"}); err != nil {
		t.Fatalf("CreateTenant() failed: %v", err)
	}
	return st
}

// appendEntries writes n sequential versions for one record
func appendEntries(t *testing.T, st *store.Store, recordID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		payload := []byte(fmt.Sprintf(`{"seq":%d}`, i))
		hash, err := integrity.Hash(payload)
		if err != nil {
			t.Fatalf("Hash() failed: %v", err)
		}
		entry := &model.LedgerEntry{
			TenantID:     "t1",
			Table:        "sales",
			RecordID:     recordID,
			Op:           model.OpUpdate,
			Payload:      payload,
			ContentHash:  hash,
			OriginClient: "c1",
			ChangedAt:    time.Now(),
		}
		if _, err := st.AppendEntry(ctx, entry, int64(i)); err != nil {
			t.Fatalf("AppendEntry() failed: %v", err)
		}
	}
}

// TestExportImport_Roundtrip tests that an exported ledger replays
// into a fresh store with identical history
func TestExportImport_Roundtrip(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	appendEntries(t, src, "r1", 3)
	appendEntries(t, src, "r2", 2)

	var buf bytes.Buffer
	result, err := Export(ctx, src, "t1", &buf)
	if err != nil {
		t.Fatalf("Export() failed: %v", err)
	}
	if result.Entries != 5 {
		t.Errorf("exported %d entries, want 5", result.Entries)
	}

	dst := newTestStore(t)
	imported, err := Import(ctx, dst, "t1", bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if imported.Entries != 5 {
		t.Errorf("imported %d entries, want 5", imported.Entries)
	}
	if imported.Skipped != 0 {
		t.Errorf("skipped %d entries, want 0", imported.Skipped)
	}

	versions, err := dst.LineageVersions(ctx, "t1", "sales", "r1")
	if err != nil {
		t.Fatalf("LineageVersions() failed: %v", err)
	}
	if len(versions) != 3 {
		t.Errorf("r1 has %d versions after import, want 3", len(versions))
	}
}

// TestImport_Rerun tests that replaying the same file is a no-op
func TestImport_Rerun(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	appendEntries(t, src, "r1", 3)

	var buf bytes.Buffer
	if _, err := Export(ctx, src, "t1", &buf); err != nil {
		t.Fatalf("Export() failed: %v", err)
	}

	dst := newTestStore(t)
	if _, err := Import(ctx, dst, "t1", bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("first Import() failed: %v", err)
	}
	rerun, err := Import(ctx, dst, "t1", bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("second Import() failed: %v", err)
	}
	if rerun.Entries != 0 {
		t.Errorf("rerun appended %d entries, want 0", rerun.Entries)
	}
	if rerun.Skipped != 3 {
		t.Errorf("rerun skipped %d entries, want 3", rerun.Skipped)
	}

	if v, _ := dst.CurrentVersion(ctx, "t1", "sales", "r1"); v != 3 {
		t.Errorf("version = %d after rerun, want 3", v)
	}
}

// TestImport_TenantMismatch tests that foreign entries abort the import
func TestImport_TenantMismatch(t *testing.T) {
	dst := newTestStore(t)
	data := `{"tenant_id":"t2","table":"sales","record_id":"r1","version":1,"op":"insert","payload":{"a":1},"changed_at":"2026-01-01T00:00:00Z","recorded_at":"2026-01-01T00:00:00Z"}` + "\n"

	_, err := Import(context.Background(), dst, "t1", strings.NewReader(data))
	if !errors.Is(err, model.ErrTenantMismatch) {
		t.Errorf("error = %v, want ErrTenantMismatch", err)
	}
}

// TestImport_CorruptLineSkipped tests that a hash mismatch skips the
// line and records the error without aborting
func TestImport_CorruptLineSkipped(t *testing.T) {
	ctx := context.Background()

	good := []byte(`{"ok":true}`)
	hash, err := integrity.Hash(good)
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}
	data := `{"tenant_id":"t1","table":"sales","record_id":"r1","version":1,"op":"insert","payload":{"tampered":true},"content_hash":"` + hash + `","changed_at":"2026-01-01T00:00:00Z","recorded_at":"2026-01-01T00:00:00Z"}` + "\n" +
		`{"tenant_id":"t1","table":"sales","record_id":"r2","version":1,"op":"insert","payload":{"ok":true},"content_hash":"` + hash + `","changed_at":"2026-01-01T00:00:00Z","recorded_at":"2026-01-01T00:00:00Z"}` + "\n"

	dst := newTestStore(t)
	result, err := Import(ctx, dst, "t1", strings.NewReader(data))
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if result.Entries != 1 {
		t.Errorf("imported %d entries, want 1", result.Entries)
	}
	if result.Skipped != 1 {
		t.Errorf("skipped %d entries, want 1", result.Skipped)
	}
	if len(result.Errors) != 1 {
		t.Errorf("recorded %d errors, want 1", len(result.Errors))
	}
}

// TestImport_VersionGap tests that a gap in a record's history aborts
// the import
func TestImport_VersionGap(t *testing.T) {
	payload := []byte(`{"a":1}`)
	hash, err := integrity.Hash(payload)
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}
	data := `{"tenant_id":"t1","table":"sales","record_id":"r1","version":2,"op":"update","payload":{"a":1},"content_hash":"` + hash + `","changed_at":"2026-01-01T00:00:00Z","recorded_at":"2026-01-01T00:00:00Z"}` + "\n"

	dst := newTestStore(t)
	_, err = Import(context.Background(), dst, "t1", strings.NewReader(data))
	if err == nil || !strings.Contains(err.Error(), "jumps from version") {
		t.Errorf("error = %v, want version gap error", err)
	}
}

// TestExportImportFile tests the file-based wrappers end to end
func TestExportImportFile(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	appendEntries(t, src, "r1", 2)

	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	if _, err := ExportFile(ctx, src, "t1", path); err != nil {
		t.Fatalf("ExportFile() failed: %v", err)
	}

	dst := newTestStore(t)
	result, err := ImportFile(ctx, dst, "t1", path)
	if err != nil {
		t.Fatalf("ImportFile() failed: %v", err)
	}
	if result.Entries != 2 {
		t.Errorf("imported %d entries, want 2", result.Entries)
	}
}
