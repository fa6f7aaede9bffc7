package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tillsync/tillsync/internal/model"
)

func testEntry(tenantID, table, recordID string) *model.LedgerEntry {
	return &model.LedgerEntry{
		TenantID:    tenantID,
		Table:       table,
		RecordID:    recordID,
		Op:          model.OpUpdate,
		Payload:     []byte(`{"total":10}`),
		ContentHash: "h1",
		ChangedAt:   time.Now(),
	}
}

// TestAppendEntry_VersionsIncrease tests that versions are assigned
// strictly increasing with no gaps
func TestAppendEntry_VersionsIncrease(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedTenant(t, st, "t1", model.PolicyLastWriteWins)

	for want := int64(1); want <= 5; want++ {
		e := testEntry("t1", "sales", "r1")
		version, err := st.AppendEntry(ctx, e, want-1)
		if err != nil {
			t.Fatalf("AppendEntry() failed at version %d: %v", want, err)
		}
		if version != want {
			t.Errorf("version = %d, want %d", version, want)
		}
	}

	versions, err := st.LineageVersions(ctx, "t1", "sales", "r1")
	if err != nil {
		t.Fatalf("LineageVersions() failed: %v", err)
	}
	if len(versions) != 5 {
		t.Fatalf("lineage has %d versions, want 5", len(versions))
	}
	for i, v := range versions {
		if v != int64(i+1) {
			t.Errorf("versions[%d] = %d, want %d (gap)", i, v, i+1)
		}
	}
}

// TestAppendEntry_ConcurrentNoGaps tests that parallel force-appenders
// on one lineage serialize on the write lock and still produce a
// strictly-increasing, gap-free version sequence
func TestAppendEntry_ConcurrentNoGaps(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedTenant(t, st, "t1", model.PolicyLastWriteWins)

	const appenders = 4
	const perAppender = 5

	var wg sync.WaitGroup
	errs := make(chan error, appenders*perAppender)
	for i := 0; i < appenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perAppender; j++ {
				if _, err := st.AppendEntry(ctx, testEntry("t1", "sales", "r1"), -1); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent AppendEntry() failed: %v", err)
	}

	versions, err := st.LineageVersions(ctx, "t1", "sales", "r1")
	if err != nil {
		t.Fatalf("LineageVersions() failed: %v", err)
	}
	if len(versions) != appenders*perAppender {
		t.Fatalf("lineage has %d versions, want %d", len(versions), appenders*perAppender)
	}
	for i, v := range versions {
		if v != int64(i+1) {
			t.Errorf("versions[%d] = %d, want %d (gap)", i, v, i+1)
		}
	}
}

// TestAppendEntry_StaleBase tests that a stale expected version is
// rejected without writing
func TestAppendEntry_StaleBase(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedTenant(t, st, "t1", model.PolicyLastWriteWins)

	if _, err := st.AppendEntry(ctx, testEntry("t1", "sales", "r1"), 0); err != nil {
		t.Fatalf("AppendEntry() failed: %v", err)
	}
	if _, err := st.AppendEntry(ctx, testEntry("t1", "sales", "r1"), 1); err != nil {
		t.Fatalf("AppendEntry() failed: %v", err)
	}

	// Replay from base 1 when the lineage is at 2.
	_, err := st.AppendEntry(ctx, testEntry("t1", "sales", "r1"), 1)
	if !errors.Is(err, model.ErrVersionConflict) {
		t.Fatalf("error = %v, want ErrVersionConflict", err)
	}

	current, err := st.CurrentVersion(ctx, "t1", "sales", "r1")
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if current != 2 {
		t.Errorf("current version = %d, want 2 (rejected append wrote)", current)
	}
}

// TestAppendEntry_Force tests the unchecked append used by client-wins
func TestAppendEntry_Force(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedTenant(t, st, "t1", model.PolicyLastWriteWins)

	if _, err := st.AppendEntry(ctx, testEntry("t1", "sales", "r1"), 0); err != nil {
		t.Fatalf("AppendEntry() failed: %v", err)
	}
	if _, err := st.AppendEntry(ctx, testEntry("t1", "sales", "r1"), 1); err != nil {
		t.Fatalf("AppendEntry() failed: %v", err)
	}

	version, err := st.AppendEntry(ctx, testEntry("t1", "sales", "r1"), -1)
	if err != nil {
		t.Fatalf("forced AppendEntry() failed: %v", err)
	}
	if version != 3 {
		t.Errorf("forced version = %d, want 3", version)
	}
}

// TestAppendEntry_LineagesIndependent tests that versions are scoped
// per (tenant, table, record)
func TestAppendEntry_LineagesIndependent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedTenant(t, st, "t1", model.PolicyLastWriteWins)
	seedTenant(t, st, "t2", model.PolicyLastWriteWins)

	if _, err := st.AppendEntry(ctx, testEntry("t1", "sales", "r1"), 0); err != nil {
		t.Fatalf("AppendEntry() failed: %v", err)
	}
	if _, err := st.AppendEntry(ctx, testEntry("t1", "sales", "r1"), 1); err != nil {
		t.Fatalf("AppendEntry() failed: %v", err)
	}

	// Same record id, different tenant and table both start at 1.
	v, err := st.AppendEntry(ctx, testEntry("t2", "sales", "r1"), 0)
	if err != nil {
		t.Fatalf("AppendEntry() failed: %v", err)
	}
	if v != 1 {
		t.Errorf("other tenant version = %d, want 1", v)
	}

	v, err = st.AppendEntry(ctx, testEntry("t1", "stock", "r1"), 0)
	if err != nil {
		t.Fatalf("AppendEntry() failed: %v", err)
	}
	if v != 1 {
		t.Errorf("other table version = %d, want 1", v)
	}
}

// TestAppendEntry_UpdatesRecordMeta tests that record metadata tracks
// the ledger head
func TestAppendEntry_UpdatesRecordMeta(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedTenant(t, st, "t1", model.PolicyLastWriteWins)

	if _, err := st.AppendEntry(ctx, testEntry("t1", "sales", "r1"), 0); err != nil {
		t.Fatalf("AppendEntry() failed: %v", err)
	}

	meta, err := st.GetRecordMeta(ctx, "t1", "sales", "r1")
	if err != nil {
		t.Fatalf("GetRecordMeta() failed: %v", err)
	}
	if meta.Version != 1 {
		t.Errorf("meta version = %d, want 1", meta.Version)
	}
	if meta.Status != model.SyncPending {
		t.Errorf("meta status = %s, want pending", meta.Status)
	}
	if meta.Deleted {
		t.Error("meta deleted = true for update")
	}

	del := testEntry("t1", "sales", "r1")
	del.Op = model.OpDelete
	del.Payload = nil
	if _, err := st.AppendEntry(ctx, del, 1); err != nil {
		t.Fatalf("AppendEntry(delete) failed: %v", err)
	}

	meta, err = st.GetRecordMeta(ctx, "t1", "sales", "r1")
	if err != nil {
		t.Fatalf("GetRecordMeta() failed: %v", err)
	}
	if !meta.Deleted {
		t.Error("meta deleted = false after delete")
	}
	if meta.Version != 2 {
		t.Errorf("meta version = %d, want 2 (lineage continues past delete)", meta.Version)
	}
}

// TestLatestEntry tests head retrieval and the not-found sentinel
func TestLatestEntry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedTenant(t, st, "t1", model.PolicyLastWriteWins)

	if _, err := st.LatestEntry(ctx, "t1", "sales", "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}

	e := testEntry("t1", "sales", "r1")
	e.OriginClient = "c1"
	if _, err := st.AppendEntry(ctx, e, 0); err != nil {
		t.Fatalf("AppendEntry() failed: %v", err)
	}

	head, err := st.LatestEntry(ctx, "t1", "sales", "r1")
	if err != nil {
		t.Fatalf("LatestEntry() failed: %v", err)
	}
	if head.Version != 1 {
		t.Errorf("head version = %d, want 1", head.Version)
	}
	if head.OriginClient != "c1" {
		t.Errorf("origin = %q, want c1", head.OriginClient)
	}
}

// TestEntriesAfter tests paging through the ledger in commit order
func TestEntriesAfter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedTenant(t, st, "t1", model.PolicyLastWriteWins)

	for i := 0; i < 5; i++ {
		if _, err := st.AppendEntry(ctx, testEntry("t1", "sales", "r1"), int64(i)); err != nil {
			t.Fatalf("AppendEntry() failed: %v", err)
		}
	}

	var seen int
	var afterID int64
	for {
		page, err := st.EntriesAfter(ctx, "t1", afterID, 2)
		if err != nil {
			t.Fatalf("EntriesAfter() failed: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			if e.ID <= afterID {
				t.Fatalf("entry id %d not after %d", e.ID, afterID)
			}
			afterID = e.ID
			seen++
		}
	}
	if seen != 5 {
		t.Errorf("paged %d entries, want 5", seen)
	}
}
