package spool

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tillsync/tillsync/internal/engine"
	"github.com/tillsync/tillsync/internal/integrity"
	"github.com/tillsync/tillsync/internal/model"
)

// newTestAgent builds an agent over a temp spool with one table
// directory
func newTestAgent(t *testing.T) (*Agent, string) {
	t.Helper()
	spool := t.TempDir()
	if err := os.MkdirAll(filepath.Join(spool, "sales"), 0o755); err != nil {
		t.Fatalf("failed to create table dir: %v", err)
	}

	api := NewClient("http://localhost:0", "t1", "c1")
	agent, err := New(api, &Config{
		SpoolDir: spool,
		Logger:   log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { agent.watcher.Close() })
	return agent, spool
}

// writeSpoolFile drops one change file into a table directory
func writeSpoolFile(t *testing.T, spool, table, name, content string) string {
	t.Helper()
	path := filepath.Join(spool, table, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write spool file: %v", err)
	}
	return path
}

// TestReadChangeFile tests parsing a spool file into a change with the
// hash computed over the payload
func TestReadChangeFile(t *testing.T) {
	agent, spool := newTestAgent(t)
	path := writeSpoolFile(t, spool, "sales", "r1.json",
		`{"record_id":"r1","base_version":2,"op":"update","payload":{"total":12.50},"changed_at":"2026-08-01T10:00:00Z"}`)

	change, err := agent.readChangeFile(path)
	if err != nil {
		t.Fatalf("readChangeFile() failed: %v", err)
	}
	if change.Table != "sales" {
		t.Errorf("table = %q, want sales (from directory)", change.Table)
	}
	if change.RecordID != "r1" || change.BaseVersion != 2 {
		t.Errorf("record = %s v%d, want r1 v2", change.RecordID, change.BaseVersion)
	}

	want, err := integrity.Hash([]byte(`{"total":12.50}`))
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}
	if change.ContentHash != want {
		t.Errorf("content hash = %q, want %q", change.ContentHash, want)
	}
}

// TestReadChangeFile_Delete tests that a delete with no payload still
// hashes and validates
func TestReadChangeFile_Delete(t *testing.T) {
	agent, spool := newTestAgent(t)
	path := writeSpoolFile(t, spool, "sales", "r1.json",
		`{"record_id":"r1","base_version":3,"op":"delete","changed_at":"2026-08-01T10:00:00Z"}`)

	change, err := agent.readChangeFile(path)
	if err != nil {
		t.Fatalf("readChangeFile() failed: %v", err)
	}
	if change.Op != model.OpDelete {
		t.Errorf("op = %s, want delete", change.Op)
	}
	if change.ContentHash == "" {
		t.Error("delete change has no content hash")
	}
}

// TestReadChangeFile_MissingTimestamp tests the file mtime fallback
func TestReadChangeFile_MissingTimestamp(t *testing.T) {
	agent, spool := newTestAgent(t)
	path := writeSpoolFile(t, spool, "sales", "r1.json",
		`{"record_id":"r1","base_version":0,"op":"insert","payload":{"a":1}}`)

	change, err := agent.readChangeFile(path)
	if err != nil {
		t.Fatalf("readChangeFile() failed: %v", err)
	}
	if change.ChangedAt.IsZero() {
		t.Error("changed_at not backfilled from file mtime")
	}
}

// TestReadChangeFile_Invalid tests rejection of malformed spool files
func TestReadChangeFile_Invalid(t *testing.T) {
	agent, spool := newTestAgent(t)

	cases := []struct {
		name    string
		content string
	}{
		{"bad json", `{"record_id":`},
		{"no record id", `{"base_version":0,"op":"insert","payload":{"a":1}}`},
		{"bad op", `{"record_id":"r1","base_version":0,"op":"upsert","payload":{"a":1}}`},
		{"negative base", `{"record_id":"r1","base_version":-1,"op":"insert","payload":{"a":1}}`},
	}
	for _, tc := range cases {
		path := writeSpoolFile(t, spool, "sales", "bad.json", tc.content)
		if _, err := agent.readChangeFile(path); err == nil {
			t.Errorf("%s: readChangeFile() succeeded", tc.name)
		}
	}
}

// TestReservedDir tests that agent-owned directories are not watched
// as tables
func TestReservedDir(t *testing.T) {
	for _, name := range []string{"applied", "rejects", "inbox", ".state"} {
		if !reservedDir(name) {
			t.Errorf("reservedDir(%q) = false, want true", name)
		}
	}
	for _, name := range []string{"sales", "inventory", "applied_totals"} {
		if reservedDir(name) {
			t.Errorf("reservedDir(%q) = true, want false", name)
		}
	}
}

// TestWatchSpool tests table discovery from the spool layout
func TestWatchSpool(t *testing.T) {
	agent, spool := newTestAgent(t)
	for _, dir := range []string{"inventory", "applied", "rejects"} {
		if err := os.MkdirAll(filepath.Join(spool, dir), 0o755); err != nil {
			t.Fatalf("failed to create dir: %v", err)
		}
	}

	tables, err := agent.watchSpool()
	if err != nil {
		t.Fatalf("watchSpool() failed: %v", err)
	}
	if len(tables) != 2 || tables[0] != "inventory" || tables[1] != "sales" {
		t.Errorf("tables = %v, want [inventory sales]", tables)
	}
}

// TestSettlePush tests the routing of pushed files by server verdict
func TestSettlePush(t *testing.T) {
	agent, spool := newTestAgent(t)

	applied := writeSpoolFile(t, spool, "sales", "a.json", `{}`)
	beaten := writeSpoolFile(t, spool, "sales", "b.json", `{}`)
	rejected := writeSpoolFile(t, spool, "sales", "c.json", `{}`)
	won := writeSpoolFile(t, spool, "sales", "d.json", `{}`)

	changes := []model.Change{
		{Table: "sales", RecordID: "a"},
		{Table: "sales", RecordID: "b"},
		{Table: "sales", RecordID: "c"},
		{Table: "sales", RecordID: "d"},
	}
	result := &engine.PushResult{
		Applied: []engine.Applied{{Table: "sales", RecordID: "a", Version: 1}},
		Conflicts: []engine.ConflictOutcome{
			{Table: "sales", RecordID: "b", Policy: model.PolicyServerWins, Winner: "server", ServerVersion: 4},
			{Table: "sales", RecordID: "d", Policy: model.PolicyClientWins, Winner: "client", ServerVersion: 4},
		},
		Rejected: []engine.Rejected{{Table: "sales", RecordID: "c", Reason: "content hash mismatch"}},
	}

	agent.settlePush(changes, []string{applied, beaten, rejected, won}, result)

	for _, name := range []string{"a.json", "d.json"} {
		if _, err := os.Stat(filepath.Join(spool, "applied", "sales", name)); err != nil {
			t.Errorf("%s not archived to applied/: %v", name, err)
		}
	}
	for _, name := range []string{"b.json", "c.json"} {
		if _, err := os.Stat(filepath.Join(spool, "rejects", "sales", name)); err != nil {
			t.Errorf("%s not parked in rejects/: %v", name, err)
		}
	}

	reason, err := os.ReadFile(filepath.Join(spool, "rejects", "sales", "b.json.reason"))
	if err != nil {
		t.Fatalf("reason file missing: %v", err)
	}
	if !strings.Contains(string(reason), "server kept version 4") {
		t.Errorf("reason = %q", reason)
	}
}

// TestSweepAndFlush tests that files already spooled at startup are
// queued and become ready after the debounce interval
func TestSweepAndFlush(t *testing.T) {
	agent, spool := newTestAgent(t)
	writeSpoolFile(t, spool, "sales", "r1.json",
		`{"record_id":"r1","base_version":0,"op":"insert","payload":{"a":1}}`)
	writeSpoolFile(t, spool, "sales", "notes.txt", "ignored")

	agent.sweepTable("sales")

	agent.changeQueueMu.Lock()
	queued := len(agent.changeQueue)
	agent.changeQueueMu.Unlock()
	if queued != 1 {
		t.Errorf("queued %d files, want 1 (.txt files ignored)", queued)
	}
}

// TestRequeue tests that transiently failed pushes are retried without
// waiting out a fresh debounce
func TestRequeue(t *testing.T) {
	agent, spool := newTestAgent(t)
	path := writeSpoolFile(t, spool, "sales", "r1.json", `{}`)

	agent.requeue([]string{path})

	agent.changeQueueMu.Lock()
	stamp, ok := agent.changeQueue[path]
	agent.changeQueueMu.Unlock()
	if !ok {
		t.Fatal("path not requeued")
	}
	if time.Since(stamp) < agent.config.DebounceInterval {
		t.Error("requeued stamp is not back-dated past the debounce window")
	}
}

// TestApplyItem_Inbox tests the default applier writing deliveries to
// the inbox
func TestApplyItem_Inbox(t *testing.T) {
	agent, spool := newTestAgent(t)

	err := agent.applyItem(&model.QueueItem{
		Table:    "prices",
		RecordID: "p1",
		Version:  3,
		Payload:  []byte(`{"price":99}`),
	})
	if err != nil {
		t.Fatalf("applyItem() failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(spool, "inbox", "prices", "p1.v3.json"))
	if err != nil {
		t.Fatalf("inbox file missing: %v", err)
	}
	if string(data) != `{"price":99}` {
		t.Errorf("inbox payload = %s", data)
	}
}
