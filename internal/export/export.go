// Package export moves ledger history in and out of JSONL files, for
// backups, tenant migration, and offline inspection.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tillsync/tillsync/internal/integrity"
	"github.com/tillsync/tillsync/internal/model"
	"github.com/tillsync/tillsync/internal/store"
)

// line is one exported ledger entry. The ledger row id is deliberately
// omitted, entries are re-keyed on import.
type line struct {
	TenantID     string          `json:"tenant_id"`
	Table        string          `json:"table"`
	RecordID     string          `json:"record_id"`
	Version      int64           `json:"version"`
	Op           model.Operation `json:"op"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ContentHash  string          `json:"content_hash,omitempty"`
	OriginClient string          `json:"origin_client,omitempty"`
	ChangedAt    time.Time       `json:"changed_at"`
	RecordedAt   time.Time       `json:"recorded_at"`
}

// Result contains statistics for one export or import run.
type Result struct {
	Entries int
	Skipped int
	Errors  []string
}

const pageSize = 500

// Export writes a tenant's full ledger history to w as JSONL, in
// commit order.
func Export(ctx context.Context, st *store.Store, tenantID string, w io.Writer) (*Result, error) {
	result := &Result{}
	encoder := json.NewEncoder(w)

	var afterID int64
	for {
		entries, err := st.EntriesAfter(ctx, tenantID, afterID, pageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to page ledger: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		for _, e := range entries {
			err := encoder.Encode(line{
				TenantID:     e.TenantID,
				Table:        e.Table,
				RecordID:     e.RecordID,
				Version:      e.Version,
				Op:           e.Op,
				Payload:      e.Payload,
				ContentHash:  e.ContentHash,
				OriginClient: e.OriginClient,
				ChangedAt:    e.ChangedAt,
				RecordedAt:   e.RecordedAt,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to encode entry: %w", err)
			}
			afterID = e.ID
			result.Entries++
		}
	}
	return result, nil
}

// ExportFile writes a tenant's ledger to a JSONL file, atomically via
// a temp file.
func ExportFile(ctx context.Context, st *store.Store, tenantID, path string) (*Result, error) {
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create export file: %w", err)
	}

	result, err := Export(ctx, st, tenantID, f)
	if err != nil {
		f.Close()
		_ = os.Remove(tmpPath)
		return nil, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to close export file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename export file: %w", err)
	}
	return result, nil
}

// Import replays a JSONL stream into the ledger for one tenant. Each
// entry is hash-verified before it is appended; versions must arrive
// in order per record. Entries already present (same version) are
// skipped, so re-running a partial import is safe.
func Import(ctx context.Context, st *store.Store, tenantID string, r io.Reader) (*Result, error) {
	result := &Result{}
	decoder := json.NewDecoder(r)
	lineNum := 0

	for {
		var l line
		if err := decoder.Decode(&l); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		if l.TenantID != tenantID {
			return nil, fmt.Errorf("line %d belongs to tenant %s: %w",
				lineNum, l.TenantID, model.ErrTenantMismatch)
		}

		if l.ContentHash != "" {
			if err := integrity.Verify(l.Payload, l.ContentHash); err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("line %d (%s/%s v%d): %v", lineNum, l.Table, l.RecordID, l.Version, err))
				result.Skipped++
				continue
			}
		}

		current, err := st.CurrentVersion(ctx, tenantID, l.Table, l.RecordID)
		if err != nil {
			return nil, err
		}
		if l.Version <= current {
			result.Skipped++
			continue
		}
		if l.Version != current+1 {
			return nil, fmt.Errorf("line %d: %s/%s jumps from version %d to %d",
				lineNum, l.Table, l.RecordID, current, l.Version)
		}

		entry := &model.LedgerEntry{
			TenantID:     tenantID,
			Table:        l.Table,
			RecordID:     l.RecordID,
			Op:           l.Op,
			Payload:      l.Payload,
			ContentHash:  l.ContentHash,
			OriginClient: l.OriginClient,
			ChangedAt:    l.ChangedAt,
		}
		if _, err := st.AppendEntry(ctx, entry, current); err != nil {
			if errors.Is(err, model.ErrVersionConflict) {
				result.Skipped++
				continue
			}
			return nil, err
		}
		result.Entries++
	}
	return result, nil
}

// ImportFile replays a JSONL file into the ledger.
func ImportFile(ctx context.Context, st *store.Store, tenantID, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open import file: %w", err)
	}
	defer f.Close()
	return Import(ctx, st, tenantID, f)
}
