// Package ledger maintains the append-only version ledger: one entry
// per committed mutation, with per-lineage versions assigned strictly
// increasing and gap-free.
package ledger

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/tillsync/tillsync/internal/model"
	"github.com/tillsync/tillsync/internal/store"
)

// Ledger appends mutations and answers version queries. It is a pure
// log: it never notifies the outbound queue itself, that is the
// coordinator's job.
type Ledger struct {
	store  *store.Store
	logger *log.Logger
}

// New creates a Ledger over an opened store.
//
// If logger is nil, a default logger writing to stderr is used.
func New(st *store.Store, logger *log.Logger) *Ledger {
	if logger == nil {
		logger = log.New(os.Stderr, "[ledger] ", log.LstdFlags)
	}
	return &Ledger{
		store:  st,
		logger: logger,
	}
}

// Append records a mutation for (tenant, table, record) and returns the
// committed entry. The change's BaseVersion is the optimistic
// concurrency check: if the lineage has advanced past it, Append fails
// with model.ErrVersionConflict and the caller routes the change to the
// conflict resolver.
//
// originClient is empty for server-authored changes.
func (l *Ledger) Append(ctx context.Context, tenantID string, change model.Change, originClient string) (*model.LedgerEntry, error) {
	return l.append(ctx, tenantID, change, originClient, change.BaseVersion)
}

// ForceAppend records a mutation without the prior-version check,
// superseding whatever the lineage currently holds. Used when the
// client-wins policy overrides history.
func (l *Ledger) ForceAppend(ctx context.Context, tenantID string, change model.Change, originClient string) (*model.LedgerEntry, error) {
	return l.append(ctx, tenantID, change, originClient, -1)
}

func (l *Ledger) append(ctx context.Context, tenantID string, change model.Change, originClient string, expectedPrior int64) (*model.LedgerEntry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if err := change.Validate(); err != nil {
		return nil, fmt.Errorf("invalid change: %w", err)
	}

	entry := &model.LedgerEntry{
		TenantID:     tenantID,
		Table:        change.Table,
		RecordID:     change.RecordID,
		Op:           change.Op,
		Payload:      change.Payload,
		ContentHash:  change.ContentHash,
		OriginClient: originClient,
		ChangedAt:    change.ChangedAt,
	}

	version, err := l.store.AppendEntry(ctx, entry, expectedPrior)
	if err != nil {
		return nil, err
	}

	l.logger.Printf("Appended %s %s/%s v%d (origin=%s)",
		change.Op, change.Table, change.RecordID, version, originOrServer(originClient))
	return entry, nil
}

// CurrentVersion returns the lineage's latest committed version, 0 if
// none.
func (l *Ledger) CurrentVersion(ctx context.Context, tenantID, table, recordID string) (int64, error) {
	return l.store.CurrentVersion(ctx, tenantID, table, recordID)
}

// Head returns the lineage's latest entry.
func (l *Ledger) Head(ctx context.Context, tenantID, table, recordID string) (*model.LedgerEntry, error) {
	return l.store.LatestEntry(ctx, tenantID, table, recordID)
}

// Entry returns one specific version of a lineage.
func (l *Ledger) Entry(ctx context.Context, tenantID, table, recordID string, version int64) (*model.LedgerEntry, error) {
	return l.store.GetEntry(ctx, tenantID, table, recordID, version)
}

// ServerChange is a convenience for server-authored mutations: it
// builds a Change against the lineage's current version with the given
// mutation time.
func (l *Ledger) ServerChange(ctx context.Context, tenantID, table, recordID string, op model.Operation, payload []byte, hash string, changedAt time.Time) (model.Change, error) {
	current, err := l.CurrentVersion(ctx, tenantID, table, recordID)
	if err != nil {
		return model.Change{}, err
	}
	return model.Change{
		Table:       table,
		RecordID:    recordID,
		BaseVersion: current,
		Op:          op,
		Payload:     payload,
		ContentHash: hash,
		ChangedAt:   changedAt,
	}, nil
}

func originOrServer(originClient string) string {
	if originClient == "" {
		return "server"
	}
	return originClient
}
