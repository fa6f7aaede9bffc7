package engine

import (
	"context"
	"fmt"

	"github.com/tillsync/tillsync/internal/integrity"
	"github.com/tillsync/tillsync/internal/model"
)

// CreateTenant provisions a tenant. An empty policy defaults to
// last-write-wins; maxClients <= 0 means unlimited.
func (e *Engine) CreateTenant(ctx context.Context, id, name string, policy model.ConflictPolicy, maxClients int) (*model.Tenant, error) {
	tenant := &model.Tenant{
		ID:            id,
		Name:          name,
		DefaultPolicy: policy,
		MaxClients:    maxClients,
	}
	if err := e.store.CreateTenant(ctx, tenant); err != nil {
		return nil, err
	}
	e.logger.Printf("Created tenant %s (%s)", tenant.ID, tenant.Name)
	return tenant, nil
}

// PurgeTenant removes every trace of a tenant in one transaction:
// queue items, cursors, conflicts, ledger history, record metadata,
// clients, and the tenant row itself. There is no undo.
func (e *Engine) PurgeTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if err := e.store.PurgeTenant(ctx, tenantID); err != nil {
		return err
	}
	e.logger.Printf("Purged tenant %s", tenantID)
	return nil
}

// ResolveManualConflict settles a parked conflict by operator decision.
// Choosing the client side force-appends the stored client payload as a
// new version and fans it out; choosing the server side leaves the
// ledger alone. Either way the record returns to synced.
func (e *Engine) ResolveManualConflict(ctx context.Context, conflictID int64, keepClient bool) error {
	conflict, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if conflict.ResolvedAt != nil {
		return fmt.Errorf("conflict %d already resolved as %q", conflictID, conflict.Resolution)
	}

	resolution := "server"
	if keepClient {
		resolution = "client"
		change := model.Change{
			Table:       conflict.Table,
			RecordID:    conflict.RecordID,
			BaseVersion: conflict.ServerVersion,
			Op:          model.OpUpdate,
			Payload:     conflict.ClientPayload,
			ChangedAt:   conflict.DetectedAt,
		}
		var hashErr error
		change.ContentHash, hashErr = integrity.Hash(conflict.ClientPayload)
		if hashErr != nil {
			return hashErr
		}
		entry, err := e.ledger.ForceAppend(ctx, conflict.TenantID, change, conflict.ClientID)
		if err != nil {
			return err
		}
		if err := e.afterCommit(ctx, entry, 0); err != nil {
			return err
		}
	} else {
		if err := e.store.SetRecordStatus(ctx, conflict.TenantID, conflict.Table, conflict.RecordID,
			model.SyncSynced, ""); err != nil {
			return err
		}
	}

	if err := e.store.ResolveConflict(ctx, conflictID, resolution); err != nil {
		return err
	}
	e.logger.Printf("Resolved conflict %d on %s/%s in favor of %s",
		conflictID, conflict.Table, conflict.RecordID, resolution)
	return nil
}
