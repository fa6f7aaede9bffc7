// Package registry tracks tenants and their registered desktop clients:
// identity, lifecycle status, and per-lineage sync cursors.
package registry

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/tillsync/tillsync/internal/model"
	"github.com/tillsync/tillsync/internal/store"
)

// ClientCap returns the maximum number of clients a tenant may
// register, 0 meaning unlimited. The cap comes from an external
// membership-tier policy; the registry only enforces it.
type ClientCap func(t *model.Tenant) int

// TenantCap is the default policy: the limit stored on the tenant row.
func TenantCap(t *model.Tenant) int {
	return t.MaxClients
}

// Registry manages client registrations and cursors.
type Registry struct {
	store  *store.Store
	logger *log.Logger
	cap    ClientCap
}

// New creates a Registry over an opened store.
//
// If cap is nil, TenantCap is used. If logger is nil, a default logger
// writing to stderr is used.
func New(st *store.Store, cap ClientCap, logger *log.Logger) *Registry {
	if cap == nil {
		cap = TenantCap
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[registry] ", log.LstdFlags)
	}
	return &Registry{
		store:  st,
		logger: logger,
		cap:    cap,
	}
}

// Register creates a new client for a tenant and returns it.
// Fails with model.ErrLimitExceeded when the tenant's cap is reached.
func (r *Registry) Register(ctx context.Context, tenantID, userID string, interval time.Duration) (*model.Client, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	tenant, err := r.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant %s: %w", tenantID, err)
	}

	if limit := r.cap(tenant); limit > 0 {
		count, err := r.store.CountClients(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if count >= limit {
			return nil, fmt.Errorf("tenant %s has %d of %d clients: %w",
				tenantID, count, limit, model.ErrLimitExceeded)
		}
	}

	client := &model.Client{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		UserID:       userID,
		SyncInterval: interval,
		Status:       model.ClientActive,
		CreatedAt:    time.Now(),
	}

	if err := r.store.InsertClient(ctx, client); err != nil {
		return nil, err
	}

	r.logger.Printf("Registered client %s for tenant %s (user=%s, interval=%s)",
		client.ID, tenantID, userID, interval)
	return client, nil
}

// Get returns a client by id.
func (r *Registry) Get(ctx context.Context, clientID string) (*model.Client, error) {
	return r.store.GetClient(ctx, clientID)
}

// SetStatus transitions a client's lifecycle status. Suspending or
// revoking a client dead-letters its undelivered queue items; the
// client is excluded from fan-out from that point on.
func (r *Registry) SetStatus(ctx context.Context, clientID string, status model.ClientStatus) error {
	if err := r.store.SetClientStatus(ctx, clientID, status); err != nil {
		return err
	}

	if status == model.ClientSuspended || status == model.ClientRevoked {
		n, err := r.store.DeadLetterClient(ctx, clientID,
			"client_"+string(status), "client "+string(status))
		if err != nil {
			return err
		}
		if n > 0 {
			r.logger.Printf("Dead-lettered %d queued items for %s client %s",
				n, status, clientID)
		}
	}

	r.logger.Printf("Client %s status -> %s", clientID, status)
	return nil
}

// SetReadOnly flips a client's read-only flag. A read-only client
// keeps pulling deliveries but its pushes are refused.
func (r *Registry) SetReadOnly(ctx context.Context, clientID string, readOnly bool) error {
	if err := r.store.SetClientReadOnly(ctx, clientID, readOnly); err != nil {
		return err
	}
	r.logger.Printf("Client %s read-only -> %v", clientID, readOnly)
	return nil
}

// UpdateCursor advances the client's last-acknowledged version for one
// record lineage. Cursors only move forward.
func (r *Registry) UpdateCursor(ctx context.Context, clientID, table, recordID string, version int64) error {
	if err := r.store.AdvanceCursor(ctx, clientID, table, recordID, version); err != nil {
		return err
	}
	return nil
}

// Cursor returns the client's last-acknowledged version for a lineage,
// 0 if never acknowledged.
func (r *Registry) Cursor(ctx context.Context, clientID, table, recordID string) (int64, error) {
	return r.store.GetCursor(ctx, clientID, table, recordID)
}

// Touch records that the client was seen now.
func (r *Registry) Touch(ctx context.Context, clientID string) error {
	return r.store.TouchClient(ctx, clientID, time.Now())
}
