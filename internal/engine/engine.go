// Package engine orchestrates sync cycles per client: accepting pushed
// changes, fanning committed versions out, serving pulls, and advancing
// cursors on acknowledgement. It drives the ledger, registry, queue,
// integrity verifier, and conflict resolver; each cycle is idempotent.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/tillsync/tillsync/internal/integrity"
	"github.com/tillsync/tillsync/internal/ledger"
	"github.com/tillsync/tillsync/internal/model"
	"github.com/tillsync/tillsync/internal/queue"
	"github.com/tillsync/tillsync/internal/registry"
	"github.com/tillsync/tillsync/internal/resolve"
	"github.com/tillsync/tillsync/internal/store"
)

// Error codes recorded on failed deliveries.
const (
	ErrCodeIntegrity = "integrity_mismatch"
	ErrCodeTransport = "transport_error"
)

// Config tunes the coordinator.
type Config struct {
	// Queue configures delivery defaults (retry budget, TTL).
	Queue queue.Config

	// ClientCap overrides the membership-tier cap policy (default:
	// the limit stored on the tenant row).
	ClientCap registry.ClientCap

	// Logger for coordinator activity.
	Logger *log.Logger

	// Alerter receives operator-visible events (default: NopAlerter).
	Alerter Alerter
}

// Engine is the sync coordinator.
type Engine struct {
	store    *store.Store
	ledger   *ledger.Ledger
	registry *registry.Registry
	queue    *queue.Queue
	logger   *log.Logger
	alerter  Alerter
}

// New creates an Engine over an opened, schema-initialized store.
func New(st *store.Store, config Config) *Engine {
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if config.Alerter == nil {
		config.Alerter = NopAlerter{}
	}
	if config.Queue.Logger == nil {
		config.Queue.Logger = config.Logger
	}

	e := &Engine{
		store:    st,
		ledger:   ledger.New(st, config.Logger),
		registry: registry.New(st, config.ClientCap, config.Logger),
		logger:   config.Logger,
		alerter:  config.Alerter,
	}
	if config.Queue.Notifier == nil {
		config.Queue.Notifier = deadLetterBridge{e}
	}
	e.queue = queue.New(st, config.Queue)
	return e
}

// SetAlerter installs the alert sink after construction; the server
// wires itself in this way. Call before serving traffic.
func (e *Engine) SetAlerter(a Alerter) {
	if a == nil {
		a = NopAlerter{}
	}
	e.alerter = a
}

// Store exposes the underlying store for operator tooling.
func (e *Engine) Store() *store.Store { return e.store }

// Registry exposes the client registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Queue exposes the outbound queue.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Applied reports one change committed to the ledger.
type Applied struct {
	Table    string `json:"table"`
	RecordID string `json:"record_id"`
	Version  int64  `json:"version"`
}

// ConflictOutcome reports one change that diverged from the ledger and
// what the resolver decided about it.
type ConflictOutcome struct {
	Table         string             `json:"table"`
	RecordID      string             `json:"record_id"`
	BaseVersion   int64              `json:"base_version"`
	ServerVersion int64              `json:"server_version"`
	Policy        model.ConflictPolicy `json:"policy"`
	Winner        string             `json:"winner"`
	// Current is the authoritative state returned when the server side
	// won, so the client can converge.
	Current *model.LedgerEntry `json:"current,omitempty"`
	// ConflictID references the stored divergence when the policy was
	// manual.
	ConflictID int64 `json:"conflict_id,omitempty"`
}

// Rejected reports one change refused without touching the ledger.
type Rejected struct {
	Table    string `json:"table"`
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
}

// PushResult summarizes one push cycle.
type PushResult struct {
	Applied   []Applied         `json:"applied"`
	Conflicts []ConflictOutcome `json:"conflicts"`
	Rejected  []Rejected        `json:"rejected"`
}

// Push accepts a client's batched local changes. Each change is
// independently verified, appended, and fanned out; one bad change does
// not fail its siblings. Integrity mismatches mark the record errored
// and are not retried. Version divergences go to the conflict resolver
// under the record's effective policy.
func (e *Engine) Push(ctx context.Context, tenantID, clientID string, changes []model.Change) (*PushResult, error) {
	client, tenant, err := e.authorize(ctx, tenantID, clientID)
	if err != nil {
		return nil, err
	}
	if client.ReadOnly {
		return nil, fmt.Errorf("client %s: %w", clientID, model.ErrReadOnly)
	}

	result := &PushResult{}
	for _, change := range changes {
		if err := change.Validate(); err != nil {
			result.Rejected = append(result.Rejected, Rejected{
				Table:    change.Table,
				RecordID: change.RecordID,
				Reason:   err.Error(),
			})
			continue
		}

		if err := integrity.Verify(change.Payload, change.ContentHash); err != nil {
			e.flagIntegrityFailure(ctx, tenantID, clientID, change, err)
			result.Rejected = append(result.Rejected, Rejected{
				Table:    change.Table,
				RecordID: change.RecordID,
				Reason:   err.Error(),
			})
			continue
		}

		if err := e.applyChange(ctx, tenant, client, change, result); err != nil {
			return nil, err
		}
	}

	_ = e.registry.Touch(ctx, clientID)
	return result, nil
}

// applyChange commits one verified change, routing divergences to the
// resolver.
func (e *Engine) applyChange(ctx context.Context, tenant *model.Tenant, client *model.Client, change model.Change, result *PushResult) error {
	entry, err := e.ledger.Append(ctx, tenant.ID, change, client.ID)
	if err == nil {
		if err := e.afterCommit(ctx, entry, change.Priority); err != nil {
			return err
		}
		result.Applied = append(result.Applied, Applied{
			Table:    change.Table,
			RecordID: change.RecordID,
			Version:  entry.Version,
		})
		return nil
	}
	if !errors.Is(err, model.ErrVersionConflict) {
		return err
	}

	// Someone else changed the record first; resolve the divergence.
	head, err := e.ledger.Head(ctx, tenant.ID, change.Table, change.RecordID)
	if errors.Is(err, model.ErrNotFound) {
		// A nonzero base against a lineage with no history: there is
		// nothing to resolve against, so refuse just this change.
		result.Rejected = append(result.Rejected, Rejected{
			Table:    change.Table,
			RecordID: change.RecordID,
			Reason: fmt.Sprintf("base version %d names a record with no history",
				change.BaseVersion),
		})
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load head for conflict resolution: %w", err)
	}

	policy, err := e.effectivePolicy(ctx, tenant, change.Table, change.RecordID)
	if err != nil {
		return err
	}

	outcome, err := resolve.Resolve(resolve.Input{
		Proposed: change,
		ClientID: client.ID,
		Current:  head,
		Policy:   policy,
	})
	if err != nil {
		return err
	}

	conflict := ConflictOutcome{
		Table:         change.Table,
		RecordID:      change.RecordID,
		BaseVersion:   change.BaseVersion,
		ServerVersion: head.Version,
		Policy:        policy,
		Winner:        outcome.Winner.String(),
	}

	switch outcome.Winner {
	case resolve.WinnerServer:
		conflict.Current = head

	case resolve.WinnerClient:
		entry, err := e.ledger.ForceAppend(ctx, tenant.ID, change, client.ID)
		if err != nil {
			return err
		}
		if err := e.afterCommit(ctx, entry, change.Priority); err != nil {
			return err
		}
		conflict.ServerVersion = entry.Version
		result.Applied = append(result.Applied, Applied{
			Table:    change.Table,
			RecordID: change.RecordID,
			Version:  entry.Version,
		})

	case resolve.WinnerManual:
		stored := &model.Conflict{
			TenantID:      tenant.ID,
			Table:         change.Table,
			RecordID:      change.RecordID,
			BaseVersion:   change.BaseVersion,
			ServerVersion: head.Version,
			ClientID:      client.ID,
			ClientPayload: change.Payload,
			ServerPayload: head.Payload,
		}
		id, err := e.store.InsertConflict(ctx, stored)
		if err != nil {
			return err
		}
		if err := e.store.SetRecordStatus(ctx, tenant.ID, change.Table, change.RecordID,
			model.SyncConflict, "manual conflict pending resolution"); err != nil {
			return err
		}
		conflict.ConflictID = id
		e.alerter.ConflictDetected(stored)
		e.logger.Printf("Manual conflict %d on %s/%s (base v%d, server v%d, client %s)",
			id, change.Table, change.RecordID, change.BaseVersion, head.Version, client.ID)
	}

	result.Conflicts = append(result.Conflicts, conflict)
	return nil
}

// afterCommit fans a committed entry out and settles record status.
func (e *Engine) afterCommit(ctx context.Context, entry *model.LedgerEntry, priority int) error {
	if _, err := e.queue.EnqueueFanoutPriority(ctx, entry, priority); err != nil {
		return err
	}
	// The authoritative store now holds this version.
	return e.store.SetRecordStatus(ctx, entry.TenantID, entry.Table, entry.RecordID,
		model.SyncSynced, "")
}

// PullResult is one delivery batch owed to a client.
type PullResult struct {
	BatchID    string             `json:"batch_id,omitempty"`
	Items      []*model.QueueItem `json:"items"`
	NextCursor int64              `json:"next_cursor"`
}

// Pull serves the client's due queue items as a batch. What is owed is
// defined by queue item status, never by a version threshold: versions
// are per-record lineages, so a client-wide floor would starve pending
// items on low-versioned records. sinceVersion is only a resume hint
// echoed back as the floor of NextCursor.
//
// Every payload is re-verified against the hash recorded at enqueue
// time before it goes out; a mismatch dead-letters the item and flags
// the record instead of shipping corrupt data. Items stay
// re-deliverable until the batch is acknowledged.
func (e *Engine) Pull(ctx context.Context, tenantID, clientID string, sinceVersion int64, maxItems int) (*PullResult, error) {
	client, _, err := e.authorize(ctx, tenantID, clientID)
	if err != nil {
		return nil, err
	}

	due, err := e.queue.DequeueDue(ctx, clientID, maxItems)
	if err != nil {
		return nil, err
	}

	result := &PullResult{NextCursor: sinceVersion}
	var deliverable []*model.QueueItem
	for _, item := range due {
		if err := integrity.Verify(item.Payload, item.ContentHash); err != nil {
			if dlErr := e.queue.DeadLetterItem(ctx, item, ErrCodeIntegrity, err.Error()); dlErr != nil {
				return nil, dlErr
			}
			if stErr := e.store.SetRecordStatus(ctx, tenantID, item.Table, item.RecordID,
				model.SyncError, err.Error()); stErr != nil && !errors.Is(stErr, model.ErrNotFound) {
				return nil, stErr
			}
			continue
		}
		deliverable = append(deliverable, item)
		if item.Version > result.NextCursor {
			result.NextCursor = item.Version
		}
	}

	if len(deliverable) > 0 {
		result.BatchID = uuid.NewString()
		if err := e.queue.MarkSent(ctx, clientID, result.BatchID, deliverable); err != nil {
			return nil, err
		}
	}
	result.Items = deliverable

	_ = e.registry.Touch(ctx, client.ID)
	return result, nil
}

// AckOutcome is the client's verdict on a delivered batch.
type AckOutcome struct {
	// OK confirms the whole batch was applied atomically client-side.
	OK bool `json:"ok"`

	// ErrorCode and ErrorMsg describe the failure when OK is false.
	ErrorCode string `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_message,omitempty"`
}

// Ack settles a delivered batch. Confirmation advances the client's
// cursors only after the whole batch is confirmed; failure spends one
// retry attempt per item. Replaying an already-confirmed batch is a
// no-op.
func (e *Engine) Ack(ctx context.Context, tenantID, clientID, batchID string, outcome AckOutcome) error {
	if _, _, err := e.authorize(ctx, tenantID, clientID); err != nil {
		return err
	}
	if batchID == "" {
		return fmt.Errorf("batch id is required")
	}

	if !outcome.OK {
		code := outcome.ErrorCode
		if code == "" {
			code = ErrCodeTransport
		}
		return e.queue.MarkFailed(ctx, clientID, batchID, code, outcome.ErrorMsg)
	}

	confirmed, err := e.queue.MarkConfirmed(ctx, clientID, batchID)
	if err != nil {
		return err
	}
	for _, item := range confirmed {
		if err := e.registry.UpdateCursor(ctx, clientID, item.Table, item.RecordID, item.Version); err != nil {
			return err
		}
	}

	_ = e.registry.Touch(ctx, clientID)
	return nil
}

// RegisterClient registers a new desktop installation for a tenant.
func (e *Engine) RegisterClient(ctx context.Context, tenantID, userID string, interval time.Duration) (*model.Client, error) {
	return e.registry.Register(ctx, tenantID, userID, interval)
}

// ServerApply commits a server-authored change (no originating client)
// and fans it out to every active client of the tenant.
func (e *Engine) ServerApply(ctx context.Context, tenantID string, change model.Change) (*model.LedgerEntry, error) {
	if err := change.Validate(); err != nil {
		return nil, fmt.Errorf("invalid change: %w", err)
	}
	if err := integrity.Verify(change.Payload, change.ContentHash); err != nil {
		return nil, err
	}

	entry, err := e.ledger.Append(ctx, tenantID, change, "")
	if err != nil {
		return nil, err
	}
	if err := e.afterCommit(ctx, entry, change.Priority); err != nil {
		return nil, err
	}
	return entry, nil
}

// authorize loads the client and enforces tenant isolation and
// lifecycle status. A cross-tenant attempt is fatal and logged as a
// security-relevant event before anything touches the ledger.
func (e *Engine) authorize(ctx context.Context, tenantID, clientID string) (*model.Client, *model.Tenant, error) {
	if tenantID == "" {
		return nil, nil, fmt.Errorf("tenant id is required")
	}
	if clientID == "" {
		return nil, nil, fmt.Errorf("client id is required")
	}

	client, err := e.registry.Get(ctx, clientID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load client %s: %w", clientID, err)
	}

	if client.TenantID != tenantID {
		e.logger.Printf("SECURITY: client %s (tenant %s) attempted access as tenant %s",
			clientID, client.TenantID, tenantID)
		return nil, nil, fmt.Errorf("client %s belongs to another tenant: %w",
			clientID, model.ErrTenantMismatch)
	}

	if client.Status != model.ClientActive {
		return nil, nil, fmt.Errorf("client %s is %s: %w",
			clientID, client.Status, model.ErrClientRevoked)
	}

	tenant, err := e.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load tenant %s: %w", tenantID, err)
	}
	return client, tenant, nil
}

// effectivePolicy resolves the conflict policy for a record: the
// per-record override when set, the tenant default otherwise.
func (e *Engine) effectivePolicy(ctx context.Context, tenant *model.Tenant, table, recordID string) (model.ConflictPolicy, error) {
	meta, err := e.store.GetRecordMeta(ctx, tenant.ID, table, recordID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return tenant.DefaultPolicy, nil
		}
		return "", err
	}
	if meta.Policy != "" {
		return meta.Policy, nil
	}
	return tenant.DefaultPolicy, nil
}

// flagIntegrityFailure marks the record errored after a push-side hash
// mismatch. The change never reaches the ledger.
func (e *Engine) flagIntegrityFailure(ctx context.Context, tenantID, clientID string, change model.Change, cause error) {
	e.logger.Printf("Integrity mismatch on push from client %s for %s/%s: %v",
		clientID, change.Table, change.RecordID, cause)
	err := e.store.SetRecordStatus(ctx, tenantID, change.Table, change.RecordID,
		model.SyncError, cause.Error())
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		e.logger.Printf("Warning: failed to flag record error: %v", err)
	}
	e.alerter.IntegrityFailure(tenantID, clientID, change.Table, change.RecordID, cause)
}
