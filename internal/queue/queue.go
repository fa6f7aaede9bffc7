// Package queue implements the per-client outbound delivery queue:
// fan-out of ledger entries to every other client of a tenant, ordered
// dequeue with lazy expiry, and retry accounting that dead-letters
// items once their budget or deadline is gone.
package queue

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/tillsync/tillsync/internal/model"
	"github.com/tillsync/tillsync/internal/store"
)

// Notifier receives operator-visible events raised by the queue.
type Notifier interface {
	// DeadLettered is called once per item that transitions to the
	// dead-letter state, with the error code already populated.
	DeadLettered(item *model.QueueItem)
}

// NopNotifier discards all events.
type NopNotifier struct{}

// DeadLettered implements Notifier.
func (NopNotifier) DeadLettered(*model.QueueItem) {}

// Config tunes delivery defaults applied at fan-out.
type Config struct {
	// MaxAttempts is the retry budget per item (default: 5).
	MaxAttempts int

	// ItemTTL is how long an item stays deliverable before lazy expiry
	// dead-letters it. Zero means items never expire.
	ItemTTL time.Duration

	// Logger for queue activity.
	Logger *log.Logger

	// Notifier for dead-letter alerts (default: NopNotifier).
	Notifier Notifier
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		ItemTTL:     72 * time.Hour,
	}
}

// Queue manages outbound delivery state for all clients of all tenants.
// Operations are per-client and run in parallel across clients without
// contention.
type Queue struct {
	store    *store.Store
	logger   *log.Logger
	notifier Notifier
	config   Config
}

// New creates a Queue over an opened store.
func New(st *store.Store, config Config) *Queue {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	if config.Notifier == nil {
		config.Notifier = NopNotifier{}
	}
	return &Queue{
		store:    st,
		logger:   config.Logger,
		notifier: config.Notifier,
		config:   config,
	}
}

// EnqueueFanout creates a pending queue item for every other active
// client of the entry's tenant. The originating client is skipped (a
// client never receives its own echoed change), as is any client whose
// cursor for the lineage already covers the entry's version. Items
// already enqueued for the same (client, table, record, version) are
// not duplicated.
func (q *Queue) EnqueueFanout(ctx context.Context, entry *model.LedgerEntry) ([]*model.QueueItem, error) {
	return q.EnqueueFanoutPriority(ctx, entry, 0)
}

// EnqueueFanoutPriority is EnqueueFanout with an explicit delivery
// priority. Higher priorities dequeue ahead of bulk chatter.
func (q *Queue) EnqueueFanoutPriority(ctx context.Context, entry *model.LedgerEntry, priority int) ([]*model.QueueItem, error) {
	clients, err := q.store.ActiveClients(ctx, entry.TenantID)
	if err != nil {
		return nil, err
	}

	var created []*model.QueueItem
	for _, client := range clients {
		if client.ID == entry.OriginClient {
			continue
		}

		cursor, err := q.store.GetCursor(ctx, client.ID, entry.Table, entry.RecordID)
		if err != nil {
			return nil, err
		}
		if cursor >= entry.Version {
			// Already current for this lineage.
			continue
		}

		item := &model.QueueItem{
			ClientID:    client.ID,
			TenantID:    entry.TenantID,
			Table:       entry.Table,
			RecordID:    entry.RecordID,
			Version:     entry.Version,
			Op:          entry.Op,
			Payload:     entry.Payload,
			ContentHash: entry.ContentHash,
			Status:      model.QueuePending,
			MaxAttempts: q.config.MaxAttempts,
			Priority:    priority,
		}
		if q.config.ItemTTL > 0 {
			expires := time.Now().Add(q.config.ItemTTL)
			item.ExpiresAt = &expires
		}

		inserted, err := q.store.InsertQueueItem(ctx, item)
		if err != nil {
			return nil, err
		}
		if inserted {
			created = append(created, item)
		}
	}

	if len(created) > 0 {
		q.logger.Printf("Fanned out %s/%s v%d to %d clients",
			entry.Table, entry.RecordID, entry.Version, len(created))
	}
	return created, nil
}

// DequeueDue returns the client's deliverable items in (priority DESC,
// version ASC) order, after lazily dead-lettering anything past its
// expiry deadline. Expiry consumes no retry attempt and is reported via
// the Notifier with error code "expired".
func (q *Queue) DequeueDue(ctx context.Context, clientID string, limit int) ([]*model.QueueItem, error) {
	expired, err := q.store.ExpireOverdue(ctx, clientID, time.Now())
	if err != nil {
		return nil, err
	}
	for _, item := range expired {
		q.logger.Printf("Expired queue item %d (%s/%s v%d) for client %s",
			item.ID, item.Table, item.RecordID, item.Version, clientID)
		q.notifier.DeadLettered(item)
	}

	return q.store.DueItems(ctx, clientID, limit)
}

// MarkSent stamps the items with a batch id and moves them to sent.
func (q *Queue) MarkSent(ctx context.Context, clientID, batchID string, items []*model.QueueItem) error {
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return q.store.MarkSent(ctx, clientID, batchID, ids)
}

// MarkConfirmed confirms a delivered batch all-or-nothing and returns
// the confirmed items. Replaying an already-confirmed batch returns an
// empty slice and changes nothing.
func (q *Queue) MarkConfirmed(ctx context.Context, clientID, batchID string) ([]*model.QueueItem, error) {
	items, err := q.store.ConfirmBatch(ctx, clientID, batchID)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		q.logger.Printf("Confirmed batch %s (%d items) for client %s",
			batchID, len(items), clientID)
	}
	return items, nil
}

// MarkFailed records a delivery failure for a sent batch, incrementing
// each item's attempt count. Items that exhaust their budget are
// dead-lettered and reported via the Notifier.
func (q *Queue) MarkFailed(ctx context.Context, clientID, batchID, errorCode, errorMsg string) error {
	dead, err := q.store.FailBatch(ctx, clientID, batchID, errorCode, errorMsg)
	if err != nil {
		return err
	}
	for _, item := range dead {
		q.logger.Printf("Dead-lettered queue item %d (%s/%s v%d) after %d attempts: %s",
			item.ID, item.Table, item.RecordID, item.Version, item.Attempts, errorCode)
		q.notifier.DeadLettered(item)
	}
	return nil
}

// DeadLetterItem moves a single item straight to the dead-letter state,
// bypassing the retry budget. Used for non-retriable failures such as
// integrity mismatches, where retrying corrupted data is pointless.
func (q *Queue) DeadLetterItem(ctx context.Context, item *model.QueueItem, errorCode, errorMsg string) error {
	if err := q.store.DeadLetterItem(ctx, item.ID, errorCode, errorMsg); err != nil {
		return err
	}
	item.Status = model.QueueDeadLetter
	item.ErrorCode = errorCode
	item.ErrorMsg = errorMsg
	q.logger.Printf("Dead-lettered queue item %d (%s/%s v%d): %s",
		item.ID, item.Table, item.RecordID, item.Version, errorCode)
	q.notifier.DeadLettered(item)
	return nil
}

// DeadLetters lists a tenant's retained dead-lettered items.
func (q *Queue) DeadLetters(ctx context.Context, tenantID string, limit int) ([]*model.QueueItem, error) {
	return q.store.DeadLetters(ctx, tenantID, limit)
}

// Requeue resets a dead-lettered item to pending with a fresh retry
// budget and a new deadline computed from the configured TTL.
func (q *Queue) Requeue(ctx context.Context, id int64) error {
	var expiresAt *time.Time
	if q.config.ItemTTL > 0 {
		t := time.Now().Add(q.config.ItemTTL)
		expiresAt = &t
	}
	if err := q.store.RequeueDeadLetter(ctx, id, expiresAt); err != nil {
		return err
	}
	q.logger.Printf("Requeued dead-lettered item %d", id)
	return nil
}

// Stats returns queue item counts by status for a tenant.
func (q *Queue) Stats(ctx context.Context, tenantID string) (map[string]int, error) {
	return q.store.QueueStats(ctx, tenantID)
}
