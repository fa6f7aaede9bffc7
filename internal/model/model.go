// Package model defines the core types shared by the tillsync engine:
// tenants, registered desktop clients, ledger entries, queue items, and
// the closed sets of statuses and conflict policies they carry.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of mutation recorded in the ledger.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// SyncStatus is the per-record synchronization state surfaced to the
// surrounding application.
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSynced   SyncStatus = "synced"
	SyncConflict SyncStatus = "conflict"
	SyncError    SyncStatus = "error"
)

// ConflictPolicy decides the winning version when two sites mutate the
// same record concurrently.
type ConflictPolicy string

const (
	PolicyServerWins    ConflictPolicy = "server-wins"
	PolicyClientWins    ConflictPolicy = "client-wins"
	PolicyLastWriteWins ConflictPolicy = "last-write-wins"
	PolicyManual        ConflictPolicy = "manual"
)

// Valid reports whether p is one of the known policies.
func (p ConflictPolicy) Valid() bool {
	switch p {
	case PolicyServerWins, PolicyClientWins, PolicyLastWriteWins, PolicyManual:
		return true
	}
	return false
}

// ClientStatus is the lifecycle state of a registered desktop client.
type ClientStatus string

const (
	ClientActive    ClientStatus = "active"
	ClientSuspended ClientStatus = "suspended"
	ClientRevoked   ClientStatus = "revoked"
)

// Valid reports whether s is one of the known client statuses.
func (s ClientStatus) Valid() bool {
	switch s {
	case ClientActive, ClientSuspended, ClientRevoked:
		return true
	}
	return false
}

// QueueStatus is the delivery state of an outbound queue item.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueSent       QueueStatus = "sent"
	QueueConfirmed  QueueStatus = "confirmed"
	QueueFailed     QueueStatus = "failed"
	QueueDeadLetter QueueStatus = "dead-lettered"
)

// Tenant is the isolation boundary. Every other entity is scoped by a
// tenant identifier and no operation ever crosses tenant boundaries.
type Tenant struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	DefaultPolicy ConflictPolicy `json:"default_policy"`
	MaxClients    int            `json:"max_clients"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Client is one registered desktop installation.
type Client struct {
	ID           string       `json:"id"`
	TenantID     string       `json:"tenant_id"`
	UserID       string       `json:"user_id"`
	SyncInterval time.Duration `json:"sync_interval"`
	Status       ClientStatus `json:"status"`
	ReadOnly     bool         `json:"read_only"`
	LastSeenAt   *time.Time   `json:"last_seen_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// LedgerEntry is one immutable row of the append-only change ledger.
// For a given (tenant, table, record) lineage, entries are strictly
// ordered by version with no gaps once committed.
type LedgerEntry struct {
	ID           int64           `json:"id"`
	TenantID     string          `json:"tenant_id"`
	Table        string          `json:"table"`
	RecordID     string          `json:"record_id"`
	Version      int64           `json:"version"`
	Op           Operation       `json:"op"`
	Payload      json.RawMessage `json:"payload"`
	ContentHash  string          `json:"content_hash"`
	OriginClient string          `json:"origin_client,omitempty"` // empty = server-authored
	ChangedAt    time.Time       `json:"changed_at"`              // client-declared mutation time
	RecordedAt   time.Time       `json:"recorded_at"`
}

// RecordMeta is the per-record synchronization metadata kept alongside
// the business row: current version, content hash, sync status, and the
// optional per-record conflict policy override.
type RecordMeta struct {
	TenantID      string         `json:"tenant_id"`
	Table         string         `json:"table"`
	RecordID      string         `json:"record_id"`
	Version       int64          `json:"version"`
	ContentHash   string         `json:"content_hash"`
	Status        SyncStatus     `json:"sync_status"`
	Policy        ConflictPolicy `json:"conflict_resolution,omitempty"` // empty = tenant default
	Deleted       bool           `json:"deleted"`
	LastSyncError string         `json:"last_sync_error,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// QueueItem is one pending delivery obligation for a specific client.
// At most one item exists per (client, table, record, version).
type QueueItem struct {
	ID          int64           `json:"id"`
	ClientID    string          `json:"client_id"`
	TenantID    string          `json:"tenant_id"`
	Table       string          `json:"table"`
	RecordID    string          `json:"record_id"`
	Version     int64           `json:"version"`
	Op          Operation       `json:"op"`
	Payload     json.RawMessage `json:"payload"`
	ContentHash string          `json:"content_hash"`
	Status      QueueStatus     `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Priority    int             `json:"priority"`
	BatchID     string          `json:"batch_id,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	ErrorMsg    string          `json:"error_message,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Expired reports whether the item's soft deadline has passed at now.
// Expiry is checked lazily at dequeue time, never by a background timer.
func (q *QueueItem) Expired(now time.Time) bool {
	return q.ExpiresAt != nil && now.After(*q.ExpiresAt)
}

// Change is a single mutation pushed by a client. BaseVersion is the
// version the client last saw for this record; a mismatch against the
// ledger routes the change to the conflict resolver.
type Change struct {
	Table       string          `json:"table"`
	RecordID    string          `json:"record_id"`
	BaseVersion int64           `json:"base_version"`
	Op          Operation       `json:"op"`
	Payload     json.RawMessage `json:"payload"`
	ContentHash string          `json:"content_hash"`
	ChangedAt   time.Time       `json:"changed_at"`
	Priority    int             `json:"priority,omitempty"`
}

// Validate checks the change for structural problems before it is
// allowed anywhere near the ledger.
func (c *Change) Validate() error {
	if c.Table == "" {
		return fmt.Errorf("table is required")
	}
	if c.RecordID == "" {
		return fmt.Errorf("record_id is required")
	}
	if !c.Op.Valid() {
		return fmt.Errorf("unknown operation %q", c.Op)
	}
	if c.BaseVersion < 0 {
		return fmt.Errorf("base_version must be >= 0 (got %d)", c.BaseVersion)
	}
	if c.Op != OpDelete && len(c.Payload) == 0 {
		return fmt.Errorf("payload is required for %s", c.Op)
	}
	if c.ContentHash == "" {
		return fmt.Errorf("content_hash is required")
	}
	if c.ChangedAt.IsZero() {
		return fmt.Errorf("changed_at is required")
	}
	return nil
}

// Conflict captures both sides of a divergence that a manual policy
// left for operator resolution.
type Conflict struct {
	ID            int64           `json:"id"`
	TenantID      string          `json:"tenant_id"`
	Table         string          `json:"table"`
	RecordID      string          `json:"record_id"`
	BaseVersion   int64           `json:"base_version"`
	ServerVersion int64           `json:"server_version"`
	ClientID      string          `json:"client_id"`
	ClientPayload json.RawMessage `json:"client_payload"`
	ServerPayload json.RawMessage `json:"server_payload"`
	DetectedAt    time.Time       `json:"detected_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	Resolution    string          `json:"resolution,omitempty"`
}
