package model

import "errors"

// Sentinel errors for the failure taxonomy. Callers classify with
// errors.Is and decide retry behavior per class: transient failures are
// retried by the queue up to max_attempts, version conflicts go to the
// resolver, integrity mismatches and tenant mismatches are never retried.
var (
	// ErrVersionConflict means a caller's expected prior version no
	// longer matches the ledger's current version for that record.
	ErrVersionConflict = errors.New("version conflict")

	// ErrIntegrityMismatch means a payload's content hash does not match
	// the declared hash. Not retried automatically.
	ErrIntegrityMismatch = errors.New("integrity mismatch")

	// ErrTenantMismatch means a client attempted to touch another
	// tenant's records. Fatal and security-relevant.
	ErrTenantMismatch = errors.New("tenant mismatch")

	// ErrLimitExceeded means the tenant's client cap was reached during
	// registration.
	ErrLimitExceeded = errors.New("client limit exceeded")

	// ErrExpired means a queue item passed its expiry deadline before
	// delivery. Distinct from exhausted attempts for observability.
	ErrExpired = errors.New("item expired")

	// ErrClientRevoked means the client is revoked or suspended and is
	// excluded from sync.
	ErrClientRevoked = errors.New("client revoked or suspended")

	// ErrNotFound means the requested tenant, client, or record does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrReadOnly means a read-only client attempted to push mutations.
	ErrReadOnly = errors.New("client is read-only")
)
