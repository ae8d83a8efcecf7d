// Package store defines the transactional store contract the Sync
// Engine is polymorphic over. Concrete backends live in sibling
// packages (sqlitestore, memstore); both must honor the same
// semantics described here and in spec.md §4.2.
package store

import (
	"context"

	"github.com/autotech-aaos/contactscache/contactscache/model"
)

// Tx is a scoped write transaction. Nested transactions are not
// supported; a store must reject an attempt to open one while another
// is outstanding on the same handle with ErrNestedTransaction.
//
// Exactly one of Commit or Rollback must be called. A transaction
// scope that exits via Rollback (or is simply abandoned, e.g. by a
// deferred Rollback after an early return) leaves the store state
// exactly as it was before BeginTransaction.
type Tx interface {
	Commit() error
	Rollback() error
}

// Store is the capability set the Sync Engine consumes. Any concrete
// backend — a durable relational store with a write-ahead log, or an
// in-memory one for tests — must implement it with identical
// observable semantics.
type Store interface {
	// BeginTransaction opens a scoped write transaction. Readers below
	// do not require one and observe the last committed snapshot.
	BeginTransaction(ctx context.Context) (Tx, error)

	// UpsertContact must be called inside a transaction. See spec.md
	// §4.2 for the full outcome decision table.
	UpsertContact(ctx context.Context, tx Tx, sourceDevice string, payload model.ContactPayload, nowMs int64) (model.UpsertOutcome, error)

	// MarkDeleted tombstones every non-tombstoned row named in ids
	// under sourceDevice and returns the count actually flipped. Must
	// be called inside a transaction.
	MarkDeleted(ctx context.Context, tx Tx, sourceDevice string, ids []string, nowMs int64) (int, error)

	// MarkMissingDeleted tombstones every non-tombstoned row for
	// sourceDevice whose id is not in liveIDs. An empty liveIDs
	// tombstones every active row for the source. Must be called
	// inside a transaction.
	MarkMissingDeleted(ctx context.Context, tx Tx, sourceDevice string, liveIDs []string, nowMs int64) (int, error)

	// PurgeDeletedBefore permanently removes every tombstoned row with
	// LocalUpdatedMs < cutoffMs, across all source devices. May be
	// called outside a transaction.
	PurgeDeletedBefore(ctx context.Context, cutoffMs int64) (int, error)

	// ListActiveContacts returns non-tombstoned rows for sourceDevice,
	// optionally filtered by a case-insensitive prefix of DisplayName,
	// ordered by DisplayName case-insensitive ascending then
	// ExternalContactID ascending, truncated to limit if limit > 0.
	ListActiveContacts(ctx context.Context, sourceDevice string, namePrefix string, limit int) ([]model.CachedContact, error)

	// GetSyncState returns the sync state for sourceDevice, or
	// (SyncState{}, false, nil) if none has been recorded yet.
	GetSyncState(ctx context.Context, sourceDevice string) (model.SyncState, bool, error)

	// UpsertSyncState creates or overwrites the sync state row for
	// sourceDevice. Must be called inside a transaction.
	UpsertSyncState(ctx context.Context, tx Tx, sourceDevice string, lastFullSyncMs int64, lastSyncToken string, lastSourceSyncSequence int64, cacheSchemaVersion int) error

	// CountActiveContacts returns the number of non-tombstoned rows
	// for sourceDevice.
	CountActiveContacts(ctx context.Context, sourceDevice string) (int, error)
}
