// Package store provides the storage backends of the Active Contract
// Store: an in-memory backend for tests and embedded use, a SQLite
// backend, and a PostgreSQL backend.
//
// All backends expose the same compare-and-append primitive on the open
// entry row per key, which is what lets the index enforce the gap-free
// interval invariant under concurrent writers.
package store

import (
	"context"
	"errors"

	"github.com/parledger/acs/pkg/acs"
	"github.com/parledger/acs/pkg/contractid"
)

// ErrCASConflict is returned by CompareAndAppend when the open entry
// changed under the caller. The caller re-reads and retries.
var ErrCASConflict = errors.New("concurrent modification of open entry")

// EntryRef identifies a single stored entry for deletion.
type EntryRef struct {
	Key       acs.Key
	ValidFrom acs.LogicalTime
}

// EventRecord is one immutable event-log row, keyed by
// (synchronizer, request counter).
type EventRecord struct {
	Synchronizer   acs.SynchronizerID `json:"synchronizer"`
	RequestCounter uint64             `json:"request_counter"`
	ContractID     contractid.ContractID `json:"contract_id"`
	Kind           string             `json:"kind"`
	At             acs.LogicalTime    `json:"at"`
}

// Backend is the transactional storage contract consumed by the index,
// the event log writer, and the pruning manager.
type Backend interface {
	// OpenEntry returns the current open entry for key, or nil when the
	// key has no history or its history is fully closed.
	OpenEntry(ctx context.Context, key acs.Key) (*acs.Entry, error)

	// CompareAndAppend atomically closes the current open entry and
	// appends next as the new open entry.
	//
	// expectedCounter is the ChangeCounter of the open entry the caller
	// observed, or 0 when the caller expects no open entry. closeAt, when
	// non-nil, becomes the observed entry's ValidTo. Returns
	// ErrCASConflict if the open entry no longer matches.
	CompareAndAppend(ctx context.Context, key acs.Key, expectedCounter uint64, closeAt *acs.LogicalTime, next acs.Entry) error

	// CloseEntry atomically closes the current open entry without
	// appending a successor, leaving the key with no open entry. Used
	// when an in-flight assignment is rolled back on the target
	// synchronizer. Returns ErrCASConflict if the open entry no longer
	// matches expectedCounter.
	CloseEntry(ctx context.Context, key acs.Key, expectedCounter uint64, closeAt acs.LogicalTime) error

	// History returns all entries for key ordered by ValidFrom.
	History(ctx context.Context, key acs.Key) ([]acs.Entry, error)

	// Keys returns every key with at least one stored entry.
	Keys(ctx context.Context) ([]acs.Key, error)

	// OpenEntriesFor returns the open entry of every synchronizer that
	// has history for the contract. Used by pruning to decide whether a
	// contract is terminal everywhere.
	OpenEntriesFor(ctx context.Context, cid contractid.ContractID) ([]acs.Entry, error)

	// ClosedEntriesBefore returns closed entries with ValidTo < upTo,
	// ordered by ValidTo.
	ClosedEntriesBefore(ctx context.Context, upTo acs.LogicalTime) ([]acs.Entry, error)

	// DeleteEntries physically removes the referenced closed entries and
	// reports how many rows were deleted. Open entries are never deleted.
	DeleteEntries(ctx context.Context, refs []EntryRef) (int, error)

	// HasEvent reports whether the event-log key
	// (synchronizer, counter, contract) was already recorded.
	HasEvent(ctx context.Context, synchronizer acs.SynchronizerID, counter uint64, cid contractid.ContractID) (bool, error)

	// AppendEvent records one event-log row. Appending an already-seen
	// key is an error; callers check HasEvent first.
	AppendEvent(ctx context.Context, rec EventRecord) error

	// LastRequestCounter returns the highest recorded request counter for
	// the synchronizer, and false when none has been recorded.
	LastRequestCounter(ctx context.Context, synchronizer acs.SynchronizerID) (uint64, bool, error)

	Close() error
}
