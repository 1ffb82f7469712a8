package acs

import (
	"errors"
	"fmt"
)

// Conflict errors indicate a ledger inconsistency or replay race. They are
// surfaced to the caller, never silently dropped.
var (
	// ErrAlreadyExists is returned on a double-create: an entry already
	// covers the requested activation time for this contract+synchronizer.
	ErrAlreadyExists = errors.New("contract already exists")

	// ErrNotActive is returned when an archive or unassignment targets a
	// contract with no active entry at the requested time.
	ErrNotActive = errors.New("contract not active")

	// ErrNotInFlight is returned when an assignment completion or a
	// rollback targets a contract that has no in-flight reassignment
	// entry.
	ErrNotInFlight = errors.New("contract not in flight")

	// ErrOutOfOrder is returned when a mutation carries a logical time at
	// or before the open entry's ValidFrom, which would create an
	// overlapping or empty interval.
	ErrOutOfOrder = errors.New("mutation out of logical-time order")
)

// Pruning errors are advisory; the caller may retry with an adjusted bound.
var (
	// ErrPruningTooRecent is returned when the requested bound would cut
	// into state still referenced by an open query lease or a current
	// entry.
	ErrPruningTooRecent = errors.New("pruning bound too recent")

	// ErrNothingToPrune is returned when no entry qualifies for deletion
	// below the requested bound.
	ErrNothingToPrune = errors.New("nothing to prune")
)

// ErrClosed is returned by components after shutdown.
var ErrClosed = errors.New("store closed")

// TransientStorageError wraps a storage failure that is safe to retry.
// Exhausted retries escalate to a fatal node-health signal at the event
// log writer.
type TransientStorageError struct {
	Op  string
	Err error
}

func (e *TransientStorageError) Error() string {
	return fmt.Sprintf("transient storage failure in %s: %v", e.Op, e.Err)
}

func (e *TransientStorageError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err returns nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientStorageError{Op: op, Err: err}
}

// IsTransient reports whether err is a retryable storage failure.
func IsTransient(err error) bool {
	var te *TransientStorageError
	return errors.As(err, &te)
}
