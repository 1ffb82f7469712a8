// Package index implements the Active Contract Index: the authoritative
// status of every contract at a participant node, with point-in-time
// queries over append-only interval histories.
//
// Every mutation is a compare-and-append against the current open entry
// for a (contract, synchronizer) key: the old entry is closed and the new
// one opened in a single storage transaction. Writers on the same key are
// serialized by optimistic concurrency with bounded retry; writers on
// disjoint keys proceed fully in parallel. Reads never block writers.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/parledger/acs/pkg/acs"
	"github.com/parledger/acs/pkg/contractid"
	"github.com/parledger/acs/pkg/store"
)

// Index is the consistency engine over a storage backend.
type Index struct {
	backend  store.Backend
	log      *slog.Logger
	maxTries uint
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(ix *Index) { ix.log = log }
}

// WithMaxRetries bounds the optimistic-concurrency retry budget per
// mutation.
func WithMaxRetries(n uint) Option {
	return func(ix *Index) { ix.maxTries = n }
}

// New creates an index over backend.
func New(backend store.Backend, opts ...Option) *Index {
	ix := &Index{
		backend:  backend,
		log:      slog.Default(),
		maxTries: 8,
	}
	for _, o := range opts {
		o(ix)
	}
	return ix
}

// transition inspects the open entry and decides the successor. A nil
// next together with a non-nil closeAt means close-only (no successor).
// prevEnd is the latest ValidTo across the key's closed entries, nil
// when the key has no closed history; it lets fresh-key transitions
// fence against intervals a close-only rollback left behind.
type transition func(open *acs.Entry, prevEnd *acs.LogicalTime) (closeAt *acs.LogicalTime, next *acs.Entry, err error)

// mutate runs one compare-and-append with retry on same-key conflicts.
// Conflict errors from the transition itself are permanent and surface
// unchanged to the caller.
func (ix *Index) mutate(ctx context.Context, key acs.Key, apply transition) error {
	op := func() (struct{}, error) {
		open, err := ix.backend.OpenEntry(ctx, key)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		var prevEnd *acs.LogicalTime
		if open == nil {
			prevEnd, err = ix.latestClosedEnd(ctx, key)
			if err != nil {
				return struct{}{}, backoff.Permanent(err)
			}
		}
		closeAt, next, err := apply(open, prevEnd)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}

		var expected uint64
		if open != nil {
			expected = open.ChangeCounter
		}
		if next == nil {
			if closeAt == nil {
				return struct{}{}, backoff.Permanent(fmt.Errorf("transition produced neither close nor append for %s", key))
			}
			err = ix.backend.CloseEntry(ctx, key, expected, *closeAt)
		} else {
			next.Key = key
			err = ix.backend.CompareAndAppend(ctx, key, expected, closeAt, *next)
		}
		if errors.Is(err, store.ErrCASConflict) {
			ix.log.Debug("open entry changed under writer, retrying", "key", key.String())
			return struct{}{}, err
		}
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Millisecond
	bo.MaxInterval = 50 * time.Millisecond

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(ix.maxTries),
	)
	return err
}

// latestClosedEnd returns the greatest ValidTo across the key's closed
// entries, or nil when none exist.
func (ix *Index) latestClosedEnd(ctx context.Context, key acs.Key) (*acs.LogicalTime, error) {
	history, err := ix.backend.History(ctx, key)
	if err != nil {
		return nil, err
	}
	var end *acs.LogicalTime
	for _, e := range history {
		if e.ValidTo == nil {
			continue
		}
		if end == nil || *e.ValidTo > *end {
			v := *e.ValidTo
			end = &v
		}
	}
	return end, nil
}

// RecordCreate activates a contract at a synchronizer. Fails with
// acs.ErrAlreadyExists when any entry is already open for the key: a
// contract id is never reused, so a second create is always a conflict.
// A create inside an already-closed interval fails with acs.ErrOutOfOrder.
func (ix *Index) RecordCreate(ctx context.Context, cid contractid.ContractID, synchronizer acs.SynchronizerID, at acs.LogicalTime) error {
	key := acs.Key{ContractID: cid, Synchronizer: synchronizer}
	return ix.mutate(ctx, key, func(open *acs.Entry, prevEnd *acs.LogicalTime) (*acs.LogicalTime, *acs.Entry, error) {
		if open != nil {
			return nil, nil, fmt.Errorf("create %s at %d: %w", key, at, acs.ErrAlreadyExists)
		}
		if prevEnd != nil && at < *prevEnd {
			return nil, nil, fmt.Errorf("create %s at %d, closed history ends at %d: %w", key, at, *prevEnd, acs.ErrOutOfOrder)
		}
		return nil, &acs.Entry{
			Status:        acs.Active(at),
			ChangeCounter: 1,
			ValidFrom:     at,
		}, nil
	})
}

// RecordArchive ends a contract's activity at a synchronizer. Fails with
// acs.ErrNotActive on double-archive or archive-before-create.
func (ix *Index) RecordArchive(ctx context.Context, cid contractid.ContractID, synchronizer acs.SynchronizerID, at acs.LogicalTime) error {
	key := acs.Key{ContractID: cid, Synchronizer: synchronizer}
	return ix.mutate(ctx, key, func(open *acs.Entry, _ *acs.LogicalTime) (*acs.LogicalTime, *acs.Entry, error) {
		if open == nil || open.Status.Kind != acs.StatusActive {
			return nil, nil, fmt.Errorf("archive %s at %d: %w", key, at, acs.ErrNotActive)
		}
		if at <= open.ValidFrom {
			return nil, nil, fmt.Errorf("archive %s at %d, open entry starts at %d: %w", key, at, open.ValidFrom, acs.ErrOutOfOrder)
		}
		closeAt := at
		return &closeAt, &acs.Entry{
			Status:        acs.Archived(at),
			ChangeCounter: open.ChangeCounter + 1,
			ValidFrom:     at,
		}, nil
	})
}

// RecordUnassign marks a contract as leaving this synchronizer for
// target. The entry is the source half of an in-flight reassignment.
func (ix *Index) RecordUnassign(ctx context.Context, cid contractid.ContractID, source acs.SynchronizerID, target acs.SynchronizerID, at acs.LogicalTime) error {
	key := acs.Key{ContractID: cid, Synchronizer: source}
	return ix.mutate(ctx, key, func(open *acs.Entry, _ *acs.LogicalTime) (*acs.LogicalTime, *acs.Entry, error) {
		if open == nil || open.Status.Kind != acs.StatusActive {
			return nil, nil, fmt.Errorf("unassign %s at %d: %w", key, at, acs.ErrNotActive)
		}
		if at <= open.ValidFrom {
			return nil, nil, fmt.Errorf("unassign %s at %d, open entry starts at %d: %w", key, at, open.ValidFrom, acs.ErrOutOfOrder)
		}
		closeAt := at
		return &closeAt, &acs.Entry{
			Status:        acs.InFlightUnassignment(target, at),
			ChangeCounter: open.ChangeCounter + 1,
			ValidFrom:     at,
		}, nil
	})
}

// RecordUnassignRollback reactivates a contract on its source
// synchronizer after a timed-out or rejected reassignment.
func (ix *Index) RecordUnassignRollback(ctx context.Context, cid contractid.ContractID, source acs.SynchronizerID, at acs.LogicalTime) error {
	key := acs.Key{ContractID: cid, Synchronizer: source}
	return ix.mutate(ctx, key, func(open *acs.Entry, _ *acs.LogicalTime) (*acs.LogicalTime, *acs.Entry, error) {
		if open == nil || open.Status.Kind != acs.StatusInFlightUnassignment {
			return nil, nil, fmt.Errorf("unassign rollback %s at %d: %w", key, at, acs.ErrNotInFlight)
		}
		if at <= open.ValidFrom {
			return nil, nil, fmt.Errorf("unassign rollback %s at %d: %w", key, at, acs.ErrOutOfOrder)
		}
		closeAt := at
		return &closeAt, &acs.Entry{
			Status:        acs.Active(at),
			ChangeCounter: open.ChangeCounter + 1,
			ValidFrom:     at,
		}, nil
	})
}

// RecordAssignStart opens the target half of an in-flight reassignment.
// The key must have no open entry: the contract has never been active on
// the target. A start inside an already-closed interval fails with
// acs.ErrOutOfOrder.
func (ix *Index) RecordAssignStart(ctx context.Context, cid contractid.ContractID, target acs.SynchronizerID, source acs.SynchronizerID, at acs.LogicalTime) error {
	key := acs.Key{ContractID: cid, Synchronizer: target}
	return ix.mutate(ctx, key, func(open *acs.Entry, prevEnd *acs.LogicalTime) (*acs.LogicalTime, *acs.Entry, error) {
		if open != nil {
			return nil, nil, fmt.Errorf("assign start %s at %d: %w", key, at, acs.ErrAlreadyExists)
		}
		if prevEnd != nil && at < *prevEnd {
			return nil, nil, fmt.Errorf("assign start %s at %d, closed history ends at %d: %w", key, at, *prevEnd, acs.ErrOutOfOrder)
		}
		return nil, &acs.Entry{
			Status:        acs.InFlightAssignment(source, at),
			ChangeCounter: 1,
			ValidFrom:     at,
		}, nil
	})
}

// RecordAssignComplete activates a contract on the target synchronizer,
// ending the in-flight assignment window.
func (ix *Index) RecordAssignComplete(ctx context.Context, cid contractid.ContractID, target acs.SynchronizerID, at acs.LogicalTime) error {
	key := acs.Key{ContractID: cid, Synchronizer: target}
	return ix.mutate(ctx, key, func(open *acs.Entry, _ *acs.LogicalTime) (*acs.LogicalTime, *acs.Entry, error) {
		if open == nil || open.Status.Kind != acs.StatusInFlightAssignment {
			return nil, nil, fmt.Errorf("assign complete %s at %d: %w", key, at, acs.ErrNotInFlight)
		}
		if at <= open.ValidFrom {
			return nil, nil, fmt.Errorf("assign complete %s at %d: %w", key, at, acs.ErrOutOfOrder)
		}
		closeAt := at
		return &closeAt, &acs.Entry{
			Status:        acs.Active(at),
			ChangeCounter: open.ChangeCounter + 1,
			ValidFrom:     at,
		}, nil
	})
}

// RecordAssign activates a contract on the target synchronizer. When an
// in-flight assignment window is open it is closed first; when the key
// has no history (event-log replay does not open the window) the active
// entry starts directly at t. Any other open entry is a conflict, and a
// fresh activation inside an already-closed interval fails with
// acs.ErrOutOfOrder.
func (ix *Index) RecordAssign(ctx context.Context, cid contractid.ContractID, target acs.SynchronizerID, at acs.LogicalTime) error {
	key := acs.Key{ContractID: cid, Synchronizer: target}
	return ix.mutate(ctx, key, func(open *acs.Entry, prevEnd *acs.LogicalTime) (*acs.LogicalTime, *acs.Entry, error) {
		if open == nil {
			if prevEnd != nil && at < *prevEnd {
				return nil, nil, fmt.Errorf("assign %s at %d, closed history ends at %d: %w", key, at, *prevEnd, acs.ErrOutOfOrder)
			}
			return nil, &acs.Entry{
				Status:        acs.Active(at),
				ChangeCounter: 1,
				ValidFrom:     at,
			}, nil
		}
		if open.Status.Kind != acs.StatusInFlightAssignment {
			return nil, nil, fmt.Errorf("assign %s at %d: %w", key, at, acs.ErrAlreadyExists)
		}
		if at <= open.ValidFrom {
			return nil, nil, fmt.Errorf("assign %s at %d: %w", key, at, acs.ErrOutOfOrder)
		}
		closeAt := at
		return &closeAt, &acs.Entry{
			Status:        acs.Active(at),
			ChangeCounter: open.ChangeCounter + 1,
			ValidFrom:     at,
		}, nil
	})
}

// RecordAssignRollback closes the target half of a rolled-back
// reassignment without a successor: the contract never became active
// there, and queries after the close return Unknown.
func (ix *Index) RecordAssignRollback(ctx context.Context, cid contractid.ContractID, target acs.SynchronizerID, at acs.LogicalTime) error {
	key := acs.Key{ContractID: cid, Synchronizer: target}
	return ix.mutate(ctx, key, func(open *acs.Entry, _ *acs.LogicalTime) (*acs.LogicalTime, *acs.Entry, error) {
		if open == nil || open.Status.Kind != acs.StatusInFlightAssignment {
			return nil, nil, fmt.Errorf("assign rollback %s at %d: %w", key, at, acs.ErrNotInFlight)
		}
		if at <= open.ValidFrom {
			return nil, nil, fmt.Errorf("assign rollback %s at %d: %w", key, at, acs.ErrOutOfOrder)
		}
		closeAt := at
		return &closeAt, nil, nil
	})
}

// StatusAt answers "what was the contract's status at logical time t" by
// binary search over the ordered entry history. It returns StatusUnknown
// when no interval covers t, including history already pruned away. It
// never acquires the write path's locks.
func (ix *Index) StatusAt(ctx context.Context, cid contractid.ContractID, synchronizer acs.SynchronizerID, t acs.LogicalTime) (acs.Status, error) {
	key := acs.Key{ContractID: cid, Synchronizer: synchronizer}
	history, err := ix.backend.History(ctx, key)
	if err != nil {
		return acs.Unknown(), err
	}
	if len(history) == 0 {
		return acs.Unknown(), nil
	}

	// First entry with ValidFrom > t; the candidate is its predecessor.
	i := sort.Search(len(history), func(i int) bool { return history[i].ValidFrom > t })
	if i == 0 {
		return acs.Unknown(), nil
	}
	candidate := history[i-1]
	if !candidate.Covers(t) {
		return acs.Unknown(), nil
	}
	return candidate.Status, nil
}

// BulkConsistencyCheck scans all histories for overlapping or missing
// interval coverage at or above the given time bound. It is an advisory
// self-audit: consistency is enforced at write time, and findings here
// indicate storage corruption, not expected states. Entries below the
// bound are skipped since pruning legitimately removes them.
func (ix *Index) BulkConsistencyCheck(ctx context.Context, from acs.LogicalTime) ([]acs.Inconsistency, error) {
	keys, err := ix.backend.Keys(ctx)
	if err != nil {
		return nil, err
	}

	var findings []acs.Inconsistency
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return findings, err
		}
		history, err := ix.backend.History(ctx, key)
		if err != nil {
			return findings, err
		}
		findings = append(findings, auditHistory(key, history, from)...)
	}
	return findings, nil
}

func auditHistory(key acs.Key, history []acs.Entry, from acs.LogicalTime) []acs.Inconsistency {
	var findings []acs.Inconsistency
	openSeen := false
	for i, e := range history {
		if e.ValidTo != nil && *e.ValidTo <= from {
			continue
		}
		if e.ValidTo != nil && *e.ValidTo < e.ValidFrom {
			findings = append(findings, acs.Inconsistency{
				Key:    key,
				Detail: fmt.Sprintf("negative interval [%d, %d)", e.ValidFrom, *e.ValidTo),
			})
		}
		if e.Open() {
			if openSeen {
				findings = append(findings, acs.Inconsistency{Key: key, Detail: "multiple open entries"})
			}
			openSeen = true
			if i != len(history)-1 {
				findings = append(findings, acs.Inconsistency{Key: key, Detail: "open entry is not the latest"})
			}
		}
		if i == 0 {
			continue
		}
		prev := history[i-1]
		if prev.ValidTo == nil {
			continue
		}
		if prev.ValidTo != nil && *prev.ValidTo <= from {
			continue
		}
		switch {
		case *prev.ValidTo > e.ValidFrom:
			findings = append(findings, acs.Inconsistency{
				Key:    key,
				Detail: fmt.Sprintf("overlap: entry %d closes at %d, entry %d opens at %d", i-1, *prev.ValidTo, i, e.ValidFrom),
			})
		case *prev.ValidTo < e.ValidFrom:
			findings = append(findings, acs.Inconsistency{
				Key:    key,
				Detail: fmt.Sprintf("gap: entry %d closes at %d, entry %d opens at %d", i-1, *prev.ValidTo, i, e.ValidFrom),
			})
		}
	}
	return findings
}
