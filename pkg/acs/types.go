// Package acs defines the shared data model of the Active Contract Store:
// synchronizers, logical time, contract statuses, and the append-only
// interval entries that record a contract's history at a participant node.
package acs

import (
	"fmt"

	"github.com/parledger/acs/pkg/contractid"
)

// SynchronizerID identifies a logical domain of the ledger across which
// contracts may be reassigned.
type SynchronizerID string

// ParticipantID identifies a participant node hosting one or more parties.
type ParticipantID string

// PartyID identifies a contract stakeholder.
type PartyID string

// PackageID identifies the package a contract's template belongs to.
type PackageID string

// LogicalTime is the ledger-assigned ordering timestamp. It is not
// wall-clock time; comparisons are only meaningful within one ledger.
type LogicalTime int64

// StatusKind enumerates the lifecycle states a contract can be in at a
// single synchronizer.
type StatusKind string

const (
	StatusUnknown              StatusKind = "UNKNOWN"
	StatusActive               StatusKind = "ACTIVE"
	StatusArchived             StatusKind = "ARCHIVED"
	StatusInFlightUnassignment StatusKind = "IN_FLIGHT_UNASSIGNMENT"
	StatusInFlightAssignment   StatusKind = "IN_FLIGHT_ASSIGNMENT"
)

// Status is the tagged state of a contract at a synchronizer. Exactly one
// status holds per contract per synchronizer at any logical time.
type Status struct {
	Kind StatusKind `json:"kind"`
	// At is the logical time the status took effect. Zero for Unknown.
	At LogicalTime `json:"at,omitempty"`
	// Target is set for InFlightUnassignment: the synchronizer the
	// contract is moving to.
	Target SynchronizerID `json:"target,omitempty"`
	// Source is set for InFlightAssignment: the synchronizer the contract
	// is arriving from.
	Source SynchronizerID `json:"source,omitempty"`
}

// Unknown is the status returned when no entry covers the queried time.
func Unknown() Status { return Status{Kind: StatusUnknown} }

// Active returns an Active status effective at t.
func Active(t LogicalTime) Status { return Status{Kind: StatusActive, At: t} }

// Archived returns an Archived status effective at t.
func Archived(t LogicalTime) Status { return Status{Kind: StatusArchived, At: t} }

// InFlightUnassignment marks a contract leaving this synchronizer for target.
func InFlightUnassignment(target SynchronizerID, t LogicalTime) Status {
	return Status{Kind: StatusInFlightUnassignment, At: t, Target: target}
}

// InFlightAssignment marks a contract arriving from source.
func InFlightAssignment(source SynchronizerID, t LogicalTime) Status {
	return Status{Kind: StatusInFlightAssignment, At: t, Source: source}
}

// Terminal reports whether the status means the contract will never be
// active at this synchronizer again: it was archived, or it completed its
// departure to another synchronizer. Terminal entries are what pruning is
// allowed to forget once closed.
func (s Status) Terminal() bool {
	return s.Kind == StatusArchived || s.Kind == StatusInFlightUnassignment
}

// Key identifies one contract's history at one synchronizer. All interval
// invariants are per-key; writers on disjoint keys never contend.
type Key struct {
	ContractID   contractid.ContractID
	Synchronizer SynchronizerID
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s", k.ContractID, k.Synchronizer)
}

// Entry is one interval in a contract's per-synchronizer history. Entries
// form an append-only, totally ordered sequence per Key with no gaps or
// overlaps; ValidTo == nil marks the current open entry.
type Entry struct {
	Key           Key          `json:"-"`
	Status        Status       `json:"status"`
	ChangeCounter uint64       `json:"change_counter"`
	ValidFrom     LogicalTime  `json:"valid_from"`
	ValidTo       *LogicalTime `json:"valid_to,omitempty"`
}

// Covers reports whether t falls inside the entry's [ValidFrom, ValidTo)
// interval.
func (e Entry) Covers(t LogicalTime) bool {
	if t < e.ValidFrom {
		return false
	}
	return e.ValidTo == nil || t < *e.ValidTo
}

// Open reports whether this is the current entry for its key.
func (e Entry) Open() bool { return e.ValidTo == nil }

// Inconsistency is one finding of the advisory bulk consistency check.
type Inconsistency struct {
	Key    Key
	Detail string
}

func (i Inconsistency) String() string {
	return fmt.Sprintf("%s: %s", i.Key, i.Detail)
}
