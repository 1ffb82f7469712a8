// Package reassignment coordinates cross-synchronizer contract
// transfers: vetting checks against the target topology, the in-flight
// state machine, and rollback on timeout or rejection.
package reassignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/parledger/acs/pkg/acs"
	"github.com/parledger/acs/pkg/contractid"
	"github.com/parledger/acs/pkg/index"
	"github.com/parledger/acs/pkg/topology"
)

// State is the lifecycle state of one in-flight reassignment.
type State string

const (
	StateRequested      State = "REQUESTED"
	StateVettingChecked State = "VETTING_CHECKED"
	StateVettingFailed  State = "VETTING_FAILED"
	StateCompleted      State = "COMPLETED"
	StateRejected       State = "REJECTED"
	StateTimedOut       State = "TIMED_OUT"
)

// Record tracks one reassignment from unassignment request to terminal
// state.
type Record struct {
	ID                  string
	ContractID          contractid.ContractID
	Source              acs.SynchronizerID
	Target              acs.SynchronizerID
	Stakeholders        []acs.PartyID
	PackageID           acs.PackageID
	UnassignmentTime    acs.LogicalTime
	AssignmentTime      *acs.LogicalTime
	State               State
	VettingSnapshotTime acs.LogicalTime
}

// PackageUnvettedError reports which participants lack vetting for the
// contract's package on the target synchronizer. It is surfaced to the
// submitter and never retried automatically: vetting is an
// administrative action outside this core's control.
type PackageUnvettedError struct {
	ContractID          contractid.ContractID
	PackageID           acs.PackageID
	Target              acs.SynchronizerID
	UnknownParticipants []acs.ParticipantID
}

func (e *PackageUnvettedError) Error() string {
	names := make([]string, len(e.UnknownParticipants))
	for i, p := range e.UnknownParticipants {
		names[i] = string(p)
	}
	return fmt.Sprintf("package %s unknown or unvetted on %s for contract %s by participants [%s]",
		e.PackageID, e.Target, e.ContractID, strings.Join(names, ", "))
}

var (
	// ErrUnknownReassignment is returned for record ids the coordinator
	// does not track.
	ErrUnknownReassignment = errors.New("unknown reassignment")

	// ErrInvalidState is returned when an operation does not apply to
	// the record's current state.
	ErrInvalidState = errors.New("reassignment in invalid state for operation")

	// ErrNoStakeholders rejects reassignments with an empty stakeholder
	// set, which would make the vetting check vacuously pass.
	ErrNoStakeholders = errors.New("reassignment requires at least one stakeholder")
)

// CheckKnownAndVetted resolves, against the given topology snapshot,
// whether every hosting participant of every stakeholder has vetted the
// contract's package. Participants hosting no stakeholder party are not
// consulted. A party with no known hosting participant fails the check:
// the contract would be unreachable on the target.
func CheckKnownAndVetted(stakeholders []acs.PartyID, snap topology.Snapshot, cid contractid.ContractID, pkg acs.PackageID, target acs.SynchronizerID) error {
	if len(stakeholders) == 0 {
		return ErrNoStakeholders
	}

	unvetted := make(map[acs.ParticipantID]struct{})
	for _, party := range stakeholders {
		hosts := snap.HostingParticipants(party)
		if len(hosts) == 0 {
			unvetted[acs.ParticipantID("unhosted:"+string(party))] = struct{}{}
			continue
		}
		for _, participant := range hosts {
			if !snap.IsVetted(participant, pkg) {
				unvetted[participant] = struct{}{}
			}
		}
	}
	if len(unvetted) == 0 {
		return nil
	}

	participants := make([]acs.ParticipantID, 0, len(unvetted))
	for p := range unvetted {
		participants = append(participants, p)
	}
	sort.Slice(participants, func(i, j int) bool { return participants[i] < participants[j] })
	return &PackageUnvettedError{
		ContractID:          cid,
		PackageID:           pkg,
		Target:              target,
		UnknownParticipants: participants,
	}
}

// Request describes an unassignment to initiate.
type Request struct {
	ContractID   contractid.ContractID
	Source       acs.SynchronizerID
	Target       acs.SynchronizerID
	Stakeholders []acs.PartyID
	PackageID    acs.PackageID
	// At is the logical time of the unassignment on the source.
	At acs.LogicalTime
}

// Coordinator drives the reassignment state machine against the index
// and the topology service.
type Coordinator struct {
	mu      sync.Mutex
	index   *index.Index
	topo    topology.Service
	records map[string]*Record
	log     *slog.Logger
}

// NewCoordinator creates a coordinator over ix and topo.
func NewCoordinator(ix *index.Index, topo topology.Service, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		index:   ix,
		topo:    topo,
		records: make(map[string]*Record),
		log:     log,
	}
}

// Unassign validates vetting on the target topology and, only if the
// check passes, records the in-flight reassignment on both
// synchronizers. A vetting failure is rejected synchronously before any
// ledger state mutation.
func (c *Coordinator) Unassign(ctx context.Context, req Request) (*Record, error) {
	snap, err := c.topo.GetSnapshot(ctx, req.Target, req.At)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch target topology snapshot: %w", err)
	}
	if err := CheckKnownAndVetted(req.Stakeholders, snap, req.ContractID, req.PackageID, req.Target); err != nil {
		c.log.Info("unassignment rejected by vetting check",
			"contract", req.ContractID.String(), "target", req.Target, "error", err)
		return nil, err
	}

	if err := c.index.RecordUnassign(ctx, req.ContractID, req.Source, req.Target, req.At); err != nil {
		return nil, err
	}
	if err := c.index.RecordAssignStart(ctx, req.ContractID, req.Target, req.Source, req.At); err != nil {
		// The source entry is already in flight; reopen it so no
		// half-recorded reassignment survives.
		if rollbackErr := c.index.RecordUnassignRollback(ctx, req.ContractID, req.Source, req.At+1); rollbackErr != nil {
			c.log.Error("failed to roll back source after assign-start failure",
				"contract", req.ContractID.String(), "error", rollbackErr)
		}
		return nil, err
	}

	rec := &Record{
		ID:                  uuid.NewString(),
		ContractID:          req.ContractID,
		Source:              req.Source,
		Target:              req.Target,
		Stakeholders:        append([]acs.PartyID(nil), req.Stakeholders...),
		PackageID:           req.PackageID,
		UnassignmentTime:    req.At,
		State:               StateVettingChecked,
		VettingSnapshotTime: snap.ReferenceTime(),
	}

	c.mu.Lock()
	c.records[rec.ID] = rec
	c.mu.Unlock()

	c.log.Info("unassignment recorded",
		"reassignment", rec.ID, "contract", req.ContractID.String(),
		"source", req.Source, "target", req.Target, "at", req.At)
	return rec, nil
}

// Complete finishes the reassignment on the target synchronizer.
// Vetting is re-validated against the target's current topology: vetting
// can change between unassignment and assignment, so the earlier result
// is never reused.
func (c *Coordinator) Complete(ctx context.Context, reassignmentID string, at acs.LogicalTime) (*Record, error) {
	rec, err := c.take(reassignmentID, StateVettingChecked)
	if err != nil {
		return nil, err
	}

	snap, err := c.topo.GetSnapshot(ctx, rec.Target, at)
	if err != nil {
		c.restore(rec, StateVettingChecked)
		return nil, fmt.Errorf("failed to fetch target topology snapshot: %w", err)
	}
	if vetErr := CheckKnownAndVetted(rec.Stakeholders, snap, rec.ContractID, rec.PackageID, rec.Target); vetErr != nil {
		if err := c.rollback(ctx, rec, StateRejected, at); err != nil {
			return nil, err
		}
		return nil, vetErr
	}

	if err := c.index.RecordAssignComplete(ctx, rec.ContractID, rec.Target, at); err != nil {
		c.restore(rec, StateVettingChecked)
		return nil, err
	}

	c.mu.Lock()
	assignedAt := at
	rec.AssignmentTime = &assignedAt
	rec.State = StateCompleted
	c.mu.Unlock()

	c.log.Info("assignment completed",
		"reassignment", rec.ID, "contract", rec.ContractID.String(), "target", rec.Target, "at", at)
	return rec, nil
}

// Timeout rolls back an in-flight reassignment: the target's in-flight
// window is closed without activation and the contract reactivates on
// the source. When the rollback cannot be recorded the record stays
// claimable and the error surfaces, so callers retry instead of
// trusting a terminal state the ledger never reached.
func (c *Coordinator) Timeout(ctx context.Context, reassignmentID string, at acs.LogicalTime) (*Record, error) {
	rec, err := c.take(reassignmentID, StateVettingChecked)
	if err != nil {
		return nil, err
	}
	if err := c.rollback(ctx, rec, StateTimedOut, at); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns the record for a reassignment id.
func (c *Coordinator) Get(reassignmentID string) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[reassignmentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReassignment, reassignmentID)
	}
	copied := *rec
	return &copied, nil
}

func (c *Coordinator) take(reassignmentID string, want State) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[reassignmentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReassignment, reassignmentID)
	}
	if rec.State != want {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, reassignmentID, rec.State)
	}
	rec.State = StateRequested // claimed; terminal state set by caller
	return rec, nil
}

func (c *Coordinator) restore(rec *Record, state State) {
	c.mu.Lock()
	rec.State = state
	c.mu.Unlock()
}

// rollback closes the target in-flight window and reactivates the
// source, then marks the record terminal. A half that is no longer in
// flight was already rolled back by an earlier attempt and is skipped;
// any other failure restores the record to VETTING_CHECKED so the
// rollback can be retried, and the record only goes terminal once both
// halves are recorded.
func (c *Coordinator) rollback(ctx context.Context, rec *Record, terminal State, at acs.LogicalTime) error {
	if err := c.index.RecordAssignRollback(ctx, rec.ContractID, rec.Target, at); err != nil && !errors.Is(err, acs.ErrNotInFlight) {
		c.restore(rec, StateVettingChecked)
		return fmt.Errorf("failed to roll back target in-flight entry for %s: %w", rec.ID, err)
	}
	if err := c.index.RecordUnassignRollback(ctx, rec.ContractID, rec.Source, at); err != nil && !errors.Is(err, acs.ErrNotInFlight) {
		c.restore(rec, StateVettingChecked)
		return fmt.Errorf("failed to reactivate source entry for %s: %w", rec.ID, err)
	}
	c.restore(rec, terminal)
	c.log.Info("reassignment rolled back",
		"reassignment", rec.ID, "contract", rec.ContractID.String(), "state", terminal, "at", at)
	return nil
}
