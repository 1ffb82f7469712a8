// Package topology defines the consumer-side contract of the topology
// service: point-in-time snapshots answering which participants host a
// party and whether a participant has vetted a package.
//
// The topology service itself is an external collaborator. This package
// carries the interfaces the reassignment coordinator consumes plus an
// in-memory implementation used in tests and embedded deployments.
package topology

import (
	"context"
	"fmt"
	"sync"

	"github.com/parledger/acs/pkg/acs"
	"github.com/parledger/acs/pkg/interning"
)

// Snapshot is a topology view at a single reference time. Snapshots are
// immutable; vetting changes produce new snapshots.
type Snapshot interface {
	// ReferenceTime is the logical time the snapshot was taken at.
	ReferenceTime() acs.LogicalTime

	// IsVetted reports whether participant has vetted pkg.
	IsVetted(participant acs.ParticipantID, pkg acs.PackageID) bool

	// HostingParticipants returns the participants hosting party.
	HostingParticipants(party acs.PartyID) []acs.ParticipantID
}

// Service produces snapshots per synchronizer and reference time.
type Service interface {
	GetSnapshot(ctx context.Context, synchronizer acs.SynchronizerID, referenceTime acs.LogicalTime) (Snapshot, error)
}

// MemorySnapshot is a mutable builder that satisfies Snapshot. Party and
// participant identifiers are interned in explicit arenas owned by the
// snapshot.
type MemorySnapshot struct {
	mu           sync.RWMutex
	refTime      acs.LogicalTime
	parties      *interning.Arena
	participants *interning.Arena
	hosting      map[uint32][]uint32
	vetted       map[uint32]map[acs.PackageID]bool
}

// NewMemorySnapshot creates an empty snapshot at refTime.
func NewMemorySnapshot(refTime acs.LogicalTime) *MemorySnapshot {
	return &MemorySnapshot{
		refTime:      refTime,
		parties:      interning.NewArena(),
		participants: interning.NewArena(),
		hosting:      make(map[uint32][]uint32),
		vetted:       make(map[uint32]map[acs.PackageID]bool),
	}
}

// AddHosting declares that participant hosts party.
func (s *MemorySnapshot) AddHosting(party acs.PartyID, participant acs.ParticipantID) *MemorySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.parties.GetOrCreate(string(party))
	h := s.participants.GetOrCreate(string(participant))
	for _, existing := range s.hosting[p] {
		if existing == h {
			return s
		}
	}
	s.hosting[p] = append(s.hosting[p], h)
	return s
}

// Vet marks pkg as vetted by participant.
func (s *MemorySnapshot) Vet(participant acs.ParticipantID, pkg acs.PackageID) *MemorySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.participants.GetOrCreate(string(participant))
	if s.vetted[h] == nil {
		s.vetted[h] = make(map[acs.PackageID]bool)
	}
	s.vetted[h][pkg] = true
	return s
}

// Unvet removes participant's vetting of pkg.
func (s *MemorySnapshot) Unvet(participant acs.ParticipantID, pkg acs.PackageID) *MemorySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.participants.GetOrCreate(string(participant))
	delete(s.vetted[h], pkg)
	return s
}

func (s *MemorySnapshot) ReferenceTime() acs.LogicalTime { return s.refTime }

func (s *MemorySnapshot) IsVetted(participant acs.ParticipantID, pkg acs.PackageID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.participants.Lookup(string(participant))
	if !ok {
		return false
	}
	return s.vetted[h][pkg]
}

func (s *MemorySnapshot) HostingParticipants(party acs.PartyID) []acs.ParticipantID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parties.Lookup(string(party))
	if !ok {
		return nil
	}
	out := make([]acs.ParticipantID, 0, len(s.hosting[p]))
	for _, h := range s.hosting[p] {
		if key, ok := s.participants.Key(h); ok {
			out = append(out, acs.ParticipantID(key))
		}
	}
	return out
}

// MemoryTopology is an in-process Service serving the latest registered
// snapshot per synchronizer.
type MemoryTopology struct {
	mu        sync.RWMutex
	snapshots map[acs.SynchronizerID]*MemorySnapshot
}

// NewMemoryTopology creates an empty topology service.
func NewMemoryTopology() *MemoryTopology {
	return &MemoryTopology{snapshots: make(map[acs.SynchronizerID]*MemorySnapshot)}
}

// SetSnapshot registers the current snapshot for a synchronizer.
func (t *MemoryTopology) SetSnapshot(synchronizer acs.SynchronizerID, snap *MemorySnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshots[synchronizer] = snap
}

func (t *MemoryTopology) GetSnapshot(ctx context.Context, synchronizer acs.SynchronizerID, referenceTime acs.LogicalTime) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap, ok := t.snapshots[synchronizer]
	if !ok {
		return nil, fmt.Errorf("no topology snapshot for synchronizer %s", synchronizer)
	}
	return snap, nil
}
