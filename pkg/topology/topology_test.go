package topology

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parledger/acs/pkg/acs"
)

func TestMemorySnapshotHostingAndVetting(t *testing.T) {
	snap := NewMemorySnapshot(42).
		AddHosting("alice", "p1").
		AddHosting("alice", "p2").
		AddHosting("alice", "p1"). // duplicate, ignored
		Vet("p1", "pkg-main")

	assert.Equal(t, acs.LogicalTime(42), snap.ReferenceTime())

	hosts := snap.HostingParticipants("alice")
	assert.ElementsMatch(t, []acs.ParticipantID{"p1", "p2"}, hosts)
	assert.Empty(t, snap.HostingParticipants("carol"))

	assert.True(t, snap.IsVetted("p1", "pkg-main"))
	assert.False(t, snap.IsVetted("p2", "pkg-main"))
	assert.False(t, snap.IsVetted("p1", "pkg-other"))
	assert.False(t, snap.IsVetted("unknown", "pkg-main"))
}

func TestMemorySnapshotUnvet(t *testing.T) {
	snap := NewMemorySnapshot(1).Vet("p1", "pkg-main")
	require.True(t, snap.IsVetted("p1", "pkg-main"))

	snap.Unvet("p1", "pkg-main")
	assert.False(t, snap.IsVetted("p1", "pkg-main"))
}

func TestMemoryTopologyGetSnapshot(t *testing.T) {
	ctx := context.Background()
	topo := NewMemoryTopology()

	_, err := topo.GetSnapshot(ctx, "sync-a", 10)
	assert.Error(t, err)

	snap := NewMemorySnapshot(10)
	topo.SetSnapshot("sync-a", snap)

	got, err := topo.GetSnapshot(ctx, "sync-a", 10)
	require.NoError(t, err)
	assert.Equal(t, acs.LogicalTime(10), got.ReferenceTime())
}
