package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parledger/acs/pkg/acs"
	"github.com/parledger/acs/pkg/contractid"
)

func testCID(t *testing.T, fill byte) contractid.ContractID {
	t.Helper()
	b := make([]byte, contractid.HashSize)
	for i := range b {
		b[i] = fill
	}
	cid, err := contractid.Encode(b, b, contractid.VersionV2)
	require.NoError(t, err)
	return cid
}

func TestMemoryCompareAndAppend(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	key := acs.Key{ContractID: testCID(t, 0x01), Synchronizer: "sync-a"}

	open, err := m.OpenEntry(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, open)

	require.NoError(t, m.CompareAndAppend(ctx, key, 0, nil, acs.Entry{
		Status: acs.Active(10), ChangeCounter: 1, ValidFrom: 10,
	}))

	open, err = m.OpenEntry(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, uint64(1), open.ChangeCounter)
	assert.Equal(t, key, open.Key)

	// A second fresh append on the same key conflicts.
	err = m.CompareAndAppend(ctx, key, 0, nil, acs.Entry{
		Status: acs.Active(12), ChangeCounter: 1, ValidFrom: 12,
	})
	assert.ErrorIs(t, err, ErrCASConflict)

	// Closing with a stale counter conflicts.
	closeAt := acs.LogicalTime(20)
	err = m.CompareAndAppend(ctx, key, 99, &closeAt, acs.Entry{
		Status: acs.Archived(20), ChangeCounter: 100, ValidFrom: 20,
	})
	assert.ErrorIs(t, err, ErrCASConflict)

	// Correct counter closes and appends.
	require.NoError(t, m.CompareAndAppend(ctx, key, 1, &closeAt, acs.Entry{
		Status: acs.Archived(20), ChangeCounter: 2, ValidFrom: 20,
	}))

	history, err := m.History(ctx, key)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.NotNil(t, history[0].ValidTo)
	assert.Equal(t, acs.LogicalTime(20), *history[0].ValidTo)
	assert.True(t, history[1].Open())
}

func TestMemoryCloseEntry(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	key := acs.Key{ContractID: testCID(t, 0x01), Synchronizer: "sync-a"}

	assert.ErrorIs(t, m.CloseEntry(ctx, key, 1, 10), ErrCASConflict)

	require.NoError(t, m.CompareAndAppend(ctx, key, 0, nil, acs.Entry{
		Status: acs.InFlightAssignment("sync-b", 10), ChangeCounter: 1, ValidFrom: 10,
	}))
	require.NoError(t, m.CloseEntry(ctx, key, 1, 20))

	open, err := m.OpenEntry(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, open, "close-only leaves no open entry")
}

func TestMemoryPruningScans(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	c1 := testCID(t, 0x01)
	key := acs.Key{ContractID: c1, Synchronizer: "sync-a"}

	closeAt := acs.LogicalTime(20)
	require.NoError(t, m.CompareAndAppend(ctx, key, 0, nil, acs.Entry{
		Status: acs.Active(10), ChangeCounter: 1, ValidFrom: 10,
	}))
	require.NoError(t, m.CompareAndAppend(ctx, key, 1, &closeAt, acs.Entry{
		Status: acs.Archived(20), ChangeCounter: 2, ValidFrom: 20,
	}))

	closed, err := m.ClosedEntriesBefore(ctx, 50)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, acs.LogicalTime(10), closed[0].ValidFrom)

	open, err := m.OpenEntriesFor(ctx, c1)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, acs.StatusArchived, open[0].Status.Kind)

	deleted, err := m.DeleteEntries(ctx, []EntryRef{{Key: key, ValidFrom: 10}})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	// The open entry is untouchable.
	deleted, err = m.DeleteEntries(ctx, []EntryRef{{Key: key, ValidFrom: 20}})
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
}

func TestMemoryEventLog(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	c1 := testCID(t, 0x01)

	_, have, err := m.LastRequestCounter(ctx, "sync-a")
	require.NoError(t, err)
	assert.False(t, have)

	require.NoError(t, m.AppendEvent(ctx, EventRecord{
		Synchronizer: "sync-a", RequestCounter: 1, ContractID: c1, Kind: "CREATE", At: 10,
	}))

	seen, err := m.HasEvent(ctx, "sync-a", 1, c1)
	require.NoError(t, err)
	assert.True(t, seen)

	// Same counter, different contract: not the same event.
	seen, err = m.HasEvent(ctx, "sync-a", 1, testCID(t, 0x02))
	require.NoError(t, err)
	assert.False(t, seen)

	last, have, err := m.LastRequestCounter(ctx, "sync-a")
	require.NoError(t, err)
	assert.True(t, have)
	assert.Equal(t, uint64(1), last)

	err = m.AppendEvent(ctx, EventRecord{
		Synchronizer: "sync-a", RequestCounter: 1, ContractID: c1, Kind: "CREATE", At: 10,
	})
	assert.Error(t, err, "duplicate event-log keys are rejected at the storage layer")
}
