package eventlog

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parledger/acs/pkg/acs"
	"github.com/parledger/acs/pkg/contractid"
	"github.com/parledger/acs/pkg/index"
	"github.com/parledger/acs/pkg/store"
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

func newTestWriter(t *testing.T) (*Writer, *store.MemoryBackend, *index.Index) {
	t.Helper()
	backend := store.NewMemoryBackend()
	ix := index.New(backend)
	return NewWriter(backend, ix), backend, ix
}

func TestAppendAppliesToIndex(t *testing.T) {
	ctx := context.Background()
	w, _, ix := newTestWriter(t)
	c1 := testCID(t, 0x01)

	require.NoError(t, w.Append(ctx, Event{
		Synchronizer: "sync-a", RequestCounter: 1, ContractID: c1, Kind: KindCreate, At: 10,
	}))

	status, err := ix.StatusAt(ctx, c1, "sync-a", 10)
	require.NoError(t, err)
	assert.Equal(t, acs.StatusActive, status.Kind)
}

func TestAppendIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	w, backend, ix := newTestWriter(t)
	c1 := testCID(t, 0x01)

	ev := Event{Synchronizer: "sync-a", RequestCounter: 1, ContractID: c1, Kind: KindCreate, At: 10}
	require.NoError(t, w.Append(ctx, ev))

	before, err := backend.History(ctx, acs.Key{ContractID: c1, Synchronizer: "sync-a"})
	require.NoError(t, err)

	// Replaying the identical event acknowledges without reapplying.
	require.NoError(t, w.Append(ctx, ev))

	after, err := backend.History(ctx, acs.Key{ContractID: c1, Synchronizer: "sync-a"})
	require.NoError(t, err)
	assert.Equal(t, before, after)

	status, err := ix.StatusAt(ctx, c1, "sync-a", 10)
	require.NoError(t, err)
	assert.Equal(t, acs.StatusActive, status.Kind)
}

func TestAppendCounterGap(t *testing.T) {
	ctx := context.Background()
	w, _, _ := newTestWriter(t)
	c1 := testCID(t, 0x01)
	c2 := testCID(t, 0x02)

	require.NoError(t, w.Append(ctx, Event{
		Synchronizer: "sync-a", RequestCounter: 5, ContractID: c1, Kind: KindCreate, At: 10,
	}))

	// A lower unseen counter on the same synchronizer is rejected.
	err := w.Append(ctx, Event{
		Synchronizer: "sync-a", RequestCounter: 3, ContractID: c2, Kind: KindCreate, At: 12,
	})
	assert.ErrorIs(t, err, ErrCounterGap)

	// The same counter on another synchronizer is independent.
	require.NoError(t, w.Append(ctx, Event{
		Synchronizer: "sync-b", RequestCounter: 3, ContractID: c2, Kind: KindCreate, At: 12,
	}))
}

func TestAppendRejectedApplyRecordsNothing(t *testing.T) {
	ctx := context.Background()
	w, backend, _ := newTestWriter(t)
	c1 := testCID(t, 0x01)

	// Archiving a contract that was never created fails in the index.
	err := w.Append(ctx, Event{
		Synchronizer: "sync-a", RequestCounter: 1, ContractID: c1, Kind: KindArchive, At: 10,
	})
	assert.ErrorIs(t, err, acs.ErrNotActive)

	// The event record must not exist: index first, event record second.
	seen, err := backend.HasEvent(ctx, "sync-a", 1, c1)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestAppendValidation(t *testing.T) {
	ctx := context.Background()
	w, _, _ := newTestWriter(t)
	c1 := testCID(t, 0x01)

	cases := []struct {
		name string
		ev   Event
	}{
		{"zero contract id", Event{Synchronizer: "sync-a", RequestCounter: 1, Kind: KindCreate}},
		{"missing synchronizer", Event{RequestCounter: 1, ContractID: c1, Kind: KindCreate}},
		{"zero counter", Event{Synchronizer: "sync-a", ContractID: c1, Kind: KindCreate}},
		{"unassign without target", Event{Synchronizer: "sync-a", RequestCounter: 1, ContractID: c1, Kind: KindUnassign}},
		{"assign without source", Event{Synchronizer: "sync-a", RequestCounter: 1, ContractID: c1, Kind: KindAssign}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, w.Append(ctx, tc.ev))
		})
	}
}

// flakyBackend fails the first n AppendEvent calls with a transient error.
type flakyBackend struct {
	*store.MemoryBackend
	failures int
}

func (f *flakyBackend) AppendEvent(ctx context.Context, rec store.EventRecord) error {
	if f.failures > 0 {
		f.failures--
		return acs.Transient("append event", fmt.Errorf("connection reset"))
	}
	return f.MemoryBackend.AppendEvent(ctx, rec)
}

func TestAppendRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{MemoryBackend: store.NewMemoryBackend(), failures: 2}
	ix := index.New(backend)
	w := NewWriter(backend, ix)
	c1 := testCID(t, 0x01)

	require.NoError(t, w.Append(ctx, Event{
		Synchronizer: "sync-a", RequestCounter: 1, ContractID: c1, Kind: KindCreate, At: 10,
	}))

	seen, err := backend.HasEvent(ctx, "sync-a", 1, c1)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestAppendEscalatesExhaustedRetries(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{MemoryBackend: store.NewMemoryBackend(), failures: 100}
	ix := index.New(backend)

	var fatal error
	w := NewWriter(backend, ix,
		WithMaxRetries(2),
		WithHealthSink(func(err error) { fatal = err }),
	)

	err := w.Append(ctx, Event{
		Synchronizer: "sync-a", RequestCounter: 1, ContractID: testCID(t, 0x01), Kind: KindCreate, At: 10,
	})
	require.Error(t, err)
	require.Error(t, fatal, "exhausted retries must escalate to the health sink")
	assert.True(t, acs.IsTransient(fatal))
}
