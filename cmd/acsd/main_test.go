package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parledger/acs/pkg/acs"
	"github.com/parledger/acs/pkg/contractid"
	"github.com/parledger/acs/pkg/eventlog"
	"github.com/parledger/acs/pkg/index"
	"github.com/parledger/acs/pkg/observability"
	"github.com/parledger/acs/pkg/pruning"
	"github.com/parledger/acs/pkg/scheduler"
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

func testHandler(t *testing.T) (http.Handler, *scheduler.Scheduler) {
	t.Helper()
	backend := store.NewMemoryBackend()
	ix := index.New(backend)
	writer := eventlog.NewWriter(backend, ix)
	sched := scheduler.New(writer, 8, nil)
	t.Cleanup(func() { _ = sched.Close() })

	pruner := pruning.NewManager(backend, pruning.NewMemoryLeaseRegistry())
	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)

	return newHandler(ix, sched, pruner, obs, nil), sched
}

func postEvent(t *testing.T, h http.Handler, cid contractid.ContractID, counter uint64, kind string, at int64) *httptest.ResponseRecorder {
	t.Helper()
	body := fmt.Sprintf(`{"synchronizer":"sync-a","request_counter":%d,"contract_id":"%s","kind":"%s","at":%d}`,
		counter, cid.String(), kind, at)
	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestEventsEndpointAcceptsAndConflicts(t *testing.T) {
	h, _ := testHandler(t)
	cid := testCID(t, 0x01)

	rec := postEvent(t, h, cid, 1, "CREATE", 10)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// A second create for the same contract is a ledger conflict.
	rec = postEvent(t, h, cid, 2, "CREATE", 20)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Skipping a request counter is a gap, also a conflict.
	rec = postEvent(t, h, cid, 5, "ARCHIVE", 30)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEventsEndpointRejectsMalformedEnvelope(t *testing.T) {
	h, _ := testHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewBufferString(`{"kind":"CREATE"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsEndpointClosedSchedulerIsServerError(t *testing.T) {
	h, sched := testHandler(t)
	require.NoError(t, sched.Close())

	rec := postEvent(t, h, testCID(t, 0x01), 1, "CREATE", 10)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestIsConflict(t *testing.T) {
	for _, err := range []error{
		acs.ErrAlreadyExists,
		acs.ErrNotActive,
		acs.ErrOutOfOrder,
		eventlog.ErrCounterGap,
		fmt.Errorf("wrapped: %w", acs.ErrOutOfOrder),
	} {
		assert.True(t, isConflict(err), "%v should count as a conflict", err)
	}
	for _, err := range []error{
		scheduler.ErrSchedulerClosed,
		acs.Transient("append", assert.AnError),
		assert.AnError,
	} {
		assert.False(t, isConflict(err), "%v is a fault, not a conflict", err)
	}
}
