package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parledger/acs/pkg/acs"
)

var entryRowColumns = []string{
	"contract_id", "synchronizer_id", "valid_from", "valid_to",
	"status", "status_at", "status_peer", "change_counter",
}

func TestPostgresOpenEntryNoRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT .+ FROM active_contracts`).
		WillReturnRows(sqlmock.NewRows(entryRowColumns))

	p := NewPostgresBackend(db)
	key := acs.Key{ContractID: testCID(t, 0x01), Synchronizer: "sync-a"}
	entry, err := p.OpenEntry(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOpenEntryScans(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cid := testCID(t, 0x01)
	mock.ExpectQuery(`SELECT .+ FROM active_contracts`).
		WillReturnRows(sqlmock.NewRows(entryRowColumns).
			AddRow(cid.String(), "sync-a", int64(10), nil, "ACTIVE", int64(10), "", int64(1)))

	p := NewPostgresBackend(db)
	entry, err := p.OpenEntry(context.Background(), acs.Key{ContractID: cid, Synchronizer: "sync-a"})
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, acs.StatusActive, entry.Status.Kind)
	assert.Equal(t, acs.LogicalTime(10), entry.ValidFrom)
	assert.True(t, entry.Open())
	assert.Equal(t, uint64(1), entry.ChangeCounter)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompareAndAppendFresh(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM active_contracts`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO active_contracts`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p := NewPostgresBackend(db)
	key := acs.Key{ContractID: testCID(t, 0x01), Synchronizer: "sync-a"}
	err = p.CompareAndAppend(context.Background(), key, 0, nil, acs.Entry{
		Status: acs.Active(10), ChangeCounter: 1, ValidFrom: 10,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompareAndAppendFreshConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM active_contracts`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	p := NewPostgresBackend(db)
	key := acs.Key{ContractID: testCID(t, 0x01), Synchronizer: "sync-a"}
	err = p.CompareAndAppend(context.Background(), key, 0, nil, acs.Entry{
		Status: acs.Active(10), ChangeCounter: 1, ValidFrom: 10,
	})
	assert.ErrorIs(t, err, ErrCASConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompareAndAppendFreshRacedInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// The count check passes but another connection opens an entry
	// before the insert lands. The partial unique index over open
	// entries rejects the duplicate, which must read as a CAS conflict.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM active_contracts`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO active_contracts`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uq_active_contracts_open"})
	mock.ExpectRollback()

	p := NewPostgresBackend(db)
	key := acs.Key{ContractID: testCID(t, 0x01), Synchronizer: "sync-a"}
	err = p.CompareAndAppend(context.Background(), key, 0, nil, acs.Entry{
		Status: acs.Active(10), ChangeCounter: 1, ValidFrom: 10,
	})
	assert.ErrorIs(t, err, ErrCASConflict)
	assert.False(t, acs.IsTransient(err), "a lost race is a conflict, not a storage fault")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompareAndAppendCloseConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE active_contracts SET valid_to`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	p := NewPostgresBackend(db)
	key := acs.Key{ContractID: testCID(t, 0x01), Synchronizer: "sync-a"}
	closeAt := acs.LogicalTime(20)
	err = p.CompareAndAppend(context.Background(), key, 1, &closeAt, acs.Entry{
		Status: acs.Archived(20), ChangeCounter: 2, ValidFrom: 20,
	})
	assert.ErrorIs(t, err, ErrCASConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueryErrorIsTransient(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT .+ FROM active_contracts`).
		WillReturnError(assert.AnError)

	p := NewPostgresBackend(db)
	key := acs.Key{ContractID: testCID(t, 0x01), Synchronizer: "sync-a"}
	_, err = p.OpenEntry(context.Background(), key)
	require.Error(t, err)
	assert.True(t, acs.IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLastRequestCounterEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT MAX\(request_counter\) FROM acs_events`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	p := NewPostgresBackend(db)
	_, have, err := p.LastRequestCounter(context.Background(), "sync-a")
	require.NoError(t, err)
	assert.False(t, have)
	assert.NoError(t, mock.ExpectationsWereMet())
}
