package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/parledger/acs/pkg/acs"
	"github.com/parledger/acs/pkg/contractid"
)

// PostgresBackend is the durable multi-connection backend for production
// participants. The compare-and-append uses row-level atomicity: closing
// the open entry is a conditional UPDATE whose affected-row count decides
// the CAS outcome, and fresh appends are fenced by a partial unique
// index over open entries so concurrent first writers surface as CAS
// conflicts rather than duplicate rows.
type PostgresBackend struct {
	db *sql.DB
}

func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS active_contracts (
	contract_id TEXT NOT NULL,
	synchronizer_id TEXT NOT NULL,
	valid_from BIGINT NOT NULL,
	valid_to BIGINT,
	status TEXT NOT NULL,
	status_at BIGINT NOT NULL,
	status_peer TEXT NOT NULL DEFAULT '',
	change_counter BIGINT NOT NULL,
	PRIMARY KEY (contract_id, synchronizer_id, valid_from)
);

CREATE INDEX IF NOT EXISTS idx_active_contracts_lookup
	ON active_contracts (contract_id, synchronizer_id, valid_from);
CREATE INDEX IF NOT EXISTS idx_active_contracts_pruning
	ON active_contracts (synchronizer_id, valid_to);
CREATE UNIQUE INDEX IF NOT EXISTS uq_active_contracts_open
	ON active_contracts (contract_id, synchronizer_id) WHERE valid_to IS NULL;

CREATE TABLE IF NOT EXISTS acs_events (
	synchronizer_id TEXT NOT NULL,
	request_counter BIGINT NOT NULL,
	contract_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	at BIGINT NOT NULL,
	PRIMARY KEY (synchronizer_id, request_counter)
);
`

// Init creates the schema.
func (p *PostgresBackend) Init(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, pgSchema)
	return err
}

const entryColumns = `contract_id, synchronizer_id, valid_from, valid_to, status, status_at, status_peer, change_counter`

func (p *PostgresBackend) OpenEntry(ctx context.Context, key acs.Key) (*acs.Entry, error) {
	query := `SELECT ` + entryColumns + `
		FROM active_contracts
		WHERE contract_id = $1 AND synchronizer_id = $2 AND valid_to IS NULL`
	row := p.db.QueryRowContext(ctx, query, key.ContractID.String(), string(key.Synchronizer))
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, acs.Transient("open entry lookup", err)
	}
	return entry, nil
}

func (p *PostgresBackend) CompareAndAppend(ctx context.Context, key acs.Key, expectedCounter uint64, closeAt *acs.LogicalTime, next acs.Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return acs.Transient("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	cid := key.ContractID.String()
	sync := string(key.Synchronizer)

	if expectedCounter == 0 {
		// Fast local check; the partial unique index on open entries is
		// what fences concurrent writers from other connections.
		var open int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM active_contracts WHERE contract_id = $1 AND synchronizer_id = $2 AND valid_to IS NULL`,
			cid, sync).Scan(&open)
		if err != nil {
			return acs.Transient("open entry check", err)
		}
		if open != 0 {
			return ErrCASConflict
		}
	} else {
		if closeAt == nil {
			return fmt.Errorf("closeAt required when closing entry %d", expectedCounter)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE active_contracts SET valid_to = $1
			 WHERE contract_id = $2 AND synchronizer_id = $3 AND valid_to IS NULL AND change_counter = $4`,
			int64(*closeAt), cid, sync, expectedCounter)
		if err != nil {
			return acs.Transient("close entry", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return acs.Transient("close entry", err)
		}
		if affected != 1 {
			return ErrCASConflict
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO active_contracts (`+entryColumns+`)
		 VALUES ($1, $2, $3, NULL, $4, $5, $6, $7)`,
		cid, sync, int64(next.ValidFrom), string(next.Status.Kind), int64(next.Status.At), statusPeer(next.Status), next.ChangeCounter)
	if isUniqueViolation(err) {
		// Another writer opened an entry for the key between our check
		// and the insert.
		return ErrCASConflict
	}
	if err != nil {
		return acs.Transient("append entry", err)
	}
	if err := tx.Commit(); err != nil {
		return acs.Transient("commit", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresBackend) CloseEntry(ctx context.Context, key acs.Key, expectedCounter uint64, closeAt acs.LogicalTime) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE active_contracts SET valid_to = $1
		 WHERE contract_id = $2 AND synchronizer_id = $3 AND valid_to IS NULL AND change_counter = $4`,
		int64(closeAt), key.ContractID.String(), string(key.Synchronizer), expectedCounter)
	if err != nil {
		return acs.Transient("close entry", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return acs.Transient("close entry", err)
	}
	if affected != 1 {
		return ErrCASConflict
	}
	return nil
}

func (p *PostgresBackend) History(ctx context.Context, key acs.Key) ([]acs.Entry, error) {
	query := `SELECT ` + entryColumns + `
		FROM active_contracts
		WHERE contract_id = $1 AND synchronizer_id = $2
		ORDER BY valid_from ASC`
	rows, err := p.db.QueryContext(ctx, query, key.ContractID.String(), string(key.Synchronizer))
	if err != nil {
		return nil, acs.Transient("history scan", err)
	}
	return collectEntries(rows)
}

func (p *PostgresBackend) Keys(ctx context.Context) ([]acs.Key, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT DISTINCT contract_id, synchronizer_id FROM active_contracts ORDER BY contract_id, synchronizer_id`)
	if err != nil {
		return nil, acs.Transient("keys scan", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []acs.Key
	for rows.Next() {
		var cid, sync string
		if err := rows.Scan(&cid, &sync); err != nil {
			return nil, err
		}
		parsed, err := contractid.DecodeString(cid)
		if err != nil {
			return nil, fmt.Errorf("corrupt contract id %q in store: %w", cid, err)
		}
		keys = append(keys, acs.Key{ContractID: parsed, Synchronizer: acs.SynchronizerID(sync)})
	}
	return keys, rows.Err()
}

func (p *PostgresBackend) OpenEntriesFor(ctx context.Context, cid contractid.ContractID) ([]acs.Entry, error) {
	query := `SELECT ` + entryColumns + `
		FROM active_contracts
		WHERE contract_id = $1 AND valid_to IS NULL`
	rows, err := p.db.QueryContext(ctx, query, cid.String())
	if err != nil {
		return nil, acs.Transient("open entries scan", err)
	}
	return collectEntries(rows)
}

func (p *PostgresBackend) ClosedEntriesBefore(ctx context.Context, upTo acs.LogicalTime) ([]acs.Entry, error) {
	query := `SELECT ` + entryColumns + `
		FROM active_contracts
		WHERE valid_to IS NOT NULL AND valid_to < $1
		ORDER BY valid_to ASC`
	rows, err := p.db.QueryContext(ctx, query, int64(upTo))
	if err != nil {
		return nil, acs.Transient("pruning scan", err)
	}
	return collectEntries(rows)
}

func (p *PostgresBackend) DeleteEntries(ctx context.Context, refs []EntryRef) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, acs.Transient("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	deleted := 0
	for _, ref := range refs {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM active_contracts
			 WHERE contract_id = $1 AND synchronizer_id = $2 AND valid_from = $3 AND valid_to IS NOT NULL`,
			ref.Key.ContractID.String(), string(ref.Key.Synchronizer), int64(ref.ValidFrom))
		if err != nil {
			return 0, acs.Transient("delete entry", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, acs.Transient("delete entry", err)
		}
		deleted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, acs.Transient("commit", err)
	}
	return deleted, nil
}

func (p *PostgresBackend) HasEvent(ctx context.Context, synchronizer acs.SynchronizerID, counter uint64, cid contractid.ContractID) (bool, error) {
	var stored string
	err := p.db.QueryRowContext(ctx,
		`SELECT contract_id FROM acs_events WHERE synchronizer_id = $1 AND request_counter = $2`,
		string(synchronizer), counter).Scan(&stored)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, acs.Transient("event lookup", err)
	}
	return stored == cid.String(), nil
}

func (p *PostgresBackend) AppendEvent(ctx context.Context, rec EventRecord) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO acs_events (synchronizer_id, request_counter, contract_id, kind, at) VALUES ($1, $2, $3, $4, $5)`,
		string(rec.Synchronizer), rec.RequestCounter, rec.ContractID.String(), rec.Kind, int64(rec.At))
	if err != nil {
		return acs.Transient("append event", err)
	}
	return nil
}

func (p *PostgresBackend) LastRequestCounter(ctx context.Context, synchronizer acs.SynchronizerID) (uint64, bool, error) {
	var rc sql.NullInt64
	err := p.db.QueryRowContext(ctx,
		`SELECT MAX(request_counter) FROM acs_events WHERE synchronizer_id = $1`,
		string(synchronizer)).Scan(&rc)
	if err != nil {
		return 0, false, acs.Transient("request counter lookup", err)
	}
	if !rc.Valid {
		return 0, false, nil
	}
	return uint64(rc.Int64), true, nil
}

func (p *PostgresBackend) Close() error { return p.db.Close() }
