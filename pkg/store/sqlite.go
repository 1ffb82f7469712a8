package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/parledger/acs/pkg/acs"
	"github.com/parledger/acs/pkg/contractid"

	_ "modernc.org/sqlite"
)

// SQLiteBackend persists the ACS in an embedded SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend wraps db and runs migrations. The caller owns db's
// lifecycle until Close.
func NewSQLiteBackend(db *sql.DB) (*SQLiteBackend, error) {
	s := &SQLiteBackend{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// The CAS transaction requires a single writer at a time.
	db.SetMaxOpenConns(1)
	return NewSQLiteBackend(db)
}

func (s *SQLiteBackend) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS active_contracts (
		contract_id TEXT NOT NULL,
		synchronizer_id TEXT NOT NULL,
		valid_from INTEGER NOT NULL,
		valid_to INTEGER,
		status TEXT NOT NULL,
		status_at INTEGER NOT NULL,
		status_peer TEXT NOT NULL DEFAULT '',
		change_counter INTEGER NOT NULL,
		PRIMARY KEY (contract_id, synchronizer_id, valid_from)
	);
	CREATE INDEX IF NOT EXISTS idx_active_contracts_lookup
		ON active_contracts (contract_id, synchronizer_id, valid_from);
	CREATE INDEX IF NOT EXISTS idx_active_contracts_pruning
		ON active_contracts (synchronizer_id, valid_to);
	CREATE TABLE IF NOT EXISTS acs_events (
		synchronizer_id TEXT NOT NULL,
		request_counter INTEGER NOT NULL,
		contract_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		at INTEGER NOT NULL,
		PRIMARY KEY (synchronizer_id, request_counter)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteBackend) OpenEntry(ctx context.Context, key acs.Key) (*acs.Entry, error) {
	query := `
		SELECT contract_id, synchronizer_id, valid_from, valid_to, status, status_at, status_peer, change_counter
		FROM active_contracts
		WHERE contract_id = ? AND synchronizer_id = ? AND valid_to IS NULL
	`
	row := s.db.QueryRowContext(ctx, query, key.ContractID.String(), string(key.Synchronizer))
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, acs.Transient("open entry lookup", err)
	}
	return entry, nil
}

func (s *SQLiteBackend) CompareAndAppend(ctx context.Context, key acs.Key, expectedCounter uint64, closeAt *acs.LogicalTime, next acs.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return acs.Transient("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	cid := key.ContractID.String()
	sync := string(key.Synchronizer)

	if expectedCounter == 0 {
		var open int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM active_contracts WHERE contract_id = ? AND synchronizer_id = ? AND valid_to IS NULL`,
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
			`UPDATE active_contracts SET valid_to = ?
			 WHERE contract_id = ? AND synchronizer_id = ? AND valid_to IS NULL AND change_counter = ?`,
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
		`INSERT INTO active_contracts (contract_id, synchronizer_id, valid_from, valid_to, status, status_at, status_peer, change_counter)
		 VALUES (?, ?, ?, NULL, ?, ?, ?, ?)`,
		cid, sync, int64(next.ValidFrom), string(next.Status.Kind), int64(next.Status.At), statusPeer(next.Status), next.ChangeCounter)
	if err != nil {
		return acs.Transient("append entry", err)
	}
	if err := tx.Commit(); err != nil {
		return acs.Transient("commit", err)
	}
	return nil
}

func (s *SQLiteBackend) CloseEntry(ctx context.Context, key acs.Key, expectedCounter uint64, closeAt acs.LogicalTime) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE active_contracts SET valid_to = ?
		 WHERE contract_id = ? AND synchronizer_id = ? AND valid_to IS NULL AND change_counter = ?`,
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

func (s *SQLiteBackend) History(ctx context.Context, key acs.Key) ([]acs.Entry, error) {
	query := `
		SELECT contract_id, synchronizer_id, valid_from, valid_to, status, status_at, status_peer, change_counter
		FROM active_contracts
		WHERE contract_id = ? AND synchronizer_id = ?
		ORDER BY valid_from ASC
	`
	rows, err := s.db.QueryContext(ctx, query, key.ContractID.String(), string(key.Synchronizer))
	if err != nil {
		return nil, acs.Transient("history scan", err)
	}
	return collectEntries(rows)
}

func (s *SQLiteBackend) Keys(ctx context.Context) ([]acs.Key, error) {
	rows, err := s.db.QueryContext(ctx,
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

func (s *SQLiteBackend) OpenEntriesFor(ctx context.Context, cid contractid.ContractID) ([]acs.Entry, error) {
	query := `
		SELECT contract_id, synchronizer_id, valid_from, valid_to, status, status_at, status_peer, change_counter
		FROM active_contracts
		WHERE contract_id = ? AND valid_to IS NULL
	`
	rows, err := s.db.QueryContext(ctx, query, cid.String())
	if err != nil {
		return nil, acs.Transient("open entries scan", err)
	}
	return collectEntries(rows)
}

func (s *SQLiteBackend) ClosedEntriesBefore(ctx context.Context, upTo acs.LogicalTime) ([]acs.Entry, error) {
	query := `
		SELECT contract_id, synchronizer_id, valid_from, valid_to, status, status_at, status_peer, change_counter
		FROM active_contracts
		WHERE valid_to IS NOT NULL AND valid_to < ?
		ORDER BY valid_to ASC
	`
	rows, err := s.db.QueryContext(ctx, query, int64(upTo))
	if err != nil {
		return nil, acs.Transient("pruning scan", err)
	}
	return collectEntries(rows)
}

func (s *SQLiteBackend) DeleteEntries(ctx context.Context, refs []EntryRef) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, acs.Transient("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	deleted := 0
	for _, ref := range refs {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM active_contracts
			 WHERE contract_id = ? AND synchronizer_id = ? AND valid_from = ? AND valid_to IS NOT NULL`,
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

func (s *SQLiteBackend) HasEvent(ctx context.Context, synchronizer acs.SynchronizerID, counter uint64, cid contractid.ContractID) (bool, error) {
	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT contract_id FROM acs_events WHERE synchronizer_id = ? AND request_counter = ?`,
		string(synchronizer), counter).Scan(&stored)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, acs.Transient("event lookup", err)
	}
	return stored == cid.String(), nil
}

func (s *SQLiteBackend) AppendEvent(ctx context.Context, rec EventRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO acs_events (synchronizer_id, request_counter, contract_id, kind, at) VALUES (?, ?, ?, ?, ?)`,
		string(rec.Synchronizer), rec.RequestCounter, rec.ContractID.String(), rec.Kind, int64(rec.At))
	if err != nil {
		return acs.Transient("append event", err)
	}
	return nil
}

func (s *SQLiteBackend) LastRequestCounter(ctx context.Context, synchronizer acs.SynchronizerID) (uint64, bool, error) {
	var rc sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(request_counter) FROM acs_events WHERE synchronizer_id = ?`,
		string(synchronizer)).Scan(&rc)
	if err != nil {
		return 0, false, acs.Transient("request counter lookup", err)
	}
	if !rc.Valid {
		return 0, false, nil
	}
	return uint64(rc.Int64), true, nil
}

func (s *SQLiteBackend) Close() error { return s.db.Close() }

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*acs.Entry, error) {
	var (
		cid, sync, status, peer string
		validFrom, statusAt     int64
		validTo                 sql.NullInt64
		changeCounter           uint64
	)
	if err := row.Scan(&cid, &sync, &validFrom, &validTo, &status, &statusAt, &peer, &changeCounter); err != nil {
		return nil, err
	}
	parsed, err := contractid.DecodeString(cid)
	if err != nil {
		return nil, fmt.Errorf("corrupt contract id %q in store: %w", cid, err)
	}
	entry := &acs.Entry{
		Key:           acs.Key{ContractID: parsed, Synchronizer: acs.SynchronizerID(sync)},
		Status:        statusFromRow(status, statusAt, peer),
		ChangeCounter: changeCounter,
		ValidFrom:     acs.LogicalTime(validFrom),
	}
	if validTo.Valid {
		t := acs.LogicalTime(validTo.Int64)
		entry.ValidTo = &t
	}
	return entry, nil
}

func collectEntries(rows *sql.Rows) ([]acs.Entry, error) {
	defer func() { _ = rows.Close() }()
	var out []acs.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func statusPeer(s acs.Status) string {
	switch s.Kind {
	case acs.StatusInFlightUnassignment:
		return string(s.Target)
	case acs.StatusInFlightAssignment:
		return string(s.Source)
	default:
		return ""
	}
}

func statusFromRow(kind string, at int64, peer string) acs.Status {
	s := acs.Status{Kind: acs.StatusKind(kind), At: acs.LogicalTime(at)}
	switch s.Kind {
	case acs.StatusInFlightUnassignment:
		s.Target = acs.SynchronizerID(peer)
	case acs.StatusInFlightAssignment:
		s.Source = acs.SynchronizerID(peer)
	}
	return s
}
