package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/docukit/syncd/pkg/docbinding"
	_ "github.com/mattn/go-sqlite3"
)

// ServerTx is the server-side half of the transactional contract:
// spec.md §4.1's operation table, with authoritative clock assignment
// (spec.md §3 invariant 2 and 3 — only the server mints clocks, and
// they are strictly increasing per docId).
type ServerTx interface {
	GetSerializedDoc(docID string) (snapshot docbinding.Snapshot, clock int64, ok bool, err error)
	GetOperations(docID string, sinceClock int64) ([]OperationBatch, error)
	SaveOperations(docID string, ops []docbinding.Operation) (newClock int64, err error)
	DeleteOperations(docID string, count int) error
	SaveSerializedDoc(docID string, snapshot docbinding.Snapshot, clock int64) error

	// DeleteDocument removes every trace of docID: its snapshot row and
	// all operation batches. Used by the server's deleteDoc handler,
	// not by squash (which only ever drops folded operations).
	DeleteDocument(docID string) error
}

// ServerProvider is the server-side storage provider factory.
type ServerProvider interface {
	Transaction(mode Mode, body func(ServerTx) error) error
	Close() error
}

// SQLiteServerStore implements ServerProvider on the relational store
// spec.md §1 calls for on the server side.
type SQLiteServerStore struct {
	db *sql.DB
}

// NewSQLiteServerStore opens (creating and migrating if absent) the
// server's relational database at dsn.
func NewSQLiteServerStore(dsn string) (*SQLiteServerStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // one writer; sqlite serializes anyway, avoid lock contention

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return &SQLiteServerStore{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	doc_id   TEXT PRIMARY KEY,
	snapshot TEXT NOT NULL,
	clock    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS operations (
	doc_id TEXT NOT NULL,
	clock  INTEGER NOT NULL,
	ops    TEXT NOT NULL,
	PRIMARY KEY (doc_id, clock)
);
CREATE INDEX IF NOT EXISTS idx_operations_doc_clock ON operations(doc_id, clock);
`

// Close closes the underlying database.
func (s *SQLiteServerStore) Close() error {
	return s.db.Close()
}

// Transaction runs body inside one SQL transaction. ReadOnly
// transactions are still issued as SQL transactions (sqlite has no
// meaningful read-only fast path here) but never hold the writer
// lock longer than necessary.
func (s *SQLiteServerStore) Transaction(mode Mode, body func(ServerTx) error) error {
	sqlTx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := body(&sqliteServerTx{tx: sqlTx}); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type sqliteServerTx struct {
	tx *sql.Tx
}

func (t *sqliteServerTx) GetSerializedDoc(docID string) (docbinding.Snapshot, int64, bool, error) {
	row := t.tx.QueryRow(`SELECT snapshot, clock FROM documents WHERE doc_id = ?`, docID)

	var snapshotJSON string
	var clock int64
	if err := row.Scan(&snapshotJSON, &clock); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, false, nil
		}
		return nil, 0, false, fmt.Errorf("get serialized doc %s: %w", docID, err)
	}

	var snapshot docbinding.Snapshot
	if err := json.Unmarshal([]byte(snapshotJSON), &snapshot); err != nil {
		return nil, 0, false, fmt.Errorf("decode snapshot %s: %w", docID, err)
	}
	return snapshot, clock, true, nil
}

func (t *sqliteServerTx) SaveSerializedDoc(docID string, snapshot docbinding.Snapshot, clock int64) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(`
		INSERT INTO documents (doc_id, snapshot, clock) VALUES (?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET snapshot = excluded.snapshot, clock = excluded.clock
	`, docID, string(data), clock)
	return err
}

func (t *sqliteServerTx) GetOperations(docID string, sinceClock int64) ([]OperationBatch, error) {
	rows, err := t.tx.Query(`
		SELECT clock, ops FROM operations
		WHERE doc_id = ? AND clock > ?
		ORDER BY clock ASC
	`, docID, sinceClock)
	if err != nil {
		return nil, fmt.Errorf("get operations %s: %w", docID, err)
	}
	defer rows.Close()

	var batches []OperationBatch
	for rows.Next() {
		var clock int64
		var opsJSON string
		if err := rows.Scan(&clock, &opsJSON); err != nil {
			return nil, err
		}
		var ops []docbinding.Operation
		if err := json.Unmarshal([]byte(opsJSON), &ops); err != nil {
			return nil, fmt.Errorf("decode operations %s@%d: %w", docID, clock, err)
		}
		batches = append(batches, OperationBatch{Clock: clock, Operations: ops})
	}
	return batches, rows.Err()
}

// SaveOperations computes the next clock for docID — strictly greater
// than any prior clock for that doc — and appends the batch under it.
// This is the sole point in the system that mints a clock (spec.md
// invariant 3).
func (t *sqliteServerTx) SaveOperations(docID string, ops []docbinding.Operation) (int64, error) {
	var maxClock sql.NullInt64
	row := t.tx.QueryRow(`SELECT MAX(clock) FROM operations WHERE doc_id = ?`, docID)
	if err := row.Scan(&maxClock); err != nil {
		return 0, fmt.Errorf("compute next clock for %s: %w", docID, err)
	}

	var docClock sql.NullInt64
	row = t.tx.QueryRow(`SELECT clock FROM documents WHERE doc_id = ?`, docID)
	_ = row.Scan(&docClock) // absent is fine; zero value used below

	newClock := maxClock.Int64
	if docClock.Int64 > newClock {
		newClock = docClock.Int64
	}
	newClock++

	data, err := json.Marshal(ops)
	if err != nil {
		return 0, err
	}
	if _, err := t.tx.Exec(`INSERT INTO operations (doc_id, clock, ops) VALUES (?, ?, ?)`, docID, newClock, string(data)); err != nil {
		return 0, fmt.Errorf("append operations %s@%d: %w", docID, newClock, err)
	}
	return newClock, nil
}

func (t *sqliteServerTx) DeleteOperations(docID string, count int) error {
	if count <= 0 {
		return nil
	}
	_, err := t.tx.Exec(`
		DELETE FROM operations WHERE rowid IN (
			SELECT rowid FROM operations WHERE doc_id = ? ORDER BY clock ASC LIMIT ?
		)
	`, docID, count)
	return err
}

func (t *sqliteServerTx) DeleteDocument(docID string) error {
	if _, err := t.tx.Exec(`DELETE FROM operations WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("delete operations %s: %w", docID, err)
	}
	if _, err := t.tx.Exec(`DELETE FROM documents WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("delete document %s: %w", docID, err)
	}
	return nil
}
