//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

// Package sqlite persists executions in a single SQLite database,
// useful when many runs share one history file.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dygram-ai/dygram-go/engine"
	"github.com/dygram-ai/dygram-go/log"
	"github.com/dygram-ai/dygram-go/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id            TEXT PRIMARY KEY,
	metadata      TEXT NOT NULL,
	version       TEXT NOT NULL,
	machine_hash  TEXT NOT NULL,
	state         BLOB NOT NULL,
	status        TEXT NOT NULL,
	last_executed TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
	execution_id TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	record       TEXT NOT NULL,
	PRIMARY KEY (execution_id, seq)
);
`

// Store is a SQLite-backed session.Store.
type Store struct {
	db *sql.DB
}

var _ session.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create session directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize session schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (st *Store) Close() error { return st.db.Close() }

// Save upserts the execution row in one transaction.
func (st *Store) Save(rec *session.Record) error {
	if rec.Metadata.ID == "" {
		return fmt.Errorf("record has no execution id")
	}
	stateData, err := rec.State.Serialize()
	if err != nil {
		return err
	}
	metaData, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = st.db.Exec(`
		INSERT INTO executions (id, metadata, version, machine_hash, state, status, last_executed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			metadata = excluded.metadata,
			version = excluded.version,
			machine_hash = excluded.machine_hash,
			state = excluded.state,
			status = excluded.status,
			last_executed = excluded.last_executed`,
		rec.Metadata.ID, string(metaData), rec.State.Version,
		rec.State.Machine.Hash(), stateData, rec.Metadata.Status,
		rec.Metadata.LastExecuted.UTC())
	if err != nil {
		return fmt.Errorf("save execution %s: %w", rec.Metadata.ID, err)
	}
	return nil
}

// Load reconstructs an execution, verifying the machine hash.
func (st *Store) Load(id string) (*session.Record, error) {
	id, err := st.resolve(id)
	if err != nil {
		return nil, err
	}
	var metaData, version, hash string
	var stateData []byte
	err = st.db.QueryRow(
		`SELECT metadata, version, machine_hash, state FROM executions WHERE id = ?`, id).
		Scan(&metaData, &version, &hash, &stateData)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", id, err)
	}
	if version != engine.Version {
		log.Warnf("execution %s was written by schema %s, current is %s", id, version, engine.Version)
	}
	s, err := engine.Deserialize(stateData)
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", id, err)
	}
	var meta session.Metadata
	if err := json.Unmarshal([]byte(metaData), &meta); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", id, err)
	}
	return &session.Record{Metadata: meta, State: s, SavedHash: hash}, nil
}

// AppendTurn appends one turn record.
func (st *Store) AppendTurn(id string, t session.TurnRecord) error {
	id, err := st.resolve(id)
	if err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal turn record: %w", err)
	}
	_, err = st.db.Exec(`
		INSERT INTO turns (execution_id, seq, record)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE execution_id = ?), ?)`,
		id, id, string(data))
	if err != nil {
		return fmt.Errorf("append turn for %s: %w", id, err)
	}
	return nil
}

// History returns the execution's turn records in append order.
func (st *Store) History(id string) ([]session.TurnRecord, error) {
	id, err := st.resolve(id)
	if err != nil {
		return nil, err
	}
	rows, err := st.db.Query(`SELECT record FROM turns WHERE execution_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("read history of %s: %w", id, err)
	}
	defer rows.Close()
	var out []session.TurnRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var t session.TurnRecord
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("malformed turn record: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// List returns all executions, newest first.
func (st *Store) List() ([]session.Metadata, error) {
	rows, err := st.db.Query(`SELECT metadata FROM executions ORDER BY last_executed DESC`)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var out []session.Metadata
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var meta session.Metadata
		if err := json.Unmarshal([]byte(data), &meta); err != nil {
			log.Warnf("skipping execution with malformed metadata: %v", err)
			continue
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

// Remove deletes an execution and its history.
func (st *Store) Remove(id string) error {
	id, err := st.resolve(id)
	if err != nil {
		return err
	}
	res, err := st.db.Exec(`DELETE FROM executions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove execution %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	_, err = st.db.Exec(`DELETE FROM turns WHERE execution_id = ?`, id)
	return err
}

// Clean removes executions last touched before the cutoff.
func (st *Store) Clean(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UTC()
	rows, err := st.db.Query(`SELECT id FROM executions WHERE last_executed < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clean executions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	for _, id := range ids {
		if err := st.Remove(id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// Last returns the most recently executed id.
func (st *Store) Last() (string, error) {
	var id string
	err := st.db.QueryRow(`SELECT id FROM executions ORDER BY last_executed DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", session.ErrNotFound
	}
	return id, err
}

func (st *Store) resolve(id string) (string, error) {
	if id == "" || id == session.LastAlias {
		return st.Last()
	}
	return id, nil
}
