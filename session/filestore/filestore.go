//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

// Package filestore persists executions as per-execution directories
// under .dygram/executions, the default session store.
package filestore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dygram-ai/dygram-go/engine"
	"github.com/dygram-ai/dygram-go/log"
	"github.com/dygram-ai/dygram-go/session"
)

// DefaultRoot is the session directory relative to the working
// directory.
const DefaultRoot = ".dygram/executions"

const (
	metadataFile = "metadata.json"
	stateFile    = "state.json"
	machineFile  = "machine.json"
	historyFile  = "history.jsonl"
)

// Store is a file-backed session.Store.
type Store struct {
	root string
}

var _ session.Store = (*Store)(nil)

// New opens (creating if needed) a store rooted at dir; an empty dir
// uses DefaultRoot.
func New(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultRoot
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the store's root directory.
func (st *Store) Root() string { return st.root }

// Dir returns the directory of an execution.
func (st *Store) Dir(id string) string { return filepath.Join(st.root, id) }

// Save writes metadata.json, state.json and machine.json, each
// atomically, and repoints the last symlink.
func (st *Store) Save(rec *session.Record) error {
	if rec.Metadata.ID == "" {
		return fmt.Errorf("record has no execution id")
	}
	dir := st.Dir(rec.Metadata.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create execution dir: %w", err)
	}
	stateData, err := rec.State.Serialize()
	if err != nil {
		return err
	}
	sf := session.StateFile{
		Version:        rec.State.Version,
		MachineHash:    rec.State.Machine.Hash(),
		ExecutionState: stateData,
		Status:         rec.Metadata.Status,
		LastUpdated:    time.Now().UTC().Format(time.RFC3339),
	}
	if err := writeJSONAtomic(filepath.Join(dir, stateFile), sf); err != nil {
		return err
	}
	machineData, err := json.Marshal(rec.State.Machine)
	if err != nil {
		return fmt.Errorf("marshal machine snapshot: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, machineFile), machineData); err != nil {
		return err
	}
	if err := writeJSONAtomic(filepath.Join(dir, metadataFile), rec.Metadata); err != nil {
		return err
	}
	return st.pointLast(rec.Metadata.ID)
}

// Load reconstructs an execution from disk, verifying the machine
// hash and warning on a schema version skew.
func (st *Store) Load(id string) (*session.Record, error) {
	id, err := st.resolve(id)
	if err != nil {
		return nil, err
	}
	dir := st.Dir(id)
	var sf session.StateFile
	if err := readJSON(filepath.Join(dir, stateFile), &sf); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
		}
		return nil, err
	}
	if sf.Version != engine.Version {
		log.Warnf("execution %s was written by schema %s, current is %s", id, sf.Version, engine.Version)
	}
	s, err := engine.Deserialize(sf.ExecutionState)
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", id, err)
	}
	var meta session.Metadata
	if err := readJSON(filepath.Join(dir, metadataFile), &meta); err != nil {
		return nil, err
	}
	return &session.Record{Metadata: meta, State: s, SavedHash: sf.MachineHash}, nil
}

// AppendTurn appends one record to history.jsonl.
func (st *Store) AppendTurn(id string, t session.TurnRecord) error {
	id, err := st.resolve(id)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(st.Dir(id), historyFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer f.Close()
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal turn record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append turn record: %w", err)
	}
	return nil
}

// History reads the execution's turn records.
func (st *Store) History(id string) ([]session.TurnRecord, error) {
	id, err := st.resolve(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(st.Dir(id), historyFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var out []session.TurnRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var t session.TurnRecord
		if err := json.Unmarshal(line, &t); err != nil {
			return nil, fmt.Errorf("malformed history line: %w", err)
		}
		out = append(out, t)
	}
	return out, scanner.Err()
}

// List returns all executions, newest first.
func (st *Store) List() ([]session.Metadata, error) {
	entries, err := os.ReadDir(st.root)
	if err != nil {
		return nil, fmt.Errorf("read session root: %w", err)
	}
	var out []session.Metadata
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "exec-") {
			continue
		}
		var meta session.Metadata
		if err := readJSON(filepath.Join(st.root, e.Name(), metadataFile), &meta); err != nil {
			log.Warnf("skipping execution %s: %v", e.Name(), err)
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastExecuted.After(out[j].LastExecuted) })
	return out, nil
}

// Remove deletes an execution directory and, if it was the last one,
// the last symlink.
func (st *Store) Remove(id string) error {
	id, err := st.resolve(id)
	if err != nil {
		return err
	}
	dir := st.Dir(id)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", session.ErrNotFound, id)
		}
		return err
	}
	if last, err := st.Last(); err == nil && last == id {
		os.Remove(filepath.Join(st.root, session.LastAlias))
	}
	return os.RemoveAll(dir)
}

// Clean removes executions last touched before the cutoff.
func (st *Store) Clean(olderThan time.Duration) (int, error) {
	metas, err := st.List()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, meta := range metas {
		if meta.LastExecuted.After(cutoff) {
			continue
		}
		if err := st.Remove(meta.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Last resolves the most recent execution id via the last symlink,
// falling back to a directory scan.
func (st *Store) Last() (string, error) {
	target, err := os.Readlink(filepath.Join(st.root, session.LastAlias))
	if err == nil {
		return filepath.Base(target), nil
	}
	metas, err := st.List()
	if err != nil {
		return "", err
	}
	if len(metas) == 0 {
		return "", session.ErrNotFound
	}
	return metas[0].ID, nil
}

func (st *Store) resolve(id string) (string, error) {
	if id == "" || id == session.LastAlias {
		return st.Last()
	}
	return id, nil
}

// pointLast atomically repoints the last symlink at the execution.
func (st *Store) pointLast(id string) error {
	link := filepath.Join(st.root, session.LastAlias)
	tmp := link + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(id, tmp); err != nil {
		return fmt.Errorf("create last symlink: %w", err)
	}
	return os.Rename(tmp, link)
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return writeAtomic(path, data)
}

// writeAtomic writes via a temp file in the same directory plus
// rename, so readers never observe a torn file.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
