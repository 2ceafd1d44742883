//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

// Package session defines durable per-execution storage: metadata,
// state snapshots, machine snapshots and turn history.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dygram-ai/dygram-go/engine"
)

// Execution status values persisted in metadata and state files.
const (
	StatusRunning   = "running"
	StatusSuspended = "suspended"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Execution modes.
const (
	ModeAuto        = "auto"
	ModeInteractive = "interactive"
	ModePlayback    = "playback"
)

var (
	// ErrNotFound is returned when no execution matches the id.
	ErrNotFound = errors.New("execution not found")
	// ErrMachineHashMismatch is returned when a resumed state was
	// produced by a different machine than the stored snapshot.
	ErrMachineHashMismatch = errors.New("machine hash mismatch")
)

// Metadata is the small, frequently rewritten execution descriptor.
type Metadata struct {
	ID string `json:"id"`
	// MachineSource is the machine file path, or "stdin".
	MachineSource string    `json:"machineSource"`
	MachineTitle  string    `json:"machineTitle,omitempty"`
	StartTime     time.Time `json:"startTime"`
	LastExecuted  time.Time `json:"lastExecuted"`
	StepCount     int       `json:"stepCount"`
	PathCount     int       `json:"pathCount"`
	TurnCount     int       `json:"turnCount"`
	Status        string    `json:"status"`
	Mode          string    `json:"mode"`
	ModelID       string    `json:"modelId,omitempty"`
	// NextPathSeq is the next path to advance in step-path mode.
	NextPathSeq int `json:"nextPathSeq,omitempty"`
}

// StateFile is the on-disk shape of state.json. The machine hash is
// canonical here, not in metadata.
type StateFile struct {
	Version     string `json:"version"`
	MachineHash string `json:"machineHash"`
	// ExecutionState embeds the serialized state as a JSON object, not
	// an encoded string.
	ExecutionState json.RawMessage `json:"executionState"`
	Status         string          `json:"status"`
	LastUpdated    string          `json:"lastUpdated"`
}

// TurnRecord is one line of history.jsonl.
type TurnRecord struct {
	Turn      int       `json:"turn"`
	Timestamp time.Time `json:"timestamp"`
	Node      string    `json:"node"`
	Tools     []string  `json:"tools,omitempty"`
	Output    string    `json:"output,omitempty"`
	Status    string    `json:"status"`
}

// Record bundles everything a store persists for one execution.
type Record struct {
	Metadata Metadata
	State    *engine.State
	// SavedHash is the machine hash recorded at save time. Callers
	// verify it against the loaded snapshot (see VerifyHash) unless
	// resuming with force.
	SavedHash string
}

// Store is a durable execution store.
type Store interface {
	// Save persists the record atomically per file.
	Save(rec *Record) error
	// Load reconstructs an execution. The id "last" resolves to the
	// most recent one.
	Load(id string) (*Record, error)
	// AppendTurn appends one turn record to the execution's history.
	AppendTurn(id string, t TurnRecord) error
	// History returns the execution's turn records in append order.
	History(id string) ([]TurnRecord, error)
	// List returns the metadata of all executions, newest first.
	List() ([]Metadata, error)
	// Remove deletes an execution.
	Remove(id string) error
	// Clean removes executions last touched before the cutoff and
	// returns how many were removed.
	Clean(olderThan time.Duration) (int, error)
	// Last returns the id of the most recent execution.
	Last() (string, error)
}

// LastAlias is the id alias resolving to the most recent execution.
const LastAlias = "last"

// NewID mints an execution id from the current time.
func NewID() string {
	return "exec-" + time.Now().Format("20060102-150405")
}

// VerifyHash checks a loaded state against the hash it was saved with.
func VerifyHash(rec *Record) error {
	if rec.SavedHash == "" {
		return nil
	}
	if got := rec.State.Machine.Hash(); got != rec.SavedHash {
		return fmt.Errorf("%w: state written for %.12s, snapshot is %.12s", ErrMachineHashMismatch, rec.SavedHash, got)
	}
	return nil
}

// MetadataFor refreshes a metadata record's counters from a state.
func MetadataFor(meta Metadata, s *engine.State, status string) Metadata {
	meta.LastExecuted = time.Now()
	meta.StepCount = s.Metadata.StepCount
	meta.PathCount = len(s.Paths)
	meta.Status = status
	if meta.StartTime.IsZero() {
		meta.StartTime = s.Metadata.StartTime
	}
	meta.MachineTitle = s.Machine.Title
	return meta
}
