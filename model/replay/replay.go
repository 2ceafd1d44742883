//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

// Package replay provides recording and playback model wrappers used
// by the --record and --playback execution modes.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/dygram-ai/dygram-go/model"
)

// recordingFile is the JSONL file holding recorded responses, one
// final response per line, in request order.
const recordingFile = "responses.jsonl"

// Recorder wraps a Model and records every final response to a
// directory for later playback.
type Recorder struct {
	inner model.Model
	path  string

	mu   sync.Mutex
	file *os.File
}

// NewRecorder creates a recorder writing into dir.
func NewRecorder(inner model.Model, dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, recordingFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open recording file: %w", err)
	}
	return &Recorder{inner: inner, path: dir, file: f}, nil
}

// Info returns the wrapped model's information.
func (r *Recorder) Info() model.Info { return r.inner.Info() }

// GenerateContent forwards to the wrapped model and records the final
// response.
func (r *Recorder) GenerateContent(ctx context.Context, request *model.Request) (<-chan *model.Response, error) {
	inner, err := r.inner.GenerateContent(ctx, request)
	if err != nil {
		return nil, err
	}
	out := make(chan *model.Response, 1)
	go func() {
		defer close(out)
		for rsp := range inner {
			if rsp.Done {
				r.record(rsp)
			}
			select {
			case out <- rsp:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *Recorder) record(rsp *model.Response) {
	data, err := json.Marshal(rsp)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.file.Write(append(data, '\n'))
}

// Close flushes and closes the recording file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

// Player replays recorded responses in order, ignoring the request
// contents. It satisfies model.Model.
type Player struct {
	mu        sync.Mutex
	responses []*model.Response
	next      int
	name      string
}

// NewPlayer loads a recording from dir.
func NewPlayer(dir string) (*Player, error) {
	f, err := os.Open(filepath.Join(dir, recordingFile))
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()
	p := &Player{name: "playback"}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rsp model.Response
		if err := json.Unmarshal(line, &rsp); err != nil {
			return nil, fmt.Errorf("malformed recording line: %w", err)
		}
		p.responses = append(p.responses, &rsp)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read recording: %w", err)
	}
	return p, nil
}

// NewScripted builds a player from in-memory responses. Used by tests.
func NewScripted(responses ...*model.Response) *Player {
	return &Player{name: "scripted", responses: responses}
}

// Info returns the playback model information.
func (p *Player) Info() model.Info { return model.Info{Name: p.name} }

// GenerateContent returns the next recorded response.
func (p *Player) GenerateContent(ctx context.Context, request *model.Request) (<-chan *model.Response, error) {
	p.mu.Lock()
	if p.next >= len(p.responses) {
		p.mu.Unlock()
		return nil, fmt.Errorf("playback exhausted after %d responses: %w", len(p.responses), model.ErrTransport)
	}
	rsp := p.responses[p.next]
	p.next++
	p.mu.Unlock()

	// Hand-written recordings often omit tool call ids; the turn loop
	// needs one per call to pair results.
	for i := range rsp.Choices {
		for j := range rsp.Choices[i].Message.ToolCalls {
			if rsp.Choices[i].Message.ToolCalls[j].ID == "" {
				rsp.Choices[i].Message.ToolCalls[j].ID = uuid.NewString()
			}
		}
	}
	out := make(chan *model.Response, 1)
	rsp.Done = true
	out <- rsp
	close(out)
	return out, nil
}
