//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

// Package codetask executes generated code tasks on a bounded worker
// pool.
package codetask

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/panjf2000/ants/v2"
)

// DefaultPoolSize bounds concurrent code task executions.
const DefaultPoolSize = 4

// Runner executes shell commands for code task effects. Commands run
// on a shared worker pool so fan-out paths cannot exhaust the host.
type Runner struct {
	pool  *ants.Pool
	shell string
}

// Option configures a Runner.
type Option func(*Runner)

// WithShell overrides the shell used to run commands.
func WithShell(shell string) Option {
	return func(r *Runner) { r.shell = shell }
}

// NewRunner builds a runner with a pool of the given size; size <= 0
// uses the default.
func NewRunner(size int, opts ...Option) (*Runner, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("create code task pool: %w", err)
	}
	r := &Runner{pool: pool, shell: "/bin/sh"}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

type result struct {
	output string
	err    error
}

// Run executes a command and returns its trimmed combined output. The
// call blocks until a worker is free and the command finishes, the
// timeout elapses, or the context is cancelled.
func (r *Runner) Run(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("empty command")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	done := make(chan result, 1)
	if err := r.pool.Submit(func() {
		done <- r.execute(ctx, command)
	}); err != nil {
		return "", fmt.Errorf("submit code task: %w", err)
	}
	select {
	case res := <-done:
		return res.output, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Runner) execute(ctx context.Context, command string) result {
	cmd := exec.CommandContext(ctx, r.shell, "-c", command)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return result{
			output: strings.TrimSpace(buf.String()),
			err:    fmt.Errorf("command failed: %w: %s", err, strings.TrimSpace(buf.String())),
		}
	}
	return result{output: strings.TrimSpace(buf.String())}
}

// Close releases the worker pool.
func (r *Runner) Close() {
	r.pool.Release()
}
