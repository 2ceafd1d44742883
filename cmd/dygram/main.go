//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

// Command dygram executes graph-driven, agent-augmented workflows.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/dygram-ai/dygram-go/session"
)

// Exit codes.
const (
	exitOK             = 0
	exitError          = 1
	exitResumeConflict = 2
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dygram:", err)
		if errors.Is(err, session.ErrMachineHashMismatch) {
			os.Exit(exitResumeConflict)
		}
		os.Exit(exitError)
	}
	os.Exit(exitOK)
}
