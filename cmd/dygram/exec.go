//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newExecCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Inspect and manage stored executions",
	}
	cmd.AddCommand(
		newExecListCommand(flags),
		newExecStatusCommand(flags),
		newExecRmCommand(flags),
		newExecCleanCommand(flags),
	)
	return cmd
}

func newExecListCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(flags)
			if err != nil {
				return err
			}
			metas, err := store.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSTEPS\tPATHS\tLAST EXECUTED\tMACHINE")
			for _, meta := range metas {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
					meta.ID, meta.Status, meta.StepCount, meta.PathCount,
					meta.LastExecuted.Format(time.RFC3339), meta.MachineSource)
			}
			return w.Flush()
		},
	}
}

func newExecStatusCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show the detailed status of one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(flags)
			if err != nil {
				return err
			}
			rec, err := store.Load(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			meta := rec.Metadata
			fmt.Fprintf(out, "id:       %s\n", meta.ID)
			fmt.Fprintf(out, "machine:  %s (%s)\n", meta.MachineSource, meta.MachineTitle)
			fmt.Fprintf(out, "status:   %s\n", meta.Status)
			fmt.Fprintf(out, "mode:     %s\n", meta.Mode)
			fmt.Fprintf(out, "steps:    %d\n", meta.StepCount)
			fmt.Fprintf(out, "errors:   %d\n", rec.State.Metadata.ErrorCount)
			fmt.Fprintf(out, "started:  %s\n", meta.StartTime.Format(time.RFC3339))
			fmt.Fprintf(out, "last run: %s\n", meta.LastExecuted.Format(time.RFC3339))
			fmt.Fprintln(out, "paths:")
			for _, p := range rec.State.Paths {
				fmt.Fprintf(out, "  %s\t%s\tat %q\t%d steps\n", p.ID, p.Status, p.CurrentNode, p.StepCount)
			}
			if rec.State.Turn != nil {
				fmt.Fprintf(out, "suspended turn: path %s at %q (turn %d)\n",
					rec.State.Turn.PathID, rec.State.Turn.NodeName, rec.State.Turn.TurnCount)
			}
			history, err := store.History(meta.ID)
			if err != nil {
				return err
			}
			if len(history) > 0 {
				fmt.Fprintf(out, "turns:    %d\n", len(history))
			}
			return nil
		},
	}
}

func newExecRmCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(flags)
			if err != nil {
				return err
			}
			return store.Remove(args[0])
		},
	}
}

func newExecCleanCommand(flags *rootFlags) *cobra.Command {
	var all bool
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove old executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(flags)
			if err != nil {
				return err
			}
			cutoff := olderThan
			if all {
				cutoff = 0
			}
			n, err := store.Clean(cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d execution(s)\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "remove every execution")
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "remove executions last touched before this age")
	return cmd
}
