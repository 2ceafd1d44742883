//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dygram-ai/dygram-go/diagram"
	"github.com/dygram-ai/dygram-go/machine"
)

func newGenerateCommand() *cobra.Command {
	var formats []string
	var dest string
	cmd := &cobra.Command{
		Use:   "generate <machine.json>",
		Short: "Render a machine into diagram formats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := machine.LoadFile(args[0])
			if err != nil {
				return err
			}
			base := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			outDir := dest
			if outDir == "" {
				outDir = filepath.Dir(args[0])
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}
			for _, format := range formats {
				gen, err := diagram.ForFormat(format)
				if err != nil {
					return err
				}
				out := filepath.Join(outDir, base+"."+gen.Format())
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("create %s: %w", out, err)
				}
				if err := gen.Generate(f, m); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&formats, "formats", "f", []string{"dot"}, "diagram formats to generate")
	cmd.Flags().StringVarP(&dest, "dest", "d", "", "output directory (default: alongside the machine file)")
	return cmd
}

func newCheckImportsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-imports <machine.json>",
		Short: "Verify that a machine's import closure resolves without cycles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			order, err := machine.CheckImports(args[0])
			if err != nil {
				return err
			}
			for _, file := range order {
				fmt.Fprintln(cmd.OutOrStdout(), file)
			}
			return nil
		},
	}
}

func newBundleCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "bundle <machine.json>",
		Short: "Merge a machine and its imports into one self-contained file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := machine.Bundle(args[0])
			if err != nil {
				return err
			}
			if out == "" {
				_, err = cmd.OutOrStdout().Write(append(data, '\n'))
				return err
			}
			return os.WriteFile(out, data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write the bundle to a file instead of stdout")
	return cmd
}
