//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dygram-ai/dygram-go/codetask"
	"github.com/dygram-ai/dygram-go/engine"
	"github.com/dygram-ai/dygram-go/machine"
	"github.com/dygram-ai/dygram-go/model"
	"github.com/dygram-ai/dygram-go/model/anthropic"
	"github.com/dygram-ai/dygram-go/model/openai"
	"github.com/dygram-ai/dygram-go/model/replay"
	"github.com/dygram-ai/dygram-go/session"
	"github.com/dygram-ai/dygram-go/session/filestore"
)

// defaultModelID is used when neither -m nor ANTHROPIC_MODEL_ID is
// set.
const defaultModelID = "claude-sonnet-4-5"

type executeFlags struct {
	interactive bool
	id          string
	force       bool
	playback    string
	record      string
	modelID     string
	step        bool
	stepTurn    bool
	stepPath    bool
}

func newExecuteCommand(root *rootFlags) *cobra.Command {
	flags := &executeFlags{}
	cmd := &cobra.Command{
		Use:   "execute [machine.json]",
		Short: "Execute a machine, or resume a stored execution",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecute(cmd, root, flags, args)
		},
	}
	cmd.Flags().BoolVarP(&flags.interactive, "interactive", "i", false, "print agent requests instead of calling a model")
	cmd.Flags().StringVar(&flags.id, "id", "", "resume the execution with this id (\"last\" for the most recent)")
	cmd.Flags().BoolVar(&flags.force, "force", false, "resume even if the machine hash changed")
	cmd.Flags().StringVar(&flags.playback, "playback", "", "replay recorded model responses from this directory")
	cmd.Flags().StringVar(&flags.record, "record", "", "record model responses into this directory")
	cmd.Flags().StringVarP(&flags.modelID, "model", "m", "", "model id (default $ANTHROPIC_MODEL_ID)")
	cmd.Flags().BoolVar(&flags.step, "step", false, "advance every active path by one transition, then stop")
	cmd.Flags().BoolVar(&flags.stepTurn, "step-turn", false, "run at most one agent turn, then stop")
	cmd.Flags().BoolVar(&flags.stepPath, "step-path", false, "advance one path round-robin, then stop")
	return cmd
}

func runExecute(cmd *cobra.Command, root *rootFlags, flags *executeFlags, args []string) error {
	store, err := openStore(root)
	if err != nil {
		return err
	}
	rec, err := loadOrCreate(store, flags, args)
	if err != nil {
		return err
	}

	if flags.interactive {
		rec.Metadata.Mode = session.ModeInteractive
		return runInteractive(cmd, store, rec)
	}

	mdl, closer, err := buildModel(flags)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer()
	}
	runner, err := codetask.NewRunner(codetask.DefaultPoolSize)
	if err != nil {
		return err
	}
	defer runner.Close()

	exec := engine.NewExecutor(
		engine.WithModel(mdl),
		engine.WithCodeRunner(runner),
		engine.WithStepTurn(flags.stepTurn),
		engine.WithCheckpointHandler(func(s *engine.State, description string) error {
			r := *rec
			r.State = s
			r.Metadata = session.MetadataFor(r.Metadata, s, session.StatusRunning)
			return store.Save(&r)
		}),
		engine.WithTurnHook(func(node string, turn int, tools []string, output string) {
			rec.Metadata.TurnCount++
			if err := store.AppendTurn(rec.Metadata.ID, session.TurnRecord{
				Turn:      rec.Metadata.TurnCount,
				Timestamp: time.Now(),
				Node:      node,
				Tools:     tools,
				Output:    output,
				Status:    session.StatusRunning,
			}); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "record turn: %v\n", err)
			}
		}),
	)

	ctx := cmd.Context()
	var status engine.StepStatus
	switch {
	case flags.step:
		res := engine.Step(rec.State)
		rec.State, err = exec.ExecuteEffects(ctx, res.State, res.Effects)
		status = res.Status
	case flags.stepPath:
		var res engine.StepResult
		res, rec.Metadata.NextPathSeq = stepNextPath(rec.State, rec.Metadata.NextPathSeq)
		rec.State, err = exec.ExecuteEffects(ctx, res.State, res.Effects)
		status = res.Status
	default:
		rec.State, status, err = exec.Run(ctx, rec.State)
	}
	if err != nil {
		saveFinal(store, rec, session.StatusFailed)
		return err
	}

	finalStatus := statusFor(status, rec.State)
	if err := saveFinal(store, rec, finalStatus); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%d steps, %d paths)\n",
		rec.Metadata.ID, finalStatus, rec.State.Metadata.StepCount, len(rec.State.Paths))
	if finalStatus == session.StatusCompleted || finalStatus == session.StatusFailed {
		if path, werr := writeResultFile(store, rec, finalStatus); werr != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "write result file: %v\n", werr)
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), path)
		}
	}
	return nil
}

// loadOrCreate resumes a stored execution or starts a fresh one from
// a machine file (or stdin).
func loadOrCreate(store session.Store, flags *executeFlags, args []string) (*session.Record, error) {
	if flags.id != "" {
		rec, err := store.Load(flags.id)
		if err != nil {
			return nil, err
		}
		if !flags.force {
			if err := session.VerifyHash(rec); err != nil {
				return nil, fmt.Errorf("%w (rerun with --force to resume anyway)", err)
			}
		}
		// A machine file given alongside --id must match the snapshot
		// the state was saved with; --force adopts the new definition.
		if len(args) == 1 && args[0] != "-" {
			m, err := machine.LoadFile(args[0])
			if err != nil {
				return nil, err
			}
			if m.Hash() != rec.SavedHash {
				if !flags.force {
					return nil, fmt.Errorf("%w: %s changed since the state was saved (rerun with --force to resume anyway)",
						session.ErrMachineHashMismatch, args[0])
				}
				rec.State = engine.UpdateMachineSnapshot(rec.State, m)
			}
		}
		return rec, nil
	}

	source := "stdin"
	var m *machine.Machine
	var err error
	if len(args) == 1 && args[0] != "-" {
		source = args[0]
		m, err = machine.LoadFile(args[0])
	} else {
		var data []byte
		data, err = io.ReadAll(os.Stdin)
		if err == nil {
			m, err = machine.Parse(data)
		}
	}
	if err != nil {
		return nil, err
	}
	state, err := engine.CreateInitialState(m, engine.DefaultLimits())
	if err != nil {
		return nil, err
	}
	mode := session.ModeAuto
	if flags.playback != "" {
		mode = session.ModePlayback
	}
	return &session.Record{
		Metadata: session.Metadata{
			ID:            session.NewID(),
			MachineSource: source,
			MachineTitle:  m.Title,
			StartTime:     time.Now(),
			Status:        session.StatusRunning,
			Mode:          mode,
			ModelID:       flags.modelID,
		},
		State: state,
	}, nil
}

// buildModel selects the model implementation: playback, a provider
// picked from the model id, optionally wrapped by a recorder.
func buildModel(flags *executeFlags) (model.Model, func(), error) {
	if flags.playback != "" {
		p, err := replay.NewPlayer(flags.playback)
		return p, nil, err
	}
	modelID := flags.modelID
	if modelID == "" {
		modelID = viper.GetString("anthropic.model_id")
	}
	if modelID == "" {
		modelID = defaultModelID
	}
	var mdl model.Model
	if strings.HasPrefix(modelID, "gpt") || strings.HasPrefix(modelID, "o1") || strings.HasPrefix(modelID, "o3") {
		var opts []openai.Option
		if key := viper.GetString("openai.api_key"); key != "" {
			opts = append(opts, openai.WithAPIKey(key))
		}
		if base := viper.GetString("openai.base_url"); base != "" {
			opts = append(opts, openai.WithBaseURL(base))
		}
		mdl = openai.New(modelID, opts...)
	} else {
		var opts []anthropic.Option
		if key := viper.GetString("anthropic.api_key"); key != "" {
			opts = append(opts, anthropic.WithAPIKey(key))
		}
		mdl = anthropic.New(modelID, opts...)
	}
	if flags.record != "" {
		rec, err := replay.NewRecorder(mdl, flags.record)
		if err != nil {
			return nil, nil, err
		}
		return rec, func() { rec.Close() }, nil
	}
	return mdl, nil, nil
}

// runInteractive steps the machine until an agent is needed, then
// prints the pending request with a resume hint and exits, leaving
// the suspended execution saved.
func runInteractive(cmd *cobra.Command, store session.Store, rec *session.Record) error {
	out := cmd.OutOrStdout()
	for {
		before := rec.State.Metadata.StepCount
		res := engine.Step(rec.State)
		rec.State = res.State
		for _, eff := range res.Effects {
			if eff.Type != engine.EffectInvokeLLM {
				continue
			}
			fmt.Fprintf(out, "agent needed for %s at node %q\n\n", eff.PathID, eff.NodeName)
			fmt.Fprintf(out, "system prompt:\n%s\n", indent(eff.SystemPrompt))
			fmt.Fprintf(out, "prompt:\n%s\n\ntools:\n", indent(eff.Prompt))
			for _, d := range eff.Tools {
				fmt.Fprintf(out, "  - %s: %s\n", d.Name, d.Description)
			}
			if len(eff.Tools) > 0 {
				fmt.Fprintf(out, "\nexample response:\n  {\"tool\": %q, \"arguments\": {}}\n", eff.Tools[0].Name)
			}
			fmt.Fprintf(out, "\nresume with: dygram execute --id %s\n", rec.Metadata.ID)
			return saveFinal(store, rec, session.StatusSuspended)
		}
		switch res.Status {
		case engine.StepComplete:
			return saveFinal(store, rec, session.StatusCompleted)
		case engine.StepError:
			if err := saveFinal(store, rec, session.StatusFailed); err != nil {
				return err
			}
			return fmt.Errorf("execution failed after %d steps", rec.State.Metadata.StepCount)
		case engine.StepWaiting:
			if rec.State.Metadata.StepCount == before {
				// Nothing can advance without external input.
				return saveFinal(store, rec, session.StatusSuspended)
			}
		}
	}
}

// stepNextPath advances the first active path whose sequence number is
// >= next, wrapping around, and returns the follow-up cursor.
func stepNextPath(s *engine.State, next int) (engine.StepResult, int) {
	active := s.ActivePaths()
	if len(active) == 0 {
		return engine.Step(s), next
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Seq < active[j].Seq })
	chosen := active[0]
	for _, p := range active {
		if p.Seq >= next {
			chosen = p
			break
		}
	}
	return engine.StepPath(s, chosen.ID), chosen.Seq + 1
}

func statusFor(status engine.StepStatus, s *engine.State) string {
	switch status {
	case engine.StepComplete:
		return session.StatusCompleted
	case engine.StepError:
		return session.StatusFailed
	case engine.StepWaiting:
		return session.StatusSuspended
	default:
		if s.Terminal() {
			return session.StatusCompleted
		}
		return session.StatusRunning
	}
}

func saveFinal(store session.Store, rec *session.Record, status string) error {
	rec.Metadata = session.MetadataFor(rec.Metadata, rec.State, status)
	return store.Save(rec)
}

// writeResultFile writes <name>-result.json alongside the session
// artifacts (or the working directory for non-file stores).
func writeResultFile(store session.Store, rec *session.Record, status string) (string, error) {
	name := "stdin"
	if rec.Metadata.MachineSource != "stdin" {
		base := filepath.Base(rec.Metadata.MachineSource)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	dir := "."
	if fs, ok := store.(*filestore.Store); ok {
		dir = fs.Dir(rec.Metadata.ID)
	}
	paths := make([]map[string]any, 0, len(rec.State.Paths))
	for _, p := range rec.State.Paths {
		paths = append(paths, map[string]any{
			"id":          p.ID,
			"currentNode": p.CurrentNode,
			"status":      p.Status,
			"stepCount":   p.StepCount,
		})
	}
	result := map[string]any{
		"id":        rec.Metadata.ID,
		"machine":   rec.Metadata.MachineSource,
		"status":    status,
		"stepCount": rec.State.Metadata.StepCount,
		"paths":     paths,
		"context":   rec.State.Context,
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name+"-result.json")
	return path, os.WriteFile(path, data, 0o644)
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := range lines {
		lines[i] = "  " + lines[i]
	}
	return strings.Join(lines, "\n")
}
