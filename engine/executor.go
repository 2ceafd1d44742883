//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dygram-ai/dygram-go/log"
	"github.com/dygram-ai/dygram-go/machine"
	"github.com/dygram-ai/dygram-go/model"
	"github.com/dygram-ai/dygram-go/tool"
)

// CodeRunner executes generated code tasks.
type CodeRunner interface {
	Run(ctx context.Context, command string, timeout time.Duration) (string, error)
}

// LogHandler receives log effects. The executor never writes to a
// global logger directly for effect output.
type LogHandler func(level, pathID, node, msg string)

// CheckpointHandler persists a state snapshot.
type CheckpointHandler func(s *State, description string) error

// TurnHook observes each completed agent turn: the node, the turn
// number within the conversation, the tools the model called, and the
// text produced so far.
type TurnHook func(node string, turn int, tools []string, output string)

// defaultMaxTurns bounds a single agent conversation.
const defaultMaxTurns = 16

// Executor is the imperative shell around the pure runtime: it
// performs effects, drives multi-turn agent conversations, and folds
// the results back into the state.
type Executor struct {
	model      model.Model
	code       CodeRunner
	onLog      LogHandler
	checkpoint CheckpointHandler
	onTurn     TurnHook
	breaker    *CircuitBreaker
	tracer     trace.Tracer
	hostTools  map[string]tool.CallableTool
	maxTurns   int
	stepTurn   bool
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithModel sets the language model used for InvokeLLM effects.
func WithModel(m model.Model) ExecutorOption {
	return func(e *Executor) { e.model = m }
}

// WithCodeRunner sets the code task runner.
func WithCodeRunner(r CodeRunner) ExecutorOption {
	return func(e *Executor) { e.code = r }
}

// WithLogHandler sets the handler receiving log effects.
func WithLogHandler(h LogHandler) ExecutorOption {
	return func(e *Executor) { e.onLog = h }
}

// WithCheckpointHandler sets the handler persisting checkpoints.
func WithCheckpointHandler(h CheckpointHandler) ExecutorOption {
	return func(e *Executor) { e.checkpoint = h }
}

// WithTurnHook sets the observer of completed agent turns.
func WithTurnHook(h TurnHook) ExecutorOption {
	return func(e *Executor) { e.onTurn = h }
}

// WithTools offers host-provided callable tools to every agent
// conversation, alongside the tools synthesized from the machine.
// A host tool shadowed by a synthesized tool name is ignored.
func WithTools(tools ...tool.CallableTool) ExecutorOption {
	return func(e *Executor) {
		if e.hostTools == nil {
			e.hostTools = make(map[string]tool.CallableTool, len(tools))
		}
		for _, t := range tools {
			e.hostTools[t.Declaration().Name] = t
		}
	}
}

// WithStepTurn suspends agent conversations after a single turn,
// persisting the turn state for a later resume.
func WithStepTurn(enabled bool) ExecutorOption {
	return func(e *Executor) { e.stepTurn = enabled }
}

// WithMaxTurns bounds the turns of one agent conversation.
func WithMaxTurns(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxTurns = n
		}
	}
}

// NewExecutor builds an effect executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		onLog: func(level, pathID, node, msg string) {
			switch level {
			case "debug":
				log.Debugf("[%s@%s] %s", pathID, node, msg)
			case "warn":
				log.Warnf("[%s@%s] %s", pathID, node, msg)
			case "error":
				log.Errorf("[%s@%s] %s", pathID, node, msg)
			default:
				log.Infof("[%s@%s] %s", pathID, node, msg)
			}
		},
		checkpoint: func(*State, string) error { return nil },
		breaker:    NewCircuitBreaker(3, 30*time.Second),
		tracer:     otel.Tracer("dygram.engine"),
		maxTurns:   defaultMaxTurns,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteEffects performs a step's effects serially and returns the
// state with all agent and code task results folded in.
func (e *Executor) ExecuteEffects(ctx context.Context, s *State, effects []Effect) (*State, error) {
	for _, eff := range effects {
		var err error
		switch eff.Type {
		case EffectLog:
			e.onLog(eff.Level, eff.PathID, eff.NodeName, eff.Message)
		case EffectCheckpoint:
			err = e.checkpoint(s, eff.NodeName)
		case EffectComplete:
			err = e.checkpoint(s, "complete")
		case EffectError:
			s, err = e.handleError(ctx, s, eff)
		case EffectCodeTask:
			s, err = e.runCodeTask(ctx, s, eff)
		case EffectInvokeLLM:
			s, err = e.runAgent(ctx, s, eff)
		default:
			err = fmt.Errorf("unknown effect type %q", eff.Type)
		}
		if err != nil {
			return s, err
		}
	}
	return s, nil
}

// Run drives the step loop to completion (or suspension), executing
// effects after every step. It returns the final state and status.
func (e *Executor) Run(ctx context.Context, s *State) (*State, StepStatus, error) {
	for {
		if err := ctx.Err(); err != nil {
			return s, StepError, err
		}
		if s.Turn != nil && s.Turn.IsWaitingForTurn {
			next, err := e.runAgent(ctx, s, effectFromTurn(s.Turn))
			if err != nil {
				return next, StepError, err
			}
			s = next
			if s.Turn != nil && s.Turn.IsWaitingForTurn {
				return s, StepWaiting, nil
			}
			continue
		}
		before := s.Metadata.StepCount
		res := Step(s)
		next, err := e.ExecuteEffects(ctx, res.State, res.Effects)
		if err != nil {
			return next, StepError, err
		}
		s = next
		switch res.Status {
		case StepComplete, StepError:
			return s, res.Status, nil
		case StepWaiting:
			// A suspended turn is handed back to the caller. A step
			// that made no progress and resolved nothing (e.g. every
			// path waits at a barrier that cannot release) is handed
			// back too; everything else continues in the next step.
			if s.Turn != nil && s.Turn.IsWaitingForTurn {
				return s, StepWaiting, nil
			}
			if s.Metadata.StepCount == before && len(res.Effects) == 0 {
				return s, StepWaiting, nil
			}
		}
	}
}

// effectFromTurn reconstructs the InvokeLLM effect of a suspended
// conversation so it can resume across process restarts.
func effectFromTurn(t *TurnState) Effect {
	return Effect{
		Type:         EffectInvokeLLM,
		PathID:       t.PathID,
		NodeName:     t.NodeName,
		SystemPrompt: t.SystemPrompt,
		ModelID:      t.ModelID,
		Tools:        t.Conversation.Tools,
	}
}

// handleError applies the machine's error-handling policy.
func (e *Executor) handleError(ctx context.Context, s *State, eff Effect) (*State, error) {
	e.onLog("error", eff.PathID, eff.NodeName, eff.Message)
	switch s.Machine.ErrorHandlingFor() {
	case machine.ErrorHandlingFailFast:
		out := s.Clone()
		for _, p := range out.Paths {
			if p.Status == PathActive || p.Status == PathWaiting {
				p.Status = PathCancelled
			}
		}
		return out, nil
	case machine.ErrorHandlingCompensate:
		return e.compensate(ctx, s, eff.PathID)
	default:
		return s, nil
	}
}

// compensate runs the "compensate" commands of the failed path's
// visited nodes in reverse visit order.
func (e *Executor) compensate(ctx context.Context, s *State, pathID string) (*State, error) {
	p := s.PathByID(pathID)
	if p == nil || e.code == nil {
		return s, nil
	}
	visited := []string{p.CurrentNode}
	for i := len(p.History) - 1; i >= 0; i-- {
		visited = append(visited, p.History[i].From)
	}
	for _, name := range visited {
		n := s.Machine.NodeByName(name)
		if n == nil {
			continue
		}
		cmd := n.AttributeString("compensate")
		if cmd == "" {
			continue
		}
		if _, err := e.code.Run(ctx, cmd, machine.TimeoutFor(n)); err != nil {
			e.onLog("warn", pathID, name, fmt.Sprintf("compensation failed: %v", err))
		}
	}
	return s, nil
}

// runCodeTask executes a CodeTask effect with retry per the node's
// @retry, falling back to the language model when the command fails.
func (e *Executor) runCodeTask(ctx context.Context, s *State, eff Effect) (*State, error) {
	ctx, span := e.tracer.Start(ctx, "dygram.code_task",
		trace.WithAttributes(
			attribute.String("dygram.path", eff.PathID),
			attribute.String("dygram.node", eff.NodeName),
		))
	defer span.End()

	if err := e.breaker.Allow(eff.NodeName); err != nil {
		s = RecordError(s, err.Error())
		return SetPathStatus(s, eff.PathID, PathFailed), nil
	}
	var output string
	run := func(ctx context.Context) error {
		if e.code == nil {
			return fmt.Errorf("no code runner configured")
		}
		var err error
		output, err = e.code.Run(ctx, eff.Command, eff.Timeout)
		return err
	}
	err := retryWithBackoff(ctx, retryFor(s.Machine, eff.NodeName), run)
	if err != nil && e.model != nil {
		e.onLog("warn", eff.PathID, eff.NodeName,
			fmt.Sprintf("code task failed (%v), falling back to model", err))
		output, err = e.codeFallback(ctx, eff, err)
	}
	if err != nil {
		e.breaker.RecordFailure(eff.NodeName)
		s = RecordError(s, fmt.Sprintf("code task at %q failed: %v", eff.NodeName, err))
		return SetPathStatus(s, eff.PathID, PathFailed), nil
	}
	e.breaker.RecordSuccess(eff.NodeName)
	return ApplyCodeResult(s, eff.PathID, eff.NodeName, output), nil
}

// codeFallback asks the model to produce the task's result directly.
func (e *Executor) codeFallback(ctx context.Context, eff Effect, cause error) (string, error) {
	req := &model.Request{
		Messages: []model.Message{
			model.NewSystemMessage("You recover failed automation steps. Produce only the result the command was expected to output."),
			model.NewUserMessage(fmt.Sprintf("The command %q failed with: %v. Produce its intended output.", eff.Command, cause)),
		},
	}
	rsp, err := e.finalResponse(ctx, req)
	if err != nil {
		return "", err
	}
	if len(rsp.Choices) == 0 {
		return "", fmt.Errorf("model returned no choices")
	}
	return rsp.Choices[0].Message.Content, nil
}

// runAgent resolves an InvokeLLM effect through the turn executor.
func (e *Executor) runAgent(ctx context.Context, s *State, eff Effect) (*State, error) {
	if e.model == nil {
		return s, fmt.Errorf("agent required at node %q but no model configured", eff.NodeName)
	}
	if err := e.breaker.Allow(eff.NodeName); err != nil {
		s = RecordError(s, err.Error())
		return SetPathStatus(s, eff.PathID, PathFailed), nil
	}
	out, res, err := e.runTurnLoop(ctx, s, eff)
	if err != nil {
		e.breaker.RecordFailure(eff.NodeName)
		out = RecordError(out, fmt.Sprintf("agent at %q failed: %v", eff.NodeName, err))
		return SetPathStatus(out, eff.PathID, PathFailed), nil
	}
	if res == nil {
		// Turn suspended; state already carries the TurnState.
		return out, nil
	}
	e.breaker.RecordSuccess(eff.NodeName)
	return ApplyAgentResult(out, res)
}

// runTurnLoop runs the multi-turn conversation for one InvokeLLM
// effect. A nil AgentResult with nil error means the turn suspended.
func (e *Executor) runTurnLoop(ctx context.Context, s *State, eff Effect) (*State, *AgentResult, error) {
	ctx, span := e.tracer.Start(ctx, "dygram.agent",
		trace.WithAttributes(
			attribute.String("dygram.path", eff.PathID),
			attribute.String("dygram.node", eff.NodeName),
		))
	defer span.End()

	turn := s.Turn
	if turn == nil || turn.PathID != eff.PathID || turn.NodeName != eff.NodeName {
		turn = &TurnState{
			PathID:       eff.PathID,
			NodeName:     eff.NodeName,
			SystemPrompt: eff.SystemPrompt,
			ModelID:      eff.ModelID,
			Conversation: ConversationState{
				Messages: []model.Message{
					model.NewSystemMessage(eff.SystemPrompt),
					model.NewUserMessage(eff.Prompt),
				},
				Tools: eff.Tools,
			},
		}
	} else {
		turn = turn.Clone()
		turn.IsWaitingForTurn = false
	}

	for turn.TurnCount < e.maxTurns {
		// Dynamic tools registered in a previous turn become visible
		// here, on the following turn.
		if n := s.Machine.NodeByName(eff.NodeName); n != nil {
			turn.Conversation.Tools = SynthesizeTools(s, n)
		}
		for name, t := range e.hostTools {
			if !hasDeclaration(turn.Conversation.Tools, name) {
				turn.Conversation.Tools = append(turn.Conversation.Tools, *t.Declaration())
			}
		}
		req := &model.Request{
			Messages: turn.Conversation.Messages,
			Tools:    declarationSet(turn.Conversation.Tools),
		}
		var rsp *model.Response
		err := retryWithBackoff(ctx, retryFor(s.Machine, eff.NodeName), func(ctx context.Context) error {
			var rerr error
			rsp, rerr = e.finalResponse(ctx, req)
			return rerr
		})
		if err != nil {
			return s, nil, err
		}
		if rsp.Error != nil {
			return s, nil, fmt.Errorf("model error: %s", rsp.Error.Message)
		}
		if len(rsp.Choices) == 0 {
			return s, nil, fmt.Errorf("model returned no choices")
		}
		msg := rsp.Choices[0].Message
		turn.Conversation.Messages = append(turn.Conversation.Messages, msg)
		if msg.Content != "" {
			turn.Conversation.AccumulatedText += msg.Content
		}
		turn.TurnCount++
		if e.onTurn != nil {
			names := make([]string, 0, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				names = append(names, call.Function.Name)
			}
			e.onTurn(eff.NodeName, turn.TurnCount, names, turn.Conversation.AccumulatedText)
		}

		if len(msg.ToolCalls) == 0 {
			return s, &AgentResult{
				PathID:         eff.PathID,
				Output:         turn.Conversation.AccumulatedText,
				ToolExecutions: turn.Conversation.ToolExecutions,
			}, nil
		}

		var transition string
		var transitionOutput any
		for _, call := range msg.ToolCalls {
			var target string
			var targetOutput any
			s, target, targetOutput = e.dispatchCall(ctx, s, turn, eff, call)
			if target != "" {
				transition = target
				transitionOutput = targetOutput
			}
		}
		if transition != "" {
			return s, &AgentResult{
				PathID:           eff.PathID,
				Output:           turn.Conversation.AccumulatedText,
				NextNode:         transition,
				TransitionOutput: transitionOutput,
				ToolExecutions:   turn.Conversation.ToolExecutions,
			}, nil
		}
		if e.stepTurn {
			turn.IsWaitingForTurn = true
			return SetTurn(s, turn), nil, nil
		}
	}
	return s, nil, fmt.Errorf("conversation at %q exceeded %d turns", eff.NodeName, e.maxTurns)
}

// dispatchCall performs one tool call and appends the tool result to
// the conversation. It returns the successor state and, when a
// transition tool fired, the transition target and its output
// argument.
func (e *Executor) dispatchCall(ctx context.Context, s *State, turn *TurnState, eff Effect, call model.ToolCall) (*State, string, any) {
	_, span := e.tracer.Start(ctx, "dygram.tool",
		trace.WithAttributes(attribute.String("dygram.tool", call.Function.Name)))
	defer span.End()

	var res *DispatchResult
	var err error
	if host, ok := e.hostTools[call.Function.Name]; ok {
		var out any
		out, err = host.Call(ctx, call.Function.Arguments)
		res = &DispatchResult{State: s, Output: out}
	} else {
		res, err = DispatchTool(s, eff.PathID, eff.NodeName, call.Function.Name, call.Function.Arguments)
	}
	exec := ToolExecution{
		Tool:      call.Function.Name,
		Input:     append(json.RawMessage(nil), call.Function.Arguments...),
		Timestamp: time.Now(),
	}
	var resultContent string
	var transition string
	var transitionOutput any
	if err != nil {
		exec.IsError = true
		exec.Output = err.Error()
		resultContent = err.Error()
	} else {
		s = res.State
		transition = res.Transition
		transitionOutput = res.TransitionOutput
		exec.Output = res.Output
		if data, merr := json.Marshal(res.Output); merr == nil {
			resultContent = string(data)
		} else {
			resultContent = fmt.Sprintf("%v", res.Output)
		}
		if res.MachineChanged {
			if cerr := e.checkpoint(s, "machine updated"); cerr != nil {
				e.onLog("warn", eff.PathID, eff.NodeName,
					fmt.Sprintf("snapshot save after machine update failed: %v", cerr))
			}
		}
	}
	turn.Conversation.ToolExecutions = append(turn.Conversation.ToolExecutions, exec)
	resultMsg := model.NewToolMessage(call.ID, call.Function.Name, resultContent)
	resultMsg.IsError = exec.IsError
	turn.Conversation.Messages = append(turn.Conversation.Messages, resultMsg)
	return s, transition, transitionOutput
}

// finalResponse drains a generation stream down to its final response.
func (e *Executor) finalResponse(ctx context.Context, req *model.Request) (*model.Response, error) {
	ch, err := e.model.GenerateContent(ctx, req)
	if err != nil {
		return nil, err
	}
	var final *model.Response
	for rsp := range ch {
		if rsp.Done || final == nil {
			final = rsp
		}
	}
	if final == nil {
		return nil, fmt.Errorf("model closed the stream without a response: %w", model.ErrTransport)
	}
	return final, nil
}

// hasDeclaration reports whether decls already carries name.
func hasDeclaration(decls []tool.Declaration, name string) bool {
	for i := range decls {
		if decls[i].Name == name {
			return true
		}
	}
	return false
}

// declarationSet adapts tool declarations to the request's tool map.
func declarationSet(decls []tool.Declaration) map[string]tool.Tool {
	out := make(map[string]tool.Tool, len(decls))
	for i := range decls {
		out[decls[i].Name] = declaredTool{d: decls[i]}
	}
	return out
}

// declaredTool exposes a bare declaration as a tool.Tool. Dispatch is
// handled by the executor, not by the tool itself.
type declaredTool struct {
	d tool.Declaration
}

func (t declaredTool) Declaration() *tool.Declaration { return &t.d }

// retryFor looks up a node's retry policy, defaulting to a single
// attempt.
func retryFor(m *machine.Machine, node string) machine.RetryConfig {
	if n := m.NodeByName(node); n != nil {
		if cfg := machine.RetryFor(n); cfg != nil {
			return *cfg
		}
	}
	return machine.RetryConfig{Attempts: 1}
}

// retryWithBackoff runs fn up to cfg.Attempts times with exponential
// (or fixed) backoff between attempts.
func retryWithBackoff(ctx context.Context, cfg machine.RetryConfig, fn func(context.Context) error) error {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	backoff := cfg.Initial
	var err error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == cfg.Attempts {
			break
		}
		if backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if !cfg.Fixed {
				backoff *= 2
				if cfg.Cap > 0 && backoff > cfg.Cap {
					backoff = cfg.Cap
				}
			}
		}
	}
	return err
}
