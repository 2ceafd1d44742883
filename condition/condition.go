//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

// Package condition evaluates edge conditions and templates over a
// built environment. Expressions are CEL with a small surface
// normalization: ===/!== fold to ==/!=, and {{Node.field}} template
// variables rewrite to dotted access.
package condition

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	celgo "github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/dygram-ai/dygram-go/log"
)

var templateVar = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*)\s*\}\}`)

// Eval evaluates an edge condition against the environment. An empty
// expression is vacuously true. Evaluation errors log and fail
// closed: the condition is treated as false.
func Eval(expr string, env map[string]any) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}
	out, err := EvalValue(expr, env)
	if err != nil {
		log.Warnf("condition %q failed, treating as false: %v", expr, err)
		return false
	}
	b, ok := out.(bool)
	if !ok {
		log.Warnf("condition %q evaluated to %T, treating as false", expr, out)
		return false
	}
	return b
}

// EvalValue evaluates an expression and returns the resulting Go
// value. Supports dotted attribute access, equality, comparison,
// boolean connectives, and membership.
func EvalValue(expr string, env map[string]any) (any, error) {
	expr = Normalize(expr)
	if expr == "" {
		return nil, fmt.Errorf("condition: expression is empty")
	}
	celEnv, err := envFor(env)
	if err != nil {
		return nil, fmt.Errorf("condition env: %w", err)
	}
	ast, issues := celEnv.Parse(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("condition parse error: %w", issues.Err())
	}
	ast, issues = celEnv.Check(ast)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("condition type-check error: %w", issues.Err())
	}
	prg, err := celEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("condition program build error: %w", err)
	}
	activation := make(map[string]any, len(env))
	for k, v := range env {
		activation[k] = v
	}
	out, _, err := prg.Eval(activation)
	if err != nil {
		return nil, fmt.Errorf("condition eval error: %w", err)
	}
	return normalizeValue(out), nil
}

// ResolveTemplate substitutes {{Node.field}} variables in a template
// with their evaluated values. Unresolvable variables are left as-is.
func ResolveTemplate(tmpl string, env map[string]any) string {
	return templateVar.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := templateVar.FindStringSubmatch(match)[1]
		out, err := EvalValue(path, env)
		if err != nil {
			log.Debugf("template variable %q unresolved: %v", path, err)
			return match
		}
		return fmt.Sprintf("%v", out)
	})
}

// Normalize rewrites surface syntax into CEL: strict equality folds
// to ==/!=, and template variables rewrite to dotted access.
func Normalize(expr string) string {
	expr = strings.TrimSpace(expr)
	expr = strings.TrimSpace(strings.TrimPrefix(expr, "when "))
	expr = templateVar.ReplaceAllString(expr, "$1")
	expr = strings.ReplaceAll(expr, "===", "==")
	expr = strings.ReplaceAll(expr, "!==", "!=")
	return expr
}

// IsSimple classifies deterministic, side-effect-free expressions:
// dotted access, literals, comparisons, boolean connectives and
// membership, with no function calls. Simple conditions auto-take
// their edge when true.
func IsSimple(expr string) bool {
	expr = Normalize(expr)
	if expr == "" {
		return true
	}
	// Function calls are the only source of non-determinism in the
	// condition surface.
	if strings.Contains(expr, "(") {
		return false
	}
	celEnv, err := envFor(nil)
	if err != nil {
		return false
	}
	_, issues := celEnv.Parse(expr)
	return issues == nil || issues.Err() == nil
}

// envFor builds a CEL environment declaring every binding as a
// dynamic variable so dotted access resolves naturally.
func envFor(env map[string]any) (*celgo.Env, error) {
	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	sort.Strings(names)
	opts := make([]celgo.EnvOption, 0, len(names))
	for _, name := range names {
		opts = append(opts, celgo.Variable(name, celgo.DynType))
	}
	return celgo.NewEnv(opts...)
}

// normalizeValue converts CEL evaluation results into JSON-friendly
// Go values.
func normalizeValue(val ref.Val) any {
	switch v := val.(type) {
	case types.Bool:
		return bool(v)
	case types.Int:
		return int64(v)
	case types.Uint:
		return uint64(v)
	case types.Double:
		return float64(v)
	case types.String:
		return string(v)
	case types.Null:
		return nil
	}
	if lister, ok := val.(traits.Lister); ok {
		var out []any
		it := lister.Iterator()
		for it.HasNext() == types.True {
			out = append(out, normalizeValue(it.Next()))
		}
		return out
	}
	if mapper, ok := val.(traits.Mapper); ok {
		out := make(map[string]any)
		it := mapper.Iterator()
		for it.HasNext() == types.True {
			k := it.Next()
			v, _ := mapper.Find(k)
			out[fmt.Sprintf("%v", k.Value())] = normalizeValue(v)
		}
		return out
	}
	return val.Value()
}
