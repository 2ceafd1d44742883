//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package machine

import (
	"strconv"
	"strings"
	"time"

	"github.com/dygram-ai/dygram-go/log"
)

// Known annotation names, including aliases. Unknown annotations are
// logged and ignored, never fatal.
var knownAnnotations = map[string]bool{
	"auto": true, "start": true,
	"async": true, "spawn": true, "parallel": true,
	"barrier": true, "join": true, "merge": true,
	"map": true, "foreach": true,
	"meta": true, "strict": true, "tool": true,
	"retry": true, "timeout": true, "checkpoint": true, "priority": true,
	"errorHandling": true,
}

// BarrierConfig is the typed form of @barrier and its aliases.
// @join and @merge share the barrier logic with merge defaulting true.
type BarrierConfig struct {
	// Name identifies the rendezvous. Defaults to the edge target.
	Name string
	// Merge marks all but one releasing path completed on release.
	Merge bool
	// Group restricts the required set to paths of a map fan-out group.
	Group string
}

// AsyncConfig is the typed form of @async / @spawn.
type AsyncConfig struct {
	// Label optionally names the spawned flow.
	Label string
}

// MapConfig is the typed form of @map / @foreach.
type MapConfig struct {
	// Source is the qualified name (Ctx.items) of the fan-out collection.
	Source string
}

// RetryConfig is the typed form of @retry.
type RetryConfig struct {
	Attempts int
	Initial  time.Duration
	Cap      time.Duration
	// Fixed disables exponential growth of the backoff.
	Fixed bool
}

// DefaultRetryConfig returns the retry defaults: 3 attempts, 1s
// initial backoff, 30s cap, exponential.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, Initial: time.Second, Cap: 30 * time.Second}
}

// ErrorHandlingMode controls how a path failure affects its siblings.
type ErrorHandlingMode string

const (
	// ErrorHandlingContinue fails only the offending path (default).
	ErrorHandlingContinue ErrorHandlingMode = "continue"
	// ErrorHandlingFailFast cancels all active paths.
	ErrorHandlingFailFast ErrorHandlingMode = "fail-fast"
	// ErrorHandlingCompensate runs registered compensations LIFO.
	ErrorHandlingCompensate ErrorHandlingMode = "compensate"
)

// Find returns the first annotation matching any of the given names,
// or nil.
func Find(annotations []Annotation, names ...string) *Annotation {
	for i := range annotations {
		for _, name := range names {
			if annotations[i].Name == name {
				return &annotations[i]
			}
		}
	}
	return nil
}

// Has reports whether any annotation matches one of the given names.
func Has(annotations []Annotation, names ...string) bool {
	return Find(annotations, names...) != nil
}

// WarnUnknown logs annotations whose names are not recognized.
// Unknown annotations never fail a load.
func WarnUnknown(owner string, annotations []Annotation) {
	for _, a := range annotations {
		if !knownAnnotations[a.Name] {
			log.Warnf("ignoring unknown annotation @%s on %s", a.Name, owner)
		}
	}
}

// attrs returns the annotation's attribute map, additionally accepting
// the "k: v; k2: v2" form carried in a raw value.
func (a *Annotation) attrs() map[string]string {
	if len(a.Attributes) > 0 {
		return a.Attributes
	}
	if a.Value == "" || !strings.Contains(a.Value, ":") {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(a.Value, ";") {
		k, v, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// stringValue returns the simple value of the annotation: the quoted
// or plain value, else the qualified value.
func (a *Annotation) stringValue() string {
	if a.Value != "" {
		return unquote(strings.TrimSpace(a.Value))
	}
	return a.QualifiedValue
}

// BarrierFor returns the barrier configuration carried by the given
// annotations, or nil. Recognizes @barrier, @join and @merge; the
// aliases default merge to true.
func BarrierFor(annotations []Annotation) *BarrierConfig {
	a := Find(annotations, "barrier", "join", "merge")
	if a == nil {
		return nil
	}
	cfg := &BarrierConfig{Merge: a.Name == "join" || a.Name == "merge"}
	if m := a.attrs(); m != nil {
		cfg.Name = unquote(m["name"])
		cfg.Group = m["group"]
		if v, ok := m["merge"]; ok {
			cfg.Merge, _ = strconv.ParseBool(v)
		}
	} else {
		cfg.Name = a.stringValue()
	}
	return cfg
}

// AsyncFor returns the spawn configuration of @async / @spawn, or nil.
func AsyncFor(annotations []Annotation) *AsyncConfig {
	a := Find(annotations, "async", "spawn")
	if a == nil {
		return nil
	}
	return &AsyncConfig{Label: a.stringValue()}
}

// IsParallel reports whether the annotations carry @parallel. Fork is
// distinct from spawn: fork ends the originating path.
func IsParallel(annotations []Annotation) bool {
	return Has(annotations, "parallel")
}

// MapFor returns the fan-out configuration of @map / @foreach, or nil.
func MapFor(annotations []Annotation) *MapConfig {
	a := Find(annotations, "map", "foreach")
	if a == nil {
		return nil
	}
	src := a.QualifiedValue
	if src == "" {
		if m := a.attrs(); m != nil {
			src = m["source"]
		} else {
			src = a.stringValue()
		}
	}
	return &MapConfig{Source: src}
}

// IsMeta reports whether the annotations carry @meta, which exposes
// the meta-tools to the agent.
func IsMeta(annotations []Annotation) bool { return Has(annotations, "meta") }

// IsTool reports whether the annotations carry @tool, marking a node
// as a dynamic tool definition.
func IsTool(annotations []Annotation) bool { return Has(annotations, "tool") }

// IsStrict reports whether the annotations carry @strict.
func IsStrict(annotations []Annotation) bool { return Has(annotations, "strict") }

// IsAuto reports whether the annotations carry @auto.
func IsAuto(annotations []Annotation) bool { return Has(annotations, "auto") }

// IsStart reports whether the annotations carry @start.
func IsStart(annotations []Annotation) bool { return Has(annotations, "start") }

// RetryFor returns the node's retry configuration, or nil when the
// node carries no @retry.
func RetryFor(n *Node) *RetryConfig {
	a := Find(n.Annotations, "retry")
	if a == nil {
		return nil
	}
	cfg := DefaultRetryConfig()
	if m := a.attrs(); m != nil {
		if v, ok := m["attempts"]; ok {
			if i, err := strconv.Atoi(v); err == nil && i > 0 {
				cfg.Attempts = i
			}
		}
		if v, ok := m["initial"]; ok {
			if d, err := parseDuration(v); err == nil {
				cfg.Initial = d
			}
		}
		if v, ok := m["cap"]; ok {
			if d, err := parseDuration(v); err == nil {
				cfg.Cap = d
			}
		}
		if v, ok := m["backoff"]; ok {
			cfg.Fixed = v == "fixed"
		}
	} else if v := a.stringValue(); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			cfg.Attempts = i
		}
	}
	return &cfg
}

// TimeoutFor returns the node's @timeout duration, or zero.
func TimeoutFor(n *Node) time.Duration {
	a := Find(n.Annotations, "timeout")
	if a == nil {
		return 0
	}
	if d, err := parseDuration(a.stringValue()); err == nil {
		return d
	}
	log.Warnf("ignoring unparseable @timeout value %q on node %s", a.stringValue(), n.Name)
	return 0
}

// HasCheckpoint reports whether the node carries @checkpoint.
func HasCheckpoint(n *Node) bool { return Has(n.Annotations, "checkpoint") }

// PriorityFor returns the node's @priority level, or zero.
func PriorityFor(n *Node) int {
	a := Find(n.Annotations, "priority")
	if a == nil {
		return 0
	}
	if i, err := strconv.Atoi(a.stringValue()); err == nil {
		return i
	}
	return 0
}

// ErrorHandlingFor scans the machine for an @errorHandling annotation
// and returns the declared mode, defaulting to continue.
func (m *Machine) ErrorHandlingFor() ErrorHandlingMode {
	for i := range m.Nodes {
		if a := Find(m.Nodes[i].Annotations, "errorHandling"); a != nil {
			switch ErrorHandlingMode(a.stringValue()) {
			case ErrorHandlingFailFast:
				return ErrorHandlingFailFast
			case ErrorHandlingCompensate:
				return ErrorHandlingCompensate
			}
			return ErrorHandlingContinue
		}
	}
	return ErrorHandlingContinue
}

// parseDuration parses "30s" style durations, additionally accepting a
// bare number of seconds.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(raw)
}
