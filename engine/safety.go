//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package engine

import (
	"fmt"
	"sync"
	"time"
)

// CheckLimits verifies the per-path and global limits before a path
// executes its current node. A non-nil error names the breached limit.
func CheckLimits(s *State, p *Path) error {
	l := s.Limits
	if l.MaxSteps > 0 && s.Metadata.StepCount >= l.MaxSteps {
		return fmt.Errorf("step limit reached (%d)", l.MaxSteps)
	}
	if l.MaxNodeInvocations > 0 && p.NodeInvocationCounts[p.CurrentNode] >= l.MaxNodeInvocations {
		return fmt.Errorf("node %q invoked %d times, limit %d",
			p.CurrentNode, p.NodeInvocationCounts[p.CurrentNode], l.MaxNodeInvocations)
	}
	if l.Timeout > 0 && time.Since(s.Metadata.StartTime) > l.Timeout {
		return fmt.Errorf("execution exceeded timeout %s", l.Timeout)
	}
	if cycle := detectCycle(p.StateTransitions, l.CycleDetectionWindow); cycle != nil {
		return fmt.Errorf("state cycle detected: %v", cycle)
	}
	return nil
}

// detectCycle looks for a state subsequence of length >= 2 that
// repeats back to back within the trailing window of visits.
func detectCycle(visits []StateVisit, window int) []string {
	if window <= 0 || len(visits) < 4 {
		return nil
	}
	states := make([]string, 0, window)
	start := 0
	if len(visits) > window {
		start = len(visits) - window
	}
	for _, v := range visits[start:] {
		states = append(states, v.State)
	}
	n := len(states)
	for size := 2; size*2 <= n; size++ {
		a := states[n-size:]
		b := states[n-2*size : n-size]
		if equalStrings(a, b) {
			return a
		}
	}
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// BreakerState is the condition of a per-node circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreaker tracks consecutive node failures and refuses
// invocations while open. Safe for concurrent use.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	nodes     map[string]*breakerEntry
	now       func() time.Time
}

type breakerEntry struct {
	state    BreakerState
	failures int
	openedAt time.Time
}

// NewCircuitBreaker builds a breaker opening after threshold
// consecutive failures and half-opening after the cool-down.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		nodes:     map[string]*breakerEntry{},
		now:       time.Now,
	}
}

// Allow reports whether the node may be invoked. While open, the call
// is refused until the cool-down elapses, after which a single probe
// invocation is admitted in half-open state.
func (cb *CircuitBreaker) Allow(node string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	e := cb.entry(node)
	switch e.state {
	case BreakerClosed, BreakerHalfOpen:
		return nil
	case BreakerOpen:
		if cb.now().Sub(e.openedAt) >= cb.cooldown {
			e.state = BreakerHalfOpen
			return nil
		}
		return fmt.Errorf("circuit breaker open for node %q", node)
	}
	return nil
}

// RecordSuccess closes the node's breaker and resets its failure count.
func (cb *CircuitBreaker) RecordSuccess(node string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	e := cb.entry(node)
	e.state = BreakerClosed
	e.failures = 0
}

// RecordFailure counts a failure, opening the breaker at the
// threshold. A half-open probe failure reopens immediately.
func (cb *CircuitBreaker) RecordFailure(node string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	e := cb.entry(node)
	e.failures++
	if e.state == BreakerHalfOpen || e.failures >= cb.threshold {
		e.state = BreakerOpen
		e.openedAt = cb.now()
	}
}

// State returns the node's breaker state.
func (cb *CircuitBreaker) State(node string) BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.entry(node).state
}

func (cb *CircuitBreaker) entry(node string) *breakerEntry {
	e, ok := cb.nodes[node]
	if !ok {
		e = &breakerEntry{state: BreakerClosed}
		cb.nodes[node] = e
	}
	return e
}
