// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package workflow loads declarative workflow definitions and drives their
// steps: a run context carrying variables and step outputs, a tiny ${var}
// template and condition language, a step registry, and the engine that
// executes steps in dependency order with retries, skips and abort handling.
package workflow

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/maestrohq/maestro/internal/transport"
)

// Context is the mutable state of one workflow run. The engine owns it for
// the duration of the run; steps read and write through its methods. All
// methods are safe for concurrent use so the operator surface can inspect a
// run while it executes.
type Context struct {
	WorkflowID string
	ProjectID  string

	// Transport is shared by steps that talk to personas directly.
	Transport transport.Transport

	mu          sync.RWMutex
	repoRoot    string
	branch      string
	variables   map[string]any
	stepOutputs map[string]map[string]any

	completed []string
	skipped   []string
	failed    string

	abortRequested bool
	abortReason    string
}

// NewContext builds an empty run context.
func NewContext(workflowID, projectID string) *Context {
	return &Context{
		WorkflowID:  workflowID,
		ProjectID:   projectID,
		variables:   make(map[string]any),
		stepOutputs: make(map[string]map[string]any),
	}
}

// BindRepo pins the working tree for this run. The root never changes after
// binding; the branch moves with git-operation steps.
func (c *Context) BindRepo(root, branch string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.repoRoot = root
	c.branch = branch
}

// RepoRoot returns the working tree root, empty when no repo is bound.
func (c *Context) RepoRoot() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.repoRoot
}

// SetBranch records the branch the tree currently has checked out.
func (c *Context) SetBranch(branch string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.branch = branch
}

// Branch returns the current working branch. Readers must call this instead
// of keeping a copy from workflow start.
func (c *Context) Branch() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.branch
}

// SetVar stores one context variable.
func (c *Context) SetVar(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[key] = value
}

// SetVars merges a batch of variables into the context.
func (c *Context) SetVars(vars map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range vars {
		c.variables[k] = v
	}
}

// Var resolves a variable name, including dotted paths into nested maps
// ("task.title"). The second return is false when any path segment is
// missing.
func (c *Context) Var(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	head := name
	rest := ""
	if i := strings.IndexByte(name, '.'); i >= 0 {
		head, rest = name[:i], name[i+1:]
	}
	value, ok := c.variables[head]
	if !ok {
		return nil, false
	}
	for rest != "" {
		seg := rest
		if i := strings.IndexByte(rest, '.'); i >= 0 {
			seg, rest = rest[:i], rest[i+1:]
		} else {
			rest = ""
		}
		m, isMap := value.(map[string]any)
		if !isMap {
			return nil, false
		}
		value, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return value, true
}

// StringVar renders a variable as a string, or "" when missing.
func (c *Context) StringVar(name string) string {
	v, ok := c.Var(name)
	if !ok {
		return ""
	}
	return renderScalar(v)
}

// BoolVar reads a boolean variable, accepting bool values and the string
// "true".
func (c *Context) BoolVar(name string) bool {
	v, ok := c.Var(name)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	default:
		return false
	}
}

// Vars returns a shallow copy of all variables.
func (c *Context) Vars() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		out[k] = v
	}
	return out
}

// SetOutputs records a step's output record.
func (c *Context) SetOutputs(step string, outputs map[string]any) {
	if len(outputs) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := c.stepOutputs[step]
	if merged == nil {
		merged = make(map[string]any, len(outputs))
	}
	for k, v := range outputs {
		merged[k] = v
	}
	c.stepOutputs[step] = merged
}

// Outputs returns a copy of one step's outputs, nil when the step produced
// none.
func (c *Context) Outputs(step string) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src := c.stepOutputs[step]
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// RequestAbort asks the engine to stop the run at the next step boundary.
// The first reason sticks; later calls cannot overwrite the original cause.
func (c *Context) RequestAbort(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.abortRequested {
		return
	}
	c.abortRequested = true
	c.abortReason = reason
}

// AbortRequested reports whether a step asked for the run to stop, and why.
func (c *Context) AbortRequested() (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.abortRequested, c.abortReason
}

func (c *Context) markCompleted(step string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = append(c.completed, step)
}

func (c *Context) markSkipped(step string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipped = append(c.skipped, step)
}

func (c *Context) markFailed(step string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = step
}

// CompletedSteps returns the names of successfully finished steps in
// execution order.
func (c *Context) CompletedSteps() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.completed...)
}

// SkippedSteps returns the names of steps whose condition gated them off.
func (c *Context) SkippedSteps() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.skipped...)
}

// FailedStep returns the name of the step that failed the run, or "".
func (c *Context) FailedStep() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failed
}

// renderScalar gives the canonical string form of a variable value: the one
// used by template interpolation and condition comparison.
func renderScalar(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}
