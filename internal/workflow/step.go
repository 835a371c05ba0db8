// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Terminal step statuses as reported on events and metrics.
const (
	StepSuccess = "success"
	StepFailure = "failure"
	StepSkipped = "skipped"
)

// Result is what a successful step hands back to the engine.
type Result struct {
	// Outputs are step-local values. The step spec's outputs map promotes
	// selected entries to context variables; the full record is kept under
	// the step's name either way.
	Outputs map[string]any
	// Data is free-form diagnostic detail surfaced to operators.
	Data map[string]any
}

// Step is one executable unit of a workflow.
type Step interface {
	Name() string
	Kind() string

	// Validate checks the step's configuration against the run context. The
	// engine validates every step before executing any, so an invalid step
	// fails the workflow without side effects.
	Validate(wctx *Context) error

	// Execute runs the step. A non-nil error marks the step failed; the
	// engine decides whether to retry based on the step's retry spec.
	Execute(ctx context.Context, wctx *Context) (*Result, error)
}

// Factory builds a step instance from its spec.
type Factory func(spec StepSpec) (Step, error)

// Registry maps step types to factories. Registration happens once at
// startup; lookups are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty step registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for a step type. Registering the same type twice
// is a programming error and is rejected.
func (r *Registry) Register(kind string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("step type %q already registered", kind)
	}
	r.factories[kind] = f
	return nil
}

// Build instantiates the step declared by spec.
func (r *Registry) Build(spec StepSpec) (Step, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown step type %q (step %s)", spec.Type, spec.Name)
	}
	return f(spec)
}

// Kinds lists the registered step types, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
