// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package steps

import (
	"context"
	"fmt"

	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/workflow"
)

type variableSetConfig struct {
	Variables map[string]any `mapstructure:"variables"`
}

// variableSetStep writes a batch of interpolated values into the run
// context.
type variableSetStep struct {
	name string
	cfg  variableSetConfig
}

func newVariableSet(spec workflow.StepSpec, _ Deps) (workflow.Step, error) {
	var cfg variableSetConfig
	if err := decodeConfig(spec.Config, &cfg); err != nil {
		return nil, err
	}
	return &variableSetStep{name: spec.Name, cfg: cfg}, nil
}

func (s *variableSetStep) Name() string { return s.name }
func (s *variableSetStep) Kind() string { return "variable_set" }

func (s *variableSetStep) Validate(*workflow.Context) error {
	if len(s.cfg.Variables) == 0 {
		return fmt.Errorf("variables is required")
	}
	return nil
}

func (s *variableSetStep) Execute(_ context.Context, wctx *workflow.Context) (*workflow.Result, error) {
	resolved := make(map[string]any, len(s.cfg.Variables))
	for key, value := range s.cfg.Variables {
		resolved[key] = workflow.InterpolateValue(value, wctx)
	}
	wctx.SetVars(resolved)
	return &workflow.Result{Outputs: map[string]any{"set": len(resolved)}}, nil
}

type workflowAbortConfig struct {
	Reason string `mapstructure:"reason"`
}

// workflowAbortStep requests a run abort with an interpolated reason. The
// step itself succeeds; the engine stops the run at the step boundary.
type workflowAbortStep struct {
	name string
	cfg  workflowAbortConfig
}

func newWorkflowAbort(spec workflow.StepSpec, _ Deps) (workflow.Step, error) {
	var cfg workflowAbortConfig
	if err := decodeConfig(spec.Config, &cfg); err != nil {
		return nil, err
	}
	return &workflowAbortStep{name: spec.Name, cfg: cfg}, nil
}

func (s *workflowAbortStep) Name() string { return s.name }
func (s *workflowAbortStep) Kind() string { return "workflow_abort" }

func (s *workflowAbortStep) Validate(*workflow.Context) error {
	if s.cfg.Reason == "" {
		return fmt.Errorf("reason is required")
	}
	return nil
}

func (s *workflowAbortStep) Execute(_ context.Context, wctx *workflow.Context) (*workflow.Result, error) {
	reason := workflow.Interpolate(s.cfg.Reason, wctx)
	log := logger.GetStepLogger()
	log.Warn().Str("reason", reason).Msg("workflow abort requested")
	wctx.RequestAbort(reason)
	return &workflow.Result{Outputs: map[string]any{"reason": reason}}, nil
}
