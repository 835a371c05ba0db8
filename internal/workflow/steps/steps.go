// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package steps provides the concrete step kinds the workflow engine can
// schedule: persona round-trips, git operations, the planning and QA loops,
// bulk task creation, PM decision parsing, review normalization and the
// small glue steps (variables, statuses, artifacts, abort).
package steps

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"

	"github.com/maestrohq/maestro/internal/config"
	"github.com/maestrohq/maestro/internal/dashboard"
	"github.com/maestrohq/maestro/internal/events"
	"github.com/maestrohq/maestro/internal/gitws"
	"github.com/maestrohq/maestro/internal/persona"
	"github.com/maestrohq/maestro/internal/telemetry"
	"github.com/maestrohq/maestro/internal/workflow"
)

// Deps are the shared collaborators injected into every step factory. The
// engine owns none of them; the process wires them once at startup. Metrics,
// Bus and Dashboard may be nil in tests; steps that require one say so in
// Validate.
type Deps struct {
	Config    *config.RuntimeConfig
	Messenger *persona.Messenger
	Workspace *gitws.Workspace
	Dashboard *dashboard.Client
	Metrics   *telemetry.Metrics
	Bus       *events.Bus
}

// Register installs every step kind into the registry.
func Register(reg *workflow.Registry, deps Deps) error {
	factories := map[string]workflow.Factory{
		"persona_request":          func(spec workflow.StepSpec) (workflow.Step, error) { return newPersonaRequest(spec, deps) },
		"git_operation":            func(spec workflow.StepSpec) (workflow.Step, error) { return newGitOperation(spec, deps) },
		"apply_diffs":              func(spec workflow.StepSpec) (workflow.Step, error) { return newApplyDiffs(spec, deps) },
		"planning_loop":            func(spec workflow.StepSpec) (workflow.Step, error) { return newPlanningLoop(spec, deps) },
		"qa_iteration_loop":        func(spec workflow.StepSpec) (workflow.Step, error) { return newQAIterationLoop(spec, deps) },
		"bulk_task_creation":       func(spec workflow.StepSpec) (workflow.Step, error) { return newBulkTaskCreation(spec, deps) },
		"pm_decision_parse":        func(spec workflow.StepSpec) (workflow.Step, error) { return newPMDecisionParse(spec, deps) },
		"review_failure_normalize": func(spec workflow.StepSpec) (workflow.Step, error) { return newReviewFailureNormalize(spec, deps) },
		"variable_set":             func(spec workflow.StepSpec) (workflow.Step, error) { return newVariableSet(spec, deps) },
		"workflow_abort":           func(spec workflow.StepSpec) (workflow.Step, error) { return newWorkflowAbort(spec, deps) },
		"task_status_update":       func(spec workflow.StepSpec) (workflow.Step, error) { return newTaskStatusUpdate(spec, deps) },
		"milestone_update":         func(spec workflow.StepSpec) (workflow.Step, error) { return newMilestoneUpdate(spec, deps) },
		"test_tooling_setup":       func(spec workflow.StepSpec) (workflow.Step, error) { return newTestToolingSetup(spec, deps) },
		"artifact_write":           func(spec workflow.StepSpec) (workflow.Step, error) { return newArtifactWrite(spec, deps) },
	}
	for kind, factory := range factories {
		if err := reg.Register(kind, factory); err != nil {
			return err
		}
	}
	return nil
}

// decodeConfig maps a step's raw YAML config onto its typed form. Unknown
// keys are rejected so a typo fails validation instead of silently applying
// a default.
func decodeConfig(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("decode step config: %w", err)
	}
	return nil
}

// publish pushes an event on the bus when one is wired.
func (d Deps) publish(ev events.Event) {
	if d.Bus != nil {
		d.Bus.Publish(ev)
	}
}

// metadata stamps an event envelope for the current run.
func (d Deps) metadata(wctx *workflow.Context) events.Metadata {
	return events.NewMetadata(wctx.WorkflowID, wctx.ProjectID, wctx.StringVar("task_id"))
}
