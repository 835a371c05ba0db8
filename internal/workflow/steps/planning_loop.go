// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package steps

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/workflow"
)

const (
	defaultPlanIterations = 5
	// After this many strict rounds the evaluator is asked to judge
	// leniently so a perfectionist loop cannot eat the whole budget.
	lenientAfterIteration = 3
)

type planningLoopConfig struct {
	PlannerPersona   string         `mapstructure:"planner_persona"`
	EvaluatorPersona string         `mapstructure:"evaluator_persona"`
	MaxIterations    int            `mapstructure:"max_iterations"`
	CommitArtifacts  bool           `mapstructure:"commit_artifacts"`
	Payload          map[string]any `mapstructure:"payload"`
}

// planningLoopStep alternates the planner and evaluator personas until the
// evaluator approves the plan or the iteration budget runs out. Each round's
// plan and evaluation can be committed as markdown artifacts; those commits
// are best-effort. The final plan lands in the plan_final variable either
// way, with plan_approved recording the evaluator's last word.
type planningLoopStep struct {
	name string
	cfg  planningLoopConfig
	deps Deps
	log  zerolog.Logger
}

func newPlanningLoop(spec workflow.StepSpec, deps Deps) (workflow.Step, error) {
	cfg := planningLoopConfig{
		PlannerPersona:   "planner",
		EvaluatorPersona: "plan-evaluator",
		MaxIterations:    defaultPlanIterations,
	}
	if err := decodeConfig(spec.Config, &cfg); err != nil {
		return nil, err
	}
	return &planningLoopStep{name: spec.Name, cfg: cfg, deps: deps, log: logger.GetStepLogger()}, nil
}

func (s *planningLoopStep) Name() string { return s.name }
func (s *planningLoopStep) Kind() string { return "planning_loop" }

func (s *planningLoopStep) Validate(*workflow.Context) error {
	if s.cfg.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive")
	}
	for _, p := range []string{s.cfg.PlannerPersona, s.cfg.EvaluatorPersona} {
		if !s.deps.Config.Persona.PersonaAllowed(p) {
			return fmt.Errorf("persona %q is not in the allowlist", p)
		}
	}
	return nil
}

func (s *planningLoopStep) Execute(ctx context.Context, wctx *workflow.Context) (*workflow.Result, error) {
	base, _ := workflow.InterpolateValue(s.cfg.Payload, wctx).(map[string]any)
	taskID := wctx.StringVar("task_id")
	personaCfg := &s.deps.Config.Persona

	var plan string
	approved := false
	iterations := 0
	feedback := ""

	for i := 1; i <= s.cfg.MaxIterations; i++ {
		iterations = i

		plannerPayload := clonePayload(base)
		plannerPayload["iteration"] = i
		if feedback != "" {
			plannerPayload["evaluator_feedback"] = feedback
		}
		pn, err := s.deps.requestPersona(ctx, wctx, s.name, s.cfg.PlannerPersona, "create_plan",
			plannerPayload, personaCfg.TimeoutFor(s.cfg.PlannerPersona))
		if err != nil {
			return nil, fmt.Errorf("planner iteration %d: %w", i, err)
		}
		plan = pn.Raw

		mode := "strict"
		if i > lenientAfterIteration {
			mode = "lenient"
		}
		evalPayload := clonePayload(base)
		evalPayload["plan"] = plan
		evalPayload["iteration"] = i
		evalPayload["evaluation_mode"] = mode
		en, err := s.deps.requestPersona(ctx, wctx, s.name, s.cfg.EvaluatorPersona, "evaluate_plan",
			evalPayload, personaCfg.TimeoutFor(s.cfg.EvaluatorPersona))
		if err != nil {
			return nil, fmt.Errorf("evaluator iteration %d: %w", i, err)
		}

		if s.cfg.CommitArtifacts {
			files := map[string]string{
				taskArtifactPath(taskID, fmt.Sprintf("02-plan-iteration-%d.md", i)):      plan,
				taskArtifactPath(taskID, fmt.Sprintf("02-plan-eval-iteration-%d.md", i)): en.Raw,
			}
			s.commitPlanArtifacts(ctx, wctx, files, fmt.Sprintf("docs: plan iteration %d", i))
		}

		if en.Passed() {
			approved = true
			break
		}
		feedback = en.Details
		if feedback == "" {
			feedback = en.Raw
		}
		s.log.Info().Int("iteration", i).Str("mode", mode).Msg("plan rejected, iterating")
	}

	if s.cfg.CommitArtifacts && plan != "" {
		files := map[string]string{taskArtifactPath(taskID, "03-plan-final.md"): plan}
		s.commitPlanArtifacts(ctx, wctx, files, "docs: final plan")
	}

	wctx.SetVar("plan_final", plan)
	wctx.SetVar("plan_approved", approved)
	wctx.SetVar("plan_iterations", iterations)
	if !approved {
		s.log.Warn().Int("iterations", iterations).Msg("plan never approved, proceeding with last draft")
	}
	return &workflow.Result{Outputs: map[string]any{
		"plan":       plan,
		"approved":   approved,
		"iterations": iterations,
	}}, nil
}

// commitPlanArtifacts writes and commits plan markdown, best-effort: the
// loop's outcome is the plan variable, not the paper trail.
func (s *planningLoopStep) commitPlanArtifacts(ctx context.Context, wctx *workflow.Context, files map[string]string, message string) {
	if s.deps.Config.SkipGitOperations {
		return
	}
	written, err := s.deps.writeArtifacts(ctx, wctx, files)
	if err != nil {
		s.log.Warn().Err(err).Msg("plan artifact write failed")
		return
	}
	s.deps.commitArtifacts(ctx, wctx, message, written, false)
}

func clonePayload(base map[string]any) map[string]any {
	out := make(map[string]any, len(base)+3)
	for k, v := range base {
		out[k] = v
	}
	return out
}
