// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/maestrohq/maestro/internal/dashboard"
	"github.com/maestrohq/maestro/internal/events"
	"github.com/maestrohq/maestro/internal/gitws"
	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/workflow"
)

const abortReasonQAMaxIterations = "qa_max_iterations"

type qaLoopConfig struct {
	QAPersona         string `mapstructure:"qa_persona"`
	FixPersona        string `mapstructure:"fix_persona"`
	MaxIterations     int    `mapstructure:"max_iterations"`
	CommitMessage     string `mapstructure:"commit_message"`
	AbortOnExhaustion *bool  `mapstructure:"abort_on_exhaustion"`
}

// qaIterationLoopStep drives retest → plan-fix → implement → apply → commit
// cycles until QA passes or max_iterations runs out (zero means unlimited).
// Every fix request carries the cumulative failure history. Exhaustion
// aborts the workflow by default; with abort_on_exhaustion false it instead
// surfaces qa_status=fail so a coordination path downstream can react.
type qaIterationLoopStep struct {
	name string
	cfg  qaLoopConfig
	deps Deps
	log  zerolog.Logger
}

func newQAIterationLoop(spec workflow.StepSpec, deps Deps) (workflow.Step, error) {
	cfg := qaLoopConfig{
		QAPersona:     "tester-qa",
		FixPersona:    "lead-engineer",
		CommitMessage: "fix: address QA findings (iteration ${qa_iteration})",
	}
	if err := decodeConfig(spec.Config, &cfg); err != nil {
		return nil, err
	}
	return &qaIterationLoopStep{name: spec.Name, cfg: cfg, deps: deps, log: logger.GetStepLogger()}, nil
}

func (s *qaIterationLoopStep) Name() string { return s.name }
func (s *qaIterationLoopStep) Kind() string { return "qa_iteration_loop" }

func (s *qaIterationLoopStep) Validate(*workflow.Context) error {
	if s.cfg.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must be >= 0")
	}
	for _, p := range []string{s.cfg.QAPersona, s.cfg.FixPersona} {
		if !s.deps.Config.Persona.PersonaAllowed(p) {
			return fmt.Errorf("persona %q is not in the allowlist", p)
		}
	}
	return nil
}

func (s *qaIterationLoopStep) Execute(ctx context.Context, wctx *workflow.Context) (*workflow.Result, error) {
	personaCfg := &s.deps.Config.Persona
	var history []string

	for i := 1; ; i++ {
		wctx.SetVar("qa_iteration", i)

		testPayload := map[string]any{
			"iteration":    i,
			"test_command": wctx.StringVar("test_command"),
		}
		if len(history) > 0 {
			testPayload["previous_failures"] = history
		}
		n, err := s.deps.requestPersona(ctx, wctx, s.name, s.cfg.QAPersona, "run_tests",
			testPayload, personaCfg.TimeoutFor(s.cfg.QAPersona))
		if err != nil {
			return nil, fmt.Errorf("qa iteration %d: %w", i, err)
		}

		if n.Passed() {
			wctx.SetVar("qa_status", n.Status)
			wctx.SetVar("qa_iterations", i)
			s.markInReview(ctx, wctx)
			s.log.Info().Int("iterations", i).Msg("qa passed")
			return &workflow.Result{Outputs: map[string]any{
				"status":     n.Status,
				"iterations": i,
			}}, nil
		}

		history = append(history, fmt.Sprintf("iteration %d: %s", i, failureDetail(n.Details, n.Raw)))
		s.log.Warn().Int("iteration", i).Str("details", n.Details).Msg("qa failed")

		if s.cfg.MaxIterations > 0 && i >= s.cfg.MaxIterations {
			summary := strings.Join(history, "\n")
			wctx.SetVar("qa_status", "fail")
			wctx.SetVar("qa_iterations", i)
			wctx.SetVar("qa_failure_summary", summary)
			if s.cfg.AbortOnExhaustion == nil || *s.cfg.AbortOnExhaustion {
				wctx.RequestAbort(abortReasonQAMaxIterations)
				return nil, fmt.Errorf("qa did not pass after %d iterations", i)
			}
			return &workflow.Result{Outputs: map[string]any{
				"status":     "fail",
				"iterations": i,
				"summary":    summary,
			}}, nil
		}

		if err := s.fixRound(ctx, wctx, i, history); err != nil {
			return nil, err
		}
	}
}

// fixRound asks the fix persona for a plan and an implementation, then
// applies and ships the resulting diffs.
func (s *qaIterationLoopStep) fixRound(ctx context.Context, wctx *workflow.Context, iteration int, history []string) error {
	personaCfg := &s.deps.Config.Persona

	planN, err := s.deps.requestPersona(ctx, wctx, s.name, s.cfg.FixPersona, "plan_fix",
		map[string]any{"iteration": iteration, "failures": history},
		personaCfg.TimeoutFor(s.cfg.FixPersona))
	if err != nil {
		return fmt.Errorf("fix plan iteration %d: %w", iteration, err)
	}

	implN, err := s.deps.requestPersona(ctx, wctx, s.name, s.cfg.FixPersona, "implement_fix",
		map[string]any{"iteration": iteration, "fix_plan": planN.Raw, "failures": history},
		personaCfg.TimeoutFor(s.cfg.FixPersona))
	if err != nil {
		return fmt.Errorf("fix implementation iteration %d: %w", iteration, err)
	}

	if s.deps.Config.SkipGitOperations {
		return nil
	}
	diff := collectDiffs(implN.Raw)
	if diff == "" {
		// No diff means the fixer believes the tree is already correct;
		// the next retest decides.
		s.log.Warn().Int("iteration", iteration).Msg("fix round produced no diffs")
		return nil
	}
	repoRoot := wctx.RepoRoot()
	paths, err := s.deps.Workspace.ApplyDiffs(ctx, repoRoot, diff)
	if err != nil {
		return fmt.Errorf("apply fix iteration %d: %w", iteration, err)
	}
	message := workflow.Interpolate(s.cfg.CommitMessage, wctx)
	res, err := s.deps.Workspace.CommitAndPush(ctx, repoRoot, wctx.Branch(), message, paths)
	if err != nil {
		return fmt.Errorf("commit fix iteration %d: %w", iteration, err)
	}
	if res.Committed && !res.Pushed {
		wctx.RequestAbort(abortReasonPushFailed)
		return fmt.Errorf("%w: branch %s", gitws.ErrPushFailed, wctx.Branch())
	}
	return nil
}

// markInReview moves the task to in_review once QA is green. Best-effort:
// the status catch-up also happens in the coordinator's epilogue.
func (s *qaIterationLoopStep) markInReview(ctx context.Context, wctx *workflow.Context) {
	taskID := wctx.StringVar("task_id")
	if s.deps.Dashboard == nil || taskID == "" {
		return
	}
	from := wctx.StringVar("task_status")
	if _, err := s.deps.Dashboard.UpdateTaskStatus(ctx, wctx.ProjectID, taskID, dashboard.StatusInReview); err != nil {
		s.log.Warn().Err(err).Str("task_id", taskID).Msg("failed to mark task in_review")
		return
	}
	wctx.SetVar("task_status", dashboard.StatusInReview)
	s.deps.publish(events.TaskStatusChanged{
		Metadata: s.deps.metadata(wctx),
		From:     from,
		To:       dashboard.StatusInReview,
	})
}

func failureDetail(details, raw string) string {
	if details != "" {
		return details
	}
	if len(raw) > 500 {
		return raw[:500]
	}
	return raw
}
