// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/maestrohq/maestro/internal/events"
	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/telemetry"
)

// Terminal run statuses.
const (
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunSkipped   = "skipped"
)

// failureHandlerBudget bounds the best-effort cleanup steps so a hung
// handler cannot wedge the coordinator loop.
const failureHandlerBudget = 2 * time.Minute

// RunResult is the terminal outcome of one workflow run.
type RunResult struct {
	Workflow       string
	Status         string
	CompletedSteps []string
	SkippedSteps   []string
	FailedStep     string
	AbortReason    string
	Err            error
	Duration       time.Duration
}

// Engine executes workflow definitions: steps run one at a time in
// dependency order, conditions gate skips, retry specs govern re-execution,
// and abort requests are honored at step boundaries.
type Engine struct {
	registry *Registry
	bus      *events.Bus
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	log      zerolog.Logger
}

// NewEngine wires an engine. bus and metrics may be nil in tests.
func NewEngine(registry *Registry, bus *events.Bus, metrics *telemetry.Metrics) *Engine {
	return &Engine{
		registry: registry,
		bus:      bus,
		metrics:  metrics,
		tracer:   telemetry.Tracer("workflow"),
		log:      logger.GetEngineLogger(),
	}
}

// Run executes def against wctx. The returned error is non-nil only when
// the run could not start (unknown step type, invalid config, trigger
// evaluation error); step failures are reported through RunResult.
func (e *Engine) Run(ctx context.Context, def *Definition, wctx *Context) (*RunResult, error) {
	started := time.Now()
	result := &RunResult{Workflow: def.Name, Status: RunFailed}

	ordered, err := orderSteps(def.Steps)
	if err != nil {
		return result, err
	}
	steps := make([]Step, len(ordered))
	for i, spec := range ordered {
		step, buildErr := e.registry.Build(spec)
		if buildErr != nil {
			return result, buildErr
		}
		steps[i] = step
	}

	if def.Trigger != nil && def.Trigger.Condition != "" {
		ok, evalErr := EvalCondition(def.Trigger.Condition, wctx)
		if evalErr != nil {
			return result, fmt.Errorf("workflow %s trigger: %w", def.Name, evalErr)
		}
		if !ok {
			result.Status = RunSkipped
			result.Duration = time.Since(started)
			e.log.Info().Str("workflow", def.Name).Str("condition", def.Trigger.Condition).Msg("workflow trigger not met")
			return result, nil
		}
	}
	if def.Context != nil && def.Context.RepoRequired && wctx.RepoRoot() == "" {
		return result, fmt.Errorf("workflow %s requires a bound repository", def.Name)
	}

	// Every step validates before any executes, so a bad config can never
	// leave half a workflow's side effects behind.
	for i, step := range steps {
		if err := step.Validate(wctx); err != nil {
			return result, fmt.Errorf("step %s config invalid: %w", ordered[i].Name, err)
		}
	}

	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.name", def.Name),
		attribute.String("workflow.id", wctx.WorkflowID),
	))
	defer span.End()

	e.publish(events.WorkflowStarted{
		Metadata: e.metadata(wctx),
		Workflow: def.Name,
		Steps:    len(steps),
	})
	e.log.Info().
		Str("workflow", def.Name).
		Str("workflow_id", wctx.WorkflowID).
		Int("steps", len(steps)).
		Msg("workflow started")

	var runErr error
	// Steps whose non-fatal failure (or skipped-for-that-reason ancestor)
	// leaves their dependents without inputs.
	unmet := make(map[string]bool)
	for i, step := range steps {
		spec := ordered[i]

		if aborted, reason := wctx.AbortRequested(); aborted {
			runErr = fmt.Errorf("workflow aborted: %s", reason)
			break
		}
		if ctx.Err() != nil {
			wctx.RequestAbort("canceled")
			runErr = ctx.Err()
			break
		}

		if dep := firstUnmetDep(spec, unmet); dep != "" {
			wctx.markSkipped(spec.Name)
			unmet[spec.Name] = true
			e.publish(events.StepFinished{
				Metadata: e.metadata(wctx),
				Workflow: def.Name,
				Step:     spec.Name,
				Type:     spec.Type,
				Status:   StepSkipped,
			})
			e.log.Debug().Str("step", spec.Name).Str("dependency", dep).Msg("step skipped, dependency did not complete")
			continue
		}

		pass, evalErr := EvalCondition(spec.Condition, wctx)
		if evalErr != nil {
			wctx.markFailed(spec.Name)
			runErr = fmt.Errorf("step %s condition: %w", spec.Name, evalErr)
			break
		}
		if !pass {
			wctx.markSkipped(spec.Name)
			e.publish(events.StepFinished{
				Metadata: e.metadata(wctx),
				Workflow: def.Name,
				Step:     spec.Name,
				Type:     spec.Type,
				Status:   StepSkipped,
			})
			e.log.Debug().Str("step", spec.Name).Str("condition", spec.Condition).Msg("step skipped")
			continue
		}

		res, execErr := e.runStep(ctx, def.Name, spec, step, wctx)
		if execErr != nil {
			if spec.NonFatal {
				unmet[spec.Name] = true
				e.log.Warn().Err(execErr).Str("step", spec.Name).Msg("non-fatal step failed, run continues")
				if aborted, reason := wctx.AbortRequested(); aborted {
					runErr = fmt.Errorf("workflow aborted: %s", reason)
					break
				}
				continue
			}
			wctx.markFailed(spec.Name)
			runErr = execErr
			break
		}

		wctx.markCompleted(spec.Name)
		if res != nil && len(res.Outputs) > 0 {
			wctx.SetOutputs(spec.Name, res.Outputs)
			for local, ctxVar := range spec.Outputs {
				if v, ok := res.Outputs[local]; ok {
					wctx.SetVar(ctxVar, v)
				}
			}
		}

		if aborted, reason := wctx.AbortRequested(); aborted {
			runErr = fmt.Errorf("workflow aborted: %s", reason)
			break
		}
	}

	result.CompletedSteps = wctx.CompletedSteps()
	result.SkippedSteps = wctx.SkippedSteps()
	result.FailedStep = wctx.FailedStep()
	_, result.AbortReason = wctx.AbortRequested()
	result.Duration = time.Since(started)

	if runErr != nil {
		result.Status = RunFailed
		result.Err = runErr
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		e.runFailureHandlers(ctx, def, wctx)
		e.finish(def.Name, result, wctx)
		return result, nil
	}

	result.Status = RunCompleted
	e.finish(def.Name, result, wctx)
	return result, nil
}

// runStep drives one step through its retry budget.
func (e *Engine) runStep(ctx context.Context, workflow string, spec StepSpec, step Step, wctx *Context) (*Result, error) {
	attempts := 1
	delay := time.Duration(0)
	multiplier := 1.0
	var patterns []string
	if spec.Retry != nil {
		if spec.Retry.MaxAttempts > 0 {
			attempts = spec.Retry.MaxAttempts
		}
		delay = time.Duration(spec.Retry.InitialDelayMS) * time.Millisecond
		if spec.Retry.BackoffMultiplier > 1 {
			multiplier = spec.Retry.BackoffMultiplier
		}
		patterns = spec.Retry.RetryableErrors
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		e.publish(events.StepStarted{
			Metadata: e.metadata(wctx),
			Workflow: workflow,
			Step:     spec.Name,
			Type:     spec.Type,
			Attempt:  attempt,
		})
		e.log.Debug().Str("step", spec.Name).Str("type", spec.Type).Int("attempt", attempt).Msg("step started")

		stepCtx := ctx
		cancel := context.CancelFunc(func() {})
		if spec.TimeoutMS > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutMS)*time.Millisecond)
		}
		spanCtx, span := e.tracer.Start(stepCtx, "workflow.step", trace.WithAttributes(
			attribute.String("step.name", spec.Name),
			attribute.String("step.type", spec.Type),
			attribute.Int("step.attempt", attempt),
		))
		startedAt := time.Now()
		res, err := step.Execute(spanCtx, wctx)
		elapsed := time.Since(startedAt)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		cancel()

		if err == nil {
			if e.metrics != nil {
				e.metrics.ObserveStep(workflow, spec.Name, StepSuccess, elapsed)
			}
			e.publish(events.StepFinished{
				Metadata: e.metadata(wctx),
				Workflow: workflow,
				Step:     spec.Name,
				Type:     spec.Type,
				Status:   StepSuccess,
				Duration: elapsed,
			})
			e.log.Info().Str("step", spec.Name).Dur("duration", elapsed).Msg("step completed")
			return res, nil
		}

		lastErr = err
		if e.metrics != nil {
			e.metrics.ObserveStep(workflow, spec.Name, StepFailure, elapsed)
		}
		e.publish(events.StepFinished{
			Metadata: e.metadata(wctx),
			Workflow: workflow,
			Step:     spec.Name,
			Type:     spec.Type,
			Status:   StepFailure,
			Duration: elapsed,
			Error:    err.Error(),
		})
		e.log.Error().Err(err).Str("step", spec.Name).Int("attempt", attempt).Msg("step failed")

		if attempt >= attempts || !retryable(err, patterns) {
			break
		}
		if aborted, _ := wctx.AbortRequested(); aborted {
			break
		}
		if e.metrics != nil {
			e.metrics.StepRetries.WithLabelValues(workflow, spec.Name).Inc()
		}
		if delay > 0 {
			if !sleepContext(ctx, delay) {
				break
			}
			delay = time.Duration(float64(delay) * multiplier)
		}
	}
	return nil, lastErr
}

// runFailureHandlers executes failure_handling steps best-effort: their
// conditions are honored, their errors are logged and swallowed. They run on
// a detached context so cleanup still happens when the run was canceled.
func (e *Engine) runFailureHandlers(ctx context.Context, def *Definition, wctx *Context) {
	if len(def.FailureHandling) == 0 {
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureHandlerBudget)
	defer cancel()

	for _, spec := range def.FailureHandling {
		pass, err := EvalCondition(spec.Condition, wctx)
		if err != nil {
			e.log.Warn().Err(err).Str("step", spec.Name).Msg("failure handler condition invalid")
			continue
		}
		if !pass {
			continue
		}
		step, err := e.registry.Build(spec)
		if err != nil {
			e.log.Warn().Err(err).Str("step", spec.Name).Msg("failure handler not buildable")
			continue
		}
		if err := step.Validate(wctx); err != nil {
			e.log.Warn().Err(err).Str("step", spec.Name).Msg("failure handler config invalid")
			continue
		}
		res, err := step.Execute(hctx, wctx)
		if err != nil {
			e.log.Warn().Err(err).Str("step", spec.Name).Msg("failure handler failed")
			continue
		}
		if res != nil && len(res.Outputs) > 0 {
			wctx.SetOutputs(spec.Name, res.Outputs)
		}
		e.log.Debug().Str("step", spec.Name).Msg("failure handler completed")
	}
}

func (e *Engine) finish(workflow string, result *RunResult, wctx *Context) {
	status := result.Status
	if e.metrics != nil {
		e.metrics.ObserveWorkflow(workflow, status)
	}
	errText := ""
	if result.Err != nil {
		errText = result.Err.Error()
	}
	e.publish(events.WorkflowFinished{
		Metadata:       e.metadata(wctx),
		Workflow:       workflow,
		Status:         status,
		CompletedSteps: result.CompletedSteps,
		SkippedSteps:   result.SkippedSteps,
		FailedStep:     result.FailedStep,
		AbortReason:    result.AbortReason,
		Error:          errText,
		Duration:       result.Duration,
	})
	evt := e.log.Info()
	if result.Status == RunFailed {
		evt = e.log.Error().Err(result.Err).Str("failed_step", result.FailedStep).Str("abort_reason", result.AbortReason)
	}
	evt.
		Str("workflow", workflow).
		Str("status", status).
		Int("completed", len(result.CompletedSteps)).
		Int("skipped", len(result.SkippedSteps)).
		Dur("duration", result.Duration).
		Msg("workflow finished")
}

func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func (e *Engine) metadata(wctx *Context) events.Metadata {
	return events.NewMetadata(wctx.WorkflowID, wctx.ProjectID, wctx.StringVar("task_id"))
}

// firstUnmetDep returns the first dependency of spec whose failure or skip
// left its outputs unavailable.
func firstUnmetDep(spec StepSpec, unmet map[string]bool) string {
	for _, dep := range spec.DependsOn {
		if unmet[dep] {
			return dep
		}
	}
	return ""
}

// retryable matches an error against the step's retryable_errors patterns.
// An empty pattern list retries everything.
func retryable(err error, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// sleepContext sleeps for d unless the context ends first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
