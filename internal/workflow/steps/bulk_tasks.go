// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/maestrohq/maestro/internal/dashboard"
	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/tasks"
	"github.com/maestrohq/maestro/internal/workflow"
)

const (
	abortReasonBulkPartialFailure = "bulk_task_partial_failure"

	defaultBulkMaxAttempts = 3
	bulkRetryBaseDelay     = 500 * time.Millisecond
)

// retryablePatterns mark transient transport failures worth another attempt.
// Anything else fails fast: re-posting after a validation error only burns
// the attempt budget.
var retryablePatterns = []string{
	"timeout", "etimedout", "econnreset", "econnrefused",
	"network", "rate limit", "429", "502", "503", "504",
}

type bulkRouteConfig struct {
	MilestoneSlug string `mapstructure:"milestone_slug"`
	ParentTaskID  string `mapstructure:"parent_task_id"`
}

type bulkTaskConfig struct {
	Tasks                 []map[string]any `mapstructure:"tasks"`
	TasksVariable         string           `mapstructure:"tasks_variable"`
	TitlePrefix           string           `mapstructure:"title_prefix"`
	DuplicateStrategy     string           `mapstructure:"duplicate_strategy"`
	ExistingTasksVariable string           `mapstructure:"existing_tasks_variable"`
	PriorityScores        map[string]int   `mapstructure:"priority_scores"`
	Urgent                bulkRouteConfig  `mapstructure:"urgent"`
	Deferred              bulkRouteConfig  `mapstructure:"deferred"`
	UpsertByExternalID    *bool            `mapstructure:"upsert_by_external_id"`
	ExternalIDTemplate    string           `mapstructure:"external_id_template"`
	MaxAttempts           int              `mapstructure:"max_attempts"`
	AbortOnPartialFailure bool             `mapstructure:"abort_on_partial_failure"`
}

// bulkTaskCreationStep posts a batch of follow-up tasks to the dashboard:
// score priorities, route urgent work to its milestone, stamp idempotent
// external ids, filter duplicates locally and retry the POST on transient
// transport failures.
type bulkTaskCreationStep struct {
	name string
	cfg  bulkTaskConfig
	deps Deps
	log  zerolog.Logger
}

func newBulkTaskCreation(spec workflow.StepSpec, deps Deps) (workflow.Step, error) {
	cfg := bulkTaskConfig{
		DuplicateStrategy: tasks.StrategyExternalID,
		MaxAttempts:       defaultBulkMaxAttempts,
	}
	if err := decodeConfig(spec.Config, &cfg); err != nil {
		return nil, err
	}
	return &bulkTaskCreationStep{name: spec.Name, cfg: cfg, deps: deps, log: logger.GetStepLogger()}, nil
}

func (s *bulkTaskCreationStep) Name() string { return s.name }
func (s *bulkTaskCreationStep) Kind() string { return "bulk_task_creation" }

func (s *bulkTaskCreationStep) Validate(*workflow.Context) error {
	if s.deps.Dashboard == nil {
		return fmt.Errorf("dashboard client is required")
	}
	if len(s.cfg.Tasks) == 0 && s.cfg.TasksVariable == "" {
		return fmt.Errorf("either tasks or tasks_variable is required")
	}
	if s.cfg.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	if _, err := tasks.NewDetector(s.cfg.DuplicateStrategy); err != nil {
		return err
	}
	return nil
}

func (s *bulkTaskCreationStep) Execute(ctx context.Context, wctx *workflow.Context) (*workflow.Result, error) {
	candidates, err := s.collectTasks(wctx)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		s.log.Info().Str("step", s.name).Msg("no tasks to create")
		return s.finish(wctx, 0, 0, "")
	}

	s.prepare(wctx, candidates)

	existing, err := s.existingTasks(ctx, wctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("could not load existing tasks, skipping duplicate detection")
	}
	toCreate, localSkips := s.filterDuplicates(candidates, existing)
	if len(toCreate) == 0 {
		s.log.Info().Int("duplicates", localSkips).Msg("all tasks were duplicates")
		return s.finish(wctx, 0, localSkips, "")
	}

	result, err := s.postWithRetry(ctx, wctx.ProjectID, toCreate)
	if err != nil {
		return nil, fmt.Errorf("bulk task creation: %w", err)
	}

	created := len(result.Created)
	skipped := localSkips + len(result.Skipped)

	if len(result.Errors) > 0 {
		summary := strings.Join(result.Errors, "; ")
		s.log.Error().Int("created", created).Str("errors", summary).Msg("bulk creation partially failed")
		if s.cfg.AbortOnPartialFailure {
			wctx.RequestAbort(abortReasonBulkPartialFailure)
			return nil, fmt.Errorf("bulk task creation partially failed: %s", summary)
		}
		return s.finish(wctx, created, skipped, summary)
	}

	s.log.Info().Int("created", created).Int("skipped", skipped).Msg("bulk tasks created")
	return s.finish(wctx, created, skipped, "")
}

// collectTasks merges inline task specs with the ones carried by a context
// variable (a list, or a JSON string holding a list).
func (s *bulkTaskCreationStep) collectTasks(wctx *workflow.Context) ([]*dashboard.TaskToCreate, error) {
	raw := make([]map[string]any, 0, len(s.cfg.Tasks))
	for _, t := range s.cfg.Tasks {
		interpolated, _ := workflow.InterpolateValue(t, wctx).(map[string]any)
		if interpolated == nil {
			interpolated = t
		}
		raw = append(raw, interpolated)
	}
	if s.cfg.TasksVariable != "" {
		value, ok := wctx.Var(s.cfg.TasksVariable)
		if ok && value != nil {
			fromVar, err := taskMaps(value)
			if err != nil {
				return nil, fmt.Errorf("variable %q: %w", s.cfg.TasksVariable, err)
			}
			raw = append(raw, fromVar...)
		}
	}

	out := make([]*dashboard.TaskToCreate, 0, len(raw))
	for i, m := range raw {
		var t dashboard.TaskToCreate
		if err := taskFromMap(m, &t); err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		if strings.TrimSpace(t.Title) == "" {
			return nil, fmt.Errorf("task %d: title is required", i)
		}
		out = append(out, &t)
	}
	return out, nil
}

// prepare normalizes every candidate: title prefix, priority score, routing
// and the idempotency external id.
func (s *bulkTaskCreationStep) prepare(wctx *workflow.Context, candidates []*dashboard.TaskToCreate) {
	scorer := tasks.NewScorer(s.cfg.PriorityScores)
	router := &tasks.Router{
		Urgent:   tasks.Route{MilestoneSlug: s.cfg.Urgent.MilestoneSlug, ParentTaskID: s.cfg.Urgent.ParentTaskID},
		Deferred: tasks.Route{MilestoneSlug: s.cfg.Deferred.MilestoneSlug, ParentTaskID: s.cfg.Deferred.ParentTaskID},
	}
	runID := wctx.StringVar("workflow_run_id")
	if runID == "" {
		runID = wctx.WorkflowID
	}
	upsert := s.cfg.UpsertByExternalID == nil || *s.cfg.UpsertByExternalID

	for i, t := range candidates {
		if s.cfg.TitlePrefix != "" && !strings.HasPrefix(t.Title, s.cfg.TitlePrefix) {
			t.Title = s.cfg.TitlePrefix + t.Title
		}
		if t.Priority != "" && !dashboard.ValidPriority(t.Priority) {
			s.log.Warn().Str("priority", t.Priority).Str("title", t.Title).Msg("unknown priority, scoring as medium")
		}
		if t.PriorityScore == 0 {
			t.PriorityScore = scorer.Score(t.Priority)
		}
		router.Apply(t)
		if upsert && t.ExternalID == "" {
			t.ExternalID = tasks.ExternalID(s.cfg.ExternalIDTemplate, runID, s.name, i, t)
		}
	}
}

// existingTasks loads the backlog the duplicate detector compares against:
// from a context variable when one is named, otherwise from the dashboard.
func (s *bulkTaskCreationStep) existingTasks(ctx context.Context, wctx *workflow.Context) ([]dashboard.Task, error) {
	if s.cfg.ExistingTasksVariable != "" {
		value, ok := wctx.Var(s.cfg.ExistingTasksVariable)
		if !ok || value == nil {
			return nil, nil
		}
		data, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		var existing []dashboard.Task
		if err := json.Unmarshal(data, &existing); err != nil {
			return nil, fmt.Errorf("variable %q: %w", s.cfg.ExistingTasksVariable, err)
		}
		return existing, nil
	}
	return s.deps.Dashboard.ListTasks(ctx, wctx.ProjectID, dashboard.TaskFilter{})
}

// filterDuplicates drops candidates that match the existing backlog, so the
// POST only carries genuinely new work. The dashboard still enforces
// external-id uniqueness server-side.
func (s *bulkTaskCreationStep) filterDuplicates(candidates []*dashboard.TaskToCreate, existing []dashboard.Task) ([]dashboard.TaskToCreate, int) {
	detector, _ := tasks.NewDetector(s.cfg.DuplicateStrategy)
	out := make([]dashboard.TaskToCreate, 0, len(candidates))
	skipped := 0
	for _, t := range candidates {
		if match := detector.Detect(t, existing); match != nil {
			tasks.Mark(t, match)
			s.log.Info().
				Str("title", t.Title).
				Str("duplicate_of", match.TaskID).
				Float64("score", match.Score).
				Msg("skipping duplicate task")
			skipped++
			continue
		}
		out = append(out, *t)
	}
	return out, skipped
}

// postWithRetry retries the bulk POST on transient failures with exponential
// backoff. A 2xx response whose errors array reads like a transient failure
// is retried too; the external-id upsert makes the re-POST safe, rows that
// did land come back in the skipped array. A non-retryable error surfaces
// immediately.
func (s *bulkTaskCreationStep) postWithRetry(ctx context.Context, projectID string, toCreate []dashboard.TaskToCreate) (*dashboard.BulkResult, error) {
	var lastErr error
	var lastResult *dashboard.BulkResult
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		result, err := s.deps.Dashboard.BulkCreateTasks(ctx, projectID, toCreate)
		if err == nil {
			if len(result.Errors) == 0 || !retryableBulkMessages(result.Errors) {
				return result, nil
			}
			lastErr = fmt.Errorf("transient bulk errors: %s", strings.Join(result.Errors, "; "))
			lastResult = result
		} else {
			lastErr = err
			lastResult = nil
			if !retryableBulkError(err) {
				return nil, err
			}
		}
		if attempt == s.cfg.MaxAttempts {
			break
		}
		delay := bulkRetryBaseDelay << (attempt - 1)
		s.log.Warn().Err(lastErr).Int("attempt", attempt).Dur("backoff", delay).Msg("bulk creation failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if lastResult != nil {
		// Out of attempts with a partial response in hand; let the caller's
		// partial-failure policy decide.
		return lastResult, nil
	}
	return nil, fmt.Errorf("after %d attempts: %w", s.cfg.MaxAttempts, lastErr)
}

// retryableBulkMessages reports whether every in-body error looks transient.
// A single permanent error means retrying cannot fix the batch.
func retryableBulkMessages(msgs []string) bool {
	for _, msg := range msgs {
		lower := strings.ToLower(msg)
		transient := false
		for _, pat := range retryablePatterns {
			if strings.Contains(lower, pat) {
				transient = true
				break
			}
		}
		if !transient {
			return false
		}
	}
	return true
}

func (s *bulkTaskCreationStep) finish(wctx *workflow.Context, created, skipped int, errSummary string) (*workflow.Result, error) {
	wctx.SetVar(s.name+"_created", created)
	wctx.SetVar(s.name+"_skipped", skipped)
	result := "success"
	if errSummary != "" {
		result = "partial_failure"
	}
	wctx.SetVar(s.name+"_result", result)
	outputs := map[string]any{
		"created": created,
		"skipped": skipped,
		"result":  result,
	}
	if errSummary != "" {
		outputs["errors"] = errSummary
	}
	return &workflow.Result{Outputs: outputs}, nil
}

func retryableBulkError(err error) bool {
	if dashboard.IsServerError(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pat := range retryablePatterns {
		if strings.Contains(msg, pat) {
			return true
		}
	}
	return false
}

// taskMaps coerces a variable value into a list of task maps. Personas hand
// these over as parsed JSON, a JSON string, or a single object.
func taskMaps(value any) ([]map[string]any, error) {
	switch v := value.(type) {
	case []map[string]any:
		return v, nil
	case []any:
		out := make([]map[string]any, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("entry %d is not an object", i)
			}
			out = append(out, m)
		}
		return out, nil
	case map[string]any:
		return []map[string]any{v}, nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil, nil
		}
		var decoded any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
			return nil, fmt.Errorf("not valid JSON: %w", err)
		}
		return taskMaps(decoded)
	default:
		return nil, fmt.Errorf("unsupported value of type %T", value)
	}
}

// taskFromMap decodes one loosely-typed task spec. The dashboard wire names
// (milestone_slug, external_id) and their camelCase twins are both accepted.
func taskFromMap(m map[string]any, out *dashboard.TaskToCreate) error {
	normalized := make(map[string]any, len(m))
	for k, v := range m {
		normalized[snakeKey(k)] = v
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func snakeKey(k string) string {
	var b strings.Builder
	for i, r := range k {
		if 'A' <= r && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
