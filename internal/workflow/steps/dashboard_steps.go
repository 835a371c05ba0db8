// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package steps

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/maestrohq/maestro/internal/dashboard"
	"github.com/maestrohq/maestro/internal/events"
	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/workflow"
)

var validTaskStatuses = map[string]bool{
	dashboard.StatusOpen:       true,
	dashboard.StatusInProgress: true,
	dashboard.StatusInReview:   true,
	dashboard.StatusBlocked:    true,
	dashboard.StatusDone:       true,
	dashboard.StatusArchived:   true,
}

type taskStatusUpdateConfig struct {
	TaskID string `mapstructure:"task_id"`
	Status string `mapstructure:"status"`
}

// taskStatusUpdateStep moves a dashboard task to a new status and announces
// the transition on the event bus.
type taskStatusUpdateStep struct {
	name string
	cfg  taskStatusUpdateConfig
	deps Deps
	log  zerolog.Logger
}

func newTaskStatusUpdate(spec workflow.StepSpec, deps Deps) (workflow.Step, error) {
	var cfg taskStatusUpdateConfig
	if err := decodeConfig(spec.Config, &cfg); err != nil {
		return nil, err
	}
	return &taskStatusUpdateStep{name: spec.Name, cfg: cfg, deps: deps, log: logger.GetStepLogger()}, nil
}

func (s *taskStatusUpdateStep) Name() string { return s.name }
func (s *taskStatusUpdateStep) Kind() string { return "task_status_update" }

func (s *taskStatusUpdateStep) Validate(*workflow.Context) error {
	if s.deps.Dashboard == nil {
		return fmt.Errorf("dashboard client is required")
	}
	if !validTaskStatuses[s.cfg.Status] {
		return fmt.Errorf("invalid task status %q", s.cfg.Status)
	}
	return nil
}

func (s *taskStatusUpdateStep) Execute(ctx context.Context, wctx *workflow.Context) (*workflow.Result, error) {
	taskID := workflow.Interpolate(s.cfg.TaskID, wctx)
	if taskID == "" || taskID == "unknown" {
		taskID = wctx.StringVar("task_id")
	}
	if taskID == "" {
		return nil, fmt.Errorf("no task id in config or context")
	}

	from := wctx.StringVar("task_status")
	if _, err := s.deps.Dashboard.UpdateTaskStatus(ctx, wctx.ProjectID, taskID, s.cfg.Status); err != nil {
		return nil, fmt.Errorf("update task %s to %s: %w", taskID, s.cfg.Status, err)
	}
	wctx.SetVar("task_status", s.cfg.Status)
	s.deps.publish(events.TaskStatusChanged{
		Metadata: s.deps.metadata(wctx),
		From:     from,
		To:       s.cfg.Status,
	})
	s.log.Info().Str("task_id", taskID).Str("status", s.cfg.Status).Msg("task status updated")
	return &workflow.Result{Outputs: map[string]any{
		"task_id": taskID,
		"status":  s.cfg.Status,
	}}, nil
}

type milestoneUpdateConfig struct {
	MilestoneSlug   string `mapstructure:"milestone_slug"`
	Status          string `mapstructure:"status"`
	Title           string `mapstructure:"title"`
	Description     string `mapstructure:"description"`
	UpdatesVariable string `mapstructure:"updates_variable"`
}

// milestoneUpdateStep patches one milestone by slug, or a whole batch
// carried in a context variable (the shape pm_decision_parse emits).
type milestoneUpdateStep struct {
	name string
	cfg  milestoneUpdateConfig
	deps Deps
	log  zerolog.Logger
}

func newMilestoneUpdate(spec workflow.StepSpec, deps Deps) (workflow.Step, error) {
	var cfg milestoneUpdateConfig
	if err := decodeConfig(spec.Config, &cfg); err != nil {
		return nil, err
	}
	return &milestoneUpdateStep{name: spec.Name, cfg: cfg, deps: deps, log: logger.GetStepLogger()}, nil
}

func (s *milestoneUpdateStep) Name() string { return s.name }
func (s *milestoneUpdateStep) Kind() string { return "milestone_update" }

func (s *milestoneUpdateStep) Validate(*workflow.Context) error {
	if s.deps.Dashboard == nil {
		return fmt.Errorf("dashboard client is required")
	}
	if s.cfg.MilestoneSlug == "" && s.cfg.UpdatesVariable == "" {
		return fmt.Errorf("either milestone_slug or updates_variable is required")
	}
	if s.cfg.MilestoneSlug != "" && s.cfg.Status == "" && s.cfg.Title == "" && s.cfg.Description == "" {
		return fmt.Errorf("nothing to update: set status, title or description")
	}
	return nil
}

func (s *milestoneUpdateStep) Execute(ctx context.Context, wctx *workflow.Context) (*workflow.Result, error) {
	milestones, err := s.deps.Dashboard.ListMilestones(ctx, wctx.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	bySlug := make(map[string]string, len(milestones))
	for _, m := range milestones {
		bySlug[m.Slug] = m.ID
	}

	updates := s.collectUpdates(wctx)
	applied := 0
	for _, u := range updates {
		slug, _ := u["milestone_slug"].(string)
		if slug == "" {
			slug, _ = u["slug"].(string)
		}
		id, ok := bySlug[slug]
		if !ok {
			s.log.Warn().Str("slug", slug).Msg("milestone not found, skipping update")
			continue
		}
		patch := make(map[string]any, 3)
		for _, key := range []string{"status", "title", "description"} {
			if v, ok := u[key].(string); ok && v != "" {
				patch[key] = v
			}
		}
		if len(patch) == 0 {
			continue
		}
		if _, err := s.deps.Dashboard.UpdateMilestone(ctx, wctx.ProjectID, id, patch); err != nil {
			return nil, fmt.Errorf("update milestone %s: %w", slug, err)
		}
		applied++
	}
	s.log.Info().Int("applied", applied).Msg("milestone updates applied")
	return &workflow.Result{Outputs: map[string]any{"updated": applied}}, nil
}

func (s *milestoneUpdateStep) collectUpdates(wctx *workflow.Context) []map[string]any {
	var updates []map[string]any
	if s.cfg.MilestoneSlug != "" {
		updates = append(updates, map[string]any{
			"milestone_slug": workflow.Interpolate(s.cfg.MilestoneSlug, wctx),
			"status":         workflow.Interpolate(s.cfg.Status, wctx),
			"title":          workflow.Interpolate(s.cfg.Title, wctx),
			"description":    workflow.Interpolate(s.cfg.Description, wctx),
		})
	}
	if s.cfg.UpdatesVariable != "" {
		if value, ok := wctx.Var(s.cfg.UpdatesVariable); ok {
			if list, ok := value.([]map[string]any); ok {
				updates = append(updates, list...)
			} else if list, ok := value.([]any); ok {
				for _, item := range list {
					if m, ok := item.(map[string]any); ok {
						updates = append(updates, m)
					}
				}
			}
		}
	}
	return updates
}
