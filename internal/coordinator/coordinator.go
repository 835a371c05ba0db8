// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package coordinator drives the outer task loop: it refreshes the project
// from the dashboard, picks the next actionable task, prepares the working
// tree, selects a workflow and hands the run to the engine. Task status
// transitions on the dashboard mirror each run's outcome.
package coordinator

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/maestrohq/maestro/internal/config"
	"github.com/maestrohq/maestro/internal/dashboard"
	"github.com/maestrohq/maestro/internal/events"
	"github.com/maestrohq/maestro/internal/gitws"
	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/tasks"
	"github.com/maestrohq/maestro/internal/telemetry"
	"github.com/maestrohq/maestro/internal/transport"
	"github.com/maestrohq/maestro/internal/workflow"
)

// Deps are the collaborators a coordinator needs. Bus and Metrics may be nil
// in tests.
type Deps struct {
	Config    *config.RuntimeConfig
	Dashboard *dashboard.Client
	Workspace *gitws.Workspace
	Transport transport.Transport
	Library   *workflow.Library
	Engine    *workflow.Engine
	Bus       *events.Bus
	Metrics   *telemetry.Metrics
}

// Coordinator owns one project's task loop. It is single-threaded: one task,
// one workflow run at a time.
type Coordinator struct {
	deps      Deps
	scorer    *tasks.Scorer
	processed map[string]bool
	log       zerolog.Logger
}

// New builds a coordinator over the given collaborators.
func New(deps Deps) *Coordinator {
	return &Coordinator{
		deps:      deps,
		scorer:    tasks.NewScorer(nil),
		processed: make(map[string]bool),
		log:       logger.GetCoordinatorLogger(),
	}
}

// work is one unit the loop picked: the task plus the context it was found in.
type work struct {
	project   *dashboard.Project
	milestone *dashboard.Milestone
	task      dashboard.Task
}

// Run processes tasks until the backlog drains, the iteration bound is hit
// or ctx is canceled. Each iteration re-reads the project so tasks created
// by earlier runs (PM follow-ups, review gaps) are picked up.
func (c *Coordinator) Run(ctx context.Context) error {
	projectID := c.deps.Config.Coordinator.ProjectID
	if projectID == "" {
		return fmt.Errorf("coordinator requires a project id")
	}
	if err := c.deps.Dashboard.Health(ctx); err != nil {
		return fmt.Errorf("dashboard not reachable: %w", err)
	}

	maxIterations := c.deps.Config.Coordinator.MaxIterations
	c.log.Info().Str("project_id", projectID).Int("max_iterations", maxIterations).Msg("coordinator started")

	for iteration := 1; iteration <= maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			c.log.Info().Int("iteration", iteration).Msg("coordinator canceled")
			return err
		}

		next, err := c.nextWork(ctx, projectID)
		if err != nil {
			return fmt.Errorf("select next task: %w", err)
		}
		if next == nil {
			c.log.Info().Int("iterations", iteration-1).Msg("backlog drained, coordinator done")
			return nil
		}

		c.processed[next.task.ID] = true
		status := c.runTask(ctx, next)
		if c.deps.Metrics != nil {
			c.deps.Metrics.CoordinatorTasks.WithLabelValues(status).Inc()
		}
		c.log.Info().
			Int("iteration", iteration).
			Str("task_id", next.task.ID).
			Str("terminal_status", status).
			Msg("task processed")
	}

	c.log.Warn().Int("max_iterations", maxIterations).Msg("iteration bound reached with work remaining")
	return nil
}

// nextWork refreshes the project and picks the next actionable task, or nil
// when nothing is left.
func (c *Coordinator) nextWork(ctx context.Context, projectID string) (*work, error) {
	project, err := c.deps.Dashboard.GetProjectStatus(ctx, projectID)
	if err != nil {
		return nil, err
	}

	milestone := pickMilestone(project.Milestones)
	filter := dashboard.TaskFilter{}
	if milestone != nil {
		filter.MilestoneID = milestone.ID
	}
	list, err := c.deps.Dashboard.ListTasks(ctx, projectID, filter)
	if err != nil {
		return nil, err
	}
	task := c.pickTask(list)
	if task == nil && milestone != nil {
		// The milestone may be drained while other tasks remain.
		milestone = nil
		list, err = c.deps.Dashboard.ListTasks(ctx, projectID, dashboard.TaskFilter{})
		if err != nil {
			return nil, err
		}
		task = c.pickTask(list)
	}
	if task == nil {
		return nil, nil
	}
	return &work{project: project, milestone: milestone, task: *task}, nil
}

// pickMilestone prefers the first active milestone, else the first one that
// still has an actionable task attached.
func pickMilestone(milestones []dashboard.Milestone) *dashboard.Milestone {
	for i := range milestones {
		if milestones[i].Status == dashboard.MilestoneStatusActive {
			return &milestones[i]
		}
	}
	for i := range milestones {
		for _, t := range milestones[i].Tasks {
			if actionable(t) {
				return &milestones[i]
			}
		}
	}
	return nil
}

// pickTask orders candidates by priority score descending with insertion
// order as the tiebreak, and returns the first not yet processed.
func (c *Coordinator) pickTask(list []dashboard.Task) *dashboard.Task {
	candidates := make([]dashboard.Task, 0, len(list))
	for _, t := range list {
		if actionable(t) && !c.processed[t.ID] {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return c.score(candidates[i]) > c.score(candidates[j])
	})
	return &candidates[0]
}

func (c *Coordinator) score(t dashboard.Task) int {
	if t.PriorityScore > 0 {
		return t.PriorityScore
	}
	return c.scorer.Score(t.Priority)
}

// actionable excludes finished tasks and blocked ones, which need a human
// before the coordinator touches them again.
func actionable(t dashboard.Task) bool {
	return !t.Done() && t.Status != dashboard.StatusBlocked
}

// runTask drives one task through workspace preparation, workflow selection
// and the engine, and returns the terminal dashboard status it reached.
func (c *Coordinator) runTask(ctx context.Context, w *work) string {
	runID := "wf-" + uuid.NewString()
	wctx := workflow.NewContext(runID, w.project.ID)
	wctx.Transport = c.deps.Transport
	wctx.SetVars(c.initialVars(runID, w))

	log := c.log.With().
		Str("workflow_run_id", runID).
		Str("task_id", w.task.ID).
		Str("task_title", w.task.Title).
		Logger()

	def, err := c.selectWorkflow(wctx)
	if err != nil {
		log.Error().Err(err).Msg("no workflow applies")
		c.moveTask(ctx, wctx, &w.task, dashboard.StatusBlocked)
		return dashboard.StatusBlocked
	}
	log.Info().Str("workflow", def.Name).Msg("workflow selected")

	if err := c.prepareWorkspace(ctx, w, wctx); err != nil {
		log.Error().Err(err).Msg("workspace preparation failed")
		c.publishError(wctx, "workspace", err)
		c.moveTask(ctx, wctx, &w.task, dashboard.StatusBlocked)
		return dashboard.StatusBlocked
	}

	c.moveTask(ctx, wctx, &w.task, dashboard.StatusInProgress)

	result, err := c.deps.Engine.Run(ctx, def, wctx)
	if err != nil {
		log.Error().Err(err).Msg("workflow could not start")
		c.publishError(wctx, "engine", err)
		c.moveTask(ctx, wctx, &w.task, dashboard.StatusBlocked)
		return dashboard.StatusBlocked
	}

	switch result.Status {
	case workflow.RunCompleted:
		c.moveTask(ctx, wctx, &w.task, dashboard.StatusDone)
		return dashboard.StatusDone
	case workflow.RunSkipped:
		// The trigger backed out after selection; hand the task back.
		c.moveTask(ctx, wctx, &w.task, dashboard.StatusOpen)
		return dashboard.StatusOpen
	default:
		log.Error().
			Err(result.Err).
			Str("failed_step", result.FailedStep).
			Str("abort_reason", result.AbortReason).
			Msg("workflow failed")
		c.moveTask(ctx, wctx, &w.task, dashboard.StatusBlocked)
		return dashboard.StatusBlocked
	}
}

// initialVars seeds the run context with the task, milestone, project and
// repository facts every workflow definition may reference.
func (c *Coordinator) initialVars(runID string, w *work) map[string]any {
	vars := map[string]any{
		"workflow_run_id": runID,
		"project_id":      w.project.ID,
		"project_name":    w.project.Name,
		"task_id":         w.task.ID,
		"task_slug":       taskSlug(w.task),
		"task_title":      w.task.Title,
		"task_type":       taskType(w.task),
		"task_status":     w.task.Status,
		"base_branch":     c.baseBranch(w),
		"feature_branch":  featureBranch(w),
	}
	if w.milestone != nil {
		vars["milestone_slug"] = w.milestone.Slug
		vars["milestone_title"] = w.milestone.Title
	}
	if repo := primaryRepository(w.project); repo != nil {
		vars["repo_remote"] = repo.URL
	}
	return vars
}

// selectWorkflow evaluates each definition's trigger against the initial
// variables and returns the first match, else the configured default.
func (c *Coordinator) selectWorkflow(wctx *workflow.Context) (*workflow.Definition, error) {
	for _, name := range c.deps.Library.Names() {
		def, err := c.deps.Library.Get(name)
		if err != nil {
			return nil, err
		}
		if def.Trigger == nil || def.Trigger.Condition == "" {
			continue
		}
		ok, err := workflow.EvalCondition(def.Trigger.Condition, wctx)
		if err != nil {
			return nil, fmt.Errorf("workflow %s trigger: %w", def.Name, err)
		}
		if ok {
			return def, nil
		}
	}
	return c.deps.Library.Get(c.deps.Config.Workflow.Default)
}

// prepareWorkspace ensures the clone, puts it on the feature branch and
// publishes the branch. With SKIP_GIT_OPERATIONS the repo path is resolved
// without touching git so steps still see a bound repository.
func (c *Coordinator) prepareWorkspace(ctx context.Context, w *work, wctx *workflow.Context) error {
	repo := primaryRepository(w.project)
	if repo == nil {
		// Workflows gated on repo_required refuse to start later.
		return nil
	}
	base := c.baseBranch(w)
	feature := featureBranch(w)

	if c.deps.Config.SkipGitOperations {
		root, err := c.deps.Workspace.Resolve(repo.URL, w.project.Name)
		if err != nil {
			return err
		}
		wctx.BindRepo(root, feature)
		wctx.SetVar("effective_repo_path", root)
		return nil
	}

	root, err := c.deps.Workspace.Ensure(ctx, repo.URL, w.project.Name)
	if err != nil {
		return err
	}
	if err := c.deps.Workspace.CheckoutBranchFromBase(ctx, root, base, feature); err != nil {
		return err
	}
	if err := c.deps.Workspace.EnsureBranchPublished(ctx, root, feature); err != nil {
		return err
	}
	wctx.BindRepo(root, feature)
	wctx.SetVar("effective_repo_path", root)
	return nil
}

func (c *Coordinator) baseBranch(w *work) string {
	if repo := primaryRepository(w.project); repo != nil && repo.DefaultBranch != "" {
		return repo.DefaultBranch
	}
	if c.deps.Config.Git.DefaultBranch != "" {
		return c.deps.Config.Git.DefaultBranch
	}
	return "main"
}

// featureBranch derives the working branch: milestone-scoped when the task
// belongs to one, task-scoped otherwise.
func featureBranch(w *work) string {
	if w.milestone != nil && w.milestone.Slug != "" {
		return "milestone/" + gitws.SanitizeSegment(w.milestone.Slug)
	}
	return "task/" + gitws.SanitizeSegment(taskSlug(w.task))
}

func taskSlug(t dashboard.Task) string {
	if t.Slug != "" {
		return t.Slug
	}
	if s := gitws.SanitizeSegment(t.Title); s != "" {
		return s
	}
	return t.ID
}

func taskType(t dashboard.Task) string {
	if t.Type != "" {
		return t.Type
	}
	return "task"
}

// primaryRepository picks the repository a run works against: the embedded
// one, else the one flagged primary, else the first attached.
func primaryRepository(p *dashboard.Project) *dashboard.Repository {
	if p.Repository != nil {
		return p.Repository
	}
	for i := range p.Repositories {
		if p.Repositories[i].IsPrimary {
			return &p.Repositories[i]
		}
	}
	if len(p.Repositories) > 0 {
		return &p.Repositories[0]
	}
	return nil
}

// moveTask transitions the dashboard task best-effort and mirrors the change
// into the run context and event feed. A failed transition is logged, not
// fatal: the run outcome matters more than the bookkeeping.
func (c *Coordinator) moveTask(ctx context.Context, wctx *workflow.Context, task *dashboard.Task, status string) {
	if task.Status == status {
		return
	}
	from := task.Status
	if _, err := c.deps.Dashboard.UpdateTaskStatus(ctx, wctx.ProjectID, task.ID, status); err != nil {
		c.log.Warn().Err(err).Str("task_id", task.ID).Str("status", status).Msg("task status update failed")
		return
	}
	task.Status = status
	wctx.SetVar("task_status", status)
	if c.deps.Bus != nil {
		c.deps.Bus.Publish(events.TaskStatusChanged{
			Metadata: events.NewMetadata(wctx.WorkflowID, wctx.ProjectID, task.ID),
			From:     from,
			To:       status,
		})
	}
}

func (c *Coordinator) publishError(wctx *workflow.Context, context string, err error) {
	if c.deps.Bus == nil {
		return
	}
	c.deps.Bus.Publish(events.RunError{
		Metadata: events.NewMetadata(wctx.WorkflowID, wctx.ProjectID, wctx.StringVar("task_id")),
		Context:  context,
		Message:  err.Error(),
	})
}
