// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/internal/config"
	"github.com/maestrohq/maestro/internal/dashboard"
	"github.com/maestrohq/maestro/internal/events"
	"github.com/maestrohq/maestro/internal/gitws"
	"github.com/maestrohq/maestro/internal/persona"
	"github.com/maestrohq/maestro/internal/transport"
	"github.com/maestrohq/maestro/internal/workflow"
	"github.com/maestrohq/maestro/internal/workflow/steps"
)

// fakeDashboard is an in-memory dashboard serving the routes the coordinator
// touches. Transitions records every status PATCH as "taskID:status".
type fakeDashboard struct {
	mu          sync.Mutex
	project     dashboard.Project
	tasks       []dashboard.Task
	Transitions []string
}

func (f *fakeDashboard) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")

		path := r.URL.Path
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(path, "/status"):
			require.NoError(t, json.NewEncoder(w).Encode(f.project))
		case r.Method == http.MethodGet && strings.HasSuffix(path, "/tasks"):
			out := make([]dashboard.Task, 0, len(f.tasks))
			milestoneID := r.URL.Query().Get("milestone_id")
			for _, task := range f.tasks {
				if milestoneID == "" || task.MilestoneID == milestoneID {
					out = append(out, task)
				}
			}
			require.NoError(t, json.NewEncoder(w).Encode(out))
		case r.Method == http.MethodPatch:
			id := path[strings.LastIndexByte(path, '/')+1:]
			var patch map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&patch))
			status, _ := patch["status"].(string)
			for i := range f.tasks {
				if f.tasks[i].ID == id {
					f.tasks[i].Status = status
					f.Transitions = append(f.Transitions, id+":"+status)
					require.NoError(t, json.NewEncoder(w).Encode(f.tasks[i]))
					return
				}
			}
			http.NotFound(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	return mux
}

func rawGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

// newRemote builds a bare repository with one commit on main and returns its
// path, usable as a clone URL.
func newRemote(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	seed := filepath.Join(dir, "seed")
	require.NoError(t, os.MkdirAll(seed, 0o755))
	rawGit(t, seed, "init", "-b", "main")
	rawGit(t, seed, "config", "user.name", "fixture")
	rawGit(t, seed, "config", "user.email", "fixture@localhost")
	require.NoError(t, os.WriteFile(filepath.Join(seed, "README.md"), []byte("# demo\n"), 0o644))
	rawGit(t, seed, "add", ".")
	rawGit(t, seed, "commit", "-m", "initial commit")

	remote := filepath.Join(dir, "remote.git")
	rawGit(t, dir, "init", "--bare", "-b", "main", remote)
	rawGit(t, seed, "remote", "add", "origin", remote)
	rawGit(t, seed, "push", "-u", "origin", "main")
	return remote
}

// writeWorkflows drops the given definitions into a directory the library
// loads from.
func writeWorkflows(t *testing.T, docs map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, doc := range docs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(doc), 0o644))
	}
	return dir
}

const markerFlow = `
name: marker-flow
version: "1"
steps:
  - name: seed
    type: variable_set
    config:
      variables:
        marker: "ran ${task_slug}"
`

const abortFlow = `
name: abort-flow
version: "1"
trigger:
  condition: "${task_type} == 'bug'"
steps:
  - name: halt
    type: workflow_abort
    config:
      reason: "bug flow not implemented"
`

// harness bundles a wired coordinator with its fake dashboard.
type harness struct {
	coord *Coordinator
	dash  *fakeDashboard
	cfg   *config.RuntimeConfig
	bus   *events.Bus
}

func newHarness(t *testing.T, dash *fakeDashboard, flows map[string]string, defaultFlow string) *harness {
	t.Helper()
	cfg := &config.RuntimeConfig{
		ProjectBase: t.TempDir(),
		Git: config.GitConfig{
			DefaultBranch: "main",
			UserName:      "maestro",
			UserEmail:     "maestro@localhost",
		},
		Transport: config.TransportConfig{
			Type:          "local",
			RequestStream: "maestro:requests",
			EventStream:   "maestro:events",
			GroupPrefix:   "maestro",
			ConsumerID:    "coordinator-test",
		},
		Persona: config.PersonaConfig{
			DefaultTimeoutMS:        500,
			DefaultMaxRetries:       1,
			RetryBackoffIncrementMS: 100,
		},
		Workflow:    config.WorkflowConfig{Dir: writeWorkflows(t, flows), Default: defaultFlow},
		Coordinator: config.CoordinatorConfig{ProjectID: "proj-1", MaxIterations: 50},
	}

	srv := httptest.NewServer(dash.handler(t))
	t.Cleanup(srv.Close)
	cfg.Dashboard = config.DashboardConfig{BaseURL: srv.URL}

	tr := transport.NewLocal()
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	library, err := workflow.LoadLibrary(&cfg.Workflow)
	require.NoError(t, err)

	workspace := gitws.NewWorkspace(cfg)
	client := dashboard.NewClient(&cfg.Dashboard)
	registry := workflow.NewRegistry()
	require.NoError(t, steps.Register(registry, steps.Deps{
		Config:    cfg,
		Messenger: persona.NewMessenger(tr, &cfg.Transport, nil),
		Workspace: workspace,
		Dashboard: client,
		Bus:       bus,
	}))

	coord := New(Deps{
		Config:    cfg,
		Dashboard: client,
		Workspace: workspace,
		Transport: tr,
		Library:   library,
		Engine:    workflow.NewEngine(registry, bus, nil),
		Bus:       bus,
	})
	return &harness{coord: coord, dash: dash, cfg: cfg, bus: bus}
}

func projectWith(remote string, milestones []dashboard.Milestone) dashboard.Project {
	return dashboard.Project{
		ID:   "proj-1",
		Name: "demo-project",
		Repository: &dashboard.Repository{
			ID:            "repo-1",
			Name:          "demo",
			URL:           remote,
			DefaultBranch: "main",
		},
		Milestones: milestones,
	}
}

func TestRunDrainsBacklogInPriorityOrder(t *testing.T) {
	remote := newRemote(t)
	dash := &fakeDashboard{
		project: projectWith(remote, []dashboard.Milestone{
			{ID: "ms-1", Title: "Foundation", Slug: "foundation", Status: dashboard.MilestoneStatusActive},
		}),
		tasks: []dashboard.Task{
			{ID: "t-low", MilestoneID: "ms-1", Title: "Polish docs", Slug: "polish-docs", Status: dashboard.StatusOpen, Priority: dashboard.PriorityLow},
			{ID: "t-high", MilestoneID: "ms-1", Title: "Fix login", Slug: "fix-login", Status: dashboard.StatusOpen, Priority: dashboard.PriorityHigh},
		},
	}
	h := newHarness(t, dash, map[string]string{"marker-flow": markerFlow}, "marker-flow")

	require.NoError(t, h.coord.Run(context.Background()))

	assert.Equal(t, []string{
		"t-high:in_progress", "t-high:done",
		"t-low:in_progress", "t-low:done",
	}, dash.Transitions, "higher priority score runs first")

	// The clone landed under the sanitized project name on the milestone
	// branch.
	repoRoot := filepath.Join(h.cfg.ProjectBase, "demo-project")
	require.DirExists(t, repoRoot)
	assert.Equal(t, "milestone/foundation", rawGit(t, repoRoot, "rev-parse", "--abbrev-ref", "HEAD"))
}

func TestRunBlocksTaskWhenWorkflowFails(t *testing.T) {
	remote := newRemote(t)
	dash := &fakeDashboard{
		project: projectWith(remote, nil),
		tasks: []dashboard.Task{
			{ID: "t-1", Title: "Broken bug", Slug: "broken-bug", Type: "bug", Status: dashboard.StatusOpen},
		},
	}
	h := newHarness(t, dash, map[string]string{
		"marker-flow": markerFlow,
		"abort-flow":  abortFlow,
	}, "marker-flow")

	require.NoError(t, h.coord.Run(context.Background()))

	// The bug trigger routed the task to the aborting flow.
	assert.Equal(t, []string{"t-1:in_progress", "t-1:blocked"}, dash.Transitions)
}

func TestRunSelectsDefaultWorkflowWithoutTriggerMatch(t *testing.T) {
	remote := newRemote(t)
	dash := &fakeDashboard{
		project: projectWith(remote, nil),
		tasks: []dashboard.Task{
			{ID: "t-1", Title: "Plain task", Slug: "plain-task", Type: "feature", Status: dashboard.StatusOpen},
		},
	}
	h := newHarness(t, dash, map[string]string{
		"marker-flow": markerFlow,
		"abort-flow":  abortFlow,
	}, "marker-flow")

	require.NoError(t, h.coord.Run(context.Background()))
	assert.Equal(t, []string{"t-1:in_progress", "t-1:done"}, dash.Transitions)
}

func TestRunStopsAtIterationBound(t *testing.T) {
	remote := newRemote(t)
	dash := &fakeDashboard{
		project: projectWith(remote, nil),
		tasks: []dashboard.Task{
			{ID: "t-1", Title: "First", Slug: "first", Status: dashboard.StatusOpen},
			{ID: "t-2", Title: "Second", Slug: "second", Status: dashboard.StatusOpen},
		},
	}
	h := newHarness(t, dash, map[string]string{"marker-flow": markerFlow}, "marker-flow")
	h.cfg.Coordinator.MaxIterations = 1

	require.NoError(t, h.coord.Run(context.Background()))
	assert.Equal(t, []string{"t-1:in_progress", "t-1:done"}, dash.Transitions, "only one task per iteration budget")
}

func TestRunNoActionableWorkReturnsCleanly(t *testing.T) {
	dash := &fakeDashboard{
		project: projectWith(newRemote(t), nil),
		tasks: []dashboard.Task{
			{ID: "t-done", Title: "Shipped", Status: dashboard.StatusDone},
			{ID: "t-blocked", Title: "Stuck", Status: dashboard.StatusBlocked},
		},
	}
	h := newHarness(t, dash, map[string]string{"marker-flow": markerFlow}, "marker-flow")

	require.NoError(t, h.coord.Run(context.Background()))
	assert.Empty(t, dash.Transitions, "done and blocked tasks are left alone")
}

func TestRunHonorsCancellation(t *testing.T) {
	dash := &fakeDashboard{
		project: projectWith(newRemote(t), nil),
		tasks: []dashboard.Task{
			{ID: "t-1", Title: "Never started", Slug: "never-started", Status: dashboard.StatusOpen},
		},
	}
	h := newHarness(t, dash, map[string]string{"marker-flow": markerFlow}, "marker-flow")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.coord.Run(ctx)
	require.Error(t, err)

	assert.Empty(t, dash.Transitions)
}

func TestRunPublishesTaskStatusEvents(t *testing.T) {
	remote := newRemote(t)
	dash := &fakeDashboard{
		project: projectWith(remote, nil),
		tasks: []dashboard.Task{
			{ID: "t-1", Title: "Eventful", Slug: "eventful", Status: dashboard.StatusOpen},
		},
	}
	h := newHarness(t, dash, map[string]string{"marker-flow": markerFlow}, "marker-flow")

	ch, cancelSub := h.bus.Subscribe()
	defer cancelSub()

	done := make(chan struct{})
	var changes []events.TaskStatusChanged
	go func() {
		defer close(done)
		for ev := range ch {
			if tc, ok := ev.(events.TaskStatusChanged); ok {
				changes = append(changes, tc)
				if tc.To == dashboard.StatusDone {
					return
				}
			}
		}
	}()

	require.NoError(t, h.coord.Run(context.Background()))
	<-done

	require.Len(t, changes, 2)
	assert.Equal(t, dashboard.StatusOpen, changes[0].From)
	assert.Equal(t, dashboard.StatusInProgress, changes[0].To)
	assert.Equal(t, dashboard.StatusDone, changes[1].To)
	assert.Equal(t, "t-1", changes[1].TaskID)
}

func TestFeatureBranchDerivation(t *testing.T) {
	milestone := &dashboard.Milestone{Slug: "Sprint One!"}
	w := &work{milestone: milestone, task: dashboard.Task{Slug: "fix-login"}}
	assert.Equal(t, "milestone/sprint-one", featureBranch(w))

	w = &work{task: dashboard.Task{Slug: "fix-login"}}
	assert.Equal(t, "task/fix-login", featureBranch(w))

	w = &work{task: dashboard.Task{ID: "t-9", Title: "Fix Login Flow"}}
	assert.Equal(t, "task/fix-login-flow", featureBranch(w))
}
