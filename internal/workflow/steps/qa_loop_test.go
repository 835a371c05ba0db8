// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package steps

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/internal/config"
	"github.com/maestrohq/maestro/internal/dashboard"
	"github.com/maestrohq/maestro/internal/persona"
	"github.com/maestrohq/maestro/internal/workflow"
)

func qaSpec(cfg map[string]any) workflow.StepSpec {
	return workflow.StepSpec{Name: "qa_loop", Type: "qa_iteration_loop", Config: cfg}
}

func TestQALoopPassesFirstIteration(t *testing.T) {
	deps := testDeps(t)
	wctx := newRunContext(t)
	newLocalRepo(t, wctx)

	var statusCalls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		statusCalls = append(statusCalls, r.Method+" "+r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"task-42","title":"Demo","status":"in_review"}`))
	}))
	t.Cleanup(srv.Close)
	deps.Dashboard = dashboard.NewClient(&config.DashboardConfig{BaseURL: srv.URL})

	respond(t, deps, "tester-qa", func(req *persona.Request) *persona.Event {
		return doneEvent(`{"status":"pass","details":"12 passed, 0 failed"}`)
	})

	step := buildStep(t, deps, qaSpec(map[string]any{"max_iterations": 3}))
	require.NoError(t, step.Validate(wctx))

	res, err := step.Execute(context.Background(), wctx)
	require.NoError(t, err)

	assert.Equal(t, "pass", res.Outputs["status"])
	assert.Equal(t, 1, res.Outputs["iterations"])
	assert.Equal(t, "pass", wctx.StringVar("qa_status"))
	assert.Equal(t, dashboard.StatusInReview, wctx.StringVar("task_status"))
	require.NotEmpty(t, statusCalls, "qa pass promotes the task to in_review")
}

func TestQALoopFixRoundThenPass(t *testing.T) {
	deps := testDeps(t)
	wctx := newRunContext(t)
	repo := newLocalRepo(t, wctx)
	addOrigin(t, repo)

	qaCalls := 0
	respond(t, deps, "tester-qa", func(req *persona.Request) *persona.Event {
		qaCalls++
		if qaCalls == 1 {
			return doneEvent(`{"status":"fail","details":"TestDemo failed"}`)
		}
		payload, err := req.PayloadMap()
		require.NoError(t, err)
		assert.Contains(t, payload, "previous_failures", "retest carries the failure history")
		return doneEvent(`{"status":"pass"}`)
	})
	respond(t, deps, "lead-engineer", func(req *persona.Request) *persona.Event {
		switch req.Intent {
		case "plan_fix":
			return doneEvent(`{"status":"done","plan":"patch README"}`)
		case "implement_fix":
			return doneEvent(`{"status":"done","diff":` + marshalString(t, readmeDiff) + `}`)
		default:
			t.Errorf("unexpected intent %q", req.Intent)
			return doneEvent(`{}`)
		}
	})

	step := buildStep(t, deps, qaSpec(map[string]any{
		"max_iterations": 3,
		"commit_message": "fix: qa iteration ${qa_iteration}",
	}))

	res, err := step.Execute(context.Background(), wctx)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Outputs["iterations"])
	assert.Equal(t, "pass", wctx.StringVar("qa_status"))
	content, err := os.ReadFile(filepath.Join(repo, "README.md"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "extended by a persona", "fix diff landed in the tree")
	assert.Equal(t, "fix: qa iteration 1", rawGit(t, repo, "log", "-1", "--format=%s"))
}

func TestQALoopExhaustionAborts(t *testing.T) {
	deps := testDeps(t)
	deps.Config.SkipGitOperations = true
	wctx := newRunContext(t)

	respond(t, deps, "tester-qa", func(req *persona.Request) *persona.Event {
		return doneEvent(`{"status":"fail","details":"still broken"}`)
	})
	respond(t, deps, "lead-engineer", func(req *persona.Request) *persona.Event {
		return doneEvent(`{"status":"done"}`)
	})

	step := buildStep(t, deps, qaSpec(map[string]any{"max_iterations": 2}))

	_, err := step.Execute(context.Background(), wctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not pass after 2 iterations")

	aborted, reason := wctx.AbortRequested()
	assert.True(t, aborted)
	assert.Equal(t, "qa_max_iterations", reason)
	assert.Equal(t, "fail", wctx.StringVar("qa_status"))
	summary := wctx.StringVar("qa_failure_summary")
	assert.Contains(t, summary, "iteration 1: still broken")
	assert.Contains(t, summary, "iteration 2: still broken")
}

func TestQALoopExhaustionWithoutAbortSurfacesFailStatus(t *testing.T) {
	deps := testDeps(t)
	deps.Config.SkipGitOperations = true
	wctx := newRunContext(t)

	respond(t, deps, "tester-qa", func(req *persona.Request) *persona.Event {
		return doneEvent(`{"status":"fail","details":"flaky"}`)
	})
	respond(t, deps, "lead-engineer", func(req *persona.Request) *persona.Event {
		return doneEvent(`{"status":"done"}`)
	})

	step := buildStep(t, deps, qaSpec(map[string]any{
		"max_iterations":      1,
		"abort_on_exhaustion": false,
	}))

	res, err := step.Execute(context.Background(), wctx)
	require.NoError(t, err)
	assert.Equal(t, "fail", res.Outputs["status"])
	assert.Equal(t, "fail", wctx.StringVar("qa_status"))
	aborted, _ := wctx.AbortRequested()
	assert.False(t, aborted)
}

func TestQANoTestsOverride(t *testing.T) {
	deps := testDeps(t)
	deps.Config.SkipGitOperations = true
	wctx := newRunContext(t)

	// QA claims pass but ran nothing; the interpreter downgrades that to
	// fail, so the loop exhausts and surfaces the forced failure.
	respond(t, deps, "tester-qa", func(req *persona.Request) *persona.Event {
		return doneEvent(`{"status":"pass","details":"0 passed, 0 failed"}`)
	})
	respond(t, deps, "lead-engineer", func(req *persona.Request) *persona.Event {
		return doneEvent(`{"status":"done"}`)
	})

	step := buildStep(t, deps, qaSpec(map[string]any{
		"max_iterations":      1,
		"abort_on_exhaustion": false,
	}))

	res, err := step.Execute(context.Background(), wctx)
	require.NoError(t, err)
	assert.Equal(t, "fail", res.Outputs["status"])
	assert.Contains(t, wctx.StringVar("qa_failure_summary"), "no tests were executed")
}
