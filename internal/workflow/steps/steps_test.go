// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package steps

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/internal/config"
	"github.com/maestrohq/maestro/internal/events"
	"github.com/maestrohq/maestro/internal/gitws"
	"github.com/maestrohq/maestro/internal/persona"
	"github.com/maestrohq/maestro/internal/transport"
	"github.com/maestrohq/maestro/internal/workflow"
)

// testConfig keeps every budget small so timeout paths finish in
// milliseconds instead of the production minutes.
func testConfig(t *testing.T) *config.RuntimeConfig {
	t.Helper()
	return &config.RuntimeConfig{
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
		Coordinator: config.CoordinatorConfig{MaxIterations: 50},
	}
}

// testDeps wires a Deps over the in-process transport. Dashboard stays nil;
// dashboard-backed step tests install their own httptest client.
func testDeps(t *testing.T) Deps {
	t.Helper()
	cfg := testConfig(t)

	tr := transport.NewLocal()
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	return Deps{
		Config:    cfg,
		Messenger: persona.NewMessenger(tr, &cfg.Transport, nil),
		Workspace: gitws.NewWorkspace(cfg),
		Bus:       bus,
	}
}

// respond runs a scripted persona worker until the test ends: every request
// addressed to personaName is answered by fn.
func respond(t *testing.T, deps Deps, personaName string, fn func(req *persona.Request) *persona.Event) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		consumer := "worker-" + personaName
		for ctx.Err() == nil {
			req, msgID, err := deps.Messenger.ReceiveRequest(ctx, personaName, consumer, 100*time.Millisecond)
			if err != nil || req == nil {
				continue
			}
			_ = deps.Messenger.AckRequest(ctx, personaName, msgID)
			ev := fn(req)
			if ev == nil {
				continue // scripted silence, the caller times out
			}
			ev.WorkflowID = req.WorkflowID
			ev.Step = req.Step
			ev.FromPersona = personaName
			ev.CorrID = req.CorrID
			_ = deps.Messenger.Publish(ctx, ev)
		}
	}()
}

func doneEvent(result string) *persona.Event {
	return &persona.Event{Status: persona.StatusDone, Result: result}
}

func newRunContext(t *testing.T) *workflow.Context {
	t.Helper()
	wctx := workflow.NewContext("wf-test", "proj-1")
	wctx.SetVars(map[string]any{
		"task_id":    "task-42",
		"task_slug":  "demo-task",
		"task_title": "Demo task",
		"task_type":  "feature",
	})
	return wctx
}

// rawGit runs git directly for fixture setup.
func rawGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

// newLocalRepo builds a non-bare repository with one commit on main and no
// origin remote, and binds it to the context.
func newLocalRepo(t *testing.T, wctx *workflow.Context) string {
	t.Helper()
	repo := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(repo, 0o755))
	rawGit(t, repo, "init", "-b", "main")
	rawGit(t, repo, "config", "user.name", "fixture")
	rawGit(t, repo, "config", "user.email", "fixture@localhost")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("# demo\n"), 0o644))
	rawGit(t, repo, "add", ".")
	rawGit(t, repo, "commit", "-m", "initial commit")

	wctx.BindRepo(repo, "main")
	wctx.SetVar("effective_repo_path", repo)
	return repo
}

// addOrigin gives the repo a pushable bare remote and publishes main.
func addOrigin(t *testing.T, repo string) string {
	t.Helper()
	remote := filepath.Join(t.TempDir(), "remote.git")
	rawGit(t, filepath.Dir(remote), "init", "--bare", "-b", "main", remote)
	rawGit(t, repo, "remote", "add", "origin", remote)
	rawGit(t, repo, "push", "-u", "origin", "main")
	return remote
}

func buildStep(t *testing.T, deps Deps, spec workflow.StepSpec) workflow.Step {
	t.Helper()
	reg := workflow.NewRegistry()
	require.NoError(t, Register(reg, deps))
	step, err := reg.Build(spec)
	require.NoError(t, err)
	return step
}
