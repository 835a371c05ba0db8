// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package steps

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/workflow"
)

// artifactDir is where run artifacts live inside the working tree.
const artifactDir = ".ma/tasks"

type artifactWriteConfig struct {
	Path          string `mapstructure:"path"`
	Content       string `mapstructure:"content"`
	Commit        bool   `mapstructure:"commit"`
	CommitMessage string `mapstructure:"commit_message"`
	Push          bool   `mapstructure:"push"`
}

// artifactWriteStep renders a text artifact into the working tree. The
// commit is best-effort: a git failure is logged, never fatal, so a flaky
// remote cannot sink the run over a markdown note.
type artifactWriteStep struct {
	name string
	cfg  artifactWriteConfig
	deps Deps
	log  zerolog.Logger
}

func newArtifactWrite(spec workflow.StepSpec, deps Deps) (workflow.Step, error) {
	var cfg artifactWriteConfig
	if err := decodeConfig(spec.Config, &cfg); err != nil {
		return nil, err
	}
	return &artifactWriteStep{name: spec.Name, cfg: cfg, deps: deps, log: logger.GetStepLogger()}, nil
}

func (s *artifactWriteStep) Name() string { return s.name }
func (s *artifactWriteStep) Kind() string { return "artifact_write" }

func (s *artifactWriteStep) Validate(*workflow.Context) error {
	if s.cfg.Path == "" {
		return fmt.Errorf("path is required")
	}
	if path.IsAbs(s.cfg.Path) {
		return fmt.Errorf("path must be relative to the working tree")
	}
	if s.cfg.Commit && s.cfg.CommitMessage == "" {
		return fmt.Errorf("commit requires commit_message")
	}
	return nil
}

func (s *artifactWriteStep) Execute(ctx context.Context, wctx *workflow.Context) (*workflow.Result, error) {
	if s.deps.Config.SkipGitOperations {
		s.log.Debug().Str("step", s.name).Msg("git operations skipped")
		return &workflow.Result{Outputs: map[string]any{"skipped": true}}, nil
	}

	rel := workflow.Interpolate(s.cfg.Path, wctx)
	content := workflow.Interpolate(s.cfg.Content, wctx)
	written, err := s.deps.writeArtifacts(ctx, wctx, map[string]string{rel: content})
	if err != nil {
		return nil, err
	}
	if s.cfg.Commit {
		message := workflow.Interpolate(s.cfg.CommitMessage, wctx)
		s.deps.commitArtifacts(ctx, wctx, message, written, s.cfg.Push)
	}
	return &workflow.Result{Outputs: map[string]any{"path": rel}}, nil
}

// taskArtifactPath places a run artifact under .ma/tasks/<taskID>/.
func taskArtifactPath(taskID, file string) string {
	if taskID == "" {
		taskID = "unknown"
	}
	return path.Join(artifactDir, taskID, file)
}

// writeArtifacts writes rendered files into the bound working tree.
func (d Deps) writeArtifacts(ctx context.Context, wctx *workflow.Context, files map[string]string) ([]string, error) {
	repoRoot := wctx.RepoRoot()
	if repoRoot == "" {
		return nil, fmt.Errorf("no repository bound to this run")
	}
	return d.Workspace.WriteFiles(ctx, repoRoot, files)
}

// commitArtifacts commits (and optionally pushes) artifact paths
// best-effort. Failures are logged and swallowed.
func (d Deps) commitArtifacts(ctx context.Context, wctx *workflow.Context, message string, paths []string, push bool) {
	log := logger.GetStepLogger()
	repoRoot := wctx.RepoRoot()
	if repoRoot == "" || len(paths) == 0 {
		return
	}
	if push {
		res, err := d.Workspace.CommitAndPush(ctx, repoRoot, wctx.Branch(), message, paths)
		if err != nil {
			log.Warn().Err(err).Str("paths", strings.Join(paths, ",")).Msg("artifact commit failed")
			return
		}
		if res.Committed && !res.Pushed {
			log.Warn().Str("reason", res.Reason).Msg("artifact push failed")
		}
		return
	}
	if _, err := d.Workspace.CommitPaths(ctx, repoRoot, message, paths); err != nil {
		log.Warn().Err(err).Str("paths", strings.Join(paths, ",")).Msg("artifact commit failed")
	}
}
