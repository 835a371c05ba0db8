// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/maestrohq/maestro/internal/gitws"
	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/workflow"
)

type applyDiffsConfig struct {
	DiffsVariable string `mapstructure:"diffs_variable"`
	Commit        bool   `mapstructure:"commit"`
	CommitMessage string `mapstructure:"commit_message"`
	Push          bool   `mapstructure:"push"`
}

// applyDiffsStep pulls unified diffs out of a context variable (usually a
// persona's result), applies them to the working tree and optionally commits
// and pushes the touched paths.
type applyDiffsStep struct {
	name string
	cfg  applyDiffsConfig
	deps Deps
	log  zerolog.Logger
}

func newApplyDiffs(spec workflow.StepSpec, deps Deps) (workflow.Step, error) {
	var cfg applyDiffsConfig
	if err := decodeConfig(spec.Config, &cfg); err != nil {
		return nil, err
	}
	return &applyDiffsStep{name: spec.Name, cfg: cfg, deps: deps, log: logger.GetGitLogger()}, nil
}

func (s *applyDiffsStep) Name() string { return s.name }
func (s *applyDiffsStep) Kind() string { return "apply_diffs" }

func (s *applyDiffsStep) Validate(*workflow.Context) error {
	if s.cfg.DiffsVariable == "" {
		return fmt.Errorf("diffs_variable is required")
	}
	if s.cfg.Commit && s.cfg.CommitMessage == "" {
		return fmt.Errorf("commit requires commit_message")
	}
	return nil
}

func (s *applyDiffsStep) Execute(ctx context.Context, wctx *workflow.Context) (*workflow.Result, error) {
	if s.deps.Config.SkipGitOperations {
		s.log.Debug().Str("step", s.name).Msg("git operations skipped")
		return &workflow.Result{Outputs: map[string]any{"skipped": true}}, nil
	}

	value, ok := wctx.Var(s.cfg.DiffsVariable)
	if !ok {
		return nil, fmt.Errorf("variable %q not set", s.cfg.DiffsVariable)
	}
	diff := collectDiffs(value)
	if diff == "" {
		return nil, fmt.Errorf("no diffs found in variable %q", s.cfg.DiffsVariable)
	}

	repoRoot := wctx.RepoRoot()
	if repoRoot == "" {
		return nil, fmt.Errorf("no repository bound to this run")
	}
	paths, err := s.deps.Workspace.ApplyDiffs(ctx, repoRoot, diff)
	if err != nil {
		return nil, err
	}

	outputs := map[string]any{"paths": paths, "applied": len(paths)}
	if !s.cfg.Commit {
		return &workflow.Result{Outputs: outputs}, nil
	}

	message := workflow.Interpolate(s.cfg.CommitMessage, wctx)
	if s.cfg.Push {
		res, err := s.deps.Workspace.CommitAndPush(ctx, repoRoot, wctx.Branch(), message, paths)
		if err != nil {
			return nil, err
		}
		if res.Committed && !res.Pushed {
			wctx.RequestAbort(abortReasonPushFailed)
			return nil, fmt.Errorf("%w: branch %s", gitws.ErrPushFailed, wctx.Branch())
		}
		outputs["committed"] = res.Committed
		outputs["pushed"] = res.Pushed
		outputs["reason"] = res.Reason
		return &workflow.Result{Outputs: outputs}, nil
	}

	committed, err := s.deps.Workspace.CommitPaths(ctx, repoRoot, message, paths)
	if err != nil {
		return nil, err
	}
	outputs["committed"] = committed
	if !committed {
		outputs["reason"] = gitws.ReasonNoChanges
	}
	return &workflow.Result{Outputs: outputs}, nil
}

var fencedDiff = regexp.MustCompile("(?s)```(?:diff|patch)\\s*\\n(.*?)```")

// collectDiffs reduces the shapes personas produce to one unified diff:
// a raw diff string, fenced ```diff blocks, a JSON object carrying
// diff/diffs/patch fields, or a list of {path, diff} records.
func collectDiffs(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return diffsFromString(v)
	case json.RawMessage:
		return diffsFromString(string(v))
	case []any:
		var parts []string
		for _, item := range v {
			if d := collectDiffs(item); d != "" {
				parts = append(parts, strings.TrimRight(d, "\n"))
			}
		}
		return joinDiffs(parts)
	case map[string]any:
		for _, key := range []string{"diff", "patch"} {
			if s, ok := v[key].(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
		for _, key := range []string{"diffs", "patches"} {
			if items, ok := v[key]; ok {
				return collectDiffs(items)
			}
		}
		return ""
	default:
		return ""
	}
}

func diffsFromString(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	// A JSON result wraps the diffs in an object.
	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			return collectDiffs(decoded)
		}
	}
	if matches := fencedDiff.FindAllStringSubmatch(s, -1); matches != nil {
		parts := make([]string, 0, len(matches))
		for _, m := range matches {
			parts = append(parts, strings.TrimRight(m[1], "\n"))
		}
		return joinDiffs(parts)
	}
	if looksLikeDiff(s) {
		return s
	}
	return ""
}

func looksLikeDiff(s string) bool {
	return strings.Contains(s, "diff --git ") ||
		(strings.Contains(s, "\n--- ") || strings.HasPrefix(s, "--- ")) && strings.Contains(s, "\n+++ ")
}

func joinDiffs(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "\n") + "\n"
}
