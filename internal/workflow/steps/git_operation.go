// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package steps

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/maestrohq/maestro/internal/gitws"
	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/workflow"
)

// Abort reasons raised by git operations.
const (
	abortReasonDirtyTree  = "dirty_working_tree"
	abortReasonPushFailed = "push_failed"
)

// Git operations a step may dispatch.
const (
	opCheckoutBranchFromBase = "checkout_branch_from_base"
	opEnsureBranchPublished  = "ensure_branch_published"
	opCommitAndPush          = "commit_and_push"
	opDescribeWorkingTree    = "describe_working_tree"
)

type gitOperationConfig struct {
	Operation     string   `mapstructure:"operation"`
	Branch        string   `mapstructure:"branch"`
	BaseBranch    string   `mapstructure:"base_branch"`
	CommitMessage string   `mapstructure:"commit_message"`
	Paths         []string `mapstructure:"paths"`
}

// gitOperationStep dispatches one workspace operation. Checkouts refuse to
// run over a dirty tree and update the context branch on success;
// commit-and-push escalates a failed push into a workflow abort.
type gitOperationStep struct {
	name string
	cfg  gitOperationConfig
	deps Deps
	log  zerolog.Logger
}

func newGitOperation(spec workflow.StepSpec, deps Deps) (workflow.Step, error) {
	var cfg gitOperationConfig
	if err := decodeConfig(spec.Config, &cfg); err != nil {
		return nil, err
	}
	return &gitOperationStep{name: spec.Name, cfg: cfg, deps: deps, log: logger.GetGitLogger()}, nil
}

func (s *gitOperationStep) Name() string { return s.name }
func (s *gitOperationStep) Kind() string { return "git_operation" }

func (s *gitOperationStep) Validate(*workflow.Context) error {
	switch s.cfg.Operation {
	case opCheckoutBranchFromBase, opEnsureBranchPublished, opDescribeWorkingTree:
	case opCommitAndPush:
		if s.cfg.CommitMessage == "" {
			return fmt.Errorf("commit_and_push requires commit_message")
		}
		if len(s.cfg.Paths) == 0 {
			return fmt.Errorf("commit_and_push requires paths")
		}
	case "":
		return fmt.Errorf("operation is required")
	default:
		return fmt.Errorf("unknown git operation %q", s.cfg.Operation)
	}
	return nil
}

func (s *gitOperationStep) Execute(ctx context.Context, wctx *workflow.Context) (*workflow.Result, error) {
	branch := workflow.Interpolate(s.cfg.Branch, wctx)
	if branch == "" || branch == "unknown" {
		branch = wctx.Branch()
	}

	if s.deps.Config.SkipGitOperations {
		s.log.Debug().Str("operation", s.cfg.Operation).Msg("git operations skipped")
		if s.cfg.Operation == opCheckoutBranchFromBase && branch != "" {
			wctx.SetBranch(branch)
		}
		return &workflow.Result{Outputs: map[string]any{"skipped": true}}, nil
	}

	repoRoot := wctx.RepoRoot()
	if repoRoot == "" {
		return nil, fmt.Errorf("no repository bound to this run")
	}

	switch s.cfg.Operation {
	case opCheckoutBranchFromBase:
		return s.checkout(ctx, wctx, repoRoot, branch)
	case opEnsureBranchPublished:
		if err := s.deps.Workspace.EnsureBranchPublished(ctx, repoRoot, branch); err != nil {
			return nil, err
		}
		return &workflow.Result{Outputs: map[string]any{"branch": branch}}, nil
	case opCommitAndPush:
		return s.commitAndPush(ctx, wctx, repoRoot, branch)
	case opDescribeWorkingTree:
		status, err := s.deps.Workspace.DescribeWorkingTree(ctx, repoRoot)
		if err != nil {
			return nil, err
		}
		wctx.SetVar(s.name+"_dirty", status.Dirty)
		return &workflow.Result{Outputs: map[string]any{
			"dirty":   status.Dirty,
			"branch":  status.Branch,
			"entries": status.Entries,
			"summary": status.Summary,
		}}, nil
	}
	return nil, fmt.Errorf("unknown git operation %q", s.cfg.Operation)
}

// checkout moves the tree onto branch, creating it from base when absent.
// A dirty tree aborts the whole run before any git state changes.
func (s *gitOperationStep) checkout(ctx context.Context, wctx *workflow.Context, repoRoot, branch string) (*workflow.Result, error) {
	status, err := s.deps.Workspace.DescribeWorkingTree(ctx, repoRoot)
	if err != nil {
		return nil, err
	}
	if status.Dirty {
		wctx.RequestAbort(abortReasonDirtyTree)
		return nil, fmt.Errorf("%w: %s", gitws.ErrDirtyWorkingTree, status.Summary)
	}

	base := workflow.Interpolate(s.cfg.BaseBranch, wctx)
	if base == "" || base == "unknown" {
		base = wctx.StringVar("base_branch")
	}
	if base == "" {
		base = s.deps.Config.Git.DefaultBranch
	}
	if err := s.deps.Workspace.CheckoutBranchFromBase(ctx, repoRoot, base, branch); err != nil {
		return nil, err
	}
	wctx.SetBranch(branch)
	return &workflow.Result{Outputs: map[string]any{"branch": branch, "base_branch": base}}, nil
}

func (s *gitOperationStep) commitAndPush(ctx context.Context, wctx *workflow.Context, repoRoot, branch string) (*workflow.Result, error) {
	message := workflow.Interpolate(s.cfg.CommitMessage, wctx)
	res, err := s.deps.Workspace.CommitAndPush(ctx, repoRoot, branch, message, s.cfg.Paths)
	if err != nil {
		return nil, err
	}
	if res.Committed && !res.Pushed {
		wctx.RequestAbort(abortReasonPushFailed)
		return nil, fmt.Errorf("%w: branch %s", gitws.ErrPushFailed, branch)
	}
	return &workflow.Result{Outputs: map[string]any{
		"committed":  res.Committed,
		"pushed":     res.Pushed,
		"reason":     res.Reason,
		"commit_sha": res.CommitSHA,
	}}, nil
}
