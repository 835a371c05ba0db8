// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gitws keeps local working copies of project repositories under a
// base directory and exposes the intent-level operations workflow steps use:
// ensure-clone, checkout-branch-from-base, ensure-branch-published,
// commit-and-push, describe-working-tree and diff application.
package gitws

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/maestrohq/maestro/internal/config"
	"github.com/maestrohq/maestro/internal/logger"
)

// Workspace manages clones below baseDir. One instance serves all workflows
// of a process; the git working tree itself is single-writer per run.
type Workspace struct {
	baseDir           string
	cfg               *config.GitConfig
	allowWorkspaceGit bool
	log               zerolog.Logger
}

// TreeStatus describes the working tree ahead of a mutating operation.
type TreeStatus struct {
	Dirty   bool
	Branch  string
	Entries []string
	Summary string
}

// PushResult reports what commit-and-push actually did. Reason is set when
// either stage was skipped or failed.
type PushResult struct {
	Committed bool
	Pushed    bool
	Reason    string
	CommitSHA string
}

// NewWorkspace builds a workspace rooted at cfg.ProjectBase.
func NewWorkspace(cfg *config.RuntimeConfig) *Workspace {
	return &Workspace{
		baseDir:           cfg.ProjectBase,
		cfg:               &cfg.Git,
		allowWorkspaceGit: cfg.AllowWorkspaceGit,
		log:               logger.Get("git"),
	}
}

// BaseDir returns the clone root.
func (w *Workspace) BaseDir() string { return w.baseDir }

// Resolve computes the repository directory for a remote without touching
// the filesystem.
func (w *Workspace) Resolve(remoteURL, projectHint string) (string, error) {
	name, err := RepoDirName(remoteURL, projectHint)
	if err != nil {
		return "", err
	}
	return filepath.Join(w.baseDir, name), nil
}

// Ensure makes sure a usable clone of remoteURL exists and returns its root.
// Absent directories are cloned with an explicit cwd; present ones are
// re-pointed at the remote and refreshed.
func (w *Workspace) Ensure(ctx context.Context, remoteURL, projectHint string) (string, error) {
	repoRoot, err := w.Resolve(remoteURL, projectHint)
	if err != nil {
		return "", err
	}
	w.log.Debug().Str("remote", remoteURL).Str("repo_root", repoRoot).Msg("ensuring repository")

	credHelper, err := w.writeCredentialStore(remoteURL)
	if err != nil {
		return "", err
	}
	cloneURL := w.remoteFor(remoteURL)

	switch {
	case !dirExists(repoRoot):
		if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
			return "", fmt.Errorf("create clone root %s: %w", w.baseDir, err)
		}
		args := []string{"clone"}
		if credHelper != "" {
			args = append(args, "--config", "credential.helper="+credHelper)
		}
		args = append(args, cloneURL, filepath.Base(repoRoot))
		if err := w.runGit(ctx, w.baseDir, args...); err != nil {
			return "", fmt.Errorf("%w: %s", ErrCloneFailed, err)
		}
		w.log.Info().Str("repo_root", repoRoot).Msg("cloned repository")

	case !isGitRepository(repoRoot):
		return "", fmt.Errorf("%w: %s", ErrRepoReusable, repoRoot)

	default:
		if err := w.runGit(ctx, repoRoot, "remote", "set-url", "origin", cloneURL); err != nil {
			return "", fmt.Errorf("set origin url: %w", err)
		}
		if credHelper != "" {
			if err := w.runGit(ctx, repoRoot, "config", "credential.helper", credHelper); err != nil {
				return "", fmt.Errorf("configure credential helper: %w", err)
			}
		}
		if err := w.runGit(ctx, repoRoot, "fetch", "--all", "--tags"); err != nil {
			return "", fmt.Errorf("refresh remote refs: %w", err)
		}
	}

	if err := w.configureIdentity(ctx, repoRoot); err != nil {
		return "", err
	}
	return repoRoot, nil
}

// CheckoutBranchFromBase puts the working tree on newBranch, creating it
// from baseBranch when it exists nowhere yet. Local and remote copies of
// newBranch are reconciled: fast-forward when possible, hard reset to the
// remote only when the tree is clean.
func (w *Workspace) CheckoutBranchFromBase(ctx context.Context, repoRoot, baseBranch, newBranch string) error {
	if err := w.guardMutation(repoRoot); err != nil {
		return err
	}
	if err := validateBranchName(baseBranch); err != nil {
		return fmt.Errorf("invalid base branch: %w", err)
	}
	if err := validateBranchName(newBranch); err != nil {
		return fmt.Errorf("invalid branch: %w", err)
	}
	w.log.Debug().Str("repo_root", repoRoot).Str("base", baseBranch).Str("branch", newBranch).Msg("checkout branch from base")

	hasRemote := w.hasOrigin(ctx, repoRoot)
	if hasRemote {
		if err := w.runGit(ctx, repoRoot, "fetch", "origin", baseBranch); err != nil {
			return fmt.Errorf("fetch base branch %s: %w", baseBranch, err)
		}
		// The feature branch may not exist remotely yet; that is fine.
		if err := w.runGit(ctx, repoRoot, "fetch", "origin", newBranch); err != nil {
			w.log.Debug().Str("branch", newBranch).Msg("feature branch not on remote yet")
		}
	}

	localNew := w.localBranchExists(ctx, repoRoot, newBranch)
	remoteNew := hasRemote && w.remoteBranchExists(ctx, repoRoot, newBranch)

	switch {
	case localNew:
		if err := w.runGit(ctx, repoRoot, "checkout", newBranch); err != nil {
			return fmt.Errorf("checkout %s: %w", newBranch, err)
		}
		if remoteNew {
			if err := w.runGit(ctx, repoRoot, "pull", "--ff-only", "origin", newBranch); err != nil {
				status, statusErr := w.DescribeWorkingTree(ctx, repoRoot)
				if statusErr == nil && !status.Dirty {
					if err := w.runGit(ctx, repoRoot, "reset", "--hard", "origin/"+newBranch); err != nil {
						return fmt.Errorf("reset %s to remote: %w", newBranch, err)
					}
					w.log.Warn().Str("branch", newBranch).Msg("local branch diverged, reset to remote")
				} else {
					w.log.Warn().Str("branch", newBranch).Msg("local branch diverged from remote, keeping local state")
				}
			}
		}

	case remoteNew:
		if err := w.runGit(ctx, repoRoot, "checkout", "-B", newBranch, "origin/"+newBranch); err != nil {
			return fmt.Errorf("checkout remote branch %s: %w", newBranch, err)
		}

	default:
		if err := w.checkoutBase(ctx, repoRoot, baseBranch, hasRemote); err != nil {
			return err
		}
		if err := w.runGit(ctx, repoRoot, "checkout", "-b", newBranch); err != nil {
			return fmt.Errorf("create branch %s from %s: %w", newBranch, baseBranch, err)
		}
	}

	w.log.Info().Str("repo_root", repoRoot).Str("branch", newBranch).Msg("working tree on feature branch")
	return nil
}

// checkoutBase moves the tree onto baseBranch, preferring the local copy and
// fast-forwarding it when a remote exists.
func (w *Workspace) checkoutBase(ctx context.Context, repoRoot, baseBranch string, hasRemote bool) error {
	switch {
	case w.localBranchExists(ctx, repoRoot, baseBranch):
		if err := w.runGit(ctx, repoRoot, "checkout", baseBranch); err != nil {
			return fmt.Errorf("checkout base %s: %w", baseBranch, err)
		}
		if hasRemote && w.remoteBranchExists(ctx, repoRoot, baseBranch) {
			if err := w.runGit(ctx, repoRoot, "pull", "--ff-only", "origin", baseBranch); err != nil {
				w.log.Warn().Str("branch", baseBranch).Msg("base branch not fast-forwardable, using local state")
			}
		}
	case hasRemote && w.remoteBranchExists(ctx, repoRoot, baseBranch):
		if err := w.runGit(ctx, repoRoot, "checkout", "-B", baseBranch, "origin/"+baseBranch); err != nil {
			return fmt.Errorf("checkout remote base %s: %w", baseBranch, err)
		}
	default:
		return fmt.Errorf("%w: base branch %s", ErrBranchNotFound, baseBranch)
	}
	return nil
}

// EnsureBranchPublished pushes the branch upstream unless it already tracks
// a remote branch.
func (w *Workspace) EnsureBranchPublished(ctx context.Context, repoRoot, branch string) error {
	if err := validateBranchName(branch); err != nil {
		return fmt.Errorf("invalid branch: %w", err)
	}
	if !w.hasOrigin(ctx, repoRoot) {
		w.log.Debug().Str("repo_root", repoRoot).Msg("no origin remote, skipping publish")
		return nil
	}
	if w.gitSucceeds(ctx, repoRoot, "rev-parse", "--abbrev-ref", branch+"@{upstream}") {
		return nil
	}
	if err := w.runGit(ctx, repoRoot, "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("%w: publish %s: %s", ErrPushFailed, branch, err)
	}
	w.log.Info().Str("branch", branch).Msg("published branch")
	return nil
}

// DescribeWorkingTree reports whether the tree holds uncommitted changes and
// what they are. Callers must consult it before any mutating operation.
func (w *Workspace) DescribeWorkingTree(ctx context.Context, repoRoot string) (*TreeStatus, error) {
	branch, err := w.CurrentBranch(ctx, repoRoot)
	if err != nil {
		return nil, err
	}
	out, err := w.gitOutput(ctx, repoRoot, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}

	status := &TreeStatus{Branch: branch}
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimRight(line, "\r"); strings.TrimSpace(line) != "" {
			status.Entries = append(status.Entries, line)
		}
	}
	status.Dirty = len(status.Entries) > 0
	if status.Dirty {
		status.Summary = fmt.Sprintf("%d uncommitted entries on %s", len(status.Entries), branch)
	} else {
		status.Summary = "clean working tree on " + branch
	}
	return status, nil
}

// CurrentBranch returns the branch HEAD points at.
func (w *Workspace) CurrentBranch(ctx context.Context, repoRoot string) (string, error) {
	branch, err := w.gitOutput(ctx, repoRoot, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve current branch: %w", err)
	}
	return branch, nil
}

// HeadCommit returns the current HEAD commit hash.
func (w *Workspace) HeadCommit(ctx context.Context, repoRoot string) (string, error) {
	sha, err := w.gitOutput(ctx, repoRoot, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return sha, nil
}

// CommitPaths stages exactly the given paths and commits them with a
// sanitized one-line message. It reports false without error when nothing is
// staged; an empty path list is a no-op, never a stage-everything.
func (w *Workspace) CommitPaths(ctx context.Context, repoRoot, message string, paths []string) (bool, error) {
	if err := w.guardMutation(repoRoot); err != nil {
		return false, err
	}
	if len(paths) == 0 {
		w.log.Debug().Str("repo_root", repoRoot).Msg("no paths given, skipping commit")
		return false, nil
	}
	if err := w.configureIdentity(ctx, repoRoot); err != nil {
		return false, err
	}

	addArgs := append([]string{"add", "--"}, paths...)
	if err := w.runGit(ctx, repoRoot, addArgs...); err != nil {
		return false, fmt.Errorf("stage paths: %w", err)
	}

	if !w.hasStagedChanges(ctx, repoRoot) {
		w.log.Debug().Str("repo_root", repoRoot).Msg("nothing staged, skipping commit")
		return false, nil
	}
	if err := w.runGit(ctx, repoRoot, "commit", "-m", sanitizeCommitMessage(message)); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// CommitAndPush commits the given paths and pushes the branch. A push
// failure is reported in the result, not as an error; the caller decides
// whether that aborts the workflow.
func (w *Workspace) CommitAndPush(ctx context.Context, repoRoot, branch, message string, paths []string) (*PushResult, error) {
	committed, err := w.CommitPaths(ctx, repoRoot, message, paths)
	if err != nil {
		return nil, err
	}
	if !committed {
		return &PushResult{Reason: ReasonNoChanges}, nil
	}

	sha, err := w.HeadCommit(ctx, repoRoot)
	if err != nil {
		return nil, err
	}
	result := &PushResult{Committed: true, CommitSHA: sha}

	if !w.hasOrigin(ctx, repoRoot) {
		result.Pushed = false
		result.Reason = ReasonPushFailed
		w.log.Warn().Str("repo_root", repoRoot).Msg("no origin remote, cannot push")
		return result, nil
	}
	if err := w.runGit(ctx, repoRoot, "push", "-u", "origin", branch); err != nil {
		result.Pushed = false
		result.Reason = ReasonPushFailed
		w.log.Warn().Err(err).Str("branch", branch).Msg("push failed")
		return result, nil
	}
	result.Pushed = true
	w.log.Info().Str("branch", branch).Str("commit", sha).Msg("committed and pushed")
	return result, nil
}

// RemoteDefaultBranch asks origin for its HEAD branch, falling back to the
// configured default.
func (w *Workspace) RemoteDefaultBranch(ctx context.Context, repoRoot string) string {
	out, err := w.gitOutput(ctx, repoRoot, "ls-remote", "--symref", "origin", "HEAD")
	if err == nil {
		for _, line := range strings.Split(out, "\n") {
			if strings.HasPrefix(line, "ref:") {
				ref := strings.Fields(strings.TrimPrefix(line, "ref:"))[0]
				return strings.TrimPrefix(ref, "refs/heads/")
			}
		}
	}
	if w.cfg.DefaultBranch != "" {
		return w.cfg.DefaultBranch
	}
	return "main"
}

// guardMutation rejects mutating operations against the process working
// directory unless explicitly allowed.
func (w *Workspace) guardMutation(repoRoot string) error {
	if w.allowWorkspaceGit {
		return nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil
	}
	if samePath(cwd, repoRoot) {
		return fmt.Errorf("%w: refusing to mutate process working directory %s", ErrWorkspaceGuarded, repoRoot)
	}
	return nil
}

func (w *Workspace) configureIdentity(ctx context.Context, repoRoot string) error {
	name := w.cfg.UserName
	if name == "" {
		name = "maestro"
	}
	email := w.cfg.UserEmail
	if email == "" {
		email = "maestro@localhost"
	}
	if err := w.runGit(ctx, repoRoot, "config", "user.name", name); err != nil {
		return fmt.Errorf("configure user.name: %w", err)
	}
	if err := w.runGit(ctx, repoRoot, "config", "user.email", email); err != nil {
		return fmt.Errorf("configure user.email: %w", err)
	}
	return nil
}

// remoteFor rewrites an https remote to scp-style ssh when an ssh key is
// configured. Everything else passes through untouched.
func (w *Workspace) remoteFor(remote string) string {
	if w.cfg.SSHKeyPath == "" {
		return remote
	}
	u, err := url.Parse(remote)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return remote
	}
	path := strings.TrimPrefix(u.Path, "/")
	if !strings.HasSuffix(path, ".git") {
		path += ".git"
	}
	return fmt.Sprintf("git@%s:%s", u.Hostname(), path)
}

// writeCredentialStore materializes a credential-store line for the remote
// host when a token or password is configured. Returns the credential.helper
// value to install, or empty when no secret applies.
func (w *Workspace) writeCredentialStore(remote string) (string, error) {
	if w.cfg.SSHKeyPath != "" {
		return "", nil
	}
	secret := w.cfg.Token
	username := w.cfg.Username
	if secret == "" {
		secret = w.cfg.Password
	}
	if secret == "" {
		return "", nil
	}
	if username == "" {
		username = "git"
	}

	u, err := url.Parse(remote)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", nil
	}

	credPath := w.cfg.CredentialsPath
	if credPath == "" {
		credPath = filepath.Join(w.baseDir, ".git-credentials")
	}
	if err := os.MkdirAll(filepath.Dir(credPath), 0o700); err != nil {
		return "", fmt.Errorf("create credentials dir: %w", err)
	}
	line := fmt.Sprintf("%s://%s:%s@%s\n", u.Scheme, url.QueryEscape(username), url.QueryEscape(secret), u.Host)
	if err := os.WriteFile(credPath, []byte(line), 0o600); err != nil {
		return "", fmt.Errorf("write credential store: %w", err)
	}
	return "store --file=" + credPath, nil
}

func (w *Workspace) hasOrigin(ctx context.Context, repoRoot string) bool {
	return w.gitSucceeds(ctx, repoRoot, "remote", "get-url", "origin")
}

func (w *Workspace) localBranchExists(ctx context.Context, repoRoot, branch string) bool {
	return w.gitSucceeds(ctx, repoRoot, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
}

func (w *Workspace) remoteBranchExists(ctx context.Context, repoRoot, branch string) bool {
	return w.gitSucceeds(ctx, repoRoot, "show-ref", "--verify", "--quiet", "refs/remotes/origin/"+branch)
}

// hasStagedChanges reports whether the index differs from HEAD. diff exits 1
// on differences, which is success for this question.
func (w *Workspace) hasStagedChanges(ctx context.Context, repoRoot string) bool {
	return !w.gitSucceeds(ctx, repoRoot, "diff", "--cached", "--quiet")
}

func isGitRepository(repoRoot string) bool {
	info, err := os.Stat(filepath.Join(repoRoot, ".git"))
	return err == nil && info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func samePath(a, b string) bool {
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return ra == rb
}
