// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package gitws

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/internal/config"
)

// rawGit runs git directly for test fixture setup, outside the workspace's
// allowlisted runner.
func rawGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

// newRemoteRepo builds a bare repository with one commit on main and returns
// its path, usable as a clone URL.
func newRemoteRepo(t *testing.T) string {
	t.Helper()
	seed := filepath.Join(t.TempDir(), "seed")
	require.NoError(t, os.MkdirAll(seed, 0o755))
	rawGit(t, seed, "init", "-b", "main")
	rawGit(t, seed, "config", "user.name", "fixture")
	rawGit(t, seed, "config", "user.email", "fixture@localhost")
	require.NoError(t, os.WriteFile(filepath.Join(seed, "README.md"), []byte("# demo\n"), 0o644))
	rawGit(t, seed, "add", ".")
	rawGit(t, seed, "commit", "-m", "initial commit")

	remote := filepath.Join(t.TempDir(), "remote.git")
	rawGit(t, filepath.Dir(remote), "clone", "--bare", seed, remote)
	return remote
}

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	return NewWorkspace(&config.RuntimeConfig{
		ProjectBase: t.TempDir(),
		Git: config.GitConfig{
			DefaultBranch: "main",
			UserName:      "maestro",
			UserEmail:     "maestro@localhost",
		},
	})
}

func TestEnsureClonesAndRefreshes(t *testing.T) {
	remote := newRemoteRepo(t)
	ws := newTestWorkspace(t)
	ctx := context.Background()

	root, err := ws.Ensure(ctx, remote, "Demo Project")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.BaseDir(), "demo-project"), root)
	assert.DirExists(t, filepath.Join(root, ".git"))
	assert.FileExists(t, filepath.Join(root, "README.md"))

	// Second call refreshes in place.
	again, err := ws.Ensure(ctx, remote, "Demo Project")
	require.NoError(t, err)
	assert.Equal(t, root, again)
}

func TestEnsureRejectsNonRepoDirectory(t *testing.T) {
	remote := newRemoteRepo(t)
	ws := newTestWorkspace(t)

	blocker := filepath.Join(ws.BaseDir(), "demo-project")
	require.NoError(t, os.MkdirAll(blocker, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(blocker, "junk.txt"), []byte("x"), 0o644))

	_, err := ws.Ensure(context.Background(), remote, "Demo Project")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRepoReusable)
}

func TestCheckoutBranchFromBaseCreatesBranch(t *testing.T) {
	remote := newRemoteRepo(t)
	ws := newTestWorkspace(t)
	ctx := context.Background()

	root, err := ws.Ensure(ctx, remote, "demo")
	require.NoError(t, err)

	require.NoError(t, ws.CheckoutBranchFromBase(ctx, root, "main", "task/demo-task"))
	branch, err := ws.CurrentBranch(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, "task/demo-task", branch)

	// Re-running lands on the same branch without error.
	require.NoError(t, ws.CheckoutBranchFromBase(ctx, root, "main", "task/demo-task"))
	branch, err = ws.CurrentBranch(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, "task/demo-task", branch)
}

func TestCheckoutBranchFromBaseUsesRemoteBranch(t *testing.T) {
	remote := newRemoteRepo(t)
	ws := newTestWorkspace(t)
	ctx := context.Background()

	root, err := ws.Ensure(ctx, remote, "demo")
	require.NoError(t, err)

	// Publish a branch, then drop the local copy so only origin has it.
	require.NoError(t, ws.CheckoutBranchFromBase(ctx, root, "main", "milestone/m1"))
	require.NoError(t, ws.EnsureBranchPublished(ctx, root, "milestone/m1"))
	rawGit(t, root, "checkout", "main")
	rawGit(t, root, "branch", "-D", "milestone/m1")

	require.NoError(t, ws.CheckoutBranchFromBase(ctx, root, "main", "milestone/m1"))
	branch, err := ws.CurrentBranch(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, "milestone/m1", branch)
}

func TestCheckoutBranchFromBaseMissingBase(t *testing.T) {
	remote := newRemoteRepo(t)
	ws := newTestWorkspace(t)
	ctx := context.Background()

	root, err := ws.Ensure(ctx, remote, "demo")
	require.NoError(t, err)

	err = ws.CheckoutBranchFromBase(ctx, root, "does-not-exist", "task/x")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBranchNotFound)
}

func TestDescribeWorkingTree(t *testing.T) {
	remote := newRemoteRepo(t)
	ws := newTestWorkspace(t)
	ctx := context.Background()

	root, err := ws.Ensure(ctx, remote, "demo")
	require.NoError(t, err)

	status, err := ws.DescribeWorkingTree(ctx, root)
	require.NoError(t, err)
	assert.False(t, status.Dirty)
	assert.Equal(t, "main", status.Branch)
	assert.Contains(t, status.Summary, "clean")

	require.NoError(t, os.WriteFile(filepath.Join(root, "dirty.txt"), []byte("x"), 0o644))
	status, err = ws.DescribeWorkingTree(ctx, root)
	require.NoError(t, err)
	assert.True(t, status.Dirty)
	assert.NotEmpty(t, status.Entries)
	assert.Contains(t, status.Summary, "uncommitted")
}

func TestCommitAndPush(t *testing.T) {
	remote := newRemoteRepo(t)
	ws := newTestWorkspace(t)
	ctx := context.Background()

	root, err := ws.Ensure(ctx, remote, "demo")
	require.NoError(t, err)
	require.NoError(t, ws.CheckoutBranchFromBase(ctx, root, "main", "task/work"))

	// No changes yet.
	result, err := ws.CommitAndPush(ctx, root, "task/work", "empty commit attempt", nil)
	require.NoError(t, err)
	assert.False(t, result.Committed)
	assert.Equal(t, ReasonNoChanges, result.Reason)

	require.NoError(t, os.WriteFile(filepath.Join(root, "feature.txt"), []byte("done\n"), 0o644))
	result, err = ws.CommitAndPush(ctx, root, "task/work", "add feature", []string{"feature.txt"})
	require.NoError(t, err)
	assert.True(t, result.Committed)
	assert.True(t, result.Pushed)
	assert.NotEmpty(t, result.CommitSHA)

	// The remote must have the branch now.
	out := rawGit(t, remote, "show-ref", "refs/heads/task/work")
	assert.Contains(t, out, result.CommitSHA)
}

func TestCommitAndPushReportsPushFailure(t *testing.T) {
	remote := newRemoteRepo(t)
	ws := newTestWorkspace(t)
	ctx := context.Background()

	root, err := ws.Ensure(ctx, remote, "demo")
	require.NoError(t, err)
	require.NoError(t, ws.CheckoutBranchFromBase(ctx, root, "main", "task/work"))

	// Point origin somewhere unusable so the push fails after the commit.
	rawGit(t, root, "remote", "set-url", "origin", filepath.Join(t.TempDir(), "missing.git"))

	require.NoError(t, os.WriteFile(filepath.Join(root, "feature.txt"), []byte("done\n"), 0o644))
	result, err := ws.CommitAndPush(ctx, root, "task/work", "add feature", []string{"feature.txt"})
	require.NoError(t, err)
	assert.True(t, result.Committed)
	assert.False(t, result.Pushed)
	assert.Equal(t, ReasonPushFailed, result.Reason)
}

func TestCommitPathsEmptyListIsNoOp(t *testing.T) {
	remote := newRemoteRepo(t)
	ws := newTestWorkspace(t)
	ctx := context.Background()

	root, err := ws.Ensure(ctx, remote, "demo")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "loose.txt"), []byte("uncommitted\n"), 0o644))

	// An empty path list must never widen into a stage-everything.
	committed, err := ws.CommitPaths(ctx, root, "nothing named", nil)
	require.NoError(t, err)
	assert.False(t, committed)
	assert.Contains(t, rawGit(t, root, "status", "--porcelain"), "loose.txt",
		"the dirty file stays unstaged and uncommitted")
}

func TestWorkspaceGuardBlocksCwdMutation(t *testing.T) {
	remote := newRemoteRepo(t)
	ws := newTestWorkspace(t)
	ctx := context.Background()

	root, err := ws.Ensure(ctx, remote, "demo")
	require.NoError(t, err)

	t.Chdir(root)
	_, err = ws.CommitPaths(ctx, root, "should not happen", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWorkspaceGuarded)
}

func TestApplyDiffs(t *testing.T) {
	remote := newRemoteRepo(t)
	ws := newTestWorkspace(t)
	ctx := context.Background()

	root, err := ws.Ensure(ctx, remote, "demo")
	require.NoError(t, err)

	// Produce a diff by editing, capturing, then reverting.
	readme := filepath.Join(root, "README.md")
	require.NoError(t, os.WriteFile(readme, []byte("# demo\n\nchanged by persona\n"), 0o644))
	diff := rawGit(t, root, "diff")
	rawGit(t, root, "checkout", "--", "README.md")

	paths, err := ws.ApplyDiffs(ctx, root, diff)
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md"}, paths)

	content, err := os.ReadFile(readme)
	require.NoError(t, err)
	assert.Contains(t, string(content), "changed by persona")
}

func TestApplyDiffsRejectsGarbage(t *testing.T) {
	remote := newRemoteRepo(t)
	ws := newTestWorkspace(t)
	ctx := context.Background()

	root, err := ws.Ensure(ctx, remote, "demo")
	require.NoError(t, err)

	_, err = ws.ApplyDiffs(ctx, root, "this is not a diff")
	assert.Error(t, err)

	_, err = ws.ApplyDiffs(ctx, root, "   ")
	assert.Error(t, err)
}

func TestWriteFilesRejectsEscapes(t *testing.T) {
	remote := newRemoteRepo(t)
	ws := newTestWorkspace(t)
	ctx := context.Background()

	root, err := ws.Ensure(ctx, remote, "demo")
	require.NoError(t, err)

	_, err = ws.WriteFiles(ctx, root, map[string]string{"../escape.txt": "x"})
	assert.Error(t, err)

	paths, err := ws.WriteFiles(ctx, root, map[string]string{"sub/dir/file.txt": "content"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sub/dir/file.txt"}, paths)
	assert.FileExists(t, filepath.Join(root, "sub", "dir", "file.txt"))
}

func TestRemoteDefaultBranch(t *testing.T) {
	remote := newRemoteRepo(t)
	ws := newTestWorkspace(t)
	ctx := context.Background()

	root, err := ws.Ensure(ctx, remote, "demo")
	require.NoError(t, err)
	assert.Equal(t, "main", ws.RemoteDefaultBranch(ctx, root))
}
