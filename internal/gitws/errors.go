// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package gitws

import "errors"

// Failure kinds callers branch on. Steps map the first two to workflow
// aborts; the rest are ordinary step failures.
var (
	ErrDirtyWorkingTree = errors.New("dirty_working_tree")
	ErrPushFailed       = errors.New("push_failed")
	ErrCloneFailed      = errors.New("clone_failed")
	ErrBranchNotFound   = errors.New("branch_not_found")
	ErrWorkspaceGuarded = errors.New("workspace_guarded")
	ErrRepoReusable     = errors.New("directory exists but is not a git repository")
)

// Commit-and-push outcome reasons.
const (
	ReasonNoChanges  = "no_changes"
	ReasonPushFailed = "push_failed"
)
