// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package gitws

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

const (
	maxBranchNameLength    = 250
	maxCommitMessageLength = 8192
	gitCommandTimeout      = 60 * time.Second
)

// branchNameRegex permits the characters git itself allows in the branch
// names this system generates (milestone/<slug>, task/<slug>).
var branchNameRegex = regexp.MustCompile(`^[a-zA-Z0-9/._-]+$`)

// allowedGitOperations is the closed set of subcommands the workspace may
// run. Anything else is a programming error, not a config knob.
var allowedGitOperations = map[string]bool{
	"init":      true,
	"clone":     true,
	"fetch":     true,
	"pull":      true,
	"push":      true,
	"add":       true,
	"commit":    true,
	"checkout":  true,
	"branch":    true,
	"status":    true,
	"rev-parse": true,
	"show-ref":  true,
	"ls-remote": true,
	"remote":    true,
	"config":    true,
	"reset":     true,
	"diff":      true,
	"apply":     true,
	"log":       true,
	"symbolic-ref": true,
}

func validateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if len(name) > maxBranchNameLength {
		return fmt.Errorf("branch name too long: %d characters (max: %d)", len(name), maxBranchNameLength)
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("branch name cannot start with '-' or '.'")
	}
	if !branchNameRegex.MatchString(name) {
		return fmt.Errorf("branch name contains invalid characters: %s", name)
	}
	return nil
}

// sanitizeCommitMessage reduces a message to a single safe line.
func sanitizeCommitMessage(message string) string {
	if i := strings.IndexAny(message, "\r\n"); i >= 0 {
		message = message[:i]
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = "update"
	}
	if len(message) > maxCommitMessageLength {
		message = message[:maxCommitMessageLength]
	}
	return message
}

// safeEnvironment is the reduced environment git subprocesses run with.
// Interactive prompts are disabled so a missing credential fails fast
// instead of hanging the workflow.
func (w *Workspace) safeEnvironment() []string {
	env := []string{
		"HOME=" + os.Getenv("HOME"),
		"USER=" + os.Getenv("USER"),
		"PATH=" + os.Getenv("PATH"),
		"LANG=" + os.Getenv("LANG"),
		"LC_ALL=" + os.Getenv("LC_ALL"),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_ASKPASS=",
	}
	if w.cfg.SSHKeyPath != "" {
		env = append(env, fmt.Sprintf(
			"GIT_SSH_COMMAND=ssh -i %s -o IdentitiesOnly=yes -o StrictHostKeyChecking=accept-new", w.cfg.SSHKeyPath))
	}
	return env
}

// buildGit constructs a validated git command with an explicit working
// directory. The process cwd is never inherited.
func (w *Workspace) buildGit(ctx context.Context, dir string, args ...string) (*exec.Cmd, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no git command specified")
	}
	if !allowedGitOperations[args[0]] {
		return nil, fmt.Errorf("git operation not allowed: %s", args[0])
	}
	if dir == "" {
		return nil, fmt.Errorf("git working directory cannot be empty")
	}
	w.log.Debug().Str("operation", args[0]).Strs("args", args[1:]).Str("dir", dir).Msg("git")

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = w.safeEnvironment()
	return cmd, nil
}

// runGit executes a git command, returning combined output on failure.
func (w *Workspace) runGit(ctx context.Context, dir string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, gitCommandTimeout)
	defer cancel()

	cmd, err := w.buildGit(ctx, dir, args...)
	if err != nil {
		return err
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s failed: %w, output: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return nil
}

// gitOutput executes a git command and returns its trimmed stdout.
func (w *Workspace) gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitCommandTimeout)
	defer cancel()

	cmd, err := w.buildGit(ctx, dir, args...)
	if err != nil {
		return "", err
	}
	output, err := cmd.Output()
	if err != nil {
		detail := ""
		if exitErr, ok := err.(*exec.ExitError); ok {
			detail = strings.TrimSpace(string(exitErr.Stderr))
		}
		return "", fmt.Errorf("git %s failed: %w, output: %s", args[0], err, detail)
	}
	return strings.TrimSpace(string(output)), nil
}

// gitSucceeds runs a git command for its exit code only.
func (w *Workspace) gitSucceeds(ctx context.Context, dir string, args ...string) bool {
	ctx, cancel := context.WithTimeout(ctx, gitCommandTimeout)
	defer cancel()

	cmd, err := w.buildGit(ctx, dir, args...)
	if err != nil {
		return false
	}
	return cmd.Run() == nil
}
