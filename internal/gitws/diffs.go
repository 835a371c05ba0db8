// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package gitws

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ApplyDiffs applies a unified diff to the working tree and returns the
// touched paths. A plain apply is tried first; if the context lines have
// drifted, a 3-way merge against the blobs recorded in the diff is
// attempted before giving up.
func (w *Workspace) ApplyDiffs(ctx context.Context, repoRoot, diff string) ([]string, error) {
	if err := w.guardMutation(repoRoot); err != nil {
		return nil, err
	}
	if strings.TrimSpace(diff) == "" {
		return nil, fmt.Errorf("empty diff")
	}
	if !strings.HasSuffix(diff, "\n") {
		diff += "\n"
	}

	tmp, err := os.CreateTemp("", "maestro-diff-*.patch")
	if err != nil {
		return nil, fmt.Errorf("create patch file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(diff); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write patch file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close patch file: %w", err)
	}

	paths, err := w.diffPaths(ctx, repoRoot, tmp.Name())
	if err != nil {
		return nil, err
	}

	if err := w.runGit(ctx, repoRoot, "apply", "--whitespace=nowarn", tmp.Name()); err != nil {
		w.log.Debug().Err(err).Msg("plain apply failed, retrying with 3-way merge")
		if err3 := w.runGit(ctx, repoRoot, "apply", "--3way", "--whitespace=nowarn", tmp.Name()); err3 != nil {
			return nil, fmt.Errorf("apply diff: %w", err3)
		}
	}

	w.log.Info().Int("paths", len(paths)).Str("repo_root", repoRoot).Msg("applied diff")
	return paths, nil
}

// WriteFiles writes whole-file contents into the working tree, creating
// parent directories as needed. Personas that emit full files instead of
// diffs go through this path.
func (w *Workspace) WriteFiles(ctx context.Context, repoRoot string, files map[string]string) ([]string, error) {
	if err := w.guardMutation(repoRoot); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(files))
	for rel, content := range files {
		clean := filepath.Clean(rel)
		if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
			return nil, fmt.Errorf("file path escapes repository: %s", rel)
		}
		abs := filepath.Join(repoRoot, clean)
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("create parent of %s: %w", clean, err)
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", clean, err)
		}
		paths = append(paths, clean)
	}
	return paths, nil
}

// diffPaths lists the paths a patch touches without applying it.
func (w *Workspace) diffPaths(ctx context.Context, repoRoot, patchFile string) ([]string, error) {
	out, err := w.gitOutput(ctx, repoRoot, "apply", "--numstat", patchFile)
	if err != nil {
		return nil, fmt.Errorf("inspect diff: %w", err)
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "\t")
		if len(fields) >= 3 && fields[2] != "" {
			paths = append(paths, fields[2])
		}
	}
	return paths, nil
}
