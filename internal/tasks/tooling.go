// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Tooling describes the test setup discovered in a repository.
type Tooling struct {
	Present   bool
	Framework string
	Command   string
}

// DetectTestTooling inspects a working tree for a usable test entry point.
// Checks run in order of specificity: an npm test script, a Go module,
// pytest configuration, then a Makefile test target.
func DetectTestTooling(repoRoot string) Tooling {
	if t, ok := npmTooling(repoRoot); ok {
		return t
	}
	if fileExists(filepath.Join(repoRoot, "go.mod")) {
		return Tooling{Present: true, Framework: "go", Command: "go test ./..."}
	}
	if t, ok := pytestTooling(repoRoot); ok {
		return t
	}
	if makefileHasTestTarget(filepath.Join(repoRoot, "Makefile")) {
		return Tooling{Present: true, Framework: "make", Command: "make test"}
	}
	return Tooling{}
}

func npmTooling(repoRoot string) (Tooling, bool) {
	raw, err := os.ReadFile(filepath.Join(repoRoot, "package.json"))
	if err != nil {
		return Tooling{}, false
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return Tooling{}, false
	}
	script, ok := pkg.Scripts["test"]
	if !ok || strings.TrimSpace(script) == "" {
		return Tooling{}, false
	}
	// npm's scaffold placeholder is not a real test suite.
	if strings.Contains(script, "no test specified") {
		return Tooling{}, false
	}
	return Tooling{Present: true, Framework: "npm", Command: "npm test"}, true
}

func pytestTooling(repoRoot string) (Tooling, bool) {
	if fileExists(filepath.Join(repoRoot, "pytest.ini")) {
		return Tooling{Present: true, Framework: "pytest", Command: "pytest"}, true
	}
	raw, err := os.ReadFile(filepath.Join(repoRoot, "pyproject.toml"))
	if err != nil {
		return Tooling{}, false
	}
	if strings.Contains(string(raw), "pytest") {
		return Tooling{Present: true, Framework: "pytest", Command: "pytest"}, true
	}
	return Tooling{}, false
}

func makefileHasTestTarget(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "test:") || strings.HasPrefix(line, "test :") {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
