// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterpolate(t *testing.T) {
	c := NewContext("wf-1", "proj-1")
	c.SetVar("task_title", "add config loader")
	c.SetVar("qa_status", "pass")
	c.SetVar("task", map[string]any{"milestone": map[string]any{"slug": "foundation"}})

	tests := []struct {
		in   string
		want string
	}{
		{"feat: ${task_title}", "feat: add config loader"},
		{"${qa_status}/${task.milestone.slug}", "pass/foundation"},
		{"no refs here", "no refs here"},
		{"missing: ${nope}", "missing: unknown"},
		{"${task_title} and ${nope}", "add config loader and unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Interpolate(tt.in, c), tt.in)
	}
}

func TestInterpolateValueKeepsStructures(t *testing.T) {
	c := NewContext("wf-1", "proj-1")
	task := map[string]any{"id": "42", "title": "add config loader"}
	c.SetVar("task", task)
	c.SetVar("branch", "milestone/foundation")

	out := InterpolateValue(map[string]any{
		"task":    "${task}",
		"branch":  "branch=${branch}",
		"numbers": []any{1, "${task.id}", "plain"},
		"missing": "${absent}",
	}, c)

	m, ok := out.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, task, m["task"], "exact reference resolves to the raw value")
	assert.Equal(t, "branch=milestone/foundation", m["branch"])
	assert.Equal(t, []any{1, "42", "plain"}, m["numbers"])
	assert.Equal(t, "unknown", m["missing"])
}
