// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conditionContext() *Context {
	c := NewContext("wf-1", "proj-1")
	c.SetVars(map[string]any{
		"qa_status":  "fail",
		"task_type":  "task",
		"iterations": float64(3),
		"approved":   true,
		"parent":     nil,
		"task":       map[string]any{"priority": "high"},
	})
	return c
}

func TestEvalConditionLeaves(t *testing.T) {
	c := conditionContext()

	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"${qa_status} == 'fail'", true},
		{`${qa_status} == "fail"`, true},
		{"${qa_status} != 'pass'", true},
		{"${qa_status} == 'pass'", false},
		{"${task_type} == task", true}, // bare-word literal
		{"${iterations} == 3", true},
		{"${approved} == true", true},
		{"${parent} == null", true},
		{"${task.priority} == 'high'", true},
		{"${missing} == 'unknown'", true},
		{"${missing} != 'anything'", true},
	}
	for _, tt := range tests {
		got, err := EvalCondition(tt.expr, c)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, got, tt.expr)
	}
}

func TestEvalConditionConnectives(t *testing.T) {
	c := conditionContext()

	tests := []struct {
		expr string
		want bool
	}{
		{"${qa_status} == 'fail' && ${task_type} == 'task'", true},
		{"${qa_status} == 'pass' && ${task_type} == 'task'", false},
		{"${qa_status} == 'pass' || ${task_type} == 'task'", true},
		{"${qa_status} == 'pass' || ${task_type} == 'bug'", false},
		// Left-to-right: (false && true) || true.
		{"${qa_status} == 'pass' && ${approved} == true || ${task_type} == 'task'", true},
		// Left-to-right: (false || true) && false.
		{"${qa_status} == 'pass' || ${approved} == true && ${task_type} == 'bug'", false},
	}
	for _, tt := range tests {
		got, err := EvalCondition(tt.expr, c)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, got, tt.expr)
	}
}

func TestEvalConditionQuotedOperators(t *testing.T) {
	c := NewContext("wf-1", "proj-1")
	c.SetVar("note", "a && b")

	got, err := EvalCondition("${note} == 'a && b'", c)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvalConditionErrors(t *testing.T) {
	c := conditionContext()

	for _, expr := range []string{
		"${qa_status}",
		"${qa_status} = 'fail'",
		"${qa_status} == 'fail' &&",
		"${qa_status} == 'unterminated",
	} {
		_, err := EvalCondition(expr, c)
		assert.Error(t, err, expr)
	}
}
