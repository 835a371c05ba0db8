// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/maestrohq/maestro/internal/dashboard"
)

// DefaultExternalIDTemplate makes re-running the same step of the same
// workflow run idempotent: the dashboard skips tasks whose external_id it has
// already seen.
const DefaultExternalIDTemplate = "${workflow_run_id}:${step_name}:${task_index}"

var (
	externalIDVar = regexp.MustCompile(`\$\{([a-zA-Z0-9_.]+)\}`)
	slugStrip     = regexp.MustCompile(`[^a-z0-9]+`)
)

// TitleSlug reduces a task title to a stable lowercase slug.
func TitleSlug(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = slugStrip.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// ExternalID renders an external-id template for one task. Supported
// variables: ${workflow_run_id}, ${step_name}, ${task_index},
// ${task.title_slug}, ${task.title}, ${task.priority}, ${task.milestone_slug}.
// Unknown variables render empty so a typo cannot silently collide ids.
func ExternalID(template, workflowRunID, stepName string, index int, t *dashboard.TaskToCreate) string {
	if template == "" {
		template = DefaultExternalIDTemplate
	}
	vars := map[string]string{
		"workflow_run_id":     workflowRunID,
		"step_name":           stepName,
		"task_index":          strconv.Itoa(index),
		"task.title_slug":     TitleSlug(t.Title),
		"task.title":          t.Title,
		"task.priority":       t.Priority,
		"task.milestone_slug": t.MilestoneSlug,
	}
	return externalIDVar.ReplaceAllStringFunc(template, func(m string) string {
		return vars[m[2:len(m)-1]]
	})
}
