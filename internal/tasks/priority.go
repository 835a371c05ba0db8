// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tasks holds the backlog helpers shared by the bulk-creation step
// and the coordinator: priority scoring, milestone routing, duplicate
// detection, external-id templating and test-tooling discovery.
package tasks

import "github.com/maestrohq/maestro/internal/dashboard"

// Default priority scores, highest first. A dashboard task with an explicit
// priority_score keeps it; these apply when only the named priority is known.
var defaultPriorityScores = map[string]int{
	dashboard.PriorityCritical: 1500,
	dashboard.PriorityHigh:     1200,
	dashboard.PriorityMedium:   800,
	dashboard.PriorityLow:      50,
}

// Scorer maps a priority name to its numeric score. Overrides replace the
// defaults per priority; unknown priorities score as medium.
type Scorer struct {
	overrides map[string]int
}

// NewScorer builds a scorer with optional per-priority overrides.
func NewScorer(overrides map[string]int) *Scorer {
	return &Scorer{overrides: overrides}
}

// Score returns the numeric score for a priority name.
func (s *Scorer) Score(priority string) int {
	if s != nil && s.overrides != nil {
		if score, ok := s.overrides[priority]; ok {
			return score
		}
	}
	if score, ok := defaultPriorityScores[priority]; ok {
		return score
	}
	return defaultPriorityScores[dashboard.PriorityMedium]
}

// Route is where a task lands based on its priority.
type Route struct {
	MilestoneSlug string
	ParentTaskID  string
}

// Router sends critical and high priority tasks to the urgent route and
// everything else to the deferred one. Empty route fields leave the task's
// own values untouched.
type Router struct {
	Urgent   Route
	Deferred Route
}

// RouteFor picks the route for a priority.
func (r *Router) RouteFor(priority string) Route {
	switch priority {
	case dashboard.PriorityCritical, dashboard.PriorityHigh:
		return r.Urgent
	default:
		return r.Deferred
	}
}

// Apply fills the task's milestone and parent from the route unless the task
// already carries them.
func (r *Router) Apply(t *dashboard.TaskToCreate) {
	route := r.RouteFor(t.Priority)
	if t.MilestoneSlug == "" && route.MilestoneSlug != "" {
		t.MilestoneSlug = route.MilestoneSlug
	}
	if t.ParentTaskID == "" && route.ParentTaskID != "" {
		t.ParentTaskID = route.ParentTaskID
	}
}
