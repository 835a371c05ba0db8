// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dashboard is the typed client for the project dashboard HTTP API:
// projects, milestones, tasks, repositories and the idempotent bulk task
// endpoint the workflow steps drive.
package dashboard

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Task status values the dashboard accepts.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusInReview   = "in_review"
	StatusBlocked    = "blocked"
	StatusDone       = "done"
	StatusArchived   = "archived"
)

// Task priorities, highest first.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// ValidPriority reports whether p is one of the accepted priority values.
func ValidPriority(p string) bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// MilestoneStatusActive marks the milestone the coordinator prefers.
const MilestoneStatusActive = "active"

// Labels tolerates both representations the dashboard has shipped: a JSON
// array and a JSON-encoded string containing an array (older bulk endpoints).
// It always marshals as an array.
type Labels []string

func (l *Labels) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*l = arr
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("labels: expected array or string, got %s", string(data))
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*l = nil
		return nil
	}
	var inner []string
	if err := json.Unmarshal([]byte(s), &inner); err == nil {
		*l = inner
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*l = out
	return nil
}

func (l Labels) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(l))
}

// Project as returned by GET /projects/{id}.
type Project struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Slug         string       `json:"slug,omitempty"`
	Description  string       `json:"description,omitempty"`
	Repository   *Repository  `json:"repository,omitempty"`
	Repositories []Repository `json:"repositories,omitempty"`
	Milestones   []Milestone  `json:"milestones,omitempty"`
}

// Repository is one remote attached to a project.
type Repository struct {
	ID            string `json:"id"`
	ProjectID     string `json:"project_id,omitempty"`
	Name          string `json:"name"`
	URL           string `json:"url"`
	DefaultBranch string `json:"default_branch,omitempty"`
	IsPrimary     bool   `json:"is_primary,omitempty"`
}

// Milestone groups tasks; slug is unique per project.
type Milestone struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id,omitempty"`
	Title       string `json:"title"`
	Slug        string `json:"slug"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
	SortOrder   int    `json:"sort_order,omitempty"`
	Tasks       []Task `json:"tasks,omitempty"`
}

// Task is one unit of backlog work.
type Task struct {
	ID              string         `json:"id"`
	ProjectID       string         `json:"project_id,omitempty"`
	MilestoneID     string         `json:"milestone_id,omitempty"`
	MilestoneSlug   string         `json:"milestone_slug,omitempty"`
	ParentTaskID    string         `json:"parent_task_id,omitempty"`
	Title           string         `json:"title"`
	Slug            string         `json:"slug,omitempty"`
	Description     string         `json:"description,omitempty"`
	Type            string         `json:"type,omitempty"`
	Status          string         `json:"status"`
	Priority        string         `json:"priority,omitempty"`
	PriorityScore   int            `json:"priority_score,omitempty"`
	Labels          Labels         `json:"labels,omitempty"`
	ExternalID      string         `json:"external_id,omitempty"`
	AssigneePersona string         `json:"assignee_persona,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at,omitempty"`
}

// Done reports whether the task needs no further coordinator attention.
func (t Task) Done() bool {
	return t.Status == StatusDone || t.Status == StatusArchived
}

// TaskToCreate is the shape accepted by task create endpoints, bulk included.
type TaskToCreate struct {
	Title             string         `json:"title"`
	Description       string         `json:"description,omitempty"`
	Type              string         `json:"type,omitempty"`
	Priority          string         `json:"priority,omitempty"`
	PriorityScore     int            `json:"priority_score,omitempty"`
	MilestoneSlug     string         `json:"milestone_slug,omitempty"`
	ParentTaskID      string         `json:"parent_task_id,omitempty"`
	ExternalID        string         `json:"external_id,omitempty"`
	AssigneePersona   string         `json:"assignee_persona,omitempty"`
	Labels            Labels         `json:"labels,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	IsDuplicate       bool           `json:"is_duplicate,omitempty"`
	DuplicateOfTaskID string         `json:"duplicate_of_task_id,omitempty"`
	SkipReason        string         `json:"skip_reason,omitempty"`
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status        string
	MilestoneID   string
	MilestoneSlug string
}

// SkippedTask is one bulk entry the dashboard refused as a duplicate.
type SkippedTask struct {
	Task       *Task  `json:"task,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// BulkSummary is the tally block of a bulk response.
type BulkSummary struct {
	TotalRequested int `json:"totalRequested"`
	Created        int `json:"created"`
	Skipped        int `json:"skipped"`
}

// BulkResult is the response of POST /projects/{id}/tasks:bulk.
type BulkResult struct {
	Created []Task        `json:"created"`
	Skipped []SkippedTask `json:"skipped"`
	Summary BulkSummary   `json:"summary"`
	Errors  []string      `json:"errors,omitempty"`
}
