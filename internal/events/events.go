// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package events defines the lifecycle events the engine and coordinator
// emit while driving workflows. Operators consume them through logs and the
// ops websocket feed.
package events

import (
	"time"
)

// CurrentProtocolVersion is stamped into every event envelope so feed
// consumers can detect breaking changes.
const CurrentProtocolVersion = "v1.0.0"

// Metadata carries the fields shared by every event.
type Metadata struct {
	WorkflowID string    `json:"workflow_id,omitempty"`
	ProjectID  string    `json:"project_id,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	Version    string    `json:"version"`
	TS         time.Time `json:"ts"`
}

// Event is anything publishable on the bus.
type Event interface {
	GetMetadata() Metadata
}

// NewMetadata stamps the envelope for one workflow run.
func NewMetadata(workflowID, projectID, taskID string) Metadata {
	return Metadata{
		WorkflowID: workflowID,
		ProjectID:  projectID,
		TaskID:     taskID,
		Version:    CurrentProtocolVersion,
		TS:         time.Now().UTC(),
	}
}

// WorkflowStarted is emitted when the engine begins executing a definition.
type WorkflowStarted struct {
	Metadata
	Workflow string `json:"workflow"`
	Steps    int    `json:"steps"`
}

func (e WorkflowStarted) GetMetadata() Metadata { return e.Metadata }

// StepStarted is emitted before a step's Execute runs (per attempt).
type StepStarted struct {
	Metadata
	Workflow string `json:"workflow"`
	Step     string `json:"step"`
	Type     string `json:"type"`
	Attempt  int    `json:"attempt"`
}

func (e StepStarted) GetMetadata() Metadata { return e.Metadata }

// StepFinished is emitted when a step reaches a terminal state.
type StepFinished struct {
	Metadata
	Workflow string        `json:"workflow"`
	Step     string        `json:"step"`
	Type     string        `json:"type"`
	Status   string        `json:"status"` // success, failure or skipped
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

func (e StepFinished) GetMetadata() Metadata { return e.Metadata }

// WorkflowFinished is emitted once per run with the terminal outcome.
type WorkflowFinished struct {
	Metadata
	Workflow       string        `json:"workflow"`
	Status         string        `json:"status"` // success or failure
	CompletedSteps []string      `json:"completed_steps"`
	SkippedSteps   []string      `json:"skipped_steps,omitempty"`
	FailedStep     string        `json:"failed_step,omitempty"`
	AbortReason    string        `json:"abort_reason,omitempty"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration_ns"`
}

func (e WorkflowFinished) GetMetadata() Metadata { return e.Metadata }

// TaskStatusChanged is emitted when the coordinator moves a dashboard task.
type TaskStatusChanged struct {
	Metadata
	From string `json:"from"`
	To   string `json:"to"`
}

func (e TaskStatusChanged) GetMetadata() Metadata { return e.Metadata }

// SeverityGap is emitted when review normalization had to fall back to a
// default severity because the reviewer output carried none it understood.
type SeverityGap struct {
	Metadata
	ReviewType  string `json:"review_type"`
	RawSeverity string `json:"raw_severity"`
	IssueTitle  string `json:"issue_title,omitempty"`
}

func (e SeverityGap) GetMetadata() Metadata { return e.Metadata }

// RunError is emitted for operator-visible failures outside step scope.
type RunError struct {
	Metadata
	Context string `json:"context"`
	Message string `json:"message"`
}

func (e RunError) GetMetadata() Metadata { return e.Metadata }
