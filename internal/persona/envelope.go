// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package persona implements the request/event protocol between the
// workflow engine and the persona workers: envelope codecs over stream
// field maps, the send/wait messenger, and the response interpreter.
package persona

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Event statuses a persona may report.
const (
	StatusDone     = "done"
	StatusProgress = "progress"
	StatusError    = "error"
	StatusBlocked  = "blocked"
)

// Request is one unit of work addressed to a persona. On the wire every
// field is a string; Payload is JSON-encoded into the payload field.
type Request struct {
	WorkflowID string
	Step       string
	From       string
	ToPersona  string
	Intent     string
	Payload    any
	CorrID     string
	DeadlineS  int
	Repo       string
	Branch     string
	ProjectID  string
	TaskID     string
}

// Fields serializes the request into the stream field map. Empty optional
// fields are omitted.
func (r *Request) Fields() (map[string]string, error) {
	payload := "{}"
	if r.Payload != nil {
		encoded, err := json.Marshal(r.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		payload = string(encoded)
	}

	fields := map[string]string{
		"workflow_id": r.WorkflowID,
		"from":        r.From,
		"to_persona":  r.ToPersona,
		"intent":      r.Intent,
		"payload":     payload,
		"corr_id":     r.CorrID,
	}
	putOptional(fields, "step", r.Step)
	putOptional(fields, "repo", r.Repo)
	putOptional(fields, "branch", r.Branch)
	putOptional(fields, "project_id", r.ProjectID)
	putOptional(fields, "task_id", r.TaskID)
	if r.DeadlineS > 0 {
		fields["deadline_s"] = strconv.Itoa(r.DeadlineS)
	}
	return fields, nil
}

// ParseRequest decodes a stream field map back into a Request. The payload
// stays JSON-encoded; PayloadMap decodes it on demand.
func ParseRequest(fields map[string]string) (*Request, error) {
	r := &Request{
		WorkflowID: fields["workflow_id"],
		Step:       fields["step"],
		From:       fields["from"],
		ToPersona:  fields["to_persona"],
		Intent:     fields["intent"],
		CorrID:     fields["corr_id"],
		Repo:       fields["repo"],
		Branch:     fields["branch"],
		ProjectID:  fields["project_id"],
		TaskID:     fields["task_id"],
	}
	if r.WorkflowID == "" || r.ToPersona == "" || r.CorrID == "" {
		return nil, fmt.Errorf("request envelope missing workflow_id, to_persona or corr_id")
	}
	if raw, ok := fields["payload"]; ok && raw != "" {
		r.Payload = json.RawMessage(raw)
	}
	if raw, ok := fields["deadline_s"]; ok && raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid deadline_s %q: %w", raw, err)
		}
		r.DeadlineS = n
	}
	return r, nil
}

// PayloadMap decodes the JSON payload into a generic map.
func (r *Request) PayloadMap() (map[string]any, error) {
	if r.Payload == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

// Event is a persona's reply on the event stream.
type Event struct {
	WorkflowID  string
	Step        string
	FromPersona string
	Status      string
	Result      string
	CorrID      string
	TS          string
	Error       string
}

// Fields serializes the event into the stream field map.
func (e *Event) Fields() map[string]string {
	fields := map[string]string{
		"workflow_id":  e.WorkflowID,
		"from_persona": e.FromPersona,
		"status":       e.Status,
	}
	putOptional(fields, "step", e.Step)
	putOptional(fields, "result", e.Result)
	putOptional(fields, "corr_id", e.CorrID)
	putOptional(fields, "ts", e.TS)
	putOptional(fields, "error", e.Error)
	return fields
}

// ParseEvent decodes a stream field map into an Event.
func ParseEvent(fields map[string]string) (*Event, error) {
	e := &Event{
		WorkflowID:  fields["workflow_id"],
		Step:        fields["step"],
		FromPersona: fields["from_persona"],
		Status:      fields["status"],
		Result:      fields["result"],
		CorrID:      fields["corr_id"],
		TS:          fields["ts"],
		Error:       fields["error"],
	}
	if e.WorkflowID == "" || e.FromPersona == "" {
		return nil, fmt.Errorf("event envelope missing workflow_id or from_persona")
	}
	switch e.Status {
	case StatusDone, StatusProgress, StatusError, StatusBlocked:
	default:
		return nil, fmt.Errorf("event envelope has invalid status %q", e.Status)
	}
	return e, nil
}

// Terminal reports whether the event ends a wait.
func (e *Event) Terminal() bool {
	return e.Status != StatusProgress
}

func putOptional(fields map[string]string, key, value string) {
	if value != "" {
		fields[key] = value
	}
}
