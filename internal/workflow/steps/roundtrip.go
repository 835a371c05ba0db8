// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package steps

import (
	"context"
	"fmt"

	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/persona"
	"github.com/maestrohq/maestro/internal/workflow"
)

// coordinatorSender identifies this process on request envelopes.
const coordinatorSender = "coordinator"

// requestPersona runs one send/wait/interpret round-trip against a persona.
// The payload is enriched with the task, repo, branch and project id so a
// worker never has to guess its target. SKIP_PERSONA_OPERATIONS short-circuits
// to a synthetic pass without touching the transport.
func (d Deps) requestPersona(ctx context.Context, wctx *workflow.Context, stepName, personaName, intent string, payload map[string]any, timeoutMS int) (persona.Normalized, error) {
	if d.Config.SkipPersonaOperations {
		log := logger.GetStepLogger()
		log.Debug().
			Str("persona", personaName).
			Str("intent", intent).
			Msg("persona operations skipped, returning synthetic pass")
		return persona.Normalized{
			Status: persona.VerdictPass,
			Raw:    `{"status":"pass","skipped":true}`,
		}, nil
	}

	req := &persona.Request{
		WorkflowID: wctx.WorkflowID,
		Step:       stepName,
		From:       coordinatorSender,
		ToPersona:  personaName,
		Intent:     intent,
		Payload:    d.enrichPayload(wctx, payload),
		Repo:       effectiveRepo(wctx),
		Branch:     wctx.Branch(),
		ProjectID:  wctx.ProjectID,
		TaskID:     wctx.StringVar("task_id"),
	}

	corrID, err := d.Messenger.Send(ctx, req, timeoutMS)
	if err != nil {
		return persona.Normalized{}, err
	}
	ev, err := d.Messenger.Wait(ctx, wctx.WorkflowID, personaName, corrID, timeoutMS)
	if err != nil {
		return persona.Normalized{}, err
	}

	switch ev.Status {
	case persona.StatusError:
		detail := ev.Error
		if detail == "" {
			detail = ev.Result
		}
		return persona.Normalized{Status: persona.VerdictFail, Details: detail, Raw: ev.Result}, nil
	case persona.StatusBlocked:
		return persona.Normalized{
			Status:  persona.VerdictFail,
			Details: fmt.Sprintf("persona %s reported blocked: %s", personaName, ev.Error),
			Raw:     ev.Result,
		}, nil
	}
	return persona.Interpret(personaName, ev.Result), nil
}

// enrichPayload merges the run's identifying fields into the request payload
// without clobbering values the step already set.
func (d Deps) enrichPayload(wctx *workflow.Context, payload map[string]any) map[string]any {
	enriched := make(map[string]any, len(payload)+4)
	for k, v := range payload {
		enriched[k] = v
	}
	if _, ok := enriched["task"]; !ok {
		enriched["task"] = taskInfo(wctx)
	}
	if _, ok := enriched["repo"]; !ok {
		enriched["repo"] = effectiveRepo(wctx)
	}
	if _, ok := enriched["branch"]; !ok {
		enriched["branch"] = wctx.Branch()
	}
	if _, ok := enriched["project_id"]; !ok {
		enriched["project_id"] = wctx.ProjectID
	}
	return enriched
}

// taskInfo builds the task block personas receive, from the variables the
// coordinator seeds at run start.
func taskInfo(wctx *workflow.Context) map[string]any {
	return map[string]any{
		"id":    wctx.StringVar("task_id"),
		"slug":  wctx.StringVar("task_slug"),
		"title": wctx.StringVar("task_title"),
		"type":  wctx.StringVar("task_type"),
	}
}

// effectiveRepo prefers the local clone path over the remote URL.
func effectiveRepo(wctx *workflow.Context) string {
	if path := wctx.StringVar("effective_repo_path"); path != "" {
		return path
	}
	return wctx.StringVar("repo_remote")
}
