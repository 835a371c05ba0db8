// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package ops

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/maestrohq/maestro/internal/workflow"
)

type handlers struct {
	library    *workflow.Library
	readyCheck ReadyCheck
}

func newHandlers(deps Deps) *handlers {
	return &handlers{library: deps.Library, readyCheck: deps.Ready}
}

// workflowSummary is the list entry of GET /api/v1/workflows.
type workflowSummary struct {
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	Trigger     string `json:"trigger,omitempty"`
	Steps       int    `json:"steps"`
}

// workflowDetail adds the step structure for GET /api/v1/workflows/{name}.
type workflowDetail struct {
	workflowSummary
	RepoRequired bool          `json:"repo_required"`
	StepList     []stepSummary `json:"step_list"`
}

type stepSummary struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	DependsOn []string `json:"depends_on,omitempty"`
	Condition string   `json:"condition,omitempty"`
}

func (h *handlers) live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) ready(w http.ResponseWriter, r *http.Request) {
	if h.readyCheck != nil {
		if err := h.readyCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *handlers) listWorkflows(w http.ResponseWriter, _ *http.Request) {
	names := h.library.Names()
	out := make([]workflowSummary, 0, len(names))
	for _, name := range names {
		def, err := h.library.Get(name)
		if err != nil {
			continue
		}
		out = append(out, summarize(def))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) getWorkflow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	def, err := h.library.Get(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	detail := workflowDetail{workflowSummary: summarize(def)}
	if def.Context != nil {
		detail.RepoRequired = def.Context.RepoRequired
	}
	detail.StepList = make([]stepSummary, 0, len(def.Steps))
	for _, step := range def.Steps {
		detail.StepList = append(detail.StepList, stepSummary{
			Name:      step.Name,
			Type:      step.Type,
			DependsOn: step.DependsOn,
			Condition: step.Condition,
		})
	}
	writeJSON(w, http.StatusOK, detail)
}

func summarize(def *workflow.Definition) workflowSummary {
	s := workflowSummary{
		Name:        def.Name,
		Version:     def.Version,
		Description: def.Description,
		Steps:       len(def.Steps),
	}
	if def.Trigger != nil {
		s.Trigger = def.Trigger.Condition
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
