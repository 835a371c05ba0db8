// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/internal/config"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(&config.DashboardConfig{BaseURL: srv.URL, Timeout: 5 * time.Second})
}

func TestGetProjectDecodesNestedResources(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/proj-1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "proj-1",
			"name": "Demo",
			"repository": {"id": "repo-1", "name": "demo", "url": "https://example.com/org/demo.git", "default_branch": "main"},
			"milestones": [{"id": "ms-1", "title": "Milestone 1", "slug": "milestone-1", "status": "active"}]
		}`))
	}))

	proj, err := client.GetProject(context.Background(), "proj-1")
	require.NoError(t, err)
	require.NotNil(t, proj.Repository)
	assert.Equal(t, "https://example.com/org/demo.git", proj.Repository.URL)
	require.Len(t, proj.Milestones, 1)
	assert.Equal(t, "milestone-1", proj.Milestones[0].Slug)
}

func TestListTasksSendsFilters(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "open", r.URL.Query().Get("status"))
		assert.Equal(t, "ms-1", r.URL.Query().Get("milestone_id"))
		w.Write([]byte(`[{"id": "task-1", "title": "Do it", "status": "open"}]`))
	}))

	tasks, err := client.ListTasks(context.Background(), "proj-1", TaskFilter{Status: StatusOpen, MilestoneID: "ms-1"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "task-1", tasks[0].ID)
}

func TestUpdateTaskStatusPatches(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/projects/proj-1/tasks/task-1", r.URL.Path)
		var patch map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&patch))
		assert.Equal(t, "in_progress", patch["status"])
		w.Write([]byte(`{"id": "task-1", "title": "Do it", "status": "in_progress"}`))
	}))

	task, err := client.UpdateTaskStatus(context.Background(), "proj-1", "task-1", StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, task.Status)
}

func TestBulkCreateTasksRoundTrip(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/proj-1/tasks:bulk", r.URL.Path)
		var body struct {
			Tasks []TaskToCreate `json:"tasks"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Tasks, 2)
		assert.Equal(t, "wf-X:create_tasks_bulk:0", body.Tasks[0].ExternalID)

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{
			"created": [{"id": "task-9", "title": "A", "status": "open", "external_id": "wf-X:create_tasks_bulk:0"}],
			"skipped": [{"external_id": "wf-X:create_tasks_bulk:1", "reason": "duplicate external_id"}],
			"summary": {"totalRequested": 2, "created": 1, "skipped": 1}
		}`))
	}))

	result, err := client.BulkCreateTasks(context.Background(), "proj-1", []TaskToCreate{
		{Title: "A", ExternalID: "wf-X:create_tasks_bulk:0"},
		{Title: "B", ExternalID: "wf-X:create_tasks_bulk:1"},
	})
	require.NoError(t, err)
	assert.Len(t, result.Created, 1)
	assert.Len(t, result.Skipped, 1)
	assert.Equal(t, 2, result.Summary.TotalRequested)
	assert.Equal(t, "duplicate external_id", result.Skipped[0].Reason)
}

func TestStatusErrorClassification(t *testing.T) {
	codes := []int{http.StatusNotFound, http.StatusConflict, http.StatusBadRequest}
	idx := 0
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", codes[idx])
		idx++
	}))

	_, err := client.GetTask(context.Background(), "p", "t")
	assert.True(t, IsNotFound(err))

	_, err = client.GetTask(context.Background(), "p", "t")
	assert.True(t, IsConflict(err))

	_, err = client.GetTask(context.Background(), "p", "t")
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
	assert.False(t, IsConflict(err))
	assert.False(t, IsServerError(err))
}

func TestServerErrorsTripBreaker(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	var lastErr error
	for i := 0; i < 6; i++ {
		lastErr = client.Health(context.Background())
		require.Error(t, lastErr)
	}
	// After five consecutive failures the breaker is open and the failure
	// no longer comes from the server.
	assert.False(t, IsServerError(lastErr))
	assert.Contains(t, lastErr.Error(), "circuit open")
}

func TestLabelsAcceptBothWireForms(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Labels
	}{
		{"array", `["a", "b"]`, Labels{"a", "b"}},
		{"json string", `"[\"a\", \"b\"]"`, Labels{"a", "b"}},
		{"comma string", `"a, b"`, Labels{"a", "b"}},
		{"empty string", `""`, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got Labels
			require.NoError(t, json.Unmarshal([]byte(tc.in), &got))
			assert.Equal(t, tc.want, got)
		})
	}

	out, err := json.Marshal(Labels(nil))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(out))
}
