// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/maestrohq/maestro/internal/config"
	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/telemetry"
)

// StatusError is a non-2xx dashboard response. Callers decide whether the
// code is fatal for them; only the bulk step retries 5xx.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("dashboard returned %d: %s", e.Code, body)
}

// IsNotFound reports a 404 response.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// IsConflict reports a 409 response.
func IsConflict(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusConflict
}

// IsServerError reports a 5xx response.
func IsServerError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 500
}

// Client talks to one dashboard instance. It is safe for concurrent use; the
// only shared state is the connection pool and the circuit breaker.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	metrics *telemetry.Metrics
	log     zerolog.Logger
}

// Option tweaks client construction.
type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client, mainly for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithMetrics records per-call counters on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient builds a dashboard client from configuration. The circuit
// breaker opens after five consecutive transport or 5xx failures and
// half-opens after 30 seconds; 4xx responses do not count as failures.
func NewClient(cfg *config.DashboardConfig, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     logger.Get("dashboard"),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "dashboard",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().
				Str("breaker", name).
				Stringer("from", from).
				Stringer("to", to).
				Msg("dashboard circuit breaker state change")
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health checks GET /health, used before entering the coordinator loop.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// GetProject fetches a project with its repositories and milestones.
func (c *Client) GetProject(ctx context.Context, projectID string) (*Project, error) {
	var out Project
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProjectStatus fetches the enriched status alias.
func (c *Client) GetProjectStatus(ctx context.Context, projectID string) (*Project, error) {
	var out Project
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMilestones returns the project's milestones.
func (c *Client) ListMilestones(ctx context.Context, projectID string) ([]Milestone, error) {
	var out []Milestone
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/milestones", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateMilestone patches fields on one milestone.
func (c *Client) UpdateMilestone(ctx context.Context, projectID, milestoneID string, patch map[string]any) (*Milestone, error) {
	var out Milestone
	path := "/projects/" + url.PathEscape(projectID) + "/milestones/" + url.PathEscape(milestoneID)
	if err := c.do(ctx, http.MethodPatch, path, patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTasks returns project tasks, optionally filtered.
func (c *Client) ListTasks(ctx context.Context, projectID string, filter TaskFilter) ([]Task, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	if filter.MilestoneID != "" {
		q.Set("milestone_id", filter.MilestoneID)
	}
	if filter.MilestoneSlug != "" {
		q.Set("milestone_slug", filter.MilestoneSlug)
	}
	path := "/projects/" + url.PathEscape(projectID) + "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []Task
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, projectID, taskID string) (*Task, error) {
	var out Task
	path := "/projects/" + url.PathEscape(projectID) + "/tasks/" + url.PathEscape(taskID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateTask creates a single task.
func (c *Client) CreateTask(ctx context.Context, projectID string, task TaskToCreate) (*Task, error) {
	var out Task
	if err := c.do(ctx, http.MethodPost, "/projects/"+url.PathEscape(projectID)+"/tasks", task, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateTask patches fields on one task.
func (c *Client) UpdateTask(ctx context.Context, projectID, taskID string, patch map[string]any) (*Task, error) {
	var out Task
	path := "/projects/" + url.PathEscape(projectID) + "/tasks/" + url.PathEscape(taskID)
	if err := c.do(ctx, http.MethodPatch, path, patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateTaskStatus moves a task to the given status.
func (c *Client) UpdateTaskStatus(ctx context.Context, projectID, taskID, status string) (*Task, error) {
	return c.UpdateTask(ctx, projectID, taskID, map[string]any{"status": status})
}

// BulkCreateTasks posts tasks to the idempotent bulk endpoint. Entries whose
// external_id already exists come back in the skipped array instead of being
// created twice.
func (c *Client) BulkCreateTasks(ctx context.Context, projectID string, tasks []TaskToCreate) (*BulkResult, error) {
	body := map[string]any{"tasks": tasks}
	var out BulkResult
	if err := c.do(ctx, http.MethodPost, "/projects/"+url.PathEscape(projectID)+"/tasks:bulk", body, &out); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.BulkTasksCreated.Add(float64(len(out.Created)))
		c.metrics.BulkTasksSkipped.Add(float64(len(out.Skipped)))
	}
	return &out, nil
}

// ListRepositories returns the repositories attached to a project.
func (c *Client) ListRepositories(ctx context.Context, projectID string) ([]Repository, error) {
	var out []Repository
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/repositories", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// do runs one round-trip through the circuit breaker and decodes the
// response into out when non-nil. Non-2xx responses become *StatusError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		// 5xx trips the breaker; 4xx is the caller's problem, not the
		// dashboard being down.
		if resp.StatusCode >= 500 {
			defer resp.Body.Close()
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, &StatusError{Code: resp.StatusCode, Body: string(raw)}
		}
		return resp, nil
	})
	if err != nil {
		c.record(method, statusCodeOf(err))
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("dashboard unavailable (circuit open): %w", err)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	resp := res.(*http.Response)
	defer resp.Body.Close()

	c.record(method, resp.StatusCode)
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) record(method string, code int) {
	if c.metrics == nil {
		return
	}
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	c.metrics.DashboardCalls.WithLabelValues(method, label).Inc()
}

func statusCodeOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
