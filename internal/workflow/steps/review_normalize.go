// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package steps

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/maestrohq/maestro/internal/dashboard"
	"github.com/maestrohq/maestro/internal/events"
	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/workflow"
)

type reviewNormalizeConfig struct {
	// Sources maps a review type (code, security, architecture, ...) to the
	// context variable carrying that reviewer's raw result.
	Sources map[string]string `mapstructure:"sources"`
	// FeatureBranch pins the branch the reviews were taken against. When set
	// and it disagrees with the bound workspace branch, the step fails rather
	// than filing tasks for stale findings.
	FeatureBranch string `mapstructure:"feature_branch"`
}

// reviewFailureNormalizeStep reduces the raw output of failed review
// personas to a uniform issue list the PM can triage: one severity scale,
// stable labels and a task candidate per issue. Reviews whose status
// variable reads pass are left alone.
type reviewFailureNormalizeStep struct {
	name string
	cfg  reviewNormalizeConfig
	deps Deps
	log  zerolog.Logger
}

// reviewIssue is one normalized finding.
type reviewIssue struct {
	ReviewType  string   `json:"review_type"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Severity    string   `json:"severity"`
	RawSeverity string   `json:"raw_severity,omitempty"`
	Labels      []string `json:"labels"`
}

func newReviewFailureNormalize(spec workflow.StepSpec, deps Deps) (workflow.Step, error) {
	var cfg reviewNormalizeConfig
	if err := decodeConfig(spec.Config, &cfg); err != nil {
		return nil, err
	}
	return &reviewFailureNormalizeStep{name: spec.Name, cfg: cfg, deps: deps, log: logger.GetStepLogger()}, nil
}

func (s *reviewFailureNormalizeStep) Name() string { return s.name }
func (s *reviewFailureNormalizeStep) Kind() string { return "review_failure_normalize" }

func (s *reviewFailureNormalizeStep) Validate(*workflow.Context) error {
	if len(s.cfg.Sources) == 0 {
		return fmt.Errorf("sources is required")
	}
	return nil
}

func (s *reviewFailureNormalizeStep) Execute(_ context.Context, wctx *workflow.Context) (*workflow.Result, error) {
	if expected := workflow.Interpolate(s.cfg.FeatureBranch, wctx); expected != "" && expected != "unknown" {
		if current := wctx.Branch(); current != "" && current != expected {
			return nil, fmt.Errorf("reviews were taken on branch %q but the run is on %q", expected, current)
		}
	}

	var issues []reviewIssue
	failedType := ""

	for reviewType, varName := range s.cfg.Sources {
		// The paired status variable decides whether this review failed at
		// all: implement_review_result pairs with implement_review_status.
		statusVar := strings.TrimSuffix(varName, "_result") + "_status"
		if wctx.StringVar(statusVar) == "pass" {
			continue
		}
		value, ok := wctx.Var(varName)
		if !ok || value == nil {
			continue
		}
		body := decisionBody(value)
		if body == nil {
			// Free text still counts as one opaque finding.
			text, _ := value.(string)
			if strings.TrimSpace(text) == "" {
				continue
			}
			issues = append(issues, s.normalize(wctx, reviewType, map[string]any{
				"title":       fmt.Sprintf("%s review reported issues", reviewType),
				"description": text,
			}))
			failedType = reviewType
			continue
		}

		if branch, ok := body["feature_branch"].(string); ok && branch != "" && branch != wctx.Branch() {
			return nil, fmt.Errorf("%s review examined branch %q but the run is on %q", reviewType, branch, wctx.Branch())
		}

		extracted := extractIssues(body)
		if len(extracted) == 0 {
			continue
		}
		failedType = reviewType
		for _, raw := range extracted {
			issues = append(issues, s.normalize(wctx, reviewType, raw))
		}
	}

	found := len(issues) > 0
	wctx.SetVar("review_issues_found", found)
	wctx.SetVar("review_issues", issueMaps(issues))
	wctx.SetVar("failed_review_type", failedType)
	wctx.SetVar("tasks_to_create", taskCandidates(issues))

	s.log.Info().Int("issues", len(issues)).Str("review_type", failedType).Msg("review failures normalized")
	return &workflow.Result{Outputs: map[string]any{
		"issues_found": found,
		"issues":       len(issues),
		"review_type":  failedType,
	}}, nil
}

// normalize maps one raw finding onto the shared severity scale and labels.
func (s *reviewFailureNormalizeStep) normalize(wctx *workflow.Context, reviewType string, raw map[string]any) reviewIssue {
	title, _ := raw["title"].(string)
	if title == "" {
		title, _ = raw["summary"].(string)
	}
	if title == "" {
		title = fmt.Sprintf("%s review finding", reviewType)
	}
	description, _ := raw["description"].(string)
	if description == "" {
		description, _ = raw["details"].(string)
	}

	rawSeverity := severityString(raw)
	severity, mapped := canonicalSeverity(rawSeverity)
	if !mapped {
		severity = severityLow
		s.deps.publish(events.SeverityGap{
			Metadata:    s.deps.metadata(wctx),
			ReviewType:  reviewType,
			RawSeverity: rawSeverity,
			IssueTitle:  title,
		})
		if s.deps.Metrics != nil {
			s.deps.Metrics.SeverityGaps.WithLabelValues(reviewType).Inc()
		}
	}

	labels := []string{"review-gap", reviewType + "-gap"}
	if mentionsMissingTestFramework(title + " " + description) {
		labels = append(labels, "infra")
	}
	return reviewIssue{
		ReviewType:  reviewType,
		Title:       title,
		Description: description,
		Severity:    severity,
		RawSeverity: rawSeverity,
		Labels:      labels,
	}
}

// Canonical severities, aligned with dashboard priorities.
const (
	severityCritical = dashboard.PriorityCritical
	severityHigh     = dashboard.PriorityHigh
	severityMedium   = dashboard.PriorityMedium
	severityLow      = dashboard.PriorityLow
)

// canonicalSeverity maps reviewer vocabulary onto the four-step scale.
// Keywords win; a bare number is read as a 0..1 confidence score. The second
// return reports whether the mapping was recognized.
func canonicalSeverity(raw string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case lower == "":
		return severityLow, false
	case strings.Contains(lower, "critical") || strings.Contains(lower, "severe"):
		return severityCritical, true
	case strings.Contains(lower, "high") || strings.Contains(lower, "blocker"):
		return severityHigh, true
	case strings.Contains(lower, "medium") || strings.Contains(lower, "moderate"):
		return severityMedium, true
	case strings.Contains(lower, "low") || strings.Contains(lower, "minor"):
		return severityLow, true
	}
	if score, err := strconv.ParseFloat(lower, 64); err == nil {
		switch {
		case score >= 0.9:
			return severityCritical, true
		case score >= 0.6:
			return severityHigh, true
		case score >= 0.3:
			return severityMedium, true
		default:
			return severityLow, true
		}
	}
	return severityLow, false
}

func severityString(raw map[string]any) string {
	for _, key := range []string{"severity", "priority", "level"} {
		switch v := raw[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// extractIssues walks the shapes reviewers actually produce: a flat issues
// or root_causes list, findings bucketed by severity, or the nested
// critical_analysis object.
func extractIssues(body map[string]any) []map[string]any {
	var out []map[string]any

	for _, key := range []string{"issues", "root_causes"} {
		if items, ok := body[key].([]any); ok {
			out = append(out, issueObjects(items, "")...)
		}
	}
	if findings, ok := body["findings"].(map[string]any); ok {
		for bucket, items := range findings {
			if list, ok := items.([]any); ok {
				out = append(out, issueObjects(list, bucket)...)
			}
		}
	}
	if analysis, ok := body["critical_analysis"].(map[string]any); ok {
		for section, v := range analysis {
			switch items := v.(type) {
			case []any:
				out = append(out, issueObjects(items, "")...)
			case string:
				if strings.TrimSpace(items) != "" {
					out = append(out, map[string]any{"title": section, "description": items})
				}
			}
		}
	}
	return out
}

// issueObjects coerces a list of findings to maps; bare strings become the
// title, and the bucket name supplies the severity when the finding has none.
func issueObjects(items []any, severity string) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case map[string]any:
			if severity != "" {
				if _, has := v["severity"]; !has {
					v["severity"] = severity
				}
			}
			out = append(out, v)
		case string:
			if strings.TrimSpace(v) == "" {
				continue
			}
			m := map[string]any{"title": v}
			if severity != "" {
				m["severity"] = severity
			}
			out = append(out, m)
		}
	}
	return out
}

func mentionsMissingTestFramework(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "no test framework") ||
		strings.Contains(lower, "missing test framework") ||
		strings.Contains(lower, "test tooling missing") ||
		strings.Contains(lower, "no test runner")
}

func issueMaps(issues []reviewIssue) []map[string]any {
	out := make([]map[string]any, 0, len(issues))
	for _, is := range issues {
		out = append(out, map[string]any{
			"review_type":  is.ReviewType,
			"title":        is.Title,
			"description":  is.Description,
			"severity":     is.Severity,
			"raw_severity": is.RawSeverity,
			"labels":       is.Labels,
		})
	}
	return out
}

// taskCandidates shapes the normalized issues for bulk_task_creation.
func taskCandidates(issues []reviewIssue) []map[string]any {
	out := make([]map[string]any, 0, len(issues))
	for _, is := range issues {
		out = append(out, map[string]any{
			"title":       is.Title,
			"description": is.Description,
			"priority":    is.Severity,
			"type":        "bug",
			"labels":      is.Labels,
		})
	}
	return out
}
