// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/maestrohq/maestro/internal/dashboard"
	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/workflow"
)

// PM decisions after a review failure.
const (
	DecisionImmediateFix = "immediate_fix"
	DecisionDefer        = "defer"
)

type pmDecisionConfig struct {
	SourceVariable string `mapstructure:"source_variable"`
	ReviewType     string `mapstructure:"review_type"`
}

// pmDecisionParseStep turns the PM persona's free-form verdict into a
// structured decision plus follow-up tasks. Parsing is deliberately
// forgiving: a malformed response degrades to defer-with-no-tasks rather
// than failing the run, because the PM's output is advisory.
type pmDecisionParseStep struct {
	name string
	cfg  pmDecisionConfig
	deps Deps
	log  zerolog.Logger
}

func newPMDecisionParse(spec workflow.StepSpec, deps Deps) (workflow.Step, error) {
	var cfg pmDecisionConfig
	if err := decodeConfig(spec.Config, &cfg); err != nil {
		return nil, err
	}
	return &pmDecisionParseStep{name: spec.Name, cfg: cfg, deps: deps, log: logger.GetStepLogger()}, nil
}

func (s *pmDecisionParseStep) Name() string { return s.name }
func (s *pmDecisionParseStep) Kind() string { return "pm_decision_parse" }

func (s *pmDecisionParseStep) Validate(*workflow.Context) error {
	if s.cfg.SourceVariable == "" {
		return fmt.Errorf("source_variable is required")
	}
	return nil
}

func (s *pmDecisionParseStep) Execute(_ context.Context, wctx *workflow.Context) (*workflow.Result, error) {
	reviewType := s.cfg.ReviewType
	if reviewType == "" {
		reviewType = wctx.StringVar("failed_review_type")
	}

	value, _ := wctx.Var(s.cfg.SourceVariable)
	body := decisionBody(value)
	if body == nil {
		s.log.Warn().Str("variable", s.cfg.SourceVariable).Msg("pm response unparseable, deferring")
		return s.finish(wctx, DecisionDefer, nil, nil)
	}

	decision := canonicalDecision(body["decision"])
	followUps := s.followUpTasks(body, reviewType)
	milestoneUpdates := milestoneUpdateList(body["milestone_updates"])

	// An immediate-fix verdict with nothing to fix is a defer in disguise.
	if decision == DecisionImmediateFix && len(followUps) == 0 {
		s.log.Warn().Msg("pm chose immediate_fix but listed no tasks, deferring")
		decision = DecisionDefer
	}

	s.log.Info().
		Str("decision", decision).
		Int("follow_ups", len(followUps)).
		Int("milestone_updates", len(milestoneUpdates)).
		Msg("pm decision parsed")
	return s.finish(wctx, decision, followUps, milestoneUpdates)
}

func (s *pmDecisionParseStep) finish(wctx *workflow.Context, decision string, followUps []map[string]any, milestoneUpdates []map[string]any) (*workflow.Result, error) {
	wctx.SetVar("pm_decision", decision)
	wctx.SetVar("pm_followup_tasks", followUps)
	wctx.SetVar("pm_milestone_updates", milestoneUpdates)
	return &workflow.Result{Outputs: map[string]any{
		"decision":          decision,
		"followup_tasks":    followUps,
		"milestone_updates": milestoneUpdates,
	}}, nil
}

// followUpTasks merges the current and legacy task list fields, then
// normalizes each entry so downstream bulk creation never sees a task
// without a title or with an unusable priority.
func (s *pmDecisionParseStep) followUpTasks(body map[string]any, reviewType string) []map[string]any {
	var merged []any
	if items, ok := body["follow_up_tasks"].([]any); ok {
		merged = append(merged, items...)
	}
	if items, ok := body["followUpTasks"].([]any); ok {
		merged = append(merged, items...)
	}
	if items, ok := body["backlog"].([]any); ok && len(items) > 0 {
		s.log.Warn().Msg("pm response uses deprecated backlog field, treating as follow_up_tasks")
		merged = append(merged, items...)
	}

	out := make([]map[string]any, 0, len(merged))
	for i, item := range merged {
		task, ok := item.(map[string]any)
		if !ok {
			s.log.Warn().Int("index", i).Msg("ignoring non-object follow-up entry")
			continue
		}
		s.normalizeTask(task, reviewType, len(out)+1)
		out = append(out, task)
	}
	return out
}

func (s *pmDecisionParseStep) normalizeTask(task map[string]any, reviewType string, ordinal int) {
	title, _ := task["title"].(string)
	if strings.TrimSpace(title) == "" {
		label := reviewType
		if label == "" {
			label = "code"
		}
		task["title"] = fmt.Sprintf("%s review follow-up %d", label, ordinal)
		meta, _ := task["metadata"].(map[string]any)
		if meta == nil {
			meta = make(map[string]any)
		}
		meta["generated_title_reason"] = "missing_pm_title"
		task["metadata"] = meta
	}
	if p, ok := task["priority"].(string); ok && p != "" && !dashboard.ValidPriority(p) {
		// Keep the raw value so the score fallback still applies downstream.
		s.log.Warn().Str("priority", p).Msg("pm follow-up carries unknown priority")
	}
}

// decisionBody extracts the PM's JSON object from whatever shape the
// persona result took: parsed map, raw JSON, or text with a fenced block.
func decisionBody(value any) map[string]any {
	switch v := value.(type) {
	case nil:
		return nil
	case map[string]any:
		return v
	case json.RawMessage:
		return decisionBody(string(v))
	case string:
		candidate := strings.TrimSpace(v)
		if m := fencedJSONBlock.FindStringSubmatch(candidate); m != nil {
			candidate = m[1]
		}
		start := strings.Index(candidate, "{")
		end := strings.LastIndex(candidate, "}")
		if start < 0 || end <= start {
			return nil
		}
		var body map[string]any
		if err := json.Unmarshal([]byte(candidate[start:end+1]), &body); err != nil {
			return nil
		}
		return body
	default:
		return nil
	}
}

var fencedJSONBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

func canonicalDecision(v any) string {
	s, _ := v.(string)
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "immediate_fix", "immediate-fix", "fix_now", "fix":
		return DecisionImmediateFix
	default:
		return DecisionDefer
	}
}

func milestoneUpdateList(v any) []map[string]any {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
