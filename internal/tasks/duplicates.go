// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/maestrohq/maestro/internal/dashboard"
)

// Duplicate detection strategies.
const (
	StrategyExternalID        = "external_id"
	StrategyTitle             = "title"
	StrategyTitleAndMilestone = "title_and_milestone"
)

// Acceptance thresholds per strategy, on a 0..100 score scale.
var thresholds = map[string]float64{
	StrategyExternalID:        100,
	StrategyTitle:             80,
	StrategyTitleAndMilestone: 70,
}

// Match is a detected duplicate candidate.
type Match struct {
	TaskID string
	Score  float64
}

// Detector compares candidate tasks against the existing backlog.
type Detector struct {
	strategy string
}

// NewDetector builds a detector for one of the named strategies.
func NewDetector(strategy string) (*Detector, error) {
	switch strategy {
	case StrategyExternalID, StrategyTitle, StrategyTitleAndMilestone:
		return &Detector{strategy: strategy}, nil
	default:
		return nil, fmt.Errorf("unknown duplicate strategy %q", strategy)
	}
}

// Detect returns the best existing match above the strategy's threshold, or
// nil when the candidate is new.
func (d *Detector) Detect(candidate *dashboard.TaskToCreate, existing []dashboard.Task) *Match {
	var best *Match
	for i := range existing {
		score := d.score(candidate, &existing[i])
		if score < thresholds[d.strategy] {
			continue
		}
		if best == nil || score > best.Score {
			best = &Match{TaskID: existing[i].ID, Score: score}
		}
	}
	return best
}

// Mark flags the candidate as a duplicate of match.
func Mark(candidate *dashboard.TaskToCreate, match *Match) {
	candidate.IsDuplicate = true
	candidate.DuplicateOfTaskID = match.TaskID
	candidate.SkipReason = fmt.Sprintf("duplicate of task %s (score %.0f)", match.TaskID, match.Score)
}

func (d *Detector) score(candidate *dashboard.TaskToCreate, existing *dashboard.Task) float64 {
	switch d.strategy {
	case StrategyExternalID:
		if candidate.ExternalID != "" && candidate.ExternalID == existing.ExternalID {
			return 100
		}
		return 0

	case StrategyTitle:
		return wordOverlap(candidate.Title, existing.Title) * 100

	case StrategyTitleAndMilestone:
		// Milestone is a hard gate: identical titles in different milestones
		// are distinct work items.
		if candidate.MilestoneSlug != existing.MilestoneSlug {
			return 0
		}
		title := wordOverlap(candidate.Title, existing.Title)
		desc := wordOverlap(candidate.Description, existing.Description)
		return (0.7*title + 0.3*desc) * 100
	}
	return 0
}

// wordOverlap is the Jaccard overlap of the normalized word sets, in 0..1.
// Two empty texts count as identical so a title-only comparison is not
// dragged down by missing descriptions.
func wordOverlap(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 1
	}
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	shared := len(lo.Intersect(wa, wb))
	union := len(lo.Union(wa, wb))
	return float64(shared) / float64(union)
}

func wordSet(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	return lo.Uniq(fields)
}
