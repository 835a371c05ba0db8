// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package persona

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Verdicts produced by Interpret.
const (
	VerdictPass    = "pass"
	VerdictFail    = "fail"
	VerdictUnknown = "unknown"
)

// qaPersona gets the no-tests override: a pass verdict with an empty test
// run is downgraded to fail unless the red phase flag is set.
const qaPersona = "tester-qa"

// Normalized is the reduced form of a persona's free-form result.
type Normalized struct {
	Status  string
	Details string
	Raw     string
}

// Passed reports whether the verdict is pass.
func (n Normalized) Passed() bool { return n.Status == VerdictPass }

var (
	fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

	// noTestsPatterns flag QA output that claims success without running
	// anything: empty pass/fail counts, missing suites, empty executions.
	noTestsPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b0 passed, 0 failed`),
		regexp.MustCompile(`(?i)no tests?\b[^.\n]*\b(present|found)\b`),
		regexp.MustCompile(`(?i)nothing to execute`),
		regexp.MustCompile(`(?i)\b0 tests? (executed|run)\b`),
	}

	failKeywords = []string{"fail", "error", "rejected", "denied", "blocked", "broken"}
	passKeywords = []string{"pass", "approved", "success", "lgtm", "looks good"}
)

// Interpret reduces a persona's result payload to pass, fail, or unknown.
// JSON results (bare or inside a fenced block) are inspected for an explicit
// status; plain text falls back to keyword matching. For tester-qa, a pass
// whose body shows that no tests actually ran is forced to fail unless
// tdd_red_phase_detected is set.
func Interpret(persona, result string) Normalized {
	n := Normalized{Status: VerdictUnknown, Raw: result}

	body, parsed := extractJSON(result)
	if parsed {
		if s, ok := body["status"].(string); ok {
			n.Status = canonicalVerdict(s)
		}
		n.Details = stringField(body, "details", "message", "reason")
	}
	if n.Status == VerdictUnknown {
		n.Status = keywordVerdict(result)
	}

	if persona == qaPersona && n.Status == VerdictPass && !redPhase(body) {
		if pat := matchNoTests(result); pat != "" {
			n.Status = VerdictFail
			n.Details = fmt.Sprintf("QA reported pass but no tests were executed (%s)", pat)
		}
	}
	return n
}

// extractJSON pulls a JSON object out of result, looking inside fenced code
// blocks first, then trying the whole string.
func extractJSON(result string) (map[string]any, bool) {
	candidate := strings.TrimSpace(result)
	if m := fencedJSON.FindStringSubmatch(result); m != nil {
		candidate = m[1]
	}
	if !strings.HasPrefix(candidate, "{") {
		return nil, false
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(candidate), &body); err != nil {
		return nil, false
	}
	return body, true
}

func canonicalVerdict(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pass", "passed", "success", "succeeded", "ok", "approved":
		return VerdictPass
	case "fail", "failed", "failure", "error", "rejected":
		return VerdictFail
	default:
		return VerdictUnknown
	}
}

// keywordVerdict scans free text. Failure keywords win over affirmations so
// a mixed report ("build succeeded, tests failed") never reads as a pass.
func keywordVerdict(text string) string {
	lower := strings.ToLower(text)
	for _, kw := range failKeywords {
		if strings.Contains(lower, kw) {
			return VerdictFail
		}
	}
	for _, kw := range passKeywords {
		if strings.Contains(lower, kw) {
			return VerdictPass
		}
	}
	return VerdictUnknown
}

func matchNoTests(result string) string {
	for _, re := range noTestsPatterns {
		if m := re.FindString(result); m != "" {
			return m
		}
	}
	return ""
}

// redPhase reports an intentional test-first cycle, which suppresses the
// no-tests override.
func redPhase(body map[string]any) bool {
	if body == nil {
		return false
	}
	switch v := body["tdd_red_phase_detected"].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}

func stringField(body map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := body[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
