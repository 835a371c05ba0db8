// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package gitws

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	segmentAllowed = regexp.MustCompile(`[^a-z0-9._-]+`)
	uuidPattern    = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	numericPattern = regexp.MustCompile(`^[0-9]+$`)
)

// SanitizeSegment lowercases s and strips everything outside [a-z0-9._-].
// Applying it twice yields the same result.
func SanitizeSegment(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = segmentAllowed.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-.")
	return s
}

// repoNameFromURL extracts the final path segment of a git remote URL,
// without the .git suffix. Hostnames never leak into the result.
func repoNameFromURL(remote string) string {
	s := strings.TrimSuffix(strings.TrimRight(remote, "/"), ".git")
	// scp-like syntax: git@host:org/repo
	if i := strings.LastIndex(s, ":"); i >= 0 && !strings.Contains(s[i:], "/") {
		s = s[i+1:]
	}
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	return s
}

// RepoDirName picks the directory name for a clone: the sanitized project
// hint when usable, otherwise the sanitized last segment of the remote URL.
// UUIDs and purely numeric hints are rejected because they make the clone
// root unreadable and collide across dashboards.
func RepoDirName(remoteURL, projectHint string) (string, error) {
	if hint := strings.TrimSpace(projectHint); hint != "" {
		lower := strings.ToLower(hint)
		if uuidPattern.MatchString(lower) || numericPattern.MatchString(lower) {
			return "", fmt.Errorf("project hint %q looks like an id, not a name", projectHint)
		}
		if cleaned := SanitizeSegment(hint); cleaned != "" {
			return cleaned, nil
		}
	}
	name := SanitizeSegment(repoNameFromURL(remoteURL))
	if name == "" {
		return "", fmt.Errorf("cannot derive repository directory from %q", remoteURL)
	}
	return name, nil
}
