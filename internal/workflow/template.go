// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package workflow

import "regexp"

var (
	varPattern     = regexp.MustCompile(`\$\{([a-zA-Z0-9_.]+)\}`)
	onlyVarPattern = regexp.MustCompile(`^\$\{([a-zA-Z0-9_.]+)\}$`)
)

// Interpolate replaces every ${name} reference in s with the variable's
// string form. Dotted paths reach into nested maps. Unknown variables render
// as the literal "unknown", matching the condition language.
func Interpolate(s string, c *Context) string {
	if c == nil {
		return s
	}
	return varPattern.ReplaceAllStringFunc(s, func(m string) string {
		v, ok := c.Var(m[2 : len(m)-1])
		if !ok {
			return "unknown"
		}
		return renderScalar(v)
	})
}

// InterpolateValue walks an arbitrary config value and interpolates every
// string inside it. A string that is exactly one ${name} reference resolves
// to the variable's raw value, so structured values survive intact; anything
// else is substituted as text. Maps and slices are copied, scalars pass
// through.
func InterpolateValue(v any, c *Context) any {
	switch t := v.(type) {
	case string:
		if m := onlyVarPattern.FindStringSubmatch(t); m != nil {
			if value, ok := c.Var(m[1]); ok {
				return value
			}
			return "unknown"
		}
		return Interpolate(t, c)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = InterpolateValue(item, c)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = InterpolateValue(item, c)
		}
		return out
	default:
		return v
	}
}
