// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package workflow

import (
	"fmt"
	"strconv"
	"strings"
)

// EvalCondition evaluates a step condition: one or more `${var} ==|!= literal`
// comparisons joined by && or ||, applied left to right without precedence.
// Literals are single- or double-quoted strings, numbers, booleans, null or
// bare words. Unknown variables resolve to the literal "unknown". An empty
// expression is true.
func EvalCondition(expr string, c *Context) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	leaves, ops, err := splitCondition(expr)
	if err != nil {
		return false, err
	}
	acc, err := evalLeaf(leaves[0], c)
	if err != nil {
		return false, err
	}
	for i, op := range ops {
		next, err := evalLeaf(leaves[i+1], c)
		if err != nil {
			return false, err
		}
		if op == "&&" {
			acc = acc && next
		} else {
			acc = acc || next
		}
	}
	return acc, nil
}

// splitCondition cuts the expression at every top-level && and ||, keeping
// quoted strings intact.
func splitCondition(expr string) (leaves []string, ops []string, err error) {
	var quote byte
	start := 0
	for i := 0; i < len(expr); i++ {
		ch := expr[i]
		if quote != 0 {
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '&', '|':
			if i+1 < len(expr) && expr[i+1] == ch {
				leaf := strings.TrimSpace(expr[start:i])
				if leaf == "" {
					return nil, nil, fmt.Errorf("condition %q has an empty clause", expr)
				}
				leaves = append(leaves, leaf)
				ops = append(ops, expr[i:i+2])
				i++
				start = i + 1
			}
		}
	}
	if quote != 0 {
		return nil, nil, fmt.Errorf("condition %q has an unterminated string", expr)
	}
	last := strings.TrimSpace(expr[start:])
	if last == "" {
		return nil, nil, fmt.Errorf("condition %q has an empty clause", expr)
	}
	leaves = append(leaves, last)
	return leaves, ops, nil
}

// evalLeaf evaluates one `${var} ==|!= literal` comparison. Both sides are
// compared by their canonical string form so numbers and booleans match
// their textual spellings.
func evalLeaf(leaf string, c *Context) (bool, error) {
	opIdx, opLen, negate := findComparison(leaf)
	if opIdx < 0 {
		return false, fmt.Errorf("condition clause %q needs == or !=", leaf)
	}
	left := resolveOperand(strings.TrimSpace(leaf[:opIdx]), c)
	right := resolveOperand(strings.TrimSpace(leaf[opIdx+opLen:]), c)
	equal := renderScalar(left) == renderScalar(right)
	if negate {
		return !equal, nil
	}
	return equal, nil
}

// findComparison locates the first == or != outside quotes.
func findComparison(leaf string) (idx, length int, negate bool) {
	var quote byte
	for i := 0; i+1 < len(leaf); i++ {
		ch := leaf[i]
		if quote != 0 {
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch {
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == '=' && leaf[i+1] == '=':
			return i, 2, false
		case ch == '!' && leaf[i+1] == '=':
			return i, 2, true
		}
	}
	return -1, 0, false
}

// resolveOperand turns one side of a comparison into a value: a ${var}
// reference resolves through the context (missing vars become "unknown"),
// everything else parses as a literal.
func resolveOperand(s string, c *Context) any {
	if m := onlyVarPattern.FindStringSubmatch(s); m != nil {
		v, ok := c.Var(m[1])
		if !ok {
			return "unknown"
		}
		return v
	}
	return parseLiteral(s)
}

func parseLiteral(s string) any {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '\'' && last == '\'') || (first == '"' && last == '"') {
			return s[1 : len(s)-1]
		}
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	// Bare word: treated as a string so authors may skip quotes.
	return s
}
