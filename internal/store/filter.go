// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/rs/zerolog/log"
)

// maxFuzzyRank bounds accepted fuzzy matches; lower ranks are closer matches.
const maxFuzzyRank = 10

// Filter narrows the view before it is ordered. The zero value keeps every record.
//
// Expr is a boolean expression evaluated against the record's fields, e.g.
// `is_active == 1 && size_bytes > 1e9`. Search matches the name (and hash)
// case-insensitively, falling back to a fuzzy match on the name.
type Filter struct {
	Expr   string `json:"expr,omitempty"`
	Search string `json:"search,omitempty"`
}

// IsZero reports whether the filter keeps every record.
func (f Filter) IsZero() bool {
	return strings.TrimSpace(f.Expr) == "" && strings.TrimSpace(f.Search) == ""
}

type matcher struct {
	program          *vm.Program
	searchLower      string
	searchNormalized string
}

// compileFilter returns nil for the zero filter.
func compileFilter(f Filter) (*matcher, error) {
	if f.IsZero() {
		return nil, nil
	}

	m := &matcher{}

	if code := strings.TrimSpace(f.Expr); code != "" {
		program, err := expr.Compile(code, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
		}
		m.program = program
	}

	if search := strings.TrimSpace(f.Search); search != "" {
		m.searchLower = strings.ToLower(search)
		m.searchNormalized = normalizeForSearch(search)
	}

	return m, nil
}

func (m *matcher) match(t Torrent) bool {
	if m == nil {
		return true
	}

	if m.program != nil {
		result, err := expr.Run(m.program, exprEnv(t))
		if err != nil {
			log.Debug().Err(err).Str("name", t.Name()).Msg("Failed to evaluate filter expression")
			return false
		}
		if ok, isBool := result.(bool); !isBool || !ok {
			return false
		}
	}

	if m.searchLower != "" && !m.matchSearch(t) {
		return false
	}

	return true
}

func (m *matcher) matchSearch(t Torrent) bool {
	name := t.Name()

	if strings.Contains(strings.ToLower(name), m.searchLower) ||
		strings.Contains(strings.ToLower(t.String(FieldHash)), m.searchLower) {
		return true
	}

	// A search made only of separators has nothing left to match on.
	if m.searchNormalized == "" {
		return false
	}

	nameNormalized := normalizeForSearch(name)
	if strings.Contains(nameNormalized, m.searchNormalized) {
		return true
	}

	if fuzzy.MatchNormalizedFold(m.searchNormalized, nameNormalized) {
		return fuzzy.RankMatchNormalizedFold(m.searchNormalized, nameNormalized) < maxFuzzyRank
	}

	return false
}

// exprEnv converts json.Number values so that expressions can do arithmetic on them.
func exprEnv(t Torrent) map[string]any {
	env := make(map[string]any, len(t))
	for k, v := range t {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				env[k] = i
				continue
			}
			if f, err := n.Float64(); err == nil {
				env[k] = f
				continue
			}
		}
		env[k] = v
	}
	return env
}

func normalizeForSearch(text string) string {
	// Replace common torrent separators with spaces
	replacers := []string{".", "_", "-", "[", "]", "(", ")", "{", "}"}
	normalized := strings.ToLower(text)
	for _, r := range replacers {
		normalized = strings.ReplaceAll(normalized, r, " ")
	}
	return strings.Join(strings.Fields(normalized), " ")
}
