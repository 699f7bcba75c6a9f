// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package registry

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/samber/oops"
)

// Search queries are a sequence of terms. A term is either a
// field-qualified match (name:weather, author:"Jane Doe", keyword:voice,
// status:enabled, id:weather) or a bare word matched against id, name,
// description, and keywords. All terms must match (AND semantics).

// queryLexer tokenizes search queries. Values may be quoted to include
// spaces; bare values stop at whitespace.
var queryLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "String", Pattern: `"[^"]*"`},
	{Name: "Colon", Pattern: `:`},
	{Name: "Word", Pattern: `[^\s:"]+`},
	{Name: "whitespace", Pattern: `\s+`},
})

// searchQuery is the parsed AST.
type searchQuery struct {
	Terms []*searchTerm `parser:"@@*"`
}

// searchTerm is one field-qualified or bare term.
type searchTerm struct {
	Field string `parser:"( @Word Colon"`
	Value string `parser:"  ( @String | @Word )"`
	Bare  string `parser:"| ( @String | @Word ) )"`
}

var queryParser = participle.MustBuild[searchQuery](
	participle.Lexer(queryLexer),
	participle.Unquote("String"),
)

// knownFields are the valid field qualifiers.
var knownFields = map[string]struct{}{
	"id": {}, "name": {}, "author": {}, "keyword": {}, "status": {}, "version": {},
}

// parseQuery parses a search query string.
func parseQuery(q string) (*searchQuery, error) {
	parsed, err := queryParser.ParseString("", q)
	if err != nil {
		return nil, oops.In("registry").Hint("invalid search query").Wrap(err)
	}
	for _, term := range parsed.Terms {
		if term.Field != "" {
			if _, ok := knownFields[strings.ToLower(term.Field)]; !ok {
				return nil, oops.In("registry").
					Errorf("unknown search field %q", term.Field)
			}
		}
	}
	return parsed, nil
}

// Search filters registered plugins with a query string. An empty query
// returns every entry. Matching is an in-memory scan; at the expected
// scale (hundreds of plugins) no index is needed.
func (r *Registry) Search(query string) ([]*Entry, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return r.List(), nil
	}

	parsed, err := parseQuery(query)
	if err != nil {
		return nil, err
	}

	var out []*Entry
	for _, entry := range r.List() {
		if matchesQuery(entry, parsed) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func matchesQuery(entry *Entry, q *searchQuery) bool {
	for _, term := range q.Terms {
		if !matchesTerm(entry, term) {
			return false
		}
	}
	return true
}

func matchesTerm(entry *Entry, term *searchTerm) bool {
	meta := entry.Metadata

	if term.Field == "" {
		needle := strings.ToLower(term.Bare)
		if contains(meta.ID, needle) || contains(meta.Name, needle) || contains(meta.Description, needle) {
			return true
		}
		for _, kw := range meta.Keywords {
			if contains(kw, needle) {
				return true
			}
		}
		return false
	}

	value := strings.ToLower(term.Value)
	switch strings.ToLower(term.Field) {
	case "id":
		return strings.EqualFold(meta.ID, term.Value)
	case "name":
		return contains(meta.Name, value)
	case "author":
		return contains(meta.Author, value)
	case "keyword":
		for _, kw := range meta.Keywords {
			if strings.EqualFold(kw, term.Value) {
				return true
			}
		}
		return false
	case "status":
		return strings.EqualFold(string(entry.Status), term.Value)
	case "version":
		return meta.Version == term.Value
	default:
		// Unreachable: parseQuery rejects unknown fields.
		return false
	}
}

func contains(haystack, lowerNeedle string) bool {
	return strings.Contains(strings.ToLower(haystack), lowerNeedle)
}

// String renders the parsed query back to a normalized form, used in
// log lines.
func (q *searchQuery) String() string {
	parts := make([]string, 0, len(q.Terms))
	for _, t := range q.Terms {
		switch {
		case t.Field != "":
			parts = append(parts, fmt.Sprintf("%s:%s", strings.ToLower(t.Field), t.Value))
		default:
			parts = append(parts, t.Bare)
		}
	}
	return strings.Join(parts, " ")
}
