package detect

import (
	"fmt"
	"strings"
	"time"

	"bastion/core"

	"github.com/dlclark/regexp2"
)

// The detection query sublanguage supports exactly four operator forms:
//
//	field == "value"
//	field contains "substr"
//	field startswith "prefix"
//	field matches regex "pattern"
//
// field supports dot-path traversal into nested event data. Equality is
// case-sensitive; contains, startswith and regex are case-insensitive. Any
// other syntax compiles to a query that never matches; this is a deliberate,
// minimal grammar that operator-authored rules depend on, not a general query
// language.

type queryKind int

const (
	queryNone queryKind = iota
	queryEquals
	queryContains
	queryStartsWith
	queryRegex
)

// Query is a compiled detection query, built once per rule at load time.
type Query struct {
	kind  queryKind
	field []string // dot-path segments
	value string   // literal; pre-lowercased for the case-insensitive forms
	re    *regexp2.Regexp
}

// CompileQuery parses a detection query string. Unrecognized syntax yields a
// never-matching query and no error. An invalid regex pattern is the one
// compile-time failure: it is reported so the evaluator can surface it as a
// per-rule error result.
func CompileQuery(raw string, regexTimeout time.Duration) (*Query, error) {
	s := strings.TrimSpace(raw)

	field, rest, ok := splitField(s)
	if !ok {
		return &Query{kind: queryNone}, nil
	}

	switch {
	case strings.HasPrefix(rest, "=="):
		value, ok := parseQuoted(rest[len("=="):])
		if !ok {
			return &Query{kind: queryNone}, nil
		}
		return &Query{kind: queryEquals, field: field, value: value}, nil

	case hasKeyword(rest, "contains"):
		value, ok := parseQuoted(rest[len("contains"):])
		if !ok {
			return &Query{kind: queryNone}, nil
		}
		return &Query{kind: queryContains, field: field, value: strings.ToLower(value)}, nil

	case hasKeyword(rest, "startswith"):
		value, ok := parseQuoted(rest[len("startswith"):])
		if !ok {
			return &Query{kind: queryNone}, nil
		}
		return &Query{kind: queryStartsWith, field: field, value: strings.ToLower(value)}, nil

	case hasKeyword(rest, "matches"):
		rest = strings.TrimSpace(rest[len("matches"):])
		if !hasKeyword(rest, "regex") {
			return &Query{kind: queryNone}, nil
		}
		pattern, ok := parseQuoted(rest[len("regex"):])
		if !ok {
			return &Query{kind: queryNone}, nil
		}
		re, err := regexp2.Compile(pattern, regexp2.IgnoreCase)
		if err != nil {
			return nil, fmt.Errorf("invalid regex pattern %q: %w", pattern, err)
		}
		if regexTimeout > 0 {
			// MatchTimeout bounds backtracking so a pathological
			// operator-authored pattern cannot stall evaluation.
			re.MatchTimeout = regexTimeout
		}
		return &Query{kind: queryRegex, field: field, re: re}, nil
	}

	return &Query{kind: queryNone}, nil
}

// Match evaluates the compiled query against an event. It is total: missing
// fields, type mismatches and regex timeouts all evaluate to false.
func (q *Query) Match(event *core.Event) bool {
	if q == nil || q.kind == queryNone || event == nil {
		return false
	}

	value, ok := resolveField(event, q.field)
	if !ok {
		return false
	}

	switch q.kind {
	case queryEquals:
		return value == q.value
	case queryContains:
		return strings.Contains(strings.ToLower(value), q.value)
	case queryStartsWith:
		return strings.HasPrefix(strings.ToLower(value), q.value)
	case queryRegex:
		matched, err := q.re.MatchString(value)
		if err != nil {
			// Timeout or internal failure counts as no match.
			return false
		}
		return matched
	}
	return false
}

// splitField extracts the leading field token and the remainder. The field
// must be a bare dot-path with no quotes or operators embedded.
func splitField(s string) (path []string, rest string, ok bool) {
	idx := strings.IndexAny(s, " \t")
	if idx <= 0 {
		return nil, "", false
	}
	field := s[:idx]
	if strings.ContainsAny(field, `"=`) {
		return nil, "", false
	}
	for _, seg := range strings.Split(field, ".") {
		if seg == "" {
			return nil, "", false
		}
		path = append(path, seg)
	}
	return path, strings.TrimSpace(s[idx:]), true
}

// hasKeyword reports whether s begins with the keyword followed by
// whitespace.
func hasKeyword(s, keyword string) bool {
	if !strings.HasPrefix(s, keyword) {
		return false
	}
	rest := s[len(keyword):]
	return len(rest) > 0 && (rest[0] == ' ' || rest[0] == '\t')
}

// parseQuoted extracts a double-quoted literal that must span the remainder
// of the query. Backslash escapes for quote and backslash are honored.
func parseQuoted(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return "", false
	}
	body := s[1 : len(s)-1]

	var b strings.Builder
	escaped := false
	for i := 0; i < len(body); i++ {
		c := body[i]
		if escaped {
			b.WriteByte(c)
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = true
		case '"':
			// Unescaped quote inside the literal means trailing junk
			// after the closing quote; reject the whole query.
			return "", false
		default:
			b.WriteByte(c)
		}
	}
	if escaped {
		return "", false
	}
	return b.String(), true
}

// resolveField walks a dot-path through the event's top-level attributes and
// nested field maps, returning the value as a string.
func resolveField(event *core.Event, path []string) (string, bool) {
	if len(path) == 0 {
		return "", false
	}

	root := map[string]interface{}{
		"event_id":          event.EventID,
		"timestamp":         event.Timestamp.Format(time.RFC3339),
		"source_identifier": event.SourceIdentifier,
		"event_code":        event.EventCode,
		"raw_data":          event.RawData,
	}
	for k, v := range event.Fields {
		root[k] = v
	}

	var current interface{} = root
	for _, seg := range path {
		m, ok := current.(map[string]interface{})
		if !ok {
			current = nil
			break
		}
		current, ok = m[seg]
		if !ok {
			current = nil
			break
		}
	}

	// Ingestion may deliver dotted names as flat keys rather than nested
	// maps; fall back to the joined path.
	if current == nil && len(path) > 1 {
		if v, ok := event.Fields[strings.Join(path, ".")]; ok {
			current = v
		}
	}

	switch v := current.(type) {
	case string:
		return v, true
	case nil:
		return "", false
	default:
		return fmt.Sprintf("%v", v), true
	}
}
