// Package params normalizes SQL parameter handling across driver dialects.
// Source queries are written in a canonical named style (:name or %(name)s);
// Translate rewrites them once into a driver's native placeholder style and
// derives a binder that reshapes a name/value payload into the argument list
// the driver accepts.
package params

import (
	"database/sql"
	"fmt"
	"strings"
)

// Style is the closed set of placeholder styles a driver may declare.
type Style int

const (
	// Named renders :name and binds through sql.Named.
	Named Style = iota
	// NamedPercent renders %(name)s and binds through sql.Named.
	NamedPercent
	// QMark renders ? and binds positionally.
	QMark
	// Format renders %s and binds positionally.
	Format
	// Numeric renders :1, :2, ... and binds positionally.
	Numeric
	// Dollar renders $1, $2, ... and binds positionally. PostgreSQL drivers
	// accept no other form.
	Dollar
	// AtNamed renders @name and binds through sql.Named. SQL Server drivers
	// accept no other form.
	AtNamed
)

var styleNames = map[Style]string{
	Named:        "named",
	NamedPercent: "pyformat",
	QMark:        "qmark",
	Format:       "format",
	Numeric:      "numeric",
	Dollar:       "dollar",
	AtNamed:      "atnamed",
}

func (s Style) String() string {
	if name, ok := styleNames[s]; ok {
		return name
	}
	return fmt.Sprintf("style(%d)", int(s))
}

// StyleFromName resolves a style by its DB-API style name.
func StyleFromName(name string) (Style, error) {
	for s, n := range styleNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("params: unknown parameter style %q", name)
}

// Positional reports whether payloads for the style are ordered argument
// lists rather than name/value pairs.
func (s Style) Positional() bool {
	switch s {
	case QMark, Format, Numeric, Dollar:
		return true
	}
	return false
}

// placeholder renders the i-th (0-based) occurrence of parameter name.
func (s Style) placeholder(i int, name string) string {
	switch s {
	case Named:
		return ":" + name
	case NamedPercent:
		return "%(" + name + ")s"
	case QMark:
		return "?"
	case Format:
		return "%s"
	case Numeric:
		return fmt.Sprintf(":%d", i+1)
	case Dollar:
		return fmt.Sprintf("$%d", i+1)
	case AtNamed:
		return "@" + name
	}
	return "?"
}

// TranslationError reports a source query that could not be parsed in the
// canonical style.
type TranslationError struct {
	Msg string
	Pos int
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("params: %s at offset %d", e.Msg, e.Pos)
}

// BindError reports a payload missing a parameter the query references,
// surfaced only in strict mode.
type BindError struct {
	Name string
}

func (e *BindError) Error() string {
	return fmt.Sprintf("params: no value bound for parameter %q", e.Name)
}

// Query is a source query translated to a target style. It is immutable and
// reusable; Bind derives a fresh payload for each execution.
type Query struct {
	// SQL is the translated statement text.
	SQL string
	// Names holds each placeholder occurrence in textual order; repeated
	// uses of one parameter appear once per occurrence.
	Names []string
	// Style is the target placeholder style.
	Style Style

	unique []string
}

// Translate rewrites a canonical query into the target style. Placeholders
// inside string literals, quoted identifiers, and comments are left alone.
// PostgreSQL :: casts are not parameters.
func Translate(query string, target Style) (*Query, error) {
	var out strings.Builder
	var names []string
	n := len(query)
	i := 0
	for i < n {
		ch := query[i]
		switch {
		case ch == '\'':
			j, err := skipQuoted(query, i, '\'')
			if err != nil {
				return nil, err
			}
			out.WriteString(query[i:j])
			i = j
		case ch == '"':
			j, err := skipQuoted(query, i, '"')
			if err != nil {
				return nil, err
			}
			out.WriteString(query[i:j])
			i = j
		case ch == '-' && i+1 < n && query[i+1] == '-':
			j := strings.IndexByte(query[i:], '\n')
			if j < 0 {
				j = n - i
			}
			out.WriteString(query[i : i+j])
			i += j
		case ch == '/' && i+1 < n && query[i+1] == '*':
			j := strings.Index(query[i+2:], "*/")
			if j < 0 {
				return nil, &TranslationError{Msg: "unterminated block comment", Pos: i}
			}
			end := i + 2 + j + 2
			out.WriteString(query[i:end])
			i = end
		case ch == ':':
			if i+1 < n && query[i+1] == ':' {
				// cast operator
				out.WriteString("::")
				i += 2
				continue
			}
			name, width := scanName(query[i+1:])
			if width == 0 {
				out.WriteByte(ch)
				i++
				continue
			}
			out.WriteString(target.placeholder(len(names), name))
			names = append(names, name)
			i += 1 + width
		case ch == '%':
			if i+1 < n && query[i+1] == '%' {
				out.WriteString("%%")
				i += 2
				continue
			}
			if i+1 < n && query[i+1] == '(' {
				close := strings.IndexByte(query[i+2:], ')')
				if close < 0 {
					return nil, &TranslationError{Msg: "unterminated %(name)s placeholder", Pos: i}
				}
				name := query[i+2 : i+2+close]
				rest := query[i+2+close+1:]
				if name == "" || !strings.HasPrefix(rest, "s") {
					return nil, &TranslationError{Msg: "malformed %(name)s placeholder", Pos: i}
				}
				out.WriteString(target.placeholder(len(names), name))
				names = append(names, name)
				i = i + 2 + close + 2
				continue
			}
			out.WriteByte(ch)
			i++
		default:
			out.WriteByte(ch)
			i++
		}
	}

	q := &Query{SQL: out.String(), Names: names, Style: target}
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if !seen[name] {
			seen[name] = true
			q.unique = append(q.unique, name)
		}
	}
	return q, nil
}

// skipQuoted advances past a quoted region starting at i, honoring doubled
// quote escapes.
func skipQuoted(query string, i int, quote byte) (int, error) {
	j := i + 1
	for j < len(query) {
		if query[j] == quote {
			if j+1 < len(query) && query[j+1] == quote {
				j += 2
				continue
			}
			return j + 1, nil
		}
		j++
	}
	return 0, &TranslationError{Msg: "unterminated quoted region", Pos: i}
}

// scanName reads a parameter identifier and returns it with its width.
func scanName(s string) (string, int) {
	i := 0
	for i < len(s) {
		ch := s[i]
		isWord := ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' ||
			ch >= '0' && ch <= '9' || ch == '_'
		if !isWord {
			break
		}
		i++
	}
	if i == 0 {
		return "", 0
	}
	// bare numbers are numeric placeholders in already-translated text, not
	// canonical parameters
	if s[0] >= '0' && s[0] <= '9' {
		return "", 0
	}
	return s[:i], i
}

// ParamNames returns the distinct parameter names the query references, in
// first-occurrence order.
func (q *Query) ParamNames() []string {
	out := make([]string, len(q.unique))
	copy(out, q.unique)
	return out
}

// Bind shapes a payload for the query's style. Missing keys bind SQL NULL,
// extra keys are ignored. Positional styles produce one argument per
// placeholder occurrence; named styles produce one sql.Named per distinct
// parameter.
func (q *Query) Bind(payload map[string]any) []any {
	if q.Style.Positional() {
		args := make([]any, len(q.Names))
		for i, name := range q.Names {
			args[i] = payload[name]
		}
		return args
	}
	args := make([]any, len(q.unique))
	for i, name := range q.unique {
		args[i] = sql.Named(name, payload[name])
	}
	return args
}

// BindStrict is Bind, but a missing key is a BindError instead of SQL NULL.
func (q *Query) BindStrict(payload map[string]any) ([]any, error) {
	for _, name := range q.unique {
		if _, ok := payload[name]; !ok {
			return nil, &BindError{Name: name}
		}
	}
	return q.Bind(payload), nil
}
