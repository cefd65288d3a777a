package util

import (
	"fmt"
	"regexp"
	"strings"
)

var unquotedIdent = regexp.MustCompile(`^([a-z][a-z0-9_]*|[A-Z][A-Z0-9_]*)$`)

// dangerousPatterns are sequences that could break SQL parsing or enable
// injection even inside a quoted identifier.
var dangerousPatterns = []string{"\x00", "\n", "\r", `"`, ";", "\x1a", "--", "/*", "*/"}

// ValidateIdentifier checks that a table or column identifier is safe to embed
// in generated SQL, quoted or not. Qualified names are validated per part.
func ValidateIdentifier(identifier string) error {
	if strings.Contains(identifier, ".") {
		for _, part := range strings.Split(identifier, ".") {
			if err := ValidateIdentifier(part); err != nil {
				return err
			}
		}
		return nil
	}
	if identifier == "" {
		return fmt.Errorf("invalid identifier: empty")
	}
	if len(identifier) > 64 {
		return fmt.Errorf("invalid identifier: %q exceeds max length of 64", identifier)
	}
	first := identifier[0]
	if !(first >= 'a' && first <= 'z' || first >= 'A' && first <= 'Z') {
		return fmt.Errorf("invalid identifier: %q must start with a letter", identifier)
	}
	for _, pattern := range dangerousPatterns {
		if strings.Contains(identifier, pattern) {
			return fmt.Errorf("invalid identifier: %q contains %q", identifier, pattern)
		}
	}
	if strings.HasPrefix(identifier, " ") || strings.HasSuffix(identifier, " ") {
		return fmt.Errorf("invalid identifier: %q has leading or trailing spaces", identifier)
	}
	return nil
}

// NeedsQuoting reports whether an identifier must be quoted to survive the
// database's case folding and reserved-word handling.
func NeedsQuoting(identifier string) bool {
	return !unquotedIdent.MatchString(identifier)
}

// QuoteIdentifier quotes an identifier with ANSI double quotes when needed.
// Qualified names are quoted per part.
func QuoteIdentifier(identifier string) string {
	if strings.Contains(identifier, ".") {
		parts := strings.Split(identifier, ".")
		for i, part := range parts {
			parts[i] = QuoteIdentifier(part)
		}
		return strings.Join(parts, ".")
	}
	if NeedsQuoting(identifier) {
		return `"` + identifier + `"`
	}
	return identifier
}

// WrapAtComma folds a long comma-separated list onto continuation lines so
// generated SQL stays readable in logs. Breaks never occur inside parentheses.
func WrapAtComma(text string) string {
	var b strings.Builder
	lineLen := 0
	depth := 0
	for i := 0; i < len(text); i++ {
		ch := text[i]
		switch ch {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		}
		b.WriteByte(ch)
		lineLen++
		if ch == ',' && depth == 0 && lineLen > 70 {
			if i+1 < len(text) && text[i+1] == ' ' {
				i++
			}
			b.WriteString("\n    ")
			lineLen = 4
		}
	}
	return b.String()
}

// TransformSlice applies the converter to each element in the input slice and returns a new slice.
func TransformSlice[T any, R any](in []T, converter func(T) R) []R {
	out := make([]R, len(in))
	for i, v := range in {
		out[i] = converter(v)
	}
	return out
}
