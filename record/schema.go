// Package record implements the row abstraction shared by cursors, readers
// and the ETL pipeline: a flat value slice plus a schema that is created once
// per query or file pass and shared by every row it produces.
package record

import (
	"fmt"
	"strings"
)

// Schema holds the ordered column names of a result set, both as delivered by
// the source and in normalized form, with reverse indexes for key access.
// A Schema is immutable once built; rows that mutate their shape detach onto
// a private copy.
type Schema struct {
	names  []string
	norm   []string
	byName map[string]int
	byNorm map[string]int
}

// Normalize maps a column name to its canonical form: lowercased, runs of
// non-alphanumeric characters collapsed to a single underscore, trailing
// underscores trimmed, and a "col_" prefix when the result does not start
// with a letter. Normalize is total and idempotent.
func Normalize(name string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(name) {
		isWord := r >= 'a' && r <= 'z' || r >= '0' && r <= '9'
		if !isWord {
			pendingSep = b.Len() > 0
			continue
		}
		if pendingSep {
			b.WriteByte('_')
			pendingSep = false
		}
		b.WriteRune(r)
	}
	out := b.String()
	if out == "" {
		return out
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "col_" + out
	}
	return out
}

// NewSchema builds a schema from the source's column names. Empty names
// become column_N by position; normalized collisions get _2, _3, ... suffixes
// so normalized names are unique within the schema.
func NewSchema(names []string) *Schema {
	s := &Schema{
		names:  make([]string, len(names)),
		norm:   make([]string, len(names)),
		byName: make(map[string]int, len(names)),
		byNorm: make(map[string]int, len(names)),
	}
	copy(s.names, names)
	for i, name := range names {
		norm := Normalize(name)
		if norm == "" {
			norm = fmt.Sprintf("column_%d", i+1)
		}
		if _, taken := s.byNorm[norm]; taken {
			for n := 2; ; n++ {
				candidate := fmt.Sprintf("%s_%d", norm, n)
				if _, dup := s.byNorm[candidate]; !dup {
					norm = candidate
					break
				}
			}
		}
		s.norm[i] = norm
		s.byNorm[norm] = i
		if _, dup := s.byName[name]; !dup {
			s.byName[name] = i
		}
	}
	return s
}

// Len returns the number of columns.
func (s *Schema) Len() int { return len(s.names) }

// Names returns the original column names in position order.
func (s *Schema) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Normalized returns the normalized column names in position order.
func (s *Schema) Normalized() []string {
	out := make([]string, len(s.norm))
	copy(out, s.norm)
	return out
}

// Index resolves a key to a column position, preferring an exact original
// name match and falling back to the normalized name.
func (s *Schema) Index(key string) (int, bool) {
	if i, ok := s.byName[key]; ok {
		return i, true
	}
	i, ok := s.byNorm[key]
	return i, ok
}

// extend returns a copy of the schema with one more column appended.
func (s *Schema) extend(name string) *Schema {
	return NewSchema(append(s.Names(), name))
}

// remove returns a copy of the schema without the column at position i.
func (s *Schema) remove(i int) *Schema {
	names := s.Names()
	return NewSchema(append(names[:i], names[i+1:]...))
}
