package etl

import (
	"fmt"
	"strings"

	"github.com/scottrbailey/dbtk/database"
	"github.com/scottrbailey/dbtk/record"
	"github.com/scottrbailey/dbtk/util"
)

// ColumnDef describes one target column of a Table.
type ColumnDef struct {
	// Name is the column name in the database.
	Name string

	// Source selection: Field reads one source field, Fields reads several
	// into a slice, WholeRecord passes the record itself. At most one may be
	// set; none means the column starts nil and relies on Default or DBExpr.
	Field       string
	Fields      []string
	WholeRecord bool

	// Default replaces a nil or empty resolved value.
	Default any

	// Transforms run in order after the default stage. Entries are Transform
	// funcs or shorthand strings like "upper" or "lookup:states:abbrev:name".
	Transforms []any

	// DBExpr wraps the bound placeholder in a database expression. "#" marks
	// where the placeholder goes; an expression without "#" must be a
	// recognized zero-argument form and is emitted as a literal.
	DBExpr string

	// Key marks the column as part of the lookup key. Keys are implicitly
	// required.
	Key bool
	// Required columns must be non-nil before INSERT, UPDATE and MERGE run.
	Required bool
	// NoUpdate excludes the column from UPDATE set lists and merge updates.
	NoUpdate bool
}

// Column is a compiled ColumnDef: validated name, derived bind name, and the
// resolved transform chain.
type Column struct {
	Name     string
	BindName string

	def        ColumnDef
	transforms []Transform
}

func compileColumn(def ColumnDef, cursor *database.Cursor) (*Column, error) {
	if err := util.ValidateIdentifier(def.Name); err != nil {
		return nil, err
	}
	sources := 0
	if def.Field != "" {
		sources++
	}
	if len(def.Fields) > 0 {
		sources++
	}
	if def.WholeRecord {
		sources++
	}
	if sources > 1 {
		return nil, fmt.Errorf("etl: column %s: Field, Fields and WholeRecord are mutually exclusive", def.Name)
	}

	col := &Column{
		Name:     def.Name,
		BindName: record.Normalize(def.Name),
		def:      def,
	}
	for _, t := range def.Transforms {
		compiled, err := compileTransformEntry(t, cursor)
		if err != nil {
			return nil, fmt.Errorf("etl: column %s: %w", def.Name, err)
		}
		col.transforms = append(col.transforms, compiled)
	}
	return col, nil
}

func compileTransformEntry(entry any, cursor *database.Cursor) (Transform, error) {
	switch t := entry.(type) {
	case Transform:
		return t, nil
	case func(any) (any, error):
		return t, nil
	case string:
		if strings.HasPrefix(t, "lookup:") || strings.HasPrefix(t, "validate:") {
			if cursor == nil {
				return nil, fmt.Errorf("transform %q needs a cursor-bound table", t)
			}
			return compileDBTransform(t, cursor)
		}
		return CompileTransform(t)
	}
	return nil, fmt.Errorf("unsupported transform entry %T", entry)
}

// Key reports whether the column is part of the lookup key.
func (c *Column) Key() bool { return c.def.Key }

// Required reports whether the column must be non-nil for INSERT, UPDATE and
// MERGE. Keys are always required.
func (c *Column) Required() bool { return c.def.Key || c.def.Required }

// NoUpdate reports whether UPDATE and merge-update clauses skip the column.
func (c *Column) NoUpdate() bool { return c.def.NoUpdate }

// Field returns the configured single source field, if any.
func (c *Column) Field() string { return c.def.Field }

// resolve runs the value pipeline for one source record: select the source,
// map null sentinels, apply the default, then the transforms.
func (c *Column) resolve(rec *record.Record, sentinels map[string]bool) (any, error) {
	var val any
	switch {
	case c.def.WholeRecord:
		val = rec
	case len(c.def.Fields) > 0:
		vals := make([]any, 0, len(c.def.Fields))
		for _, f := range c.def.Fields {
			vals = append(vals, rec.GetDefault(f, nil))
		}
		val = vals
	case c.def.Field != "":
		val = rec.GetDefault(c.def.Field, nil)
	}

	if s, ok := val.(string); ok && sentinels[s] {
		val = nil
	}
	if isEmpty(val) && c.def.Default != nil {
		val = c.def.Default
	}

	var err error
	for _, t := range c.transforms {
		if val, err = t(val); err != nil {
			return nil, err
		}
	}
	return val, nil
}

// dbExprConstants are zero-argument expressions allowed without parentheses.
var dbExprConstants = map[string]bool{
	"sysdate":           true,
	"systimestamp":      true,
	"user":              true,
	"current_timestamp": true,
	"current_date":      true,
}

// placeholderExpr renders the column's value expression for generated SQL:
// the bare canonical placeholder, the DBExpr with the placeholder spliced in
// at "#", or a recognized standalone expression.
func (c *Column) placeholderExpr() (string, error) {
	placeholder := ":" + c.BindName
	expr := c.def.DBExpr
	if expr == "" {
		return placeholder, nil
	}
	if strings.Contains(expr, "#") {
		return strings.ReplaceAll(expr, "#", placeholder), nil
	}
	if strings.HasSuffix(expr, "()") || dbExprConstants[strings.ToLower(expr)] {
		return expr, nil
	}
	return "", fmt.Errorf("etl: column %s: unrecognized DBExpr %q; use '()', '(#)', or a recognized constant", c.Name, expr)
}

// bindsValue reports whether the column's expression references its bind
// parameter. Standalone DBExpr columns do not.
func (c *Column) bindsValue() bool {
	if c.def.DBExpr == "" {
		return true
	}
	return strings.Contains(c.def.DBExpr, "#")
}
