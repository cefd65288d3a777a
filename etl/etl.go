// Package etl moves records into database tables: column pipelines resolve
// and transform source values, tables generate and execute the DML, surges
// drive bulk runs, and entity managers keep resumable import state.
package etl

import (
	"strings"

	"github.com/scottrbailey/dbtk/database"
	"github.com/scottrbailey/dbtk/util"
)

// Op identifies a DML operation. Values combine as a bitmask in readiness
// checks.
type Op uint8

const (
	OpInsert Op = 1 << iota
	OpUpdate
	OpDelete
	OpMerge
	OpSelect
)

func (op Op) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpMerge:
		return "merge"
	case OpSelect:
		return "select"
	}
	return "op(?)"
}

// quoteIdent renders an identifier for embedding in generated SQL, quoting
// in the dialect's form only when the name would not survive bare. Qualified
// names are handled per part.
func quoteIdent(d database.Dialect, identifier string) string {
	if strings.Contains(identifier, ".") {
		parts := strings.Split(identifier, ".")
		for i, part := range parts {
			parts[i] = quoteIdent(d, part)
		}
		return strings.Join(parts, ".")
	}
	if util.NeedsQuoting(identifier) {
		return d.Quote(identifier)
	}
	return identifier
}
