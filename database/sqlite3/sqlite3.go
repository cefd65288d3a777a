// Package sqlite3 adapts SQLite connections through github.com/mattn/go-sqlite3.
package sqlite3

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/scottrbailey/dbtk/database"
	"github.com/scottrbailey/dbtk/params"
)

// NewDatabase opens the SQLite database file named by config.DbName.
// ":memory:" works as usual.
func NewDatabase(config database.Config) (*database.Database, error) {
	db, err := sql.Open("sqlite3", config.DbName)
	if err != nil {
		return nil, err
	}
	return database.New(db, Dialect{}, config.DbName), nil
}

// Dialect declares SQLite's capabilities: named :name placeholders,
// double-quote quoting, and native ON CONFLICT upserts.
type Dialect struct{}

func (Dialect) Name() string { return "sqlite3" }

func (Dialect) Style() params.Style { return params.Named }

func (Dialect) Quote(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func (Dialect) MergeStrategy() database.MergeStrategy { return database.MergeUpsert }

func (Dialect) TempTableName(base string) string {
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		base = base[i+1:]
	}
	return "tmp_" + base
}

func (Dialect) CreateTempTableSQL(name, source string) string {
	return fmt.Sprintf("CREATE TEMPORARY TABLE %s AS SELECT * FROM %s WHERE 1 = 0", name, source)
}

// TruncateSQL empties a table; SQLite has no TRUNCATE statement.
func (Dialect) TruncateSQL(name string) string {
	return "DELETE FROM " + name
}

func (Dialect) DropTempTableSQL(name string) string {
	return "DROP TABLE IF EXISTS " + name
}
