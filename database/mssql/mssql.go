// Package mssql adapts SQL Server connections through
// github.com/denisenkom/go-mssqldb.
package mssql

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/denisenkom/go-mssqldb"

	"github.com/scottrbailey/dbtk/database"
	"github.com/scottrbailey/dbtk/params"
)

// NewDatabase opens a SQL Server connection from config.
func NewDatabase(config database.Config) (*database.Database, error) {
	db, err := sql.Open("sqlserver", buildDSN(config))
	if err != nil {
		return nil, err
	}
	return database.New(db, Dialect{}, config.DbName), nil
}

// Dialect declares SQL Server's capabilities: named @name placeholders,
// bracket quoting, and a native MERGE statement. Session temp tables carry
// the # prefix the server requires.
type Dialect struct{}

func (Dialect) Name() string { return "mssql" }

func (Dialect) Style() params.Style { return params.AtNamed }

func (Dialect) Quote(identifier string) string {
	return "[" + strings.ReplaceAll(identifier, "]", "]]") + "]"
}

func (Dialect) MergeStrategy() database.MergeStrategy { return database.MergeStatement }

func (Dialect) TempTableName(base string) string {
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		base = base[i+1:]
	}
	return "#tmp_" + base
}

func (Dialect) CreateTempTableSQL(name, source string) string {
	return fmt.Sprintf("SELECT * INTO %s FROM %s WHERE 1 = 0", name, source)
}

func (Dialect) TruncateSQL(name string) string {
	return "TRUNCATE TABLE " + name
}

func (Dialect) DropTempTableSQL(name string) string {
	return "DROP TABLE " + name
}

func buildDSN(config database.Config) string {
	query := url.Values{}
	query.Add("database", config.DbName)

	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(config.User, config.Password),
		Host:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		RawQuery: query.Encode(),
	}
	return u.String()
}
