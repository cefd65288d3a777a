// Package postgres adapts PostgreSQL connections through github.com/lib/pq.
package postgres

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"

	_ "github.com/lib/pq"

	"github.com/scottrbailey/dbtk/database"
	"github.com/scottrbailey/dbtk/params"
)

// NewDatabase opens a PostgreSQL connection from config.
func NewDatabase(config database.Config) (*database.Database, error) {
	db, err := sql.Open("postgres", buildDSN(config))
	if err != nil {
		return nil, err
	}
	return database.New(db, Dialect{}, config.DbName), nil
}

// Dialect declares PostgreSQL's capabilities: positional $N placeholders,
// double-quote quoting, and native ON CONFLICT upserts.
type Dialect struct{}

func (Dialect) Name() string { return "postgres" }

func (Dialect) Style() params.Style { return params.Dollar }

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

func (Dialect) TruncateSQL(name string) string {
	return "TRUNCATE TABLE " + name
}

func (Dialect) DropTempTableSQL(name string) string {
	return "DROP TABLE IF EXISTS " + name
}

func buildDSN(config database.Config) string {
	host := ""
	var options []string

	if config.Socket == "" {
		host = fmt.Sprintf("%s:%d", config.Host, config.Port)
	} else {
		// postgres://user:@%2Fvar%2Frun%2Fpostgresql/dbname is rejected by
		// the URL parser, so pass the socket dir as a host option instead.
		options = append(options, fmt.Sprintf("host=%s", config.Socket))
	}

	if config.SslMode != "" {
		options = append(options, fmt.Sprintf("sslmode=%s", config.SslMode))
	} else if sslmode, ok := os.LookupEnv("PGSSLMODE"); ok {
		options = append(options, fmt.Sprintf("sslmode=%s", sslmode))
	}

	// QueryEscape instead of PathEscape so that colon can be escaped.
	return fmt.Sprintf("postgres://%s:%s@%s/%s?%s",
		url.QueryEscape(config.User), url.QueryEscape(config.Password),
		host, config.DbName, strings.Join(options, "&"))
}
