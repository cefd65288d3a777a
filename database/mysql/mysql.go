// Package mysql adapts MySQL and MariaDB connections through
// github.com/go-sql-driver/mysql.
package mysql

import (
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"fmt"
	"os"
	"strings"

	driver "github.com/go-sql-driver/mysql"

	"github.com/scottrbailey/dbtk/database"
	"github.com/scottrbailey/dbtk/params"
)

// NewDatabase opens a MySQL connection from config.
func NewDatabase(config database.Config) (*database.Database, error) {
	if config.SslMode == "custom" {
		if err := registerTLSConfig(config.SslCa); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("mysql", buildDSN(config))
	if err != nil {
		return nil, err
	}
	return database.New(db, Dialect{}, config.DbName), nil
}

// Dialect declares MySQL's capabilities: positional ? placeholders, backtick
// quoting, and native ON DUPLICATE KEY upserts.
type Dialect struct{}

func (Dialect) Name() string { return "mysql" }

func (Dialect) Style() params.Style { return params.QMark }

func (Dialect) Quote(identifier string) string {
	return "`" + strings.ReplaceAll(identifier, "`", "``") + "`"
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
	return "DROP TEMPORARY TABLE IF EXISTS " + name
}

func buildDSN(config database.Config) string {
	c := driver.NewConfig()
	c.User = config.User
	c.Passwd = config.Password
	c.DBName = config.DbName
	c.TLSConfig = config.SslMode
	if config.Socket == "" {
		c.Net = "tcp"
		c.Addr = fmt.Sprintf("%s:%d", config.Host, config.Port)
	} else {
		c.Net = "unix"
		c.Addr = config.Socket
	}
	return c.FormatDSN()
}

func registerTLSConfig(pemPath string) error {
	rootCertPool := x509.NewCertPool()
	pem, err := os.ReadFile(pemPath)
	if err != nil {
		return err
	}
	if ok := rootCertPool.AppendCertsFromPEM(pem); !ok {
		return fmt.Errorf("failed to append PEM")
	}
	return driver.RegisterTLSConfig("custom", &tls.Config{
		RootCAs: rootCertPool,
	})
}
