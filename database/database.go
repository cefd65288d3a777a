// Package database is the connection layer: a uniform wrapper over
// database/sql connections for multiple kinds of databases, cursors that
// produce Records, and prepared statements in the canonical parameter style.
// It never deals with DML construction; that belongs to etl.
package database

import (
	"database/sql"
	"fmt"

	"github.com/scottrbailey/dbtk/params"
)

// Config carries connection parameters common to every dialect.
type Config struct {
	DbName   string
	User     string
	Password string
	Host     string
	Port     int
	Socket   string

	SslMode string
	SslCa   string
}

// MergeStrategy describes how a dialect can satisfy a merge (upsert).
type MergeStrategy int

const (
	// MergeUpsert uses the dialect's native single-statement upsert
	// (ON DUPLICATE KEY, ON CONFLICT).
	MergeUpsert MergeStrategy = iota
	// MergeStatement uses a native MERGE statement.
	MergeStatement
	// MergeTempTable has no native form; merges stage through a session
	// temporary table.
	MergeTempTable
)

// Dialect is the capability surface a driver adapter declares. Everything the
// core needs to know about a database lives here; the drivers themselves stay
// behind database/sql.
type Dialect interface {
	// Name identifies the dialect: mysql, postgres, sqlite3, mssql.
	Name() string
	// Style is the driver's native placeholder style.
	Style() params.Style
	// Quote renders an identifier in the dialect's quoting form.
	Quote(identifier string) string
	// MergeStrategy reports how merges execute against this dialect.
	MergeStrategy() MergeStrategy
	// TempTableName derives a session temp table name from a base name.
	TempTableName(base string) string
	// CreateTempTableSQL returns DDL creating an empty session temp table
	// mirroring the source table's columns.
	CreateTempTableSQL(name, source string) string
	// TruncateSQL returns the statement that empties a table.
	TruncateSQL(name string) string
	// DropTempTableSQL returns the statement that drops a temp table.
	DropTempTableSQL(name string) string
}

// Database wraps one open connection with its dialect. Cursors created from
// it share the connection; each cursor must stay on a single goroutine.
type Database struct {
	db      *sql.DB
	dialect Dialect
	name    string
	logger  *QueryLogger
}

// New wraps an open *sql.DB. The dialect subpackages are the usual way in.
func New(db *sql.DB, dialect Dialect, name string) *Database {
	return &Database{db: db, dialect: dialect, name: name, logger: NewQueryLogger()}
}

// DB exposes the underlying connection pool.
func (d *Database) DB() *sql.DB { return d.db }

// Dialect returns the declared dialect.
func (d *Database) Dialect() Dialect { return d.dialect }

// Name returns the configured database name.
func (d *Database) Name() string { return d.name }

// SetLogger replaces the query logger shared by new cursors.
func (d *Database) SetLogger(l *QueryLogger) { d.logger = l }

func (d *Database) String() string {
	if d.name != "" {
		return fmt.Sprintf("Database(%s:%s)", d.name, d.dialect.Name())
	}
	return fmt.Sprintf("Database(%s)", d.dialect.Name())
}

// Cursor creates a cursor over this connection.
func (d *Database) Cursor(opts ...CursorOption) *Cursor {
	c := &Cursor{
		db:        d,
		arraySize: defaultArraySize,
		logger:    d.logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Transaction runs fn inside a transaction, committing on success and rolling
// back on error. The cursor is rebound to the transaction for the duration.
func (d *Database) Transaction(c *Cursor, fn func() error) error {
	if err := c.Begin(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if rbErr := c.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	return c.Commit()
}

// Close closes the underlying connection. Prepared statements and cursors
// bound to it are invalidated.
func (d *Database) Close() error {
	return d.db.Close()
}
