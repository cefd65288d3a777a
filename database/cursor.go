package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/scottrbailey/dbtk/params"
	"github.com/scottrbailey/dbtk/record"
)

const defaultArraySize = 100

// CursorOption configures a cursor at construction.
type CursorOption func(*Cursor)

// WithArraySize sets the default row count for FetchMany.
func WithArraySize(n int) CursorOption {
	return func(c *Cursor) { c.arraySize = n }
}

// WithStrictBinding makes missing payload keys a binding error instead of
// binding SQL NULL.
func WithStrictBinding() CursorOption {
	return func(c *Cursor) { c.strict = true }
}

// Cursor is the uniform execution surface over one connection. It translates
// canonical queries to the dialect's placeholder style, tracks the active
// result set, and materializes rows as Records with a schema captured once
// per result set. A cursor is not safe for concurrent use.
type Cursor struct {
	db *Database
	// sconn, when set, dedicates one pooled connection to this cursor so
	// session-scoped state (temp tables) survives across statements.
	sconn     *sql.Conn
	tx        *sql.Tx
	rows      *sql.Rows
	schema    *record.Schema
	current   *record.Record
	iterErr   error
	rowCount  int64
	arraySize int
	strict    bool
	logger    *QueryLogger
}

type executor interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	Prepare(query string) (*sql.Stmt, error)
}

// connExecutor adapts a dedicated *sql.Conn to the executor surface.
type connExecutor struct {
	conn *sql.Conn
}

func (e connExecutor) Exec(query string, args ...any) (sql.Result, error) {
	return e.conn.ExecContext(context.Background(), query, args...)
}

func (e connExecutor) Query(query string, args ...any) (*sql.Rows, error) {
	return e.conn.QueryContext(context.Background(), query, args...)
}

func (e connExecutor) Prepare(query string) (*sql.Stmt, error) {
	return e.conn.PrepareContext(context.Background(), query)
}

func (c *Cursor) conn() executor {
	if c.tx != nil {
		return c.tx
	}
	if c.sconn != nil {
		return connExecutor{c.sconn}
	}
	return c.db.db
}

// Pin takes one connection out of the pool and runs every subsequent
// statement on it until Unpin or Close. Pinning an already pinned cursor is
// a no-op.
func (c *Cursor) Pin() error {
	if c.sconn != nil {
		return nil
	}
	conn, err := c.db.db.Conn(context.Background())
	if err != nil {
		return err
	}
	c.sconn = conn
	return nil
}

// Pinned reports whether the cursor holds a dedicated connection.
func (c *Cursor) Pinned() bool { return c.sconn != nil }

// Unpin returns the dedicated connection to the pool. An open transaction
// must end first.
func (c *Cursor) Unpin() error {
	if c.sconn == nil {
		return nil
	}
	if c.tx != nil {
		return fmt.Errorf("cursor: cannot unpin inside a transaction")
	}
	c.closeRows()
	err := c.sconn.Close()
	c.sconn = nil
	return err
}

// Database returns the owning database wrapper.
func (c *Cursor) Database() *Database { return c.db }

// Style returns the dialect's native parameter style.
func (c *Cursor) Style() params.Style { return c.db.dialect.Style() }

// Translate rewrites a canonical query into this cursor's dialect style.
func (c *Cursor) Translate(query string) (*params.Query, error) {
	return params.Translate(query, c.Style())
}

func (c *Cursor) bind(q *params.Query, payload map[string]any) ([]any, error) {
	if c.strict {
		return q.BindStrict(payload)
	}
	return q.Bind(payload), nil
}

// stmtReturnsRows sniffs whether a statement produces a result set. Leading
// line and block comments are skipped so annotated SQL files route the same
// as bare statements.
func stmtReturnsRows(query string) bool {
	s := strings.TrimSpace(query)
	for {
		if strings.HasPrefix(s, "--") {
			i := strings.IndexByte(s, '\n')
			if i < 0 {
				return false
			}
			s = strings.TrimSpace(s[i+1:])
			continue
		}
		if strings.HasPrefix(s, "/*") {
			i := strings.Index(s, "*/")
			if i < 0 {
				return false
			}
			s = strings.TrimSpace(s[i+2:])
			continue
		}
		break
	}
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "select", "with", "show", "values", "pragma", "explain", "describe", "desc":
		return true
	}
	return false
}

// Execute runs one statement. A non-nil payload means the query is in the
// canonical style and gets translated to the dialect's placeholder style
// first; database errors propagate unchanged.
func (c *Cursor) Execute(query string, payload map[string]any) error {
	text := query
	var args []any
	if payload != nil {
		q, err := c.Translate(query)
		if err != nil {
			return err
		}
		text = q.SQL
		if args, err = c.bind(q, payload); err != nil {
			return err
		}
	}
	return c.executeArgs(text, args)
}

func (c *Cursor) executeArgs(text string, args []any) error {
	c.closeRows()
	c.logger.logQuery(c.db.String(), text, args)
	if stmtReturnsRows(text) {
		rows, err := c.conn().Query(text, args...)
		if err != nil {
			return err
		}
		c.rows = rows
		c.schema = nil
		c.rowCount = -1
		return nil
	}
	res, err := c.conn().Exec(text, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil {
		c.rowCount = n
	}
	return nil
}

// Query is Execute returning the cursor for fluent chaining:
//
//	rows, err := cur.Query(sql, payload)
//	if err == nil { recs, err = rows.FetchAll() }
func (c *Cursor) Query(query string, payload map[string]any) (*Cursor, error) {
	if err := c.Execute(query, payload); err != nil {
		return nil, err
	}
	return c, nil
}

// ExecuteFile loads a canonical SQL file and executes it. The file holds
// exactly one statement.
func (c *Cursor) ExecuteFile(path string, payload map[string]any) error {
	query, err := loadSQLFile(path)
	if err != nil {
		return err
	}
	return c.Execute(query, payload)
}

// ExecuteMany translates once and runs the statement for each payload using
// a prepared statement. The first failure aborts and is returned; callers
// needing per-row isolation drive a PreparedStatement themselves.
func (c *Cursor) ExecuteMany(query string, payloads []map[string]any) error {
	q, err := c.Translate(query)
	if err != nil {
		return err
	}
	c.closeRows()
	stmt, err := c.conn().Prepare(q.SQL)
	if err != nil {
		return err
	}
	defer stmt.Close()
	c.logger.logQuery(c.db.String(), "-- executemany\n"+q.SQL, nil)
	for _, payload := range payloads {
		args, err := c.bind(q, payload)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(args...); err != nil {
			return err
		}
	}
	return nil
}

// Prepare translates a canonical query and prepares it on the connection.
func (c *Cursor) Prepare(query string) (*PreparedStatement, error) {
	q, err := c.Translate(query)
	if err != nil {
		return nil, err
	}
	stmt, err := c.conn().Prepare(q.SQL)
	if err != nil {
		return nil, err
	}
	return &PreparedStatement{cursor: c, query: q, stmt: stmt, txBound: c.tx != nil}, nil
}

// PrepareFile loads a canonical SQL file and prepares it.
func (c *Cursor) PrepareFile(path string) (*PreparedStatement, error) {
	query, err := loadSQLFile(path)
	if err != nil {
		return nil, err
	}
	return c.Prepare(query)
}

func loadSQLFile(path string) (string, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("load sql file %s: %w", path, err)
	}
	return strings.TrimRight(strings.TrimSpace(string(buf)), ";"), nil
}

// ensureRows guards fetches against a cursor with no active result set.
func (c *Cursor) ensureRows() error {
	if c.rows == nil {
		return fmt.Errorf("cursor: query has not been run or did not succeed")
	}
	if c.schema == nil {
		cols, err := c.rows.Columns()
		if err != nil {
			return err
		}
		c.schema = record.NewSchema(cols)
	}
	return nil
}

func (c *Cursor) scanRecord() (*record.Record, error) {
	n := c.schema.Len()
	values := make([]any, n)
	ptrs := make([]any, n)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := c.rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	for i, v := range values {
		if b, ok := v.([]byte); ok {
			values[i] = string(b)
		}
	}
	return record.New(c.schema, values)
}

// FetchOne returns the next row, or nil at end of the result set.
func (c *Cursor) FetchOne() (*record.Record, error) {
	if err := c.ensureRows(); err != nil {
		return nil, err
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return c.scanRecord()
}

// FetchMany returns up to n rows; n <= 0 uses the cursor's array size.
func (c *Cursor) FetchMany(n int) ([]*record.Record, error) {
	if n <= 0 {
		n = c.arraySize
	}
	out := make([]*record.Record, 0, n)
	for len(out) < n {
		rec, err := c.FetchOne()
		if err != nil {
			return out, err
		}
		if rec == nil {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

// FetchAll returns every remaining row and closes the result set.
func (c *Cursor) FetchAll() ([]*record.Record, error) {
	var out []*record.Record
	for {
		rec, err := c.FetchOne()
		if err != nil {
			return out, err
		}
		if rec == nil {
			break
		}
		out = append(out, rec)
	}
	c.closeRows()
	return out, nil
}

// Next advances the iterator; pair with Record and Err:
//
//	for cur.Next() { rec := cur.Record() ... }
//	if err := cur.Err(); err != nil { ... }
func (c *Cursor) Next() bool {
	rec, err := c.FetchOne()
	if err != nil {
		c.iterErr = err
		return false
	}
	if rec == nil {
		return false
	}
	c.current = rec
	return true
}

// Record returns the row the last Next produced.
func (c *Cursor) Record() *record.Record { return c.current }

// Err returns the error that ended iteration, if any.
func (c *Cursor) Err() error { return c.iterErr }

// SelectInto executes a query that must return exactly one row.
func (c *Cursor) SelectInto(query string, payload map[string]any) (*record.Record, error) {
	if err := c.Execute(query, payload); err != nil {
		return nil, err
	}
	rows, err := c.FetchMany(2)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, fmt.Errorf("cursor: no data found")
	case 1:
		return rows[0], nil
	default:
		return nil, fmt.Errorf("cursor: query returned more than one row")
	}
}

// Columns returns the active result set's column names.
func (c *Cursor) Columns(normalized bool) ([]string, error) {
	if err := c.ensureRows(); err != nil {
		return nil, err
	}
	if normalized {
		return c.schema.Normalized(), nil
	}
	return c.schema.Names(), nil
}

// RowCount returns rows affected by the last non-query statement, or -1.
func (c *Cursor) RowCount() int64 { return c.rowCount }

// Begin opens a transaction; subsequent statements run inside it. On a
// pinned cursor the transaction starts on the dedicated connection.
func (c *Cursor) Begin() error {
	if c.tx != nil {
		return fmt.Errorf("cursor: transaction already open")
	}
	var tx *sql.Tx
	var err error
	if c.sconn != nil {
		tx, err = c.sconn.BeginTx(context.Background(), nil)
	} else {
		tx, err = c.db.db.Begin()
	}
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

// Commit commits the open transaction.
func (c *Cursor) Commit() error {
	if c.tx == nil {
		return fmt.Errorf("cursor: no open transaction")
	}
	err := c.tx.Commit()
	c.tx = nil
	return err
}

// Rollback rolls back the open transaction.
func (c *Cursor) Rollback() error {
	if c.tx == nil {
		return fmt.Errorf("cursor: no open transaction")
	}
	err := c.tx.Rollback()
	c.tx = nil
	return err
}

// InTransaction reports whether a transaction is open.
func (c *Cursor) InTransaction() bool { return c.tx != nil }

func (c *Cursor) closeRows() {
	if c.rows != nil {
		c.rows.Close()
		c.rows = nil
		c.schema = nil
	}
}

// Close releases the active result set, rolls back any open transaction,
// and returns a pinned connection to the pool.
func (c *Cursor) Close() error {
	c.closeRows()
	if c.tx != nil {
		if err := c.Rollback(); err != nil {
			return err
		}
	}
	return c.Unpin()
}
