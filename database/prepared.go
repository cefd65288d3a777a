package database

import (
	"database/sql"
	"fmt"

	"github.com/scottrbailey/dbtk/params"
	"github.com/scottrbailey/dbtk/record"
)

// PreparedStatement pairs a translated query with its driver-side handle.
// Translation happens once at Prepare; every execution only reshapes a
// payload into driver arguments. Statements prepared inside a transaction
// die with it.
type PreparedStatement struct {
	cursor *Cursor
	query  *params.Query
	stmt   *sql.Stmt
	// txBound marks a statement prepared inside a transaction; it dies with
	// that transaction.
	txBound bool
	// txStmt caches the transaction-scoped rebind of stmt so repeated
	// executions inside one transaction prepare only once.
	txStmt  *sql.Stmt
	boundTx *sql.Tx
	schema  *record.Schema
}

// handle returns the driver statement to run on, rebinding a
// connection-level statement into the cursor's open transaction when there
// is one. The rebind happens once per transaction; database/sql releases the
// transaction-scoped copy when the transaction ends.
func (p *PreparedStatement) handle() *sql.Stmt {
	tx := p.cursor.tx
	if tx == nil || p.txBound {
		return p.stmt
	}
	if p.boundTx != tx {
		p.txStmt = tx.Stmt(p.stmt)
		p.boundTx = tx
	}
	return p.txStmt
}

// SQL returns the translated statement text.
func (p *PreparedStatement) SQL() string { return p.query.SQL }

// ParamNames returns the distinct parameter names the statement binds.
func (p *PreparedStatement) ParamNames() []string { return p.query.ParamNames() }

// Execute runs the statement for one payload and returns rows affected.
func (p *PreparedStatement) Execute(payload map[string]any) (int64, error) {
	args, err := p.cursor.bind(p.query, payload)
	if err != nil {
		return 0, err
	}
	p.cursor.logger.logQuery(p.cursor.db.String(), p.query.SQL, args)
	res, err := p.handle().Exec(args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// ExecuteMany runs the statement once per payload, stopping at the first
// failure.
func (p *PreparedStatement) ExecuteMany(payloads []map[string]any) (int64, error) {
	var total int64
	for _, payload := range payloads {
		n, err := p.Execute(payload)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (p *PreparedStatement) queryRows(payload map[string]any) (*sql.Rows, error) {
	args, err := p.cursor.bind(p.query, payload)
	if err != nil {
		return nil, err
	}
	p.cursor.logger.logQuery(p.cursor.db.String(), p.query.SQL, args)
	return p.handle().Query(args...)
}

func (p *PreparedStatement) scan(rows *sql.Rows) (*record.Record, error) {
	if p.schema == nil {
		cols, err := rows.Columns()
		if err != nil {
			return nil, err
		}
		p.schema = record.NewSchema(cols)
	}
	n := p.schema.Len()
	values := make([]any, n)
	ptrs := make([]any, n)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	for i, v := range values {
		if b, ok := v.([]byte); ok {
			values[i] = string(b)
		}
	}
	return record.New(p.schema, values)
}

// QueryOne runs the statement and returns the first row, or nil when the
// result set is empty. Extra rows are discarded.
func (p *PreparedStatement) QueryOne(payload map[string]any) (*record.Record, error) {
	rows, err := p.queryRows(payload)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return p.scan(rows)
}

// QueryValue runs the statement and returns the first column of the first
// row, or nil on an empty result set.
func (p *PreparedStatement) QueryValue(payload map[string]any) (any, error) {
	rec, err := p.QueryOne(payload)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Len() == 0 {
		return nil, fmt.Errorf("prepared: statement returned no columns")
	}
	return rec.At(0), nil
}

// QueryAll runs the statement and returns every row.
func (p *PreparedStatement) QueryAll(payload map[string]any) ([]*record.Record, error) {
	rows, err := p.queryRows(payload)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*record.Record
	for rows.Next() {
		rec, err := p.scan(rows)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the driver-side handle. Execution after Close fails.
func (p *PreparedStatement) Close() error {
	return p.stmt.Close()
}
