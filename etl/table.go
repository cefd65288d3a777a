package etl

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/scottrbailey/dbtk/database"
	"github.com/scottrbailey/dbtk/record"
	"github.com/scottrbailey/dbtk/util"
)

// defaultNullValues are string sentinels treated as SQL NULL when they arrive
// from a source field.
var defaultNullValues = []string{"NULL", "<null>", `\N`}

// Counters tracks what a table has done since construction or the last reset.
type Counters struct {
	Records    int
	Insert     int
	Update     int
	Delete     int
	Merge      int
	Select     int
	Incomplete int
	Errors     int
}

func (c Counters) count(op Op) int {
	switch op {
	case OpInsert:
		return c.Insert
	case OpUpdate:
		return c.Update
	case OpDelete:
		return c.Delete
	case OpMerge:
		return c.Merge
	case OpSelect:
		return c.Select
	}
	return 0
}

func (c *Counters) add(op Op, n int) {
	switch op {
	case OpInsert:
		c.Insert += n
	case OpUpdate:
		c.Update += n
	case OpDelete:
		c.Delete += n
	case OpMerge:
		c.Merge += n
	case OpSelect:
		c.Select += n
	}
}

// TableOption configures a Table at construction.
type TableOption func(*Table)

// WithNullValues replaces the string sentinels mapped to SQL NULL.
func WithNullValues(values ...string) TableOption {
	return func(t *Table) {
		t.sentinels = make(map[string]bool, len(values))
		for _, v := range values {
			t.sentinels[v] = true
		}
	}
}

// Table is the stateful DML pipeline for one target table: SetValues resolves
// a source record through every column, readiness gates which operations may
// run, and Execute drives cached, prepared statements. A table rides one
// cursor and is not safe for concurrent use.
type Table struct {
	name    string
	cursor  *database.Cursor
	columns []*Column
	byBind  map[string]*Column
	keys    []*Column

	sentinels      map[string]bool
	updateExcludes map[string]bool

	values  map[string]any
	ready   Op
	missing []string

	sqlCache map[Op]string
	stmts    map[Op]*database.PreparedStatement

	// Counts accumulates operation totals; Surge reads and extends them.
	Counts Counters

	log *logrus.Entry
}

// NewTable compiles the column definitions against the cursor's dialect.
// Column order is preserved in all generated SQL.
func NewTable(name string, cursor *database.Cursor, defs []ColumnDef, opts ...TableOption) (*Table, error) {
	if err := util.ValidateIdentifier(name); err != nil {
		return nil, err
	}
	t := &Table{
		name:           name,
		cursor:         cursor,
		byBind:         make(map[string]*Column, len(defs)),
		updateExcludes: make(map[string]bool),
		values:         make(map[string]any),
		sqlCache:       make(map[Op]string),
		stmts:          make(map[Op]*database.PreparedStatement),
		log:            logrus.WithField("table", name),
	}
	t.sentinels = make(map[string]bool, len(defaultNullValues))
	for _, v := range defaultNullValues {
		t.sentinels[v] = true
	}
	for _, opt := range opts {
		opt(t)
	}

	for _, def := range defs {
		col, err := compileColumn(def, cursor)
		if err != nil {
			return nil, err
		}
		if _, dup := t.byBind[col.BindName]; dup {
			return nil, fmt.Errorf("etl: table %s: duplicate column bind name %q", name, col.BindName)
		}
		t.columns = append(t.columns, col)
		t.byBind[col.BindName] = col
		if col.Key() {
			t.keys = append(t.keys, col)
		}
	}
	if len(t.columns) == 0 {
		return nil, fmt.Errorf("etl: table %s: no columns defined", name)
	}
	return t, nil
}

// Name returns the target table name.
func (t *Table) Name() string { return t.name }

// Cursor returns the cursor the table executes on.
func (t *Table) Cursor() *database.Cursor { return t.cursor }

// Columns returns the compiled columns in definition order.
func (t *Table) Columns() []*Column {
	out := make([]*Column, len(t.columns))
	copy(out, t.columns)
	return out
}

func (t *Table) dialect() database.Dialect { return t.cursor.Database().Dialect() }

// SetValues resolves one source record through every column pipeline and
// recomputes readiness. A transform failure clears readiness and returns a
// TransformError.
func (t *Table) SetValues(rec *record.Record) error {
	t.Counts.Records++
	if t.Counts.Records == 1 {
		t.warnMissingFields(rec)
	}

	values := make(map[string]any, len(t.columns))
	for _, col := range t.columns {
		val, err := col.resolve(rec, t.sentinels)
		if err != nil {
			t.values = values
			t.ready = 0
			return &TransformError{Table: t.name, Column: col.Name, Value: rec.GetDefault(col.Field(), nil), Err: err}
		}
		values[col.BindName] = val
	}
	t.values = values
	t.computeReadiness()
	return nil
}

// warnMissingFields logs source fields no record will have, once per run.
func (t *Table) warnMissingFields(rec *record.Record) {
	for _, col := range t.columns {
		fields := col.def.Fields
		if col.def.Field != "" {
			fields = []string{col.def.Field}
		}
		for _, f := range fields {
			if !rec.Has(f) {
				t.log.Warnf("field %q not found in record", f)
			}
		}
	}
}

// SetValue overrides one resolved value by bind name and recomputes
// readiness.
func (t *Table) SetValue(bindName string, v any) error {
	if _, ok := t.byBind[bindName]; !ok {
		return fmt.Errorf("etl: table %s: no column bound as %q", t.name, bindName)
	}
	t.values[bindName] = v
	t.computeReadiness()
	return nil
}

// Values returns a copy of the current resolved values keyed by bind name.
func (t *Table) Values() map[string]any {
	out := make(map[string]any, len(t.values))
	for k, v := range t.values {
		out[k] = v
	}
	return out
}

func (t *Table) computeReadiness() {
	t.missing = t.missing[:0]
	keysOK := true
	for _, col := range t.columns {
		if !col.bindsValue() {
			continue
		}
		set := t.values[col.BindName] != nil
		if col.Required() && !set {
			t.missing = append(t.missing, col.BindName)
		}
		if col.Key() && !set {
			keysOK = false
		}
	}

	var ready Op
	if len(t.missing) == 0 {
		ready |= OpInsert
		if len(t.keys) > 0 {
			ready |= OpUpdate | OpMerge
		}
	}
	if len(t.keys) > 0 && keysOK {
		ready |= OpSelect | OpDelete
	}
	t.ready = ready
}

// IsReady reports whether the current record satisfies op's requirements:
// INSERT, UPDATE and MERGE need every required column non-nil, DELETE and
// SELECT need the key columns.
func (t *Table) IsReady(op Op) bool { return t.ready&op != 0 }

// ReqsMissing returns the required bind names the current record left nil.
func (t *Table) ReqsMissing() []string {
	out := make([]string, len(t.missing))
	copy(out, t.missing)
	return out
}

// ResetCounts zeroes the operation counters.
func (t *Table) ResetCounts() { t.Counts = Counters{} }

// paramCols returns the columns whose bind parameters the operation uses.
func (t *Table) paramCols(op Op) []*Column {
	var out []*Column
	switch op {
	case OpInsert, OpMerge:
		for _, col := range t.columns {
			if col.bindsValue() {
				out = append(out, col)
			}
		}
	case OpSelect, OpDelete:
		out = t.keys
	case OpUpdate:
		for _, col := range t.columns {
			if !col.bindsValue() {
				continue
			}
			if col.Key() || t.inUpdateSet(col) {
				out = append(out, col)
			}
		}
	}
	return out
}

func (t *Table) inUpdateSet(col *Column) bool {
	return !col.Key() && !col.NoUpdate() && !t.updateExcludes[col.BindName]
}

// BindParams returns the payload Execute would bind for op, from the current
// values.
func (t *Table) BindParams(op Op) map[string]any {
	cols := t.paramCols(op)
	out := make(map[string]any, len(cols))
	for _, col := range cols {
		out[col.BindName] = t.values[col.BindName]
	}
	return out
}

// CalcUpdateExcludes drops columns whose source field is absent from the
// given field list out of UPDATE and merge-update clauses, alongside any
// NoUpdate columns. Cached UPDATE and MERGE statements are regenerated.
func (t *Table) CalcUpdateExcludes(fields []string) {
	available := make(map[string]bool, len(fields))
	for _, f := range fields {
		available[f] = true
	}
	t.updateExcludes = make(map[string]bool)
	for _, col := range t.columns {
		if col.Field() != "" && !available[col.Field()] {
			t.updateExcludes[col.BindName] = true
		}
	}
	t.invalidate(OpUpdate, OpMerge)
}

func (t *Table) invalidate(ops ...Op) {
	for _, op := range ops {
		delete(t.sqlCache, op)
		if stmt, ok := t.stmts[op]; ok {
			stmt.Close()
			delete(t.stmts, op)
		}
	}
}

// SQL returns the canonical statement for op, generating and caching it on
// first use. Statement text is deterministic for a given table definition.
func (t *Table) SQL(op Op) (string, error) {
	if sql, ok := t.sqlCache[op]; ok {
		return sql, nil
	}
	if op != OpInsert && len(t.keys) == 0 {
		return "", &NoKeysError{Table: t.name, Op: op}
	}

	var sql string
	var err error
	switch op {
	case OpInsert:
		sql, err = t.insertSQL()
	case OpSelect:
		sql, err = t.selectSQL()
	case OpUpdate:
		sql, err = t.updateSQL()
	case OpDelete:
		sql, err = t.deleteSQL()
	case OpMerge:
		sql, err = t.mergeSQL()
	default:
		err = fmt.Errorf("etl: invalid operation %v", op)
	}
	if err != nil {
		return "", err
	}
	t.sqlCache[op] = sql
	t.log.WithField("op", op.String()).Debugf("generated SQL: %s", sql)
	return sql, nil
}

func (t *Table) quotedName() string { return quoteIdent(t.dialect(), t.name) }

// columnLists renders the quoted column list and matching value expressions.
func (t *Table) columnLists() (string, string, error) {
	names := make([]string, 0, len(t.columns))
	exprs := make([]string, 0, len(t.columns))
	for _, col := range t.columns {
		expr, err := col.placeholderExpr()
		if err != nil {
			return "", "", err
		}
		names = append(names, quoteIdent(t.dialect(), col.Name))
		exprs = append(exprs, expr)
	}
	cols := strings.Join(names, ", ")
	vals := strings.Join(exprs, ", ")
	if len(t.columns) > 4 {
		cols = util.WrapAtComma(cols)
		vals = util.WrapAtComma(vals)
	}
	return cols, vals, nil
}

func (t *Table) keyConditions() ([]string, error) {
	var conds []string
	for _, col := range t.keys {
		expr, err := col.placeholderExpr()
		if err != nil {
			return nil, err
		}
		conds = append(conds, fmt.Sprintf("%s = %s", quoteIdent(t.dialect(), col.Name), expr))
	}
	return conds, nil
}

func (t *Table) insertSQL() (string, error) {
	cols, vals, err := t.columnLists()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("INSERT INTO %s (%s)\nVALUES (%s)", t.quotedName(), cols, vals), nil
}

func (t *Table) selectSQL() (string, error) {
	names := make([]string, 0, len(t.columns))
	for _, col := range t.columns {
		names = append(names, quoteIdent(t.dialect(), col.Name))
	}
	cols := strings.Join(names, ", ")
	if len(names) > 4 {
		cols = util.WrapAtComma(cols)
	}
	conds, err := t.keyConditions()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SELECT %s\nFROM %s\nWHERE %s",
		cols, t.quotedName(), strings.Join(conds, "\n  AND ")), nil
}

func (t *Table) updateSQL() (string, error) {
	var assignments []string
	for _, col := range t.columns {
		if !t.inUpdateSet(col) {
			continue
		}
		expr, err := col.placeholderExpr()
		if err != nil {
			return "", err
		}
		assignments = append(assignments, fmt.Sprintf("%s = %s", quoteIdent(t.dialect(), col.Name), expr))
	}
	if len(assignments) == 0 {
		return "", fmt.Errorf("etl: table %s: no updatable columns", t.name)
	}
	set := strings.Join(assignments, ", ")
	if len(assignments) > 4 {
		set = util.WrapAtComma(set)
	}
	conds, err := t.keyConditions()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("UPDATE %s\nSET %s\nWHERE %s",
		t.quotedName(), set, strings.Join(conds, "\n  AND ")), nil
}

func (t *Table) deleteSQL() (string, error) {
	conds, err := t.keyConditions()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("DELETE FROM %s\nWHERE %s",
		t.quotedName(), strings.Join(conds, "\n  AND ")), nil
}

// mergeSQL picks the dialect's merge form: a native upsert or a MERGE
// statement sourced from a one-row SELECT.
func (t *Table) mergeSQL() (string, error) {
	switch t.dialect().MergeStrategy() {
	case database.MergeUpsert:
		return t.upsertSQL()
	default:
		source, err := t.mergeSelectSource()
		if err != nil {
			return "", err
		}
		return t.mergeStatementSQL(source)
	}
}

func (t *Table) upsertSQL() (string, error) {
	cols, vals, err := t.columnLists()
	if err != nil {
		return "", err
	}
	d := t.dialect()

	// mysql updates through a row alias, postgres and sqlite through the
	// EXCLUDED pseudo table.
	rowRef := "EXCLUDED"
	if d.Name() == "mysql" {
		rowRef = "new_vals"
	}

	var assignments []string
	for _, col := range t.columns {
		if !t.inUpdateSet(col) {
			continue
		}
		quoted := quoteIdent(d, col.Name)
		expr := t.mergeUpdateExpr(col, rowRef+"."+quoted)
		assignments = append(assignments, fmt.Sprintf("%s = %s", quoted, expr))
	}
	if len(assignments) == 0 {
		return "", fmt.Errorf("etl: table %s: no updatable columns for merge", t.name)
	}
	set := strings.Join(assignments, ", ")
	if len(assignments) > 4 {
		set = util.WrapAtComma(set)
	}

	if d.Name() == "mysql" {
		return fmt.Sprintf("INSERT INTO %s (%s)\nVALUES (%s) AS new_vals\nON DUPLICATE KEY UPDATE %s",
			t.quotedName(), cols, vals, set), nil
	}

	keyNames := make([]string, 0, len(t.keys))
	for _, col := range t.keys {
		keyNames = append(keyNames, quoteIdent(d, col.Name))
	}
	return fmt.Sprintf("INSERT INTO %s (%s)\nVALUES (%s)\nON CONFLICT (%s) DO UPDATE SET %s",
		t.quotedName(), cols, vals, strings.Join(keyNames, ", "), set), nil
}

// mergeUpdateExpr renders the update-side value for a merge: the incoming row
// reference, optionally wrapped by the column's DBExpr.
func (t *Table) mergeUpdateExpr(col *Column, rowRef string) string {
	expr := col.def.DBExpr
	switch {
	case expr == "":
		return rowRef
	case strings.Contains(expr, "#"):
		return strings.ReplaceAll(expr, "#", rowRef)
	default:
		return expr
	}
}

// mergeSelectSource renders the single-row source for a MERGE statement:
// (SELECT :c1 AS c1, :c2 AS c2, ...).
func (t *Table) mergeSelectSource() (string, error) {
	d := t.dialect()
	items := make([]string, 0, len(t.columns))
	for _, col := range t.columns {
		expr, err := col.placeholderExpr()
		if err != nil {
			return "", err
		}
		items = append(items, fmt.Sprintf("%s AS %s", expr, quoteIdent(d, col.Name)))
	}
	source := strings.Join(items, ", ")
	if len(items) > 4 {
		source = util.WrapAtComma(source)
	}
	return fmt.Sprintf("(SELECT %s)", source), nil
}

// mergeStatementSQL builds a MERGE against an arbitrary source relation;
// Surge passes a staged temp table here instead of the one-row SELECT.
func (t *Table) mergeStatementSQL(source string) (string, error) {
	d := t.dialect()

	var onConds []string
	for _, col := range t.keys {
		quoted := quoteIdent(d, col.Name)
		onConds = append(onConds, fmt.Sprintf("t.%s = s.%s", quoted, quoted))
	}

	var assignments []string
	insertCols := make([]string, 0, len(t.columns))
	insertVals := make([]string, 0, len(t.columns))
	for _, col := range t.columns {
		quoted := quoteIdent(d, col.Name)
		insertCols = append(insertCols, quoted)
		insertVals = append(insertVals, "s."+quoted)
		if t.inUpdateSet(col) {
			assignments = append(assignments,
				fmt.Sprintf("t.%s = %s", quoted, t.mergeUpdateExpr(col, "s."+quoted)))
		}
	}

	colsStr := strings.Join(insertCols, ", ")
	valsStr := strings.Join(insertVals, ", ")
	if len(insertCols) > 4 {
		colsStr = util.WrapAtComma(colsStr)
		valsStr = util.WrapAtComma(valsStr)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s t\nUSING %s AS s\nON (%s)\n",
		t.quotedName(), source, strings.Join(onConds, " AND "))
	if len(assignments) > 0 {
		set := strings.Join(assignments, ", ")
		if len(assignments) > 4 {
			set = util.WrapAtComma(set)
		}
		fmt.Fprintf(&b, "WHEN MATCHED THEN\n    UPDATE SET %s\n", set)
	}
	fmt.Fprintf(&b, "WHEN NOT MATCHED THEN\n    INSERT (%s)\n    VALUES (%s);", colsStr, valsStr)
	return b.String(), nil
}

// statement returns the prepared statement for op, preparing on first use.
func (t *Table) statement(op Op) (*database.PreparedStatement, error) {
	if stmt, ok := t.stmts[op]; ok {
		return stmt, nil
	}
	sql, err := t.SQL(op)
	if err != nil {
		return nil, err
	}
	stmt, err := t.cursor.Prepare(sql)
	if err != nil {
		return nil, err
	}
	t.stmts[op] = stmt
	return stmt, nil
}

// Execute runs op for the current record. Readiness is enforced first; a
// database failure bumps the error counter and propagates unchanged.
func (t *Table) Execute(op Op) error {
	if !t.IsReady(op) {
		if op == OpDelete || op == OpSelect {
			return &ReqsNotMetError{Table: t.name, Op: op, Missing: t.keysMissing()}
		}
		return &ReqsNotMetError{Table: t.name, Op: op, Missing: t.ReqsMissing()}
	}
	stmt, err := t.statement(op)
	if err != nil {
		return err
	}
	if _, err := stmt.Execute(t.BindParams(op)); err != nil {
		t.Counts.Errors++
		t.log.WithField("op", op.String()).Errorf("execute failed: %v", err)
		return err
	}
	t.Counts.add(op, 1)
	return nil
}

func (t *Table) keysMissing() []string {
	var out []string
	for _, col := range t.keys {
		if t.values[col.BindName] == nil {
			out = append(out, col.BindName)
		}
	}
	return out
}

// Fetch retrieves the database row matching the current key values, or nil
// when no row matches.
func (t *Table) Fetch() (*record.Record, error) {
	if !t.IsReady(OpSelect) {
		return nil, &ReqsNotMetError{Table: t.name, Op: OpSelect, Missing: t.keysMissing()}
	}
	stmt, err := t.statement(OpSelect)
	if err != nil {
		return nil, err
	}
	rec, err := stmt.QueryOne(t.BindParams(OpSelect))
	if err != nil {
		return nil, err
	}
	if rec != nil {
		t.Counts.Select++
	}
	return rec, nil
}

// Close releases the table's prepared statements.
func (t *Table) Close() error {
	var firstErr error
	for op, stmt := range t.stmts {
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.stmts, op)
	}
	return firstErr
}
