package database

import (
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottrbailey/dbtk/params"
)

// qmarkDialect is a minimal dialect for driving sqlmock.
type qmarkDialect struct{}

func (qmarkDialect) Name() string                 { return "mock" }
func (qmarkDialect) Style() params.Style          { return params.QMark }
func (qmarkDialect) Quote(ident string) string    { return `"` + ident + `"` }
func (qmarkDialect) MergeStrategy() MergeStrategy { return MergeUpsert }
func (qmarkDialect) TempTableName(base string) string {
	return "tmp_" + base
}
func (qmarkDialect) CreateTempTableSQL(name, source string) string {
	return fmt.Sprintf("CREATE TEMPORARY TABLE %s AS SELECT * FROM %s WHERE 1 = 0", name, source)
}
func (qmarkDialect) TruncateSQL(name string) string {
	return "TRUNCATE TABLE " + name
}
func (qmarkDialect) DropTempTableSQL(name string) string {
	return "DROP TABLE IF EXISTS " + name
}

func newMockCursor(t *testing.T) (*Cursor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	wrapped := New(db, qmarkDialect{}, "testdb")
	return wrapped.Cursor(), mock
}

func TestCursorExecuteTranslatesPayload(t *testing.T) {
	cursor, mock := newMockCursor(t)

	mock.ExpectQuery("SELECT id, name FROM people WHERE id = ?").
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"id", "Full Name"}).
			AddRow(int64(7), []byte("Ramos")))

	require.NoError(t, cursor.Execute("SELECT id, name FROM people WHERE id = :id",
		map[string]any{"id": 7}))

	cols, err := cursor.Columns(true)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "full_name"}, cols)

	rec, err := cursor.FetchOne()
	require.NoError(t, err)
	require.NotNil(t, rec)
	v, err := rec.Get("full_name")
	require.NoError(t, err)
	assert.Equal(t, "Ramos", v)

	rec, err = cursor.FetchOne()
	require.NoError(t, err)
	assert.Nil(t, rec)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCursorExecuteDML(t *testing.T) {
	cursor, mock := newMockCursor(t)

	mock.ExpectExec("UPDATE people SET name = ? WHERE id = ?").
		WithArgs("x", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, cursor.Execute("UPDATE people SET name = :name WHERE id = :id",
		map[string]any{"name": "x", "id": 1}))
	assert.Equal(t, int64(1), cursor.RowCount())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCursorRawStatement(t *testing.T) {
	cursor, mock := newMockCursor(t)

	// nil payload skips translation; a literal ? in raw text survives
	mock.ExpectExec("DELETE FROM people").WillReturnResult(sqlmock.NewResult(0, 3))
	require.NoError(t, cursor.Execute("DELETE FROM people", nil))
	assert.Equal(t, int64(3), cursor.RowCount())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCursorFetchMany(t *testing.T) {
	cursor, mock := newMockCursor(t)

	rows := sqlmock.NewRows([]string{"n"})
	for i := 1; i <= 5; i++ {
		rows.AddRow(int64(i))
	}
	mock.ExpectQuery("SELECT n FROM seq").WillReturnRows(rows)

	_, err := cursor.Query("SELECT n FROM seq", nil)
	require.NoError(t, err)

	batch, err := cursor.FetchMany(2)
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	rest, err := cursor.FetchAll()
	require.NoError(t, err)
	assert.Len(t, rest, 3)
}

func TestCursorIterator(t *testing.T) {
	cursor, mock := newMockCursor(t)

	mock.ExpectQuery("SELECT n FROM seq").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(1)).AddRow(int64(2)))

	_, err := cursor.Query("SELECT n FROM seq", nil)
	require.NoError(t, err)

	var got []any
	for cursor.Next() {
		got = append(got, cursor.Record().At(0))
	}
	require.NoError(t, cursor.Err())
	assert.Equal(t, []any{int64(1), int64(2)}, got)
}

func TestCursorSelectInto(t *testing.T) {
	cursor, mock := newMockCursor(t)

	mock.ExpectQuery("SELECT count(*) FROM people").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(12)))
	rec, err := cursor.SelectInto("SELECT count(*) FROM people", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(12), rec.At(0))

	mock.ExpectQuery("SELECT count(*) FROM people").
		WillReturnRows(sqlmock.NewRows([]string{"count"}))
	_, err = cursor.SelectInto("SELECT count(*) FROM people", nil)
	assert.ErrorContains(t, err, "no data found")

	mock.ExpectQuery("SELECT count(*) FROM people").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)).AddRow(int64(2)))
	_, err = cursor.SelectInto("SELECT count(*) FROM people", nil)
	assert.ErrorContains(t, err, "more than one row")
}

// A statement opening with a comment must still capture its result set.
func TestCursorExecuteCommentedSelect(t *testing.T) {
	cursor, mock := newMockCursor(t)

	query := "-- latest people\nSELECT id FROM people"
	mock.ExpectQuery(query).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	require.NoError(t, cursor.Execute(query, nil))
	rec, err := cursor.FetchOne()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(1), rec.At(0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCursorFetchWithoutQuery(t *testing.T) {
	cursor, _ := newMockCursor(t)
	_, err := cursor.FetchOne()
	assert.ErrorContains(t, err, "query has not been run")
}

func TestCursorStrictBinding(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	cursor := New(db, qmarkDialect{}, "testdb").Cursor(WithStrictBinding())

	err = cursor.Execute("SELECT * FROM t WHERE id = :id", map[string]any{})
	var berr *params.BindError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "id", berr.Name)
}

func TestCursorExecuteMany(t *testing.T) {
	cursor, mock := newMockCursor(t)

	prep := mock.ExpectPrepare("INSERT INTO people (id) VALUES (?)")
	prep.ExpectExec().WithArgs(1).WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs(2).WillReturnResult(sqlmock.NewResult(0, 1))

	err := cursor.ExecuteMany("INSERT INTO people (id) VALUES (:id)",
		[]map[string]any{{"id": 1}, {"id": 2}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCursorTransaction(t *testing.T) {
	cursor, mock := newMockCursor(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM t WHERE id = ?").
		WithArgs(1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, cursor.Begin())
	assert.True(t, cursor.InTransaction())
	assert.Error(t, cursor.Begin())

	require.NoError(t, cursor.Execute("DELETE FROM t WHERE id = :id", map[string]any{"id": 1}))
	require.NoError(t, cursor.Commit())
	assert.False(t, cursor.InTransaction())
	assert.Error(t, cursor.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCursorCloseRollsBack(t *testing.T) {
	cursor, mock := newMockCursor(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	require.NoError(t, cursor.Begin())
	require.NoError(t, cursor.Close())
	assert.False(t, cursor.InTransaction())
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Session-scoped statements and a later transaction must share the pinned
// connection.
func TestCursorPinnedConnection(t *testing.T) {
	cursor, mock := newMockCursor(t)

	mock.ExpectExec("CREATE TEMPORARY TABLE tmp_t AS SELECT * FROM t WHERE 1 = 0").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tmp_t (id) VALUES (?)").
		WithArgs(1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("DROP TABLE IF EXISTS tmp_t").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, cursor.Pin())
	require.NoError(t, cursor.Pin()) // idempotent
	assert.True(t, cursor.Pinned())

	require.NoError(t, cursor.Execute(
		"CREATE TEMPORARY TABLE tmp_t AS SELECT * FROM t WHERE 1 = 0", nil))

	require.NoError(t, cursor.Begin())
	assert.ErrorContains(t, cursor.Unpin(), "cannot unpin inside a transaction")
	require.NoError(t, cursor.Execute("INSERT INTO tmp_t (id) VALUES (:id)",
		map[string]any{"id": 1}))
	require.NoError(t, cursor.Commit())

	require.NoError(t, cursor.Execute("DROP TABLE IF EXISTS tmp_t", nil))
	require.NoError(t, cursor.Unpin())
	assert.False(t, cursor.Pinned())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCursorCloseReleasesPin(t *testing.T) {
	cursor, _ := newMockCursor(t)

	require.NoError(t, cursor.Pin())
	require.NoError(t, cursor.Close())
	assert.False(t, cursor.Pinned())
}

func TestDatabaseTransactionHelper(t *testing.T) {
	cursor, mock := newMockCursor(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	wantErr := fmt.Errorf("boom")
	err := cursor.Database().Transaction(cursor, func() error { return wantErr })
	assert.ErrorIs(t, err, wantErr)
	assert.False(t, cursor.InTransaction())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStmtReturnsRows(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		expected bool
	}{
		{name: "Select", query: "SELECT 1", expected: true},
		{name: "CTE", query: "WITH x AS (SELECT 1) SELECT * FROM x", expected: true},
		{name: "Leading whitespace", query: "\n  select 1", expected: true},
		{name: "Pragma", query: "PRAGMA table_info(t)", expected: true},
		{name: "Insert", query: "INSERT INTO t VALUES (1)", expected: false},
		{name: "Empty", query: "   ", expected: false},
		{name: "Line comment then select", query: "-- latest people\nSELECT id FROM people", expected: true},
		{name: "Block comment then select", query: "/* hint */ SELECT 1", expected: true},
		{name: "Stacked comments", query: "-- a\n/* b */\n-- c\nWITH x AS (SELECT 1) SELECT * FROM x", expected: true},
		{name: "Line comment then insert", query: "-- note\nINSERT INTO t VALUES (1)", expected: false},
		{name: "Comment only", query: "-- nothing here", expected: false},
		{name: "Unterminated block comment", query: "/* dangling", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, stmtReturnsRows(tt.query))
		})
	}
}
