package etl

import (
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottrbailey/dbtk/database"
	"github.com/scottrbailey/dbtk/database/mssql"
	"github.com/scottrbailey/dbtk/database/mysql"
	"github.com/scottrbailey/dbtk/record"
)

const peopleInsertQMark = "INSERT INTO people (id, name, email, updated)\n" +
	"VALUES (?, ?, ?, current_timestamp)"

func peopleRecords(t *testing.T, n int) []*record.Record {
	t.Helper()
	out := make([]*record.Record, n)
	for i := range out {
		out[i] = mustRecord(t,
			[]string{"id", "name", "email"},
			[]any{i + 1, fmt.Sprintf("person %d", i+1), nil})
	}
	return out
}

func TestSurgeInsertBatches(t *testing.T) {
	table, mock := peopleTable(t, mysql.Dialect{})

	prep := mock.ExpectPrepare(peopleInsertQMark)
	for i := 1; i <= 5; i++ {
		prep.ExpectExec().WithArgs(i, fmt.Sprintf("person %d", i), nil).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	surge := NewSurge(table)
	surge.BatchSize = 2

	var progress []Progress
	surge.Progress = func(p Progress) { progress = append(progress, p) }

	res, err := surge.Insert(NewSliceSource(peopleRecords(t, 5)))
	require.NoError(t, err)

	assert.Equal(t, Result{Processed: 5, Applied: 5}, res)
	assert.Equal(t, 5, table.Counts.Insert)
	assert.Equal(t, res.Processed, res.Applied+res.Errors+res.Skipped)

	// one snapshot per flushed batch plus the final one
	require.Len(t, progress, 4)
	assert.False(t, progress[0].Done)
	assert.Equal(t, 2, progress[0].Applied)
	last := progress[len(progress)-1]
	assert.True(t, last.Done)
	assert.Equal(t, 5, last.Applied)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSurgeSkipsNotReady(t *testing.T) {
	table, mock := peopleTable(t, mysql.Dialect{})

	prep := mock.ExpectPrepare(peopleInsertQMark)
	prep.ExpectExec().WithArgs(1, "person 1", nil).WillReturnResult(sqlmock.NewResult(0, 1))

	recs := []*record.Record{
		mustRecord(t, []string{"id", "name", "email"}, []any{1, "person 1", nil}),
		// missing required name
		mustRecord(t, []string{"id", "name", "email"}, []any{2, nil, nil}),
	}

	surge := NewSurge(table)
	res, err := surge.Insert(NewSliceSource(recs))
	require.NoError(t, err)

	assert.Equal(t, Result{Processed: 2, Applied: 1, Skipped: 1}, res)
	assert.Equal(t, 1, table.Counts.Incomplete)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSurgeTransformErrorPolicies(t *testing.T) {
	newIntTable := func(t *testing.T) (*Table, sqlmock.Sqlmock) {
		cursor, mock := mockCursor(t, mysql.Dialect{})
		table, err := NewTable("nums", cursor, []ColumnDef{
			{Name: "n", Field: "n", Key: true, Transforms: []any{"int"}},
		})
		require.NoError(t, err)
		return table, mock
	}

	recs := func(t *testing.T) []*record.Record {
		return []*record.Record{
			mustRecord(t, []string{"n"}, []any{"1"}),
			mustRecord(t, []string{"n"}, []any{"oops"}),
			mustRecord(t, []string{"n"}, []any{"3"}),
		}
	}

	t.Run("AbortOnError", func(t *testing.T) {
		table, mock := newIntTable(t)
		mock.ExpectPrepare("INSERT INTO nums (n)\nVALUES (?)")

		surge := NewSurge(table)
		_, err := surge.Insert(NewSliceSource(recs(t)))
		var terr *TransformError
		require.ErrorAs(t, err, &terr)
	})

	t.Run("ContinueOnError", func(t *testing.T) {
		table, mock := newIntTable(t)
		prep := mock.ExpectPrepare("INSERT INTO nums (n)\nVALUES (?)")
		prep.ExpectExec().WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
		prep.ExpectExec().WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))

		surge := NewSurge(table)
		surge.OnError = ContinueOnError
		res, err := surge.Insert(NewSliceSource(recs(t)))
		require.NoError(t, err)
		assert.Equal(t, Result{Processed: 3, Applied: 2, Errors: 1}, res)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSurgeRowFailureIsolation(t *testing.T) {
	table, mock := peopleTable(t, mysql.Dialect{})

	prep := mock.ExpectPrepare(peopleInsertQMark)
	prep.ExpectExec().WithArgs(1, "person 1", nil).WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs(2, "person 2", nil).WillReturnError(fmt.Errorf("duplicate key"))
	prep.ExpectExec().WithArgs(3, "person 3", nil).WillReturnResult(sqlmock.NewResult(0, 1))

	surge := NewSurge(table)
	surge.OnError = ContinueOnError

	res, err := surge.Insert(NewSliceSource(peopleRecords(t, 3)))
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 3, Applied: 2, Errors: 1}, res)
	assert.Equal(t, 1, table.Counts.Errors)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSurgeAbortOnDatabaseError(t *testing.T) {
	table, mock := peopleTable(t, mysql.Dialect{})

	prep := mock.ExpectPrepare(peopleInsertQMark)
	prep.ExpectExec().WithArgs(1, "person 1", nil).WillReturnError(fmt.Errorf("table locked"))

	surge := NewSurge(table)
	_, err := surge.Insert(NewSliceSource(peopleRecords(t, 3)))
	assert.ErrorContains(t, err, "table locked")
}

func TestSurgeTxPerRun(t *testing.T) {
	table, mock := peopleTable(t, mysql.Dialect{})

	mock.ExpectPrepare(peopleInsertQMark)
	mock.ExpectBegin()
	// one rebind into the transaction serves every row
	txPrep := mock.ExpectPrepare(peopleInsertQMark)
	for i := 1; i <= 2; i++ {
		txPrep.ExpectExec().WithArgs(i, fmt.Sprintf("person %d", i), nil).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	surge := NewSurge(table)
	surge.TxMode = TxPerRun

	res, err := surge.Insert(NewSliceSource(peopleRecords(t, 2)))
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 2, Applied: 2}, res)
	assert.False(t, table.Cursor().InTransaction())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSurgeTxPerBatchRetriesRowByRow(t *testing.T) {
	table, mock := peopleTable(t, mysql.Dialect{})

	mock.ExpectPrepare(peopleInsertQMark)
	mock.ExpectBegin()
	// in-transaction attempt: row 1 lands, row 2 kills the batch
	txPrep := mock.ExpectPrepare(peopleInsertQMark)
	txPrep.ExpectExec().WithArgs(1, "person 1", nil).WillReturnResult(sqlmock.NewResult(0, 1))
	txPrep.ExpectExec().WithArgs(2, "person 2", nil).WillReturnError(fmt.Errorf("bad row"))
	mock.ExpectRollback()
	// isolated retry in autocommit reuses the connection-level statement
	mock.ExpectExec(peopleInsertQMark).WithArgs(1, "person 1", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(peopleInsertQMark).WithArgs(2, "person 2", nil).
		WillReturnError(fmt.Errorf("bad row"))

	surge := NewSurge(table)
	surge.TxMode = TxPerBatch
	surge.OnError = ContinueOnError

	res, err := surge.Insert(NewSliceSource(peopleRecords(t, 2)))
	require.NoError(t, err)
	// the rolled-back success is not double counted
	assert.Equal(t, Result{Processed: 2, Applied: 1, Errors: 1}, res)
	assert.Equal(t, 1, table.Counts.Insert)
	assert.Equal(t, res.Processed, res.Applied+res.Errors+res.Skipped)
}

func TestSurgeMergeUpsert(t *testing.T) {
	table, mock := peopleTable(t, mysql.Dialect{})

	upsert := "INSERT INTO people (id, name, email, updated)\n" +
		"VALUES (?, ?, ?, current_timestamp) AS new_vals\n" +
		"ON DUPLICATE KEY UPDATE name = new_vals.name, email = new_vals.email, updated = current_timestamp"
	prep := mock.ExpectPrepare(upsert)
	prep.ExpectExec().WithArgs(1, "person 1", nil).WillReturnResult(sqlmock.NewResult(0, 2))

	surge := NewSurge(table)
	res, err := surge.Merge(NewSliceSource(peopleRecords(t, 1)))
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Applied: 1}, res)
	assert.Equal(t, 1, table.Counts.Merge)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// SQL Server has no single-statement upsert, so merges stage batches through
// a session temp table.
func TestSurgeMergeTempTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	cursor := database.New(db, mssql.Dialect{}, "testdb").Cursor()

	table, err := NewTable("people", cursor, peopleDefs())
	require.NoError(t, err)

	// default regexp matcher: the temp table name carries a timestamp
	mock.ExpectQuery(`SELECT \* INTO #tmp_people_\d+ FROM people WHERE 1 = 0`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectPrepare(`INSERT INTO #tmp_people_\d+`)
	mock.ExpectExec(`INSERT INTO #tmp_people_\d+`).WithArgs(
		sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`MERGE INTO people t`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`TRUNCATE TABLE #tmp_people_\d+`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DROP TABLE #tmp_people_\d+`).WillReturnResult(sqlmock.NewResult(0, 0))

	surge := NewSurge(table)
	// the staged run holds one connection so the temp table stays visible
	surge.Progress = func(p Progress) {
		if !p.Done {
			assert.True(t, cursor.Pinned())
		}
	}
	res, err := surge.Merge(NewSliceSource(peopleRecords(t, 1)))
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Applied: 1}, res)
	assert.Equal(t, 1, table.Counts.Merge)
	assert.False(t, cursor.Pinned())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSliceSource(t *testing.T) {
	src := NewSliceSource(peopleRecords(t, 2))
	for i := 0; i < 2; i++ {
		rec, err := src.Next()
		require.NoError(t, err)
		require.NotNil(t, rec)
	}
	rec, err := src.Next()
	require.NoError(t, err)
	assert.Nil(t, rec)
}
