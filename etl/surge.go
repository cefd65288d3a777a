package etl

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scottrbailey/dbtk/database"
	"github.com/scottrbailey/dbtk/record"
)

// TxMode controls how a surge run uses transactions.
type TxMode int

const (
	// TxNone runs in autocommit.
	TxNone TxMode = iota
	// TxPerRun wraps the whole run in one transaction.
	TxPerRun
	// TxPerBatch wraps each batch, limiting how much a late failure undoes.
	TxPerBatch
)

// ErrorPolicy decides what a row or batch failure does to the run.
type ErrorPolicy int

const (
	// AbortOnError stops the run at the first database failure.
	AbortOnError ErrorPolicy = iota
	// ContinueOnError isolates failures to single rows, counts them, and
	// keeps going.
	ContinueOnError
)

// Progress is emitted after every flushed batch and once more at the end of
// a run.
type Progress struct {
	Op        Op
	Processed int
	Applied   int
	Errors    int
	Skipped   int
	Done      bool
}

// Result summarizes a surge run. Processed always equals
// Applied + Errors + Skipped.
type Result struct {
	Processed int
	Applied   int
	Errors    int
	Skipped   int
}

// RecordSource yields source records one at a time; nil with a nil error
// marks the end. Readers and cursors both satisfy it.
type RecordSource interface {
	Next() (*record.Record, error)
}

type sliceSource struct {
	recs []*record.Record
	pos  int
}

// NewSliceSource adapts an in-memory slice to a RecordSource.
func NewSliceSource(recs []*record.Record) RecordSource {
	return &sliceSource{recs: recs}
}

func (s *sliceSource) Next() (*record.Record, error) {
	if s.pos >= len(s.recs) {
		return nil, nil
	}
	rec := s.recs[s.pos]
	s.pos++
	return rec, nil
}

// Surge drives bulk DML through a Table: batching, transaction scoping,
// error isolation, and a temp-table strategy for MERGE dialects. The table's
// state is consumed while a run is in flight, so a table belongs to one
// surge at a time.
type Surge struct {
	table *Table

	// BatchSize is how many rows accumulate before a flush.
	BatchSize int
	// TxMode scopes transactions around the run or its batches.
	TxMode TxMode
	// OnError picks between aborting and row-level isolation.
	OnError ErrorPolicy
	// Progress, when set, receives a snapshot after every flush.
	Progress func(Progress)

	log *logrus.Entry
}

// NewSurge wraps a table for bulk operation with defaults: batches of 1000,
// autocommit, abort on first error.
func NewSurge(t *Table) *Surge {
	return &Surge{
		table:     t,
		BatchSize: 1000,
		log:       logrus.WithField("table", t.Name()),
	}
}

// Table returns the wrapped table.
func (s *Surge) Table() *Table { return s.table }

// Insert bulk-inserts every ready record from the source.
func (s *Surge) Insert(src RecordSource) (Result, error) { return s.run(OpInsert, src) }

// Update bulk-updates every ready record from the source.
func (s *Surge) Update(src RecordSource) (Result, error) { return s.run(OpUpdate, src) }

// Delete bulk-deletes by key for every record carrying its keys.
func (s *Surge) Delete(src RecordSource) (Result, error) { return s.run(OpDelete, src) }

// Merge upserts every ready record. Dialects with a native single-statement
// upsert run it row-wise; MERGE dialects stage batches through a session
// temp table.
func (s *Surge) Merge(src RecordSource) (Result, error) {
	if s.table.dialect().MergeStrategy() == database.MergeUpsert {
		return s.run(OpMerge, src)
	}
	return s.mergeWithTempTable(src)
}

func (s *Surge) batchSize() int {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return 1000
}

func (s *Surge) emit(op Op, res Result, done bool) {
	if s.Progress == nil {
		return
	}
	s.Progress(Progress{
		Op:        op,
		Processed: res.Processed,
		Applied:   res.Applied,
		Errors:    res.Errors,
		Skipped:   res.Skipped,
		Done:      done,
	})
}

// collect pulls up to batchSize ready payloads from the source, counting
// transform failures and incomplete records along the way. A nil slice with
// no error means the source is drained.
func (s *Surge) collect(op Op, src RecordSource, res *Result) ([]map[string]any, error) {
	t := s.table
	batch := make([]map[string]any, 0, s.batchSize())
	for len(batch) < s.batchSize() {
		rec, err := src.Next()
		if err != nil {
			return batch, fmt.Errorf("etl: reading source for %s %s: %w", op, t.Name(), err)
		}
		if rec == nil {
			break
		}
		res.Processed++

		if err := t.SetValues(rec); err != nil {
			res.Errors++
			t.Counts.Errors++
			s.log.WithField("op", op.String()).Warnf("record rejected: %v", err)
			if s.OnError == AbortOnError {
				return batch, err
			}
			continue
		}
		if !t.IsReady(op) {
			res.Skipped++
			t.Counts.Incomplete++
			s.log.WithField("op", op.String()).Infof("skipped record: missing %v", t.ReqsMissing())
			continue
		}
		batch = append(batch, t.BindParams(op))
	}
	if len(batch) == 0 {
		return nil, nil
	}
	return batch, nil
}

func (s *Surge) run(op Op, src RecordSource) (Result, error) {
	t := s.table
	stmt, err := t.statement(op)
	if err != nil {
		return Result{}, err
	}

	var res Result
	cursor := t.Cursor()

	if s.TxMode == TxPerRun {
		if err := cursor.Begin(); err != nil {
			return res, err
		}
	}
	runErr := s.runBatches(op, stmt, src, &res)
	if s.TxMode == TxPerRun {
		if runErr != nil {
			if rbErr := cursor.Rollback(); rbErr != nil {
				s.log.Warnf("rollback failed: %v", rbErr)
			}
		} else if runErr = cursor.Commit(); runErr != nil {
			res.Errors += res.Applied
			res.Applied = 0
		}
	}
	s.emit(op, res, true)
	s.log.WithFields(logrus.Fields{
		"op": op.String(), "applied": res.Applied, "errors": res.Errors, "skipped": res.Skipped,
	}).Info("surge finished")
	return res, runErr
}

func (s *Surge) runBatches(op Op, stmt *database.PreparedStatement, src RecordSource, res *Result) error {
	for {
		batch, err := s.collect(op, src, res)
		if err != nil {
			return err
		}
		if batch == nil {
			return nil
		}
		if err := s.flush(op, stmt, batch, res); err != nil {
			return err
		}
		s.emit(op, *res, false)
	}
}

// flush executes one batch. Under TxPerBatch a failed batch rolls back and,
// with ContinueOnError, is retried row by row in autocommit so one bad row
// cannot sink its batch.
func (s *Surge) flush(op Op, stmt *database.PreparedStatement, batch []map[string]any, res *Result) error {
	t := s.table
	cursor := t.Cursor()

	if s.TxMode == TxPerBatch {
		if err := cursor.Begin(); err != nil {
			return err
		}
		before, countsBefore := *res, t.Counts
		if err := s.execRows(op, stmt, batch, res, false); err != nil {
			if rbErr := cursor.Rollback(); rbErr != nil {
				s.log.Warnf("rollback failed: %v", rbErr)
			}
			if s.OnError == AbortOnError {
				return err
			}
			// the rollback undid the rows already applied; reset their counts
			// and retry outside the dead transaction so one bad row only
			// costs itself
			*res, t.Counts = before, countsBefore
			return s.execRows(op, stmt, batch, res, true)
		}
		return cursor.Commit()
	}
	return s.execRows(op, stmt, batch, res, s.OnError == ContinueOnError)
}

// execRows executes payloads one by one. With isolate set, failures only
// cost their own row.
func (s *Surge) execRows(op Op, stmt *database.PreparedStatement, batch []map[string]any, res *Result, isolate bool) error {
	t := s.table
	for _, payload := range batch {
		if _, err := stmt.Execute(payload); err != nil {
			if !isolate {
				return err
			}
			res.Errors++
			t.Counts.Errors++
			s.log.WithField("op", op.String()).Warnf("row failed: %v", err)
			continue
		}
		res.Applied++
		t.Counts.add(op, 1)
	}
	return nil
}

// mergeWithTempTable stages batches into a session temp table and merges
// from it, for dialects whose only upsert is a MERGE statement. The temp
// table is dropped on success and failure alike.
func (s *Surge) mergeWithTempTable(src RecordSource) (Result, error) {
	t := s.table
	cursor := t.Cursor()
	d := t.dialect()

	// a session temp table only exists on the connection that created it;
	// pin the cursor so staging, merge, and cleanup share that connection
	if err := cursor.Pin(); err != nil {
		return Result{}, err
	}
	defer func() {
		if err := cursor.Unpin(); err != nil {
			s.log.Warnf("failed to release pinned connection: %v", err)
		}
	}()

	tempName := fmt.Sprintf("%s_%d", d.TempTableName(t.Name()), time.Now().Unix())
	if err := cursor.Execute(d.CreateTempTableSQL(tempName, t.quotedName()), nil); err != nil {
		return Result{}, fmt.Errorf("etl: creating temp table %s: %w", tempName, err)
	}
	defer func() {
		if err := cursor.Execute(d.DropTempTableSQL(tempName), nil); err != nil {
			s.log.Warnf("failed to drop temp table %s: %v", tempName, err)
		}
	}()

	mergeSQL, err := t.mergeStatementSQL(tempName)
	if err != nil {
		return Result{}, err
	}
	staging := t.cloneAs(tempName)
	defer staging.Close()
	insertStmt, err := staging.statement(OpInsert)
	if err != nil {
		return Result{}, err
	}

	var res Result
	if s.TxMode == TxPerRun {
		if err := cursor.Begin(); err != nil {
			return res, err
		}
	}
	runErr := s.mergeBatches(src, insertStmt, mergeSQL, tempName, &res)
	if s.TxMode == TxPerRun {
		if runErr != nil {
			if rbErr := cursor.Rollback(); rbErr != nil {
				s.log.Warnf("rollback failed: %v", rbErr)
			}
		} else {
			runErr = cursor.Commit()
		}
	}
	s.emit(OpMerge, res, true)
	s.log.WithFields(logrus.Fields{
		"op": "merge", "applied": res.Applied, "errors": res.Errors, "skipped": res.Skipped,
	}).Info("surge finished")
	return res, runErr
}

func (s *Surge) mergeBatches(src RecordSource, insertStmt *database.PreparedStatement, mergeSQL, tempName string, res *Result) error {
	t := s.table
	cursor := t.Cursor()
	d := t.dialect()

	for {
		batch, err := s.collect(OpMerge, src, res)
		if err != nil {
			return err
		}
		if batch == nil {
			return nil
		}

		perBatch := s.TxMode == TxPerBatch
		if perBatch {
			if err := cursor.Begin(); err != nil {
				return err
			}
		}
		before, countsBefore := *res, t.Counts
		batchErr := func() error {
			staged := 0
			for _, payload := range batch {
				if _, err := insertStmt.Execute(payload); err != nil {
					return fmt.Errorf("staging into %s: %w", tempName, err)
				}
				staged++
			}
			if err := cursor.Execute(mergeSQL, nil); err != nil {
				return fmt.Errorf("merge from %s: %w", tempName, err)
			}
			res.Applied += staged
			t.Counts.Merge += staged
			return cursor.Execute(d.TruncateSQL(tempName), nil)
		}()
		if perBatch {
			if batchErr != nil {
				if rbErr := cursor.Rollback(); rbErr != nil {
					s.log.Warnf("rollback failed: %v", rbErr)
				}
			} else {
				batchErr = cursor.Commit()
			}
		}
		if batchErr != nil {
			if s.OnError == AbortOnError {
				return batchErr
			}
			// a failed batch counts wholly as errors, not as applied
			*res, t.Counts = before, countsBefore
			res.Errors += len(batch)
			t.Counts.Errors += len(batch)
			s.log.Warnf("merge batch failed: %v", batchErr)
			if !perBatch {
				// the staged rows are in an unknown state; clear them so the
				// next batch merges cleanly
				if err := cursor.Execute(d.TruncateSQL(tempName), nil); err != nil {
					return err
				}
			}
		}
		s.emit(OpMerge, *res, false)
	}
}

// cloneAs shares the compiled columns under a different target name, with
// fresh statement caches and counters. Used for temp-table staging.
func (t *Table) cloneAs(name string) *Table {
	clone := &Table{
		name:           name,
		cursor:         t.cursor,
		columns:        t.columns,
		byBind:         t.byBind,
		keys:           t.keys,
		sentinels:      t.sentinels,
		updateExcludes: t.updateExcludes,
		values:         make(map[string]any),
		sqlCache:       make(map[Op]string),
		stmts:          make(map[Op]*database.PreparedStatement),
		log:            logrus.WithField("table", name),
	}
	return clone
}
