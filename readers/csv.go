package readers

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/scottrbailey/dbtk/record"
)

// CSVReader streams a delimited file as records. Headers come from the first
// row unless supplied; short rows are padded with nil and long rows
// truncated.
type CSVReader struct {
	r      *csv.Reader
	closer io.Closer
	opts   options

	schema *record.Schema
	width  int
	rownum int
	read   int
	done   bool
}

// NewCSV wraps an open stream. The header row is consumed immediately.
func NewCSV(r io.Reader, opts ...Option) (*CSVReader, error) {
	cr := &CSVReader{r: csv.NewReader(r), opts: buildOptions(opts)}
	cr.r.Comma = cr.opts.delimiter
	cr.r.FieldsPerRecord = -1
	if err := cr.initSchema(); err != nil {
		return nil, err
	}
	return cr, nil
}

// OpenCSV opens a file and wraps it; Close releases the file.
func OpenCSV(path string, opts ...Option) (*CSVReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	cr, err := NewCSV(f, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	cr.closer = f
	return cr, nil
}

func (c *CSVReader) initSchema() error {
	headers := c.opts.headers
	if headers == nil {
		row, err := c.r.Read()
		if err == io.EOF {
			return fmt.Errorf("readers: csv stream has no header row")
		}
		if err != nil {
			return err
		}
		headers = row
	}
	c.width = len(headers)
	if !c.opts.noRownum {
		headers = append(append([]string{}, headers...), rownumField)
	}
	c.schema = record.NewSchema(headers)
	return nil
}

// Columns returns the normalized column names.
func (c *CSVReader) Columns() []string {
	return c.schema.Normalized()
}

// Next returns the next record, or nil at end of stream.
func (c *CSVReader) Next() (*record.Record, error) {
	if c.done {
		return nil, nil
	}
	for {
		if c.opts.limit >= 0 && c.read >= c.opts.limit {
			c.done = true
			return nil, nil
		}
		row, err := c.r.Read()
		if err == io.EOF {
			c.done = true
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		c.rownum++
		if c.rownum <= c.opts.skip {
			continue
		}
		c.read++
		return c.makeRecord(row)
	}
}

func (c *CSVReader) makeRecord(row []string) (*record.Record, error) {
	n := c.schema.Len()
	values := make([]any, n)
	for i := 0; i < c.width; i++ {
		if i < len(row) {
			values[i] = row[i]
		}
	}
	if !c.opts.noRownum {
		values[n-1] = c.rownum
	}
	return record.New(c.schema, values)
}

// Close releases the underlying file when the reader opened it.
func (c *CSVReader) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}
