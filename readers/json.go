package readers

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/scottrbailey/dbtk/record"
)

// JSONReader streams a JSON array of objects as records. Nested objects are
// flattened with dot notation, arrays stay as values, and the schema is the
// union of flattened keys in document order.
type JSONReader struct {
	rows []map[string]any
	keys []string
	opts options

	schema *record.Schema
	pos    int
	rownum int
	read   int
}

// NewJSON parses the whole array up front; the schema needs every object's
// keys.
func NewJSON(r io.Reader, opts ...Option) (*JSONReader, error) {
	jr := &JSONReader{opts: buildOptions(opts)}
	if err := jr.parse(r); err != nil {
		return nil, err
	}
	headers := jr.keys
	if !jr.opts.noRownum {
		headers = append(append([]string{}, headers...), rownumField)
	}
	jr.schema = record.NewSchema(headers)
	return jr, nil
}

// OpenJSON opens and parses a file.
func OpenJSON(path string, opts ...Option) (*JSONReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewJSON(f, opts...)
}

func (j *JSONReader) parse(r io.Reader) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("readers: invalid JSON: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return fmt.Errorf("readers: JSON stream must be an array of objects")
	}

	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("readers: invalid JSON: %w", err)
		}
		if d, ok := tok.(json.Delim); !ok || d != '{' {
			return fmt.Errorf("readers: JSON array elements must be objects")
		}
		keys, flat, err := decodeObject(dec, "")
		if err != nil {
			return fmt.Errorf("readers: invalid JSON: %w", err)
		}
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				j.keys = append(j.keys, k)
			}
		}
		j.rows = append(j.rows, flat)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("readers: invalid JSON: %w", err)
	}
	if len(j.rows) == 0 {
		return fmt.Errorf("readers: JSON array is empty")
	}
	return nil
}

// decodeObject walks an object whose opening brace is already consumed,
// flattening nested objects with dot notation while preserving key order.
func decodeObject(dec *json.Decoder, prefix string) ([]string, map[string]any, error) {
	var keys []string
	flat := make(map[string]any)

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("readers: malformed JSON object key")
		}
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}

		val, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		if d, ok := val.(json.Delim); ok {
			switch d {
			case '{':
				subKeys, subFlat, err := decodeObject(dec, full)
				if err != nil {
					return nil, nil, err
				}
				keys = append(keys, subKeys...)
				for k, v := range subFlat {
					flat[k] = v
				}
			case '[':
				arr, err := decodeArray(dec)
				if err != nil {
					return nil, nil, err
				}
				keys = append(keys, full)
				flat[full] = arr
			}
			continue
		}
		keys = append(keys, full)
		flat[full] = normalizeScalar(val)
	}
	// closing brace
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return keys, flat, nil
}

// decodeArray reads an array whose opening bracket is already consumed.
// Elements keep their structure; nested objects are not flattened.
func decodeArray(dec *json.Decoder) ([]any, error) {
	var out []any
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{':
				_, flat, err := decodeObject(dec, "")
				if err != nil {
					return nil, err
				}
				out = append(out, flat)
			case '[':
				nested, err := decodeArray(dec)
				if err != nil {
					return nil, err
				}
				out = append(out, nested)
			}
			continue
		}
		out = append(out, normalizeScalar(tok))
	}
	// closing bracket
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}

// normalizeScalar converts json.Number to int64 when possible, float64
// otherwise.
func normalizeScalar(v any) any {
	num, ok := v.(json.Number)
	if !ok {
		return v
	}
	if n, err := num.Int64(); err == nil {
		return n
	}
	if f, err := num.Float64(); err == nil {
		return f
	}
	return num.String()
}

// Columns returns the normalized column names.
func (j *JSONReader) Columns() []string {
	return j.schema.Normalized()
}

// Next returns the next record, or nil at end of stream.
func (j *JSONReader) Next() (*record.Record, error) {
	for j.pos < len(j.rows) {
		if j.opts.limit >= 0 && j.read >= j.opts.limit {
			return nil, nil
		}
		row := j.rows[j.pos]
		j.pos++
		j.rownum++
		if j.rownum <= j.opts.skip {
			continue
		}
		j.read++
		return j.makeRecord(row)
	}
	return nil, nil
}

func (j *JSONReader) makeRecord(row map[string]any) (*record.Record, error) {
	n := j.schema.Len()
	values := make([]any, n)
	for i, key := range j.keys {
		values[i] = row[key]
	}
	if !j.opts.noRownum {
		values[n-1] = j.rownum
	}
	return record.New(j.schema, values)
}
