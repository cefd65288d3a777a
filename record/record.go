package record

import (
	"fmt"
	"reflect"
	"strings"
)

// Record is one row of data: a value slice plus a reference to a Schema that
// is usually shared with every other row of the same result set. Values may
// be replaced freely; adding or removing a column detaches the row onto a
// private schema so siblings are unaffected.
type Record struct {
	schema *Schema
	values []any
	owned  bool
}

// New builds a record over a shared schema. The value count must match the
// schema width.
func New(schema *Schema, values []any) (*Record, error) {
	if len(values) != schema.Len() {
		return nil, fmt.Errorf("record: %d values for %d columns", len(values), schema.Len())
	}
	return &Record{schema: schema, values: values}, nil
}

// FromPairs builds a single detached record from parallel name and value
// slices. Intended for tests and ad hoc rows; result sets should share one
// schema through New.
func FromPairs(names []string, values []any) (*Record, error) {
	r, err := New(NewSchema(names), values)
	if err != nil {
		return nil, err
	}
	r.owned = true
	return r, nil
}

// FromMap builds a detached record with the map's keys as schema, in the
// given key order.
func FromMap(keys []string, m map[string]any) (*Record, error) {
	values := make([]any, len(keys))
	for i, k := range keys {
		values[i] = m[k]
	}
	return FromPairs(keys, values)
}

// Schema returns the record's schema.
func (r *Record) Schema() *Schema { return r.schema }

// Len returns the number of columns.
func (r *Record) Len() int { return len(r.values) }

// At returns the value at position i.
func (r *Record) At(i int) any { return r.values[i] }

// SetAt replaces the value at position i.
func (r *Record) SetAt(i int, v any) { r.values[i] = v }

// Slice returns the values in [i, j).
func (r *Record) Slice(i, j int) []any {
	out := make([]any, j-i)
	copy(out, r.values[i:j])
	return out
}

// Get returns the value for key, matching the original name first and the
// normalized name second.
func (r *Record) Get(key string) (any, error) {
	i, ok := r.schema.Index(key)
	if !ok {
		return nil, &KeyError{Key: key}
	}
	return r.values[i], nil
}

// GetDefault returns the value for key, or def when the key is absent.
func (r *Record) GetDefault(key string, def any) any {
	if i, ok := r.schema.Index(key); ok {
		return r.values[i]
	}
	return def
}

// Has reports whether key resolves to a column.
func (r *Record) Has(key string) bool {
	_, ok := r.schema.Index(key)
	return ok
}

// Set replaces the value for an existing key, or appends a new column when
// the key is unknown. Appending detaches the record from a shared schema.
func (r *Record) Set(key string, v any) {
	if i, ok := r.schema.Index(key); ok {
		r.values[i] = v
		return
	}
	r.detach()
	r.schema = r.schema.extend(key)
	r.values = append(r.values, v)
}

// Delete removes a column by key, detaching the record from a shared schema.
func (r *Record) Delete(key string) error {
	i, ok := r.schema.Index(key)
	if !ok {
		return &KeyError{Key: key}
	}
	r.detach()
	r.schema = r.schema.remove(i)
	r.values = append(r.values[:i], r.values[i+1:]...)
	return nil
}

func (r *Record) detach() {
	if r.owned {
		return
	}
	values := make([]any, len(r.values))
	copy(values, r.values)
	r.values = values
	r.owned = true
}

// Keys returns the column names in position order, original or normalized.
func (r *Record) Keys(normalized bool) []string {
	if normalized {
		return r.schema.Normalized()
	}
	return r.schema.Names()
}

// Values returns the values in position order.
func (r *Record) Values() []any {
	out := make([]any, len(r.values))
	copy(out, r.values)
	return out
}

// ToMap returns an original-name to value mapping.
func (r *Record) ToMap() map[string]any {
	out := make(map[string]any, len(r.values))
	for i, name := range r.schema.names {
		out[name] = r.values[i]
	}
	return out
}

// Equal reports value-and-name-wise equality.
func (r *Record) Equal(other *Record) bool {
	if other == nil || r.Len() != other.Len() {
		return false
	}
	for i := range r.values {
		if r.schema.names[i] != other.schema.names[i] {
			return false
		}
		if !reflect.DeepEqual(r.values[i], other.values[i]) {
			return false
		}
	}
	return true
}

func (r *Record) String() string {
	var b strings.Builder
	b.WriteString("Record{")
	for i, name := range r.schema.names {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %v", name, r.values[i])
	}
	b.WriteString("}")
	return b.String()
}

// KeyError reports a key that resolves to no column.
type KeyError struct {
	Key string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("record: no column %q", e.Key)
}
