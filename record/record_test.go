package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "Lowercases",
			input:    "FirstName",
			expected: "firstname",
		},
		{
			name:     "Collapses separator runs",
			input:    "First  Name--(Legal)",
			expected: "first_name_legal",
		},
		{
			name:     "Trims trailing separators",
			input:    "Amount ($)",
			expected: "amount",
		},
		{
			name:     "Prefixes leading digit",
			input:    "2nd Address",
			expected: "col_2nd_address",
		},
		{
			name:     "Empty stays empty",
			input:    "---",
			expected: "",
		},
		{
			name:     "Idempotent",
			input:    "col_2nd_address",
			expected: "col_2nd_address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Normalize(tt.input))
		})
	}
}

func TestNewSchemaCollisions(t *testing.T) {
	s := NewSchema([]string{"Name", "name", "NAME ", "", "2x"})
	assert.Equal(t, []string{"name", "name_2", "name_3", "column_4", "col_2x"}, s.Normalized())

	// exact original name wins over normalized
	i, ok := s.Index("Name")
	require.True(t, ok)
	assert.Equal(t, 0, i)
	i, ok = s.Index("name_3")
	require.True(t, ok)
	assert.Equal(t, 2, i)
}

func TestRecordAccess(t *testing.T) {
	rec, err := FromPairs([]string{"Student ID", "Last Name"}, []any{42, "Diaz"})
	require.NoError(t, err)

	v, err := rec.Get("student_id")
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = rec.Get("Last Name")
	require.NoError(t, err)
	assert.Equal(t, "Diaz", v)

	_, err = rec.Get("missing")
	var keyErr *KeyError
	require.ErrorAs(t, err, &keyErr)
	assert.Equal(t, "missing", keyErr.Key)

	assert.Equal(t, "unknown", rec.GetDefault("missing", "unknown"))
	assert.True(t, rec.Has("last_name"))
	assert.False(t, rec.Has("first_name"))
}

func TestRecordWidthMismatch(t *testing.T) {
	_, err := New(NewSchema([]string{"a", "b"}), []any{1})
	assert.Error(t, err)
}

func TestRecordSetDetaches(t *testing.T) {
	schema := NewSchema([]string{"id", "name"})
	r1, err := New(schema, []any{1, "a"})
	require.NoError(t, err)
	r2, err := New(schema, []any{2, "b"})
	require.NoError(t, err)

	// replacing a value does not detach
	r1.Set("name", "z")
	assert.Same(t, schema, r1.Schema())

	// appending a column detaches only the mutated row
	r1.Set("email", "z@example.com")
	assert.NotSame(t, schema, r1.Schema())
	assert.Equal(t, 3, r1.Len())
	assert.Equal(t, 2, r2.Len())
	assert.Same(t, schema, r2.Schema())

	v, err := r1.Get("email")
	require.NoError(t, err)
	assert.Equal(t, "z@example.com", v)
}

func TestRecordDelete(t *testing.T) {
	schema := NewSchema([]string{"id", "name", "email"})
	r1, err := New(schema, []any{1, "a", "a@x"})
	require.NoError(t, err)
	r2, err := New(schema, []any{2, "b", "b@x"})
	require.NoError(t, err)

	require.NoError(t, r1.Delete("name"))
	assert.Equal(t, []string{"id", "email"}, r1.Keys(false))
	assert.Equal(t, []any{1, "a@x"}, r1.Values())

	// sibling untouched
	assert.Equal(t, []any{2, "b", "b@x"}, r2.Values())

	err = r1.Delete("name")
	assert.Error(t, err)
}

func TestFromMapAndToMap(t *testing.T) {
	rec, err := FromMap([]string{"id", "name"}, map[string]any{"id": 7, "name": "x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": 7, "name": "x"}, rec.ToMap())
}

func TestRecordEqual(t *testing.T) {
	a, _ := FromPairs([]string{"id"}, []any{1})
	b, _ := FromPairs([]string{"id"}, []any{1})
	c, _ := FromPairs([]string{"id"}, []any{2})
	d, _ := FromPairs([]string{"other"}, []any{1})

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(d))
	assert.False(t, a.Equal(nil))
}
