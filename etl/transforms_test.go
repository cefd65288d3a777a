package etl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyTransform(t *testing.T, spec string, v any) any {
	t.Helper()
	fn, err := CompileTransform(spec)
	require.NoError(t, err)
	out, err := fn(v)
	require.NoError(t, err)
	return out
}

func TestCompileTransformScalar(t *testing.T) {
	tests := []struct {
		name     string
		spec     string
		input    any
		expected any
	}{
		{name: "Int from string", spec: "int", input: "42", expected: int64(42)},
		{name: "Int from float string", spec: "int", input: "42.7", expected: int64(42)},
		{name: "Int empty", spec: "int", input: "", expected: nil},
		{name: "Int empty with default", spec: "int:0", input: "", expected: int64(0)},
		{name: "Float", spec: "float", input: "3.25", expected: 3.25},
		{name: "Bool yes", spec: "bool", input: "YES", expected: true},
		{name: "Bool n", spec: "bool", input: "n", expected: false},
		{name: "Digits", spec: "digits", input: "(555) 123-4567", expected: "5551234567"},
		{name: "Number", spec: "number", input: "$-1,234.50", expected: "-1234.50"},
		{name: "Lower", spec: "lower", input: "MiXeD", expected: "mixed"},
		{name: "Upper", spec: "upper", input: "MiXeD", expected: "MIXED"},
		{name: "Strip", spec: "strip", input: "  x  ", expected: "x"},
		{name: "Title from upper", spec: "title", input: "MARY ANNE O'BRIEN-SMITH", expected: "Mary Anne O'Brien-Smith"},
		{name: "Title keeps mixed case", spec: "title", input: "van der Berg", expected: "van der Berg"},
		{name: "Maxlen truncates", spec: "maxlen:5", input: "abcdefgh", expected: "abcde"},
		{name: "Maxlen passes short", spec: "maxlen:5", input: "abc", expected: "abc"},
		{name: "Indicator true", spec: "indicator", input: "yes", expected: "Y"},
		{name: "Indicator false", spec: "indicator", input: "no", expected: nil},
		{name: "Indicator inverted", spec: "indicator:inv", input: "yes", expected: nil},
		{name: "Indicator custom pair", spec: "indicator:A/I", input: "true", expected: "A"},
		{name: "Indicator custom pair false", spec: "indicator:A/I", input: "0", expected: "I"},
		{name: "Nth", spec: "nth:1", input: "a, b, c", expected: "b"},
		{name: "Nth custom delim", spec: "nth:0:|", input: "x|y", expected: "x"},
		{name: "Nth out of range", spec: "nth:5", input: "a,b", expected: nil},
		{name: "Email valid", spec: "email", input: " Bob@Example.COM ", expected: "bob@example.com"},
		{name: "Email invalid", spec: "email", input: "not-an-email", expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, applyTransform(t, tt.spec, tt.input))
		})
	}
}

func TestCompileTransformErrors(t *testing.T) {
	_, err := CompileTransform("frobnicate")
	var uerr *UnknownTransformError
	require.ErrorAs(t, err, &uerr)

	_, err = CompileTransform("maxlen")
	assert.Error(t, err)
	_, err = CompileTransform("maxlen:x")
	assert.Error(t, err)
	_, err = CompileTransform("nth")
	assert.Error(t, err)
	_, err = CompileTransform("int:notanumber")
	assert.Error(t, err)
	_, err = CompileTransform("indicator:bogus")
	assert.Error(t, err)
}

func TestTransformFailures(t *testing.T) {
	intFn, err := CompileTransform("int")
	require.NoError(t, err)
	_, err = intFn("twelve")
	assert.Error(t, err)

	boolFn, err := CompileTransform("bool")
	require.NoError(t, err)
	_, err = boolFn("maybe")
	assert.Error(t, err)
}

func TestSplitTransform(t *testing.T) {
	out := applyTransform(t, "split", "a, b ,c")
	assert.Equal(t, []string{"a", "b", "c"}, out)

	out = applyTransform(t, "split:|", "a|b")
	assert.Equal(t, []string{"a", "b"}, out)

	assert.Nil(t, applyTransform(t, "split", nil))
}

func TestDateTransforms(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Time
	}{
		{name: "ISO", input: "2024-03-15", expected: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
		{name: "Slash", input: "3/15/2024", expected: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
		{name: "Month name", input: "Mar 15, 2024", expected: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
		{name: "Datetime truncates", input: "2024-03-15 10:30:00", expected: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := applyTransform(t, "date", tt.input)
			assert.Equal(t, tt.expected, out)
		})
	}

	fn, err := CompileTransform("date")
	require.NoError(t, err)
	_, err = fn("not a date")
	assert.Error(t, err)
}

func TestDatetimeTransform(t *testing.T) {
	out := applyTransform(t, "datetime", "2024-03-15 10:30:00")
	assert.Equal(t, time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC), out)

	// 10-digit unix timestamp
	out = applyTransform(t, "datetime", "1710498600")
	assert.Equal(t, time.Unix(1710498600, 0).UTC(), out)
}

func TestPhoneTransform(t *testing.T) {
	assert.Equal(t, "(202) 555-0143", applyTransform(t, "phone", "202-555-0143"))
	assert.Equal(t, "+12025550143", applyTransform(t, "phone:e164", "(202) 555-0143"))
	assert.Equal(t, "2025550143", applyTransform(t, "phone:digits", "202.555.0143"))
	// unparseable input passes through untouched
	assert.Equal(t, "n/a", applyTransform(t, "phone", "n/a"))
	assert.Nil(t, applyTransform(t, "phone", ""))
}

func TestCoalesce(t *testing.T) {
	out, err := Coalesce([]any{nil, "", "first", "second"})
	require.NoError(t, err)
	assert.Equal(t, "first", out)

	out, err = Coalesce([]any{nil, ""})
	require.NoError(t, err)
	assert.Nil(t, out)

	// non-slice passes through
	out, err = Coalesce("x")
	require.NoError(t, err)
	assert.Equal(t, "x", out)
}

func TestChain(t *testing.T) {
	strip, _ := CompileTransform("strip")
	upper, _ := CompileTransform("upper")
	fn := Chain(strip, upper)
	out, err := fn("  ok  ")
	require.NoError(t, err)
	assert.Equal(t, "OK", out)
}
