package util

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name       string
		identifier string
		valid      bool
	}{
		{name: "Simple", identifier: "students", valid: true},
		{name: "Qualified", identifier: "registrar.students", valid: true},
		{name: "Mixed case", identifier: "StudentRecords", valid: true},
		{name: "Empty", identifier: "", valid: false},
		{name: "Empty qualifier part", identifier: "registrar.", valid: false},
		{name: "Leading digit", identifier: "2students", valid: false},
		{name: "Too long", identifier: strings.Repeat("a", 65), valid: false},
		{name: "Semicolon", identifier: "students;drop", valid: false},
		{name: "Line comment", identifier: "students--x", valid: false},
		{name: "Block comment", identifier: "students/*x*/", valid: false},
		{name: "Embedded quote", identifier: `stu"dents`, valid: false},
		{name: "Newline", identifier: "stu\ndents", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.identifier)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestNeedsQuoting(t *testing.T) {
	assert.False(t, NeedsQuoting("students"))
	assert.False(t, NeedsQuoting("STUDENTS"))
	assert.True(t, NeedsQuoting("Students"))
	assert.True(t, NeedsQuoting("first name"))
	assert.True(t, NeedsQuoting("2nd"))
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, "students", QuoteIdentifier("students"))
	assert.Equal(t, `"Students"`, QuoteIdentifier("Students"))
	assert.Equal(t, `registrar."Students"`, QuoteIdentifier("registrar.Students"))
}

func TestWrapAtComma(t *testing.T) {
	cols := make([]string, 12)
	for i := range cols {
		cols[i] = "some_column_name"
	}
	wrapped := WrapAtComma(strings.Join(cols, ", "))
	lines := strings.Split(wrapped, "\n")
	require.Greater(t, len(lines), 1)
	for _, line := range lines {
		assert.LessOrEqual(t, len(line), 90)
	}
	// unwrapping restores the original text
	unwrapped := strings.ReplaceAll(wrapped, "\n    ", " ")
	assert.Equal(t, strings.Join(cols, ", "), unwrapped)
}

func TestWrapAtCommaKeepsParens(t *testing.T) {
	text := strings.Repeat("x", 68) + ", fn(a, b, c), tail"
	wrapped := WrapAtComma(text)
	assert.NotContains(t, wrapped, "fn(a,\n")
	assert.NotContains(t, wrapped, "b,\n")
}

func TestConcurrentMapFuncWithError(t *testing.T) {
	inputs := []int{1, 2, 3, 4, 5}

	outputs, err := ConcurrentMapFuncWithError(inputs, 2, func(n int) (int, error) {
		return n * 10, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{10, 20, 30, 40, 50}, outputs)

	wantErr := errors.New("boom")
	_, err = ConcurrentMapFuncWithError(inputs, -1, func(n int) (int, error) {
		if n == 3 {
			return 0, wantErr
		}
		return n, nil
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestTransformSlice(t *testing.T) {
	out := TransformSlice([]int{1, 2, 3}, func(n int) string {
		return strings.Repeat("x", n)
	})
	assert.Equal(t, []string{"x", "xx", "xxx"}, out)
}
