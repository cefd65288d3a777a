package etl

import (
	"fmt"
	"strings"
)

// ReqsNotMetError reports an operation attempted while the current record is
// missing values the operation requires.
type ReqsNotMetError struct {
	Table   string
	Op      Op
	Missing []string
}

func (e *ReqsNotMetError) Error() string {
	return fmt.Sprintf("etl: cannot %s %s: required columns %s are null",
		e.Op, e.Table, strings.Join(e.Missing, ", "))
}

// TransformError reports a transform that rejected a source value.
type TransformError struct {
	Table  string
	Column string
	Value  any
	Err    error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("etl: transform failed for %s.%s (value %v): %v",
		e.Table, e.Column, e.Value, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// UnknownTransformError reports a transform shorthand the registry does not
// recognize, surfaced at table construction.
type UnknownTransformError struct {
	Spec string
}

func (e *UnknownTransformError) Error() string {
	return fmt.Sprintf("etl: unknown transform %q", e.Spec)
}

// NoKeysError reports a key-driven operation on a table with no key columns.
type NoKeysError struct {
	Table string
	Op    Op
}

func (e *NoKeysError) Error() string {
	return fmt.Sprintf("etl: cannot %s %s: no key columns defined", e.Op, e.Table)
}
