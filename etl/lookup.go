package etl

import (
	"fmt"
	"strings"

	"github.com/scottrbailey/dbtk/database"
	"github.com/scottrbailey/dbtk/util"
)

// CachePolicy controls how a Lookup or Validate caches reference rows.
type CachePolicy int

const (
	// CacheAuto preloads small tables and falls back to lazy caching for
	// large ones.
	CacheAuto CachePolicy = iota
	// CachePreload loads the whole reference table up front.
	CachePreload
	// CacheLazy queries on first use and caches hits and misses.
	CacheLazy
	// CacheNone queries the database every time.
	CacheNone
)

// Preload thresholds for CacheAuto, in reference table rows.
const (
	lookupPreloadThreshold   = 500
	validatePreloadThreshold = 1000
)

type lookupConfig struct {
	caseSensitive bool
	def           any
	policy        CachePolicy
}

// LookupOption configures a Lookup or Validate.
type LookupOption func(*lookupConfig)

// CaseSensitive makes key comparison case-sensitive.
func CaseSensitive() LookupOption {
	return func(c *lookupConfig) { c.caseSensitive = true }
}

// WithDefault sets the value returned on a miss (lookups only).
func WithDefault(v any) LookupOption {
	return func(c *lookupConfig) { c.def = v }
}

// WithCachePolicy overrides the automatic preload decision.
func WithCachePolicy(p CachePolicy) LookupOption {
	return func(c *lookupConfig) { c.policy = p }
}

// Lookup translates codes through a database reference table, caching per
// its policy. Its Value method is a Transform, so a lookup plugs straight
// into a column pipeline.
type Lookup struct {
	cursor  *database.Cursor
	table   string
	fromCol string
	toCol   string
	cfg     lookupConfig

	cache     map[string]any
	preloaded bool
}

// NewLookup builds a lookup over table mapping fromCol values to toCol
// values. With CacheAuto the table is counted and preloaded when small.
func NewLookup(cursor *database.Cursor, table, fromCol, toCol string, opts ...LookupOption) (*Lookup, error) {
	for _, ident := range []string{table, fromCol, toCol} {
		if err := util.ValidateIdentifier(ident); err != nil {
			return nil, err
		}
	}
	l := &Lookup{cursor: cursor, table: table, fromCol: fromCol, toCol: toCol,
		cache: make(map[string]any)}
	for _, opt := range opts {
		opt(&l.cfg)
	}
	if err := l.init(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Lookup) dialect() database.Dialect { return l.cursor.Database().Dialect() }

func (l *Lookup) init() error {
	switch l.cfg.policy {
	case CachePreload:
		return l.preload()
	case CacheLazy, CacheNone:
		return nil
	}
	n, err := countRows(l.cursor, l.table, "")
	if err != nil {
		return err
	}
	if n <= lookupPreloadThreshold {
		return l.preload()
	}
	return nil
}

func (l *Lookup) preload() error {
	d := l.dialect()
	query := fmt.Sprintf("SELECT %s, %s FROM %s",
		quoteIdent(d, l.fromCol), quoteIdent(d, l.toCol), quoteIdent(d, l.table))
	rows, err := l.cursor.Query(query, nil)
	if err != nil {
		return err
	}
	recs, err := rows.FetchAll()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		key, ok := l.cacheKey(rec.At(0))
		if !ok {
			continue
		}
		l.cache[key] = rec.At(1)
	}
	l.preloaded = true
	return nil
}

func (l *Lookup) cacheKey(v any) (string, bool) {
	if isEmpty(v) {
		return "", false
	}
	key := asString(v)
	if !l.cfg.caseSensitive {
		key = strings.ToUpper(key)
	}
	return key, true
}

func (l *Lookup) query(v any) (any, error) {
	d := l.dialect()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = :val",
		quoteIdent(d, l.toCol), quoteIdent(d, l.table), quoteIdent(d, l.fromCol))
	rows, err := l.cursor.Query(query, map[string]any{"val": v})
	if err != nil {
		return nil, err
	}
	rec, err := rows.FetchOne()
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return rec.At(0), nil
}

// Value maps a source code to its reference value, or the default on a miss.
// Empty input short-circuits to the default.
func (l *Lookup) Value(v any) (any, error) {
	key, ok := l.cacheKey(v)
	if !ok {
		return l.cfg.def, nil
	}
	if cached, hit := l.cache[key]; hit {
		return cached, nil
	}
	if l.preloaded && l.cfg.policy != CacheNone {
		return l.cfg.def, nil
	}
	result, err := l.query(v)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = l.cfg.def
	}
	if l.cfg.policy != CacheNone {
		l.cache[key] = result
	}
	return result, nil
}

// Transform adapts the lookup into a column transform.
func (l *Lookup) Transform() Transform { return l.Value }

// Validate checks values against one column of a reference table. Valid
// values pass through, invalid ones become nil.
type Validate struct {
	cursor *database.Cursor
	table  string
	column string
	cfg    lookupConfig

	valid     map[string]bool
	preloaded bool
}

// NewValidate builds a validator over table's column.
func NewValidate(cursor *database.Cursor, table, column string, opts ...LookupOption) (*Validate, error) {
	for _, ident := range []string{table, column} {
		if err := util.ValidateIdentifier(ident); err != nil {
			return nil, err
		}
	}
	v := &Validate{cursor: cursor, table: table, column: column,
		valid: make(map[string]bool)}
	for _, opt := range opts {
		opt(&v.cfg)
	}
	if err := v.init(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Validate) dialect() database.Dialect { return v.cursor.Database().Dialect() }

func (v *Validate) init() error {
	switch v.cfg.policy {
	case CachePreload:
		return v.preload()
	case CacheLazy, CacheNone:
		return nil
	}
	n, err := countRows(v.cursor, v.table, v.column)
	if err != nil {
		return err
	}
	if n <= validatePreloadThreshold {
		return v.preload()
	}
	return nil
}

func (v *Validate) preload() error {
	d := v.dialect()
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s",
		quoteIdent(d, v.column), quoteIdent(d, v.table))
	rows, err := v.cursor.Query(query, nil)
	if err != nil {
		return err
	}
	recs, err := rows.FetchAll()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if key, ok := v.cacheKey(rec.At(0)); ok {
			v.valid[key] = true
		}
	}
	v.preloaded = true
	return nil
}

func (v *Validate) cacheKey(val any) (string, bool) {
	if isEmpty(val) {
		return "", false
	}
	key := asString(val)
	if !v.cfg.caseSensitive {
		key = strings.ToUpper(key)
	}
	return key, true
}

// Value returns the input when it exists in the reference column, nil when
// it does not. Empty input passes through.
func (v *Validate) Value(val any) (any, error) {
	key, ok := v.cacheKey(val)
	if !ok {
		return val, nil
	}
	if v.valid[key] {
		return val, nil
	}
	if v.preloaded && v.cfg.policy != CacheNone {
		return nil, nil
	}
	d := v.dialect()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = :val",
		quoteIdent(d, v.column), quoteIdent(d, v.table), quoteIdent(d, v.column))
	rows, err := v.cursor.Query(query, map[string]any{"val": val})
	if err != nil {
		return nil, err
	}
	rec, err := rows.FetchOne()
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if v.cfg.policy != CacheNone {
		v.valid[key] = true
	}
	return val, nil
}

// Transform adapts the validator into a column transform.
func (v *Validate) Transform() Transform { return v.Value }

// countRows counts reference rows, distinct per column when one is named.
func countRows(cursor *database.Cursor, table, column string) (int64, error) {
	d := cursor.Database().Dialect()
	expr := "COUNT(*)"
	if column != "" {
		expr = fmt.Sprintf("COUNT(DISTINCT %s)", quoteIdent(d, column))
	}
	rec, err := cursor.SelectInto(fmt.Sprintf("SELECT %s FROM %s", expr, quoteIdent(d, table)), nil)
	if err != nil {
		return 0, err
	}
	switch n := rec.At(0).(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case string:
		var parsed int64
		_, err := fmt.Sscan(n, &parsed)
		return parsed, err
	}
	return 0, fmt.Errorf("etl: unexpected count type %T", rec.At(0))
}

// compileDBTransform resolves the lookup and validate shorthands, which need
// a cursor: "lookup:<table>:<key>:<return>[:<cache>]" and
// "validate:<table>:<key>[:<cache>]".
func compileDBTransform(spec string, cursor *database.Cursor) (Transform, error) {
	parts := strings.Split(spec, ":")
	opts := func(cache string) ([]LookupOption, error) {
		switch cache {
		case "":
			return nil, nil
		case "preload":
			return []LookupOption{WithCachePolicy(CachePreload)}, nil
		case "lazy":
			return []LookupOption{WithCachePolicy(CacheLazy)}, nil
		case "nocache":
			return []LookupOption{WithCachePolicy(CacheNone)}, nil
		}
		return nil, fmt.Errorf("etl: unknown cache policy %q in %q", cache, spec)
	}

	switch parts[0] {
	case "lookup":
		if len(parts) < 4 || len(parts) > 5 {
			return nil, fmt.Errorf("etl: lookup shorthand needs table, key and return columns: %q", spec)
		}
		cache := ""
		if len(parts) == 5 {
			cache = parts[4]
		}
		o, err := opts(cache)
		if err != nil {
			return nil, err
		}
		l, err := NewLookup(cursor, parts[1], parts[2], parts[3], o...)
		if err != nil {
			return nil, err
		}
		return l.Transform(), nil
	case "validate":
		if len(parts) < 3 || len(parts) > 4 {
			return nil, fmt.Errorf("etl: validate shorthand needs table and key columns: %q", spec)
		}
		cache := ""
		if len(parts) == 4 {
			cache = parts[3]
		}
		o, err := opts(cache)
		if err != nil {
			return nil, err
		}
		v, err := NewValidate(cursor, parts[1], parts[2], o...)
		if err != nil {
			return nil, err
		}
		return v.Transform(), nil
	}
	return nil, &UnknownTransformError{Spec: spec}
}
