// Package readers turns flat files into record streams. Every reader yields
// records over one shared schema with normalized header names, so rows feed
// straight into etl tables.
package readers

// rownumField is the synthetic 1-based row counter added unless disabled.
const rownumField = "rownum"

type options struct {
	headers   []string
	delimiter rune
	skip      int
	limit     int
	noRownum  bool
}

// Option configures a reader.
type Option func(*options)

// WithHeaders supplies header names for files without a header row.
func WithHeaders(headers ...string) Option {
	return func(o *options) { o.headers = headers }
}

// WithDelimiter sets the CSV field delimiter; defaults to a comma.
func WithDelimiter(d rune) Option {
	return func(o *options) { o.delimiter = d }
}

// WithSkip discards the first n data records.
func WithSkip(n int) Option {
	return func(o *options) { o.skip = n }
}

// WithLimit stops the stream after n records.
func WithLimit(n int) Option {
	return func(o *options) { o.limit = n }
}

// WithoutRownum drops the synthetic rownum field.
func WithoutRownum() Option {
	return func(o *options) { o.noRownum = true }
}

func buildOptions(opts []Option) options {
	o := options{delimiter: ',', limit: -1}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
