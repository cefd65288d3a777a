package etl

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/nyaruka/phonenumbers"
)

// Transform converts one resolved source value into the value bound to the
// database. Returning an error stops the column's pipeline; nil values flow
// through and usually come out as SQL NULL.
type Transform func(v any) (any, error)

// Chain composes transforms left to right.
func Chain(transforms ...Transform) Transform {
	return func(v any) (any, error) {
		var err error
		for _, t := range transforms {
			if v, err = t(v); err != nil {
				return nil, err
			}
		}
		return v, nil
	}
}

// defaultRegion seeds phone parsing for numbers without a country code.
var defaultRegion = "US"

// SetDefaultRegion changes the ISO 3166-1 region assumed for bare phone
// numbers.
func SetDefaultRegion(region string) { defaultRegion = region }

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// isEmpty treats nil and the empty string as absent.
func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// CompileTransform resolves a shorthand like "upper", "int:0" or "nth:2:|"
// into a transform. Lookup and validate shorthands need a cursor and are
// resolved by the table; everything else lives here.
func CompileTransform(spec string) (Transform, error) {
	parts := strings.Split(spec, ":")
	name, args := parts[0], parts[1:]

	switch name {
	case "int":
		return intTransform(args)
	case "float":
		return floatTransform, nil
	case "bool":
		return boolTransform, nil
	case "digits":
		return keepRunes("0123456789"), nil
	case "number":
		return keepRunes("0123456789.-"), nil
	case "lower":
		return stringTransform(strings.ToLower), nil
	case "upper":
		return stringTransform(strings.ToUpper), nil
	case "strip":
		return stringTransform(strings.TrimSpace), nil
	case "title":
		return stringTransform(titleCase), nil
	case "maxlen":
		return maxLenTransform(args)
	case "indicator":
		return indicatorTransform(args)
	case "split":
		return splitTransform(args)
	case "nth":
		return nthTransform(args)
	case "date":
		return dateTransform, nil
	case "datetime":
		return datetimeTransform, nil
	case "phone":
		format := ""
		if len(args) > 0 {
			format = args[0]
		}
		return phoneTransform(format), nil
	case "email":
		return emailTransform, nil
	case "coalesce":
		return Coalesce, nil
	}
	return nil, &UnknownTransformError{Spec: spec}
}

func intTransform(args []string) (Transform, error) {
	var def any
	if len(args) > 0 {
		n, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("etl: int transform default %q: %w", args[0], err)
		}
		def = n
	}
	return func(v any) (any, error) {
		if isEmpty(v) {
			return def, nil
		}
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			return int64(n), nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(asString(v)), 64)
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", asString(v))
		}
		return int64(f), nil
	}, nil
}

func floatTransform(v any) (any, error) {
	if isEmpty(v) {
		return nil, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(asString(v)), 64)
	if err != nil {
		return nil, fmt.Errorf("not a number: %q", asString(v))
	}
	return f, nil
}

func boolTransform(v any) (any, error) {
	if isEmpty(v) {
		return nil, nil
	}
	if b, ok := v.(bool); ok {
		return b, nil
	}
	switch strings.ToUpper(strings.TrimSpace(asString(v))) {
	case "T", "TRUE", "YES", "Y", "1":
		return true, nil
	case "F", "FALSE", "NO", "N", "0":
		return false, nil
	}
	return nil, fmt.Errorf("not a boolean: %q", asString(v))
}

func keepRunes(allowed string) Transform {
	return func(v any) (any, error) {
		if isEmpty(v) {
			return nil, nil
		}
		var b strings.Builder
		for _, r := range asString(v) {
			if strings.ContainsRune(allowed, r) {
				b.WriteRune(r)
			}
		}
		return b.String(), nil
	}
}

func stringTransform(fn func(string) string) Transform {
	return func(v any) (any, error) {
		if v == nil {
			return nil, nil
		}
		return fn(asString(v)), nil
	}
}

// titleCase title-cases a string unless it is already mixed case.
func titleCase(s string) string {
	if s == strings.ToUpper(s) || s == strings.ToLower(s) {
		prev := ' '
		return strings.Map(func(r rune) rune {
			mapped := unicode.ToLower(r)
			if prev == ' ' || prev == '-' || prev == '\'' {
				mapped = unicode.ToUpper(r)
			}
			prev = r
			return mapped
		}, s)
	}
	return s
}

func maxLenTransform(args []string) (Transform, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("etl: maxlen requires a length argument")
	}
	max, err := strconv.Atoi(args[0])
	if err != nil || max < 1 {
		return nil, fmt.Errorf("etl: maxlen argument %q is not a positive integer", args[0])
	}
	return func(v any) (any, error) {
		if v == nil {
			return nil, nil
		}
		runes := []rune(asString(v))
		if len(runes) <= max {
			return v, nil
		}
		return string(runes[:max]), nil
	}, nil
}

// indicatorTransform maps truthiness to an indicator value. The bare form
// yields "Y" or nil, "indicator:inv" inverts it, and "indicator:T/F" supplies
// custom true/false values.
func indicatorTransform(args []string) (Transform, error) {
	trueVal, falseVal := any("Y"), any(nil)
	if len(args) > 0 {
		switch {
		case args[0] == "inv":
			trueVal, falseVal = nil, "Y"
		case strings.Contains(args[0], "/"):
			pair := strings.SplitN(args[0], "/", 2)
			trueVal, falseVal = pair[0], pair[1]
		default:
			return nil, fmt.Errorf("etl: indicator argument %q not understood", args[0])
		}
	}
	return func(v any) (any, error) {
		if !isEmpty(v) {
			switch strings.ToUpper(strings.TrimSpace(asString(v))) {
			case "T", "TRUE", "YES", "Y", "1":
				return trueVal, nil
			}
		}
		return falseVal, nil
	}, nil
}

func splitTransform(args []string) (Transform, error) {
	delim := ","
	if len(args) > 0 && args[0] != "" {
		delim = args[0]
	}
	return func(v any) (any, error) {
		if isEmpty(v) {
			return nil, nil
		}
		parts := strings.Split(asString(v), delim)
		for i, p := range parts {
			parts[i] = strings.TrimSpace(p)
		}
		return parts, nil
	}, nil
}

func nthTransform(args []string) (Transform, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("etl: nth requires an index argument")
	}
	index, err := strconv.Atoi(args[0])
	if err != nil || index < 0 {
		return nil, fmt.Errorf("etl: nth index %q is not a non-negative integer", args[0])
	}
	delim := ","
	if len(args) > 1 && args[1] != "" {
		delim = args[1]
	}
	return func(v any) (any, error) {
		if isEmpty(v) {
			return nil, nil
		}
		parts := strings.Split(asString(v), delim)
		if index >= len(parts) {
			return nil, nil
		}
		return strings.TrimSpace(parts[index]), nil
	}, nil
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"1/2/2006",
	"1-2-2006",
	"1.2.2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"2 Jan 2006",
	"January 2, 2006",
	"2 January 2006",
}

var datetimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"1/2/2006 15:04:05",
	"1/2/2006 3:04 PM",
	"1/2/2006 3:04:05 PM",
}

// ParseDate parses common date representations; ok is false when nothing
// matched.
func ParseDate(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()), true
	case nil:
		return time.Time{}, false
	}
	s := strings.TrimSpace(asString(v))
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if t, ok := ParseDateTime(s); ok {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()), true
	}
	return time.Time{}, false
}

// ParseDateTime parses common datetime representations, including 10-digit
// Unix timestamps; ok is false when nothing matched.
func ParseDateTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case nil:
		return time.Time{}, false
	}
	s := strings.TrimSpace(asString(v))
	if s == "" {
		return time.Time{}, false
	}
	if len(s) == 10 {
		if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC(), true
		}
	}
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func dateTransform(v any) (any, error) {
	if isEmpty(v) {
		return nil, nil
	}
	t, ok := ParseDate(v)
	if !ok {
		return nil, fmt.Errorf("not a date: %q", asString(v))
	}
	return t, nil
}

func datetimeTransform(v any) (any, error) {
	if isEmpty(v) {
		return nil, nil
	}
	t, ok := ParseDateTime(v)
	if !ok {
		return nil, fmt.Errorf("not a datetime: %q", asString(v))
	}
	return t, nil
}

// phoneTransform normalizes phone numbers through the phonenumbers library.
// Numbers that fail to parse or validate pass through untouched, matching how
// dirty source feeds are usually handled.
func phoneTransform(format string) Transform {
	return func(v any) (any, error) {
		if isEmpty(v) {
			return nil, nil
		}
		raw := strings.TrimSpace(asString(v))
		num, err := phonenumbers.Parse(raw, defaultRegion)
		if err != nil || !phonenumbers.IsValidNumber(num) {
			return raw, nil
		}
		switch format {
		case "", "national":
			return phonenumbers.Format(num, phonenumbers.NATIONAL), nil
		case "international":
			return phonenumbers.Format(num, phonenumbers.INTERNATIONAL), nil
		case "e164":
			return phonenumbers.Format(num, phonenumbers.E164), nil
		case "rfc3966":
			return phonenumbers.Format(num, phonenumbers.RFC3966), nil
		case "digits":
			var b strings.Builder
			for _, r := range phonenumbers.Format(num, phonenumbers.NATIONAL) {
				if r >= '0' && r <= '9' {
					b.WriteRune(r)
				}
			}
			return b.String(), nil
		}
		return nil, fmt.Errorf("unknown phone format %q", format)
	}
}

// emailTransform lowercases and validates an email address; invalid addresses
// become nil.
func emailTransform(v any) (any, error) {
	if isEmpty(v) {
		return nil, nil
	}
	s := strings.ToLower(strings.TrimSpace(asString(v)))
	if !emailPattern.MatchString(s) {
		return nil, nil
	}
	return s, nil
}

// Coalesce returns the first non-empty value when given a slice, typically
// produced by a multi-field column source.
func Coalesce(v any) (any, error) {
	vals, ok := v.([]any)
	if !ok {
		return v, nil
	}
	for _, val := range vals {
		if !isEmpty(val) {
			return val, nil
		}
	}
	return nil, nil
}
