package row

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Declared-type classes derived from the column type string reported by the
// schema inspector. SQLite declared types are free text; classification uses
// the same substring rules the engine's affinity algorithm uses, extended
// with the date/boolean conventions of the reconciliation schemas.
type typeClass int

const (
	classText typeClass = iota
	classInteger
	classReal
	classBool
	classDate
	classBlob
)

func classify(declared string) typeClass {
	d := strings.ToUpper(declared)
	switch {
	case strings.Contains(d, "BOOL") || strings.Contains(d, "BIT"):
		return classBool
	case strings.Contains(d, "DATE") || strings.Contains(d, "TIME"):
		return classDate
	case strings.Contains(d, "INT"):
		return classInteger
	case strings.Contains(d, "REAL") || strings.Contains(d, "FLOA") ||
		strings.Contains(d, "DOUB") || strings.Contains(d, "DEC") ||
		strings.Contains(d, "NUM"):
		return classReal
	case strings.Contains(d, "BLOB"):
		return classBlob
	default:
		return classText
	}
}

// Accepted textual timestamp layouts, most specific first. The first layout
// is also the write format (round-trip UTC).
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// BindValue normalizes a Go value for binding to a parameter of a column
// with the given declared type.
//
// Rules:
//   - nil stays nil (storage null).
//   - timestamps bind as round-trip UTC text on date-typed columns and as
//     Unix seconds on numeric columns.
//   - booleans bind as 0/1.
//   - date-typed parameters accept numeric and string variants and coerce
//     them through time.Time first.
//   - everything else passes through.
func BindValue(declared string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	class := classify(declared)

	switch val := v.(type) {
	case time.Time:
		if val.IsZero() {
			return nil, nil
		}
		switch class {
		case classInteger:
			return val.UTC().Unix(), nil
		case classReal:
			return float64(val.UTC().UnixNano()) / float64(time.Second), nil
		default:
			return val.UTC().Format(time.RFC3339Nano), nil
		}
	case bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	}

	if class == classDate {
		t, err := coerceTime(v)
		if err != nil {
			return nil, fmt.Errorf("bind %q to date column: %w", v, err)
		}
		return t.UTC().Format(time.RFC3339Nano), nil
	}

	return v, nil
}

// ReadValue converts a value scanned from the store back to its language
// form, guided by the declared column type.
func ReadValue(declared string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch classify(declared) {
	case classBool:
		switch val := v.(type) {
		case bool:
			return val, nil
		case int64:
			return val != 0, nil
		case float64:
			return val != 0, nil
		case string:
			return val == "1" || strings.EqualFold(val, "true"), nil
		case []byte:
			s := string(val)
			return s == "1" || strings.EqualFold(s, "true"), nil
		}
		return nil, fmt.Errorf("read boolean column: unsupported value %T", v)
	case classDate:
		t, err := coerceTime(v)
		if err != nil {
			return nil, fmt.Errorf("read date column: %w", err)
		}
		return t, nil
	default:
		if b, ok := v.([]byte); ok && classify(declared) == classText {
			return string(b), nil
		}
		return v, nil
	}
}

// coerceTime accepts the timestamp variants the stores can hand back:
// time.Time, round-trip or space-separated text, Unix seconds as integer or
// float. Everything is normalized to UTC.
func coerceTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), nil
	case string:
		return parseTimeText(val)
	case []byte:
		return parseTimeText(string(val))
	case int64:
		return time.Unix(val, 0).UTC(), nil
	case int:
		return time.Unix(int64(val), 0).UTC(), nil
	case float64:
		sec := int64(val)
		nsec := int64((val - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp value %T", v)
	}
}

func parseTimeText(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	// Bare number stored in a text column.
	if sec, err := strconv.ParseFloat(s, 64); err == nil {
		return coerceTime(sec)
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
