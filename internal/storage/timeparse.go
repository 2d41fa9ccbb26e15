package storage

import (
	"database/sql"
	"time"
)

// timeFormats lists every on-disk timestamp shape a row in this database may
// carry, tried in order. RFC3339 is what this process writes; the others
// exist defensively in case a row was ever written by a different tool.
var timeFormats = []string{
	time.RFC3339,
	time.RFC3339 + "Z",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTime tries every known on-disk format in turn, returning the zero
// time and false if none match.
func ParseTime(value string) (time.Time, bool) {
	for _, layout := range timeFormats {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// NullTime converts a sql.NullString timestamp column into a *time.Time.
func NullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	if t, ok := ParseTime(ns.String); ok {
		return &t
	}
	return nil
}

// TimeOrNil formats t as RFC3339 for storage, or returns a NULL-valued
// sql.NullString when t is nil.
func TimeOrNil(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// FloatOrNil converts a *float64 into a sql.NullFloat64.
func FloatOrNil(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// NullFloatPtr converts a sql.NullFloat64 back into a *float64.
func NullFloatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

// StringOrNil converts a possibly-empty string into a sql.NullString,
// treating "" as NULL.
func StringOrNil(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// NullStringValue unwraps a sql.NullString, defaulting to "".
func NullStringValue(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}
