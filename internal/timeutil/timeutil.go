// Package timeutil formats and parses the timestamps carried by
// run records.
package timeutil

import (
	"strings"
	"time"
)

// layouts accepted by Parse, most specific first.
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// DisplayLayout is the layout used for table cells.
const DisplayLayout = "2006-01-02 15:04:05"

// Format formats t as RFC3339Nano in UTC, or "" for the zero
// time.
func Format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// Parse parses a record timestamp. Timestamps without a zone are
// taken as UTC.
func Parse(ts string) (time.Time, bool) {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Display formats a record timestamp for tables in loc. It
// returns ts unchanged when it cannot be parsed, and "" for an
// empty timestamp.
func Display(ts string, loc *time.Location) string {
	t, ok := Parse(ts)
	if !ok {
		return strings.TrimSpace(ts)
	}
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DisplayLayout)
}

// Seconds returns the elapsed seconds between two record
// timestamps, or nil when either is missing, unparsable, or the
// span is negative.
func Seconds(from, to string) *float64 {
	start, ok := Parse(from)
	if !ok {
		return nil
	}
	end, ok := Parse(to)
	if !ok || end.Before(start) {
		return nil
	}
	s := end.Sub(start).Seconds()
	return &s
}
