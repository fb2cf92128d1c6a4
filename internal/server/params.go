package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wesm/qaview/internal/metric"
	"github.com/wesm/qaview/internal/rows"
)

// parseIntParam reads an optional integer query parameter. It
// writes a 400 and returns false when the value is malformed.
func parseIntParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name+" parameter")
		return 0, false
	}
	return n, true
}

// parseBoolParam reads an optional boolean query parameter. A
// bare "?slow" counts as true.
func parseBoolParam(w http.ResponseWriter, r *http.Request, name string) (bool, bool) {
	q := r.URL.Query()
	if !q.Has(name) {
		return false, true
	}
	switch strings.ToLower(q.Get(name)) {
	case "", "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	writeError(w, http.StatusBadRequest, "invalid "+name+" parameter")
	return false, false
}

// clampLimit returns def for non-positive limits and caps the
// rest at max.
func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	return min(limit, max)
}

// location returns the request's timezone parameter or the
// configured display zone.
func (s *Server) location(w http.ResponseWriter, r *http.Request) (*time.Location, bool) {
	if tz := r.URL.Query().Get("timezone"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid timezone: "+tz)
			return nil, false
		}
		return loc, true
	}
	loc, err := s.cfg.Location()
	if err != nil {
		return time.UTC, true
	}
	return loc, true
}

// parseFilter builds the row filter from query parameters. The
// where expression is applied first; explicit parameters win.
func (s *Server) parseFilter(w http.ResponseWriter, r *http.Request) (rows.Filter, bool) {
	q := r.URL.Query()

	var base rows.Filter
	if expr := strings.TrimSpace(q.Get("where")); expr != "" {
		var err error
		if base, err = rows.ParseWhere(expr); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return rows.Filter{}, false
		}
	}

	var f rows.Filter
	for _, b := range []struct {
		name string
		dst  *bool
	}{
		{"error", &f.ErrorOnly},
		{"slow", &f.SlowOnly},
		{"low", &f.LowScore},
		{"abnormal", &f.Abnormal},
		{"unclassified", &f.Unclassified},
	} {
		v, ok := parseBoolParam(w, r, b.name)
		if !ok {
			return rows.Filter{}, false
		}
		*b.dst = v
	}

	f.Status = rows.Status(strings.ToLower(q.Get("status")))
	f.From = q.Get("from")
	f.To = q.Get("to")
	f.Focus = metric.Name(q.Get("focus"))
	f.Preset = rows.Preset(strings.ToLower(q.Get("preset")))
	if q.Has("bucket") {
		b, ok := parseIntParam(w, r, "bucket")
		if !ok {
			return rows.Filter{}, false
		}
		f.ScoreBucket = &b
	}
	if q.Has("timezone") || base.Location == nil {
		loc, ok := s.location(w, r)
		if !ok {
			return rows.Filter{}, false
		}
		f.Location = loc
	}
	f.Thresholds = s.cfg.Thresholds()

	f = base.Merge(f)
	if err := f.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return rows.Filter{}, false
	}
	return f, true
}
