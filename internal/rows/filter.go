package rows

import (
	"errors"
	"fmt"
	"time"

	"github.com/wesm/qaview/internal/metric"
	"github.com/wesm/qaview/internal/run"
)

// Thresholds parameterize the slow, low-score and focus
// predicates.
type Thresholds struct {
	// SlowSec is the response time at or above which a row is slow.
	SlowSec float64 `json:"slow_sec"`
	// LowScore is the total score at or below which a row is low.
	LowScore float64 `json:"low_score"`
	// FocusFloor is the acceptable floor for a focused metric.
	FocusFloor float64 `json:"focus_floor"`
}

// DefaultThresholds returns the thresholds used by the tables.
func DefaultThresholds() Thresholds {
	return Thresholds{SlowSec: 10, LowScore: 2, FocusFloor: 3}
}

// Preset names a predefined predicate combination.
type Preset string

const (
	PresetNone     Preset = ""
	PresetLow      Preset = "low"
	PresetAbnormal Preset = "abnormal"
	PresetSlow     Preset = "slow"
)

// FocusTotal focuses on the composite total score.
const FocusTotal metric.Name = "total"

var focusable = map[metric.Name]bool{
	metric.Intent:      true,
	metric.Accuracy:    true,
	metric.Consistency: true,
	metric.Stability:   true,
	FocusTotal:         true,
}

// Filter holds independent predicates combined with AND. The zero
// Filter matches every row.
type Filter struct {
	ErrorOnly    bool        `json:"error_only,omitempty"`
	SlowOnly     bool        `json:"slow_only,omitempty"`
	LowScore     bool        `json:"low_score,omitempty"`
	Abnormal     bool        `json:"abnormal,omitempty"`
	Unclassified bool        `json:"unclassified,omitempty"`
	Status       Status      `json:"status,omitempty"`
	From         string      `json:"from,omitempty"` // YYYY-MM-DD, inclusive
	To           string      `json:"to,omitempty"`   // YYYY-MM-DD, inclusive
	ScoreBucket  *int        `json:"score_bucket,omitempty"`
	Focus        metric.Name `json:"focus,omitempty"`
	Preset       Preset      `json:"preset,omitempty"`

	// Location is used to take the date of executedAt; nil
	// means UTC.
	Location *time.Location `json:"-"`
	// Thresholds overrides DefaultThresholds when non-zero.
	Thresholds Thresholds `json:"-"`
}

const dateLayout = "2006-01-02"

// Validate checks the filter values.
func (f Filter) Validate() error {
	var errs []error
	if f.Status != "" && !f.Status.Valid() {
		errs = append(errs, fmt.Errorf("invalid status %q", f.Status))
	}
	for _, d := range []struct{ name, v string }{
		{"from", f.From}, {"to", f.To},
	} {
		if d.v == "" {
			continue
		}
		if _, err := time.Parse(dateLayout, d.v); err != nil {
			errs = append(errs, fmt.Errorf(
				"invalid %s date %q: use YYYY-MM-DD", d.name, d.v,
			))
		}
	}
	if f.From != "" && f.To != "" && f.From > f.To {
		errs = append(errs, errors.New("from must not be after to"))
	}
	if f.ScoreBucket != nil && (*f.ScoreBucket < 0 || *f.ScoreBucket > 5) {
		errs = append(errs, fmt.Errorf(
			"invalid score bucket %d: must be 0-5", *f.ScoreBucket,
		))
	}
	if f.Focus != "" && !focusable[f.Focus] {
		errs = append(errs, fmt.Errorf("invalid focus metric %q", f.Focus))
	}
	switch f.Preset {
	case PresetNone, PresetLow, PresetAbnormal, PresetSlow:
	default:
		errs = append(errs, fmt.Errorf("invalid preset %q", f.Preset))
	}
	return errors.Join(errs...)
}

// Effective folds the preset into the ad-hoc predicates and
// fills in default thresholds.
func (f Filter) Effective() Filter {
	switch f.Preset {
	case PresetLow:
		f.LowScore = true
	case PresetAbnormal:
		f.Abnormal = true
	case PresetSlow:
		f.SlowOnly = true
	}
	f.Preset = PresetNone
	if f.Thresholds == (Thresholds{}) {
		f.Thresholds = DefaultThresholds()
	}
	if f.Location == nil {
		f.Location = time.UTC
	}
	return f
}

// Match reports whether a row core satisfies every active
// predicate. Call it on an Effective filter.
func (f Filter) Match(c Core) bool {
	m := c.Metrics
	th := f.Thresholds
	if f.ErrorOnly && !c.HasError {
		return false
	}
	if f.SlowOnly && (m.ResponseTimeSec == nil ||
		*m.ResponseTimeSec < th.SlowSec) {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if (f.From != "" || f.To != "") && !f.inRange(c.Executed) {
		return false
	}
	if f.LowScore && (m.TotalScore == nil || *m.TotalScore > th.LowScore) {
		return false
	}
	if f.Abnormal && !m.Abnormal {
		return false
	}
	if f.Unclassified && (m.Pending ||
		m.LatencyClass != run.LatencyUnclassified) {
		return false
	}
	if f.ScoreBucket != nil && (c.ScoreBucket == nil ||
		*c.ScoreBucket != *f.ScoreBucket) {
		return false
	}
	if f.Focus != "" {
		v := focusValue(c, f.Focus)
		if v == nil || *v >= th.FocusFloor {
			return false
		}
	}
	return true
}

func (f Filter) inRange(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	loc := f.Location
	if loc == nil {
		loc = time.UTC
	}
	date := t.In(loc).Format(dateLayout)
	if f.From != "" && date < f.From {
		return false
	}
	if f.To != "" && date > f.To {
		return false
	}
	return true
}

func focusValue(c Core, n metric.Name) *float64 {
	m := c.Metrics
	switch n {
	case metric.Intent:
		return m.IntentScore
	case metric.Accuracy:
		return m.AccuracyScore
	case metric.Consistency:
		return m.ConsistencyScore
	case metric.Stability:
		return m.StabilityScore
	case FocusTotal:
		return m.TotalScore
	}
	return nil
}

// Apply returns the rows matching f, preserving order.
func Apply[R Row](rows []R, f Filter) []R {
	ef := f.Effective()
	out := make([]R, 0, len(rows))
	for _, r := range rows {
		if ef.Match(r.Base()) {
			out = append(out, r)
		}
	}
	return out
}
