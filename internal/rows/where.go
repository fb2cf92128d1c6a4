package rows

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/wesm/qaview/internal/metric"
)

// ParseWhere parses a filter expression such as
//
//	error slow status=failed "from=2024-06-01" focus=accuracy
//
// Bare words switch on boolean predicates; key=value pairs set
// the rest. Tokens follow shell quoting rules. The result is
// validated.
func ParseWhere(expr string) (Filter, error) {
	var f Filter
	tokens, err := shlex.Split(expr)
	if err != nil {
		return Filter{}, fmt.Errorf("parsing filter expression: %w", err)
	}
	for _, tok := range tokens {
		key, value, hasValue := strings.Cut(tok, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if !hasValue {
			if err := f.setFlag(key); err != nil {
				return Filter{}, err
			}
			continue
		}
		if err := f.set(key, strings.TrimSpace(value)); err != nil {
			return Filter{}, err
		}
	}
	if err := f.Validate(); err != nil {
		return Filter{}, err
	}
	return f, nil
}

func (f *Filter) setFlag(key string) error {
	switch key {
	case "error", "errors":
		f.ErrorOnly = true
	case "slow":
		f.SlowOnly = true
	case "low":
		f.LowScore = true
	case "abnormal":
		f.Abnormal = true
	case "unclassified":
		f.Unclassified = true
	default:
		return fmt.Errorf("unknown filter %q", key)
	}
	return nil
}

func (f *Filter) set(key, value string) error {
	switch key {
	case "status":
		f.Status = Status(strings.ToLower(value))
	case "from":
		f.From = value
	case "to":
		f.To = value
	case "date":
		f.From, f.To = value, value
	case "bucket":
		b, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid score bucket %q", value)
		}
		f.ScoreBucket = &b
	case "focus":
		f.Focus = metric.Name(value)
	case "preset":
		f.Preset = Preset(strings.ToLower(value))
	case "tz", "timezone":
		loc, err := time.LoadLocation(value)
		if err != nil {
			return fmt.Errorf("invalid timezone %q", value)
		}
		f.Location = loc
	default:
		return fmt.Errorf("unknown filter %q", key)
	}
	return nil
}

// Merge returns f with every predicate set in other added.
// Values in other win for non-boolean predicates.
func (f Filter) Merge(other Filter) Filter {
	f.ErrorOnly = f.ErrorOnly || other.ErrorOnly
	f.SlowOnly = f.SlowOnly || other.SlowOnly
	f.LowScore = f.LowScore || other.LowScore
	f.Abnormal = f.Abnormal || other.Abnormal
	f.Unclassified = f.Unclassified || other.Unclassified
	if other.Status != "" {
		f.Status = other.Status
	}
	if other.From != "" {
		f.From = other.From
	}
	if other.To != "" {
		f.To = other.To
	}
	if other.ScoreBucket != nil {
		f.ScoreBucket = other.ScoreBucket
	}
	if other.Focus != "" {
		f.Focus = other.Focus
	}
	if other.Preset != "" {
		f.Preset = other.Preset
	}
	if other.Location != nil {
		f.Location = other.Location
	}
	if other.Thresholds != (Thresholds{}) {
		f.Thresholds = other.Thresholds
	}
	return f
}
