package rows

import (
	"cmp"
	"math"
	"slices"
)

// SortHistory returns a copy of rows in history order: errored
// rows first, then slower rows (missing response time sorts as
// -1), then more recent executions. Ordinal and id break the
// remaining ties.
func SortHistory(rows []HistoryRow) []HistoryRow {
	out := slices.Clone(rows)
	slices.SortStableFunc(out, func(a, b HistoryRow) int {
		if c := cmpBool(b.HasError, a.HasError); c != 0 {
			return c
		}
		if c := cmp.Compare(
			timeKey(b.Metrics.ResponseTimeSec),
			timeKey(a.Metrics.ResponseTimeSec),
		); c != 0 {
			return c
		}
		if c := b.Executed.Compare(a.Executed); c != 0 {
			return c
		}
		return tiebreak(a.Core, b.Core)
	})
	return out
}

// SortResults returns a copy of rows in results order: lowest
// total score first (missing scores last), slower rows first
// among equal scores, then ordinal and id.
func SortResults(rows []ResultsRow) []ResultsRow {
	out := slices.Clone(rows)
	slices.SortStableFunc(out, func(a, b ResultsRow) int {
		if c := cmp.Compare(
			scoreKey(a.Metrics.TotalScore),
			scoreKey(b.Metrics.TotalScore),
		); c != 0 {
			return c
		}
		if c := cmp.Compare(
			timeKey(b.Metrics.ResponseTimeSec),
			timeKey(a.Metrics.ResponseTimeSec),
		); c != 0 {
			return c
		}
		return tiebreak(a.Core, b.Core)
	})
	return out
}

func tiebreak(a, b Core) int {
	if c := cmp.Compare(a.Ordinal, b.Ordinal); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func timeKey(v *float64) float64 {
	if v == nil {
		return -1
	}
	return *v
}

func scoreKey(v *float64) float64 {
	if v == nil {
		return math.Inf(1)
	}
	return *v
}

func cmpBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return 1
	}
	return -1
}
