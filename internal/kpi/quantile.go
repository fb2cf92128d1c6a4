package kpi

import (
	"math"
	"slices"
)

// Quantile returns the nearest-rank quantile of values: the
// element at round((n-1)*q) of the ascending order, clamped to
// the valid range. No interpolation is applied. The input slice
// is not modified. Empty input yields nil.
func Quantile(values []float64, q float64) *float64 {
	n := len(values)
	if n == 0 {
		return nil
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	idx := int(math.Round(float64(n-1) * q))
	idx = max(0, min(n-1, idx))
	v := sorted[idx]
	return &v
}

// average returns the arithmetic mean of values, or nil.
func average(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	avg := sum / float64(len(values))
	return &avg
}

// ratio returns num/den, or nil when den is zero.
func ratio(num, den int) *float64 {
	if den <= 0 {
		return nil
	}
	r := float64(num) / float64(den)
	return &r
}
