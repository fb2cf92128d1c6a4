// Package kpi reduces a run and its items into the KPI summary
// shown on the validation history and results views.
package kpi

import (
	"encoding/json"
	"strconv"
)

// Reasons reported for KPIs that could not be aggregated. The
// caller renders them instead of a zero.
const (
	ReasonNoData              = "no data for this run"
	ReasonInsufficientRepeats = "repeat count insufficient to measure consistency"
)

// PassThreshold is the minimum total score of a passing item.
const PassThreshold = 3.0

// Quantiles used by the latency and response-time KPIs.
const (
	P50 = 0.5
	P90 = 0.9
	P95 = 0.95
)

// MetricKPI is an averaged score tile.
type MetricKPI struct {
	Score               *float64 `json:"score"`
	SampleCount         int      `json:"sample_count"`
	NotAggregatedReason string   `json:"not_aggregated_reason"`
}

// ConsistencyStatus tells whether enough repeats existed.
type ConsistencyStatus string

const (
	ConsistencyReady   ConsistencyStatus = "READY"
	ConsistencyPending ConsistencyStatus = "PENDING"
)

// ConsistencyKPI is the consistency tile. Score is averaged over
// logical queries, not items.
type ConsistencyKPI struct {
	Status      ConsistencyStatus `json:"status"`
	Score       *float64          `json:"score"`
	SampleCount int               `json:"sample_count"`
	Reason      string            `json:"reason"`
}

// LatencyKPI summarizes response times within one latency class.
type LatencyKPI struct {
	AvgSec      *float64 `json:"avg_sec"`
	P50Sec      *float64 `json:"p50_sec"`
	P90Sec      *float64 `json:"p90_sec"`
	SampleCount int      `json:"sample_count"`
}

// ResponseTimeKPI summarizes response times across all executed
// items.
type ResponseTimeKPI struct {
	AvgSec      *float64 `json:"avg_sec"`
	P50Sec      *float64 `json:"p50_sec"`
	P95Sec      *float64 `json:"p95_sec"`
	SampleCount int      `json:"sample_count"`
}

// ScoreBuckets counts items per rounded quality score 0..5.
type ScoreBuckets [6]int

// Total returns the number of bucketed items.
func (b ScoreBuckets) Total() int {
	n := 0
	for _, c := range b {
		n += c
	}
	return n
}

// MarshalJSON encodes the buckets as {"0": n, ..., "5": n} so
// every bucket key is always present.
func (b ScoreBuckets) MarshalJSON() ([]byte, error) {
	m := make(map[string]int, len(b))
	for i, c := range b {
		m[strconv.Itoa(i)] = c
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes the object form written by MarshalJSON.
// Unknown keys are ignored.
func (b *ScoreBuckets) UnmarshalJSON(data []byte) error {
	var m map[string]int
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*b = ScoreBuckets{}
	for k, c := range m {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 || i >= len(b) {
			continue
		}
		b[i] = c
	}
	return nil
}

// Summary is the KPI view of one run. It has no identity of its
// own and is rebuilt from a run and its items on every call.
type Summary struct {
	RunID string `json:"run_id"`

	Intent      MetricKPI      `json:"intent"`
	Accuracy    MetricKPI      `json:"accuracy"`
	Stability   MetricKPI      `json:"stability"`
	Total       MetricKPI      `json:"total"`
	Consistency ConsistencyKPI `json:"consistency"`

	LatencySingle            LatencyKPI      `json:"latency_single"`
	LatencyMulti             LatencyKPI      `json:"latency_multi"`
	LatencyUnclassifiedCount int             `json:"latency_unclassified_count"`
	ResponseTime             ResponseTimeKPI `json:"response_time"`

	ScoreBuckets ScoreBuckets `json:"score_buckets"`

	TotalRows       int `json:"total_rows"`
	DoneRows        int `json:"done_rows"`
	ErrorRows       int `json:"error_rows"`
	LLMDoneRows     int `json:"llm_done_rows"`
	PendingRows     int `json:"pending_rows"`
	EvaluatedRows   int `json:"evaluated_rows"`
	PassRows        int `json:"pass_rows"`
	EmptyRows       int `json:"empty_rows"`
	AbnormalRows    int `json:"abnormal_rows"`
	DistinctQueries int `json:"distinct_queries"`

	DoneRate  *float64 `json:"done_rate"`
	PassRate  *float64 `json:"pass_rate"`
	ErrorRate *float64 `json:"error_rate"`
	EmptyRate *float64 `json:"empty_rate"`
	EvalRate  *float64 `json:"eval_rate"`

	ExecutionSec  *float64 `json:"execution_sec"`
	EvaluationSec *float64 `json:"evaluation_sec"`
}
