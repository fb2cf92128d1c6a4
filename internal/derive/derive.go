// Package derive computes the per-item metrics used by the
// aggregation engine and the row views.
package derive

import (
	"math"
	"strings"

	"github.com/wesm/qaview/internal/metric"
	"github.com/wesm/qaview/internal/run"
)

// Heuristic stability scores used when the evaluator did not
// score stability explicitly.
const (
	StabilityBroken  = 0.0
	StabilityHealthy = 5.0
)

// Metrics holds the derived values for one run item. Nil means
// the value could not be computed.
type Metrics struct {
	ItemID           string           `json:"item_id"`
	Pending          bool             `json:"pending"`
	ResponseTimeSec  *float64         `json:"response_time_sec"`
	LatencyClass     run.LatencyClass `json:"latency_class"`
	IntentScore      *float64         `json:"intent_score"`
	AccuracyScore    *float64         `json:"accuracy_score"`
	ConsistencyScore *float64         `json:"consistency_score"`
	StabilityScore   *float64         `json:"stability_score"`
	TotalScore       *float64         `json:"total_score"`
	Abnormal         bool             `json:"abnormal"`
}

// Derive computes the metrics for a single item. Pending items
// only carry their identity.
func Derive(item run.Item) Metrics {
	m := Metrics{
		ItemID:       item.ID,
		LatencyClass: run.LatencyUnclassified,
	}
	if item.Pending() {
		m.Pending = true
		return m
	}

	var scores map[string]any
	if item.LLMEvaluation != nil {
		scores = metric.ParsePayload(item.LLMEvaluation.MetricScores)
	} else {
		scores = map[string]any{}
	}
	payload, payloadOK := metric.ParseAgentPayload(item.RawJSON)

	m.ResponseTimeSec = responseTime(item, payload, payloadOK)
	m.LatencyClass = latencyClass(item, scores)
	m.IntentScore = metric.Lookup(scores, metric.Intent)
	m.AccuracyScore = metric.Lookup(scores, metric.Accuracy)
	m.ConsistencyScore = metric.Lookup(scores, metric.Consistency)
	m.StabilityScore = stability(item, scores, payload, payloadOK)
	m.TotalScore = totalScore(item, m)
	m.Abnormal = Abnormal(item)
	return m
}

// DeriveAll derives metrics for every item, preserving order.
func DeriveAll(items []run.Item) []Metrics {
	out := make([]Metrics, len(items))
	for i, it := range items {
		out[i] = Derive(it)
	}
	return out
}

// responseTime prefers the explicit field, then latencyMs, then
// the value embedded in the raw payload.
func responseTime(
	item run.Item, payload metric.AgentPayload, payloadOK bool,
) *float64 {
	if v := finite(item.ResponseTimeSec); v != nil {
		return v
	}
	if v := finite(item.LatencyMs); v != nil {
		sec := *v / 1000
		return &sec
	}
	if payloadOK {
		return payload.ResponseTimeSec()
	}
	return nil
}

func latencyClass(
	item run.Item, scores map[string]any,
) run.LatencyClass {
	if item.LatencyClass.Valid() {
		return item.LatencyClass
	}
	single := metric.Has(scores, metric.LatencySingle)
	multi := metric.Has(scores, metric.LatencyMulti)
	switch {
	case single && !multi:
		return run.LatencySingle
	case multi && !single:
		return run.LatencyMulti
	}
	return run.LatencyUnclassified
}

func stability(
	item run.Item, scores map[string]any,
	payload metric.AgentPayload, payloadOK bool,
) *float64 {
	if v := metric.Lookup(scores, metric.Stability); v != nil {
		return v
	}
	s := StabilityHealthy
	switch {
	case item.HasError(), !payloadOK:
		s = StabilityBroken
	case !payload.HasAssistantMessage() && !payload.HasUIData():
		s = StabilityBroken
	}
	return &s
}

// totalScore keeps the upstream total authoritative and falls
// back to the mean of intent, accuracy and stability.
func totalScore(item run.Item, m Metrics) *float64 {
	if item.LLMEvaluation != nil {
		if v := finite(item.LLMEvaluation.TotalScore); v != nil {
			return v
		}
	}
	return Mean(m.IntentScore, m.AccuracyScore, m.StabilityScore)
}

// Abnormal reports whether the item errored or its LLM
// evaluation ended in an error state.
func Abnormal(item run.Item) bool {
	if item.HasError() {
		return true
	}
	status := strings.ToUpper(item.LLMStatus())
	return strings.Contains(status, "ERROR") ||
		strings.Contains(status, "FAILED")
}

// Mean averages the non-nil values, or returns nil when all are
// nil.
func Mean(values ...*float64) *float64 {
	var sum float64
	n := 0
	for _, v := range values {
		if v == nil {
			continue
		}
		sum += *v
		n++
	}
	if n == 0 {
		return nil
	}
	avg := sum / float64(n)
	return &avg
}

// Quality is the value bucketed into the score distribution:
// the mean of intent and accuracy (missing counts as zero) and
// stability. It is nil when stability is unknown.
func Quality(m Metrics) *float64 {
	if m.StabilityScore == nil {
		return nil
	}
	q := (deref(m.IntentScore) + deref(m.AccuracyScore) +
		*m.StabilityScore) / 3
	return &q
}

// Bucket rounds a quality value to the nearest integer score and
// clamps it to [0, 5].
func Bucket(q float64) int {
	if math.IsNaN(q) {
		return 0
	}
	// Clamp before converting so huge scores cannot overflow int.
	return int(math.Max(0, math.Min(5, math.Round(q))))
}

// ScoreBucket returns the bucket of the item's quality, or nil.
func ScoreBucket(m Metrics) *int {
	q := Quality(m)
	if q == nil {
		return nil
	}
	b := Bucket(*q)
	return &b
}

func finite(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	f := *v
	return &f
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
