package kpi

import (
	"strings"

	"github.com/wesm/qaview/internal/derive"
	"github.com/wesm/qaview/internal/metric"
	"github.com/wesm/qaview/internal/run"
	"github.com/wesm/qaview/internal/timeutil"
)

// Aggregate builds the KPI summary for a run. r may be nil when
// no run is selected; counters then come from items alone. The
// inputs are never modified.
func Aggregate(r *run.Run, items []run.Item) Summary {
	var s Summary
	if r != nil {
		s.RunID = r.ID
		s.ExecutionSec = timeutil.Seconds(r.StartedAt, r.FinishedAt)
		s.EvaluationSec = timeutil.Seconds(r.EvalStartedAt, r.EvalFinishedAt)
	}

	derived := derive.DeriveAll(items)

	var (
		intent, accuracy, stability, total []float64
		single, multi                      latencyBucket
		responseTimes                      []float64
		queries                            = make(map[string]bool)
	)

	c := counts{}
	for i, it := range items {
		m := derived[i]
		if q := it.QueryKey(); q != "" {
			queries[q] = true
		}
		if m.Pending {
			c.pending++
			continue
		}
		c.done++
		if it.HasError() {
			c.errors++
		} else if strings.TrimSpace(it.RawResponse) == "" {
			c.empty++
		}
		if m.Abnormal {
			c.abnormal++
		}

		st := evalStatusOf(it.LLMStatus())
		if st != evalNotTerminal {
			c.llmDone++
			c.evaluated++
			if st == evalSucceeded && !m.Abnormal &&
				m.TotalScore != nil && *m.TotalScore >= PassThreshold {
				c.pass++
			}
		}

		appendIf(&intent, m.IntentScore)
		appendIf(&accuracy, m.AccuracyScore)
		appendIf(&stability, m.StabilityScore)
		appendIf(&total, m.TotalScore)
		appendIf(&responseTimes, m.ResponseTimeSec)

		switch m.LatencyClass {
		case run.LatencySingle:
			single.add(m.ResponseTimeSec)
		case run.LatencyMulti:
			multi.add(m.ResponseTimeSec)
		default:
			s.LatencyUnclassifiedCount++
		}

		if q := derive.Quality(m); q != nil {
			s.ScoreBuckets[derive.Bucket(*q)]++
		}
	}

	s.Intent = metricKPI(intent)
	s.Accuracy = metricKPI(accuracy)
	s.Stability = metricKPI(stability)
	s.Total = metricKPI(total)
	s.Consistency = Consistency(items)
	s.LatencySingle = single.kpi()
	s.LatencyMulti = multi.kpi()
	s.ResponseTime = ResponseTimeKPI{
		AvgSec:      average(responseTimes),
		P50Sec:      Quantile(responseTimes, P50),
		P95Sec:      Quantile(responseTimes, P95),
		SampleCount: len(responseTimes),
	}

	s.TotalRows = counter(r, func(r *run.Run) int { return r.TotalItems }, len(items))
	s.DoneRows = counter(r, func(r *run.Run) int { return r.DoneItems }, c.done)
	s.ErrorRows = counter(r, func(r *run.Run) int { return r.ErrorItems }, c.errors)
	s.LLMDoneRows = counter(r, func(r *run.Run) int { return r.LLMDoneItems }, c.llmDone)
	s.PendingRows = c.pending
	s.EvaluatedRows = c.evaluated
	s.PassRows = c.pass
	s.EmptyRows = c.empty
	s.AbnormalRows = c.abnormal
	s.DistinctQueries = len(queries)

	s.DoneRate = ratio(s.DoneRows, s.TotalRows)
	s.PassRate = ratio(s.PassRows, s.EvaluatedRows)
	// Numerator and denominator must come from the same source. Empty
	// responses are only known per item, so that rate never uses the
	// run counters.
	if r != nil && r.ErrorItems > 0 && r.DoneItems > 0 {
		s.ErrorRate = ratio(r.ErrorItems, r.DoneItems)
	} else {
		s.ErrorRate = ratio(c.errors, c.done)
	}
	s.EmptyRate = ratio(c.empty, c.done)
	s.EvalRate = ratio(s.LLMDoneRows, s.DoneRows)
	return s
}

// Consistency scores repeated executions of the same logical
// query. A query qualifies when it appears at least twice and one
// of its items carries an explicit consistency metric; the first
// such value seen stands for the whole query.
func Consistency(items []run.Item) ConsistencyKPI {
	occurrences := make(map[string]int)
	for _, it := range items {
		if q := it.QueryKey(); q != "" {
			occurrences[q]++
		}
	}

	first := make(map[string]float64)
	var order []string
	for _, it := range items {
		q := it.QueryKey()
		if occurrences[q] < 2 || it.LLMEvaluation == nil {
			continue
		}
		if _, seen := first[q]; seen {
			continue
		}
		scores := metric.ParsePayload(it.LLMEvaluation.MetricScores)
		v := metric.Lookup(scores, metric.Consistency)
		if v == nil {
			continue
		}
		first[q] = *v
		order = append(order, q)
	}

	if len(order) == 0 {
		return ConsistencyKPI{
			Status: ConsistencyPending,
			Reason: ReasonInsufficientRepeats,
		}
	}
	values := make([]float64, len(order))
	for i, q := range order {
		values[i] = first[q]
	}
	return ConsistencyKPI{
		Status:      ConsistencyReady,
		Score:       average(values),
		SampleCount: len(values),
	}
}

type counts struct {
	done, pending, errors, empty, abnormal int
	llmDone, evaluated, pass               int
}

// counter prefers a positive run counter and otherwise counts
// from items, so KPIs stay meaningful while the backend counters
// lag behind.
func counter(r *run.Run, field func(*run.Run) int, fromItems int) int {
	if r != nil {
		if v := field(r); v > 0 {
			return v
		}
	}
	return fromItems
}

func metricKPI(values []float64) MetricKPI {
	if len(values) == 0 {
		return MetricKPI{NotAggregatedReason: ReasonNoData}
	}
	return MetricKPI{
		Score:       average(values),
		SampleCount: len(values),
	}
}

type latencyBucket struct {
	size  int
	times []float64
}

func (b *latencyBucket) add(sec *float64) {
	b.size++
	appendIf(&b.times, sec)
}

func (b latencyBucket) kpi() LatencyKPI {
	return LatencyKPI{
		AvgSec:      average(b.times),
		P50Sec:      Quantile(b.times, P50),
		P90Sec:      Quantile(b.times, P90),
		SampleCount: b.size,
	}
}

func appendIf(dst *[]float64, v *float64) {
	if v != nil {
		*dst = append(*dst, *v)
	}
}

type evalStatus int

const (
	evalNotTerminal evalStatus = iota
	evalSucceeded
	evalFailed
)

// evalStatusOf classifies an LLM evaluation status string.
func evalStatusOf(status string) evalStatus {
	s := strings.ToUpper(strings.TrimSpace(status))
	switch {
	case s == "":
		return evalNotTerminal
	case strings.Contains(s, "ERROR"), strings.Contains(s, "FAILED"):
		return evalFailed
	}
	switch s {
	case "DONE", "SUCCESS", "SUCCEEDED", "COMPLETED", "COMPLETE":
		return evalSucceeded
	}
	return evalNotTerminal
}
