package kpi

import (
	"encoding/json"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/qaview/internal/run"
	"github.com/wesm/qaview/internal/scope"
	"github.com/wesm/qaview/internal/testrun"
)

func TestQuantile(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		q      float64
		want   *float64
	}{
		{"empty", nil, P50, nil},
		{"p50 odd", []float64{1, 2, 3, 4, 5}, P50, testrun.Ptr(3.0)},
		{"p50 unsorted", []float64{5, 1, 4, 2, 3}, P50, testrun.Ptr(3.0)},
		{"p90 five", []float64{1, 2, 3, 4, 5}, P90, testrun.Ptr(5.0)},
		{"p50 even rounds half up", []float64{1, 2, 3, 4}, P50, testrun.Ptr(3.0)},
		{"p95 ten", []float64{10, 9, 8, 7, 6, 5, 4, 3, 2, 1}, P95, testrun.Ptr(10.0)},
		{"p90 ten", []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, P90, testrun.Ptr(9.0)},
		{"single", []float64{7}, P90, testrun.Ptr(7.0)},
		{"q above one clamps", []float64{1, 2}, 3, testrun.Ptr(2.0)},
		{"q below zero clamps", []float64{1, 2}, -1, testrun.Ptr(1.0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Quantile(tt.values, tt.q))
		})
	}
}

func TestQuantileDoesNotMutate(t *testing.T) {
	in := []float64{3, 1, 2}
	Quantile(in, P50)
	assert.Equal(t, []float64{3, 1, 2}, in)
}

func TestAggregateNilRunNoItems(t *testing.T) {
	s := Aggregate(nil, nil)

	for name, m := range map[string]MetricKPI{
		"intent": s.Intent, "accuracy": s.Accuracy,
		"stability": s.Stability, "total": s.Total,
	} {
		assert.Nil(t, m.Score, name)
		assert.Zero(t, m.SampleCount, name)
		assert.Equal(t, ReasonNoData, m.NotAggregatedReason, name)
	}
	assert.Equal(t, ConsistencyPending, s.Consistency.Status)
	assert.Nil(t, s.DoneRate)
	assert.Nil(t, s.PassRate)
	assert.Nil(t, s.ErrorRate)
	assert.Nil(t, s.EmptyRate)
	assert.Nil(t, s.ResponseTime.P50Sec)
	assert.Equal(t, ScoreBuckets{}, s.ScoreBuckets)
	assert.Empty(t, s.RunID)
}

func TestAggregateEndToEnd(t *testing.T) {
	r := testrun.Run("r1", 3, 0)
	items := []run.Item{
		testrun.Item("a", "q1", 1,
			testrun.WithResponseTime(1),
			testrun.WithLLM("DONE", map[string]float64{"intent": 4, "accuracy": 4}),
			testrun.WithTotalScore(4)),
		testrun.Item("b", "q2", 2, testrun.WithError("boom")),
		testrun.Item("c", "q3", 3,
			testrun.WithResponseTime(3),
			testrun.WithLLM("DONE", map[string]float64{"intent": 2, "accuracy": 2}),
			testrun.WithTotalScore(2)),
	}

	s := Aggregate(r, items)

	assert.Equal(t, "r1", s.RunID)
	assert.Equal(t, 3, s.Stability.SampleCount)
	assert.Equal(t, 3, s.ScoreBuckets.Total())
	assert.Equal(t, "", s.Intent.NotAggregatedReason)
	assert.Equal(t, 2, s.Intent.SampleCount)
	require.NotNil(t, s.Intent.Score)
	assert.Equal(t, 3.0, *s.Intent.Score)

	// a: (4+4+5)/3=4.33 -> 4, b: (0+0+0)/3 -> 0, c: (2+2+5)/3=3 -> 3
	assert.Equal(t, ScoreBuckets{1, 0, 0, 1, 1, 0}, s.ScoreBuckets)

	assert.Equal(t, 3, s.TotalRows)
	// run counter is zero so done rows come from items
	assert.Equal(t, 3, s.DoneRows)
	assert.Equal(t, 1, s.ErrorRows)
	require.NotNil(t, s.DoneRate)
	assert.Equal(t, 1.0, *s.DoneRate)
	require.NotNil(t, s.ErrorRate)
	assert.InDelta(t, 1.0/3, *s.ErrorRate, 1e-9)

	assert.Equal(t, 2, s.EvaluatedRows)
	assert.Equal(t, 1, s.PassRows)
	require.NotNil(t, s.PassRate)
	assert.Equal(t, 0.5, *s.PassRate)

	require.NotNil(t, s.ExecutionSec)
	assert.Equal(t, 600.0, *s.ExecutionSec)
	assert.Nil(t, s.EvaluationSec)
}

func TestAggregateRunCountersWin(t *testing.T) {
	r := &run.Run{ID: "r", TotalItems: 10, DoneItems: 4, ErrorItems: 2, LLMDoneItems: 1}
	items := []run.Item{testrun.Item("a", "q", 1)}
	s := Aggregate(r, items)
	assert.Equal(t, 10, s.TotalRows)
	assert.Equal(t, 4, s.DoneRows)
	assert.Equal(t, 2, s.ErrorRows)
	assert.Equal(t, 1, s.LLMDoneRows)
	require.NotNil(t, s.DoneRate)
	assert.Equal(t, 0.4, *s.DoneRate)
	require.NotNil(t, s.EvalRate)
	assert.Equal(t, 0.25, *s.EvalRate)
}

func TestAggregateRatesUseOneSource(t *testing.T) {
	empty := func(id string, ord int) run.Item {
		it := testrun.Item(id, "q", ord)
		it.RawResponse = ""
		return it
	}
	items := []run.Item{
		empty("a", 1),
		empty("b", 2),
		testrun.Item("c", "q", 3, testrun.WithError("boom")),
		testrun.Item("d", "q", 4),
	}

	tests := []struct {
		name      string
		r         *run.Run
		errorRate float64
	}{
		{"no run", nil, 0.25},
		{"run done counter lags items", &run.Run{ID: "r", DoneItems: 1}, 0.25},
		{"run counters complete", &run.Run{ID: "r", DoneItems: 10, ErrorItems: 5}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Aggregate(tt.r, items)
			assert.Equal(t, 2, s.EmptyRows)
			require.NotNil(t, s.EmptyRate)
			assert.Equal(t, 0.5, *s.EmptyRate)
			require.NotNil(t, s.ErrorRate)
			assert.Equal(t, tt.errorRate, *s.ErrorRate)
			assert.LessOrEqual(t, *s.EmptyRate, 1.0)
		})
	}
}

func TestAggregatePendingItems(t *testing.T) {
	items := []run.Item{
		testrun.Pending("p1", "q1", 1),
		testrun.Pending("p2", "q2", 2),
	}
	s := Aggregate(nil, items)
	assert.Equal(t, 2, s.TotalRows)
	assert.Equal(t, 0, s.DoneRows)
	assert.Equal(t, 2, s.PendingRows)
	assert.Equal(t, 0, s.LatencyUnclassifiedCount)
	assert.Equal(t, 0, s.Stability.SampleCount)
	require.NotNil(t, s.DoneRate)
	assert.Equal(t, 0.0, *s.DoneRate)
	assert.Nil(t, s.ErrorRate, "zero done rows must not divide")
	assert.Zero(t, s.ScoreBuckets.Total())
}

func TestAggregateLatency(t *testing.T) {
	items := []run.Item{
		testrun.Item("s1", "q1", 1, testrun.WithLatencyClass(run.LatencySingle), testrun.WithResponseTime(1)),
		testrun.Item("s2", "q2", 2, testrun.WithLatencyClass(run.LatencySingle), testrun.WithResponseTime(2)),
		testrun.Item("s3", "q3", 3, testrun.WithLatencyClass(run.LatencySingle), testrun.WithResponseTime(9)),
		testrun.Item("s4", "q4", 4, testrun.WithLatencyClass(run.LatencySingle)),
		testrun.Item("m1", "q5", 5, testrun.WithLLM("DONE", map[string]float64{"latencyMulti": 3}), testrun.WithLatencyMs(4000)),
		testrun.Item("u1", "q6", 6, testrun.WithResponseTime(100)),
		testrun.Item("u2", "q7", 7, testrun.WithLLM("DONE", map[string]float64{"latencySingle": 1, "latencyMulti": 1})),
	}
	s := Aggregate(nil, items)

	assert.Equal(t, 4, s.LatencySingle.SampleCount)
	require.NotNil(t, s.LatencySingle.AvgSec)
	assert.Equal(t, 4.0, *s.LatencySingle.AvgSec)
	assert.Equal(t, testrun.Ptr(2.0), s.LatencySingle.P50Sec)
	assert.Equal(t, testrun.Ptr(9.0), s.LatencySingle.P90Sec)

	assert.Equal(t, 1, s.LatencyMulti.SampleCount)
	assert.Equal(t, testrun.Ptr(4.0), s.LatencyMulti.P50Sec)

	assert.Equal(t, 2, s.LatencyUnclassifiedCount)

	assert.Equal(t, 5, s.ResponseTime.SampleCount)
	assert.Equal(t, testrun.Ptr(4.0), s.ResponseTime.P50Sec)
	assert.Equal(t, testrun.Ptr(100.0), s.ResponseTime.P95Sec)
}

func TestConsistencyGating(t *testing.T) {
	withConsistency := func(v float64) testrun.ItemOpt {
		return testrun.WithLLM("DONE", map[string]float64{"consistency": v})
	}

	t.Run("every query once", func(t *testing.T) {
		items := []run.Item{
			testrun.Item("a", "q1", 1, withConsistency(5)),
			testrun.Item("b", "q2", 2, withConsistency(4)),
		}
		c := Consistency(items)
		assert.Equal(t, ConsistencyPending, c.Status)
		assert.Equal(t, ReasonInsufficientRepeats, c.Reason)
		assert.Nil(t, c.Score)
		assert.Equal(t, c, Aggregate(nil, items).Consistency)
	})

	t.Run("repeated query with metric", func(t *testing.T) {
		items := []run.Item{
			testrun.Item("a", "q1", 1),
			testrun.Item("b", "q1", 2, withConsistency(4)),
			testrun.Item("c", "q1", 3, withConsistency(1)),
			testrun.Item("d", "q2", 4, withConsistency(2)),
			testrun.Item("e", "q2", 5),
			testrun.Item("f", "q3", 6, withConsistency(0)),
		}
		c := Consistency(items)
		assert.Equal(t, ConsistencyReady, c.Status)
		assert.Empty(t, c.Reason)
		assert.Equal(t, 2, c.SampleCount)
		require.NotNil(t, c.Score)
		assert.Equal(t, 3.0, *c.Score)
	})

	t.Run("repeated query without metric", func(t *testing.T) {
		items := []run.Item{
			testrun.Item("a", "q1", 1),
			testrun.Item("b", "q1", 2),
		}
		assert.Equal(t, ConsistencyPending, Consistency(items).Status)
	})

	t.Run("empty query id never groups", func(t *testing.T) {
		items := []run.Item{
			testrun.Item("a", "", 1, withConsistency(5)),
			testrun.Item("b", "", 2, withConsistency(5)),
		}
		assert.Equal(t, ConsistencyPending, Consistency(items).Status)
	})
}

func TestQueryIdentityMatchesActionScope(t *testing.T) {
	items := []run.Item{
		testrun.Item("a", "q1", 1, testrun.WithLLM("DONE", map[string]float64{"consistency": 4})),
		testrun.Item("b", " q1 ", 2, testrun.WithLLM("DONE", map[string]float64{"consistency": 4})),
		testrun.Item("c", "q2", 3),
	}

	sc, ok := scope.For(items, "a")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"a", "b"}, sc.IDs)

	c := Consistency(items)
	assert.Equal(t, ConsistencyReady, c.Status)
	assert.Equal(t, 1, c.SampleCount)
	assert.Equal(t, 2, Aggregate(nil, items).DistinctQueries)
}

func TestAggregateOrderIndependent(t *testing.T) {
	items := []run.Item{
		testrun.Item("a", "q1", 1, testrun.WithResponseTime(1), testrun.WithLLM("DONE", map[string]float64{"intent": 1})),
		testrun.Item("b", "q2", 2, testrun.WithResponseTime(5), testrun.WithLLM("DONE", map[string]float64{"intent": 5})),
		testrun.Item("c", "q3", 3, testrun.WithError("x")),
		testrun.Item("d", "q4", 4, testrun.WithResponseTime(3)),
	}
	want := Aggregate(nil, items)

	rng := rand.New(rand.NewPCG(1, 2))
	for range 5 {
		shuffled := append([]run.Item(nil), items...)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		assert.Equal(t, want, Aggregate(nil, shuffled))
	}
}

func TestScoreBucketsJSON(t *testing.T) {
	b := ScoreBuckets{0, 1, 2, 3, 4, 5}
	data, err := json.Marshal(b)
	require.NoError(t, err)
	assert.JSONEq(t, `{"0":0,"1":1,"2":2,"3":3,"4":4,"5":5}`, string(data))

	var got ScoreBuckets
	require.NoError(t, json.Unmarshal([]byte(`{"2":7,"9":1,"x":3}`), &got))
	assert.Equal(t, ScoreBuckets{0, 0, 7, 0, 0, 0}, got)

	data, err = json.Marshal(ScoreBuckets{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"0":0,"1":0,"2":0,"3":0,"4":0,"5":0}`, string(data))
}
