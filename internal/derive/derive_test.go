package derive

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/qaview/internal/run"
	"github.com/wesm/qaview/internal/testrun"
)

func TestDeriveResponseTime(t *testing.T) {
	tests := []struct {
		name string
		item run.Item
		want *float64
	}{
		{
			name: "explicit seconds win",
			item: testrun.Item("a", "q", 1,
				testrun.WithResponseTime(2.5),
				testrun.WithLatencyMs(9000),
				testrun.WithRawJSON(testrun.AssistantJSON("x", 7))),
			want: testrun.Ptr(2.5),
		},
		{
			name: "latency ms fallback",
			item: testrun.Item("a", "q", 1,
				testrun.WithLatencyMs(1500),
				testrun.WithRawJSON(testrun.AssistantJSON("x", 7))),
			want: testrun.Ptr(1.5),
		},
		{
			name: "embedded payload fallback",
			item: testrun.Item("a", "q", 1,
				testrun.WithRawJSON(testrun.AssistantJSON("x", 7))),
			want: testrun.Ptr(7.0),
		},
		{
			name: "non finite explicit ignored",
			item: testrun.Item("a", "q", 1,
				testrun.WithResponseTime(math.NaN()),
				testrun.WithLatencyMs(500)),
			want: testrun.Ptr(0.5),
		},
		{
			name: "nothing available",
			item: testrun.Item("a", "q", 1),
			want: nil,
		},
		{
			name: "malformed payload",
			item: testrun.Item("a", "q", 1,
				testrun.WithRawJSON("{broken")),
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Derive(tt.item).ResponseTimeSec)
		})
	}
}

func TestDeriveStability(t *testing.T) {
	tests := []struct {
		name string
		item run.Item
		want float64
	}{
		{
			name: "error without metric",
			item: testrun.Item("a", "q", 1, testrun.WithError("boom")),
			want: 0,
		},
		{
			name: "assistant message",
			item: testrun.Item("a", "q", 1),
			want: 5,
		},
		{
			name: "ui data only",
			item: testrun.Item("a", "q", 1,
				testrun.WithRawJSON(testrun.UIDataJSON("card"))),
			want: 5,
		},
		{
			name: "empty payload",
			item: testrun.Item("a", "q", 1,
				testrun.WithRawJSON(`{"assistantMessage":"","uiData":[]}`)),
			want: 0,
		},
		{
			name: "unparseable payload",
			item: testrun.Item("a", "q", 1, testrun.WithRawJSON("<html>")),
			want: 0,
		},
		{
			name: "missing payload",
			item: testrun.Item("a", "q", 1, testrun.WithRawJSON("")),
			want: 0,
		},
		{
			name: "explicit metric wins over error",
			item: testrun.Item("a", "q", 1,
				testrun.WithError("boom"),
				testrun.WithLLM("DONE", map[string]float64{"stability": 3})),
			want: 3,
		},
		{
			name: "legacy stability key",
			item: testrun.Item("a", "q", 1,
				testrun.WithLLM("DONE", map[string]float64{"안정성": 4})),
			want: 4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Derive(tt.item).StabilityScore
			require.NotNil(t, got)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestDeriveLatencyClass(t *testing.T) {
	tests := []struct {
		name     string
		explicit run.LatencyClass
		scores   map[string]float64
		want     run.LatencyClass
	}{
		{"explicit single", run.LatencySingle, map[string]float64{"latencyMulti": 3}, run.LatencySingle},
		{"explicit unclassified", run.LatencyUnclassified, map[string]float64{"latencySingle": 3}, run.LatencyUnclassified},
		{"invalid explicit ignored", "FAST", map[string]float64{"latencyMulti": 3}, run.LatencyMulti},
		{"single only", "", map[string]float64{"latencySingle": 4}, run.LatencySingle},
		{"multi only legacy key", "", map[string]float64{"멀티응답속도": 4}, run.LatencyMulti},
		{"both present", "", map[string]float64{"latencySingle": 4, "latencyMulti": 2}, run.LatencyUnclassified},
		{"neither present", "", map[string]float64{"intent": 4}, run.LatencyUnclassified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it := testrun.Item("a", "q", 1,
				testrun.WithLatencyClass(tt.explicit),
				testrun.WithLLM("DONE", tt.scores))
			assert.Equal(t, tt.want, Derive(it).LatencyClass)
		})
	}
}

func TestDeriveTotalScore(t *testing.T) {
	t.Run("upstream total wins", func(t *testing.T) {
		it := testrun.Item("a", "q", 1,
			testrun.WithLLM("DONE", map[string]float64{"intent": 1, "accuracy": 1}),
			testrun.WithTotalScore(4.2))
		got := Derive(it).TotalScore
		require.NotNil(t, got)
		assert.Equal(t, 4.2, *got)
	})

	t.Run("fallback mean excludes consistency", func(t *testing.T) {
		it := testrun.Item("a", "q", 1,
			testrun.WithLLM("DONE", map[string]float64{
				"intent": 4, "accuracy": 2, "consistency": 0,
			}))
		got := Derive(it).TotalScore
		require.NotNil(t, got)
		// stability derives to 5 from the healthy payload
		assert.InDelta(t, (4.0+2.0+5.0)/3, *got, 1e-9)
	})

	t.Run("non finite upstream falls back", func(t *testing.T) {
		it := testrun.Item("a", "q", 1,
			testrun.WithLLM("DONE", map[string]float64{"intent": 3}),
			testrun.WithTotalScore(math.Inf(1)))
		got := Derive(it).TotalScore
		require.NotNil(t, got)
		assert.InDelta(t, 4.0, *got, 1e-9)
	})

	t.Run("encoded scores", func(t *testing.T) {
		it := testrun.Item("a", "q", 1)
		it.LLMEvaluation = &run.Evaluation{
			Status:       "DONE",
			MetricScores: testrun.EncodedScores(map[string]float64{"의도": 2, "정확도": 2, "stability": 2}),
		}
		got := Derive(it).TotalScore
		require.NotNil(t, got)
		assert.InDelta(t, 2.0, *got, 1e-9)
	})

	t.Run("malformed scores", func(t *testing.T) {
		it := testrun.Item("a", "q", 1)
		it.LLMEvaluation = &run.Evaluation{
			Status:       "DONE",
			MetricScores: json.RawMessage(`"{oops"`),
		}
		m := Derive(it)
		assert.Nil(t, m.IntentScore)
		require.NotNil(t, m.TotalScore)
		assert.Equal(t, 5.0, *m.TotalScore)
	})
}

func TestDeriveAbnormal(t *testing.T) {
	tests := []struct {
		name string
		item run.Item
		want bool
	}{
		{"healthy", testrun.Item("a", "q", 1, testrun.WithLLM("DONE", nil)), false},
		{"error", testrun.Item("a", "q", 1, testrun.WithError("boom")), true},
		{"whitespace error", testrun.Item("a", "q", 1, func(it *run.Item) { it.Error = "  " }), false},
		{"llm error", testrun.Item("a", "q", 1, testrun.WithLLM("llm_error", nil)), true},
		{"llm failed", testrun.Item("a", "q", 1, testrun.WithLLM("Failed", nil)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Derive(tt.item).Abnormal)
		})
	}
}

func TestDerivePending(t *testing.T) {
	it := testrun.Pending("p", "q", 3)
	it.LatencyClass = run.LatencyMulti
	m := Derive(it)
	assert.Equal(t, Metrics{
		ItemID:       "p",
		Pending:      true,
		LatencyClass: run.LatencyUnclassified,
	}, m)
}

func TestDeriveDoesNotMutateInput(t *testing.T) {
	rt := 2.0
	it := testrun.Item("a", "q", 1, testrun.WithResponseTime(rt))
	m := Derive(it)
	*m.ResponseTimeSec = 99
	assert.Equal(t, 2.0, *it.ResponseTimeSec)
}

func TestBucket(t *testing.T) {
	tests := []struct {
		q    float64
		want int
	}{
		{-1, 0}, {0, 0}, {0.49, 0}, {0.5, 1}, {2.5, 3},
		{3.4, 3}, {4.6, 5}, {5, 5}, {7, 5},
		{1e19, 5}, {1e300, 5}, {-1e19, 0}, {math.Inf(1), 5}, {math.NaN(), 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Bucket(tt.q), "Bucket(%v)", tt.q)
	}
}

func TestScoreBucketHugeScores(t *testing.T) {
	it := testrun.Item("a", "q", 1, testrun.WithLLM("DONE", map[string]float64{
		"intent": 3e19, "accuracy": 3e19, "stability": 3e19,
	}))
	m := Derive(it)
	b := ScoreBucket(m)
	require.NotNil(t, b)
	assert.Equal(t, 5, *b)
}

func TestQuality(t *testing.T) {
	assert.Nil(t, Quality(Metrics{IntentScore: testrun.Ptr(5.0)}))

	q := Quality(Metrics{
		AccuracyScore:  testrun.Ptr(3.0),
		StabilityScore: testrun.Ptr(3.0),
	})
	require.NotNil(t, q)
	assert.InDelta(t, 2.0, *q, 1e-9)

	b := ScoreBucket(Metrics{StabilityScore: testrun.Ptr(5.0)})
	require.NotNil(t, b)
	assert.Equal(t, 2, *b)
}

func TestMean(t *testing.T) {
	assert.Nil(t, Mean())
	assert.Nil(t, Mean(nil, nil))
	got := Mean(testrun.Ptr(1.0), nil, testrun.Ptr(4.0))
	require.NotNil(t, got)
	assert.Equal(t, 2.5, *got)
}
