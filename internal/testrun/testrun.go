// Package testrun provides shared run and run item fixture
// builders for engine, storage, importer and server tests.
package testrun

import (
	"encoding/json"
	"fmt"

	"github.com/wesm/qaview/internal/run"
)

// Timestamp constants for fixture data.
const (
	TsRunStart = "2024-06-01T09:00:00Z"
	TsRunEnd   = "2024-06-01T09:10:00Z"
	TsEvalEnd  = "2024-06-01T09:20:00Z"
)

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// AssistantJSON returns a raw agent payload with an assistant
// message and an optional embedded response time.
func AssistantJSON(message string, responseTimeSec ...float64) string {
	m := map[string]any{"assistantMessage": message}
	if len(responseTimeSec) > 0 {
		m["responseTimeSec"] = responseTimeSec[0]
	}
	return mustMarshal(m)
}

// UIDataJSON returns a raw agent payload with a UI data list
// and no assistant message.
func UIDataJSON(cards ...string) string {
	data := make([]map[string]any, len(cards))
	for i, c := range cards {
		data[i] = map[string]any{"type": "card", "title": c}
	}
	return mustMarshal(map[string]any{"uiData": data})
}

// Scores returns an encoded metricScores object.
func Scores(kv map[string]float64) json.RawMessage {
	return json.RawMessage(mustMarshal(kv))
}

// EncodedScores returns metricScores as a JSON string holding
// the encoded object, as older evaluator versions stored it.
func EncodedScores(kv map[string]float64) json.RawMessage {
	return json.RawMessage(mustMarshal(mustMarshal(kv)))
}

// ItemOpt customizes an item built by Item.
type ItemOpt func(*run.Item)

// Item builds an executed item with a healthy assistant payload.
// ExecutedAt is derived from the ordinal so later ordinals sort
// as more recent.
func Item(id, queryID string, ordinal int, opts ...ItemOpt) run.Item {
	it := run.Item{
		ID:          id,
		QueryID:     queryID,
		Ordinal:     ordinal,
		QueryText:   fmt.Sprintf("query %s", queryID),
		ExecutedAt:  fmt.Sprintf("2024-06-01T09:%02d:00Z", ordinal%60),
		RawResponse: "ok",
		RawJSON:     AssistantJSON("ok"),
	}
	for _, opt := range opts {
		opt(&it)
	}
	return it
}

// Pending builds an item that has not been executed.
func Pending(id, queryID string, ordinal int) run.Item {
	return run.Item{ID: id, QueryID: queryID, Ordinal: ordinal}
}

// WithError marks the item as failed.
func WithError(msg string) ItemOpt {
	return func(it *run.Item) {
		it.Error = msg
		it.RawResponse = ""
		it.RawJSON = ""
	}
}

// WithResponseTime sets the explicit response time.
func WithResponseTime(sec float64) ItemOpt {
	return func(it *run.Item) { it.ResponseTimeSec = &sec }
}

// WithLatencyMs sets the latency in milliseconds.
func WithLatencyMs(ms float64) ItemOpt {
	return func(it *run.Item) { it.LatencyMs = &ms }
}

// WithLatencyClass sets the explicit latency class.
func WithLatencyClass(c run.LatencyClass) ItemOpt {
	return func(it *run.Item) { it.LatencyClass = c }
}

// WithRawJSON replaces the raw agent payload.
func WithRawJSON(raw string) ItemOpt {
	return func(it *run.Item) { it.RawJSON = raw }
}

// WithExecutedAt sets the execution timestamp.
func WithExecutedAt(ts string) ItemOpt {
	return func(it *run.Item) { it.ExecutedAt = ts }
}

// WithLLM attaches an LLM evaluation with the given status and
// metric scores.
func WithLLM(status string, scores map[string]float64) ItemOpt {
	return func(it *run.Item) {
		ev := &run.Evaluation{Status: status}
		if scores != nil {
			ev.MetricScores = Scores(scores)
		}
		it.LLMEvaluation = ev
	}
}

// WithTotalScore sets the upstream total score, creating the LLM
// evaluation when needed.
func WithTotalScore(score float64) ItemOpt {
	return func(it *run.Item) {
		if it.LLMEvaluation == nil {
			it.LLMEvaluation = &run.Evaluation{Status: "DONE"}
		}
		it.LLMEvaluation.TotalScore = &score
	}
}

// WithLogic attaches a logic evaluation with the given status.
func WithLogic(status string) ItemOpt {
	return func(it *run.Item) {
		it.LogicEvaluation = &run.Evaluation{Status: status}
	}
}

// Run builds a run with the given total and done counters.
func Run(id string, total, done int) *run.Run {
	return &run.Run{
		ID:         id,
		Name:       "run " + id,
		Status:     "DONE",
		TotalItems: total,
		DoneItems:  done,
		StartedAt:  TsRunStart,
		FinishedAt: TsRunEnd,
	}
}

func mustMarshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
