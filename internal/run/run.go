// Package run defines the run and run item records supplied by
// the backoffice export. Records are treated as immutable input
// by every engine package.
package run

import (
	"encoding/json"
	"strings"
)

// LatencyClass is the response-speed category of an item.
type LatencyClass string

const (
	LatencySingle       LatencyClass = "SINGLE"
	LatencyMulti        LatencyClass = "MULTI"
	LatencyUnclassified LatencyClass = "UNCLASSIFIED"
)

// Valid reports whether c is one of the three known classes.
// The empty class is not valid.
func (c LatencyClass) Valid() bool {
	switch c {
	case LatencySingle, LatencyMulti, LatencyUnclassified:
		return true
	}
	return false
}

// Evaluation is an upstream evaluation result attached to an
// item. MetricScores holds either a JSON object or a JSON string
// containing an encoded object.
type Evaluation struct {
	Status       string          `json:"status"`
	MetricScores json.RawMessage `json:"metricScores,omitempty"`
	TotalScore   *float64        `json:"totalScore,omitempty"`
	Result       string          `json:"result,omitempty"`
}

// Item is one execution of one query within a run.
type Item struct {
	ID        string `json:"id"`
	QueryID   string `json:"queryId"`
	Ordinal   int    `json:"ordinal"`
	QueryText string `json:"queryText,omitempty"`

	ExecutedAt      string       `json:"executedAt,omitempty"`
	RawResponse     string       `json:"rawResponse,omitempty"`
	Error           string       `json:"error,omitempty"`
	RawJSON         string       `json:"rawJson,omitempty"`
	ResponseTimeSec *float64     `json:"responseTimeSec,omitempty"`
	LatencyMs       *float64     `json:"latencyMs,omitempty"`
	LatencyClass    LatencyClass `json:"latencyClass,omitempty"`

	LLMEvaluation   *Evaluation `json:"llmEvaluation,omitempty"`
	LogicEvaluation *Evaluation `json:"logicEvaluation,omitempty"`
}

// HasExecution reports whether the item carries any execution
// result.
func (it Item) HasExecution() bool {
	return strings.TrimSpace(it.ExecutedAt) != "" ||
		strings.TrimSpace(it.Error) != "" ||
		strings.TrimSpace(it.RawResponse) != ""
}

// HasEvaluation reports whether a logic or LLM evaluation is
// attached.
func (it Item) HasEvaluation() bool {
	return it.LLMEvaluation != nil || it.LogicEvaluation != nil
}

// Pending reports whether the item has not been executed yet.
func (it Item) Pending() bool {
	return !it.HasExecution()
}

// HasError reports whether the item failed with a non-empty
// error message.
func (it Item) HasError() bool {
	return strings.TrimSpace(it.Error) != ""
}

// QueryKey is the logical query identity: the query id with
// surrounding whitespace removed. Items with an empty key belong to
// no logical query.
func (it Item) QueryKey() string {
	return strings.TrimSpace(it.QueryID)
}

// LLMStatus returns the LLM evaluation status, or "".
func (it Item) LLMStatus() string {
	if it.LLMEvaluation == nil {
		return ""
	}
	return it.LLMEvaluation.Status
}

// LogicStatus returns the logic evaluation status, or "".
func (it Item) LogicStatus() string {
	if it.LogicEvaluation == nil {
		return ""
	}
	return it.LogicEvaluation.Status
}

// Run is the aggregate record of one execution/evaluation batch.
type Run struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Status     string `json:"status,omitempty"`
	EvalStatus string `json:"evalStatus,omitempty"`

	TotalItems   int `json:"totalItems"`
	DoneItems    int `json:"doneItems"`
	ErrorItems   int `json:"errorItems"`
	LLMDoneItems int `json:"llmDoneItems"`

	StartedAt      string `json:"startedAt,omitempty"`
	FinishedAt     string `json:"finishedAt,omitempty"`
	EvalStartedAt  string `json:"evalStartedAt,omitempty"`
	EvalFinishedAt string `json:"evalFinishedAt,omitempty"`

	// CreatedAt is set by the local cache on import.
	CreatedAt string `json:"createdAt,omitempty"`
}
