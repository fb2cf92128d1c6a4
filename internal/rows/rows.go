// Package rows builds the history and results table rows for a
// run and provides their deterministic sort orders and filters.
package rows

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wesm/qaview/internal/derive"
	"github.com/wesm/qaview/internal/run"
	"github.com/wesm/qaview/internal/timeutil"
)

// Display markers.
const (
	NormalMark    = "정상"
	NotAggregated = "N/A"
	EmptyMark     = "-"
)

// Status is the execution status shown in the history table.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusStopped Status = "stopped"
	StatusPending Status = "pending"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusStopped, StatusPending:
		return true
	}
	return false
}

// Core is the part shared by both row types: identity, derived
// metrics and the keys used for sorting and filtering.
type Core struct {
	ID          string         `json:"id"`
	QueryID     string         `json:"query_id"`
	Ordinal     int            `json:"ordinal"`
	QueryText   string         `json:"query_text,omitempty"`
	ExecutedAt  string         `json:"executed_at,omitempty"`
	Executed    time.Time      `json:"-"`
	Status      Status         `json:"status"`
	HasError    bool           `json:"has_error"`
	Metrics     derive.Metrics `json:"metrics"`
	ScoreBucket *int           `json:"score_bucket"`
}

// Row is implemented by HistoryRow and ResultsRow.
type Row interface {
	Base() Core
}

// HistoryRow is a row of the validation history table.
type HistoryRow struct {
	Core
	Kind             string `json:"kind"`
	Error            string `json:"error,omitempty"`
	ErrorSummary     string `json:"error_summary"`
	ExecutedAtText   string `json:"executed_at_text"`
	ResponseTimeText string `json:"response_time_text"`
	LLMStatus        string `json:"llm_status,omitempty"`
	LogicStatus      string `json:"logic_status,omitempty"`
}

// Base returns the shared row core.
func (r HistoryRow) Base() Core { return r.Core }

// ResultsRow is a row of the results table.
type ResultsRow struct {
	Core
	Kind              string `json:"kind"`
	IntentText        string `json:"intent_text"`
	AccuracyText      string `json:"accuracy_text"`
	ConsistencyText   string `json:"consistency_text"`
	StabilityText     string `json:"stability_text"`
	TotalText         string `json:"total_text"`
	ResponseTimeText  string `json:"response_time_text"`
	LatencyClassLabel string `json:"latency_class_label"`
	ScoreBucketText   string `json:"score_bucket_text"`
	LLMStatus         string `json:"llm_status,omitempty"`
}

// Base returns the shared row core.
func (r ResultsRow) Base() Core { return r.Core }

// Row kinds, set on the JSON form so consumers can tell the two
// shapes apart.
const (
	KindHistory = "history"
	KindResults = "results"
)

// Options controls display formatting.
type Options struct {
	// Location is used for timestamp text; nil means UTC.
	Location *time.Location
}

// BuildHistory maps items to history rows, preserving order.
func BuildHistory(items []run.Item, opts Options) []HistoryRow {
	out := make([]HistoryRow, len(items))
	for i, it := range items {
		c := newCore(it)
		summary := NormalMark
		if c.HasError {
			summary = strings.TrimSpace(it.Error)
		}
		out[i] = HistoryRow{
			Core:             c,
			Kind:             KindHistory,
			Error:            it.Error,
			ErrorSummary:     summary,
			ExecutedAtText:   executedText(it.ExecutedAt, opts.Location),
			ResponseTimeText: secondsText(c.Metrics.ResponseTimeSec),
			LLMStatus:        it.LLMStatus(),
			LogicStatus:      it.LogicStatus(),
		}
	}
	return out
}

// BuildResults maps items to results rows, preserving order.
func BuildResults(items []run.Item, opts Options) []ResultsRow {
	out := make([]ResultsRow, len(items))
	for i, it := range items {
		c := newCore(it)
		m := c.Metrics
		bucket := NotAggregated
		if c.ScoreBucket != nil {
			bucket = strconv.Itoa(*c.ScoreBucket)
		}
		out[i] = ResultsRow{
			Core:              c,
			Kind:              KindResults,
			IntentText:        scoreText(m.IntentScore),
			AccuracyText:      scoreText(m.AccuracyScore),
			ConsistencyText:   scoreText(m.ConsistencyScore),
			StabilityText:     scoreText(m.StabilityScore),
			TotalText:         scoreText(m.TotalScore),
			ResponseTimeText:  secondsText(m.ResponseTimeSec),
			LatencyClassLabel: LatencyLabel(m.LatencyClass),
			ScoreBucketText:   bucket,
			LLMStatus:         it.LLMStatus(),
		}
	}
	return out
}

func newCore(it run.Item) Core {
	m := derive.Derive(it)
	executed, _ := timeutil.Parse(it.ExecutedAt)
	return Core{
		ID:          it.ID,
		QueryID:     it.QueryID,
		Ordinal:     it.Ordinal,
		QueryText:   it.QueryText,
		ExecutedAt:  it.ExecutedAt,
		Executed:    executed,
		Status:      StatusOf(it),
		HasError:    it.HasError(),
		Metrics:     m,
		ScoreBucket: derive.ScoreBucket(m),
	}
}

// StatusOf classifies an item for the history table.
func StatusOf(it run.Item) Status {
	switch {
	case it.HasError():
		return StatusFailed
	case strings.TrimSpace(it.ExecutedAt) != "",
		strings.TrimSpace(it.RawResponse) != "":
		return StatusSuccess
	case skipped(it.LLMStatus()), skipped(it.LogicStatus()):
		return StatusStopped
	}
	return StatusPending
}

func skipped(status string) bool {
	return strings.HasPrefix(
		strings.ToUpper(strings.TrimSpace(status)), "SKIPPED",
	)
}

// LatencyLabel returns the display label of a latency class.
func LatencyLabel(c run.LatencyClass) string {
	switch c {
	case run.LatencySingle:
		return "Single"
	case run.LatencyMulti:
		return "Multi"
	}
	return "Unclassified"
}

func scoreText(v *float64) string {
	if v == nil {
		return NotAggregated
	}
	return fmt.Sprintf("%.2f", *v)
}

func secondsText(v *float64) string {
	if v == nil {
		return EmptyMark
	}
	return fmt.Sprintf("%.2fs", *v)
}

func executedText(ts string, loc *time.Location) string {
	if strings.TrimSpace(ts) == "" {
		return EmptyMark
	}
	return timeutil.Display(ts, loc)
}
