package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/wesm/qaview/internal/db"
	"github.com/wesm/qaview/internal/kpi"
	"github.com/wesm/qaview/internal/rows"
)

// Report views.
const (
	viewKPI     = "kpi"
	viewHistory = "history"
	viewResults = "results"
)

// Output formats.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatCSV   = "csv"
)

// ReportConfig holds parsed CLI options for the report command.
type ReportConfig struct {
	RunID  string
	View   string
	Preset rows.Preset
	Where  string
	Format string
}

func parseReportFlags(args []string) (ReportConfig, error) {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	runID := fs.String("run", "", "Run id")
	view := fs.String("view", viewKPI, "kpi, history or results")
	preset := fs.String("preset", "", "Quick filter: low, abnormal or slow")
	where := fs.String("where", "", "Filter expression")
	format := fs.String("format", formatTable, "table, json or csv")

	if err := fs.Parse(args); err != nil {
		return ReportConfig{}, err
	}

	cfg := ReportConfig{
		RunID:  strings.TrimSpace(*runID),
		View:   strings.ToLower(*view),
		Preset: rows.Preset(strings.ToLower(*preset)),
		Where:  *where,
		Format: strings.ToLower(*format),
	}
	if cfg.RunID == "" {
		return ReportConfig{}, errors.New("-run is required")
	}
	switch cfg.View {
	case viewKPI, viewHistory, viewResults:
	default:
		return ReportConfig{}, fmt.Errorf("unknown view %q", cfg.View)
	}
	switch cfg.Format {
	case formatTable, formatJSON, formatCSV:
	default:
		return ReportConfig{}, fmt.Errorf("unknown format %q", cfg.Format)
	}
	if cfg.View == viewKPI && (cfg.Preset != rows.PresetNone || cfg.Where != "") {
		return ReportConfig{}, errors.New("-preset and -where apply to history and results only")
	}
	return cfg, nil
}

// Reporter renders run views from the cache.
type Reporter struct {
	DB         *db.DB
	Out        io.Writer
	Thresholds rows.Thresholds
	Location   *time.Location
}

// filter builds the row filter for cfg. The where expression
// comes first and the preset flag is merged over it.
func (r *Reporter) filter(cfg ReportConfig) (rows.Filter, error) {
	var f rows.Filter
	if expr := strings.TrimSpace(cfg.Where); expr != "" {
		var err error
		if f, err = rows.ParseWhere(expr); err != nil {
			return rows.Filter{}, err
		}
	}
	if f.Location == nil {
		f.Location = r.Location
	}
	f = f.Merge(rows.Filter{Preset: cfg.Preset, Thresholds: r.Thresholds})
	if err := f.Validate(); err != nil {
		return rows.Filter{}, err
	}
	return f, nil
}

// Report prints the configured view of one run.
func (r *Reporter) Report(ctx context.Context, cfg ReportConfig) error {
	f, err := r.filter(cfg)
	if err != nil {
		return err
	}
	rec, err := r.DB.GetRun(ctx, cfg.RunID)
	if err != nil {
		return err
	}
	items, err := r.DB.ListItems(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("loading items: %w", err)
	}

	opts := rows.Options{Location: f.Location}
	switch cfg.View {
	case viewHistory:
		all := rows.SortHistory(rows.BuildHistory(items, opts))
		return r.renderHistory(cfg.Format, rows.Apply(all, f), len(all))
	case viewResults:
		all := rows.SortResults(rows.BuildResults(items, opts))
		return r.renderResults(cfg.Format, rows.Apply(all, f), len(all))
	default:
		return r.renderKPI(cfg.Format, rec, kpi.Aggregate(&rec.Run, items))
	}
}

func (r *Reporter) newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(r.Out)
	t.SetStyle(table.StyleLight)
	return t
}

func (r *Reporter) render(t table.Writer, format string) {
	if format == formatCSV {
		t.RenderCSV()
		return
	}
	t.Render()
}

func (r *Reporter) writeJSON(v any) error {
	enc := json.NewEncoder(r.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (r *Reporter) renderKPI(format string, rec db.RunRecord, s kpi.Summary) error {
	if format == formatJSON {
		return r.writeJSON(s)
	}

	t := r.newTable()
	if format == formatTable {
		title := rec.ID
		if rec.Name != "" {
			title = rec.Name + " (" + rec.ID + ")"
		}
		t.SetTitle("%s", title)
	}
	t.AppendHeader(table.Row{"KPI", "Value", "Samples", "Note"})
	score := func(name string, m kpi.MetricKPI) {
		t.AppendRow(table.Row{name, fmtScore(m.Score), m.SampleCount, m.NotAggregatedReason})
	}
	score("Intent", s.Intent)
	score("Accuracy", s.Accuracy)
	t.AppendRow(table.Row{
		"Consistency", fmtScore(s.Consistency.Score),
		s.Consistency.SampleCount, s.Consistency.Reason,
	})
	score("Stability", s.Stability)
	score("Total", s.Total)
	t.AppendSeparator()
	t.AppendRow(table.Row{"Response avg", fmtSec(s.ResponseTime.AvgSec), s.ResponseTime.SampleCount, ""})
	t.AppendRow(table.Row{"Response p50", fmtSec(s.ResponseTime.P50Sec), s.ResponseTime.SampleCount, ""})
	t.AppendRow(table.Row{"Response p95", fmtSec(s.ResponseTime.P95Sec), s.ResponseTime.SampleCount, ""})
	latency := func(name string, l kpi.LatencyKPI) {
		t.AppendRow(table.Row{
			name + " avg/p50/p90",
			fmtSec(l.AvgSec) + " / " + fmtSec(l.P50Sec) + " / " + fmtSec(l.P90Sec),
			l.SampleCount, "",
		})
	}
	latency("Single", s.LatencySingle)
	latency("Multi", s.LatencyMulti)
	t.AppendRow(table.Row{"Unclassified", s.LatencyUnclassifiedCount, "", ""})
	t.AppendSeparator()
	t.AppendRow(table.Row{"Done", fmt.Sprintf("%d/%d", s.DoneRows, s.TotalRows), "", fmtRate(s.DoneRate)})
	t.AppendRow(table.Row{"Errors", s.ErrorRows, "", fmtRate(s.ErrorRate)})
	t.AppendRow(table.Row{"Pending", s.PendingRows, "", ""})
	t.AppendRow(table.Row{"Evaluated", s.EvaluatedRows, "", fmtRate(s.EvalRate)})
	t.AppendRow(table.Row{"Passed", s.PassRows, "", fmtRate(s.PassRate)})
	t.AppendRow(table.Row{"Empty", s.EmptyRows, "", fmtRate(s.EmptyRate)})
	t.AppendRow(table.Row{"Abnormal", s.AbnormalRows, "", ""})
	t.AppendRow(table.Row{"Queries", s.DistinctQueries, "", ""})
	buckets := make([]string, len(s.ScoreBuckets))
	for i, c := range s.ScoreBuckets {
		buckets[i] = strconv.Itoa(i) + ":" + strconv.Itoa(c)
	}
	t.AppendRow(table.Row{"Score buckets", strings.Join(buckets, " "), s.ScoreBuckets.Total(), ""})
	t.AppendRow(table.Row{"Execution", fmtSec(s.ExecutionSec), "", ""})
	t.AppendRow(table.Row{"Evaluation", fmtSec(s.EvaluationSec), "", ""})
	r.render(t, format)
	return nil
}

func (r *Reporter) renderHistory(format string, hs []rows.HistoryRow, total int) error {
	if format == formatJSON {
		return r.writeJSON(hs)
	}
	t := r.newTable()
	t.AppendHeader(table.Row{"#", "ID", "Query", "Status", "Executed", "Response", "Result"})
	for _, h := range hs {
		t.AppendRow(table.Row{
			h.Ordinal, h.ID, h.QueryID, h.Status,
			h.ExecutedAtText, h.ResponseTimeText, h.ErrorSummary,
		})
	}
	r.render(t, format)
	r.footer(format, len(hs), total)
	return nil
}

func (r *Reporter) renderResults(format string, rs []rows.ResultsRow, total int) error {
	if format == formatJSON {
		return r.writeJSON(rs)
	}
	t := r.newTable()
	t.AppendHeader(table.Row{
		"#", "ID", "Query", "Intent", "Accuracy", "Consistency",
		"Stability", "Total", "Response", "Latency", "Bucket",
	})
	for _, x := range rs {
		t.AppendRow(table.Row{
			x.Ordinal, x.ID, x.QueryID, x.IntentText, x.AccuracyText,
			x.ConsistencyText, x.StabilityText, x.TotalText,
			x.ResponseTimeText, x.LatencyClassLabel, x.ScoreBucketText,
		})
	}
	r.render(t, format)
	r.footer(format, len(rs), total)
	return nil
}

func (r *Reporter) footer(format string, shown, total int) {
	if format == formatTable {
		fmt.Fprintf(r.Out, "(%d of %d rows)\n", shown, total)
	}
}

func fmtScore(v *float64) string {
	if v == nil {
		return rows.NotAggregated
	}
	return fmt.Sprintf("%.2f", *v)
}

func fmtSec(v *float64) string {
	if v == nil {
		return rows.EmptyMark
	}
	return fmt.Sprintf("%.2fs", *v)
}

func fmtRate(v *float64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%.1f%%", *v*100)
}

func runReport(args []string) {
	cfg, err := parseReportFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	appCfg := mustLoadMinimal()
	loc, err := appCfg.Location()
	if err != nil {
		log.Fatalf("loading timezone: %v", err)
	}
	database := mustOpenDB(appCfg)
	defer database.Close()

	reporter := &Reporter{
		DB:         database,
		Out:        os.Stdout,
		Thresholds: appCfg.Thresholds(),
		Location:   loc,
	}
	if err := reporter.Report(context.Background(), cfg); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
