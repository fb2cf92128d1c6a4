package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/wesm/qaview/internal/importer"
	"github.com/wesm/qaview/internal/run"
	"github.com/wesm/qaview/internal/testrun"
	"github.com/wesm/qaview/internal/timeutil"
)

type runSpec struct {
	name       string
	queries    int
	repeats    int
	errorEvery int // every Nth item fails; 0 disables
	pending    int // trailing items left unexecuted
	evaluated  bool
}

var specs = []runSpec{
	{"smoke-3", 3, 1, 0, 0, true},
	{"repeats-5x3", 5, 3, 0, 0, true},
	{"flaky-10x2", 10, 2, 4, 0, true},
	{"in-progress-8x2", 8, 2, 0, 5, true},
	{"unevaluated-6", 6, 1, 0, 0, false},
	{"large-100x3", 100, 3, 17, 12, true},
}

var latencyClasses = []run.LatencyClass{
	run.LatencySingle, run.LatencyMulti, run.LatencyUnclassified,
}

func main() {
	out := flag.String("out", "", "output directory for export files")
	flag.Parse()
	if *out == "" {
		fmt.Fprintln(os.Stderr, "usage: testfixture -out <dir>")
		os.Exit(1)
	}
	if err := os.MkdirAll(*out, 0o755); err != nil {
		log.Fatalf("creating output dir: %v", err)
	}

	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	for i, spec := range specs {
		exp := buildExport(spec, i, base)
		path := filepath.Join(*out, spec.name+".json")
		if err := writeExport(path, exp); err != nil {
			log.Fatalf("writing fixture %s: %v", spec.name, err)
		}
		fmt.Printf("  %s: %d items\n", spec.name, len(exp.Items))
	}

	fmt.Printf("Fixture exports written to %s\n", *out)
}

func writeExport(path string, exp importer.Export) error {
	data, err := json.MarshalIndent(exp, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func buildExport(spec runSpec, index int, base time.Time) importer.Export {
	startedAt := base.Add(time.Duration(index) * 24 * time.Hour)
	total := spec.queries * spec.repeats

	items := make([]run.Item, 0, total)
	for r := 1; r <= spec.repeats; r++ {
		for q := 1; q <= spec.queries; q++ {
			ord := len(items) + 1
			id := fmt.Sprintf("%s-%04d", spec.name, ord)
			queryID := fmt.Sprintf("%s-q%03d", spec.name, q)
			if ord > total-spec.pending {
				items = append(items, testrun.Pending(id, queryID, ord))
				continue
			}
			items = append(items, buildItem(spec, id, queryID, q, r, ord, startedAt))
		}
	}

	rn := run.Run{
		ID:         "fixture-" + spec.name,
		Name:       spec.name,
		Status:     "DONE",
		TotalItems: total,
		StartedAt:  timeutil.Format(startedAt),
		FinishedAt: timeutil.Format(startedAt.Add(time.Duration(total) * time.Minute)),
	}
	if spec.pending > 0 {
		rn.Status = "RUNNING"
		rn.FinishedAt = ""
	}
	for _, it := range items {
		if it.HasExecution() {
			rn.DoneItems++
		}
		if it.HasError() {
			rn.ErrorItems++
		}
		if it.LLMEvaluation != nil {
			rn.LLMDoneItems++
		}
	}
	if spec.evaluated && rn.LLMDoneItems > 0 {
		rn.EvalStatus = "DONE"
		rn.EvalStartedAt = rn.FinishedAt
		rn.EvalFinishedAt = timeutil.Format(
			startedAt.Add(time.Duration(2*total) * time.Minute),
		)
	}

	return importer.Export{
		SchemaVersion: "v1.0.0",
		Run:           rn,
		Items:         items,
	}
}

func buildItem(
	spec runSpec, id, queryID string, q, r, ord int, startedAt time.Time,
) run.Item {
	executed := startedAt.Add(time.Duration(ord) * time.Minute)
	sec := 1.5 + float64((q*7+r*3)%15)
	class := latencyClasses[q%len(latencyClasses)]

	opts := []testrun.ItemOpt{
		testrun.WithExecutedAt(timeutil.Format(executed)),
		testrun.WithRawJSON(testrun.AssistantJSON(
			fmt.Sprintf("answer to %s", queryID), sec,
		)),
		testrun.WithLatencyMs(sec * 1000),
		testrun.WithLatencyClass(class),
	}
	if spec.errorEvery > 0 && ord%spec.errorEvery == 0 {
		opts = append(opts, testrun.WithError(
			fmt.Sprintf("agent timeout after %.0fs", sec),
		))
	} else if spec.evaluated {
		opts = append(opts,
			testrun.WithLLM("DONE", scores(q, r)),
			testrun.WithLogic("DONE"),
		)
	}

	it := testrun.Item(id, queryID, ord, opts...)
	it.QueryText = fmt.Sprintf("fixture question %d", q)
	return it
}

// scores varies per query and drifts slightly between repeats.
func scores(q, r int) map[string]float64 {
	clamp := func(v float64) float64 { return max(0, min(5, v)) }
	base := float64(q%5) + 1
	return map[string]float64{
		"intent":      clamp(base),
		"accuracy":    clamp(base - 0.5 + float64(r%2)),
		"consistency": clamp(5 - float64(q%3)),
		"stability":   clamp(base + 0.25*float64(r-1)),
	}
}
