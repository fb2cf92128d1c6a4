package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/wesm/qaview/internal/db"
)

// PruneConfig holds parsed CLI options for the prune command.
type PruneConfig struct {
	RunIDs []string
	Before string // YYYY-MM-DD, exclusive
	DryRun bool
	Yes    bool
}

// HasFilters reports whether any selection was given.
func (c PruneConfig) HasFilters() bool {
	return len(c.RunIDs) > 0 || c.Before != ""
}

func parsePruneFlags(args []string) (PruneConfig, error) {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	runs := fs.String(
		"run", "",
		"Comma-separated run ids to delete",
	)
	before := fs.String(
		"before", "",
		"Runs imported before this date (YYYY-MM-DD)",
	)
	dryRun := fs.Bool(
		"dry-run", false,
		"Show what would be pruned without deleting",
	)
	yes := fs.Bool(
		"yes", false,
		"Skip confirmation prompt",
	)

	if err := fs.Parse(args); err != nil {
		return PruneConfig{}, err
	}

	cfg := PruneConfig{
		Before: strings.TrimSpace(*before),
		DryRun: *dryRun,
		Yes:    *yes,
	}
	for id := range strings.SplitSeq(*runs, ",") {
		if id = strings.TrimSpace(id); id != "" {
			cfg.RunIDs = append(cfg.RunIDs, id)
		}
	}
	if cfg.Before != "" {
		if _, err := time.Parse("2006-01-02", cfg.Before); err != nil {
			return PruneConfig{}, fmt.Errorf(
				"invalid before date %q: use YYYY-MM-DD", cfg.Before,
			)
		}
	}

	if !cfg.HasFilters() {
		return PruneConfig{}, errors.New(
			"at least one filter is required\nuse --run or --before",
		)
	}
	return cfg, nil
}

// Pruner executes the prune workflow against a database.
type Pruner struct {
	DB  *db.DB
	Out io.Writer
	In  io.Reader
}

// Prune finds matching runs and deletes them from the cache. The
// export files are left alone.
func (p *Pruner) Prune(ctx context.Context, cfg PruneConfig) error {
	if !cfg.HasFilters() {
		return errors.New(
			"at least one filter is required (refusing to prune all runs)",
		)
	}

	candidates, err := p.candidates(ctx, cfg)
	if err != nil {
		return fmt.Errorf("finding candidates: %w", err)
	}

	if len(candidates) == 0 {
		fmt.Fprintln(p.Out, "No runs match the given filters.")
		return nil
	}

	writeRunSummary(p.Out, candidates)

	if cfg.DryRun {
		fmt.Fprintln(p.Out, "\nDry run: no changes made.")
		return nil
	}

	if !cfg.Yes {
		msg := fmt.Sprintf("\nDelete %d runs?", len(candidates))
		if !confirm(p.In, p.Out, msg) {
			fmt.Fprintln(p.Out, "Aborted.")
			return nil
		}
	}

	ids := make([]string, len(candidates))
	for i, r := range candidates {
		ids[i] = r.ID
	}
	deleted, err := p.DB.DeleteRuns(ids)
	if err != nil {
		return fmt.Errorf("deleting runs: %w", err)
	}
	fmt.Fprintf(p.Out, "\nDeleted %d runs\n", deleted)
	return nil
}

// candidates pages through every cached run and keeps those
// matching all given filters.
func (p *Pruner) candidates(ctx context.Context, cfg PruneConfig) ([]db.RunRecord, error) {
	var out []db.RunRecord
	f := db.RunFilter{Limit: db.MaxRunLimit}
	for {
		page, err := p.DB.ListRuns(ctx, f)
		if err != nil {
			return nil, err
		}
		for _, r := range page.Runs {
			if len(cfg.RunIDs) > 0 && !slices.Contains(cfg.RunIDs, r.ID) {
				continue
			}
			if cfg.Before != "" && !createdBefore(r.CreatedAt, cfg.Before) {
				continue
			}
			out = append(out, r)
		}
		if page.NextCursor == "" {
			return out, nil
		}
		f.Cursor = page.NextCursor
	}
}

// createdBefore compares the date part of an ISO-8601 timestamp.
func createdBefore(createdAt, day string) bool {
	if len(createdAt) < len(day) {
		return false
	}
	return createdAt[:len(day)] < day
}

func writeRunSummary(w io.Writer, runs []db.RunRecord) {
	items := 0
	for _, r := range runs {
		items += r.TotalItems
	}
	fmt.Fprintf(w, "Found %d runs (%d items)\n\n", len(runs), items)
	for _, r := range runs {
		name := r.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "  %-36s %-24s %5d items  %s\n",
			r.ID, name, r.TotalItems, r.CreatedAt)
	}
}

func runPrune(args []string) {
	cfg, err := parsePruneFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	appCfg := mustLoadMinimal()
	database := mustOpenDB(appCfg)
	defer database.Close()

	pruner := &Pruner{
		DB:  database,
		Out: os.Stdout,
		In:  os.Stdin,
	}
	if err := pruner.Prune(context.Background(), cfg); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
