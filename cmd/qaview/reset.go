package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/wesm/qaview/internal/db"
	"github.com/wesm/qaview/internal/scope"
)

// ResetConfig holds parsed CLI options for the reset command.
type ResetConfig struct {
	RunID  string
	ItemID string
	Mode   db.ResetMode
	DryRun bool
	Yes    bool
}

func parseResetFlags(args []string) (ResetConfig, error) {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	runID := fs.String("run", "", "Run id")
	itemID := fs.String("item", "", "Item id whose query group is reset")
	mode := fs.String(
		"mode", string(db.ResetAll),
		"all clears execution and evaluation, eval clears evaluation only",
	)
	dryRun := fs.Bool(
		"dry-run", false,
		"Show the items that would be reset without changing them",
	)
	yes := fs.Bool(
		"yes", false,
		"Skip confirmation prompt",
	)

	if err := fs.Parse(args); err != nil {
		return ResetConfig{}, err
	}

	cfg := ResetConfig{
		RunID:  strings.TrimSpace(*runID),
		ItemID: strings.TrimSpace(*itemID),
		Mode:   db.ResetMode(strings.ToLower(*mode)),
		DryRun: *dryRun,
		Yes:    *yes,
	}
	if cfg.RunID == "" || cfg.ItemID == "" {
		return ResetConfig{}, errors.New("-run and -item are required")
	}
	if !cfg.Mode.Valid() {
		return ResetConfig{}, fmt.Errorf("invalid mode %q: use all or eval", cfg.Mode)
	}
	return cfg, nil
}

// Resetter executes the reset workflow against a database.
type Resetter struct {
	DB  *db.DB
	Out io.Writer
	In  io.Reader
}

// Reset resolves the item's scope and resets every item in it.
// A scope that touches executed or evaluated items is confirmed
// first unless cfg.Yes is set.
func (r *Resetter) Reset(ctx context.Context, cfg ResetConfig) error {
	items, err := r.DB.ListItems(ctx, cfg.RunID)
	if err != nil {
		return fmt.Errorf("loading items: %w", err)
	}
	sc, ok := scope.For(items, cfg.ItemID)
	if !ok {
		return fmt.Errorf("item %s not found in run %s", cfg.ItemID, cfg.RunID)
	}

	writeScope(r.Out, sc)

	if cfg.DryRun {
		fmt.Fprintln(r.Out, "\nDry run: no changes made.")
		return nil
	}

	if sc.NeedsConfirm && !cfg.Yes {
		msg := fmt.Sprintf(
			"\nSome of these %d items were already executed or evaluated. Reset (%s)?",
			len(sc.IDs), cfg.Mode,
		)
		if !confirm(r.In, r.Out, msg) {
			fmt.Fprintln(r.Out, "Aborted.")
			return nil
		}
	}

	n, err := r.DB.ResetItems(cfg.RunID, sc.IDs, cfg.Mode)
	if err != nil {
		return fmt.Errorf("resetting items: %w", err)
	}
	fmt.Fprintf(r.Out, "\nReset %d items (%s)\n", n, cfg.Mode)
	return nil
}

func writeScope(w io.Writer, sc scope.Scope) {
	q := sc.QueryID
	if q == "" {
		q = "(none)"
	}
	fmt.Fprintf(w, "Item %s, query %s: %d items in scope\n",
		sc.ItemID, q, len(sc.IDs))
	for _, id := range sc.IDs {
		fmt.Fprintf(w, "  %s\n", id)
	}
}

func confirm(r io.Reader, w io.Writer, msg string) bool {
	fmt.Fprintf(w, "%s [y/N] ", msg)
	scanner := bufio.NewScanner(r)
	scanner.Scan()
	ans := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return ans == "y" || ans == "yes"
}

func runReset(args []string) {
	cfg, err := parseResetFlags(args)
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

	resetter := &Resetter{
		DB:  database,
		Out: os.Stdout,
		In:  os.Stdin,
	}
	if err := resetter.Reset(context.Background(), cfg); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
