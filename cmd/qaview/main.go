package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/wesm/qaview/internal/config"
	"github.com/wesm/qaview/internal/db"
	"github.com/wesm/qaview/internal/importer"
	"github.com/wesm/qaview/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = ""
)

const (
	periodicImportInterval = 15 * time.Minute
	watcherDebounce        = 500 * time.Millisecond
	shutdownTimeout        = 5 * time.Second
	maxLogSize             = 10 << 20
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "import":
			runImport(os.Args[2:])
			return
		case "report":
			runReport(os.Args[2:])
			return
		case "reset":
			runReset(os.Args[2:])
			return
		case "prune":
			runPrune(os.Args[2:])
			return
		case "serve":
			runServe(os.Args[2:])
			return
		case "version", "--version", "-v":
			fmt.Printf("qaview %s (commit %s, built %s)\n",
				version, commit, buildDate)
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	runServe(os.Args[1:])
}

func printUsage() {
	fmt.Printf(`qaview %s - local backoffice for QA validation runs

Imports exported validation runs into a local SQLite cache and serves
KPI summaries, history and results tables over a JSON API.

Usage:
  qaview [flags]             Start the server (default command)
  qaview serve [flags]       Start the server (explicit)
  qaview import [paths...]   Import export files or the export dirs
  qaview report [flags]      Print a run's KPIs, history or results
  qaview reset [flags]       Reset an item and its repeats
  qaview prune [flags]       Delete cached runs
  qaview version             Show version information
  qaview help                Show this help

Server flags:
  -host string        Host to bind to (default "127.0.0.1")
  -port int           Port to listen on (default 8090)
  -export-dir string  Directory of run exports to import
  -timezone string    IANA time zone for timestamps and date filters
  -no-watch           Don't watch export dirs for changes

Report flags:
  -run string         Run id (required)
  -view string        kpi, history or results (default "kpi")
  -preset string      Quick filter: low, abnormal or slow
  -where string       Filter expression, e.g. "error status=failed"
  -format string      table, json or csv (default "table")

Reset flags:
  -run string         Run id (required)
  -item string        Item id (required)
  -mode string        all or eval (default "all")
  -dry-run            Show the scope without resetting
  -yes                Skip confirmation prompt

Prune flags:
  -run string         Comma-separated run ids
  -before string      Runs created before this date (YYYY-MM-DD)
  -dry-run            Show what would be pruned without deleting
  -yes                Skip confirmation prompt

Environment variables:
  QAVIEW_DATA_DIR     Data directory (database, config)
  QAVIEW_EXPORT_DIR   Directory of run exports
  QAVIEW_TIMEZONE     Display time zone

Data is stored in ~/.qaview/ by default.
`, version)
}

func runServe(args []string) {
	cfg := mustLoadConfig(args)
	setupLogFile(cfg.DataDir)
	database := mustOpenDB(cfg)
	defer database.Close()

	engine := importer.NewEngine(database, cfg.ResolveExportDirs())

	runInitialImport(engine)

	if !cfg.NoWatch {
		stopWatcher := startFileWatcher(engine)
		defer stopWatcher()
	}

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	go startPeriodicImport(ctx, engine)

	port := server.FindAvailablePort(cfg.Host, cfg.Port)
	if port != cfg.Port {
		fmt.Printf("Port %d in use, using %d\n", cfg.Port, port)
	}
	cfg.Port = port

	srv := server.New(cfg, database, engine,
		server.WithVersion(server.VersionInfo{
			Version:   version,
			Commit:    commit,
			BuildDate: buildDate,
		}),
	)

	fmt.Printf("qaview %s listening at %s\n", version, srv.URL())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
}

func mustLoadConfig(args []string) config.Config {
	fs := flag.NewFlagSet("qaview", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(),
			"Usage: qaview [serve] [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	config.RegisterServeFlags(fs)
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parsing flags: %v", err)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}
	return cfg
}

// setupLogFile mirrors the standard logger into debug.log under
// dataDir, starting the file over once it grows past maxLogSize.
func setupLogFile(dataDir string) {
	path := filepath.Join(dataDir, "debug.log")
	truncateLogFile(path, maxLogSize)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("warning: cannot open log file: %v", err)
		return
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
}

func truncateLogFile(path string, limit int64) {
	info, err := os.Stat(path)
	if err != nil || info.Size() <= limit {
		return
	}
	if err := os.Truncate(path, 0); err != nil {
		log.Printf("warning: truncating %s: %v", path, err)
	}
}

// mustLoadMinimal loads config for subcommands that own their
// flag sets.
func mustLoadMinimal() config.Config {
	cfg, err := config.LoadMinimal()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}
	return cfg
}

func mustOpenDB(cfg config.Config) *db.DB {
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}

	if cfg.CursorSecret != "" {
		secret, err := base64.StdEncoding.DecodeString(cfg.CursorSecret)
		if err != nil {
			log.Fatalf("invalid cursor secret: %v", err)
		}
		database.SetCursorSecret(secret)
	}

	return database
}

func runInitialImport(engine *importer.Engine) {
	fmt.Println("Importing run exports...")
	stats := engine.ImportAll(printImportProgress)
	fmt.Printf(
		"\nImport complete: %d files (%d imported, %d skipped, %d failed)\n",
		stats.TotalFiles, stats.Imported, stats.Skipped, stats.Failed,
	)
}

func printImportProgress(p importer.Progress) {
	if p.FilesTotal > 0 {
		fmt.Printf(
			"\r  %d/%d files (%.0f%%) · %d runs",
			p.FilesDone, p.FilesTotal, p.Percent(), p.Imported,
		)
	}
}

func startFileWatcher(engine *importer.Engine) func() {
	onChange := func(paths []string) {
		engine.ImportPaths(paths)
	}
	watcher, err := importer.NewWatcher(watcherDebounce, onChange)
	if err != nil {
		log.Printf("warning: file watcher unavailable: %v", err)
		return func() {}
	}

	for _, dir := range engine.Dirs() {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if _, failed, err := watcher.WatchRecursive(dir); err != nil {
			log.Printf("warning: watching %s: %v", dir, err)
		} else if failed > 0 {
			log.Printf("warning: %d dirs under %s not watched", failed, dir)
		}
	}
	watcher.Start()
	return watcher.Stop
}

func startPeriodicImport(ctx context.Context, engine *importer.Engine) {
	ticker := time.NewTicker(periodicImportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Println("Running scheduled import...")
			engine.ImportAll(nil)
		}
	}
}

func runImport(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	dir := fs.String("export-dir", "", "Directory of run exports to import")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(),
			"Usage: qaview import [-export-dir DIR] [paths...]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parsing flags: %v", err)
	}

	cfg := mustLoadMinimal()
	dirs := cfg.ResolveExportDirs()
	if *dir != "" {
		dirs = []string{*dir}
	}
	database := mustOpenDB(cfg)
	defer database.Close()

	engine := importer.NewEngine(database, dirs)
	if fs.NArg() == 0 {
		runInitialImport(engine)
		return
	}

	failed := 0
	for _, path := range fs.Args() {
		id, err := engine.ImportFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Printf("%s -> run %s\n", path, id)
	}
	if failed > 0 {
		os.Exit(1)
	}
}
