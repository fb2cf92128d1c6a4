package importer

import (
	"fmt"
	"io/fs"
	"log"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/wesm/qaview/internal/db"
	"github.com/wesm/qaview/internal/run"
)

const maxWorkers = 8

// Engine discovers export files and loads changed ones into the
// snapshot cache.
type Engine struct {
	db   *db.DB
	dirs []string

	importMu  sync.Mutex // serializes import passes
	mu        sync.RWMutex
	lastRun   time.Time
	lastStats Stats

	// skipCache holds exports that failed to parse, keyed by
	// path with the mtime they failed at. A file is retried
	// once its mtime changes.
	skipMu    sync.RWMutex
	skipCache map[string]int64
}

// NewEngine creates an import engine over dirs, seeding the skip
// cache from the database.
func NewEngine(database *db.DB, dirs []string) *Engine {
	skipCache := make(map[string]int64)
	if loaded, err := database.LoadSkippedFiles(); err == nil {
		skipCache = loaded
	} else {
		log.Printf("loading skip cache: %v", err)
	}
	return &Engine{db: database, dirs: dirs, skipCache: skipCache}
}

// Dirs returns the export directories the engine scans.
func (e *Engine) Dirs() []string {
	return slices.Clone(e.dirs)
}

// LastImport returns the time of the last completed pass.
func (e *Engine) LastImport() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastRun
}

// LastStats returns statistics from the last pass.
func (e *Engine) LastStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastStats
}

// Discover returns every export file under dir, sorted.
func Discover(dir string) []string {
	var files []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if d.IsDir() {
			if path != dir && len(d.Name()) > 0 && d.Name()[0] == '.' {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := FormatOf(path); ok {
			files = append(files, path)
		}
		return nil
	})
	slices.Sort(files)
	return files
}

// ImportAll scans every export directory and imports changed
// files. onProgress may be nil.
func (e *Engine) ImportAll(onProgress ProgressFunc) Stats {
	e.importMu.Lock()
	defer e.importMu.Unlock()

	t0 := time.Now()
	var files []string
	for _, d := range e.dirs {
		files = append(files, Discover(d)...)
	}
	stats := e.importFiles(files, onProgress)
	log.Printf(
		"import: %d file(s), %d imported, %d skipped, %d failed in %s",
		stats.TotalFiles, stats.Imported, stats.Skipped, stats.Failed,
		time.Since(t0).Round(time.Millisecond),
	)
	return stats
}

// ImportPaths imports only the given changed paths, ignoring
// anything that is not an export file inside an export directory.
func (e *Engine) ImportPaths(paths []string) Stats {
	var files []string
	for _, p := range paths {
		if _, ok := FormatOf(p); !ok || !e.inDirs(p) {
			continue
		}
		if info, err := os.Stat(p); err != nil || info.IsDir() {
			continue
		}
		files = append(files, p)
	}
	if len(files) == 0 {
		return Stats{}
	}

	e.importMu.Lock()
	defer e.importMu.Unlock()
	stats := e.importFiles(files, nil)
	if stats.Imported > 0 {
		log.Printf("import: %d file(s) updated", stats.Imported)
	}
	return stats
}

// ImportFile imports a single export regardless of where it
// lives or whether it previously failed, returning the run id it
// is stored under.
func (e *Engine) ImportFile(path string) (string, error) {
	e.importMu.Lock()
	defer e.importMu.Unlock()
	e.clearSkip(path)
	res := e.processFile(path)
	if res.err != nil {
		return "", res.err
	}
	if res.skip {
		return res.runID, nil
	}
	if err := e.write(res); err != nil {
		return "", err
	}
	return res.exp.Run.ID, nil
}

func (e *Engine) inDirs(path string) bool {
	for _, d := range e.dirs {
		rel, err := filepath.Rel(filepath.Clean(d), filepath.Clean(path))
		if err == nil && rel != "." && rel != ".." &&
			!strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

type fileResult struct {
	path  string
	exp   Export
	file  db.ImportedFile
	runID string // set on skip when the file is already cached
	skip  bool
	mtime int64
	err   error
}

func (e *Engine) importFiles(files []string, onProgress ProgressFunc) Stats {
	stats := Stats{TotalFiles: len(files)}
	progress := Progress{Phase: PhaseImporting, FilesTotal: len(files)}
	if onProgress != nil {
		onProgress(progress)
	}

	for r := range e.startWorkers(files, len(files)) {
		switch {
		case r.err != nil:
			if r.mtime != 0 {
				e.cacheSkip(r.path, r.mtime)
			}
			stats.Failed++
			log.Printf("import: %s: %v", r.path, r.err)
		case r.skip:
			stats.Skipped++
		default:
			e.clearSkip(r.path)
			if err := e.write(r); err != nil {
				stats.Failed++
				log.Printf("import: %s: %v", r.path, err)
				break
			}
			stats.Imported++
			stats.RunIDs = append(stats.RunIDs, r.exp.Run.ID)
		}
		progress.FilesDone++
		progress.Imported = stats.Imported
		if onProgress != nil {
			onProgress(progress)
		}
	}
	slices.Sort(stats.RunIDs)
	e.persistSkipCache()

	progress.Phase = PhaseDone
	if onProgress != nil {
		onProgress(progress)
	}

	e.mu.Lock()
	e.lastRun = time.Now()
	e.lastStats = stats
	e.mu.Unlock()
	return stats
}

// startWorkers parses files on a worker pool. The returned
// channel is closed after n results. Writes stay on the caller's
// goroutine so the cache sees a single writer.
func (e *Engine) startWorkers(files []string, n int) <-chan fileResult {
	workers := min(max(runtime.NumCPU(), 2), maxWorkers)
	jobs := make(chan string, n)
	results := make(chan fileResult, n)

	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for path := range jobs {
				results <- e.processFile(path)
			}
		}()
	}
	for _, f := range files {
		jobs <- f
	}
	close(jobs)
	go func() {
		wg.Wait()
		close(results)
	}()
	return results
}

func (e *Engine) processFile(path string) fileResult {
	info, err := os.Stat(path)
	if err != nil {
		return fileResult{path: path, err: fmt.Errorf("stat: %w", err)}
	}
	mtime := info.ModTime().UnixNano()
	size := info.Size()

	e.skipMu.RLock()
	cachedMtime, cached := e.skipCache[path]
	e.skipMu.RUnlock()
	if cached && cachedMtime == mtime {
		return fileResult{path: path, skip: true, mtime: mtime}
	}

	prev, known, err := e.db.GetImportedFile(path)
	if err != nil {
		return fileResult{path: path, err: err}
	}
	if known && prev.Unchanged(size, mtime) {
		return fileResult{path: path, skip: true, runID: prev.RunID, mtime: mtime}
	}

	hash, err := ComputeFileHash(path)
	if err != nil {
		return fileResult{path: path, mtime: mtime, err: fmt.Errorf("hashing: %w", err)}
	}
	if known && prev.Hash == hash {
		// Touched but not rewritten.
		if err := e.db.TouchImportedFile(path, size, mtime); err != nil {
			log.Printf("import: touch %s: %v", path, err)
		}
		return fileResult{path: path, skip: true, runID: prev.RunID, mtime: mtime}
	}

	exp, err := ParseFile(path)
	if err != nil {
		return fileResult{path: path, mtime: mtime, err: err}
	}
	return fileResult{
		path:  path,
		exp:   exp,
		mtime: mtime,
		file: db.ImportedFile{
			Path: path, Size: size, Mtime: mtime, Hash: hash,
		},
	}
}

func (e *Engine) write(r fileResult) error {
	rec := db.RunRecord{Run: r.exp.Run, SourcePath: r.path}
	items := r.exp.Items
	if items == nil {
		items = []run.Item{}
	}
	if err := e.db.SaveSnapshot(rec, items, r.file); err != nil {
		return fmt.Errorf("saving run %s: %w", rec.ID, err)
	}
	return nil
}

func (e *Engine) cacheSkip(path string, mtime int64) {
	e.skipMu.Lock()
	e.skipCache[path] = mtime
	e.skipMu.Unlock()
}

func (e *Engine) clearSkip(path string) {
	e.skipMu.Lock()
	delete(e.skipCache, path)
	e.skipMu.Unlock()
}

// persistSkipCache writes the in-memory skip cache to the
// database so skipped files survive restarts.
func (e *Engine) persistSkipCache() {
	e.skipMu.RLock()
	snapshot := make(map[string]int64, len(e.skipCache))
	maps.Copy(snapshot, e.skipCache)
	e.skipMu.RUnlock()

	if err := e.db.ReplaceSkippedFiles(snapshot); err != nil {
		log.Printf("persisting skip cache: %v", err)
	}
}
