package importer

import (
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pollUntil polls fn until it returns true or timeout expires.
func pollUntil(t *testing.T, timeout time.Duration, msg string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !fn() {
		t.Fatal(msg)
	}
}

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) record(paths []string) {
	r.mu.Lock()
	r.paths = append(r.paths, paths...)
	r.mu.Unlock()
}

func (r *recorder) has(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.paths, path)
}

func startTestWatcher(t *testing.T, onChange func([]string)) (*Watcher, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := NewWatcher(50*time.Millisecond, onChange)
	require.NoError(t, err)
	_, _, err = w.WatchRecursive(dir)
	require.NoError(t, err)
	w.Start()
	t.Cleanup(w.Stop)
	return w, dir
}

func TestNewWatcherNilCallback(t *testing.T) {
	_, err := NewWatcher(time.Second, nil)
	assert.Error(t, err)
}

func TestWatcherReportsExportWrites(t *testing.T) {
	var rec recorder
	_, dir := startTestWatcher(t, rec.record)

	path := filepath.Join(dir, "r1.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	pollUntil(t, 3*time.Second, "export write not reported", func() bool {
		return rec.has(path)
	})
	assert.False(t, rec.has(filepath.Join(dir, "notes.txt")))
}

func TestWatcherFollowsNewDirs(t *testing.T) {
	var rec recorder
	w, dir := startTestWatcher(t, rec.record)

	sub := filepath.Join(dir, "nightly")
	require.NoError(t, os.Mkdir(sub, 0o755))
	pollUntil(t, 3*time.Second, "new dir not watched", func() bool {
		return slices.Contains(w.fsw.WatchList(), sub)
	})

	// A single write once the watch is live; repeated writes would
	// keep the path from ever going quiet for the debounce window.
	path := filepath.Join(sub, "r2.yaml")
	require.NoError(t, os.WriteFile(path, []byte("run: {}"), 0o644))
	pollUntil(t, 3*time.Second, "new dir export not reported", func() bool {
		return rec.has(path)
	})
}

func TestWatcherStopIdempotent(t *testing.T) {
	w, err := NewWatcher(10*time.Millisecond, func([]string) {})
	require.NoError(t, err)
	w.Start()
	w.Stop()
	w.Stop()
}

func TestWatcherDebounce(t *testing.T) {
	var rec recorder
	w, err := NewWatcher(time.Second, rec.record)
	require.NoError(t, err)
	defer w.fsw.Close()

	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	w.handle(fsnotify.Event{Name: "/x/a.json", Op: fsnotify.Write})
	w.handle(fsnotify.Event{Name: "/x/a.txt", Op: fsnotify.Write})
	w.handle(fsnotify.Event{Name: "/x/b.json", Op: fsnotify.Remove})

	now = now.Add(500 * time.Millisecond)
	w.flush()
	assert.Empty(t, rec.paths, "still inside debounce window")

	now = now.Add(500 * time.Millisecond)
	w.flush()
	assert.Equal(t, []string{"/x/a.json"}, rec.paths)

	w.flush()
	assert.Len(t, rec.paths, 1, "flushed paths are cleared")
}
