// Package dbtest provides helpers for tests that need a real
// snapshot cache.
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/wesm/qaview/internal/db"
	"github.com/wesm/qaview/internal/run"
)

// OpenTestDB opens a fresh cache in a temp dir and closes it when
// the test ends.
func OpenTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// SeedRun stores r and its items.
func SeedRun(t *testing.T, d *db.DB, r *run.Run, items ...run.Item) {
	t.Helper()
	if err := d.SaveSnapshot(
		db.RunRecord{Run: *r}, items, db.ImportedFile{},
	); err != nil {
		t.Fatalf("seeding run %s: %v", r.ID, err)
	}
}
