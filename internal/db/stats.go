package db

import (
	"context"
	"fmt"
)

// Stats summarizes the cache contents.
type Stats struct {
	RunCount      int `json:"run_count"`
	ItemCount     int `json:"item_count"`
	ImportedFiles int `json:"imported_files"`
	SkippedFiles  int `json:"skipped_files"`
}

// GetStats returns run and item counts from the trigger-maintained
// stats table plus file counts.
func (db *DB) GetStats(ctx context.Context) (Stats, error) {
	const query = `
		SELECT
			(SELECT value FROM stats WHERE key = 'run_count'),
			(SELECT value FROM stats WHERE key = 'item_count'),
			(SELECT COUNT(*) FROM imported_files),
			(SELECT COUNT(*) FROM skipped_files)`

	var s Stats
	if err := db.reader.QueryRowContext(ctx, query).Scan(
		&s.RunCount, &s.ItemCount, &s.ImportedFiles, &s.SkippedFiles,
	); err != nil {
		return Stats{}, fmt.Errorf("fetching stats: %w", err)
	}
	return s, nil
}
