package db

import (
	"database/sql"
	"fmt"
)

// LoadSkippedFiles returns the persisted set of export files that
// failed to parse, keyed by path with the mtime they failed at.
func (db *DB) LoadSkippedFiles() (map[string]int64, error) {
	rows, err := db.reader.Query(
		"SELECT file_path, file_mtime FROM skipped_files",
	)
	if err != nil {
		return nil, fmt.Errorf("loading skipped files: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var path string
		var mtime int64
		if err := rows.Scan(&path, &mtime); err != nil {
			return nil, fmt.Errorf("scanning skipped file: %w", err)
		}
		out[path] = mtime
	}
	return out, rows.Err()
}

// ReplaceSkippedFiles persists the in-memory skip cache after an
// import pass.
func (db *DB) ReplaceSkippedFiles(entries map[string]int64) error {
	return db.Update(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM skipped_files"); err != nil {
			return fmt.Errorf("clearing skipped files: %w", err)
		}
		stmt, err := tx.Prepare(
			"INSERT INTO skipped_files (file_path, file_mtime) VALUES (?, ?)",
		)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()
		for path, mtime := range entries {
			if _, err := stmt.Exec(path, mtime); err != nil {
				return fmt.Errorf("inserting skipped file %s: %w", path, err)
			}
		}
		return nil
	})
}
