package db

import (
	"database/sql"
	"errors"
	"fmt"
)

// ImportedFile is the fingerprint of an export file already loaded
// into the cache.
type ImportedFile struct {
	Path  string
	RunID string
	Size  int64
	Mtime int64 // unix nanoseconds
	Hash  string
}

// Unchanged reports whether size and mtime match the fingerprint.
func (f ImportedFile) Unchanged(size, mtime int64) bool {
	return f.Size == size && f.Mtime == mtime
}

// GetImportedFile returns the fingerprint recorded for path.
func (db *DB) GetImportedFile(path string) (ImportedFile, bool, error) {
	f := ImportedFile{Path: path}
	err := db.reader.QueryRow(
		"SELECT run_id, file_size, file_mtime, file_hash"+
			" FROM imported_files WHERE file_path = ?",
		path,
	).Scan(&f.RunID, &f.Size, &f.Mtime, &f.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return ImportedFile{}, false, nil
	}
	if err != nil {
		return ImportedFile{}, false,
			fmt.Errorf("getting imported file %s: %w", path, err)
	}
	return f, true, nil
}

// TouchImportedFile records a new size and mtime for a file whose
// content hash did not change.
func (db *DB) TouchImportedFile(path string, size, mtime int64) error {
	return db.Update(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"UPDATE imported_files SET file_size = ?, file_mtime = ?"+
				" WHERE file_path = ?",
			size, mtime, path,
		)
		return err
	})
}

func upsertImportedFile(tx *sql.Tx, f ImportedFile) error {
	_, err := tx.Exec(`
		INSERT INTO imported_files
			(file_path, run_id, file_size, file_mtime, file_hash)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET
			run_id = excluded.run_id,
			file_size = excluded.file_size,
			file_mtime = excluded.file_mtime,
			file_hash = excluded.file_hash`,
		f.Path, f.RunID, f.Size, f.Mtime, f.Hash,
	)
	if err != nil {
		return fmt.Errorf("recording imported file %s: %w", f.Path, err)
	}
	return nil
}
