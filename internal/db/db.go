package db

import (
	"crypto/rand"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// idBatchSize keeps IN (...) lists under SQLite's bind limit, with
// room for the extra run_id argument some statements carry.
const idBatchSize = 500

// ErrRunNotFound is returned when a run id is not in the cache.
var ErrRunNotFound = errors.New("run not found")

// DB is the local run cache. Imports and resets go through one
// writer connection; dashboards and reports read from a pool.
type DB struct {
	writer *sql.DB
	reader *sql.DB
	mu     sync.Mutex // held for every write transaction

	cursorMu     sync.RWMutex
	cursorSecret []byte
}

// SetCursorSecret replaces the key that signs run list cursors.
func (db *DB) SetCursorSecret(secret []byte) {
	db.cursorMu.Lock()
	defer db.cursorMu.Unlock()
	db.cursorSecret = append([]byte(nil), secret...)
}

// cacheDSN builds the go-sqlite3 connection string for the cache.
// The reader pool opens with mode=ro so a bug in a query path can
// never write imported data.
func cacheDSN(path string, readOnly bool) string {
	q := url.Values{
		"_journal_mode": {"WAL"},
		"_busy_timeout": {"5000"},
		"_foreign_keys": {"ON"},
		"_cache_size":   {"-16000"},
	}
	if readOnly {
		q.Set("mode", "ro")
	} else {
		q.Set("_synchronous", "NORMAL")
	}
	return path + "?" + q.Encode()
}

func openPool(path string, readOnly bool, conns int) (*sql.DB, error) {
	pool, err := sql.Open("sqlite3", cacheDSN(path, readOnly))
	if err != nil {
		return nil, err
	}
	pool.SetMaxOpenConns(conns)
	return pool, nil
}

// Open creates or opens the run cache at path, applies the schema
// and any pending column migrations.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	writer, err := openPool(path, false, 1)
	if err != nil {
		return nil, fmt.Errorf("opening cache writer: %w", err)
	}
	db := &DB{writer: writer, cursorSecret: make([]byte, 32)}
	if err := db.migrate(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("migrating cache: %w", err)
	}

	// mode=ro needs the file and tables to exist already.
	if db.reader, err = openPool(path, true, 4); err != nil {
		writer.Close()
		return nil, fmt.Errorf("opening cache reader: %w", err)
	}

	if _, err := rand.Read(db.cursorSecret); err != nil {
		db.Close()
		return nil, fmt.Errorf("generating cursor secret: %w", err)
	}
	return db, nil
}

// addedColumns lists columns introduced after a table first
// shipped. CREATE TABLE IF NOT EXISTS leaves older caches without
// them, so each is added on open when missing.
var addedColumns = []struct {
	table, column, decl string
}{
	{"runs", "source_path", "TEXT NOT NULL DEFAULT ''"},
}

func (db *DB) migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, err := db.writer.Exec(schemaSQL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	for _, c := range addedColumns {
		if err := db.addColumn(c.table, c.column, c.decl); err != nil {
			return fmt.Errorf("adding %s.%s: %w", c.table, c.column, err)
		}
	}
	return nil
}

func (db *DB) hasColumn(table, column string) (bool, error) {
	var n int
	err := db.writer.QueryRow(
		"SELECT count(*) FROM pragma_table_info(?) WHERE name = ?",
		table, column,
	).Scan(&n)
	return n > 0, err
}

func (db *DB) addColumn(table, column, decl string) error {
	if ok, err := db.hasColumn(table, column); err != nil || ok {
		return err
	}
	_, err := db.writer.Exec(
		"ALTER TABLE " + table + " ADD COLUMN " + column + " " + decl,
	)
	if err != nil {
		// A second process sharing the cache may have won the race.
		if ok, _ := db.hasColumn(table, column); ok {
			return nil
		}
	}
	return err
}

// Close releases both connection pools.
func (db *DB) Close() error {
	if db.reader == nil {
		return db.writer.Close()
	}
	return errors.Join(db.writer.Close(), db.reader.Close())
}

// Update runs fn in a write transaction. Any error from fn rolls
// the whole transaction back, so an import or reset is applied
// completely or not at all.
func (db *DB) Update(fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.writer.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// eachIDBatch splits ids into batches of at most idBatchSize and
// calls fn with the batch's "(?,?,...)" list and bind arguments.
func eachIDBatch(ids []string, fn func(in string, args []any) error) error {
	for batch := range slices.Chunk(ids, idBatchSize) {
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		in := "(" + strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",") + ")"
		if err := fn(in, args); err != nil {
			return err
		}
	}
	return nil
}
