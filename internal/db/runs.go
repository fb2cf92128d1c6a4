package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/wesm/qaview/internal/run"
)

// runCols is the column list for run queries. Keep in sync with
// scanRun.
const runCols = `id, name, status, eval_status,
	total_items, done_items, error_items, llm_done_items,
	started_at, finished_at, eval_started_at, eval_finished_at,
	source_path, created_at`

const (
	// DefaultRunLimit is the default number of runs returned.
	DefaultRunLimit = 100
	// MaxRunLimit is the maximum number of runs returned.
	MaxRunLimit = 500
)

// RunRecord is a cached run plus the export it was loaded from.
type RunRecord struct {
	run.Run
	SourcePath string `json:"source_path,omitempty"`
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(rs rowScanner) (RunRecord, error) {
	var r RunRecord
	err := rs.Scan(
		&r.ID, &r.Name, &r.Status, &r.EvalStatus,
		&r.TotalItems, &r.DoneItems, &r.ErrorItems, &r.LLMDoneItems,
		&r.StartedAt, &r.FinishedAt, &r.EvalStartedAt, &r.EvalFinishedAt,
		&r.SourcePath, &r.CreatedAt,
	)
	return r, err
}

// RunFilter specifies how to list runs.
type RunFilter struct {
	Status string // exact execution status (case-insensitive)
	Cursor string // opaque cursor from previous page
	Limit  int
}

// RunPage is a page of runs, newest first.
type RunPage struct {
	Runs       []RunRecord `json:"runs"`
	NextCursor string      `json:"next_cursor,omitempty"`
	Total      int         `json:"total"`
}

// ListRuns returns a cursor-paginated list of cached runs ordered
// by import time, newest first.
func (db *DB) ListRuns(ctx context.Context, f RunFilter) (RunPage, error) {
	if f.Limit <= 0 || f.Limit > MaxRunLimit {
		f.Limit = DefaultRunLimit
	}

	where := "1=1"
	var args []any
	if s := strings.TrimSpace(f.Status); s != "" {
		where += " AND upper(status) = upper(?)"
		args = append(args, s)
	}

	var cur RunCursor
	if f.Cursor != "" {
		var err error
		if cur, err = db.DecodeCursor(f.Cursor); err != nil {
			return RunPage{}, err
		}
	}
	total := cur.Total
	if total <= 0 {
		if err := db.reader.QueryRowContext(
			ctx, "SELECT COUNT(*) FROM runs WHERE "+where, args...,
		).Scan(&total); err != nil {
			return RunPage{}, fmt.Errorf("counting runs: %w", err)
		}
	}

	pageArgs := append([]any{}, args...)
	pageWhere := where
	if f.Cursor != "" {
		pageWhere += " AND (created_at, id) < (?, ?)"
		pageArgs = append(pageArgs, cur.CreatedAt, cur.ID)
	}
	pageArgs = append(pageArgs, f.Limit+1)

	rows, err := db.reader.QueryContext(ctx,
		"SELECT "+runCols+" FROM runs WHERE "+pageWhere+
			" ORDER BY created_at DESC, id DESC LIMIT ?",
		pageArgs...,
	)
	if err != nil {
		return RunPage{}, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	runs := []RunRecord{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return RunPage{}, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return RunPage{}, err
	}

	page := RunPage{Runs: runs, Total: total}
	if len(runs) > f.Limit {
		page.Runs = runs[:f.Limit]
		last := page.Runs[f.Limit-1]
		page.NextCursor = db.EncodeCursor(RunCursor{
			CreatedAt: last.CreatedAt, ID: last.ID, Total: total,
		})
	}
	return page, nil
}

// GetRun returns a single cached run. It returns ErrRunNotFound
// when the id is unknown.
func (db *DB) GetRun(ctx context.Context, id string) (RunRecord, error) {
	r, err := scanRun(db.reader.QueryRowContext(ctx,
		"SELECT "+runCols+" FROM runs WHERE id = ?", id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("getting run %s: %w", id, err)
	}
	return r, nil
}

// UpsertRun inserts or updates a run record. created_at is kept
// from the first import.
func (db *DB) UpsertRun(r RunRecord) error {
	return db.Update(func(tx *sql.Tx) error {
		return upsertRun(tx, r)
	})
}

func upsertRun(tx *sql.Tx, r RunRecord) error {
	_, err := tx.Exec(`
		INSERT INTO runs (
			id, name, status, eval_status,
			total_items, done_items, error_items, llm_done_items,
			started_at, finished_at, eval_started_at, eval_finished_at,
			source_path
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			eval_status = excluded.eval_status,
			total_items = excluded.total_items,
			done_items = excluded.done_items,
			error_items = excluded.error_items,
			llm_done_items = excluded.llm_done_items,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			eval_started_at = excluded.eval_started_at,
			eval_finished_at = excluded.eval_finished_at,
			source_path = excluded.source_path`,
		r.ID, r.Name, r.Status, r.EvalStatus,
		r.TotalItems, r.DoneItems, r.ErrorItems, r.LLMDoneItems,
		r.StartedAt, r.FinishedAt, r.EvalStartedAt, r.EvalFinishedAt,
		r.SourcePath,
	)
	if err != nil {
		return fmt.Errorf("upserting run %s: %w", r.ID, err)
	}
	return nil
}

// DeleteRuns removes runs and, through the foreign key cascade,
// their items. It returns the number of runs deleted.
func (db *DB) DeleteRuns(ids []string) (int, error) {
	var deleted int
	err := db.Update(func(tx *sql.Tx) error {
		return eachIDBatch(ids, func(in string, args []any) error {
			if _, err := tx.Exec(
				"DELETE FROM imported_files WHERE run_id IN "+in, args...,
			); err != nil {
				return fmt.Errorf("deleting imported files: %w", err)
			}
			res, err := tx.Exec("DELETE FROM runs WHERE id IN "+in, args...)
			if err != nil {
				return fmt.Errorf("deleting runs: %w", err)
			}
			n, _ := res.RowsAffected()
			deleted += int(n)
			return nil
		})
	})
	return deleted, err
}
