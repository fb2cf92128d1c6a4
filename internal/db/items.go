package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/wesm/qaview/internal/run"
)

const itemCols = `id, query_id, ordinal, query_text,
	executed_at, raw_response, error, raw_json,
	response_time_sec, latency_ms, latency_class,
	llm_evaluation, logic_evaluation`

// ResetMode selects what ResetItems clears.
type ResetMode string

const (
	// ResetAll clears execution results and evaluations.
	ResetAll ResetMode = "all"
	// ResetEvaluation clears evaluations only.
	ResetEvaluation ResetMode = "eval"
)

// Valid reports whether m is a known reset mode.
func (m ResetMode) Valid() bool {
	return m == ResetAll || m == ResetEvaluation
}

func encodeEval(e *run.Evaluation) (any, error) {
	if e == nil {
		return nil, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeEval(s sql.NullString) (*run.Evaluation, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var e run.Evaluation
	if err := json.Unmarshal([]byte(s.String), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func nullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func scanItem(rs rowScanner) (run.Item, error) {
	var (
		it         run.Item
		rt, lat    sql.NullFloat64
		class      string
		llm, logic sql.NullString
	)
	if err := rs.Scan(
		&it.ID, &it.QueryID, &it.Ordinal, &it.QueryText,
		&it.ExecutedAt, &it.RawResponse, &it.Error, &it.RawJSON,
		&rt, &lat, &class, &llm, &logic,
	); err != nil {
		return run.Item{}, err
	}
	it.ResponseTimeSec = nullFloat(rt)
	it.LatencyMs = nullFloat(lat)
	it.LatencyClass = run.LatencyClass(class)

	var err error
	if it.LLMEvaluation, err = decodeEval(llm); err != nil {
		return run.Item{}, fmt.Errorf("item %s llm evaluation: %w", it.ID, err)
	}
	if it.LogicEvaluation, err = decodeEval(logic); err != nil {
		return run.Item{}, fmt.Errorf("item %s logic evaluation: %w", it.ID, err)
	}
	return it, nil
}

// ListItems returns every cached item of a run in ordinal order.
func (db *DB) ListItems(ctx context.Context, runID string) ([]run.Item, error) {
	rows, err := db.reader.QueryContext(ctx,
		"SELECT "+itemCols+" FROM run_items WHERE run_id = ?"+
			" ORDER BY ordinal, id",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying items for %s: %w", runID, err)
	}
	defer rows.Close()

	items := []run.Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ReplaceRunItems swaps the cached items of a run for items.
func (db *DB) ReplaceRunItems(runID string, items []run.Item) error {
	return db.Update(func(tx *sql.Tx) error {
		return replaceItems(tx, runID, items)
	})
}

func replaceItems(tx *sql.Tx, runID string, items []run.Item) error {
	if _, err := tx.Exec(
		"DELETE FROM run_items WHERE run_id = ?", runID,
	); err != nil {
		return fmt.Errorf("clearing items for %s: %w", runID, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO run_items (run_id, ` + itemCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		llm, err := encodeEval(it.LLMEvaluation)
		if err != nil {
			return fmt.Errorf("encoding item %s: %w", it.ID, err)
		}
		logic, err := encodeEval(it.LogicEvaluation)
		if err != nil {
			return fmt.Errorf("encoding item %s: %w", it.ID, err)
		}
		if _, err := stmt.Exec(
			runID, it.ID, it.QueryID, it.Ordinal, it.QueryText,
			it.ExecutedAt, it.RawResponse, it.Error, it.RawJSON,
			it.ResponseTimeSec, it.LatencyMs, string(it.LatencyClass),
			llm, logic,
		); err != nil {
			return fmt.Errorf("inserting item %s: %w", it.ID, err)
		}
	}
	return nil
}

// SaveSnapshot stores a run, its items and the source file
// fingerprint in one transaction.
func (db *DB) SaveSnapshot(
	r RunRecord, items []run.Item, file ImportedFile,
) error {
	return db.Update(func(tx *sql.Tx) error {
		if err := upsertRun(tx, r); err != nil {
			return err
		}
		if err := replaceItems(tx, r.ID, items); err != nil {
			return err
		}
		if file.Path == "" {
			return nil
		}
		file.RunID = r.ID
		return upsertImportedFile(tx, file)
	})
}

// ResetItems clears the given items of a run according to mode and
// recounts the run's progress counters. It returns the number of
// items touched.
func (db *DB) ResetItems(
	runID string, ids []string, mode ResetMode,
) (int, error) {
	if !mode.Valid() {
		return 0, fmt.Errorf("unknown reset mode %q", mode)
	}
	set := "llm_evaluation = NULL, logic_evaluation = NULL"
	if mode == ResetAll {
		set += `, executed_at = '', raw_response = '', error = '',
			raw_json = '', response_time_sec = NULL,
			latency_ms = NULL, latency_class = ''`
	}

	var affected int
	err := db.Update(func(tx *sql.Tx) error {
		err := eachIDBatch(ids, func(in string, args []any) error {
			res, err := tx.Exec(
				"UPDATE run_items SET "+set+
					" WHERE run_id = ? AND id IN "+in,
				append([]any{runID}, args...)...,
			)
			if err != nil {
				return fmt.Errorf("resetting items: %w", err)
			}
			n, _ := res.RowsAffected()
			affected += int(n)
			return nil
		})
		if err != nil || affected == 0 {
			return err
		}
		_, err = tx.Exec(`
			UPDATE runs SET
				done_items = (SELECT COUNT(*) FROM run_items
					WHERE run_id = runs.id AND (trim(executed_at) != ''
						OR trim(error) != '' OR trim(raw_response) != '')),
				error_items = (SELECT COUNT(*) FROM run_items
					WHERE run_id = runs.id AND trim(error) != ''),
				llm_done_items = (SELECT COUNT(*) FROM run_items
					WHERE run_id = runs.id AND llm_evaluation IS NOT NULL)
			WHERE id = ?`, runID)
		if err != nil {
			return fmt.Errorf("recounting run %s: %w", runID, err)
		}
		return nil
	})
	return affected, err
}
