package server

import (
	"net/http"
	"strings"

	"github.com/wesm/qaview/internal/db"
	"github.com/wesm/qaview/internal/kpi"
	"github.com/wesm/qaview/internal/rows"
	"github.com/wesm/qaview/internal/run"
	"github.com/wesm/qaview/internal/scope"
)

// rowsResponse is the body of the history and results endpoints.
type rowsResponse[R rows.Row] struct {
	RunID  string      `json:"run_id"`
	Total  int         `json:"total"`
	Count  int         `json:"count"`
	Filter rows.Filter `json:"filter"`
	Rows   []R         `json:"rows"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseIntParam(w, r, "limit")
	if !ok {
		return
	}
	q := r.URL.Query()
	page, err := s.db.ListRuns(r.Context(), db.RunFilter{
		Status: q.Get("status"),
		Cursor: q.Get("cursor"),
		Limit:  clampLimit(limit, db.DefaultRunLimit, db.MaxRunLimit),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.db.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// loadRun fetches a run and its items, writing the error
// response itself on failure.
func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (db.RunRecord, []run.Item, bool) {
	ctx := r.Context()
	rec, err := s.db.GetRun(ctx, r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return db.RunRecord{}, nil, false
	}
	items, err := s.db.ListItems(ctx, rec.ID)
	if err != nil {
		writeStoreError(w, err)
		return db.RunRecord{}, nil, false
	}
	return rec, items, true
}

func (s *Server) handleRunKPI(w http.ResponseWriter, r *http.Request) {
	rec, items, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, kpi.Aggregate(&rec.Run, items))
}

func (s *Server) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	f, ok := s.parseFilter(w, r)
	if !ok {
		return
	}
	rec, items, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	all := rows.SortHistory(rows.BuildHistory(items, rows.Options{Location: f.Location}))
	writeRows(w, rec.ID, f, all)
}

func (s *Server) handleRunResults(w http.ResponseWriter, r *http.Request) {
	f, ok := s.parseFilter(w, r)
	if !ok {
		return
	}
	rec, items, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	all := rows.SortResults(rows.BuildResults(items, rows.Options{Location: f.Location}))
	writeRows(w, rec.ID, f, all)
}

func writeRows[R rows.Row](w http.ResponseWriter, runID string, f rows.Filter, all []R) {
	matched := rows.Apply(all, f)
	writeJSON(w, http.StatusOK, rowsResponse[R]{
		RunID:  runID,
		Total:  len(all),
		Count:  len(matched),
		Filter: f.Effective(),
		Rows:   matched,
	})
}

// itemScope resolves the action scope of the path's item.
func (s *Server) itemScope(w http.ResponseWriter, r *http.Request) (scope.Scope, bool) {
	_, items, ok := s.loadRun(w, r)
	if !ok {
		return scope.Scope{}, false
	}
	sc, found := scope.For(items, r.PathValue("item"))
	if !found {
		writeError(w, http.StatusNotFound, "item not found")
		return scope.Scope{}, false
	}
	return sc, true
}

func (s *Server) handleItemScope(w http.ResponseWriter, r *http.Request) {
	if sc, ok := s.itemScope(w, r); ok {
		writeJSON(w, http.StatusOK, sc)
	}
}

// resetResponse is the body of a completed reset.
type resetResponse struct {
	scope.Scope
	Mode  db.ResetMode `json:"mode"`
	Reset int          `json:"reset"`
}

func (s *Server) handleItemReset(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := db.ResetMode(strings.ToLower(q.Get("mode")))
	if mode == "" {
		mode = db.ResetAll
	}
	if !mode.Valid() {
		writeError(w, http.StatusBadRequest, "invalid mode: use all or eval")
		return
	}
	confirmed, ok := parseBoolParam(w, r, "confirm")
	if !ok {
		return
	}

	sc, ok := s.itemScope(w, r)
	if !ok {
		return
	}
	if sc.NeedsConfirm && !confirmed {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "reset touches already executed or evaluated items; retry with confirm=1",
			"scope": sc,
		})
		return
	}

	n, err := s.db.ResetItems(r.PathValue("id"), sc.IDs, mode)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resetResponse{Scope: sc, Mode: mode, Reset: n})
}
