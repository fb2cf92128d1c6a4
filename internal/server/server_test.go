package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/qaview/internal/config"
	"github.com/wesm/qaview/internal/db"
	"github.com/wesm/qaview/internal/dbtest"
	"github.com/wesm/qaview/internal/importer"
	"github.com/wesm/qaview/internal/kpi"
	"github.com/wesm/qaview/internal/run"
	"github.com/wesm/qaview/internal/server"
	"github.com/wesm/qaview/internal/testrun"
)

// testEnv is a server over a temporary cache.
type testEnv struct {
	srv       *server.Server
	handler   http.Handler
	db        *db.DB
	exportDir string
}

type setupOption func(*config.Config)

func withWriteTimeout(d time.Duration) setupOption {
	return func(c *config.Config) { c.WriteTimeout = d }
}

func setup(t *testing.T, opts ...setupOption) *testEnv {
	return setupWithServerOpts(t, nil, opts...)
}

func setupWithServerOpts(
	t *testing.T, srvOpts []server.Option, opts ...setupOption,
) *testEnv {
	t.Helper()
	d := dbtest.OpenTestDB(t)
	exportDir := t.TempDir()
	cfg := config.Config{
		Host:         "127.0.0.1",
		DataDir:      t.TempDir(),
		ExportDir:    exportDir,
		WriteTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	engine := importer.NewEngine(d, cfg.ResolveExportDirs())
	srv := server.New(cfg, d, engine, srvOpts...)
	return &testEnv{srv: srv, handler: srv.Handler(), db: d, exportDir: exportDir}
}

// seed stores run r1: a and b repeat q1, c is pending on q2.
func (te *testEnv) seed(t *testing.T) {
	t.Helper()
	dbtest.SeedRun(t, te.db, testrun.Run("r1", 3, 2),
		testrun.Item("a", "q1", 1,
			testrun.WithResponseTime(12),
			testrun.WithLatencyClass(run.LatencySingle),
			testrun.WithLLM("DONE", map[string]float64{
				"intent": 4, "accuracy": 5,
			}),
		),
		testrun.Item("b", "q1", 2, testrun.WithError("boom")),
		testrun.Pending("c", "q2", 3),
	)
}

func (te *testEnv) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	te.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func assertStatus(t *testing.T, w *httptest.ResponseRecorder, code int) {
	t.Helper()
	require.Equal(t, code, w.Code, "body: %s", w.Body.String())
}

type rowsBody struct {
	RunID string `json:"run_id"`
	Total int    `json:"total"`
	Count int    `json:"count"`
	Rows  []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"rows"`
}

func (b rowsBody) ids() []string {
	out := make([]string, len(b.Rows))
	for i, r := range b.Rows {
		out[i] = r.ID
	}
	return out
}

func TestListRuns(t *testing.T) {
	te := setup(t)
	te.seed(t)

	w := te.do(t, "GET", "/api/v1/runs")
	assertStatus(t, w, http.StatusOK)
	page := decode[db.RunPage](t, w)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Runs, 1)
	assert.Equal(t, "r1", page.Runs[0].ID)

	assertStatus(t, te.do(t, "GET", "/api/v1/runs?limit=abc"), http.StatusBadRequest)
	assertStatus(t, te.do(t, "GET", "/api/v1/runs?cursor=junk"), http.StatusBadRequest)
}

func TestGetRun(t *testing.T) {
	te := setup(t)
	te.seed(t)

	w := te.do(t, "GET", "/api/v1/runs/r1")
	assertStatus(t, w, http.StatusOK)
	assert.Equal(t, 3, decode[db.RunRecord](t, w).TotalItems)

	w = te.do(t, "GET", "/api/v1/runs/nope")
	assertStatus(t, w, http.StatusNotFound)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestRunKPI(t *testing.T) {
	te := setup(t)
	te.seed(t)

	w := te.do(t, "GET", "/api/v1/runs/r1/kpi")
	assertStatus(t, w, http.StatusOK)
	sum := decode[kpi.Summary](t, w)
	assert.Equal(t, "r1", sum.RunID)
	assert.Equal(t, 3, sum.TotalRows)
	assert.Equal(t, 1, sum.ErrorRows)
	assert.Equal(t, 1, sum.PendingRows)
	require.NotNil(t, sum.Intent.Score)
	assert.InDelta(t, 4, *sum.Intent.Score, 1e-9)

	assertStatus(t, te.do(t, "GET", "/api/v1/runs/nope/kpi"), http.StatusNotFound)
}

func TestRunHistoryFilters(t *testing.T) {
	te := setup(t)
	te.seed(t)

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"a", "b", "c"}},
		{"?error=1", []string{"b"}},
		{"?status=pending", []string{"c"}},
		{"?slow", []string{"a"}},
		{"?where=" + urlEscape("error status=failed"), []string{"b"}},
		{"?preset=slow", []string{"a"}},
		{"?from=2024-06-02", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := te.do(t, "GET", "/api/v1/runs/r1/history"+tt.query)
			assertStatus(t, w, http.StatusOK)
			body := decode[rowsBody](t, w)
			assert.Equal(t, "r1", body.RunID)
			assert.Equal(t, 3, body.Total)
			assert.Equal(t, len(tt.want), body.Count)
			assert.ElementsMatch(t, tt.want, body.ids())
		})
	}
}

func TestRunResults(t *testing.T) {
	te := setup(t)
	te.seed(t)

	w := te.do(t, "GET", "/api/v1/runs/r1/results?focus=intent")
	assertStatus(t, w, http.StatusOK)
	body := decode[rowsBody](t, w)
	assert.Equal(t, 3, body.Total)
	assert.NotContains(t, body.ids(), "a", "intent 4 is above the focus floor")
}

func TestRowsBadParams(t *testing.T) {
	te := setup(t)
	te.seed(t)

	for _, q := range []string{
		"?status=bogus",
		"?bucket=9",
		"?bucket=x",
		"?from=06/01/2024",
		"?from=2024-06-05&to=2024-06-01",
		"?timezone=Mars/Base",
		"?preset=nope",
		"?focus=vibes",
		"?slow=maybe",
		"?where=" + urlEscape("frobnicate"),
	} {
		t.Run(q, func(t *testing.T) {
			w := te.do(t, "GET", "/api/v1/runs/r1/results"+q)
			assertStatus(t, w, http.StatusBadRequest)
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestItemScope(t *testing.T) {
	te := setup(t)
	te.seed(t)

	type scopeBody struct {
		IDs          []string `json:"ids"`
		NeedsConfirm bool     `json:"needs_confirm"`
	}
	w := te.do(t, "GET", "/api/v1/runs/r1/items/b/scope")
	assertStatus(t, w, http.StatusOK)
	sc := decode[scopeBody](t, w)
	assert.Equal(t, []string{"a", "b"}, sc.IDs)
	assert.True(t, sc.NeedsConfirm)

	w = te.do(t, "GET", "/api/v1/runs/r1/items/c/scope")
	assertStatus(t, w, http.StatusOK)
	sc = decode[scopeBody](t, w)
	assert.Equal(t, []string{"c"}, sc.IDs)
	assert.False(t, sc.NeedsConfirm)

	assertStatus(t, te.do(t, "GET", "/api/v1/runs/r1/items/zz/scope"), http.StatusNotFound)
	assertStatus(t, te.do(t, "GET", "/api/v1/runs/nope/items/a/scope"), http.StatusNotFound)
}

func TestItemReset(t *testing.T) {
	te := setup(t)
	te.seed(t)

	w := te.do(t, "POST", "/api/v1/runs/r1/items/a/reset")
	assertStatus(t, w, http.StatusConflict)
	items, err := te.db.ListItems(t.Context(), "r1")
	require.NoError(t, err)
	assert.True(t, items[0].HasExecution(), "nothing reset without confirm")

	w = te.do(t, "POST", "/api/v1/runs/r1/items/a/reset?mode=eval&confirm=1")
	assertStatus(t, w, http.StatusOK)
	type resetBody struct {
		IDs   []string `json:"ids"`
		Mode  string   `json:"mode"`
		Reset int      `json:"reset"`
	}
	body := decode[resetBody](t, w)
	assert.Equal(t, resetBody{IDs: []string{"a", "b"}, Mode: "eval", Reset: 2}, body)

	items, err = te.db.ListItems(t.Context(), "r1")
	require.NoError(t, err)
	assert.Nil(t, items[0].LLMEvaluation)
	assert.True(t, items[0].HasExecution())

	w = te.do(t, "POST", "/api/v1/runs/r1/items/c/reset")
	assertStatus(t, w, http.StatusOK)
	assert.Equal(t, 1, decode[resetBody](t, w).Reset)

	assertStatus(t, te.do(t, "POST", "/api/v1/runs/r1/items/a/reset?mode=wipe"), http.StatusBadRequest)
	assertStatus(t, te.do(t, "GET", "/api/v1/runs/r1/items/a/reset"), http.StatusMethodNotAllowed)
}

func TestTriggerImport(t *testing.T) {
	te := setup(t)
	exp := `{"schemaVersion":"1.0.0","run":{"id":"imported"},
		"items":[{"id":"x","queryId":"q","rawResponse":"ok"}]}`
	require.NoError(t, os.WriteFile(filepath.Join(te.exportDir, "run.json"), []byte(exp), 0o644))

	w := te.do(t, "POST", "/api/v1/import")
	assertStatus(t, w, http.StatusOK)
	stats := decode[importer.Stats](t, w)
	assert.Equal(t, 1, stats.Imported)
	assert.Equal(t, []string{"imported"}, stats.RunIDs)

	w = te.do(t, "GET", "/api/v1/runs/imported/kpi")
	assertStatus(t, w, http.StatusOK)
	assert.Equal(t, 1, decode[kpi.Summary](t, w).DoneRows)

	w = te.do(t, "GET", "/api/v1/import/status")
	assertStatus(t, w, http.StatusOK)
	assert.Contains(t, w.Body.String(), `"last_import"`)

	w = te.do(t, "GET", "/api/v1/stats")
	assertStatus(t, w, http.StatusOK)
	assert.Equal(t, db.Stats{RunCount: 1, ItemCount: 1, ImportedFiles: 1},
		decode[db.Stats](t, w))
}

func TestTriggerImportStream(t *testing.T) {
	te := setup(t)
	req := httptest.NewRequest("POST", "/api/v1/import", nil)
	req.Header.Set("Accept", "text/event-stream")
	w := httptest.NewRecorder()
	te.handler.ServeHTTP(w, req)

	assertStatus(t, w, http.StatusOK)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "event: progress")
	assert.Contains(t, body, "event: done")
}

func TestImportWithoutEngine(t *testing.T) {
	d := dbtest.OpenTestDB(t)
	srv := server.New(config.Config{WriteTimeout: time.Second}, d, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/import", nil))
	assertStatus(t, w, http.StatusServiceUnavailable)
}

func TestVersion(t *testing.T) {
	te := setupWithServerOpts(t, []server.Option{
		server.WithVersion(server.VersionInfo{Version: "v1.2.3", Commit: "abc"}),
	})
	w := te.do(t, "GET", "/api/v1/version")
	assertStatus(t, w, http.StatusOK)
	assert.Equal(t, "v1.2.3", decode[server.VersionInfo](t, w).Version)
}

func TestCORSPreflight(t *testing.T) {
	te := setup(t)
	w := te.do(t, "OPTIONS", "/api/v1/runs")
	assertStatus(t, w, http.StatusNoContent)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandlerTimeout(t *testing.T) {
	te := setupWithServerOpts(t,
		[]server.Option{server.WithHandlerDelay(200 * time.Millisecond)},
		withWriteTimeout(20*time.Millisecond),
	)
	w := te.do(t, "GET", "/api/v1/stats")
	assertStatus(t, w, http.StatusServiceUnavailable)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.True(t, strings.Contains(w.Body.String(), "request timed out"))
}

func urlEscape(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, " ", "%20"), "=", "%3D")
}
