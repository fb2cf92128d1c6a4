package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/wesm/qaview/internal/importer"
)

// handleTriggerImport runs an import pass. Clients that accept
// text/event-stream receive progress events; others get the
// final stats as JSON.
func (s *Server) handleTriggerImport(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "import is not configured")
		return
	}
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		writeJSON(w, http.StatusOK, s.engine.ImportAll(nil))
		return
	}
	stream, err := NewSSEStream(w)
	if err != nil {
		writeJSON(w, http.StatusOK, s.engine.ImportAll(nil))
		return
	}
	stats := s.engine.ImportAll(func(p importer.Progress) {
		stream.SendJSON("progress", p)
	})
	stream.SendJSON("done", stats)
}

func (s *Server) handleImportStatus(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "import is not configured")
		return
	}
	var last string
	if t := s.engine.LastImport(); !t.IsZero() {
		last = t.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"last_import": last,
		"stats":       s.engine.LastStats(),
		"dirs":        s.engine.Dirs(),
	})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetStats(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
