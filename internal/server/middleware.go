package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// withTimeout bounds a handler by the configured write timeout.
// Timed-out requests get a JSON 503.
func (s *Server) withTimeout(h http.HandlerFunc) http.Handler {
	msg, _ := json.Marshal(map[string]string{"error": "request timed out"})

	inner := h
	if delay := s.handlerDelay; delay > 0 {
		inner = func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(delay)
			h(w, r)
		}
	}
	timeout := s.cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	handler := http.TimeoutHandler(inner, timeout, string(msg))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(&jsonOnStatus{
			ResponseWriter: w,
			status:         http.StatusServiceUnavailable,
		}, r)
	})
}

// jsonOnStatus sets a JSON Content-Type when the response status
// is status and no Content-Type was chosen.
type jsonOnStatus struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *jsonOnStatus) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	if code == w.status && w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.ResponseWriter.WriteHeader(code)
	w.wroteHeader = true
}

func (w *jsonOnStatus) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
